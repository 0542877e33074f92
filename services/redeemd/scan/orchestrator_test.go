package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fundcard/services/redeemd/counters"
	"fundcard/services/redeemd/directory"
	"fundcard/services/redeemd/fraud"
	"fundcard/services/redeemd/ledger"
	"fundcard/services/redeemd/models"
	"fundcard/services/redeemd/offers"
	"fundcard/services/redeemd/token"
)

var testNow = time.Date(2026, 6, 1, 15, 0, 0, 0, time.UTC)

type harness struct {
	db       *gorm.DB
	codec    *token.Codec
	detector *fraud.Detector
	ledger   *ledger.Ledger
	dir      *directory.Store
	orch     *Orchestrator
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection keeps the shared in-memory database alive and serializes
	// transactions, so concurrent tests here check outcomes rather than lock
	// races. The ledger package runs the races against Postgres.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.AutoMigrate(db))
	require.NoError(t, models.AutoMigrateDirectory(db))
	return db
}

func ptr(v float64) *float64 { return &v }

func newHarness(t *testing.T, recorder func(*ledger.Ledger) Recorder) *harness {
	t.Helper()
	db := setupTestDB(t)

	from := testNow.Add(-24 * time.Hour)
	until := testNow.Add(24 * time.Hour)
	require.NoError(t, db.Create(&models.OfferRecord{
		ID: 42, MerchantID: 1, Title: "20% off coffee", DiscountType: "PERCENTAGE",
		DiscountValue: decimal.NewFromInt(20), ValidFrom: &from, ValidUntil: &until, IsActive: true,
	}).Error)
	require.NoError(t, db.Create(&models.OfferRecord{
		ID: 43, MerchantID: 1, Title: "Paused", DiscountType: "FIXED_AMOUNT",
		DiscountValue: decimal.NewFromInt(15), IsActive: false,
	}).Error)
	require.NoError(t, db.Create(&models.MerchantLocationRecord{
		ID: 7, MerchantID: 1, Name: "Main St", Latitude: ptr(40.0), Longitude: ptr(-74.0),
	}).Error)
	require.NoError(t, db.Create(&models.MerchantLocationRecord{ID: 8, MerchantID: 2, Name: "Elsewhere"}).Error)

	codec, err := token.NewCodec("k1", map[string][]byte{"k1": []byte("0123456789abcdef0123456789abcdef")})
	require.NoError(t, err)
	codec.SetNowFunc(func() time.Time { return testNow })

	store, err := counters.NewSQLStore(db, time.Hour)
	require.NoError(t, err)
	store.SetNowFunc(func() time.Time { return testNow })
	detector, err := fraud.New(store, fraud.DefaultConfig(), fraud.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	l, err := ledger.New(db, ledger.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	dir, err := directory.New(db)
	require.NoError(t, err)

	var rec Recorder = l
	if recorder != nil {
		rec = recorder(l)
	}
	orch, err := New(codec, dir, detector, rec, DefaultConfig(), WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	return &harness{db: db, codec: codec, detector: detector, ledger: l, dir: dir, orch: orch}
}

func (h *harness) issue(t *testing.T, offerID int64, holder string) string {
	t.Helper()
	raw, err := h.codec.Encode(offerID, holder, testNow.Add(time.Hour))
	require.NoError(t, err)
	return raw
}

func scanRequest(raw, device string) Request {
	return Request{
		Token:              raw,
		DeviceFingerprint:  device,
		IPAddress:          "198.51.100.7",
		PurchaseAmount:     decimal.RequireFromString("50.00"),
		MerchantLocationID: 7,
		ScannedByUserID:    "staff-1",
	}
}

func TestScanEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	raw := h.issue(t, 42, "U1")

	first := h.orch.Scan(context.Background(), scanRequest(raw, "terminal-1"))
	require.True(t, first.Success, first.ErrorMessage)
	require.Equal(t, int64(42), first.OfferID)
	require.Equal(t, "20% off coffee", first.OfferTitle)
	require.Equal(t, "PERCENTAGE", first.DiscountType)
	require.Equal(t, "50.00", first.PurchaseAmount)
	require.Equal(t, "10.00", first.DiscountAmount)
	require.Len(t, first.VerificationCode, 9)
	require.False(t, first.FlaggedForAbuse)

	second := h.orch.Scan(context.Background(), scanRequest(raw, "terminal-1"))
	require.False(t, second.Success)
	require.Equal(t, CodeAlreadyRedeemed, second.ErrorCode)
	require.NotEmpty(t, second.ErrorMessage)

	var count int64
	require.NoError(t, h.db.Model(&models.Redemption{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestScanSoftFlagDoesNotBlock(t *testing.T) {
	h := newHarness(t, nil)
	req := scanRequest(h.issue(t, 42, "U1"), "terminal-1")
	req.Latitude = ptr(40.72)
	req.Longitude = ptr(-74.0)

	resp := h.orch.Scan(context.Background(), req)
	require.True(t, resp.Success)
	require.True(t, resp.FlaggedForAbuse)
	require.Equal(t, fraud.ReasonLocationMismatch, resp.AbuseReason)

	row, err := h.ledger.ByID(context.Background(), uuid.MustParse(resp.RedemptionID))
	require.NoError(t, err)
	require.True(t, row.FlaggedForAbuse)
	require.Equal(t, fraud.ReasonLocationMismatch, row.AbuseReason)
}

func TestScanRateLimit(t *testing.T) {
	h := newHarness(t, nil)
	for i := 1; i <= 10; i++ {
		resp := h.orch.Scan(context.Background(), scanRequest(h.issue(t, 42, fmt.Sprintf("H%d", i)), "busy-terminal"))
		require.True(t, resp.Success, "scan %d: %s", i, resp.ErrorCode)
		require.Equal(t, i > 5, resp.FlaggedForAbuse, "scan %d", i)
	}

	raw := h.issue(t, 42, "H11")
	resp := h.orch.Scan(context.Background(), scanRequest(raw, "busy-terminal"))
	require.False(t, resp.Success)
	require.Equal(t, CodeRateLimitExceeded, resp.ErrorCode)
	require.Equal(t, 60, resp.RetryAfterSeconds)

	// The rejected token was not consumed.
	fp, err := h.codec.Fingerprint(raw)
	require.NoError(t, err)
	_, err = h.ledger.Lookup(context.Background(), fp)
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestScanRejectedTokensCountTowardVelocity(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 10; i++ {
		resp := h.orch.Scan(context.Background(), scanRequest("not-a-token", "noisy-terminal"))
		require.Equal(t, CodeTokenMalformed, resp.ErrorCode)
	}

	resp := h.orch.Scan(context.Background(), scanRequest(h.issue(t, 42, "U1"), "noisy-terminal"))
	require.False(t, resp.Success)
	require.Equal(t, CodeRateLimitExceeded, resp.ErrorCode)
}

func TestScanConcurrentExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	raw := h.issue(t, 42, "U1")

	const terminals = 8
	var wg sync.WaitGroup
	responses := make(chan Response, terminals)
	for i := 0; i < terminals; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := scanRequest(raw, fmt.Sprintf("terminal-%d", i))
			req.IPAddress = fmt.Sprintf("198.51.100.%d", i)
			responses <- h.orch.Scan(context.Background(), req)
		}(i)
	}
	wg.Wait()
	close(responses)

	var successes, conflicts int
	for resp := range responses {
		switch {
		case resp.Success:
			successes++
		case resp.ErrorCode == CodeAlreadyRedeemed:
			conflicts++
		default:
			t.Fatalf("unexpected response %+v", resp)
		}
	}
	require.Equal(t, 1, successes)
	require.Equal(t, terminals-1, conflicts)
}

func TestScanErrorCodes(t *testing.T) {
	h := newHarness(t, nil)

	expiredCodec, err := token.NewCodec("k1", map[string][]byte{"k1": []byte("0123456789abcdef0123456789abcdef")})
	require.NoError(t, err)
	expiredCodec.SetNowFunc(func() time.Time { return testNow.Add(-2 * time.Hour) })
	expired, err := expiredCodec.Encode(42, "U1", testNow.Add(-time.Hour))
	require.NoError(t, err)

	forgedCodec, err := token.NewCodec("k1", map[string][]byte{"k1": []byte("ffffffffffffffffffffffffffffffff")})
	require.NoError(t, err)
	forgedCodec.SetNowFunc(func() time.Time { return testNow })
	forged, err := forgedCodec.Encode(42, "U1", testNow.Add(time.Hour))
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*Request)
		want   Code
	}{
		{"missing token", func(r *Request) { r.Token = "" }, CodeInvalidRequest},
		{"zero purchase", func(r *Request) { r.PurchaseAmount = decimal.Zero }, CodeInvalidRequest},
		{"half coordinates", func(r *Request) { r.Latitude = ptr(1) }, CodeInvalidRequest},
		{"malformed", func(r *Request) { r.Token = "not-a-token" }, CodeTokenMalformed},
		{"forged", func(r *Request) { r.Token = forged }, CodeTokenSignature},
		{"expired", func(r *Request) { r.Token = expired }, CodeTokenExpired},
		{"unknown offer", func(r *Request) { r.Token = h.issue(t, 404, "U1") }, CodeOfferNotFound},
		{"inactive offer", func(r *Request) { r.Token = h.issue(t, 43, "U1") }, CodeOfferInactive},
		{"unknown location", func(r *Request) { r.MerchantLocationID = 999 }, CodeInvalidRequest},
		{"foreign location", func(r *Request) { r.MerchantLocationID = 8 }, CodeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := scanRequest(h.issue(t, 42, "U-"+tc.name), "terminal-"+tc.name)
			tc.mutate(&req)
			resp := h.orch.Scan(context.Background(), req)
			require.False(t, resp.Success)
			require.Equal(t, tc.want, resp.ErrorCode)
			require.Equal(t, tc.want.Message(), resp.ErrorMessage)
		})
	}
}

func TestScanOfferOutsideWindow(t *testing.T) {
	h := newHarness(t, nil)
	past := testNow.Add(-time.Minute)
	require.NoError(t, h.db.Model(&models.OfferRecord{}).Where("id = ?", 42).Update("valid_until", &past).Error)

	resp := h.orch.Scan(context.Background(), scanRequest(h.issue(t, 42, "U1"), "terminal-1"))
	require.Equal(t, CodeOfferExpired, resp.ErrorCode)
}

// timeoutRecorder reports a deadline after the write. With commit set the row
// is written through the real ledger first; steal swaps the attempted id so
// the committed row looks like another scan's.
type timeoutRecorder struct {
	inner  *ledger.Ledger
	commit bool
	steal  bool
}

func (r *timeoutRecorder) Redeem(ctx context.Context, req ledger.RedeemRequest) (*models.Redemption, error) {
	deadline := fmt.Errorf("ledger: redeem: %w", context.DeadlineExceeded)
	if !r.commit {
		return &models.Redemption{ID: uuid.New(), TokenFingerprint: req.Fingerprint}, deadline
	}
	row, err := r.inner.Redeem(ctx, req)
	if err != nil {
		return nil, err
	}
	attempted := *row
	if r.steal {
		attempted.ID = uuid.New()
	}
	return &attempted, deadline
}

func (r *timeoutRecorder) Lookup(ctx context.Context, fingerprint string) (*models.Redemption, error) {
	return r.inner.Lookup(ctx, fingerprint)
}

func TestScanLedgerTimeoutRequery(t *testing.T) {
	cases := []struct {
		name    string
		rec     *timeoutRecorder
		success bool
		code    Code
	}{
		{"committed before deadline", &timeoutRecorder{commit: true}, true, ""},
		{"committed by another scan", &timeoutRecorder{commit: true, steal: true}, false, CodeAlreadyRedeemed},
		{"not committed", &timeoutRecorder{commit: false}, false, CodeServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(l *ledger.Ledger) Recorder {
				tc.rec.inner = l
				return tc.rec
			})
			resp := h.orch.Scan(context.Background(), scanRequest(h.issue(t, 42, "U1"), "terminal-1"))
			require.Equal(t, tc.success, resp.Success)
			require.Equal(t, tc.code, resp.ErrorCode)
		})
	}
}

type panickingDirectory struct{ offers.Directory }

func (panickingDirectory) Offer(context.Context, int64) (offers.Offer, error) {
	panic("boom")
}

type failingDirectory struct{ offers.Directory }

func (failingDirectory) Offer(context.Context, int64) (offers.Offer, error) {
	return offers.Offer{}, errors.New("connection reset")
}

func TestScanCollaboratorFailures(t *testing.T) {
	h := newHarness(t, nil)

	orch, err := New(h.codec, panickingDirectory{h.dir}, h.detector, h.ledger, DefaultConfig())
	require.NoError(t, err)
	resp := orch.Scan(context.Background(), scanRequest(h.issue(t, 42, "U1"), "terminal-1"))
	require.Equal(t, CodeInternal, resp.ErrorCode)

	orch, err = New(h.codec, failingDirectory{h.dir}, h.detector, h.ledger, DefaultConfig())
	require.NoError(t, err)
	resp = orch.Scan(context.Background(), scanRequest(h.issue(t, 42, "U1"), "terminal-1"))
	require.Equal(t, CodeServiceUnavailable, resp.ErrorCode)
}

func TestClassifyUnknownErrorIsInternal(t *testing.T) {
	code, _ := classify(errors.New("surprise"))
	require.Equal(t, CodeInternal, code)
	code, _ = classify(fmt.Errorf("wrapped: %w", ledger.ErrQuotaExceeded))
	require.Equal(t, CodeQuotaExceeded, code)
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(nil, nil, nil, nil, Config{})
	require.Error(t, err)
}
