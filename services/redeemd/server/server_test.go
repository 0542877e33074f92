package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fundcard/services/redeemd/auth"
	"fundcard/services/redeemd/counters"
	"fundcard/services/redeemd/directory"
	"fundcard/services/redeemd/fraud"
	"fundcard/services/redeemd/ledger"
	redeemmw "fundcard/services/redeemd/middleware"
	"fundcard/services/redeemd/models"
	"fundcard/services/redeemd/scan"
	"fundcard/services/redeemd/token"
)

const jwtSecret = "server-test-jwt-secret"

var testNow = time.Date(2026, time.June, 1, 15, 0, 0, 0, time.UTC)

type fixture struct {
	db     *gorm.DB
	codec  *token.Codec
	server *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.AutoMigrate(db))
	require.NoError(t, models.AutoMigrateDirectory(db))

	lat, lon := 40.0, -74.0
	require.NoError(t, db.Create(&models.OfferRecord{
		ID: 42, MerchantID: 1, Title: "20% off coffee", DiscountType: "PERCENTAGE",
		DiscountValue: decimal.NewFromInt(20), IsActive: true,
	}).Error)
	require.NoError(t, db.Create(&models.OfferRecord{
		ID: 43, MerchantID: 1, Title: "Paused", DiscountType: "FIXED_AMOUNT",
		DiscountValue: decimal.NewFromInt(5), IsActive: false,
	}).Error)
	require.NoError(t, db.Create(&models.MerchantLocationRecord{
		ID: 7, MerchantID: 1, Name: "Main St", Latitude: &lat, Longitude: &lon,
	}).Error)

	clock := func() time.Time { return testNow }
	codec, err := token.NewCodec("k1", map[string][]byte{"k1": []byte("0123456789abcdef0123456789abcdef")})
	require.NoError(t, err)
	codec.SetNowFunc(clock)

	store, err := counters.NewSQLStore(db, time.Hour)
	require.NoError(t, err)
	store.SetNowFunc(clock)
	detector, err := fraud.New(store, fraud.DefaultConfig(), fraud.WithClock(clock))
	require.NoError(t, err)
	l, err := ledger.New(db, ledger.WithClock(clock))
	require.NoError(t, err)
	dir, err := directory.New(db)
	require.NoError(t, err)
	orch, err := scan.New(codec, dir, detector, l, scan.DefaultConfig(), scan.WithClock(clock))
	require.NoError(t, err)

	authMW, err := auth.NewMiddleware(auth.Options{
		Issuer:   "fundcard-idp",
		Audience: []string{"redeemd"},
		HSSecret: []byte(jwtSecret),
	})
	require.NoError(t, err)
	authMW.SetNowFunc(clock)

	srv, err := New(Config{
		Scanner:     orch,
		Redemptions: l,
		Tokens:      codec,
		Directory:   dir,
		Auth:        authMW,
		Idempotency: redeemmw.NewIdempotency(db, nil),
		HealthChecks: map[string]HealthCheck{
			"database": func(ctx context.Context) error { return sqlDB.PingContext(ctx) },
		},
		Now: clock,
	})
	require.NoError(t, err)
	return &fixture{db: db, codec: codec, server: srv}
}

func bearer(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":  "fundcard-idp",
		"aud":  "redeemd",
		"sub":  subject,
		"exp":  testNow.Add(time.Hour).Unix(),
		"role": string(role),
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func (f *fixture) do(t *testing.T, method, path, authz string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func scanBody(raw string) map[string]any {
	return map[string]any{
		"token":              raw,
		"deviceFingerprint":  "terminal-1",
		"purchaseAmount":     "50.00",
		"merchantLocationId": 7,
	}
}

func decodeScan(t *testing.T, rec *httptest.ResponseRecorder) scan.Response {
	t.Helper()
	var resp scan.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestScanLifecycle(t *testing.T) {
	f := newFixture(t)
	staff := bearer(t, "staff-1", auth.RoleMerchantStaff)

	issued := f.do(t, http.MethodPost, "/internal/v1/tokens", bearer(t, "session-svc", auth.RoleIssuer),
		map[string]any{"offerId": 42, "holderId": "U1", "ttlSeconds": 600}, nil)
	require.Equal(t, http.StatusCreated, issued.Code, issued.Body.String())
	var minted issueResponse
	require.NoError(t, json.Unmarshal(issued.Body.Bytes(), &minted))
	require.NotEmpty(t, minted.Token)
	require.True(t, minted.ExpiresAt.Equal(testNow.Add(10*time.Minute)))

	first := f.do(t, http.MethodPost, "/v1/scans", staff, scanBody(minted.Token), nil)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	resp := decodeScan(t, first)
	require.True(t, resp.Success)
	require.Equal(t, "10.00", resp.DiscountAmount)

	second := f.do(t, http.MethodPost, "/v1/scans", staff, scanBody(minted.Token), nil)
	require.Equal(t, http.StatusConflict, second.Code)
	require.Equal(t, scan.CodeAlreadyRedeemed, decodeScan(t, second).ErrorCode)

	status := f.do(t, http.MethodPost, "/v1/scans/status", staff, map[string]any{"token": minted.Token}, nil)
	require.Equal(t, http.StatusOK, status.Code)
	var view RedemptionView
	require.NoError(t, json.Unmarshal(status.Body.Bytes(), &view))
	require.Equal(t, resp.RedemptionID, view.RedemptionID)
	require.Equal(t, "staff-1", view.ScannedByUserID)

	byID := f.do(t, http.MethodGet, "/v1/redemptions/"+resp.RedemptionID, bearer(t, "audit-1", auth.RoleAuditor), nil, nil)
	require.Equal(t, http.StatusOK, byID.Code)

	missing := f.do(t, http.MethodGet, "/v1/redemptions/"+uuid.NewString(), staff, nil, nil)
	require.Equal(t, http.StatusNotFound, missing.Code)
}

func TestScanStatusCodes(t *testing.T) {
	f := newFixture(t)
	staff := bearer(t, "staff-1", auth.RoleMerchantStaff)

	expired, err := f.codec.Encode(42, "U2", testNow.Add(time.Second))
	require.NoError(t, err)
	f.codec.SetNowFunc(func() time.Time { return testNow.Add(time.Minute) })
	rec := f.do(t, http.MethodPost, "/v1/scans", staff, scanBody(expired), nil)
	require.Equal(t, http.StatusGone, rec.Code)
	require.Equal(t, scan.CodeTokenExpired, decodeScan(t, rec).ErrorCode)
	f.codec.SetNowFunc(func() time.Time { return testNow })

	rec = f.do(t, http.MethodPost, "/v1/scans", staff, scanBody("garbage"), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, scan.CodeTokenMalformed, decodeScan(t, rec).ErrorCode)

	inactive, err := f.codec.Encode(43, "U2", testNow.Add(time.Hour))
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, "/v1/scans", staff, scanBody(inactive), nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/scans", staff, map[string]any{"token": "x", "bogus": 1}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, scan.CodeInvalidRequest, decodeScan(t, rec).ErrorCode)
}

func TestScanRequiresMerchantRole(t *testing.T) {
	f := newFixture(t)
	raw, err := f.codec.Encode(42, "U1", testNow.Add(time.Hour))
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/v1/scans", "", scanBody(raw), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/scans", bearer(t, "audit-1", auth.RoleAuditor), scanBody(raw), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.do(t, http.MethodPost, "/internal/v1/tokens", bearer(t, "staff-1", auth.RoleMerchantStaff),
		map[string]any{"offerId": 42, "holderId": "U1"}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestScanIdempotencyReplay(t *testing.T) {
	f := newFixture(t)
	staff := bearer(t, "staff-1", auth.RoleMerchantStaff)
	raw, err := f.codec.Encode(42, "U1", testNow.Add(time.Hour))
	require.NoError(t, err)

	headers := map[string]string{redeemmw.IdempotencyHeader: "scan-abc"}
	first := f.do(t, http.MethodPost, "/v1/scans", staff, scanBody(raw), headers)
	require.Equal(t, http.StatusCreated, first.Code)
	replay := f.do(t, http.MethodPost, "/v1/scans", staff, scanBody(raw), headers)
	require.Equal(t, http.StatusCreated, replay.Code)
	require.Equal(t, first.Body.String(), replay.Body.String())
	require.Equal(t, "true", replay.Header().Get("Idempotent-Replay"))
}

func TestScanIdempotencyRetriesAfterRateLimit(t *testing.T) {
	f := newFixture(t)
	staff := bearer(t, "staff-1", auth.RoleMerchantStaff)

	for i := int64(0); i < fraud.DefaultConfig().HardLimit; i++ {
		raw, err := f.codec.Encode(42, fmt.Sprintf("H%d", i), testNow.Add(time.Hour))
		require.NoError(t, err)
		rec := f.do(t, http.MethodPost, "/v1/scans", staff, scanBody(raw), nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	raw, err := f.codec.Encode(42, "U1", testNow.Add(time.Hour))
	require.NoError(t, err)
	headers := map[string]string{redeemmw.IdempotencyHeader: "retry-1"}
	throttled := f.do(t, http.MethodPost, "/v1/scans", staff, scanBody(raw), headers)
	require.Equal(t, http.StatusTooManyRequests, throttled.Code)
	require.Equal(t, scan.CodeRateLimitExceeded, decodeScan(t, throttled).ErrorCode)

	// The window drains; the same request must run again instead of replaying the 429.
	require.NoError(t, f.db.Where("1 = 1").Delete(&models.ScanEvent{}).Error)
	retried := f.do(t, http.MethodPost, "/v1/scans", staff, scanBody(raw), headers)
	require.Equal(t, http.StatusCreated, retried.Code)
	require.Empty(t, retried.Header().Get("Idempotent-Replay"))
	require.True(t, decodeScan(t, retried).Success)
}

func TestIssueTokenValidation(t *testing.T) {
	f := newFixture(t)
	issuer := bearer(t, "session-svc", auth.RoleIssuer)

	rec := f.do(t, http.MethodPost, "/internal/v1/tokens", issuer, map[string]any{"offerId": 999, "holderId": "U1"}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodPost, "/internal/v1/tokens", issuer, map[string]any{"offerId": 43, "holderId": "U1"}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = f.do(t, http.MethodPost, "/internal/v1/tokens", issuer, map[string]any{"offerId": 42, "holderId": ""}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/internal/v1/tokens", issuer, map[string]any{"offerId": 42, "holderId": "U1", "ttlSeconds": 7 * 86400}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"database":"ok"`)

	rec = f.do(t, http.MethodGet, "/metrics", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthReportsDegraded(t *testing.T) {
	f := newFixture(t)
	f.server.cfg.HealthChecks["redis"] = func(context.Context) error { return errors.New("connection refused") }
	rec := f.do(t, http.MethodGet, "/healthz", "", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "degraded")
}

func TestStatusForCode(t *testing.T) {
	cases := map[scan.Code]int{
		scan.CodeInvalidRequest:     http.StatusBadRequest,
		scan.CodeTokenSignature:     http.StatusBadRequest,
		scan.CodeOfferNotFound:      http.StatusNotFound,
		scan.CodeOfferExpired:       http.StatusGone,
		scan.CodeOfferInactive:      http.StatusUnprocessableEntity,
		scan.CodeQuotaExceeded:      http.StatusConflict,
		scan.CodeRateLimitExceeded:  http.StatusTooManyRequests,
		scan.CodeServiceUnavailable: http.StatusServiceUnavailable,
		scan.CodeInternal:           http.StatusInternalServerError,
	}
	for code, want := range cases {
		require.Equal(t, want, StatusForCode(code), code)
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
