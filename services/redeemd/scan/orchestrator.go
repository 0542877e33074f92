// Package scan coordinates a single terminal scan from token decoding through
// the ledger write. The orchestrator is stateless; every decision that must
// hold across instances lives in the counter store or the ledger.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fundcard/observability"
	"fundcard/observability/logging"
	"fundcard/services/redeemd/fraud"
	"fundcard/services/redeemd/ledger"
	"fundcard/services/redeemd/models"
	"fundcard/services/redeemd/offers"
	"fundcard/services/redeemd/token"
	"fundcard/services/redeemd/validator"
)

// TokenDecoder verifies presented tokens.
type TokenDecoder interface {
	Decode(raw string) (token.Claims, error)
}

// Screener evaluates fraud signals.
type Screener interface {
	Screen(ctx context.Context, signal fraud.Signal, offer offers.Offer, location offers.MerchantLocation) (fraud.Verdict, error)
	Release(ctx context.Context, verdict fraud.Verdict) error
	Track(ctx context.Context, signal fraud.Signal) (int64, error)
}

// Recorder persists and looks up redemptions.
type Recorder interface {
	Redeem(ctx context.Context, req ledger.RedeemRequest) (*models.Redemption, error)
	Lookup(ctx context.Context, fingerprint string) (*models.Redemption, error)
}

// Config holds the request scoped timeouts.
type Config struct {
	DirectoryTimeout time.Duration
	FraudTimeout     time.Duration
	LedgerTimeout    time.Duration
	RequeryTimeout   time.Duration
}

// DefaultConfig returns the production timeouts.
func DefaultConfig() Config {
	return Config{
		DirectoryTimeout: 2 * time.Second,
		FraudTimeout:     500 * time.Millisecond,
		LedgerTimeout:    3 * time.Second,
		RequeryTimeout:   2 * time.Second,
	}
}

// Request is a scan submitted by a merchant terminal.
type Request struct {
	Token              string
	DeviceFingerprint  string
	IPAddress          string
	UserAgent          string
	Latitude           *float64
	Longitude          *float64
	PurchaseAmount     decimal.Decimal
	MerchantLocationID int64
	ScannedByUserID    string
}

// Response is returned to the terminal for every scan.
type Response struct {
	Success           bool   `json:"success"`
	RedemptionID      string `json:"redemptionId,omitempty"`
	VerificationCode  string `json:"verificationCode,omitempty"`
	OfferID           int64  `json:"offerId,omitempty"`
	OfferTitle        string `json:"offerTitle,omitempty"`
	DiscountType      string `json:"discountType,omitempty"`
	DiscountValue     string `json:"discountValue,omitempty"`
	PurchaseAmount    string `json:"purchaseAmount,omitempty"`
	DiscountAmount    string `json:"discountAmount,omitempty"`
	Message           string `json:"message,omitempty"`
	ErrorCode         Code   `json:"errorCode,omitempty"`
	ErrorMessage      string `json:"errorMessage,omitempty"`
	FlaggedForAbuse   bool   `json:"flaggedForAbuse"`
	AbuseReason       string `json:"abuseReason,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.RedemptionMetrics) Option {
	return func(o *Orchestrator) { o.metrics = metrics }
}

// WithClock overrides the clock used for validation.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.nowFn = now
		}
	}
}

// Orchestrator runs the scan pipeline.
type Orchestrator struct {
	codec     TokenDecoder
	directory offers.Directory
	screener  Screener
	recorder  Recorder
	cfg       Config
	logger    *slog.Logger
	metrics   *observability.RedemptionMetrics
	tracer    trace.Tracer
	nowFn     func() time.Time
}

// New wires the orchestrator from its components.
func New(codec TokenDecoder, directory offers.Directory, screener Screener, recorder Recorder, cfg Config, opts ...Option) (*Orchestrator, error) {
	switch {
	case codec == nil:
		return nil, errors.New("scan: token codec required")
	case directory == nil:
		return nil, errors.New("scan: offer directory required")
	case screener == nil:
		return nil, errors.New("scan: fraud screener required")
	case recorder == nil:
		return nil, errors.New("scan: ledger required")
	}
	defaults := DefaultConfig()
	if cfg.DirectoryTimeout <= 0 {
		cfg.DirectoryTimeout = defaults.DirectoryTimeout
	}
	if cfg.FraudTimeout <= 0 {
		cfg.FraudTimeout = defaults.FraudTimeout
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = defaults.LedgerTimeout
	}
	if cfg.RequeryTimeout <= 0 {
		cfg.RequeryTimeout = defaults.RequeryTimeout
	}
	o := &Orchestrator{
		codec:     codec,
		directory: directory,
		screener:  screener,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logging.Component(nil, "scan"),
		tracer:    otel.Tracer("redeemd/scan"),
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Scan processes one scan and always returns a response. Failures are encoded
// as a stable error code; panics are converted to INTERNAL_ERROR.
func (o *Orchestrator) Scan(ctx context.Context, req Request) (resp Response) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "scan.redeem",
		trace.WithAttributes(attribute.Int64("merchant_location.id", req.MerchantLocationID)))
	defer span.End()

	logger := o.logger.With(
		slog.Int64("location_id", req.MerchantLocationID),
		slog.String("scanned_by", req.ScannedByUserID),
	)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("scan panicked", slog.Any("panic", r))
			span.SetStatus(codes.Error, "panic")
			resp = failure(CodeInternal, "")
		}
		o.metrics.ObserveScan(string(resp.ErrorCode), time.Since(start))
	}()

	resp, err := o.run(ctx, span, logger, req)
	if err != nil {
		code, level := classify(err)
		logger.Log(ctx, level, "scan rejected", slog.String("code", string(code)), slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, string(code))
		if resp.ErrorCode == "" {
			resp = failure(code, "")
		}
		return resp
	}
	span.SetStatus(codes.Ok, "redeemed")
	return resp
}

func (o *Orchestrator) run(ctx context.Context, span trace.Span, logger *slog.Logger, req Request) (_ Response, err error) {
	screened := false
	defer func() {
		if err != nil && !screened {
			o.track(ctx, logger, req)
		}
	}()

	if err := validateRequest(req); err != nil {
		return Response{}, err
	}

	claims, err := o.codec.Decode(req.Token)
	if err != nil {
		return Response{}, err
	}
	span.SetAttributes(attribute.Int64("offer.id", claims.OfferID), attribute.String("token.key_id", claims.KeyID))
	logger = logger.With(slog.Int64("offer_id", claims.OfferID), slog.String("fingerprint", claims.Fingerprint))

	offer, err := o.lookupOffer(ctx, claims.OfferID)
	if err != nil {
		return Response{}, err
	}
	if _, err := validator.Validate(claims, offer, o.nowFn()); err != nil {
		return Response{}, err
	}

	location, err := o.lookupLocation(ctx, req.MerchantLocationID)
	if err != nil {
		return Response{}, err
	}
	if offer.MerchantID != 0 && location.MerchantID != 0 && offer.MerchantID != location.MerchantID {
		return Response{}, fmt.Errorf("%w: location %d does not belong to merchant %d", errInvalidRequest, location.ID, offer.MerchantID)
	}

	screened = true
	verdict, err := o.screen(ctx, claims, req, offer, location)
	if err != nil {
		return Response{}, err
	}
	defer o.release(logger, verdict)
	if verdict.HardReject {
		resp := failure(CodeRateLimitExceeded, "")
		resp.RetryAfterSeconds = int(math.Ceil(verdict.RetryAfter.Seconds()))
		return resp, fmt.Errorf("%w: retry after %s", errRateLimited, verdict.RetryAfter)
	}

	row, err := o.redeem(ctx, logger, ledger.RedeemRequest{
		Fingerprint: claims.Fingerprint,
		Claims:      claims,
		Offer:       offer,
		Verdict:     verdict,
		Scan: ledger.ScanDetails{
			MerchantLocationID: req.MerchantLocationID,
			ScannedByUserID:    req.ScannedByUserID,
			DeviceFingerprint:  req.DeviceFingerprint,
			IPAddress:          req.IPAddress,
			UserAgent:          req.UserAgent,
			Latitude:           req.Latitude,
			Longitude:          req.Longitude,
			PurchaseAmount:     req.PurchaseAmount,
		},
	})
	if err != nil {
		return Response{}, err
	}
	span.SetAttributes(attribute.String("redemption.id", row.ID.String()))
	return success(row, offer), nil
}

func (o *Orchestrator) lookupOffer(ctx context.Context, id int64) (offers.Offer, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.DirectoryTimeout)
	defer cancel()
	offer, err := o.directory.Offer(ctx, id)
	switch {
	case err == nil:
		return offer, nil
	case errors.Is(err, offers.ErrNotFound):
		return offers.Offer{}, err
	default:
		return offers.Offer{}, fmt.Errorf("%w: offer lookup: %v", errUnavailable, err)
	}
}

func (o *Orchestrator) lookupLocation(ctx context.Context, id int64) (offers.MerchantLocation, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.DirectoryTimeout)
	defer cancel()
	location, err := o.directory.MerchantLocation(ctx, id)
	switch {
	case err == nil:
		return location, nil
	case errors.Is(err, offers.ErrNotFound):
		return offers.MerchantLocation{}, fmt.Errorf("%w: unknown merchant location %d", errInvalidRequest, id)
	default:
		return offers.MerchantLocation{}, fmt.Errorf("%w: location lookup: %v", errUnavailable, err)
	}
}

func (o *Orchestrator) screen(ctx context.Context, claims token.Claims, req Request, offer offers.Offer, location offers.MerchantLocation) (fraud.Verdict, error) {
	ctx, span := o.tracer.Start(ctx, "scan.screen")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.FraudTimeout)
	defer cancel()

	verdict, err := o.screener.Screen(ctx, fraud.Signal{
		TokenFingerprint:  claims.Fingerprint,
		DeviceFingerprint: req.DeviceFingerprint,
		IPAddress:         req.IPAddress,
		Latitude:          req.Latitude,
		Longitude:         req.Longitude,
	}, offer, location)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fraud.Verdict{}, err
	}
	span.SetAttributes(
		attribute.Bool("fraud.flagged", verdict.Flagged),
		attribute.Bool("fraud.hard_reject", verdict.HardReject),
	)
	return verdict, nil
}

// track counts scans rejected before screening toward the shared velocity
// windows so forged or stale tokens still consume the terminal's budget.
func (o *Orchestrator) track(ctx context.Context, logger *slog.Logger, req Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FraudTimeout)
	defer cancel()
	if _, err := o.screener.Track(ctx, fraud.Signal{
		DeviceFingerprint: req.DeviceFingerprint,
		IPAddress:         req.IPAddress,
	}); err != nil {
		logger.Warn("track rejected scan", slog.Any("error", err))
	}
}

// release frees the in-flight claim on a context detached from the request so
// a cancelled terminal connection cannot leave the claim behind.
func (o *Orchestrator) release(logger *slog.Logger, verdict fraud.Verdict) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.FraudTimeout)
	defer cancel()
	if err := o.screener.Release(ctx, verdict); err != nil {
		logger.Warn("release in-flight claim", slog.Any("error", err))
	}
}

func (o *Orchestrator) redeem(ctx context.Context, logger *slog.Logger, req ledger.RedeemRequest) (*models.Redemption, error) {
	ctx, span := o.tracer.Start(ctx, "scan.ledger")
	defer span.End()

	ledgerCtx, cancel := context.WithTimeout(ctx, o.cfg.LedgerTimeout)
	row, err := o.recorder.Redeem(ledgerCtx, req)
	cancel()
	if err == nil {
		return row, nil
	}
	span.RecordError(err)
	// The ledger only hands back the attempted row when the outcome is
	// unknown, which happens when the context ended mid-transaction.
	if row == nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// The commit may have landed before the deadline fired. Resolve the
	// outcome by fingerprint on a fresh context.
	logger.Warn("ledger write timed out; re-querying", slog.String("redemption_id", row.ID.String()))
	requeryCtx, cancelRequery := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.RequeryTimeout)
	defer cancelRequery()
	committed, lookupErr := o.recorder.Lookup(requeryCtx, req.Fingerprint)
	switch {
	case lookupErr == nil && committed.ID == row.ID:
		span.SetStatus(codes.Ok, "committed before timeout")
		return committed, nil
	case lookupErr == nil:
		span.SetStatus(codes.Error, "redeemed by another scan")
		return nil, ledger.ErrAlreadyRedeemed
	case errors.Is(lookupErr, ledger.ErrNotFound):
		span.SetStatus(codes.Error, "not committed")
		return nil, fmt.Errorf("%w: ledger write timed out: %w", errUnavailable, err)
	default:
		span.SetStatus(codes.Error, lookupErr.Error())
		return nil, fmt.Errorf("%w: ledger re-query: %w", errUnavailable, lookupErr)
	}
}

func validateRequest(req Request) error {
	var problems []string
	if strings.TrimSpace(req.Token) == "" {
		problems = append(problems, "token is required")
	}
	if strings.TrimSpace(req.DeviceFingerprint) == "" {
		problems = append(problems, "deviceFingerprint is required")
	}
	if strings.TrimSpace(req.ScannedByUserID) == "" {
		problems = append(problems, "scanning user is required")
	}
	if req.MerchantLocationID <= 0 {
		problems = append(problems, "merchantLocationId must be positive")
	}
	if !req.PurchaseAmount.IsPositive() {
		problems = append(problems, "purchaseAmount must be positive")
	} else if req.PurchaseAmount.Exponent() < -2 && !req.PurchaseAmount.Equal(req.PurchaseAmount.Round(2)) {
		problems = append(problems, "purchaseAmount has more than two decimal places")
	}
	if (req.Latitude == nil) != (req.Longitude == nil) {
		problems = append(problems, "latitude and longitude must be supplied together")
	} else if req.Latitude != nil {
		if *req.Latitude < -90 || *req.Latitude > 90 || *req.Longitude < -180 || *req.Longitude > 180 {
			problems = append(problems, "coordinates out of range")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", errInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

func failure(code Code, detail string) Response {
	msg := code.Message()
	if detail != "" {
		msg = detail
	}
	return Response{Success: false, ErrorCode: code, ErrorMessage: msg}
}

func success(row *models.Redemption, offer offers.Offer) Response {
	return Response{
		Success:          true,
		RedemptionID:     row.ID.String(),
		VerificationCode: row.VerificationCode,
		OfferID:          offer.ID,
		OfferTitle:       offer.Title,
		DiscountType:     string(offer.DiscountType),
		DiscountValue:    offer.DiscountValue.StringFixed(2),
		PurchaseAmount:   row.PurchaseAmount.StringFixed(2),
		DiscountAmount:   row.DiscountAmount.StringFixed(2),
		Message:          fmt.Sprintf("Apply %s off. Verification code %s.", row.DiscountAmount.StringFixed(2), row.VerificationCode),
		FlaggedForAbuse:  row.FlaggedForAbuse,
		AbuseReason:      row.AbuseReason,
	}
}
