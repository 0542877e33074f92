package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"fundcard/observability"
	"fundcard/services/redeemd/auth"
	"fundcard/services/redeemd/ledger"
	redeemmw "fundcard/services/redeemd/middleware"
	"fundcard/services/redeemd/models"
	"fundcard/services/redeemd/offers"
	"fundcard/services/redeemd/scan"
	"fundcard/services/redeemd/token"
)

// Scanner runs the scan pipeline.
type Scanner interface {
	Scan(ctx context.Context, req scan.Request) scan.Response
}

// RedemptionReader looks up committed redemptions.
type RedemptionReader interface {
	Lookup(ctx context.Context, fingerprint string) (*models.Redemption, error)
	ByID(ctx context.Context, id uuid.UUID) (*models.Redemption, error)
}

// TokenIssuer mints and fingerprints redemption tokens.
type TokenIssuer interface {
	Issue(offerID int64, holderID string, expiresAt time.Time) (string, token.Claims, error)
	Fingerprint(raw string) (string, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Config captures the dependencies required to construct the server.
type Config struct {
	ListenAddress string
	Scanner       Scanner
	Redemptions   RedemptionReader
	Tokens        TokenIssuer
	Directory     offers.Directory
	Auth          *auth.Middleware
	Throttle      *redeemmw.RateLimiter
	Idempotency   *redeemmw.Idempotency
	Observability *redeemmw.Observability
	Metrics       *observability.RedemptionMetrics
	Logger        *slog.Logger
	HealthChecks  map[string]HealthCheck
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	Now           func() time.Time
}

// Server exposes the redemption HTTP API.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router http.Handler
}

const maxBodyBytes = 16 << 10

// New validates dependencies and builds the router.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Scanner == nil:
		return nil, errors.New("server: scanner required")
	case cfg.Redemptions == nil:
		return nil, errors.New("server: redemption reader required")
	case cfg.Tokens == nil:
		return nil, errors.New("server: token issuer required")
	case cfg.Directory == nil:
		return nil, errors.New("server: offer directory required")
	case cfg.Auth == nil:
		return nil, errors.New("server: auth middleware required")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 10 * time.Minute
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = 24 * time.Hour
	}
	if cfg.DefaultTTL > cfg.MaxTTL {
		return nil, fmt.Errorf("server: default ttl %s exceeds max ttl %s", cfg.DefaultTTL, cfg.MaxTTL)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observability == nil {
		cfg.Observability = redeemmw.NewObservability(cfg.Logger, nil)
	}
	srv := &Server{cfg: cfg, logger: cfg.Logger}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.cfg.Observability.Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(api chi.Router) {
		if s.cfg.Throttle != nil {
			api.Use(s.cfg.Throttle.Middleware)
		}
		api.Use(s.cfg.Auth.Middleware)

		api.Route("/v1", func(v1 chi.Router) {
			v1.Group(func(staff chi.Router) {
				staff.Use(auth.RequireRole(auth.RoleMerchantStaff))
				scans := http.Handler(http.HandlerFunc(s.handleScan))
				if s.cfg.Idempotency != nil {
					scans = s.cfg.Idempotency.Middleware(scans)
				}
				staff.Method(http.MethodPost, "/scans", scans)
				staff.Post("/scans/status", s.handleScanStatus)
			})
			v1.With(auth.RequireRole(auth.RoleMerchantStaff, auth.RoleAuditor)).Get("/redemptions/{id}", s.handleGetRedemption)
		})
		api.With(auth.RequireRole(auth.RoleIssuer)).Post("/internal/v1/tokens", s.handleIssueToken)
	})

	return otelhttp.NewHandler(r, "redeemd.http")
}

// Run serves HTTP until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", s.cfg.ListenAddress))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen and serve: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

type scanRequest struct {
	Token              string          `json:"token"`
	DeviceFingerprint  string          `json:"deviceFingerprint"`
	IPAddress          string          `json:"ipAddress"`
	UserAgent          string          `json:"userAgent"`
	Latitude           *float64        `json:"latitude"`
	Longitude          *float64        `json:"longitude"`
	PurchaseAmount     decimal.Decimal `json:"purchaseAmount"`
	MerchantLocationID int64           `json:"merchantLocationId"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, scanFailure(scan.CodeInvalidRequest, "missing identity"))
		return
	}
	var body scanRequest
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, scanFailure(scan.CodeInvalidRequest, err.Error()))
		return
	}
	if strings.TrimSpace(body.DeviceFingerprint) == "" {
		body.DeviceFingerprint = r.Header.Get(redeemmw.DeviceHeader)
	}
	if strings.TrimSpace(body.IPAddress) == "" {
		body.IPAddress = redeemmw.ClientIP(r)
	}
	if strings.TrimSpace(body.UserAgent) == "" {
		body.UserAgent = r.UserAgent()
	}

	resp := s.cfg.Scanner.Scan(r.Context(), scan.Request{
		Token:              body.Token,
		DeviceFingerprint:  body.DeviceFingerprint,
		IPAddress:          body.IPAddress,
		UserAgent:          body.UserAgent,
		Latitude:           body.Latitude,
		Longitude:          body.Longitude,
		PurchaseAmount:     body.PurchaseAmount,
		MerchantLocationID: body.MerchantLocationID,
		ScannedByUserID:    claims.Subject,
	})
	status := StatusForCode(resp.ErrorCode)
	if resp.Success {
		status = http.StatusCreated
	}
	if resp.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfterSeconds))
	}
	writeJSON(w, status, resp)
}

// RedemptionView is the reconciliation representation of a redemption.
type RedemptionView struct {
	RedemptionID       string    `json:"redemptionId"`
	OfferID            int64     `json:"offerId"`
	MerchantLocationID int64     `json:"merchantLocationId"`
	ScannedByUserID    string    `json:"scannedByUserId"`
	PurchaseAmount     string    `json:"purchaseAmount"`
	DiscountAmount     string    `json:"discountAmount"`
	VerificationCode   string    `json:"verificationCode"`
	Status             string    `json:"status"`
	FlaggedForAbuse    bool      `json:"flaggedForAbuse"`
	AbuseReason        string    `json:"abuseReason,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

func viewOf(row *models.Redemption) RedemptionView {
	return RedemptionView{
		RedemptionID:       row.ID.String(),
		OfferID:            row.OfferID,
		MerchantLocationID: row.MerchantLocationID,
		ScannedByUserID:    row.ScannedByUserID,
		PurchaseAmount:     row.PurchaseAmount.StringFixed(2),
		DiscountAmount:     row.DiscountAmount.StringFixed(2),
		VerificationCode:   row.VerificationCode,
		Status:             string(row.Status),
		FlaggedForAbuse:    row.FlaggedForAbuse,
		AbuseReason:        row.AbuseReason,
		CreatedAt:          row.CreatedAt.UTC(),
	}
}

func (s *Server) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, scanFailure(scan.CodeInvalidRequest, err.Error()))
		return
	}
	fingerprint, err := s.cfg.Tokens.Fingerprint(body.Token)
	if err != nil {
		code := tokenCode(err)
		writeJSON(w, StatusForCode(code), scanFailure(code, ""))
		return
	}
	row, err := s.cfg.Redemptions.Lookup(r.Context(), fingerprint)
	s.writeRedemption(w, r, row, err)
}

func (s *Server) handleGetRedemption(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, scanFailure(scan.CodeInvalidRequest, "redemption id must be a UUID"))
		return
	}
	row, err := s.cfg.Redemptions.ByID(r.Context(), id)
	s.writeRedemption(w, r, row, err)
}

func (s *Server) writeRedemption(w http.ResponseWriter, r *http.Request, row *models.Redemption, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "redemption not found"})
	case err != nil:
		s.logger.ErrorContext(r.Context(), "redemption lookup failed", slog.Any("error", err))
		writeJSON(w, http.StatusServiceUnavailable, scanFailure(scan.CodeServiceUnavailable, ""))
	default:
		writeJSON(w, http.StatusOK, viewOf(row))
	}
}

type issueRequest struct {
	OfferID    int64  `json:"offerId"`
	HolderID   string `json:"holderId"`
	TTLSeconds int64  `json:"ttlSeconds"`
}

type issueResponse struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Fingerprint string    `json:"fingerprint"`
	KeyID       string    `json:"keyId"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var body issueRequest
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, scanFailure(scan.CodeInvalidRequest, err.Error()))
		return
	}
	ttl := s.cfg.DefaultTTL
	if body.TTLSeconds < 0 {
		writeJSON(w, http.StatusBadRequest, scanFailure(scan.CodeInvalidRequest, "ttlSeconds must not be negative"))
		return
	}
	if body.TTLSeconds > 0 {
		ttl = time.Duration(body.TTLSeconds) * time.Second
	}
	if ttl > s.cfg.MaxTTL {
		writeJSON(w, http.StatusBadRequest, scanFailure(scan.CodeInvalidRequest, fmt.Sprintf("ttlSeconds exceeds the maximum of %d", int64(s.cfg.MaxTTL/time.Second))))
		return
	}

	offer, err := s.cfg.Directory.Offer(r.Context(), body.OfferID)
	switch {
	case errors.Is(err, offers.ErrNotFound):
		writeJSON(w, http.StatusNotFound, scanFailure(scan.CodeOfferNotFound, ""))
		return
	case err != nil:
		s.logger.ErrorContext(r.Context(), "offer lookup failed", slog.Any("error", err))
		writeJSON(w, http.StatusServiceUnavailable, scanFailure(scan.CodeServiceUnavailable, ""))
		return
	case !offer.IsActive:
		writeJSON(w, http.StatusUnprocessableEntity, scanFailure(scan.CodeOfferInactive, ""))
		return
	}

	raw, claims, err := s.cfg.Tokens.Issue(offer.ID, body.HolderID, s.cfg.Now().Add(ttl))
	if err != nil {
		if errors.Is(err, token.ErrInvalidClaims) {
			writeJSON(w, http.StatusBadRequest, scanFailure(scan.CodeInvalidRequest, err.Error()))
			return
		}
		s.logger.ErrorContext(r.Context(), "token issuance failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, scanFailure(scan.CodeInternal, ""))
		return
	}
	s.cfg.Metrics.RecordIssued()
	writeJSON(w, http.StatusCreated, issueResponse{
		Token:       raw,
		ExpiresAt:   claims.ExpiresAt.UTC(),
		Fingerprint: claims.Fingerprint,
		KeyID:       claims.KeyID,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	checks := make(map[string]string, len(s.cfg.HealthChecks))
	for name, check := range s.cfg.HealthChecks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

// StatusForCode maps a stable error code to its HTTP status.
func StatusForCode(code scan.Code) int {
	switch code {
	case "":
		return http.StatusOK
	case scan.CodeInvalidRequest, scan.CodeTokenMalformed, scan.CodeTokenSignature:
		return http.StatusBadRequest
	case scan.CodeOfferNotFound:
		return http.StatusNotFound
	case scan.CodeTokenExpired, scan.CodeOfferExpired:
		return http.StatusGone
	case scan.CodeOfferInactive:
		return http.StatusUnprocessableEntity
	case scan.CodeAlreadyRedeemed, scan.CodeQuotaExceeded:
		return http.StatusConflict
	case scan.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case scan.CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func tokenCode(err error) scan.Code {
	switch {
	case errors.Is(err, token.ErrSignatureMismatch):
		return scan.CodeTokenSignature
	case errors.Is(err, token.ErrExpired):
		return scan.CodeTokenExpired
	default:
		return scan.CodeTokenMalformed
	}
}

func scanFailure(code scan.Code, detail string) scan.Response {
	msg := code.Message()
	if detail != "" {
		msg = detail
	}
	return scan.Response{ErrorCode: code, ErrorMessage: msg}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
