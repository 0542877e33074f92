// Package fraud screens scans for velocity, location and duplicate signals
// before the ledger is touched. Counters live in a shared store so limits hold
// across every redeemd instance.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fundcard/observability"
	"fundcard/observability/logging"
	"fundcard/services/redeemd/offers"
)

// Soft flag reasons and hard reject codes.
const (
	ReasonHighVelocity     = "HIGH_VELOCITY"
	ReasonLocationMismatch = "LOCATION_MISMATCH"
	ReasonDuplicateScan    = "DUPLICATE_SCAN"

	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
)

// ErrStoreUnavailable is returned when the counter store fails and the detector
// is configured to fail closed.
var ErrStoreUnavailable = errors.New("fraud: counter store unavailable")

// CounterStore is the shared TTL store backing velocity windows and in-flight
// claims.
type CounterStore interface {
	// Hit records an event for key at now and returns the number of events
	// recorded within the trailing window, including this one.
	Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)
	// Claim sets key if absent for ttl and reports whether this caller set it.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release removes a claim.
	Release(ctx context.Context, key string) error
}

// Config holds the screening thresholds.
type Config struct {
	Window          time.Duration
	SoftLimit       int64
	HardLimit       int64
	GeoThresholdKm  float64
	DuplicateWindow time.Duration
	FailOpen        bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Window:          time.Minute,
		SoftLimit:       5,
		HardLimit:       10,
		GeoThresholdKm:  50,
		DuplicateWindow: 5 * time.Second,
		FailOpen:        true,
	}
}

// Validate ensures the thresholds are usable.
func (c Config) Validate() error {
	switch {
	case c.Window <= 0:
		return fmt.Errorf("fraud: window must be positive")
	case c.SoftLimit <= 0 || c.HardLimit <= 0:
		return fmt.Errorf("fraud: velocity limits must be positive")
	case c.SoftLimit > c.HardLimit:
		return fmt.Errorf("fraud: soft limit %d exceeds hard limit %d", c.SoftLimit, c.HardLimit)
	case c.GeoThresholdKm <= 0:
		return fmt.Errorf("fraud: geo threshold must be positive")
	case c.DuplicateWindow <= 0:
		return fmt.Errorf("fraud: duplicate window must be positive")
	}
	return nil
}

// Signal carries the scan context used for screening.
type Signal struct {
	TokenFingerprint  string
	DeviceFingerprint string
	IPAddress         string
	Latitude          *float64
	Longitude         *float64
}

// Verdict is the screening outcome. Soft flags never block a redemption; a
// hard reject does.
type Verdict struct {
	Flagged    bool
	Reasons    []string
	HardReject bool
	RejectCode string
	RetryAfter time.Duration

	claimKey string
}

// Reason returns the flag reasons joined in detection order.
func (v Verdict) Reason() string {
	return strings.Join(v.Reasons, ",")
}

func (v *Verdict) flag(reason string) {
	v.Flagged = true
	v.Reasons = append(v.Reasons, reason)
}

// Option customises a Detector.
type Option func(*Detector)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.RedemptionMetrics) Option {
	return func(d *Detector) { d.metrics = metrics }
}

// WithClock overrides the clock used for velocity windows.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.nowFn = now
		}
	}
}

// Detector evaluates fraud signals against a shared counter store.
type Detector struct {
	store   CounterStore
	cfg     Config
	logger  *slog.Logger
	metrics *observability.RedemptionMetrics
	nowFn   func() time.Time
}

// New constructs a detector.
func New(store CounterStore, cfg Config, opts ...Option) (*Detector, error) {
	if store == nil {
		return nil, errors.New("fraud: counter store required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{
		store:  store,
		cfg:    cfg,
		logger: logging.Component(nil, "fraud"),
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Screen evaluates the signal. Velocity is checked first and may hard reject;
// location and duplicate checks only add soft flags. When the duplicate claim
// is won the returned verdict must later be passed to Release.
func (d *Detector) Screen(ctx context.Context, signal Signal, offer offers.Offer, location offers.MerchantLocation) (Verdict, error) {
	var verdict Verdict
	logger := d.logger.With(slog.Int64("offer_id", offer.ID), slog.Int64("location_id", location.ID))

	count, err := d.velocity(ctx, signal)
	if err != nil {
		if ferr := d.storeFailure(logger, "hit", err); ferr != nil {
			return Verdict{}, ferr
		}
	}
	if count > d.cfg.HardLimit {
		logger.Warn("scan velocity above hard limit",
			slog.Int64("count", count),
			logging.MaskField("device", signal.DeviceFingerprint),
			slog.Int64("retry_after_ms", d.cfg.Window.Milliseconds()))
		return Verdict{HardReject: true, RejectCode: CodeRateLimitExceeded, RetryAfter: d.cfg.Window}, nil
	}
	if count > d.cfg.SoftLimit {
		verdict.flag(ReasonHighVelocity)
	}

	if signal.Latitude != nil && signal.Longitude != nil && location.HasCoordinates() {
		distance := DistanceKm(*signal.Latitude, *signal.Longitude, *location.Latitude, *location.Longitude)
		if distance > d.cfg.GeoThresholdKm {
			verdict.flag(ReasonLocationMismatch)
		}
	}

	if fp := strings.TrimSpace(signal.TokenFingerprint); fp != "" {
		key := inflightKey(fp)
		claimed, err := d.store.Claim(ctx, key, d.cfg.DuplicateWindow)
		switch {
		case err != nil:
			if ferr := d.storeFailure(logger, "claim", err); ferr != nil {
				return Verdict{}, ferr
			}
		case claimed:
			verdict.claimKey = key
		default:
			verdict.flag(ReasonDuplicateScan)
		}
	}

	for _, reason := range verdict.Reasons {
		d.metrics.RecordFlag(reason)
	}
	if verdict.Flagged {
		logger.Info("scan flagged", slog.String("reason", verdict.Reason()))
	}
	return verdict, nil
}

// Track counts a scan that was rejected before screening, such as a forged or
// malformed token, against the device and IP windows. It returns the busiest
// window count.
func (d *Detector) Track(ctx context.Context, signal Signal) (int64, error) {
	count, err := d.velocity(ctx, signal)
	if err != nil {
		d.metrics.RecordStoreError("hit")
		return count, fmt.Errorf("fraud: track: %w", err)
	}
	return count, nil
}

// Release drops the in-flight claim taken by Screen. Verdicts that did not win
// the claim are ignored.
func (d *Detector) Release(ctx context.Context, verdict Verdict) error {
	if verdict.claimKey == "" {
		return nil
	}
	if err := d.store.Release(ctx, verdict.claimKey); err != nil {
		d.metrics.RecordStoreError("release")
		return fmt.Errorf("fraud: release claim: %w", err)
	}
	return nil
}

func (d *Detector) velocity(ctx context.Context, signal Signal) (int64, error) {
	now := d.nowFn()
	var highest int64
	var firstErr error
	for _, key := range velocityKeys(signal) {
		count, err := d.store.Hit(ctx, key, now, d.cfg.Window)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if count > highest {
			highest = count
		}
	}
	return highest, firstErr
}

func (d *Detector) storeFailure(logger *slog.Logger, op string, err error) error {
	d.metrics.RecordStoreError(op)
	if !d.cfg.FailOpen {
		return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	}
	logger.Warn("counter store failed; screening open", slog.String("operation", op), slog.Any("error", err))
	return nil
}

func velocityKeys(signal Signal) []string {
	keys := make([]string, 0, 2)
	if device := strings.TrimSpace(signal.DeviceFingerprint); device != "" {
		keys = append(keys, "velocity:device:"+device)
	}
	if ip := strings.TrimSpace(signal.IPAddress); ip != "" {
		keys = append(keys, "velocity:ip:"+ip)
	}
	return keys
}

func inflightKey(fingerprint string) string {
	return "inflight:" + fingerprint
}
