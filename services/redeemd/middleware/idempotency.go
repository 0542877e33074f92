package middleware

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"lukechampine.com/blake3"

	"fundcard/services/redeemd/auth"
	"fundcard/services/redeemd/models"
)

// IdempotencyHeader is the request header carrying the caller's replay key.
const IdempotencyHeader = "Idempotency-Key"

const (
	maxIdempotencyKeyLen = 128
	maxIdempotentBody    = 64 << 10
)

// Idempotency replays stored responses for requests that repeat a key.
// Responses in the 5xx range are not stored so retryable failures are
// re-executed.
type Idempotency struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewIdempotency constructs the middleware.
func NewIdempotency(db *gorm.DB, logger *slog.Logger) *Idempotency {
	if logger == nil {
		logger = slog.Default()
	}
	return &Idempotency{db: db, logger: logger, now: time.Now}
}

// Middleware wraps next with replay handling.
func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "Idempotency-Key is too long.")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody+1))
		if err != nil || len(body) > maxIdempotentBody {
			writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "The request body could not be read.")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		subject := ""
		if claims, err := auth.FromContext(r.Context()); err == nil {
			subject = claims.Subject
		}
		storageKey := subject + "|" + key
		digest := blake3.Sum256(append([]byte(r.Method+" "+r.URL.Path+"\n"), body...))
		requestHash := hex.EncodeToString(digest[:])

		var record models.IdempotencyKey
		err = i.db.WithContext(r.Context()).First(&record, "key = ?", storageKey).Error
		switch {
		case err == nil:
			if record.RequestHash != requestHash {
				writeJSONError(w, http.StatusUnprocessableEntity, "INVALID_REQUEST", "Idempotency-Key was reused with a different request.")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(record.Status)
			_, _ = io.WriteString(w, record.Response)
			return
		case !errors.Is(err, gorm.ErrRecordNotFound):
			i.logger.WarnContext(r.Context(), "idempotency lookup failed", slog.Any("error", err))
		}

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		if recorder.status == 0 {
			recorder.status = http.StatusOK
		}
		if !storable(recorder.status) {
			return
		}
		payload := models.IdempotencyKey{
			Key:         storageKey,
			Subject:     subject,
			RequestID:   uuid.NewString(),
			Method:      r.Method,
			Path:        r.URL.Path,
			RequestHash: requestHash,
			Status:      recorder.status,
			Response:    recorder.buf.String(),
			CreatedAt:   i.now().UTC(),
		}
		if err := i.db.WithContext(r.Context()).Clauses(clause.OnConflict{DoNothing: true}).Create(&payload).Error; err != nil {
			i.logger.WarnContext(r.Context(), "idempotency store failed", slog.Any("error", err))
		}
	})
}

// storable reports whether a response is a final outcome worth replaying.
// Throttled and server error responses are retried for real.
func storable(status int) bool {
	return status != http.StatusTooManyRequests && status < http.StatusInternalServerError
}

// Prune removes stored responses older than ttl.
func (i *Idempotency) Prune(ttl time.Duration) (int64, error) {
	cutoff := i.now().Add(-ttl).UTC()
	res := i.db.Where("created_at < ?", cutoff).Delete(&models.IdempotencyKey{})
	return res.RowsAffected, res.Error
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.status == 0 {
		rr.status = status
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, `{"success":false,"errorCode":"`+code+`","message":"`+message+`"}`)
}
