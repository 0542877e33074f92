package scan

import (
	"context"
	"errors"
	"log/slog"

	"fundcard/services/redeemd/fraud"
	"fundcard/services/redeemd/ledger"
	"fundcard/services/redeemd/offers"
	"fundcard/services/redeemd/token"
	"fundcard/services/redeemd/validator"
)

// Code is a stable error code returned to terminals.
type Code string

const (
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeTokenMalformed     Code = "TOKEN_MALFORMED"
	CodeTokenSignature     Code = "TOKEN_INVALID_SIGNATURE"
	CodeTokenExpired       Code = "TOKEN_EXPIRED"
	CodeOfferNotFound      Code = "OFFER_NOT_FOUND"
	CodeOfferInactive      Code = "OFFER_INACTIVE"
	CodeOfferExpired       Code = "OFFER_EXPIRED"
	CodeAlreadyRedeemed    Code = "ALREADY_REDEEMED"
	CodeQuotaExceeded      Code = "HOLDER_QUOTA_EXCEEDED"
	CodeRateLimitExceeded  Code = "RATE_LIMIT_EXCEEDED"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeInternal           Code = "INTERNAL_ERROR"
)

var messages = map[Code]string{
	CodeInvalidRequest:     "The scan request is invalid.",
	CodeTokenMalformed:     "This code could not be read. Ask the customer to refresh it.",
	CodeTokenSignature:     "This code is not a valid fundraising card code.",
	CodeTokenExpired:       "This code has expired. Ask the customer to refresh it.",
	CodeOfferNotFound:      "This offer could not be found.",
	CodeOfferInactive:      "This offer is no longer active.",
	CodeOfferExpired:       "This offer is not valid today.",
	CodeAlreadyRedeemed:    "This code has already been redeemed.",
	CodeQuotaExceeded:      "The customer has already used this offer the maximum number of times.",
	CodeRateLimitExceeded:  "Too many scans from this device. Try again shortly.",
	CodeServiceUnavailable: "Redemption is temporarily unavailable. It is safe to scan again.",
	CodeInternal:           "Something went wrong while redeeming this code.",
}

// Message returns the terminal facing text for the code.
func (c Code) Message() string {
	if msg, ok := messages[c]; ok {
		return msg
	}
	return messages[CodeInternal]
}

var (
	// errInvalidRequest marks request validation failures.
	errInvalidRequest = errors.New("scan: invalid request")
	// errUnavailable marks collaborator failures that are safe to retry.
	errUnavailable = errors.New("scan: dependency unavailable")
	// errRateLimited marks a hard velocity reject.
	errRateLimited = errors.New("scan: rate limit exceeded")
)

// classify maps a component error onto a stable code and the level it is
// logged at.
func classify(err error) (Code, slog.Level) {
	switch {
	case errors.Is(err, errInvalidRequest):
		return CodeInvalidRequest, slog.LevelDebug
	case errors.Is(err, token.ErrMalformed):
		return CodeTokenMalformed, slog.LevelDebug
	case errors.Is(err, token.ErrSignatureMismatch):
		return CodeTokenSignature, slog.LevelDebug
	case errors.Is(err, token.ErrExpired), errors.Is(err, validator.ErrTokenExpired):
		return CodeTokenExpired, slog.LevelInfo
	case errors.Is(err, offers.ErrNotFound), errors.Is(err, validator.ErrOfferMismatch):
		return CodeOfferNotFound, slog.LevelInfo
	case errors.Is(err, validator.ErrOfferInactive):
		return CodeOfferInactive, slog.LevelInfo
	case errors.Is(err, validator.ErrOfferExpired):
		return CodeOfferExpired, slog.LevelInfo
	case errors.Is(err, ledger.ErrAlreadyRedeemed):
		return CodeAlreadyRedeemed, slog.LevelInfo
	case errors.Is(err, ledger.ErrQuotaExceeded):
		return CodeQuotaExceeded, slog.LevelInfo
	case errors.Is(err, ledger.ErrInvalidAmount):
		return CodeInvalidRequest, slog.LevelDebug
	case errors.Is(err, errRateLimited):
		return CodeRateLimitExceeded, slog.LevelWarn
	case errors.Is(err, errUnavailable),
		errors.Is(err, fraud.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return CodeServiceUnavailable, slog.LevelWarn
	default:
		return CodeInternal, slog.LevelError
	}
}
