// Package token implements the signed redemption token handed to holders and
// presented by merchant terminals.
//
// Wire format: base64url(payload) + "." + hex(hmac_sha256(payload, secret)).
// The payload is a fixed-order big-endian encoding:
//
//	version(1) | keyIDLen(1) | keyID | offerID(8) | issuedAt(8) | expiresAt(8) | nonce(8) | holderLen(2) | holderID
//
// The key id travels inside the signed payload so several secrets can be
// active while keys rotate.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"lukechampine.com/blake3"
)

var (
	// ErrMalformed reports a token whose structure cannot be parsed.
	ErrMalformed = errors.New("token: malformed")
	// ErrSignatureMismatch reports an unknown key id or a MAC that does not verify.
	ErrSignatureMismatch = errors.New("token: signature mismatch")
	// ErrExpired reports a correctly signed token past its expiry.
	ErrExpired = errors.New("token: expired")
	// ErrInvalidClaims rejects claims that cannot be encoded.
	ErrInvalidClaims = errors.New("token: invalid claims")
)

const (
	payloadVersion byte = 1
	nonceSize           = 8
	fixedBodySize       = 8 + 8 + 8 + nonceSize + 2
	maxKeyIDLen         = 32
	maxHolderLen        = 256
	maxTokenLen         = 1024
	// MinSecretLen is the shortest HMAC secret accepted by NewCodec.
	MinSecretLen = 32
)

var encoding = base64.RawURLEncoding.Strict()

// Claims are the fields recovered from a verified token.
type Claims struct {
	OfferID   int64
	HolderID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	KeyID     string
	// Fingerprint is the hex BLAKE3 digest of the signed payload. It is the
	// replay-protection key used by the ledger.
	Fingerprint string
}

// Codec signs and verifies redemption tokens with a ring of HMAC secrets.
type Codec struct {
	keys      map[string][]byte
	activeKey string
	nowFn     func() time.Time
	random    io.Reader
}

// NewCodec constructs a codec that signs with activeKey and verifies with any
// key in the ring.
func NewCodec(activeKey string, keys map[string][]byte) (*Codec, error) {
	if len(keys) == 0 {
		return nil, errors.New("token: at least one key required")
	}
	ring := make(map[string][]byte, len(keys))
	for id, secret := range keys {
		if err := validateKeyID(id); err != nil {
			return nil, err
		}
		if len(secret) < MinSecretLen {
			return nil, fmt.Errorf("token: key %q shorter than %d bytes", id, MinSecretLen)
		}
		ring[id] = append([]byte(nil), secret...)
	}
	activeKey = strings.TrimSpace(activeKey)
	if _, ok := ring[activeKey]; !ok {
		return nil, fmt.Errorf("token: active key %q not in key ring", activeKey)
	}
	return &Codec{
		keys:      ring,
		activeKey: activeKey,
		nowFn:     func() time.Time { return time.Now().UTC() },
		random:    rand.Reader,
	}, nil
}

// SetNowFunc overrides the clock used for issuance and expiry checks. Passing
// nil restores the default UTC clock.
func (c *Codec) SetNowFunc(now func() time.Time) {
	if now == nil {
		c.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	c.nowFn = now
}

// ActiveKey returns the id of the signing key.
func (c *Codec) ActiveKey() string { return c.activeKey }

// Encode mints a token for the holder that expires at expiresAt.
func (c *Codec) Encode(offerID int64, holderID string, expiresAt time.Time) (string, error) {
	raw, _, err := c.Issue(offerID, holderID, expiresAt)
	return raw, err
}

// Issue mints a token and also returns the claims it carries, including the
// fingerprint the ledger will key the redemption on.
func (c *Codec) Issue(offerID int64, holderID string, expiresAt time.Time) (string, Claims, error) {
	holderID = strings.TrimSpace(holderID)
	if offerID <= 0 {
		return "", Claims{}, fmt.Errorf("%w: offer id must be positive", ErrInvalidClaims)
	}
	if holderID == "" || len(holderID) > maxHolderLen || !utf8.ValidString(holderID) {
		return "", Claims{}, fmt.Errorf("%w: holder id must be 1-%d bytes of UTF-8", ErrInvalidClaims, maxHolderLen)
	}
	now := c.nowFn().UTC().Truncate(time.Second)
	expiresAt = expiresAt.UTC().Truncate(time.Second)
	if !expiresAt.After(now) {
		return "", Claims{}, fmt.Errorf("%w: expiry must be in the future", ErrInvalidClaims)
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(c.random, nonce[:]); err != nil {
		return "", Claims{}, fmt.Errorf("token: read nonce: %w", err)
	}

	kid := c.activeKey
	payload := make([]byte, 0, 2+len(kid)+fixedBodySize+len(holderID))
	payload = append(payload, payloadVersion, byte(len(kid)))
	payload = append(payload, kid...)
	payload = binary.BigEndian.AppendUint64(payload, uint64(offerID))
	payload = binary.BigEndian.AppendUint64(payload, uint64(now.Unix()))
	payload = binary.BigEndian.AppendUint64(payload, uint64(expiresAt.Unix()))
	payload = append(payload, nonce[:]...)
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(holderID)))
	payload = append(payload, holderID...)

	raw := encoding.EncodeToString(payload) + "." + hex.EncodeToString(sign(c.keys[kid], payload))
	return raw, Claims{
		OfferID:     offerID,
		HolderID:    holderID,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
		KeyID:       kid,
		Fingerprint: fingerprint(payload),
	}, nil
}

// Decode verifies the token and returns its claims. Errors are checked in the
// order malformed, signature, expiry; an expired token still returns its claims
// alongside ErrExpired.
func (c *Codec) Decode(raw string) (Claims, error) {
	claims, err := c.verify(raw)
	if err != nil {
		return Claims{}, err
	}
	if c.nowFn().After(claims.ExpiresAt) {
		return claims, ErrExpired
	}
	return claims, nil
}

// Fingerprint verifies the token signature and returns its fingerprint without
// applying the expiry check.
func (c *Codec) Fingerprint(raw string) (string, error) {
	claims, err := c.verify(raw)
	if err != nil {
		return "", err
	}
	return claims.Fingerprint, nil
}

func (c *Codec) verify(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxTokenLen {
		return Claims{}, ErrMalformed
	}
	payloadPart, sigPart, ok := strings.Cut(raw, ".")
	if !ok || payloadPart == "" || strings.Contains(sigPart, ".") {
		return Claims{}, ErrMalformed
	}
	if len(sigPart) != hex.EncodedLen(sha256.Size) || strings.ToLower(sigPart) != sigPart {
		return Claims{}, ErrMalformed
	}
	sig, err := hex.DecodeString(sigPart)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	payload, err := encoding.DecodeString(payloadPart)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	if len(payload) < 2 {
		return Claims{}, ErrMalformed
	}
	kidLen := int(payload[1])
	if kidLen == 0 || kidLen > maxKeyIDLen || len(payload) < 2+kidLen {
		return Claims{}, ErrMalformed
	}
	kid := string(payload[2 : 2+kidLen])
	secret, ok := c.keys[kid]
	if !ok {
		return Claims{}, ErrSignatureMismatch
	}
	if !hmac.Equal(sign(secret, payload), sig) {
		return Claims{}, ErrSignatureMismatch
	}
	if payload[0] != payloadVersion {
		return Claims{}, fmt.Errorf("%w: unsupported version %d", ErrMalformed, payload[0])
	}

	body := payload[2+kidLen:]
	if len(body) < fixedBodySize {
		return Claims{}, ErrMalformed
	}
	offerID := int64(binary.BigEndian.Uint64(body[0:8]))
	issuedAt := int64(binary.BigEndian.Uint64(body[8:16]))
	expiresAt := int64(binary.BigEndian.Uint64(body[16:24]))
	holderLen := int(binary.BigEndian.Uint16(body[32:34]))
	holder := body[fixedBodySize:]
	if len(holder) != holderLen || holderLen == 0 || !utf8.Valid(holder) {
		return Claims{}, ErrMalformed
	}
	if offerID <= 0 || expiresAt < issuedAt {
		return Claims{}, ErrMalformed
	}
	return Claims{
		OfferID:     offerID,
		HolderID:    string(holder),
		IssuedAt:    time.Unix(issuedAt, 0).UTC(),
		ExpiresAt:   time.Unix(expiresAt, 0).UTC(),
		KeyID:       kid,
		Fingerprint: fingerprint(payload),
	}, nil
}

func sign(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func fingerprint(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func validateKeyID(id string) error {
	if id == "" || len(id) > maxKeyIDLen {
		return fmt.Errorf("token: key id must be 1-%d bytes", maxKeyIDLen)
	}
	if strings.ContainsAny(id, ":, \t") {
		return fmt.Errorf("token: key id %q contains a separator", id)
	}
	return nil
}

// ParseKeyRing parses "kid:secret,kid2:secret2" into a key ring.
func ParseKeyRing(raw string) (map[string][]byte, error) {
	ring := make(map[string][]byte)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, secret, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("token: key entry %q missing ':'", entry)
		}
		id = strings.TrimSpace(id)
		if err := validateKeyID(id); err != nil {
			return nil, err
		}
		if _, dup := ring[id]; dup {
			return nil, fmt.Errorf("token: duplicate key id %q", id)
		}
		ring[id] = []byte(strings.TrimSpace(secret))
	}
	if len(ring) == 0 {
		return nil, errors.New("token: key ring empty")
	}
	return ring, nil
}
