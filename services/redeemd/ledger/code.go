package ledger

import (
	"crypto/rand"
	"fmt"
)

// Crockford base32 without the ambiguous I, L, O and U.
const codeAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// NewVerificationCode returns an eight character code grouped as XXXX-XXXX for
// the cashier to read back to the holder.
func NewVerificationCode() (string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("ledger: verification code: %w", err)
	}
	out := make([]byte, 0, 9)
	for i, b := range raw {
		if i == 4 {
			out = append(out, '-')
		}
		out = append(out, codeAlphabet[b&0x1f])
	}
	return string(out), nil
}
