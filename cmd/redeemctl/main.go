package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"fundcard/services/redeemd/config"
	"fundcard/services/redeemd/token"
)

const (
	issueCommand       = "issue"
	inspectCommand     = "inspect"
	fingerprintCommand = "fingerprint"
	keygenCommand      = "keygen"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	if err := run(os.Args[1], os.Args[2:], os.Stdout, os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(command string, args []string, out io.Writer, getenv func(string) string) error {
	switch command {
	case issueCommand:
		return runIssue(args, out, getenv)
	case inspectCommand:
		return runInspect(args, out, getenv)
	case fingerprintCommand:
		return runFingerprint(args, out, getenv)
	case keygenCommand:
		return runKeygen(args, out)
	default:
		usage(out)
		return fmt.Errorf("unknown command %q", command)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: redeemctl <command> [flags]")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  issue        mint a redemption token for an offer and holder")
	fmt.Fprintln(w, "  inspect      verify a token and print its claims")
	fmt.Fprintln(w, "  fingerprint  print the ledger fingerprint of a token")
	fmt.Fprintln(w, "  keygen       generate a signing key entry for the key ring")
}

type keyFlags struct {
	configPath *string
	keys       *string
	active     *string
}

func bindKeyFlags(fs *flag.FlagSet) keyFlags {
	return keyFlags{
		configPath: fs.String("config", "", "Path to the redeemd config file providing the token key ring"),
		keys:       fs.String("keys", "", "Key ring as kid:secret[,kid:secret] (overrides REDEEMD_TOKEN_KEYS)"),
		active:     fs.String("active", "", "Active key id used for signing (overrides REDEEMD_TOKEN_ACTIVE_KEY)"),
	}
}

// codec resolves the key ring from, in order, flags, the environment and the
// config file.
func (k keyFlags) codec(getenv func(string) string) (*token.Codec, error) {
	rawKeys := strings.TrimSpace(*k.keys)
	if rawKeys == "" {
		rawKeys = strings.TrimSpace(getenv("REDEEMD_TOKEN_KEYS"))
	}
	active := strings.TrimSpace(*k.active)
	if active == "" {
		active = strings.TrimSpace(getenv("REDEEMD_TOKEN_ACTIVE_KEY"))
	}

	if rawKeys != "" {
		ring, err := token.ParseKeyRing(rawKeys)
		if err != nil {
			return nil, err
		}
		if active == "" {
			if len(ring) != 1 {
				return nil, errors.New("-active is required when more than one key is configured")
			}
			for id := range ring {
				active = id
			}
		}
		return token.NewCodec(active, ring)
	}

	if strings.TrimSpace(*k.configPath) == "" {
		return nil, errors.New("no key ring: pass -keys, set REDEEMD_TOKEN_KEYS or pass -config")
	}
	cfg, err := config.Load(*k.configPath)
	if err != nil {
		return nil, err
	}
	if active == "" {
		active = cfg.Token.ActiveKey
	}
	return token.NewCodec(active, cfg.KeyRing())
}

type issueOutput struct {
	Token       string    `json:"token"`
	Fingerprint string    `json:"fingerprint"`
	KeyID       string    `json:"keyId"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func runIssue(args []string, out io.Writer, getenv func(string) string) error {
	fs := flag.NewFlagSet(issueCommand, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	keys := bindKeyFlags(fs)
	offerID := fs.Int64("offer", 0, "Offer id the token redeems")
	holder := fs.String("holder", "", "Card holder id bound to the token")
	ttl := fs.Duration("ttl", 10*time.Minute, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ttl <= 0 {
		return errors.New("-ttl must be positive")
	}
	codec, err := keys.codec(getenv)
	if err != nil {
		return err
	}
	raw, claims, err := codec.Issue(*offerID, *holder, time.Now().Add(*ttl))
	if err != nil {
		return err
	}
	return writeJSON(out, issueOutput{
		Token:       raw,
		Fingerprint: claims.Fingerprint,
		KeyID:       claims.KeyID,
		IssuedAt:    claims.IssuedAt,
		ExpiresAt:   claims.ExpiresAt,
	})
}

type inspectOutput struct {
	Valid       bool      `json:"valid"`
	Expired     bool      `json:"expired"`
	OfferID     int64     `json:"offerId"`
	HolderID    string    `json:"holderId"`
	KeyID       string    `json:"keyId"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Fingerprint string    `json:"fingerprint"`
}

func runInspect(args []string, out io.Writer, getenv func(string) string) error {
	fs := flag.NewFlagSet(inspectCommand, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	keys := bindKeyFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	raw, err := tokenArg(fs)
	if err != nil {
		return err
	}
	codec, err := keys.codec(getenv)
	if err != nil {
		return err
	}
	claims, err := codec.Decode(raw)
	expired := errors.Is(err, token.ErrExpired)
	if err != nil && !expired {
		return err
	}
	return writeJSON(out, inspectOutput{
		Valid:       err == nil,
		Expired:     expired,
		OfferID:     claims.OfferID,
		HolderID:    claims.HolderID,
		KeyID:       claims.KeyID,
		IssuedAt:    claims.IssuedAt,
		ExpiresAt:   claims.ExpiresAt,
		Fingerprint: claims.Fingerprint,
	})
}

func runFingerprint(args []string, out io.Writer, getenv func(string) string) error {
	fs := flag.NewFlagSet(fingerprintCommand, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	keys := bindKeyFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	raw, err := tokenArg(fs)
	if err != nil {
		return err
	}
	codec, err := keys.codec(getenv)
	if err != nil {
		return err
	}
	fp, err := codec.Fingerprint(raw)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, fp)
	return err
}

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(keygenCommand, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("id", "", "Key id for the new entry")
	size := fs.Int("bytes", 32, "Secret length in bytes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *size < token.MinSecretLen {
		return fmt.Errorf("-bytes must be at least %d", token.MinSecretLen)
	}
	kid := strings.TrimSpace(*id)
	if kid == "" {
		kid = time.Now().UTC().Format("k20060102")
	}
	secret := make([]byte, *size/2+*size%2)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("read random: %w", err)
	}
	encoded := hex.EncodeToString(secret)[:*size]
	entry := kid + ":" + encoded
	if _, err := token.ParseKeyRing(entry); err != nil {
		return err
	}
	_, err := fmt.Fprintln(out, entry)
	return err
}

func tokenArg(fs *flag.FlagSet) (string, error) {
	rest := fs.Args()
	if len(rest) != 1 {
		return "", errors.New("expected exactly one token argument")
	}
	return strings.TrimSpace(rest[0]), nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
