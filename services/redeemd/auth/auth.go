package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeyClaims contextKey = "jwt_claims"

// Role represents an authorized caller persona.
type Role string

// Supported roles for redeemd.
const (
	RoleMerchantStaff Role = "merchant_staff"
	RoleAuditor       Role = "auditor"
	RoleIssuer        Role = "issuer"
)

var allowedRoles = map[Role]struct{}{
	RoleMerchantStaff: {},
	RoleAuditor:       {},
	RoleIssuer:        {},
}

// Claims represents identity data extracted from the inbound request.
type Claims struct {
	Subject string
	Role    Role
}

// Options controls signature verification and claim handling.
type Options struct {
	Alg      string
	Issuer   string
	Audience []string
	MaxSkew  time.Duration
	// HSSecret takes precedence over HSSecretEnv when set.
	HSSecret         []byte
	HSSecretEnv      string
	RSAPublicKeyFile string
	RoleClaim        string
	RoleMap          map[string]string
}

// Middleware verifies bearer tokens and attaches the caller's claims.
type Middleware struct {
	method    jwt.SigningMethod
	key       any
	issuer    string
	audience  []string
	leeway    time.Duration
	roleClaim string
	roleMap   map[string]Role
	now       func() time.Time
}

// NewMiddleware constructs a Middleware from opts.
func NewMiddleware(opts Options) (*Middleware, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("JWT issuer is required")
	}
	audiences := make([]string, 0, len(opts.Audience))
	for _, aud := range opts.Audience {
		if trimmed := strings.TrimSpace(aud); trimmed != "" {
			audiences = append(audiences, trimmed)
		}
	}
	if len(audiences) == 0 {
		return nil, errors.New("at least one JWT audience is required")
	}

	m := &Middleware{
		issuer:    issuer,
		audience:  audiences,
		leeway:    opts.MaxSkew,
		roleClaim: strings.TrimSpace(opts.RoleClaim),
		roleMap:   make(map[string]Role, len(opts.RoleMap)),
		now:       time.Now,
	}
	if m.roleClaim == "" {
		m.roleClaim = "role"
	}
	if m.leeway <= 0 {
		m.leeway = 30 * time.Second
	}
	for raw, mapped := range opts.RoleMap {
		normalized := strings.ToLower(strings.TrimSpace(raw))
		if normalized == "" {
			continue
		}
		role := Role(strings.ToLower(strings.TrimSpace(mapped)))
		if _, ok := allowedRoles[role]; !ok {
			return nil, fmt.Errorf("role map target %q is not a redeemd role", mapped)
		}
		m.roleMap[normalized] = role
	}

	alg := strings.ToUpper(strings.TrimSpace(opts.Alg))
	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}
	switch alg {
	case jwt.SigningMethodHS256.Alg():
		secret := opts.HSSecret
		if len(secret) == 0 {
			env := strings.TrimSpace(opts.HSSecretEnv)
			if env == "" {
				return nil, errors.New("HS256 secret or secret env required")
			}
			value := strings.TrimSpace(os.Getenv(env))
			if value == "" {
				return nil, fmt.Errorf("environment variable %s is empty", env)
			}
			secret = []byte(value)
		}
		m.method = jwt.SigningMethodHS256
		m.key = secret
	case jwt.SigningMethodRS256.Alg():
		pub, err := loadRSAPublicKey(opts.RSAPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("resolve RS256 public key: %w", err)
		}
		m.method = jwt.SigningMethodRS256
		m.key = pub
	default:
		return nil, fmt.Errorf("unsupported JWT algorithm %q", alg)
	}
	return m, nil
}

// SetNowFunc overrides the clock used for expiry checks.
func (m *Middleware) SetNowFunc(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Middleware rejects requests without a valid bearer token.
func (m *Middleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization")
			return
		}
		scheme, token, ok := strings.Cut(authz, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			writeError(w, http.StatusUnauthorized, "invalid authorization scheme")
			return
		}
		claims, err := m.Verify(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid authorization token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// Verify parses and validates a bearer token.
func (m *Middleware) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, errors.New("missing bearer token")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithLeeway(m.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return m.key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token validation failed")
	}

	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return nil, errors.New("token subject missing")
	}
	audience, err := claims.GetAudience()
	if err != nil || !audienceMatches(audience, m.audience) {
		return nil, errors.New("token audience mismatch")
	}
	role, err := m.extractRole(claims)
	if err != nil {
		return nil, err
	}
	return &Claims{Subject: strings.TrimSpace(subject), Role: role}, nil
}

func (m *Middleware) extractRole(claims jwt.MapClaims) (Role, error) {
	candidates := claimStrings(claims[m.roleClaim])
	if len(candidates) == 0 && m.roleClaim != "roles" {
		candidates = claimStrings(claims["roles"])
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("missing role claim %q", m.roleClaim)
	}
	for _, candidate := range candidates {
		normalized := strings.ToLower(strings.TrimSpace(candidate))
		if mapped, ok := m.roleMap[normalized]; ok {
			return mapped, nil
		}
		if _, ok := allowedRoles[Role(normalized)]; ok {
			return Role(normalized), nil
		}
	}
	return "", errors.New("no permitted roles found in token claims")
}

// WithClaims attaches claims to ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKeyClaims, claims)
}

// FromContext extracts the Claims attached by the middleware.
func FromContext(ctx context.Context) (*Claims, error) {
	if ctx == nil {
		return nil, errors.New("missing context")
	}
	if claims, ok := ctx.Value(contextKeyClaims).(*Claims); ok && claims != nil {
		return claims, nil
	}
	return nil, errors.New("missing identity in context")
}

// RequireRole ensures the authenticated caller has one of the allowed roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				writeError(w, http.StatusUnauthorized, "missing identity")
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				writeError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, msg)
}

func audienceMatches(actual, expected []string) bool {
	for _, want := range expected {
		for _, got := range actual {
			if strings.EqualFold(got, want) {
				return true
			}
		}
	}
	return false
}

// claimStrings accepts a claim holding either a single string or a list.
func claimStrings(value any) []string {
	var raw []string
	switch v := value.(type) {
	case string:
		raw = []string{v}
	case []string:
		raw = v
	case []any:
		for _, entry := range v {
			if str, ok := entry.(string); ok {
				raw = append(raw, str)
			}
		}
	}
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		if trimmed := strings.TrimSpace(entry); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("RSA public key file path is empty")
	}
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return jwt.ParseRSAPublicKeyFromPEM(pemData)
}
