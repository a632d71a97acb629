package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes granted to API callers.
const (
	ScopeWrite     = "pool:write"
	ScopeLiquidate = "pool:liquidate"
)

// StaticToken is a pre-shared bearer token.
type StaticToken struct {
	Name   string
	Token  string
	Scopes []string
}

// JWTOptions enables HS256 bearer tokens. Scopes are read from the "scope"
// claim, either space separated or as an array.
type JWTOptions struct {
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// AuthConfig lists the accepted credentials.
type AuthConfig struct {
	Tokens []StaticToken
	JWT    *JWTOptions
}

// Principal describes an authenticated caller.
type Principal struct {
	Subject string
	Method  string
	Scopes  map[string]struct{}
}

// HasScope reports whether the principal was granted scope.
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	_, ok := p.Scopes[scope]
	return ok
}

type principalContextKey struct{}

// PrincipalFromContext extracts the authenticated principal from the request context.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	principal, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || principal == nil {
		return nil, false
	}
	return principal, true
}

// Authenticator verifies write requests before they reach handlers.
type Authenticator struct {
	tokens []StaticToken
	jwt    *JWTOptions
	now    func() time.Time
}

// NewAuthenticator constructs an authenticator from configuration.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	tokens := make([]StaticToken, 0, len(cfg.Tokens))
	for _, tok := range cfg.Tokens {
		secret := strings.TrimSpace(tok.Token)
		if secret == "" {
			return nil, fmt.Errorf("token %q has no secret", tok.Name)
		}
		tokens = append(tokens, StaticToken{Name: strings.TrimSpace(tok.Name), Token: secret, Scopes: tok.Scopes})
	}
	if cfg.JWT != nil {
		if len(cfg.JWT.Secret) == 0 {
			return nil, errors.New("HS256 secret must not be empty")
		}
		if strings.TrimSpace(cfg.JWT.Issuer) == "" {
			return nil, errors.New("JWT issuer is required")
		}
	}
	if len(tokens) == 0 && cfg.JWT == nil {
		return nil, errors.New("at least one authentication mechanism must be configured")
	}
	return &Authenticator{tokens: tokens, jwt: cfg.JWT, now: time.Now}, nil
}

// Middleware rejects requests without valid credentials.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeError(w, http.StatusInternalServerError, "authentication unavailable")
			return
		}
		principal, err := a.authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="stabilityd"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope rejects authenticated callers lacking scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing identity")
				return
			}
			if !principal.HasScope(scope) {
				writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Authenticator) authenticate(r *http.Request) (*Principal, error) {
	token := parseBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return nil, errors.New("bearer token missing")
	}
	for _, candidate := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate.Token)) == 1 {
			return &Principal{Subject: candidate.Name, Method: "token", Scopes: scopeSet(candidate.Scopes)}, nil
		}
	}
	if a.jwt != nil && strings.Count(token, ".") == 2 {
		return a.verifyJWT(token)
	}
	return nil, errors.New("unknown token")
}

func (a *Authenticator) verifyJWT(token string) (*Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.jwt.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return a.now() }),
	}
	if a.jwt.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(a.jwt.Leeway))
	}
	if aud := strings.TrimSpace(a.jwt.Audience); aud != "" {
		opts = append(opts, jwt.WithAudience(aud))
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.jwt.Secret, nil
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
	return &Principal{Subject: strings.TrimSpace(subject), Method: "jwt", Scopes: scopeSet(extractScopes(claims["scope"]))}, nil
}

func extractScopes(raw interface{}) []string {
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func scopeSet(scopes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		normalized := strings.ToLower(strings.TrimSpace(scope))
		if normalized != "" {
			set[normalized] = struct{}{}
		}
	}
	return set
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
