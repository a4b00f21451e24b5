// Package authjwt verifies the bearer tokens producers and consumers
// present when talking to a non-public stream. Tokens are HS256,
// signed with one of a project's rotatable secrets, carrying the
// project ID as subject and a scope claim the caller's HTTP method
// must be covered by.
package authjwt

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoBearerToken is returned when a request carries no Authorization
// bearer token at all.
var ErrNoBearerToken = errors.New("authjwt: missing bearer token")

// ErrInvalidToken covers any signature, claim, or expiry failure.
var ErrInvalidToken = errors.New("authjwt: invalid token")

// ErrScopeDenied is returned when the token's scope does not cover the
// requested operation.
var ErrScopeDenied = errors.New("authjwt: scope does not permit this operation")

// Scope is the claim granting a token read, write, or full management
// access to a project's streams.
type Scope string

const (
	ScopeRead   Scope = "read"
	ScopeWrite  Scope = "write"
	ScopeManage Scope = "manage"
)

// claims is the subset of registered + custom claims this system signs.
type claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// Claims is the verified, caller-facing result of a successful Verify.
type Claims struct {
	ProjectID string
	Scope     Scope
	ExpiresAt time.Time
}

// ExtractBearerToken pulls the token out of a standard
// "Authorization: Bearer <token>" header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrNoBearerToken
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", ErrNoBearerToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", ErrNoBearerToken
	}
	return token, nil
}

// Verify checks tokenString against projectID and each of secrets in
// order (primary first), so a token signed under an old secret during
// a rotation window still verifies until that secret is removed.
func Verify(tokenString, projectID string, secrets []string) (*Claims, error) {
	if len(secrets) == 0 {
		return nil, ErrInvalidToken
	}

	var lastErr error
	for _, secret := range secrets {
		parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			lastErr = err
			continue
		}

		c, ok := parsed.Claims.(*claims)
		if !ok || !parsed.Valid {
			lastErr = ErrInvalidToken
			continue
		}
		if c.Subject != projectID {
			lastErr = ErrInvalidToken
			continue
		}

		return &Claims{
			ProjectID: c.Subject,
			Scope:     Scope(c.Scope),
			ExpiresAt: c.ExpiresAt.Time,
		}, nil
	}

	if lastErr == nil {
		lastErr = ErrInvalidToken
	}
	return nil, fmt.Errorf("%w: %v", ErrInvalidToken, lastErr)
}

// methodScopes maps an HTTP method to the minimum scope it requires on
// stream and estuary routes. The config routes are not method-scoped
// this way — GET and PUT on /v1/config both require manage regardless
// of method, so callers there use AuthorizeScope directly instead of
// Authorize.
var methodScopes = map[string]Scope{
	http.MethodGet:    ScopeRead,
	http.MethodHead:   ScopeRead,
	http.MethodPost:   ScopeWrite,
	http.MethodPut:    ScopeWrite,
	http.MethodDelete: ScopeWrite,
	http.MethodPatch:  ScopeWrite,
}

// RequiredScope returns the scope an HTTP method needs, defaulting to
// the strictest (manage) for anything unrecognized.
func RequiredScope(method string) Scope {
	if s, ok := methodScopes[method]; ok {
		return s
	}
	return ScopeManage
}

// scopeRank orders scopes so a higher one covers every operation a
// lower one does: manage covers write and read, write covers read.
var scopeRank = map[Scope]int{ScopeRead: 1, ScopeWrite: 2, ScopeManage: 3}

// Covers reports whether the token's scope is sufficient for required.
func (c *Claims) Covers(required Scope) bool {
	return scopeRank[c.Scope] >= scopeRank[required]
}

// Authorize is the full per-request check: extract the bearer token,
// verify it against projectID's secrets, and confirm its scope covers
// method. Callers skip this entirely for public-stream reads.
func Authorize(r *http.Request, projectID string, secrets []string) (*Claims, error) {
	return AuthorizeScope(r, projectID, secrets, RequiredScope(r.Method))
}

// AuthorizeScope is Authorize against an explicit required scope rather
// than one derived from the HTTP method — used by /v1/config, where
// both GET and PUT require manage regardless of method.
func AuthorizeScope(r *http.Request, projectID string, secrets []string, required Scope) (*Claims, error) {
	token, err := ExtractBearerToken(r)
	if err != nil {
		return nil, err
	}
	claims, err := Verify(token, projectID, secrets)
	if err != nil {
		return nil, err
	}
	if !claims.Covers(required) {
		return nil, ErrScopeDenied
	}
	return claims, nil
}

// Sign issues a token for projectID with scope, signed with secret and
// expiring after ttl. Used by tests and by any admin tooling minting
// tokens for this system rather than an external IdP.
func Sign(projectID string, scope Scope, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   projectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope: string(scope),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString([]byte(secret))
}
