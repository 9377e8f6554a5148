// Package auth implements stateless signed-token authentication. Tokens are
// JWTs signed with a shared secret (HMAC-SHA256 by default); verification is
// constant-time and extracts the principal's subject, roles, and scopes.
package auth

import (
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	gateway "github.com/gatewarden/warden/internal"
)

// Claims is the gateway's token payload.
type Claims struct {
	Roles  []string `json:"roles,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens and issues them for the login endpoint.
type Verifier struct {
	secret    []byte
	methods   []string // permitted signing algorithms
	leeway    time.Duration
	tokenTTL  time.Duration
	publicKey crypto.PublicKey // required for asymmetric algorithms

	// now is the clock, swappable in tests.
	now func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithPublicKey sets the key used to verify asymmetric signatures.
func WithPublicKey(key crypto.PublicKey) Option {
	return func(v *Verifier) { v.publicKey = key }
}

// WithClock overrides the verifier's clock (tests).
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier returns a verifier for the given secret and permitted
// algorithms. leeway absorbs clock skew on exp/nbf checks.
func NewVerifier(secret string, methods []string, leeway, tokenTTL time.Duration, opts ...Option) *Verifier {
	if len(methods) == 0 {
		methods = []string{"HS256"}
	}
	v := &Verifier{
		secret:   []byte(secret),
		methods:  methods,
		leeway:   leeway,
		tokenTTL: tokenTTL,
		now:      time.Now,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verify validates a bearer token and returns the principal it carries.
// Each check is fatal: malformed structure, unknown algorithm, signature
// mismatch, expiry, not-before, and missing subject all reject the token.
func (v *Verifier) Verify(tokenString string) (*gateway.Principal, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, v.keyFunc,
		jwt.WithValidMethods(v.methods),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid {
		return nil, gateway.ErrTokenSignature
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", gateway.ErrMissingClaim)
	}

	p := &gateway.Principal{
		Subject: claims.Subject,
		Roles:   claims.Roles,
		Scopes:  claims.Scopes,
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// keyFunc selects the verification key for the token's algorithm. HMAC uses
// the shared secret; anything else needs a configured public key.
func (v *Verifier) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
		return v.secret, nil
	}
	if v.publicKey == nil {
		return nil, fmt.Errorf("no public key configured for %s", token.Method.Alg())
	}
	return v.publicKey, nil
}

// classify maps jwt parsing errors onto the gateway's auth error kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return gateway.ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return gateway.ErrTokenNotYetValid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return gateway.ErrTokenSignature
	case errors.Is(err, jwt.ErrTokenUnverifiable), errors.Is(err, jwt.ErrTokenMalformed):
		return gateway.ErrTokenMalformed
	default:
		return fmt.Errorf("%w: %v", gateway.ErrTokenMalformed, err)
	}
}

// Issue creates a signed access token for the subject. Returns the token and
// its lifetime in seconds for the login response.
func (v *Verifier) Issue(subject string, roles, scopes []string) (string, int, error) {
	now := v.now()
	claims := Claims{
		Roles:  roles,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", 0, fmt.Errorf("sign token: %w", err)
	}
	return signed, int(v.tokenTTL.Seconds()), nil
}

// CheckScopes verifies the principal carries every scope the route requires.
func CheckScopes(p *gateway.Principal, required []string) error {
	if len(required) == 0 {
		return nil
	}
	if p == nil || !p.HasScopes(required) {
		return gateway.ErrForbidden
	}
	return nil
}
