// Package identity resolves the user behind a request from a signed bearer
// token or, in development, a trusted header.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Common errors.
var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// DevHeader carries the user id when development identities are enabled.
const DevHeader = "X-User-Id"

// Claims are the token claims scenesync understands. The user id is read
// from user_id and falls back to the subject.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret   []byte
	issuer   string
	allowDev bool
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithIssuer requires tokens to carry the given issuer.
func WithIssuer(issuer string) Option {
	return func(v *Verifier) {
		v.issuer = issuer
	}
}

// WithDevHeader accepts the X-User-Id header when no token is present.
func WithDevHeader(enabled bool) Option {
	return func(v *Verifier) {
		v.allowDev = enabled
	}
}

// NewVerifier creates a verifier for secret.
func NewVerifier(secret []byte, opts ...Option) *Verifier {
	v := &Verifier{secret: secret}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// Issue signs a token for userID that expires after ttl.
func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify validates token and returns the user it names.
func (v *Verifier) Verify(token string) (string, error) {
	if len(v.secret) == 0 {
		return "", fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims

	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if !parsed.Valid {
		return "", ErrInvalidToken
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}

	if userID == "" {
		return "", fmt.Errorf("%w: no user in claims", ErrInvalidToken)
	}

	return userID, nil
}

// UserFromRequest reads the token from the Authorization header or the
// token query parameter, which browsers use for WebSocket upgrades.
func (v *Verifier) UserFromRequest(r *http.Request) (string, error) {
	token := ""

	if header := r.Header.Get("Authorization"); header != "" {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else if q := r.URL.Query().Get("token"); q != "" {
		token = q
	}

	if token != "" {
		return v.Verify(token)
	}

	if v.allowDev {
		if userID := r.Header.Get(DevHeader); userID != "" {
			return userID, nil
		}
	}

	return "", ErrMissingCredentials
}
