package identity_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serroba/scenesync/internal/identity"
)

var secret = []byte("test-secret")

func TestVerifier_IssueAndVerify(t *testing.T) {
	t.Parallel()

	v := identity.NewVerifier(secret, identity.WithIssuer("scenesync"))

	token, err := v.Issue("alice", time.Minute)
	require.NoError(t, err)

	userID, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestVerifier_RejectsBadTokens(t *testing.T) {
	t.Parallel()

	v := identity.NewVerifier(secret, identity.WithIssuer("scenesync"))

	expired, err := v.Issue("alice", -time.Minute)
	require.NoError(t, err)

	foreign, err := identity.NewVerifier([]byte("other")).Issue("alice", time.Minute)
	require.NoError(t, err)

	wrongIssuer, err := identity.NewVerifier(secret, identity.WithIssuer("elsewhere")).Issue("alice", time.Minute)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"user_id": "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	anonymous, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"iss": "scenesync"}).SignedString(secret)
	require.NoError(t, err)

	tests := map[string]string{
		"expired":      expired,
		"wrong secret": foreign,
		"wrong issuer": wrongIssuer,
		"alg none":     none,
		"no user":      anonymous,
		"garbage":      "not-a-token",
	}

	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := v.Verify(token)
			require.ErrorIs(t, err, identity.ErrInvalidToken)
		})
	}
}

func TestVerifier_SubjectFallback(t *testing.T) {
	t.Parallel()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "bob"}).SignedString(secret)
	require.NoError(t, err)

	userID, err := identity.NewVerifier(secret).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "bob", userID)
}

func TestVerifier_UserFromRequest(t *testing.T) {
	t.Parallel()

	v := identity.NewVerifier(secret, identity.WithDevHeader(true))

	token, err := v.Issue("alice", time.Minute)
	require.NoError(t, err)

	bearer := httptest.NewRequest(http.MethodGet, "/documents/d", nil)
	bearer.Header.Set("Authorization", "Bearer "+token)

	query := httptest.NewRequest(http.MethodGet, "/ws?docId=d&token="+token, nil)

	dev := httptest.NewRequest(http.MethodGet, "/ws", nil)
	dev.Header.Set(identity.DevHeader, "carol")

	for name, tc := range map[string]struct {
		req  *http.Request
		want string
	}{
		"bearer header": {bearer, "alice"},
		"query token":   {query, "alice"},
		"dev header":    {dev, "carol"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			userID, err := v.UserFromRequest(tc.req)
			require.NoError(t, err)
			assert.Equal(t, tc.want, userID)
		})
	}
}

func TestVerifier_DevHeaderDisabled(t *testing.T) {
	t.Parallel()

	v := identity.NewVerifier(secret)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set(identity.DevHeader, "mallory")

	_, err := v.UserFromRequest(req)
	require.ErrorIs(t, err, identity.ErrMissingCredentials)
}
