package auth

import (
	"context"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Pulse/internal/domain"
)

func TestJWTAuthenticator(t *testing.T) {
	a, err := NewJWTAuthenticator("secret", "HS256")
	require.NoError(t, err)
	ctx := context.Background()

	tok, err := a.Issue("alice", time.Hour)
	require.NoError(t, err)
	uid, err := a.Authenticate(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("alice"), uid)

	t.Run("expired", func(t *testing.T) {
		old, err := a.Issue("alice", -time.Minute)
		require.NoError(t, err)
		_, err = a.Authenticate(ctx, old)
		assert.ErrorIs(t, err, jwtlib.ErrTokenExpired)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := a.Authenticate(ctx, "not-a-jwt")
		assert.ErrorIs(t, err, domain.ErrBadPayload)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, err := NewJWTAuthenticator("other", "HS256")
		require.NoError(t, err)
		forged, err := other.Issue("mallory", time.Hour)
		require.NoError(t, err)
		_, err = a.Authenticate(ctx, forged)
		assert.ErrorIs(t, err, jwtlib.ErrTokenSignatureInvalid)
	})

	t.Run("wrong alg", func(t *testing.T) {
		hs512, err := NewJWTAuthenticator("secret", "HS512")
		require.NoError(t, err)
		tok, err := hs512.Issue("alice", time.Hour)
		require.NoError(t, err)
		_, err = a.Authenticate(ctx, tok)
		assert.ErrorIs(t, err, jwtlib.ErrTokenSignatureInvalid)
	})

	t.Run("missing subject", func(t *testing.T) {
		tok, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
			"exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = a.Authenticate(ctx, tok)
		assert.ErrorIs(t, err, domain.ErrUserIDEmpty)
	})
}

func TestNewJWTAuthenticator_Config(t *testing.T) {
	_, err := NewJWTAuthenticator("", "HS256")
	assert.ErrorIs(t, err, ErrNoSecret)
	_, err = NewJWTAuthenticator("s", "RS256")
	assert.Error(t, err)
}
