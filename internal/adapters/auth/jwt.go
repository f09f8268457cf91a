// Package auth validates bearer tokens issued by the account service.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/Pulse/internal/domain"
)

var ErrNoSecret = errors.New("jwt secret not configured")

// JWTAuthenticator accepts HMAC-signed tokens whose "sub" claim is the
// user id.
type JWTAuthenticator struct {
	secret []byte
	method jwtlib.SigningMethod
	now    func() time.Time
}

func NewJWTAuthenticator(secret, alg string) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	method, err := signingMethod(alg)
	if err != nil {
		return nil, err
	}
	return &JWTAuthenticator{secret: []byte(secret), method: method, now: time.Now}, nil
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, raw string) (domain.UserID, error) {
	parsed, err := jwtlib.Parse(raw, func(t *jwtlib.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwtlib.WithValidMethods([]string{a.method.Alg()}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(a.now),
	)
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenMalformed) {
			return "", fmt.Errorf("%w: %w", domain.ErrBadPayload, err)
		}
		return "", err
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	return domain.ParseUserID(sub)
}

// Issue signs a token for user. Used by the dev CLI and tests; production
// tokens come from the account service.
func (a *JWTAuthenticator) Issue(user domain.UserID, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwtlib.MapClaims{
		"sub": string(user),
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwtlib.NewWithClaims(a.method, claims).SignedString(a.secret)
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
