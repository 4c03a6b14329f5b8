package httpapi

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken marks a bearer token that fails parsing or signature
// verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims bind a bearer token to one session. The session key, not the
// token itself, is the unit of revocation.
type Claims struct {
	SessionKey string `json:"sid"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies HS256 bearer tokens.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret, issuer string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("httpapi: token secret is required")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &TokenIssuer{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

func (ti *TokenIssuer) Issue(principalID int64, sessionKey string) (string, time.Time, error) {
	now := ti.now().UTC()
	expiresAt := now.Add(ti.ttl)
	claims := Claims{
		SessionKey: sessionKey,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(principalID, 10),
			Issuer:    ti.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expiresAt, nil
}

func (ti *TokenIssuer) Parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return ti.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return ti.now() }))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.SessionKey == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
