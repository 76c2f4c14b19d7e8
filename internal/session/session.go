// Package session issues and validates the bearer tokens the Mini-App uses
// after a Telegram login.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

// DefaultTTL bounds a session when the launch assertion allows longer.
const DefaultTTL = time.Hour

var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpiredToken = errors.New("session token expired")
	ErrNoWindow     = errors.New("launch assertion has no time left")
)

// Claims is the token payload: the Telegram user id plus iat and exp.
type Claims struct {
	ID int64 `json:"id"`
	jwt.StandardClaims
}

// Issuer signs HS256 session tokens.
type Issuer struct {
	key          []byte
	ttl          time.Duration
	assertionTTL time.Duration
	now          func() time.Time
}

// NewIssuer creates an issuer. A token never outlives ttl nor the launch
// assertion it was exchanged for (authDate + assertionTTL).
func NewIssuer(secret string, ttl, assertionTTL time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("empty signing key")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if assertionTTL <= 0 {
		return nil, errors.New("assertion ttl must be positive")
	}
	return &Issuer{key: []byte(secret), ttl: ttl, assertionTTL: assertionTTL, now: time.Now}, nil
}

// Issue returns a token for userID and its expiry.
func (i *Issuer) Issue(userID int64, authDate time.Time) (string, time.Time, error) {
	if userID == 0 {
		return "", time.Time{}, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	now := i.now()
	exp := now.Add(i.ttl)
	if limit := authDate.Add(i.assertionTTL); limit.Before(exp) {
		exp = limit
	}
	// Unix seconds: anything under a second left rounds to no window.
	if exp.Unix() <= now.Unix() {
		return "", time.Time{}, ErrNoWindow
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ID: userID,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: exp.Unix(),
		},
	})
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, time.Unix(exp.Unix(), 0).UTC(), nil
}

// Validate parses token and checks its algorithm, signature, expiry and id.
func (i *Issuer) Validate(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	parser := jwt.Parser{
		ValidMethods:         []string{jwt.SigningMethodHS256.Alg()},
		SkipClaimsValidation: true,
	}
	var claims Claims
	_, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ID == 0 {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidToken)
	}
	if claims.ExpiresAt == 0 {
		return nil, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}
	if i.now().Unix() >= claims.ExpiresAt {
		return nil, ErrExpiredToken
	}
	return &claims, nil
}
