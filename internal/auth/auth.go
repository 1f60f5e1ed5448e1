package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/reachflow/pulse/internal/model"
)

var (
	// ErrInvalidToken is returned for malformed, badly signed, or
	// expired tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidTier is returned when a token carries a tier outside
	// the plan catalog.
	ErrInvalidTier = errors.New("invalid tier claim")
)

// Claims carries the authenticated user's identity and plan for the
// lifetime of a connection.
type Claims struct {
	UserID string     `json:"user_id"`
	Tier   model.Tier `json:"tier"`
	jwt.RegisteredClaims
}

// Authenticator signs and validates connection tokens with an HMAC
// secret shared across the fleet.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewAuthenticator(secret, issuer string, ttl time.Duration) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
	}
}

// Generate issues a signed token for a user at the given tier.
func (a *Authenticator) Generate(userID string, tier model.Tier) (string, error) {
	if !tier.Valid() {
		return "", fmt.Errorf("%w: %s", ErrInvalidTier, tier)
	}
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Tier:   tier,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    a.issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Validate parses a token and returns its claims. Unknown signing
// methods, bad signatures, expiry, and out-of-catalog tiers all
// reject.
func (a *Authenticator) Validate(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if !claims.Tier.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTier, claims.Tier)
	}
	return claims, nil
}
