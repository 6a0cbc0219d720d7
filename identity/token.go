package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenRejected indicates a legacy authorization token failed validation.
var ErrTokenRejected = errors.New("identity: token rejected")

// TokenConfig controls legacy token validation.
type TokenConfig struct {
	// Key is the shared HMAC secret issued by the manager.
	Key []byte
	// Issuer, when set, must match the token's iss claim.
	Issuer string
	// Leeway applied to exp/nbf. Defaults to 30s.
	Leeway time.Duration
}

// TokenAuthorizer validates legacy authorization tokens. The token's subject
// must equal the owner name of the context it authorizes.
type TokenAuthorizer struct {
	cfg TokenConfig
}

// NewTokenAuthorizer returns an authorizer for cfg.
func NewTokenAuthorizer(cfg TokenConfig) (*TokenAuthorizer, error) {
	if len(cfg.Key) == 0 {
		return nil, errors.New("identity: token key is required")
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}
	return &TokenAuthorizer{cfg: cfg}, nil
}

// Authorize validates tok for c and returns c with TokenValid set. A non
// legacy context is returned unchanged.
func (a *TokenAuthorizer) Authorize(c Context, tok string) (Context, error) {
	if !c.Legacy {
		return c, nil
	}
	if tok == "" {
		return c, fmt.Errorf("%w: empty token", ErrTokenRejected)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.cfg.Leeway),
		jwt.WithSubject(c.Identity.OwnerName),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}

	_, err := jwt.NewParser(opts...).ParseWithClaims(tok, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return a.cfg.Key, nil
	})
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrTokenRejected, err)
	}

	c.TokenValid = true
	return c, nil
}

// IssueToken signs a legacy token for owner. It is used by the manager side
// and by tests.
func IssueToken(cfg TokenConfig, owner string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   owner,
		Issuer:    cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Key)
}
