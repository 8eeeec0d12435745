// Package actortoken carries authenticated actor identity from the
// messaging adapter to this service. The adapter resolves the user and
// their admin status against the chat platform, then mints a short-lived
// HS256 token; the engine side only ever trusts claims it can verify.
package actortoken

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"khetmabot/pkg/domain"
)

const (
	issuer        = "khetma-adapter"
	audience      = "khetma-engine"
	defaultTTL    = 2 * time.Minute
	defaultLeeway = 30 * time.Second
)

var ErrInvalidToken = errors.New("invalid actor token")

// Claims is the verified identity attached to a request.
type Claims struct {
	Actor   domain.Actor
	GroupID int64
	Admin   bool
}

type tokenClaims struct {
	jwt.RegisteredClaims
	DisplayName string `json:"name"`
	GroupID     int64  `json:"gid"`
	Admin       bool   `json:"adm"`
}

// Codec issues and verifies actor tokens with a shared secret.
type Codec struct {
	secret []byte
	ttl    time.Duration
}

// New creates a codec. ttl <= 0 uses the default.
func New(secret string, ttl time.Duration) (*Codec, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("actor token secret required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Codec{secret: []byte(secret), ttl: ttl}, nil
}

// Issue signs a token for the claims. The adapter calls this right
// before each request, so tokens stay short-lived.
func (c *Codec) Issue(claims Claims) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			Subject:   strconv.FormatInt(claims.Actor.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
		DisplayName: claims.Actor.DisplayName,
		GroupID:     claims.GroupID,
		Admin:       claims.Admin,
	})
	return token.SignedString(c.secret)
}

// Verify checks signature, issuer, audience and expiry, and extracts
// the actor identity.
func (c *Codec) Verify(raw string) (Claims, error) {
	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(raw, &parsed,
		func(*jwt.Token) (any, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithLeeway(defaultLeeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	actorID, err := strconv.ParseInt(parsed.Subject, 10, 64)
	if err != nil || actorID == 0 {
		return Claims{}, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return Claims{
		Actor:   domain.Actor{ID: actorID, DisplayName: parsed.DisplayName},
		GroupID: parsed.GroupID,
		Admin:   parsed.Admin,
	}, nil
}
