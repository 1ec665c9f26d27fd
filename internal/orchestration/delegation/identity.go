package delegation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("delegation: invalid identity token")

// Identity is the verifiable provenance of a delegated tool call, attached
// when a call crosses the plugin RPC boundary so a daemon can trust which
// agent (and at what delegation depth) is driving it.
type Identity struct {
	CallID    string
	ToolName  string
	AgentType string
	Depth     int
}

type identityClaims struct {
	ToolName  string `json:"tool_name"`
	AgentType string `json:"agent_type"`
	Depth     int    `json:"depth"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies delegation identity tokens (HS256).
type TokenService struct {
	secret []byte
	expiry time.Duration
}

// NewTokenService builds a token helper. A zero expiry issues tokens
// without an expiry claim.
func NewTokenService(secret string, expiry time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), expiry: expiry}
}

// Mint issues a signed token for id.
func (s *TokenService) Mint(id Identity) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("delegation: signing secret is required")
	}
	if strings.TrimSpace(id.CallID) == "" {
		return "", errors.New("delegation: call id required")
	}

	claims := identityClaims{
		ToolName:  id.ToolName,
		AgentType: id.AgentType,
		Depth:     id.Depth,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.CallID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if s.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(s.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses token and returns the identity it carries.
func (s *TokenService) Verify(token string) (Identity, error) {
	if len(s.secret) == 0 {
		return Identity{}, ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(token, &identityClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*identityClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{
		CallID:    claims.Subject,
		ToolName:  claims.ToolName,
		AgentType: claims.AgentType,
		Depth:     claims.Depth,
	}, nil
}
