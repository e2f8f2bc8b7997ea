// ABOUTME: JWT issuing and verification for session and watch tokens
// ABOUTME: Uses HS256 signing with the configured secret; scope separates the two token kinds

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWrongScope   = errors.New("token scope not accepted here")
)

// Token scopes.
const (
	// ScopeSession tokens authenticate a signed-in user.
	ScopeSession = "session"
	// ScopeWatch tokens only let a requester observe and cancel one request.
	ScopeWatch = "watch"
)

// Claims is the decoded content of a verified token.
type Claims struct {
	Subject   string
	Role      string
	Scope     string
	RequestID string // watch tokens only
	ExpiresAt time.Time
}

type tokenClaims struct {
	Role      string `json:"role,omitempty"`
	Scope     string `json:"scope"`
	RequestID string `json:"rid,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// JWTIssuer implements TokenVerifier and mints tokens using HS256 signed JWTs
type JWTIssuer struct {
	secret []byte
	now    func() time.Time
}

// NewJWTIssuer creates a new JWT issuer with the given secret
func NewJWTIssuer(secret []byte) *JWTIssuer {
	return &JWTIssuer{secret: secret, now: time.Now}
}

// Verify validates the token signature and expiry and returns its claims.
func (v *JWTIssuer) Verify(tokenString string) (*Claims, error) {
	var tc tokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &tc, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithExpirationRequired())

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if tc.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	switch tc.Scope {
	case ScopeSession:
	case ScopeWatch:
		if tc.RequestID == "" {
			return nil, fmt.Errorf("%w: rid", ErrMissingClaim)
		}
	default:
		return nil, fmt.Errorf("%w: scope", ErrMissingClaim)
	}

	c := &Claims{
		Subject:   tc.Subject,
		Role:      tc.Role,
		Scope:     tc.Scope,
		RequestID: tc.RequestID,
	}
	if tc.ExpiresAt != nil {
		c.ExpiresAt = tc.ExpiresAt.Time
	}
	return c, nil
}

// IssueSession mints a session token for identifier.
func (v *JWTIssuer) IssueSession(identifier, role string, expiresIn time.Duration) (string, error) {
	return v.sign(tokenClaims{Role: role, Scope: ScopeSession}, identifier, expiresIn)
}

// IssueWatch mints a token that can only observe or cancel requestID.
func (v *JWTIssuer) IssueWatch(identifier, requestID string, expiresIn time.Duration) (string, error) {
	return v.sign(tokenClaims{Scope: ScopeWatch, RequestID: requestID}, identifier, expiresIn)
}

func (v *JWTIssuer) sign(tc tokenClaims, subject string, expiresIn time.Duration) (string, error) {
	now := v.now()
	tc.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tc)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

var _ TokenVerifier = (*JWTIssuer)(nil)
