package auth

import (
	"chat-relay/errors"
	goerrors "errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "chat-relay"

// CustomClaims defines the structure of the data stored inside the JWT.
type CustomClaims struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// Identity is what a successful handshake attaches to a connection.
type Identity struct {
	UserID string
	Roles  []string
}

// TokenManager issues and validates HS256 tokens with a single shared secret.
type TokenManager struct {
	secret   []byte
	duration time.Duration
	now      func() time.Time
}

func NewTokenManager(secret string, duration time.Duration) *TokenManager {
	return &TokenManager{secret: []byte(secret), duration: duration, now: time.Now}
}

// GenerateToken creates a signed JWT for a specific user.
func (m *TokenManager) GenerateToken(userID string, roles []string) (string, error) {
	now := m.now()
	claims := &CustomClaims{
		UserID: userID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.duration)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", goerrors.Join(errors.ErrTokenGeneration, err)
	}
	return signed, nil
}

// Authenticate validates the signature and the expiry of a bearer token.
// Every failure is an *errors.AuthError; no other error type is returned.
func (m *TokenManager) Authenticate(token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer"))
	if token == "" {
		return Identity{}, errors.NewAuthError(errors.MissingToken, nil)
	}

	parsed, err := jwt.ParseWithClaims(token, &CustomClaims{}, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	switch {
	case goerrors.Is(err, jwt.ErrTokenExpired):
		return Identity{}, errors.NewAuthError(errors.Expired, err)
	case err != nil:
		return Identity{}, errors.NewAuthError(errors.InvalidSignature, err)
	}

	claims, ok := parsed.Claims.(*CustomClaims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return Identity{}, errors.NewAuthError(errors.InvalidSignature, jwt.ErrTokenInvalidClaims)
	}
	return Identity{UserID: claims.UserID, Roles: claims.Roles}, nil
}

// ExpiresAt reads the expiry of a token without checking its signature.
// Clients use it to avoid dialing with a token the server would refuse.
func ExpiresAt(token string) (time.Time, error) {
	claims, err := unverified(token)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.NewAuthError(errors.InvalidSignature, jwt.ErrTokenRequiredClaimMissing)
	}
	return claims.ExpiresAt.Time, nil
}

// UnverifiedIdentity reads who a token was issued for, without checking it.
func UnverifiedIdentity(token string) (Identity, error) {
	claims, err := unverified(token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: claims.UserID, Roles: claims.Roles}, nil
}

func unverified(token string) (*CustomClaims, error) {
	claims := &CustomClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, errors.NewAuthError(errors.InvalidSignature, err)
	}
	return claims, nil
}
