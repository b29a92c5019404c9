// Package authn implements the Token Verifier (component A): given an
// opaque credential, it returns a user identity or fails with an
// authentication-kind error.
package authn

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/api/idtoken"

	"chatbridge/internal/errs"
)

const (
	accessTokenDuration  = 24 * time.Hour
	refreshTokenDuration = 30 * 24 * time.Hour
	bcryptCost           = 14
)

// Identity is what a verified credential resolves to.
type Identity struct {
	UserID string
}

// Verifier is component A's contract.
type Verifier interface {
	// VerifyAccessToken resolves the opaque credential carried by the
	// socket's `auth` frame into an Identity, or returns an *errs.Error
	// of kind authentication.
	VerifyAccessToken(credential string) (Identity, error)
}

// Service implements Verifier plus the REST-side token issuance the ambient
// auth flow needs to hand a client a credential in the first place.
type Service struct {
	jwtSecret []byte
}

// GooglePayload holds the claims extracted from a validated Google ID token.
type GooglePayload struct {
	Email   string
	Subject string
}

// New returns a Service bound to the given HMAC signing secret.
func New(secret string) (*Service, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret must not be empty")
	}
	return &Service{jwtSecret: []byte(secret)}, nil
}

// HashPassword hashes a plaintext password with bcrypt.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

// CheckPasswordHash reports whether password matches hash.
func CheckPasswordHash(password, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CreateAccessToken issues a short-lived access token for userID.
func (s *Service) CreateAccessToken(userID string) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(accessTokenDuration).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// CreateRefreshToken issues a long-lived refresh token for userID.
func (s *Service) CreateRefreshToken(userID string) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(refreshTokenDuration).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// VerifyAccessToken implements Verifier.
func (s *Service) VerifyAccessToken(credential string) (Identity, error) {
	userID, err := s.parseSubject(credential)
	if err != nil {
		return Identity{}, errs.Wrap(errs.KindAuthentication, "invalid or expired credential", err)
	}
	return Identity{UserID: userID}, nil
}

// ParseRefreshToken resolves a refresh token's subject. Refresh and access
// tokens share one HMAC secret and claim shape, differing only in expiry.
func (s *Service) ParseRefreshToken(token string) (string, error) {
	return s.parseSubject(token)
}

func (s *Service) parseSubject(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("token missing subject")
	}
	return sub, nil
}

// ValidateGoogleJWT validates a Google-issued ID token against audience.
func (s *Service) ValidateGoogleJWT(ctx context.Context, googleToken, audience string) (*GooglePayload, error) {
	payload, err := idtoken.Validate(ctx, googleToken, audience)
	if err != nil {
		return nil, errs.Wrap(errs.KindAuthentication, "google token validation failed", err)
	}
	email, _ := payload.Claims["email"].(string)
	if email == "" {
		return nil, errs.New(errs.KindAuthentication, "email claim missing from google token")
	}
	return &GooglePayload{Email: email, Subject: payload.Subject}, nil
}
