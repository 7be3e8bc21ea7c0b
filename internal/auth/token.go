package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
	ErrMissingToken = errors.New("missing token")
)

// Identity is the authenticated caller as seen by the chat core.
type Identity struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// NormalizeEmail lower-cases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeRole maps anything other than admin to user.
func NormalizeRole(role string) string {
	if strings.EqualFold(strings.TrimSpace(role), RoleAdmin) {
		return RoleAdmin
	}
	return RoleUser
}

// Verifier issues and checks HS256 tokens carrying {email, role}.
type Verifier struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewVerifier(secret string, ttl time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (v *Verifier) Issue(id Identity) (string, time.Time, error) {
	email := NormalizeEmail(id.Email)
	if email == "" {
		return "", time.Time{}, fmt.Errorf("issue token: %w", ErrInvalidToken)
	}
	issuedAt := v.now()
	expiresAt := issuedAt.Add(v.ttl)
	claims := Claims{
		Email: email,
		Role:  NormalizeRole(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			Issuer:    "petlify",
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify returns the identity in token or ErrInvalidToken / ErrExpiredToken.
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Identity{}, ErrExpiredToken
	}
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	email := NormalizeEmail(claims.Email)
	if email == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Email: email, Role: NormalizeRole(claims.Role)}, nil
}

// TokenFromRequest extracts a bearer token from the Authorization header.
func TokenFromRequest(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// TokenFromHandshake extracts the credential a real-time client presents:
// the token or auth_token query parameter, then the Authorization header.
func TokenFromHandshake(query url.Values, header http.Header) string {
	for _, key := range []string{"token", "auth_token"} {
		if value := strings.TrimSpace(query.Get(key)); value != "" {
			return value
		}
	}
	return TokenFromRequest(&http.Request{Header: header})
}
