// Package authpw provides email/password accounts backed by bcrypt hashes.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"petlify/api/internal/auth"
	"petlify/api/internal/store"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

var validate = validator.New()

// bcrypt rejects longer inputs; the validator counts runes, not bytes.
const maxPasswordBytes = 72

// UserStore defines the storage interface for accounts
type UserStore interface {
	CreateUser(ctx context.Context, user store.User) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	TouchLastLogin(ctx context.Context, email string, at time.Time) error
}

type TokenIssuer interface {
	Issue(id auth.Identity) (string, time.Time, error)
}

type Service struct {
	store  UserStore
	tokens TokenIssuer
	cost   int
	now    func() time.Time
}

func NewService(store UserStore, tokens TokenIssuer) *Service {
	return &Service{store: store, tokens: tokens, cost: bcrypt.DefaultCost, now: time.Now}
}

type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// Session is what a successful login hands back to the client.
type Session struct {
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expiresAt"`
	User      auth.Identity `json:"user"`
}

// Register creates a user account with role user.
func (s *Service) Register(ctx context.Context, req Credentials) (auth.Identity, error) {
	req.Email = auth.NormalizeEmail(req.Email)
	if err := validate.Struct(req); err != nil {
		return auth.Identity{}, fmt.Errorf("%w: %s", ErrInvalidInput, describe(err))
	}
	if len(req.Password) > maxPasswordBytes {
		return auth.Identity{}, fmt.Errorf("%w: Password must be at most %d bytes", ErrInvalidInput, maxPasswordBytes)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, store.User{
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         auth.RoleUser,
	})
	if errors.Is(err, store.ErrConflict) {
		return auth.Identity{}, ErrEmailTaken
	}
	if err != nil {
		return auth.Identity{}, fmt.Errorf("create user: %w", err)
	}
	return auth.Identity{Email: user.Email, Role: auth.NormalizeRole(user.Role)}, nil
}

// Login checks the password and issues an access token.
func (s *Service) Login(ctx context.Context, req Credentials) (Session, error) {
	email := auth.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return Session{}, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return Session{}, ErrInvalidCredentials
	}

	identity := auth.Identity{Email: user.Email, Role: auth.NormalizeRole(user.Role)}
	token, expiresAt, err := s.tokens.Issue(identity)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	if err := s.store.TouchLastLogin(ctx, user.Email, s.now().UTC()); err != nil {
		return Session{}, err
	}
	return Session{Token: token, ExpiresAt: expiresAt, User: identity}, nil
}

func describe(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err.Error()
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
