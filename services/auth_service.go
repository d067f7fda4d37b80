package services

import (
	"chat-relay/auth"
	"chat-relay/errors"
	"chat-relay/repositories"
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
)

type IAuthService interface {
	Login(ctx context.Context, email, password string) (Token, error)
	Register(ctx context.Context, email, password string) (Token, error)
}

type TokenIssuer interface {
	GenerateToken(userID string, roles []string) (string, error)
}

type AuthService struct {
	userRepository repositories.IUserRepository
	tokens         TokenIssuer
	hash           func(password string) (string, error)
	log            *slog.Logger
}

type Token string

func (t Token) String() string {
	return string(t)
}

func NewAuthService(repo repositories.IUserRepository, tokens TokenIssuer, log *slog.Logger) *AuthService {
	return &AuthService{userRepository: repo, tokens: tokens, hash: auth.HashPassword, log: log}
}

// Register validates the credentials before hashing so that a rejected
// request never pays for argon2.
func (s *AuthService) Register(ctx context.Context, email, password string) (Token, error) {
	if err := auth.ValidateRegister(auth.RegisterRequest{Email: email, Password: password}); err != nil {
		return "", err
	}

	hashedPassword, err := s.hash(password)
	if err != nil {
		return "", fmt.Errorf("hashing failed: %w", err)
	}

	// ErrUserAlreadyExists propagates when the email is taken
	user, err := s.userRepository.CreateUser(ctx, email, hashedPassword)
	if err != nil {
		return "", err
	}
	s.log.Info("User registered", "user_id", user.ID)

	token, err := s.tokens.GenerateToken(user.ID, user.Roles)
	if err != nil {
		return "", errors.ErrTokenGeneration
	}
	return Token(token), nil
}

func (s *AuthService) Login(ctx context.Context, email, password string) (Token, error) {
	if err := auth.ValidateLogin(auth.LoginRequest{Email: email, Password: password}); err != nil {
		return "", errors.ErrInvalidCredentials
	}

	user, err := s.userRepository.GetUserByEmail(ctx, email)
	if goerrors.Is(err, errors.ErrUserNotFound) {
		// Same answer as a wrong password to prevent user enumeration
		return "", errors.ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}

	match, err := auth.ComparePassword(password, user.PasswordHash)
	if err != nil || !match {
		return "", errors.ErrInvalidCredentials
	}

	token, err := s.tokens.GenerateToken(user.ID, user.Roles)
	if err != nil {
		return "", errors.ErrTokenGeneration
	}
	return Token(token), nil
}
