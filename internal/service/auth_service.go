package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/domain"
	"chatsync/internal/security"
)

// AuthService handles registration and login for the transport layer.
type AuthService struct {
	profiles domain.ProfileRepository
	tokens   *security.TokenService
	hash     *security.PasswordHasher
}

func NewAuthService(profiles domain.ProfileRepository, tokens *security.TokenService, hash *security.PasswordHasher) *AuthService {
	return &AuthService{
		profiles: profiles,
		tokens:   tokens,
		hash:     hash,
	}
}

type RegisterInput struct {
	Username    string
	DisplayName string
	Password    string
}

type LoginInput struct {
	Username string
	Password string
}

type TokenResponse struct {
	AccessToken string          `json:"access_token"`
	TokenType   string          `json:"token_type"`
	Profile     *domain.Profile `json:"profile"`
}

func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*domain.Profile, error) {
	if in.Username == "" || in.Password == "" {
		return nil, errors.New("username and password are required")
	}
	if in.DisplayName == "" {
		in.DisplayName = in.Username
	}

	if existing, err := s.profiles.GetByUsername(ctx, in.Username); err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	} else if existing != nil {
		return nil, domain.ErrConflict
	}

	hashed, err := s.hash.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	p := &domain.Profile{
		ID:             uuid.NewString(),
		Username:       in.Username,
		DisplayName:    in.DisplayName,
		HashedPassword: hashed,
		IsActive:       true,
	}
	if err := s.profiles.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *AuthService) Login(ctx context.Context, in LoginInput) (*TokenResponse, error) {
	p, err := s.profiles.GetByUsername(ctx, in.Username)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if p == nil {
		return nil, errors.New("incorrect username or password")
	}
	if !p.IsActive {
		return nil, errors.New("account is inactive")
	}
	if err := s.hash.Verify(in.Password, p.HashedPassword); err != nil {
		return nil, errors.New("incorrect username or password")
	}

	if err := s.profiles.UpdateLastSeen(ctx, p.ID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("update last seen: %w", err)
	}

	token, err := s.tokens.CreateForUser(p.ID)
	if err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	return &TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		Profile:     p,
	}, nil
}
