package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"chatsync/internal/domain"
	"chatsync/internal/security"
	"chatsync/internal/service"
)

func newAuthService(repo *MockProfileRepo) (*service.AuthService, *security.TokenService) {
	tokens := security.NewTokenService("secret", time.Hour)
	hasher := security.NewPasswordHasher(4) // low cost for tests
	return service.NewAuthService(repo, tokens, hasher), tokens
}

func TestRegister(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		repo := new(MockProfileRepo)
		svc, _ := newAuthService(repo)

		repo.On("GetByUsername", mock.Anything, "newuser").Return(nil, nil)
		repo.On("Create", mock.Anything, mock.MatchedBy(func(p *domain.Profile) bool {
			return p.Username == "newuser" && p.ID != "" && p.HashedPassword != "Password1!"
		})).Return(nil)

		p, err := svc.Register(context.Background(), service.RegisterInput{
			Username: "newuser",
			Password: "Password1!",
		})
		assert.NoError(t, err)
		assert.NotNil(t, p)
		assert.Equal(t, "newuser", p.DisplayName, "display name falls back to username")
		assert.True(t, p.IsActive)
	})

	t.Run("UsernameTaken", func(t *testing.T) {
		repo := new(MockProfileRepo)
		svc, _ := newAuthService(repo)

		repo.On("GetByUsername", mock.Anything, "existing").Return(&domain.Profile{Username: "existing"}, nil)

		p, err := svc.Register(context.Background(), service.RegisterInput{
			Username: "existing",
			Password: "Password1!",
		})
		assert.ErrorIs(t, err, domain.ErrConflict)
		assert.Nil(t, p)
	})

	t.Run("MissingCredentials", func(t *testing.T) {
		repo := new(MockProfileRepo)
		svc, _ := newAuthService(repo)

		_, err := svc.Register(context.Background(), service.RegisterInput{Username: "nopass"})
		assert.Error(t, err)
	})
}

func TestLogin(t *testing.T) {
	hasher := security.NewPasswordHasher(4)
	hashed, _ := hasher.Hash("Password1!")
	account := func() *domain.Profile {
		return &domain.Profile{
			ID:             "u1",
			Username:       "someone",
			DisplayName:    "Someone",
			HashedPassword: hashed,
			IsActive:       true,
		}
	}

	t.Run("Success", func(t *testing.T) {
		repo := new(MockProfileRepo)
		svc, tokens := newAuthService(repo)
		repo.On("GetByUsername", mock.Anything, "someone").Return(account(), nil)

		resp, err := svc.Login(context.Background(), service.LoginInput{
			Username: "someone",
			Password: "Password1!",
		})
		assert.NoError(t, err)
		assert.Equal(t, "bearer", resp.TokenType)

		uid, err := tokens.UserID(resp.AccessToken)
		assert.NoError(t, err)
		assert.Equal(t, "u1", uid, "token subject is the user id")
	})

	t.Run("WrongPassword", func(t *testing.T) {
		repo := new(MockProfileRepo)
		svc, _ := newAuthService(repo)
		repo.On("GetByUsername", mock.Anything, "someone").Return(account(), nil)

		_, err := svc.Login(context.Background(), service.LoginInput{
			Username: "someone",
			Password: "wrong",
		})
		assert.Error(t, err)
	})

	t.Run("UnknownUser", func(t *testing.T) {
		repo := new(MockProfileRepo)
		svc, _ := newAuthService(repo)
		repo.On("GetByUsername", mock.Anything, "ghost").Return(nil, nil)

		_, err := svc.Login(context.Background(), service.LoginInput{
			Username: "ghost",
			Password: "whatever",
		})
		assert.Error(t, err)
	})

	t.Run("InactiveAccount", func(t *testing.T) {
		repo := new(MockProfileRepo)
		svc, _ := newAuthService(repo)
		inactive := account()
		inactive.IsActive = false
		repo.On("GetByUsername", mock.Anything, "someone").Return(inactive, nil)

		_, err := svc.Login(context.Background(), service.LoginInput{
			Username: "someone",
			Password: "Password1!",
		})
		assert.Error(t, err)
	})
}
