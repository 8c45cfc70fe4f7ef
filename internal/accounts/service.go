package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"qcat/internal/store"
)

// Service logs users in through the remote accounts API, falling back to
// the locally stored password hash when the remote is unreachable, and
// hands out session tokens.
type Service struct {
	store     *store.PostgresStore
	remote    *RemoteClient
	jwtSecret []byte
	accessTTL time.Duration
}

func NewService(s *store.PostgresStore, remote *RemoteClient, jwtSecret []byte, accessTTL time.Duration) *Service {
	if accessTTL <= 0 {
		accessTTL = 12 * time.Hour
	}
	return &Service{
		store:     s,
		remote:    remote,
		jwtSecret: jwtSecret,
		accessTTL: accessTTL,
	}
}

// Login authenticates and returns the local user plus a session token.
func (s *Service) Login(ctx context.Context, email, password string) (store.User, string, error) {
	if email == "" || password == "" {
		return store.User{}, "", ErrBadCredentials
	}

	user, err := s.loginRemote(ctx, email, password)
	if errors.Is(err, ErrRemoteUnavailable) {
		user, err = s.loginLocal(ctx, email, password)
	}
	if err != nil {
		return store.User{}, "", err
	}

	token, err := IssueSession(s.jwtSecret, user.ID, user.DisplayName, s.accessTTL)
	if err != nil {
		return store.User{}, "", err
	}
	return user, token, nil
}

func (s *Service) loginRemote(ctx context.Context, email, password string) (store.User, error) {
	remoteUser, err := s.remote.Authenticate(ctx, email, password)
	if err != nil {
		return store.User{}, err
	}
	user, err := s.store.UpsertUser(ctx, remoteUser.ID, remoteUser.Email, remoteUser.DisplayName)
	if err != nil {
		return store.User{}, err
	}

	// remember the password locally so logins survive a remote outage
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err == nil {
		if err := s.store.SetPasswordHash(ctx, user.ID, string(hash)); err != nil {
			return store.User{}, err
		}
	}
	return user, nil
}

func (s *Service) loginLocal(ctx context.Context, email, password string) (store.User, error) {
	userID, hash, err := s.store.GetPasswordHash(ctx, email)
	if errors.Is(err, store.ErrUserNotFound) {
		return store.User{}, ErrBadCredentials
	}
	if err != nil {
		return store.User{}, err
	}
	if hash == "" {
		return store.User{}, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return store.User{}, ErrBadCredentials
	}
	return s.store.GetUserByID(ctx, userID)
}

// Verify resolves a session token to its user.
func (s *Service) Verify(ctx context.Context, token string) (store.User, error) {
	userID, _, err := ParseSession(s.jwtSecret, token)
	if err != nil {
		return store.User{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return store.User{}, fmt.Errorf("load session user: %w", err)
	}
	return user, nil
}

// SearchUsers proxies the remote user directory.
func (s *Service) SearchUsers(ctx context.Context, term string) ([]RemoteUser, error) {
	return s.remote.SearchUsers(ctx, term)
}
