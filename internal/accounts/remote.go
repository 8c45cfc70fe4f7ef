// Package accounts authenticates users against the remote accounts API and
// manages local session tokens.
package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

var (
	// ErrBadCredentials is returned when the remote rejects the login.
	ErrBadCredentials = errors.New("bad credentials")
	// ErrRemoteUnavailable is returned when the remote cannot be reached.
	ErrRemoteUnavailable = errors.New("accounts service unavailable")
)

// RemoteUser is the identity the accounts API reports.
type RemoteUser struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// RemoteClient talks to the external accounts service.
type RemoteClient struct {
	baseURL string
	http    *http.Client
}

func NewRemoteClient(baseURL string, timeout time.Duration) *RemoteClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Configured reports whether a remote accounts service is set up.
func (c *RemoteClient) Configured() bool {
	return c.baseURL != ""
}

// Authenticate checks credentials against the remote service.
func (c *RemoteClient) Authenticate(ctx context.Context, email, password string) (RemoteUser, error) {
	if !c.Configured() {
		return RemoteUser{}, ErrRemoteUnavailable
	}

	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return RemoteUser{}, fmt.Errorf("marshal login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/login", bytes.NewReader(body))
	if err != nil {
		return RemoteUser{}, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return RemoteUser{}, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return RemoteUser{}, ErrBadCredentials
	default:
		return RemoteUser{}, fmt.Errorf("%w: status %d", ErrRemoteUnavailable, resp.StatusCode)
	}

	var user RemoteUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return RemoteUser{}, fmt.Errorf("decode login response: %w", err)
	}
	if user.ID == 0 {
		return RemoteUser{}, fmt.Errorf("remote returned no user id")
	}
	return user, nil
}

// SearchUsers queries the remote user directory, used when assigning
// members to a questionnaire.
func (c *RemoteClient) SearchUsers(ctx context.Context, term string) ([]RemoteUser, error) {
	if !c.Configured() {
		return nil, ErrRemoteUnavailable
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/users?q="+url.QueryEscape(term), nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrRemoteUnavailable, resp.StatusCode)
	}

	var users []RemoteUser
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return users, nil
}
