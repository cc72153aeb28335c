package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// tokenPayload is the expected JSON shape stored in SSM for API tokens.
type tokenPayload struct {
	Token string `json:"token"`
}

// DecodeToken extracts the token from a {"token": "..."} parameter value.
func DecodeToken(raw string) (string, error) {
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal token value as JSON: %w", err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", errors.New("paramstore: API token is empty")
	}
	return tp.Token, nil
}

// CachedToken loads an API token from SSM on first use and reuses it for the
// lifetime of the process. Failed loads are not cached.
type CachedToken struct {
	getter Getter
	name   string

	mu    sync.Mutex
	token string
}

// NewCachedToken creates a CachedToken reading parameter name.
func NewCachedToken(getter Getter, name string) (*CachedToken, error) {
	if getter == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "/" {
		return nil, errors.New("paramstore: token parameter name is empty")
	}
	return &CachedToken{getter: getter, name: name}, nil
}

// Name returns the parameter the token is read from.
func (t *CachedToken) Name() string { return t.name }

// Token returns the cached token, fetching it on the first call.
func (t *CachedToken) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != "" {
		return t.token, nil
	}
	raw, err := t.getter.GetParameter(ctx, t.name)
	if err != nil {
		return "", fmt.Errorf("paramstore: fetch token: %w", err)
	}
	token, err := DecodeToken(raw)
	if err != nil {
		return "", err
	}
	t.token = token
	return token, nil
}

// StaticToken is a token supplied directly, e.g. from the environment.
type StaticToken string

// Token returns the token or an error when it is empty.
func (s StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", errors.New("paramstore: API token is empty")
	}
	return string(s), nil
}
