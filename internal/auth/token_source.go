package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const refreshSkew = 30 * time.Second

var errMissingTokenEndpoint = errors.New("token endpoint is required")

// RemoteTokenSource obtains and caches bearer tokens from the sync API's
// token endpoint, refreshing when asked or when the cached token is about
// to expire. It satisfies the engine's auth collaborator contract.
type RemoteTokenSource struct {
	endpoint   string
	ownerID    string
	deviceID   string
	httpClient *http.Client
	clock      func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// RemoteTokenSourceConfig configures a RemoteTokenSource.
type RemoteTokenSourceConfig struct {
	BaseURL    string
	OwnerID    string
	DeviceID   string
	HTTPClient *http.Client
	Clock      func() time.Time
}

// NewRemoteTokenSource constructs a RemoteTokenSource.
func NewRemoteTokenSource(cfg RemoteTokenSourceConfig) (*RemoteTokenSource, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingTokenEndpoint
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &RemoteTokenSource{
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/v1/auth/token",
		ownerID:    cfg.OwnerID,
		deviceID:   cfg.DeviceID,
		httpClient: httpClient,
		clock:      clock,
	}, nil
}

type tokenRequestBody struct {
	OwnerID  string `json:"owner_id"`
	DeviceID string `json:"device_id"`
}

type tokenResponseBody struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// Token returns the cached token, fetching a fresh one when the cache is
// empty or near expiry.
func (s *RemoteTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	cached := s.token
	valid := cached != "" && s.clock().Before(s.expiresAt.Add(-refreshSkew))
	s.mu.Unlock()

	if valid {
		return cached, nil
	}
	return s.Refresh(ctx)
}

// Refresh discards the cached token and obtains a new one.
func (s *RemoteTokenSource) Refresh(ctx context.Context) (string, error) {
	payload, err := json.Marshal(tokenRequestBody{OwnerID: s.ownerID, DeviceID: s.deviceID})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token refresh: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("token refresh: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token refresh: unexpected status %d", resp.StatusCode)
	}

	var decoded tokenResponseBody
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("token refresh: %w", err)
	}
	if decoded.Token == "" {
		return "", errors.New("token refresh: empty token in response")
	}

	s.mu.Lock()
	s.token = decoded.Token
	s.expiresAt = s.clock().Add(time.Duration(decoded.ExpiresIn) * time.Second)
	s.mu.Unlock()

	return decoded.Token, nil
}
