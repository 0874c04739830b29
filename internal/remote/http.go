package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ascentlog/ascent-sync/internal/record"
	"go.uber.org/zap"
)

const defaultHTTPTimeout = 30 * time.Second

var (
	errMissingBaseURL     = errors.New("remote base url is required")
	errMissingTokenSource = errors.New("token source is required")
)

// HTTPClientConfig configures the HTTP remote client.
type HTTPClientConfig struct {
	BaseURL     string
	TokenSource TokenSource
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// HTTPClient implements Client over the reference wire protocol.
type HTTPClient struct {
	baseURL     string
	tokenSource TokenSource
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewHTTPClient constructs an HTTPClient.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	if cfg.TokenSource == nil {
		return nil, errMissingTokenSource
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		tokenSource: cfg.TokenSource,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

type upsertRequestBody struct {
	Records []record.Snapshot `json:"records"`
}

type upsertResultBody struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type upsertResponseBody struct {
	Results []upsertResultBody `json:"results"`
}

type fetchResponseBody struct {
	Records []record.Snapshot `json:"records"`
	HasMore bool              `json:"has_more"`
}

// Upsert implements Client.
func (c *HTTPClient) Upsert(ctx context.Context, entityType record.EntityType, snapshots []record.Snapshot) ([]UpsertResult, error) {
	if len(snapshots) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(upsertRequestBody{Records: snapshots})
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Err: err}
	}

	endpoint := fmt.Sprintf("%s/v1/sync/%s", c.baseURL, entityType.String())
	body, err := c.post(ctx, endpoint, payload)
	if err != nil {
		return nil, err
	}

	var decoded upsertResponseBody
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &Error{Kind: KindTransient, Err: fmt.Errorf("malformed upsert response: %w", err)}
	}

	results := make([]UpsertResult, 0, len(decoded.Results))
	for _, item := range decoded.Results {
		result := UpsertResult{ID: item.ID}
		if item.Status != "ok" {
			result.Err = &Error{
				Kind: ClassifyItemCode(item.Code),
				Code: item.Code,
				Err:  errors.New(item.Message),
			}
		}
		results = append(results, result)
	}
	return results, nil
}

// FetchSince implements Client.
func (c *HTTPClient) FetchSince(ctx context.Context, entityType record.EntityType, sinceSeconds int64, page Page) ([]record.Snapshot, bool, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(sinceSeconds, 10))
	query.Set("page", strconv.Itoa(page.Number))
	query.Set("page_size", strconv.Itoa(page.Size))
	endpoint := fmt.Sprintf("%s/v1/sync/%s?%s", c.baseURL, entityType.String(), query.Encode())

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, false, err
	}

	var decoded fetchResponseBody
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, false, &Error{Kind: KindTransient, Err: fmt.Errorf("malformed fetch response: %w", err)}
	}
	return decoded.Records, decoded.HasMore, nil
}

func (c *HTTPClient) post(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, endpoint, payload)
}

func (c *HTTPClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, endpoint, nil)
}

// do executes a request with a bearer token. A 401 triggers exactly one
// token refresh and replay; a second 401 surfaces as auth-expired so the
// retry queue backs off normally.
func (c *HTTPClient) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	token, err := c.tokenSource.Token(ctx)
	if err != nil {
		return nil, &Error{Kind: KindAuthExpired, Err: err}
	}

	body, status, err := c.roundTrip(ctx, method, endpoint, payload, token)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		c.logger.Debug("token rejected, refreshing", zap.String("endpoint", endpoint))
		refreshed, refreshErr := c.tokenSource.Refresh(ctx)
		if refreshErr != nil {
			return nil, &Error{Kind: KindAuthExpired, StatusCode: status, Err: refreshErr}
		}
		body, status, err = c.roundTrip(ctx, method, endpoint, payload, refreshed)
		if err != nil {
			return nil, err
		}
	}

	if status < 200 || status > 299 {
		return nil, &Error{
			Kind:       ClassifyStatus(status),
			StatusCode: status,
			Err:        fmt.Errorf("unexpected status %d: %s", status, truncate(body, 256)),
		}
	}
	return body, nil
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, endpoint string, payload []byte, token string) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, &Error{Kind: KindPermanent, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, ClassifyTransport(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, ClassifyTransport(err)
	}
	return body, resp.StatusCode, nil
}

func truncate(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit])
}
