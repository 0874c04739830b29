package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ascentlog/ascent-sync/internal/auth"
	"github.com/ascentlog/ascent-sync/internal/record"
	"github.com/ascentlog/ascent-sync/internal/remote"
	"github.com/gin-gonic/gin"
)

func newTestServer(t *testing.T) (*httptest.Server, *auth.TokenIssuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "ascent-remote",
		Audience:      "ascent-sync",
	})
	handler, err := NewHTTPHandler(Dependencies{Tokens: issuer})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, issuer
}

func issueTestToken(t *testing.T, server *httptest.Server, ownerID string) string {
	t.Helper()
	payload := fmt.Sprintf(`{"owner_id":%q,"device_id":"device-1"}`, ownerID)
	resp, err := http.Post(server.URL+"/v1/auth/token", "application/json", bytes.NewBufferString(payload))
	if err != nil {
		t.Fatalf("token request failed: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from token endpoint, got %d", resp.StatusCode)
	}
	var decoded struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("token decode failed: %v", err)
	}
	return decoded.Token
}

func doAuthorized(t *testing.T, method, targetURL, token string, body []byte) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, targetURL, reader)
	if err != nil {
		t.Fatalf("request build failed: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func TestTokenEndpointRejectsMissingOwner(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Post(server.URL+"/v1/auth/token", "application/json", bytes.NewBufferString(`{"device_id":"d"}`))
	if err != nil {
		t.Fatalf("token request failed: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doAuthorized(t, http.MethodGet, server.URL+"/v1/sync/session", "", nil)
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp = doAuthorized(t, http.MethodGet, server.URL+"/v1/sync/session", "not-a-jwt", nil)
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage token, got %d", resp.StatusCode)
	}
}

func TestUpsertRoundTrip(t *testing.T) {
	server, _ := newTestServer(t)
	token := issueTestToken(t, server, "owner-1")

	body, _ := json.Marshal(map[string]any{
		"records": []record.Snapshot{
			{
				ID:               "session-1",
				EntityType:       record.EntityTypeSession.String(),
				PayloadJSON:      `{"location":"gym"}`,
				CreatedAtSeconds: 100,
				UpdatedAtSeconds: 100,
			},
		},
	})
	resp := doAuthorized(t, http.MethodPost, server.URL+"/v1/sync/session", token, body)
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var decoded struct {
		Results []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("response decode failed: %v", err)
	}
	if len(decoded.Results) != 1 || decoded.Results[0].Status != "ok" {
		t.Fatalf("expected single ok result, got %+v", decoded.Results)
	}

	fetchResp := doAuthorized(t, http.MethodGet, server.URL+"/v1/sync/session?since=0", token, nil)
	defer fetchResp.Body.Close() //nolint:errcheck
	var fetched struct {
		Records []record.Snapshot `json:"records"`
		HasMore bool              `json:"has_more"`
	}
	if err := json.NewDecoder(fetchResp.Body).Decode(&fetched); err != nil {
		t.Fatalf("fetch decode failed: %v", err)
	}
	if len(fetched.Records) != 1 || fetched.Records[0].ID != "session-1" {
		t.Fatalf("expected pushed record back, got %+v", fetched.Records)
	}
	if fetched.Records[0].OwnerID != "owner-1" {
		t.Fatalf("expected owner stamped from token, got %q", fetched.Records[0].OwnerID)
	}
}

func TestUpsertFlagsEntityTypeMismatch(t *testing.T) {
	server, _ := newTestServer(t)
	token := issueTestToken(t, server, "owner-1")

	body, _ := json.Marshal(map[string]any{
		"records": []record.Snapshot{
			{
				ID:               "climb-1",
				EntityType:       record.EntityTypeClimb.String(),
				PayloadJSON:      `{}`,
				UpdatedAtSeconds: 100,
			},
		},
	})
	resp := doAuthorized(t, http.MethodPost, server.URL+"/v1/sync/session", token, body)
	defer resp.Body.Close() //nolint:errcheck

	var decoded struct {
		Results []struct {
			Status string `json:"status"`
			Code   string `json:"code"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("response decode failed: %v", err)
	}
	if len(decoded.Results) != 1 || decoded.Results[0].Code != remote.CodeInvalidPayload {
		t.Fatalf("expected invalid_payload for mismatched entity, got %+v", decoded.Results)
	}
}

func TestUnknownEntityPathRejected(t *testing.T) {
	server, _ := newTestServer(t)
	token := issueTestToken(t, server, "owner-1")

	resp := doAuthorized(t, http.MethodGet, server.URL+"/v1/sync/boulder", token, nil)
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown entity, got %d", resp.StatusCode)
	}
}

func TestFetchSinceValidatesQuery(t *testing.T) {
	server, _ := newTestServer(t)
	token := issueTestToken(t, server, "owner-1")

	for _, query := range []string{"since=-1", "page=-2", "page_size=0", "page_size=100000"} {
		resp := doAuthorized(t, http.MethodGet, server.URL+"/v1/sync/session?"+query, token, nil)
		resp.Body.Close() //nolint:errcheck
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", query, resp.StatusCode)
		}
	}
}

func TestRefreshEndpointIssuesNewToken(t *testing.T) {
	server, issuer := newTestServer(t)
	token := issueTestToken(t, server, "owner-1")

	resp := doAuthorized(t, http.MethodPost, server.URL+"/v1/auth/refresh", token, nil)
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from refresh, got %d", resp.StatusCode)
	}

	var decoded struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("refresh decode failed: %v", err)
	}
	subject, err := issuer.ValidateToken(decoded.Token)
	if err != nil || subject != "owner-1" {
		t.Fatalf("refreshed token invalid: subject=%q err=%v", subject, err)
	}
}
