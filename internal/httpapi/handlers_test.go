package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/Mohan-38/docgrant/internal/audit"
	"github.com/Mohan-38/docgrant/internal/blob"
	"github.com/Mohan-38/docgrant/internal/grant"
	"github.com/Mohan-38/docgrant/internal/stream"
)

const (
	testAdminKey    = "test-admin-key"
	testJWTSecret   = "test-jwt-secret"
	testRecipient   = "buyer@example.com"
	testSignerBase  = "http://files.test"
	testPublicBase  = "http://docs.test"
	testOrderRef    = "ORD-100"
	testServiceName = "test"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T

	api      *API
	store    *grant.InMemory
	attempts *audit.Memory
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	store := grant.NewInMemory()
	attempts := audit.NewMemory()
	feed := stream.New()

	engine := grant.NewEngine(store,
		grant.WithAttemptSink(grant.Sinks(audit.NewRecorder(attempts), feed)),
	)
	issuer := grant.NewIssuer(store, grant.WithBaseURL(testPublicBase))

	api := New(ReadyProbe{}, testServiceName, Deps{
		Engine:   engine,
		Issuer:   issuer,
		Store:    store,
		Audit:    attempts,
		Sweeper:  grant.NewSweeper(store),
		Signer:   blob.NewStatic(testSignerBase),
		Stream:   feed,
		Sessions: NewSessions(testJWTSecret, time.Hour),
		AdminKey: testAdminKey,
	})
	api.rateBurst = 100
	api.ratePerSec = 100

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL:  srv.URL,
		client:   srv.Client(),
		t:        t,
		api:      api,
		store:    store,
		attempts: attempts,
	}
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Admin-Key": testAdminKey}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) delete(path string, headers map[string]string) *http.Response {
	c.t.Helper()
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("delete request: %v", err)
	}
	return resp
}

// issue creates one grant through the admin surface and returns its
// descriptor.
func (c *apiClient) issue(strategy, orderRef string, docs []map[string]any, opts map[string]any) grant.Descriptor {
	c.t.Helper()
	body := map[string]any{
		"order_ref":      orderRef,
		"recipient":      testRecipient,
		"recipient_name": "Buyer",
		"strategy":       strategy,
		"documents":      docs,
	}
	if opts != nil {
		body["options"] = opts
	}
	resp := c.post("/v1/grants", body, adminHeaders())
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.t.Fatalf("issue %s grant: status %d: %s", strategy, resp.StatusCode, raw)
	}
	return decode[grant.Descriptor](c.t, resp)
}

func testDocs() []map[string]any {
	return []map[string]any{
		{"source_id": "doc-1", "name": "report.pdf", "path": "orders/ORD-100/report.pdf"},
		{"source_id": "doc-2", "name": "sources.zip", "path": "orders/ORD-100/sources.zip"},
	}
}

// grantByToken reads the persisted grant directly. Test hook for secrets the
// API never serves, like MFA codes.
func (c *apiClient) grantByToken(token string) *grant.Grant {
	c.t.Helper()
	g, err := c.store.ByToken(context.Background(), token)
	if err != nil {
		c.t.Fatalf("load grant by token: %v", err)
	}
	return g
}

// notePayload returns the queued notification payload for one grant. The
// portal temporary password travels only this way.
func (c *apiClient) notePayload(grantID string) map[string]string {
	c.t.Helper()
	for _, n := range c.store.Notifications() {
		if n.GrantID == grantID {
			return n.Payload
		}
	}
	c.t.Fatalf("no notification queued for grant %s", grantID)
	return nil
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthVersionAndUnknownPath(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected healthz status: %d", resp.StatusCode)
	}
	health := decode[map[string]any](t, resp)
	if health["status"] != "ok" {
		t.Fatalf("unexpected health payload: %v", health)
	}

	resp = api.get("/readyz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected readyz status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/version", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected version status: %d", resp.StatusCode)
	}
	version := decode[map[string]any](t, resp)
	if version["version"] != testServiceName {
		t.Fatalf("unexpected version payload: %v", version)
	}

	resp = api.get("/nope", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", resp.StatusCode)
	}
	notFound := decode[map[string]any](t, resp)
	if notFound["error"] == "" {
		t.Fatalf("expected JSON error body on 404")
	}
}

func TestDecisionResponsesCarryRequestID(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/v1/access/mfa/no-such-token", url.Values{"identity": []string{testRecipient}}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown token, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected request id response header")
	}
	body := decode[map[string]any](t, resp)
	if body["allowed"] != false {
		t.Fatalf("expected allowed=false, got %v", body["allowed"])
	}
	if body["reason"] != "invalid_token" {
		t.Fatalf("unexpected reason: %v", body["reason"])
	}
	if body["request_id"] == "" {
		t.Fatalf("expected request_id in decision body")
	}
}
