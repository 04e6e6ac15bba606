package attest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Mohan-38/docgrant/internal/grant"
)

// Client records deliveries with an external attestation service over HTTP.
// It satisfies grant.Attestor, so issuance swaps it in for the synthetic
// default when an endpoint is configured.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

var _ grant.Attestor = (*Client)(nil)

// Option configures Client.
type Option func(*Client)

// WithHTTPClient overrides the transport. Used by tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpc = h
		}
	}
}

// NewClient points at the attestation service base URL. The API key may be
// empty for deployments that gate the service by network policy instead.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type attestRequest struct {
	OrderRef       string   `json:"order_ref"`
	DocumentHashes []string `json:"document_hashes"`
}

type attestResponse struct {
	TxID            string `json:"tx_id"`
	ProofOfDelivery string `json:"proof_of_delivery"`
}

// Attest asks the service to record the delivery and returns its transaction
// id and proof string. Failures wrap grant.ErrDependency so callers surface
// them as a dependency outage rather than a bad request.
func (c *Client) Attest(ctx context.Context, orderRef string, hashes []string) (string, string, error) {
	body, err := json.Marshal(attestRequest{OrderRef: orderRef, DocumentHashes: hashes})
	if err != nil {
		return "", "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/attestations", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: attestation request: %v", grant.ErrDependency, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", "", fmt.Errorf("%w: attestation service returned %d: %s",
			grant.ErrDependency, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out attestResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("%w: decode attestation response: %v", grant.ErrDependency, err)
	}
	if out.TxID == "" || out.ProofOfDelivery == "" {
		return "", "", fmt.Errorf("%w: attestation response missing tx id or proof", grant.ErrDependency)
	}
	return out.TxID, out.ProofOfDelivery, nil
}

// Ping probes the service health endpoint. Wiring calls it once at startup
// so a bad URL fails fast instead of on the first issuance.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("attestation service unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return errors.New("attestation service unhealthy")
	}
	return nil
}
