package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

// End-to-end probe against a running API: issue a grant, resolve it twice,
// revoke it, and confirm the token dies. Exits non-zero on any mismatch, so
// it slots into deploy pipelines as a post-rollout gate.

type issued struct {
	GrantID string `json:"grant_id"`
	Token   string `json:"token"`
}

type decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func main() {
	log.SetFlags(0)
	var (
		base     = flag.String("base", envOr("SMOKE_BASE_URL", "http://localhost:8080"), "API base URL")
		adminKey = flag.String("admin-key", os.Getenv("ADMIN_API_KEY"), "Admin API key")
	)
	flag.Parse()

	if *adminKey == "" {
		log.Fatal("missing admin key: provide via -admin-key or ADMIN_API_KEY")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	recipient := "smoke@example.com"
	orderRef := fmt.Sprintf("SMOKE-%d", time.Now().Unix())

	issueBody := map[string]any{
		"strategy":  "qr",
		"recipient": recipient,
		"order_ref": orderRef,
		"documents": []map[string]string{
			{"source_id": "smoke-doc", "name": "smoke.pdf", "path": "smoke/smoke.pdf"},
		},
	}
	var grant issued
	status := call(client, http.MethodPost, *base+"/v1/grants", *adminKey, issueBody, &grant)
	if status != http.StatusCreated {
		log.Fatalf("issue grant: status %d", status)
	}
	if grant.GrantID == "" || grant.Token == "" {
		log.Fatalf("issue grant: incomplete descriptor %+v", grant)
	}

	resolveURL := fmt.Sprintf("%s/v1/access/qr/%s?identity=%s", *base, grant.Token, recipient)

	var d decision
	if status := call(client, http.MethodGet, resolveURL, "", nil, &d); status != http.StatusOK || !d.Allowed {
		log.Fatalf("first resolve: status %d, decision %+v", status, d)
	}
	// A scanned code stays resolvable.
	if status := call(client, http.MethodGet, resolveURL, "", nil, &d); status != http.StatusOK || !d.Allowed {
		log.Fatalf("second resolve: status %d, decision %+v", status, d)
	}

	var revoked struct {
		Revoked bool `json:"revoked"`
	}
	if status := call(client, http.MethodPost, *base+"/v1/grants/"+grant.GrantID+"/revoke", *adminKey, nil, &revoked); status != http.StatusOK || !revoked.Revoked {
		log.Fatalf("revoke: status %d, revoked=%v", status, revoked.Revoked)
	}

	if status := call(client, http.MethodGet, resolveURL, "", nil, &d); status != http.StatusNotFound || d.Allowed || d.Reason != "invalid_token" {
		log.Fatalf("post-revoke resolve: status %d, decision %+v", status, d)
	}

	fmt.Printf("smoke test passed: grant=%s order=%s\n", grant.GrantID, orderRef)
}

func call(client *http.Client, method, url, adminKey string, body, out any) int {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			log.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if adminKey != "" {
		req.Header.Set("X-Admin-Key", adminKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		log.Fatalf("read response: %v", err)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			log.Fatalf("decode response %s: %v", string(raw), err)
		}
	}
	return resp.StatusCode
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
