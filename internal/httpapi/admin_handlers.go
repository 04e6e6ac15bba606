package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Mohan-38/docgrant/internal/audit"
	"github.com/Mohan-38/docgrant/internal/grant"
	"github.com/Mohan-38/docgrant/internal/obs"
)

type issueDocument struct {
	SourceID string `json:"source_id"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Category string `json:"category,omitempty"`
	Stage    string `json:"stage,omitempty"`
}

type issueOptions struct {
	ExpiresIn    string   `json:"expires_in,omitempty"` // Go duration string, e.g. "72h"
	MaxDownloads int      `json:"max_downloads,omitempty"`
	WindowStart  int      `json:"window_start,omitempty"`
	WindowEnd    int      `json:"window_end,omitempty"`
	StageDelay   string   `json:"stage_delay,omitempty"`
	AllowedIPs   []string `json:"allowed_ips,omitempty"`
}

type issueGrantRequest struct {
	OrderRef      string          `json:"order_ref"`
	Recipient     string          `json:"recipient"`
	RecipientName string          `json:"recipient_name,omitempty"`
	Strategy      string          `json:"strategy"`
	Documents     []issueDocument `json:"documents"`
	Options       *issueOptions   `json:"options,omitempty"`
}

func (req issueGrantRequest) toIssueRequest() (grant.IssueRequest, error) {
	out := grant.IssueRequest{
		OrderRef:      strings.TrimSpace(req.OrderRef),
		Recipient:     req.Recipient,
		RecipientName: strings.TrimSpace(req.RecipientName),
		Strategy:      grant.Strategy(strings.ToLower(strings.TrimSpace(req.Strategy))),
	}
	for _, d := range req.Documents {
		out.Documents = append(out.Documents, grant.Document{
			SourceID: d.SourceID,
			Name:     d.Name,
			Path:     d.Path,
			Category: d.Category,
			Stage:    d.Stage,
		})
	}
	o := req.Options
	if o == nil {
		return out, nil
	}
	opts := grant.Options{
		MaxDownloads: o.MaxDownloads,
		WindowStart:  o.WindowStart,
		WindowEnd:    o.WindowEnd,
		AllowedIPs:   o.AllowedIPs,
	}
	if o.ExpiresIn != "" {
		d, err := time.ParseDuration(o.ExpiresIn)
		if err != nil {
			return grant.IssueRequest{}, fmt.Errorf("options.expires_in: %w", err)
		}
		opts.ExpiresIn = d
	}
	if o.StageDelay != "" {
		d, err := time.ParseDuration(o.StageDelay)
		if err != nil {
			return grant.IssueRequest{}, fmt.Errorf("options.stage_delay: %w", err)
		}
		opts.StageDelay = d
	}
	out.Options = opts
	return out, nil
}

func (a *API) handleGrantsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req issueGrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	issueReq, err := req.toIssueRequest()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	desc, err := a.issuer.Issue(r.Context(), issueReq)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	obs.GrantIssued(string(desc.Strategy))
	w.Header().Set("Location", "/v1/grants/"+desc.GrantID)
	writeJSON(w, http.StatusCreated, desc)
}

func (a *API) handleGrantResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/grants/")
	seg := strings.Split(rest, "/")
	switch {
	case len(seg) == 1 && seg[0] != "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getGrant(w, r, seg[0])
	case len(seg) == 2 && seg[1] == "revoke":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.revokeGrant(w, r, seg[0])
	case len(seg) == 2 && seg[1] == "audit":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listGrantAudit(w, r, seg[0])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// grantResponse attaches the line items to the grant view. Codes and password
// hashes never marshal; their fields are excluded at the type level.
type grantResponse struct {
	*grant.Grant
	Documents []grant.Document `json:"documents,omitempty"`
}

func (a *API) getGrant(w http.ResponseWriter, r *http.Request, id string) {
	g, err := a.store.ByID(r.Context(), id)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	docs, err := a.store.Documents(r.Context(), id)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grantResponse{Grant: g, Documents: docs})
}

func (a *API) revokeGrant(w http.ResponseWriter, r *http.Request, id string) {
	flipped, err := a.engine.Revoke(r.Context(), id)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"grant_id": id,
		"active":   false,
		"revoked":  flipped,
	})
}

func (a *API) listGrantAudit(w http.ResponseWriter, r *http.Request, id string) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), audit.DefaultListLimit, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.auditor.ListByGrant(r.Context(), id, limit)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"grant_id": id,
		"items":    items,
		"as_of":    time.Now().UTC(),
	})
}

func (a *API) handleOrderResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/orders/")
	seg := strings.Split(rest, "/")
	switch {
	case len(seg) == 2 && seg[1] == "grants" && seg[0] != "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listOrderGrants(w, r, seg[0])
	case len(seg) == 1 && seg[0] != "":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		a.deleteOrder(w, r, seg[0])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) listOrderGrants(w http.ResponseWriter, r *http.Request, ref string) {
	grants, err := a.store.ByOrder(r.Context(), ref)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	if grants == nil {
		grants = []*grant.Grant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_ref": ref,
		"items":     grants,
	})
}

// deleteOrder removes the order's grants with their line items and schedules.
// The audit trail survives on purpose.
func (a *API) deleteOrder(w http.ResponseWriter, r *http.Request, ref string) {
	n, err := a.store.DeleteByOrder(r.Context(), ref)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_ref": ref,
		"deleted":   n,
	})
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	res, err := a.sweeper.Sweep(r.Context())
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	obs.SweepFlips("expired", res.Expired)
	obs.SweepFlips("unlocked", res.Unlocked)
	writeJSON(w, http.StatusOK, res)
}

// handleStream serves the live attempt feed over SSE.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// The stream outlives the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()
		case attempt, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(attempt)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: verify_attempt\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
