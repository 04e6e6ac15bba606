package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Mohan-38/docgrant/internal/grant"
	"github.com/Mohan-38/docgrant/internal/obs"
)

// decisionPayload is a Decision plus transport extras. Field promotion keeps
// the wire shape flat.
type decisionPayload struct {
	grant.Decision
	RequestID string         `json:"request_id,omitempty"`
	Session   string         `json:"session,omitempty"`
	Downloads []downloadLink `json:"downloads,omitempty"`
}

type downloadLink struct {
	DocumentID string    `json:"document_id"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type downloadRequest struct {
	Identity   string `json:"identity"`
	DocumentID string `json:"document_id,omitempty"`
}

type identityRequest struct {
	Identity string `json:"identity"`
}

type codeRequest struct {
	Identity          string `json:"identity"`
	Code              string `json:"code"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

type loginRequest struct {
	Password string `json:"password"`
}

type passwordChangeRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// handleAccess routes /v1/access/... by shape. Two families share the prefix:
// strategy-prefixed verification routes and the bare-token download route.
func (a *API) handleAccess(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/access/")
	seg := strings.Split(rest, "/")
	switch {
	case len(seg) == 2 && grant.Strategy(seg[0]).Valid():
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.resolveAccess(w, r, grant.Strategy(seg[0]), seg[1])
	case len(seg) == 3 && seg[0] == "mfa" && seg[2] == "identity":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.beginMFA(w, r, seg[1])
	case len(seg) == 3 && seg[0] == "mfa" && seg[2] == "code":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.completeMFA(w, r, seg[1])
	case len(seg) == 3 && seg[0] == "portal" && seg[2] == "login":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.portalLogin(w, r, seg[1])
	case len(seg) == 3 && seg[0] == "portal" && seg[2] == "password":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.portalPassword(w, r, seg[1])
	case len(seg) == 2 && seg[1] == "download":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.download(w, r, seg[0])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) resolveAccess(w http.ResponseWriter, r *http.Request, s grant.Strategy, token string) {
	identity := r.URL.Query().Get("identity")
	d, err := a.engine.Resolve(r.Context(), token, identity, hintsFrom(r))
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	if d.Allowed && d.Strategy != s {
		// The link names one strategy; a token from another variant must not
		// resolve under it.
		d = grant.Decision{Allowed: false, Reason: grant.ReasonInvalidToken}
	}
	a.writeDecision(w, r, d, nil)
}

func (a *API) download(w http.ResponseWriter, r *http.Request, token string) {
	var req downloadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var (
		d   grant.Decision
		err error
	)
	if req.DocumentID != "" {
		d, err = a.engine.VerifyDocument(r.Context(), token, req.Identity, req.DocumentID, hintsFrom(r))
	} else {
		d, err = a.engine.Verify(r.Context(), token, req.Identity, hintsFrom(r))
	}
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	a.writeDecision(w, r, d, func(p *decisionPayload) {
		p.Downloads = a.signDocuments(r.Context(), d.Documents)
	})
}

func (a *API) beginMFA(w http.ResponseWriter, r *http.Request, token string) {
	var req identityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := a.engine.BeginMFA(r.Context(), token, req.Identity, hintsFrom(r))
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	a.writeDecision(w, r, d, nil)
}

func (a *API) completeMFA(w http.ResponseWriter, r *http.Request, token string) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := a.engine.CompleteMFA(r.Context(), token, req.Identity, req.Code, req.DeviceFingerprint, hintsFrom(r))
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	a.writeDecision(w, r, d, nil)
}

func (a *API) portalLogin(w http.ResponseWriter, r *http.Request, token string) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := a.engine.PortalLogin(r.Context(), token, req.Password, hintsFrom(r))
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	a.writeDecision(w, r, d, func(p *decisionPayload) {
		p.Downloads = a.signDocuments(r.Context(), d.Documents)
		if a.sessions == nil {
			return
		}
		session, err := a.sessions.Issue(d.GrantID, token)
		if err != nil {
			obs.Error("session_issue_failed", map[string]any{"grant_id": d.GrantID, "error": err.Error()})
			return
		}
		p.Session = session
	})
}

func (a *API) portalPassword(w http.ResponseWriter, r *http.Request, token string) {
	var req passwordChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// A session JWT, when presented, must belong to this grant's token. The
	// engine re-checks the current password either way.
	if raw, err := extractBearerToken(r.Header.Get(authHeader)); err == nil && a.sessions != nil {
		if _, err := a.sessions.VerifyFor(raw, token); err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid session")
			return
		}
	}

	d, err := a.engine.ChangePortalPassword(r.Context(), token, req.CurrentPassword, req.NewPassword, hintsFrom(r))
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	a.writeDecision(w, r, d, nil)
}

// writeDecision maps the decision onto a status code, counts it, and attaches
// transport extras on ALLOW.
func (a *API) writeDecision(w http.ResponseWriter, r *http.Request, d grant.Decision, extra func(*decisionPayload)) {
	obs.DecisionMade(strategyLabel(d.Strategy), string(d.Reason))
	p := decisionPayload{
		Decision:  d,
		RequestID: RequestIDFromContext(r.Context()),
	}
	if d.Allowed && extra != nil {
		extra(&p)
	}
	writeJSON(w, decisionStatus(d), p)
}

func decisionStatus(d grant.Decision) int {
	if d.Allowed {
		return http.StatusOK
	}
	switch d.Reason {
	case grant.ReasonInvalidToken:
		return http.StatusNotFound
	case grant.ReasonExpired:
		return http.StatusGone
	case grant.ReasonQuotaExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusForbidden
	}
}

func strategyLabel(s grant.Strategy) string {
	if s == "" {
		return "unknown"
	}
	return string(s)
}

// signDocuments exchanges line items for time-boxed download links. A signer
// failure drops the link but never turns an ALLOW into an error.
func (a *API) signDocuments(ctx context.Context, docs []grant.Document) []downloadLink {
	if a.signer == nil || len(docs) == 0 {
		return nil
	}
	expiresAt := time.Now().UTC().Add(a.urlTTL)
	links := make([]downloadLink, 0, len(docs))
	for _, d := range docs {
		u, err := a.signer.SignedURL(ctx, d, a.urlTTL)
		if err != nil {
			obs.Error("sign_url_failed", map[string]any{
				"document_id": d.ID,
				"error":       err.Error(),
			})
			continue
		}
		links = append(links, downloadLink{
			DocumentID: d.ID,
			Name:       d.Name,
			URL:        u,
			ExpiresAt:  expiresAt,
		})
	}
	return links
}

func hintsFrom(r *http.Request) grant.Hints {
	return grant.Hints{
		IP:                clientIP(r),
		UserAgent:         r.Header.Get("User-Agent"),
		DeviceFingerprint: r.Header.Get("X-Device-Fingerprint"),
	}
}
