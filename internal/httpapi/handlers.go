package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Mohan-38/docgrant/internal/audit"
	"github.com/Mohan-38/docgrant/internal/blob"
	"github.com/Mohan-38/docgrant/internal/grant"
	"github.com/Mohan-38/docgrant/internal/obs"
	"github.com/Mohan-38/docgrant/internal/stream"
)

const (
	defaultRateBurst  = 20
	defaultRatePerSec = 10
)

// ReadyProbe gates readiness on the record store. A nil DB (memory-backed
// runs) is always ready.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps carries the wired collaborators for the HTTP layer.
type Deps struct {
	Engine   *grant.Engine
	Issuer   *grant.Issuer
	Store    grant.Store
	Audit    audit.Store
	Sweeper  *grant.Sweeper
	Signer   blob.Signer
	Stream   *stream.Stream
	Sessions *Sessions
	AdminKey string
	URLTTL   time.Duration

	RateBurst  int
	RatePerSec int
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	engine   *grant.Engine
	issuer   *grant.Issuer
	store    grant.Store
	auditor  audit.Store
	sweeper  *grant.Sweeper
	signer   blob.Signer
	stream   *stream.Stream
	sessions *Sessions
	adminKey string
	urlTTL   time.Duration

	rateBurst  int
	ratePerSec int
}

func New(rp ReadyProbe, version string, deps Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		engine:     deps.Engine,
		issuer:     deps.Issuer,
		store:      deps.Store,
		auditor:    deps.Audit,
		sweeper:    deps.Sweeper,
		signer:     deps.Signer,
		stream:     deps.Stream,
		sessions:   deps.Sessions,
		adminKey:   deps.AdminKey,
		urlTTL:     deps.URLTTL,
		rateBurst:  deps.RateBurst,
		ratePerSec: deps.RatePerSec,
	}
	if a.urlTTL <= 0 {
		a.urlTTL = blob.DefaultURLTTL
	}
	if a.rateBurst <= 0 {
		a.rateBurst = defaultRateBurst
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = defaultRatePerSec
	}

	// health/ready/version
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/version", a.Version)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// token-facing access surface
	a.mux.HandleFunc("/v1/access/", a.handleAccess)

	// admin surface
	a.mux.HandleFunc("/v1/grants", a.requireAdmin(a.handleGrantsCollection))
	a.mux.HandleFunc("/v1/grants/", a.requireAdmin(a.handleGrantResource))
	a.mux.HandleFunc("/v1/orders/", a.requireAdmin(a.handleOrderResource))
	a.mux.HandleFunc("/v1/admin/sweep", a.requireAdmin(a.handleSweep))
	a.mux.HandleFunc("/v1/admin/stream", a.requireAdmin(a.handleStream))

	// root and everything unregistered: JSON 404
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler assembles the middleware chain. Rate limiting covers the public
// token-facing routes only; admin and ops stay unthrottled.
func (a *API) Handler() http.Handler {
	limited := RateLimit(a.mux, a.rateBurst, a.ratePerSec)
	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v1/access/") {
			limited.ServeHTTP(w, r)
			return
		}
		a.mux.ServeHTTP(w, r)
	})

	var h http.Handler = root
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "docgrant-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "docgrant-api",
		"version": a.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, fmt.Errorf("limit must be between %d and %d", min, max)
	}
	return val, nil
}

// handleGrantError maps domain errors onto HTTP codes. Deny decisions never
// come through here; they are values, not errors.
func handleGrantError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, grant.ErrInvalidStrategy),
		errors.Is(err, grant.ErrInvalidIdentity),
		errors.Is(err, grant.ErrNoDocuments),
		errors.Is(err, grant.ErrPasswordTooShort):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, grant.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, grant.ErrTokenCollision),
		errors.Is(err, grant.ErrWrongStrategy):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, grant.ErrDependency):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
