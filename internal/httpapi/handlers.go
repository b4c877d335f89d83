package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"signet.org/internal/audit"
	"signet.org/internal/auth"
	"signet.org/internal/obs"
)

// ReadyProbe reports whether the backing store is reachable.
type ReadyProbe struct {
	Pinger interface {
		Ping(ctx context.Context) error
	}
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Pinger == nil {
		return nil
	}
	return rp.Pinger.Ping(ctx)
}

// Deps carries the wired core services into the HTTP layer.
type Deps struct {
	Service     *auth.Service
	Registry    *auth.Registry
	Catalog     *auth.Catalog
	Memberships *auth.Memberships
	Ready       ReadyProbe
	Version     string
}

// API is the HTTP adapter over the core services. It owns routing and the
// translation between error kinds and status codes; all decisions live below.
type API struct {
	mux        *http.ServeMux
	svc        *auth.Service
	reg        *auth.Registry
	cat        *auth.Catalog
	mem        *auth.Memberships
	readyProbe ReadyProbe
	version    string
}

func New(d Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        d.Service,
		reg:        d.Registry,
		cat:        d.Catalog,
		mem:        d.Memberships,
		readyProbe: d.Ready,
		version:    d.Version,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// authentication flows
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/forgot-password", a.handleForgotPassword)
	a.mux.HandleFunc("/v1/auth/reset-password", a.handleResetPassword)
	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/change-password", a.handleChangePassword)

	// admin surface
	a.mux.HandleFunc("/v1/applications", a.handleApplications)
	a.mux.HandleFunc("/v1/applications/", a.handleApplicationScoped)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleResource)
	a.mux.HandleFunc("/v1/permissions", a.handlePermissions)
	a.mux.HandleFunc("/v1/system-roles", a.handleSystemRoles)
	a.mux.HandleFunc("/v1/system-roles/", a.handleSystemRoleResource)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux. Metrics wrap the
// outside so rejected requests are counted too.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = RateLimit(h, rateBurst, ratePerSecond)
	h = MaxBodyBytes(h, maxRequestBody)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

const (
	maxRequestBody = 1 << 20
	rateBurst      = 50
	ratePerSecond  = 25
)

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "signet-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "signet-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
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
	reader := http.MaxBytesReader(w, r.Body, maxRequestBody)
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

// handleCoreError maps error kinds to status codes. Unwrapped errors never
// leak; they surface as a generic 500.
func handleCoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, auth.ErrInvalidOperation):
		writeError(w, r, http.StatusBadRequest, rejectionMessage(err))
	case errors.Is(err, auth.ErrUnauthenticated):
		// Flow failures (bad credentials, dead refresh tokens) read as a plain
		// rejected request, not a missing bearer token.
		writeError(w, r, http.StatusBadRequest, rejectionMessage(err))
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, rejectionMessage(err))
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, rejectionMessage(err))
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, rejectionMessage(err))
	default:
		writeError(w, r, http.StatusInternalServerError, "operation failed")
	}
}

// rejectionMessage strips the "kind: " prefix added by auth.Reject so clients
// see only the human-readable part.
func rejectionMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}

func (a *API) audit(ctx context.Context, event, entity, id string, extra map[string]string) {
	fields := map[string]any{
		"entity":    entity,
		"entity_id": id,
	}
	for k, v := range extra {
		fields[k] = v
	}
	_ = audit.LogEvent(ctx, event, fields)
}
