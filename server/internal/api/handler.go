package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/openvoiceos/ovos-messagebus/server/internal/ws"
)

// DefaultHealthRoute is used when Options.HealthRoute is empty.
const DefaultHealthRoute = "/healthz"

// Bus is the view of the WebSocket hub the API reports on.
type Bus interface {
	Count() int
	MaxConnections() int
	Connections() []ws.ConnInfo
}

// Options configures the API handler.
type Options struct {
	InstanceID  string
	StartedAt   time.Time
	HealthRoute string

	// now is overridden in tests.
	now func() time.Time
}

// Handler is the HTTP handler for the health route and /api/v1/* endpoints.
type Handler struct {
	bus  Bus
	opts Options
	mux  *http.ServeMux
}

// New creates a Handler reporting on b and registers all routes.
func New(b Bus, opts Options) http.Handler {
	if opts.HealthRoute == "" {
		opts.HealthRoute = DefaultHealthRoute
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = opts.now()
	}

	h := &Handler{bus: b, opts: opts, mux: http.NewServeMux()}
	h.mux.HandleFunc(opts.HealthRoute, h.health)
	h.mux.HandleFunc("/api/v1/connections", h.connections)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET <health route>.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	jsonResp(w, http.StatusOK, HealthResponse{
		State:          "ok",
		InstanceID:     h.opts.InstanceID,
		Connections:    h.bus.Count(),
		MaxConnections: h.bus.MaxConnections(),
		UptimeSeconds:  h.opts.now().Sub(h.opts.StartedAt).Seconds(),
	})
}

// connections returns GET /api/v1/connections.
func (h *Handler) connections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	infos := h.bus.Connections()
	out := make([]ConnectionResponse, 0, len(infos))
	for _, c := range infos {
		out = append(out, ConnectionResponse{
			ID:          c.ID,
			RemoteAddr:  c.RemoteAddr,
			ConnectedAt: c.ConnectedAt.UTC(),
			Queued:      c.Queued,
		})
	}
	jsonResp(w, http.StatusOK, out)
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
