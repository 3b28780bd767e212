package api

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/auth"
	"github.com/triage-ai/warden/internal/chread"
	"github.com/triage-ai/warden/internal/guard"
	"github.com/triage-ai/warden/internal/metrics"
	"github.com/triage-ai/warden/internal/store"
)

// CapabilityStore persists tool overrides.
type CapabilityStore interface {
	UpsertCapability(ctx context.Context, c store.ToolCapability) (*store.ToolCapability, error)
	DeleteCapability(ctx context.Context, tool string) error
}

// EventReader reads recorded security events back.
type EventReader interface {
	ListEvents(ctx context.Context, params chread.ListEventsParams) ([]chread.EventRow, int, error)
	GetEvent(ctx context.Context, requestID string) (*chread.EventRow, error)
	GetSummary(ctx context.Context, days int) (*chread.Summary, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Runtime *guard.Runtime
	// Auth is required on every /v1 route. Nil admits every caller as a
	// non-admin principal.
	Auth         auth.Authenticator
	Capabilities CapabilityStore // nil if Postgres unavailable
	Reader       EventReader     // nil if ClickHouse unavailable
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	MaxBodyBytes int64
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 1 << 20
	}
	mux := http.NewServeMux()

	// Guard operations (auth required)
	mux.HandleFunc("POST /v1/validate", deps.authMiddleware(deps.handleValidate))
	mux.HandleFunc("POST /v1/sanitize", deps.authMiddleware(deps.handleSanitize))
	mux.HandleFunc("POST /v1/scan", deps.authMiddleware(deps.handleScan))
	mux.HandleFunc("POST /v1/tools/check", deps.authMiddleware(deps.handleToolCheck))

	// Capability table (writes need an admin key)
	mux.HandleFunc("GET /v1/tools", deps.authMiddleware(deps.handleListTools))
	mux.HandleFunc("PUT /v1/tools/{name}", deps.authMiddleware(deps.adminOnly(deps.handleUpsertTool)))
	mux.HandleFunc("DELETE /v1/tools/{name}", deps.authMiddleware(deps.adminOnly(deps.handleDeleteTool)))

	// Events
	mux.HandleFunc("GET /v1/events", deps.authMiddleware(deps.handleListEvents))
	mux.HandleFunc("GET /v1/events/summary", deps.authMiddleware(deps.handleEventSummary))
	mux.HandleFunc("GET /v1/events/{request_id}", deps.authMiddleware(deps.handleGetEvent))

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}

	return corsMiddleware(requestLogging(mux, deps.Logger, deps.Metrics))
}
