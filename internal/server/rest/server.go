package rest

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/earlyshield/dashboard/internal/assist"
	"github.com/earlyshield/dashboard/internal/domain"
	"github.com/earlyshield/dashboard/internal/journal"
	"github.com/earlyshield/dashboard/internal/store"
)

// Store is the subset of *store.Store used by the REST handlers. Every
// mutation a consumer makes goes through one of these operations.
type Store interface {
	Snapshot() store.Snapshot
	RefreshAll(ctx context.Context) error
	AddSignal(ctx context.Context, draft domain.SignalDraft) (domain.Signal, error)
	SetSignalStatus(ctx context.Context, id string, status domain.SignalStatus) (domain.Signal, error)
	MarkNotificationRead(ctx context.Context, id int) error
	MarkAllNotificationsRead(ctx context.Context) error
	SetActiveRole(role domain.Role) (*store.RoleSwitch, error)
	UpdateActiveUser(ctx context.Context, patch domain.UserPatch) (domain.User, error)
	ToggleTheme() bool
}

var _ Store = (*store.Store)(nil)

// ActivityLog serves the /activity route.
type ActivityLog interface {
	Recent(ctx context.Context, n int) ([]journal.Entry, error)
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store     Store
	activity  ActivityLog
	assistant assist.Assistant
	ws        http.Handler
	gatherer  prometheus.Gatherer
	metrics   *httpMetrics
	logger    *slog.Logger
}

// ServerOption configures optional Server dependencies.
type ServerOption func(*Server)

// WithActivityLog enables GET /api/v1/activity.
func WithActivityLog(a ActivityLog) ServerOption {
	return func(s *Server) { s.activity = a }
}

// WithAssistant enables the /api/v1/assist routes.
func WithAssistant(a assist.Assistant) ServerOption {
	return func(s *Server) { s.assistant = a }
}

// WithWebSocket mounts h at GET /ws.
func WithWebSocket(h http.Handler) ServerOption {
	return func(s *Server) { s.ws = h }
}

// WithMetrics exposes g at GET /metrics and registers the HTTP request
// collectors on reg.
func WithMetrics(reg prometheus.Registerer, g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = g
		s.metrics = newHTTPMetrics(reg)
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new Server backed by st.
func NewServer(st Store, opts ...ServerOption) *Server {
	s := &Server{store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}
