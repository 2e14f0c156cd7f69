// Package httpapi exposes the engine's operator and webhook surfaces over
// HTTP. Operator endpoints authenticate with a shared bearer key; webhook
// and resume endpoints authenticate with the signed tokens the runtime
// issues, so they carry no operator credentials.
package httpapi

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexedwards/flow"

	"github.com/deepnoodle-ai/conveyor"
)

// Options configures a Server.
type Options struct {
	Runtime *conveyor.Runtime
	Logger  *slog.Logger

	// APIKey protects the operator endpoints. Empty disables them.
	APIKey string
}

// Server is the HTTP front for a Runtime. It implements http.Handler.
type Server struct {
	runtime *conveyor.Runtime
	logger  *slog.Logger
	apiKey  string
	mux     *flow.Mux
}

// New creates the server and registers all routes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		runtime: opts.Runtime,
		logger:  logger,
		apiKey:  opts.APIKey,
		mux:     flow.New(),
	}

	// Token-authenticated surfaces. No operator key required: possession of
	// a valid signed token is the credential.
	s.mux.HandleFunc("/v1/webhooks/:token", s.handleWebhook, "POST")
	s.mux.HandleFunc("/v1/jobs/:id/resume", s.handleResumeJob, "POST")

	s.mux.Group(func(m *flow.Mux) {
		m.Use(s.requireAPIKey)
		m.HandleFunc("/v1/workflows", s.handleListWorkflows, "GET")
		m.HandleFunc("/v1/workflows/:name/run", s.handleRunWorkflow, "POST")
		m.HandleFunc("/v1/workflows/:name/webhook-tokens", s.handleIssueWebhookToken, "POST")
		m.HandleFunc("/v1/workflows/:name/schedules", s.handleListSchedules, "GET")
		m.HandleFunc("/v1/workflows/:name/schedules", s.handleCreateSchedule, "POST")
		m.HandleFunc("/v1/schedules/:id", s.handleUpdateSchedule, "PUT")
		m.HandleFunc("/v1/schedules/:id", s.handleDeleteSchedule, "DELETE")
		m.HandleFunc("/v1/jobs/:id", s.handleGetJob, "GET")
		m.HandleFunc("/v1/jobs/:id/steps", s.handleListJobSteps, "GET")
		m.HandleFunc("/v1/jobs/:id/cancel", s.handleCancelJob, "POST")
		m.HandleFunc("/v1/jobs/:id/replay", s.handleReplayJob, "POST")
		m.HandleFunc("/v1/events/:name", s.handleDispatchEvent, "POST")
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// requireAPIKey guards operator endpoints with a constant-time bearer key
// comparison. An empty configured key disables the operator surface
// entirely rather than leaving it open.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			jsonError(w, http.StatusForbidden, "operator api disabled")
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			jsonError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
