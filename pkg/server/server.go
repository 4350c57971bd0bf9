// Package server is the HTTP surface: the OpenAI-compatible chat completions
// endpoint plus the native agent, run, version and deployment endpoints.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/logger"
	"github.com/modelgateway/relay/pkg/model"
	"github.com/modelgateway/relay/pkg/observability"
	"github.com/modelgateway/relay/pkg/runner"
	"github.com/modelgateway/relay/pkg/store"
	"github.com/modelgateway/relay/pkg/tenant"
)

// Server serves the public API.
type Server struct {
	engine    *runner.Engine
	store     store.Store
	catalog   *model.Catalog
	directory tenant.Directory
	feedback  *FeedbackSigner
	metrics   *observability.Metrics
	logger    *slog.Logger

	addr    string
	baseURL string
	http    *http.Server
}

type ServerOption func(*Server)

func WithAddr(addr string) ServerOption {
	return func(s *Server) { s.addr = addr }
}

// WithBaseURL sets the external URL prefix used when rendering run links.
func WithBaseURL(url string) ServerOption {
	return func(s *Server) { s.baseURL = strings.TrimSuffix(url, "/") }
}

func WithFeedbackSecret(secret string) ServerOption {
	return func(s *Server) { s.feedback = NewFeedbackSigner(secret) }
}

func WithServerMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

func New(engine *runner.Engine, st store.Store, catalog *model.Catalog, directory tenant.Directory, opts ...ServerOption) *Server {
	s := &Server{
		engine:    engine,
		store:     st,
		catalog:   catalog,
		directory: directory,
		logger:    logger.Get(),
		addr:      ":8080",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the route tree. Exposed so tests can drive the server
// through httptest without binding a port.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	// feedback tokens are self-authenticating
	r.Post("/v1/feedback", s.handleFeedback)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Get("/v1/models", s.handleListModels)

		r.Route("/v1/{tenant}", func(r chi.Router) {
			r.Use(s.matchTenant)
			r.Post("/agents", s.handleUpsertAgent)
			r.Post("/agents/{agentID}/schemas/{schemaID}/run", s.handleNativeRun)
			r.Post("/agents/{agentID}/runs/{runID}/reply", s.handleReply)
			r.Get("/agents/{agentID}/runs/{runID}", s.handleGetRun)
			r.Post("/agents/{agentID}/runs/search", s.handleSearchRuns)
			r.Get("/agents/{agentID}/versions", s.handleListVersions)
			r.Post("/agents/{agentID}/versions/{versionID}/deploy", s.handleDeploy)
		})
	})
	return r
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
		// generous write timeout: streamed runs hold the connection open
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	s.logger.Info("http server starting", "addr", s.addr)
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	s.logger.Info("http server shutting down")
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticate resolves the bearer token to a tenant and stores it in the
// request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if header == "" || token == "" || token == header {
			writeError(w, apierror.New(apierror.KindAuthentication,
				"missing bearer token"))
			return
		}
		t, err := s.directory.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.WithContext(r.Context(), t)))
	})
}

// matchTenant checks the {tenant} path segment against the authenticated
// tenant. "_" is accepted as "my tenant".
func (s *Server) matchTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, _ := tenant.FromContext(r.Context())
		name := chi.URLParam(r, "tenant")
		if name != "_" && name != t.Name {
			writeError(w, apierror.Newf(apierror.KindObjectNotFound,
				"unknown tenant %q", name))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		// the ResponseWriter is not wrapped: SSE needs http.Flusher intact
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// errorBody is the external error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    apierror.Kind  `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
}

func errorPayload(err error) errorBody {
	ae := apierror.FromAny(err)
	return errorBody{Error: errorDetail{
		Code:    ae.Kind,
		Message: ae.Message,
		Details: ae.Details,
		RunID:   ae.RunID,
	}}
}

func writeError(w http.ResponseWriter, err error) {
	ae := apierror.FromAny(err)
	writeJSON(w, ae.HTTPStatus(), errorPayload(ae))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeJSON reads a request body, mapping malformed JSON to bad_request.
func decodeJSON(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return apierror.Wrap(err, apierror.KindBadRequest, "request body is not valid JSON")
	}
	return nil
}
