// Package api serves the temporal read surface and the operator endpoints
// over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/ppiankov/statute/internal/decay"
	"github.com/ppiankov/statute/internal/model"
	"github.com/ppiankov/statute/internal/query"
	"github.com/ppiankov/statute/internal/queue"
)

// Reader is the read side the API exposes
type Reader interface {
	AsOf(ctx context.Context, conceptID string, date time.Time) ([]*model.RegulatoryRule, error)
	Evaluate(ctx context.Context, conceptID string, date time.Time, facts map[string]any) ([]query.Evaluation, error)
	CurrentRelease(ctx context.Context) (*model.RuleRelease, error)
	Release(ctx context.Context, version int64) (*model.RuleRelease, error)
	VerifyRelease(ctx context.Context, version int64) (*model.RuleRelease, error)
	Revalidation(ctx context.Context, floor float64) ([]decay.Entry, error)
	Conflicts(ctx context.Context, unresolvedOnly bool) ([]*model.ConflictRecord, error)
}

// Operator carries the human acts: review decisions, revalidation and
// dead-letter replay
type Operator interface {
	Decide(ctx context.Context, ruleID string, decision model.Decision, rationale, reviewer string) (*model.RegulatoryRule, error)
	Revalidate(ctx context.Context, ruleID string, confidence float64, evidenceID, by string) (*model.RegulatoryRule, error)
	DeadLetters(ctx context.Context) ([]*model.DeadLetter, error)
	DeadLetter(ctx context.Context, id string) (*model.DeadLetter, error)
	Replay(ctx context.Context, id, by string) (*queue.Job, error)
}

// Server is the HTTP front of one pipeline instance
type Server struct {
	reader   Reader
	operator Operator
	metrics  http.Handler
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Server. A nil metrics handler disables /metrics.
func New(reader Reader, operator Operator, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		reader:   reader,
		operator: operator,
		metrics:  metrics,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With("component", "api"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Routes builds the router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/concepts/{concept}/rules", s.handleAsOf)
		r.Post("/concepts/{concept}/evaluate", s.handleEvaluate)

		r.Get("/releases/current", s.handleCurrentRelease)
		r.Get("/releases/{version}", s.handleRelease)
		r.Get("/releases/{version}/verify", s.handleVerifyRelease)

		r.Get("/revalidation", s.handleRevalidation)
		r.Get("/conflicts", s.handleConflicts)

		r.Post("/rules/{id}/decision", s.handleDecision)
		r.Post("/rules/{id}/revalidate", s.handleRevalidate)

		r.Get("/deadletters", s.handleDeadLetters)
		r.Get("/deadletters/{id}", s.handleDeadLetter)
		r.Post("/deadletters/{id}/replay", s.handleReplay)
	})
	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return err
	}
	return <-errc
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"took", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
