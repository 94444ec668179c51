// Package api exposes the quota, relation, content and scheduler services
// over HTTP with gin. Admin routes require a bearer token signed with the
// configured secret.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matthewjhunter/courier/internal/dedup"
	"github.com/matthewjhunter/courier/internal/quota"
	"github.com/matthewjhunter/courier/internal/relations"
	"github.com/matthewjhunter/courier/internal/scheduler"
	"github.com/matthewjhunter/courier/internal/storage"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the handlers call into.
type Deps struct {
	Health    Pinger
	Configs   *quota.Configs
	Ledger    *quota.Ledger
	Dedup     *dedup.Engine
	Contents  storage.ContentRepository
	Relations *relations.Manager
	Scheduler *scheduler.Scheduler
}

// Options configures the server.
type Options struct {
	// AdminSecret signs admin tokens. Empty disables the admin routes.
	AdminSecret  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

type Server struct {
	deps   Deps
	opts   Options
	engine *gin.Engine
	logger *slog.Logger
}

// NewServer builds the router. Call Handler for tests or ListenAndServe to run it.
func NewServer(deps Deps, opts Options) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 120 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{deps: deps, opts: opts, logger: opts.Logger.With("component", "api")}

	r := gin.New()
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
		SkipPaths: []string{"/healthz"},
	}))
	r.Use(gin.Recovery())

	s.routes(r)
	s.engine = r
	return s
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/healthz", s.health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/contents", s.createContent)
		v1.GET("/contents/:contentID", s.getContent)

		u := v1.Group("/users/:userID")
		u.GET("/quota", s.getQuota)
		u.GET("/quota/history", s.quotaHistory)
		u.POST("/quota/attempt", s.attemptFetch)
		u.POST("/quota/result", s.recordResult)

		u.GET("/fetch-config", s.getFetchConfig)
		u.PUT("/fetch-config", s.updateFetchConfig)
		u.DELETE("/fetch-config", s.disableFetchConfig)

		u.GET("/relations", s.listRelations)
		u.POST("/relations", s.createRelation)
		u.GET("/relations/stats", s.relationStats)
		u.PATCH("/relations/:contentID", s.updateRelation)
		u.POST("/relations/:contentID/extend", s.extendRelation)
	}

	if s.opts.AdminSecret == "" {
		s.logger.Warn("No admin secret configured, admin routes disabled")
		return
	}
	admin := v1.Group("/admin", AdminAuth(s.opts.AdminSecret, s.opts.Now))
	{
		admin.GET("/jobs", s.listJobs)
		admin.GET("/tasks", s.listTasks)
		admin.POST("/trigger/users/:userID", s.triggerUser)
		admin.POST("/trigger/due", s.triggerDue)
		admin.POST("/users/:userID/quota/reset", s.resetQuota)
		admin.POST("/reap", s.reap)
	}
}

// Handler returns the router as a plain http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully, giving in-flight requests up to ten seconds.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}
