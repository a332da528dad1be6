// Package server exposes documents over HTTP and runs the live editing
// sessions over websockets.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/ssau-fiit/cloudocs-ot/internal/config"
	"github.com/ssau-fiit/cloudocs-ot/internal/database"
	"github.com/ssau-fiit/cloudocs-ot/internal/mediator"
)

type Server struct {
	cfg      config.Server
	store    *database.Store
	hub      *mediator.Hub
	conns    *registry
	router   *gin.Engine
	log      zerolog.Logger
	nextSite atomic.Uint32
}

// New builds a server. Mediators log through logger.
func New(cfg config.Server, store *database.Store, medCfg mediator.Config, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:   cfg,
		store: store,
		conns: newRegistry(logger),
		log:   logger,
	}
	medCfg.Logger = logger
	s.hub = mediator.NewHub(store, s.conns, medCfg)
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	v1 := r.Group("/api/v1")
	v1.GET("/health", s.handleHealth)
	v1.GET("/documents", s.handleGetDocuments)
	v1.POST("/documents/create", s.handleCreateDocument)
	v1.GET("/documents/:id", s.handleGetDocument)
	v1.DELETE("/documents/:id", s.handleDeleteDocument)
	v1.GET("/documents/:id/ws", s.handleSocket)
	return r
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Hub() *mediator.Hub { return s.hub }

// Flush writes changed documents to redis.
func (s *Server) Flush(ctx context.Context) error {
	return s.hub.Flush(ctx)
}

// Run serves until ctx is done, then disconnects everyone and flushes.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: requestTimeout,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	var err error
loop:
	for {
		select {
		case <-ticker.C:
			if ferr := s.Flush(ctx); ferr != nil {
				s.log.Error().Err(ferr).Msg("flush failed")
			}
		case err = <-errc:
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		s.log.Error().Err(serr).Msg("could not shut down http server")
	}
	// Hijacked websockets are not tracked by http.Server.
	s.conns.closeAll()
	if ferr := s.Flush(shutdownCtx); ferr != nil {
		s.log.Error().Err(ferr).Msg("final flush failed")
	}
	s.log.Info().Msg("server stopped")

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
