// Package api exposes the registry over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"intent-registry/internal/intent"
	"intent-registry/internal/registry"
	"intent-registry/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Registry is the behaviour the HTTP layer needs from the intake service.
type Registry interface {
	Submit(ctx context.Context, signed intent.SignedIntent) (storage.Record, error)
	Lookup(ctx context.Context, id uuid.UUID) (storage.Record, error)
	History(ctx context.Context, signer common.Address, limit int) ([]storage.Record, error)
}

// HealthChecker reports backing store health.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Options configure the HTTP server.
type Options struct {
	Addr            string
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
}

// Server serves the submission and query endpoints.
type Server struct {
	opts     Options
	registry Registry
	health   HealthChecker
	logger   zerolog.Logger
	engine   *gin.Engine
}

// NewServer builds the router. health may be nil.
func NewServer(opts Options, reg Registry, health HealthChecker, logger zerolog.Logger) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 16 << 10
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		opts:     opts,
		registry: reg,
		health:   health,
		logger:   logger.With().Str("component", "http").Logger(),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())
	if len(opts.AllowedOrigins) > 0 {
		engine.Use(cors.New(cors.Config{
			AllowOrigins:     opts.AllowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	engine.GET("/healthz", s.handleHealth)
	v1 := engine.Group("/v1")
	{
		v1.POST("/intents", s.handleSubmit)
		v1.GET("/records/:id", s.handleGetRecord)
		v1.GET("/signers/:address/records", s.handleSignerRecords)
	}

	s.engine = engine
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) handleSubmit(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBodyBytes)

	var req IntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failure(c, http.StatusBadRequest, string(storage.ReasonInvalidIntent), "malformed request body: "+err.Error())
		return
	}
	signed, err := req.SignedIntent()
	if err != nil {
		failure(c, http.StatusBadRequest, string(storage.ReasonInvalidIntent), err.Error())
		return
	}

	rec, err := s.registry.Submit(c.Request.Context(), signed)
	if err != nil {
		if errors.Is(err, registry.ErrStorage) {
			failure(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "registry storage unavailable")
			return
		}
		s.logger.Error().Err(err).Msg("submit failed")
		failure(c, http.StatusInternalServerError, ErrCodeInternal, "unexpected error")
		return
	}

	resp := NewRecordResponse(rec)
	switch rec.Reason {
	case storage.ReasonNone:
		success(c, http.StatusCreated, resp)
	case storage.ReasonReplay:
		rejected(c, http.StatusConflict, resp)
	default:
		rejected(c, http.StatusUnprocessableEntity, resp)
	}
}

func (s *Server) handleGetRecord(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid record id")
		return
	}

	rec, err := s.registry.Lookup(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			notFound(c, "record not found")
			return
		}
		s.logger.Error().Err(err).Str("record_id", id.String()).Msg("lookup failed")
		failure(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "registry storage unavailable")
		return
	}
	success(c, http.StatusOK, NewRecordResponse(rec))
}

func (s *Server) handleSignerRecords(c *gin.Context) {
	address := c.Param("address")
	if !common.IsHexAddress(address) {
		badRequest(c, "invalid signer address")
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxHistoryLimit)
	}

	records, err := s.registry.History(c.Request.Context(), common.HexToAddress(address), limit)
	if err != nil {
		s.logger.Error().Err(err).Str("signer", address).Msg("history query failed")
		failure(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "registry storage unavailable")
		return
	}

	out := make([]RecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, NewRecordResponse(rec))
	}
	success(c, http.StatusOK, out)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil {
		if err := s.health.Ping(c.Request.Context()); err != nil {
			failure(c, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
			return
		}
	}
	success(c, http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request handled")
	}
}
