// Package boundary is the HTTP command surface: a gin.Engine exposing the
// bot's commands as JSON endpoints. Single-account only; there is no auth,
// session, or multi-tenant layer.
package boundary

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/koshedu/meteora-rsi-bot/config"
	"github.com/koshedu/meteora-rsi-bot/internal/indicator"
	"github.com/koshedu/meteora-rsi-bot/internal/position"
	"github.com/koshedu/meteora-rsi-bot/internal/wallet"
)

// requestIDHeader carries a per-request correlation id.
const requestIDHeader = "X-Request-Id"

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.New().String()
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// Server is the concrete BoundaryAdapter.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server

	cfg        *config.Store
	positions  *position.Store
	manager    *position.Manager
	walletSvc  *wallet.Service
	indicators *indicator.Cache
	symbol     string

	logger zerolog.Logger
}

// New builds a Server bound to cfg.Get().Server (listen address, CORS
// origins).
func New(cfg *config.Store, positions *position.Store, manager *position.Manager, walletSvc *wallet.Service, indicators *indicator.Cache, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.Get().Server.CORSOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:     router,
		cfg:        cfg,
		positions:  positions,
		manager:    manager,
		walletSvc:  walletSvc,
		indicators: indicators,
		symbol:     cfg.Get().Tokens.TradingSymbol,
		logger:     logger.With().Str("component", "boundary").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/positions", s.handleGetPositions)
		api.POST("/positions", s.handleCreatePosition)
		api.POST("/positions/:id/close", s.handleClosePosition)
		api.POST("/positions/sync", s.handleSyncPositions)

		api.GET("/balance", s.handleGetBalance)
		api.GET("/balance/history", s.handleGetBalanceHistory)

		api.GET("/rsi", s.handleGetRSI)
		api.GET("/price", s.handleGetPrice)

		api.GET("/config", s.handleGetConfig)
		api.POST("/config", s.handleUpdateConfig)
	}
}

// Start runs the HTTP server until the process shuts it down.
func (s *Server) Start() error {
	addr := s.cfg.Get().Server.ListenAddr
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("boundary: listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("boundary: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
