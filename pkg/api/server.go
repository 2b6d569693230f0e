// Package api provides the local HTTP control surface over a running
// node: peer and transfer snapshots, message sending, and file-offer
// decisions.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lantalk/lantalk-node/pkg/node"
)

// Server is the HTTP control API.
type Server struct {
	node       *node.Node
	router     *gin.Engine
	port       int
	httpServer *http.Server
}

// Config holds server configuration
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:         8425,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates the control API over a node.
func NewServer(n *node.Node, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if config.EnableCORS {
		router.Use(CORSMiddleware())
	}

	server := &Server{
		node:   n,
		router: router,
		port:   config.Port,
	}
	server.setupRoutes()
	return server
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)

		peers := v1.Group("/peers")
		{
			peers.GET("", s.handlePeers)
			peers.GET("/online", s.handleOnlinePeers)
			peers.DELETE("/:ip", s.handleRemovePeer)
			peers.PUT("/:ip/nickname", s.handleSetNickname)
		}

		messages := v1.Group("/messages")
		{
			messages.POST("", s.handleSendMessage)
			messages.GET("/:ip", s.handleMessageHistory)
		}

		transfers := v1.Group("/transfers")
		{
			transfers.GET("", s.handleTransfers)
			transfers.POST("", s.handleOfferFile)
			transfers.POST("/:id/cancel", s.handleCancelTransfer)
			transfers.POST("/cleanup", s.handleCleanup)
		}

		offers := v1.Group("/offers")
		{
			offers.GET("", s.handleOffers)
			offers.POST("/:id/decision", s.handleOfferDecision)
		}
	}

	s.router.GET("/health", s.handleHealth)
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// CORSMiddleware handles CORS headers
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
