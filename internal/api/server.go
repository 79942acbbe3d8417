// Package api exposes documents over HTTP: the WebSocket endpoint clients
// edit through and a small REST surface for reads, saves and sharing.
package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/serroba/scenesync/internal/acl"
	"github.com/serroba/scenesync/internal/collab"
	"github.com/serroba/scenesync/internal/identity"
	"github.com/serroba/scenesync/internal/logging"
)

// Server handles HTTP requests for the collaboration API.
type Server struct {
	manager    *collab.Manager
	checker    *acl.Checker
	verifier   *identity.Verifier
	origins    []string
	sendBuffer int
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

// ServerConfig holds configuration for creating a server.
type ServerConfig struct {
	Manager  *collab.Manager
	Checker  *acl.Checker
	Verifier *identity.Verifier

	// AllowedOrigins lists browser origins; "*" allows any.
	AllowedOrigins []string

	// SendBuffer bounds each session's outgoing queue.
	SendBuffer int

	Logger zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		manager:    cfg.Manager,
		checker:    cfg.Checker,
		verifier:   cfg.Verifier,
		origins:    cfg.AllowedOrigins,
		sendBuffer: cfg.SendBuffer,
		logger:     cfg.Logger.With().Str("component", "api").Logger(),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	return s
}

func (s *Server) allowAnyOrigin() bool {
	return len(s.origins) == 0 || slices.Contains(s.origins, "*")
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.allowAnyOrigin() {
		return true
	}

	return slices.Contains(s.origins, origin)
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", identity.DevHeader},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}

	if s.allowAnyOrigin() {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.origins
		cfg.AllowCredentials = true
	}

	return cfg
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), logging.Middleware(s.logger), cors.New(s.corsConfig()))

	r.GET("/healthz", s.handleHealth)

	authed := r.Group("/", s.authMiddleware())
	authed.GET("/ws", s.handleWebSocket)

	docs := authed.Group("/documents/:id")
	docs.GET("", s.handleGetDocument)
	docs.POST("/save", s.handleSaveDocument)
	docs.GET("/presence", s.handlePresence)
	docs.GET("/collaborators", s.handleListCollaborators)
	docs.PUT("/collaborators", s.handleShare)

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"rooms":  s.manager.RoomCount(),
	})
}
