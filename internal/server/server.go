// Package server exposes a u2f.Client to local pages over HTTP.
package server

import (
	"time"

	"github.com/danmuck/u2fbridge/internal/auth"
	"github.com/danmuck/u2fbridge/internal/observability"
	"github.com/danmuck/u2fbridge/internal/u2f"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const Version = "0.1.0"

type Server struct {
	Name     string    `json:"name"`
	Addr     string    `json:"addr"`
	Appeared time.Time `json:"appeared"`

	// ReadyTimeout bounds discovery triggered by GET /ready.
	ReadyTimeout time.Duration `json:"-"`
	// Auth, when set, guards the request routes.
	Auth auth.Validator `json:"-"`

	client *u2f.Client
	router *gin.Engine
}

func New(name, addr string, corsOrigins []string, client *u2f.Client) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(name, log.Logger))
	r.Use(observability.RequestMetricsMiddleware(name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{observability.RequestIDHeader},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	return &Server{
		Name:         name,
		Addr:         addr,
		Appeared:     time.Now(),
		ReadyTimeout: 2 * time.Second,
		client:       client,
		router:       r,
	}
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) Client() *u2f.Client {
	return s.client
}

func (s *Server) Serve() error {
	s.RegisterRoutes()
	log.Info().Str("service", s.Name).Str("addr", s.Addr).Str("session_id", s.client.SessionID()).Msg("u2fd listening")
	return s.router.Run(s.Addr)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
