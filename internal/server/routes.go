package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/u2fbridge/internal/auth"
	"github.com/danmuck/u2fbridge/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type signBody struct {
	SignRequests   []protocol.SignRequest `json:"signRequests"`
	TimeoutSeconds *int                   `json:"timeoutSeconds"`
}

type registerBody struct {
	RegisterRequests []protocol.RegisterRequest `json:"registerRequests"`
	SignRequests     []protocol.SignRequest     `json:"signRequests"`
	TimeoutSeconds   *int                       `json:"timeoutSeconds"`
}

type responseBody struct {
	RequestType  protocol.MessageType  `json:"requestType"`
	ResponseData protocol.ResponseData `json:"responseData"`
}

func (s *Server) RegisterRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"uptime":         time.Since(s.Appeared).String(),
			"service":        s.Name,
			"version":        Version,
			"session_id":     s.client.SessionID(),
			"js_api_version": s.client.JSAPIVersion(),
			"transport":      string(s.client.TransportKind()),
			"pending":        s.client.Pending(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.ReadyTimeout)
		defer cancel()
		kind, err := s.client.Connect(ctx)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":   false,
				"service": s.Name,
				"error":   errorPayload(err),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ready":     true,
			"service":   s.Name,
			"transport": string(kind),
		})
	})

	api := r.Group("/")
	if s.Auth != nil {
		api.Use(auth.Require(s.Auth))
	}

	api.POST("/sign", func(c *gin.Context) {
		var body signBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		data, err := s.client.SignContext(c.Request.Context(), body.SignRequests, timeoutArg(body.TimeoutSeconds)...)
		s.respond(c, protocol.MessageSignResponse, data, err)
	})

	api.POST("/register", func(c *gin.Context) {
		var body registerBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		data, err := s.client.RegisterContext(
			c.Request.Context(),
			body.RegisterRequests,
			body.SignRequests,
			timeoutArg(body.TimeoutSeconds)...,
		)
		s.respond(c, protocol.MessageRegisterResponse, data, err)
	})

	api.POST("/disconnect", func(c *gin.Context) {
		if err := s.client.Disconnect(); err != nil {
			log.Warn().Err(err).Str("service", s.Name).Msg("disconnect close failed")
		}
		c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
	})
}

// respond passes remote responseData through untouched; only local failures
// change the HTTP status.
func (s *Server) respond(c *gin.Context, typ protocol.MessageType, data protocol.ResponseData, err error) {
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": errorPayload(err)})
		return
	}
	c.JSON(http.StatusOK, responseBody{RequestType: typ, ResponseData: data})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case protocol.CodeOf(err) == protocol.IframeNotSupported:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func errorPayload(err error) *protocol.ErrorRecord {
	if rec, ok := protocol.AsErrorRecord(err); ok {
		return rec
	}
	return protocol.NewErrorRecord(protocol.OtherError, err.Error())
}

func timeoutArg(v *int) []int {
	if v == nil {
		return nil
	}
	return []int{*v}
}
