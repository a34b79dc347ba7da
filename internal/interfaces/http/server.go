// Package http is C7, the Gateway façade: a thin gin router translating
// HTTP verbs/paths into calls on requesthandler.Handler. Grounded on the
// teacher's interfaces/http.Server (gin.New + Recovery + ginLogger +
// route groups), narrowed to the OpenAI-compatible surface spec §6 names.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/application/requesthandler"
	"github.com/ngoclaw/ngoclaw/gateway/pkg/safego"
)

// ModelInfo is one entry of the GET /v1/models response (spec §6).
type ModelInfo struct {
	Name string
}

// Server wraps an http.Server bound to a gin router.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

type modelsResponse struct {
	Object string          `json:"object"`
	Data   []modelListItem `json:"data"`
}

type modelListItem struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// New builds the gin router and binds it to listen without starting it.
// metricsHandler is nil-able; when nil, GET /metrics is not registered.
func New(listen string, handler *requesthandler.Handler, models []ModelInfo, metricsHandler http.Handler, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	router.GET("/v1/models", func(c *gin.Context) {
		data := make([]modelListItem, 0, len(models))
		for _, m := range models {
			data = append(data, modelListItem{ID: m.Name, Object: "model", Created: 0, OwnedBy: "system"})
		}
		c.JSON(http.StatusOK, modelsResponse{Object: "list", Data: data})
	})

	forward := func(path string) gin.HandlerFunc {
		return func(c *gin.Context) {
			handler.HandleRequest(c.Writer, c.Request, path)
		}
	}
	router.POST("/v1/chat/completions", forward("/v1/chat/completions"))
	router.POST("/v1/completions", forward("/v1/completions"))
	router.POST("/v1/embeddings", forward("/v1/embeddings"))

	return &Server{
		httpServer: &http.Server{Addr: listen, Handler: router},
		logger:     logger.With(zap.String("component", "http-server"), zap.String("listen", listen)),
	}
}

// Start begins serving in the background. Errors other than a clean
// shutdown are logged, not returned, matching the teacher's own
// fire-and-forget ListenAndServe goroutine.
func (s *Server) Start() {
	s.logger.Info("Starting HTTP server")
	safego.Go(s.logger, "http-listener", func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	})
}

// Stop gracefully shuts down the server, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
