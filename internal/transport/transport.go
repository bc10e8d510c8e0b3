// Package transport exposes the duplex (WebSocket) and REST surfaces
// described in spec §4.7/§6, wired onto a shared ingestion Pipeline so
// "exactly one broadcast per accepted event regardless of ingress channel"
// holds regardless of which surface accepted it.
package transport

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TrainLCD/THQ/internal/auth"
	"github.com/TrainLCD/THQ/internal/graphqlapi"
	"github.com/TrainLCD/THQ/internal/hub"
	"github.com/TrainLCD/THQ/internal/ingest"
	"github.com/TrainLCD/THQ/internal/logging"
	"github.com/TrainLCD/THQ/internal/metrics"
	"github.com/TrainLCD/THQ/internal/storage"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server wires the duplex and REST transports onto a shared pipeline.
type Server struct {
	engine   *gin.Engine
	hub      *hub.Hub
	pipeline *ingest.Pipeline
	verifier *auth.Verifier
	resolver *graphqlapi.Resolver
	log      *logging.Logger
	ready    func() bool
	started  time.Time
}

// New constructs the Server and registers all routes.
func New(h *hub.Hub, pipeline *ingest.Pipeline, verifier *auth.Verifier, store *storage.Storage, log *logging.Logger, ready func() bool) *Server {
	if log == nil {
		log = logging.L()
	}
	log = log.With(logging.String("component", "transport"))

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(traceMiddleware(log))

	s := &Server{
		engine:   engine,
		hub:      h,
		pipeline: pipeline,
		verifier: verifier,
		resolver: graphqlapi.New(store, log),
		log:      log,
		ready:    ready,
		started:  time.Now(),
	}
	s.routes()
	return s
}

// Handler returns the http.Handler to serve.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/readyz", s.handleReadyz)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	s.engine.GET("/", s.handleDuplex)
	s.engine.GET("/ws", s.handleDuplex)

	api := s.engine.Group("/api")
	api.POST("/location", s.handleLocationREST)
	api.POST("/log", s.handleLogREST)

	graphqlHandler := s.resolver.Handler()
	s.engine.Any("/graphql", func(c *gin.Context) { graphqlHandler.ServeHTTP(c.Writer, c.Request) })
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "uptime_seconds": int64(time.Since(s.started).Seconds())})
}

func (s *Server) handleReadyz(c *gin.Context) {
	if s.ready != nil && !s.ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// traceMiddleware mirrors the teacher's HTTPTraceMiddleware, adapted to
// gin's middleware chain instead of stdlib's http.Handler wrapping.
func traceMiddleware(base *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Trace-Id")
		ctx, reqLogger, traceID := logging.WithTrace(c.Request.Context(), base, traceID)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set("X-Trace-Id", traceID)
		c.Set("logger", reqLogger)
		c.Next()
	}
}

func loggerFrom(c *gin.Context) *logging.Logger {
	if v, ok := c.Get("logger"); ok {
		if l, ok := v.(*logging.Logger); ok {
			return l
		}
	}
	return logging.LoggerFromContext(c.Request.Context())
}
