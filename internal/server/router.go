// Package server exposes the lifecycle API over HTTP.
//
// Endpoints, relative to the base path:
//
//	POST   /streams/:id/start
//	POST   /streams/:id/stop
//	GET    /streams/:id/status
//	GET    /streams/:id/logs         ?lines=N
//	GET    /streams/:id/logs/follow  websocket line feed
//	GET    /rotations/:id
//	POST   /rotations/:id/activate
//	POST   /rotations/:id/pause
//	POST   /rotations/:id/stop
//	DELETE /rotations/:id
//	POST   /sync
//	GET    /active
//	GET    /healthz
//	GET    /metrics
//
// Every JSON body carries "success" and, on failure, "error".
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/anji4cp/streamnexus/internal/auth"
	"github.com/anji4cp/streamnexus/internal/manager"
	"github.com/anji4cp/streamnexus/internal/process"
	"github.com/anji4cp/streamnexus/internal/stream"
)

// Lifecycle is the orchestrator surface served over HTTP.
type Lifecycle interface {
	StartStream(ctx context.Context, id string) error
	StopStream(ctx context.Context, id string) error
	IsStreamActive(id string) bool
	GetStreamLogs(id string) ([]string, bool)
	FollowStreamLogs(id string) (*process.Ring, bool)
	ActivateRotation(ctx context.Context, id string) error
	PauseRotation(ctx context.Context, id string) error
	StopRotation(ctx context.Context, id string) error
	DeleteRotation(ctx context.Context, id string) error
	SyncStreamStatuses(ctx context.Context) (manager.SyncResult, error)
	ActiveEncoders() []manager.Encoder
}

// Records looks up rows for ownership checks and status responses.
type Records interface {
	GetStream(ctx context.Context, id string) (stream.Stream, error)
	GetRotation(ctx context.Context, id string) (stream.Rotation, error)
}

type Options struct {
	BasePath string
	Auth     *auth.Middleware
	Metrics  http.Handler
	Logger   *slog.Logger
	// FollowPoll is how often the log feed checks for new lines.
	FollowPoll time.Duration
}

type Router struct {
	app      Lifecycle
	records  Records
	basePath string
	auth     *auth.Middleware
	metrics  http.Handler
	log      *slog.Logger
	poll     time.Duration
	upgrader websocket.Upgrader
}

func NewRouter(app Lifecycle, records Records, opts Options) *Router {
	r := &Router{
		app:      app,
		records:  records,
		basePath: sanitizeBase(opts.BasePath),
		auth:     opts.Auth,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		poll:     opts.FollowPoll,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.poll <= 0 {
		r.poll = 500 * time.Millisecond
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())

	g.GET(r.basePath+"/healthz", func(c *gin.Context) { writeOK(c, nil) })
	if r.metrics != nil {
		g.GET(r.basePath+"/metrics", gin.WrapH(r.metrics))
	}

	api := g.Group(r.basePath)
	if r.auth != nil {
		api.Use(r.auth.GinAuth())
	}
	streams := api.Group("/streams/:id")
	streams.POST("/start", r.handleStartStream)
	streams.POST("/stop", r.handleStopStream)
	streams.GET("/status", r.handleStreamStatus)
	streams.GET("/logs", r.handleStreamLogs)
	streams.GET("/logs/follow", r.handleFollowLogs)

	rotations := api.Group("/rotations/:id")
	rotations.GET("", r.handleRotation)
	rotations.POST("/activate", r.rotationAction(r.app.ActivateRotation))
	rotations.POST("/pause", r.rotationAction(r.app.PauseRotation))
	rotations.POST("/stop", r.rotationAction(r.app.StopRotation))
	rotations.DELETE("", r.rotationAction(r.app.DeleteRotation))

	api.POST("/sync", r.handleSync)
	api.GET("/active", r.handleActive)
	return g
}

// NewServer wraps the router in an http.Server. WriteTimeout stays unset so the
// websocket log feed is not cut off.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
