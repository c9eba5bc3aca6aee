// Package server is the HTTP boundary over the supervisor: start/stop,
// status, log backlog and live log streams (SSE and websocket).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/betbot/bothost/internal/logstore"
	"github.com/betbot/bothost/internal/registry"
	"github.com/betbot/bothost/internal/supervisor"
)

// Supervisor is what the HTTP layer needs from internal/supervisor.
type Supervisor interface {
	Start(ctx context.Context, botID, requesterID string) (supervisor.StartResult, error)
	Stop(ctx context.Context, botID, requesterID string) error
	Status(botID string) (registry.Snapshot, bool)
	List() []registry.Snapshot
	Backlog(botID string) []logstore.Line
	Subscribe(botID string) ([]logstore.Line, *logstore.Subscription)
}

type Config struct {
	// KeepAlive is the interval of SSE comments / websocket pings.
	KeepAlive time.Duration
	// RequestTimeout bounds start/stop handling.
	RequestTimeout time.Duration
}

type Server struct {
	cfg      Config
	sup      Supervisor
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func New(sup Supervisor, cfg Config) (*Server, error) {
	if sup == nil {
		return nil, errors.New("supervisor is required")
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 20 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Server{
		cfg: cfg,
		sup: sup,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: logrus.WithField("component", "http"),
	}, nil
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.wrap(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	api := r.Group("/api")
	bots := api.Group("/bots")
	bots.GET("/", s.wrap(s.handleBotsList))
	botID := bots.Group("/:botID")
	botID.POST("/start", s.wrap(s.handleBotStart))
	botID.POST("/stop", s.wrap(s.handleBotStop))
	botID.GET("/status", s.wrap(s.handleBotStatus))
	botID.GET("/logs", s.wrap(s.handleBotLogs))
	botID.GET("/logs/stream", s.wrap(s.handleBotLogsStream))
	botID.GET("/logs/ws", s.wrap(s.handleBotLogsWS))

	// UI
	r.GET("/", s.wrap(s.handleUI))

	return r
}

type paramsKeyType string

const paramsKey paramsKeyType = "bothost_path_params"

// wrap adapts net/http handlers to gin, injecting path params into request context.
func (s *Server) wrap(h func(http.ResponseWriter, *http.Request)) gin.HandlerFunc {
	return func(c *gin.Context) {
		m := map[string]string{}
		for _, p := range c.Params {
			m[p.Key] = p.Value
		}
		ctx := context.WithValue(c.Request.Context(), paramsKey, m)
		c.Request = c.Request.WithContext(ctx)
		h(c.Writer, c.Request)
	}
}

func pathParam(r *http.Request, key string) string {
	m, _ := r.Context().Value(paramsKey).(map[string]string)
	return strings.TrimSpace(m[key])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
