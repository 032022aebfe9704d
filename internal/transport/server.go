package transport

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/discord-voice-lab/voiceloop/internal/logging"
	"github.com/discord-voice-lab/voiceloop/internal/metrics"
	"github.com/discord-voice-lab/voiceloop/internal/pipeline"
	"github.com/discord-voice-lab/voiceloop/internal/session"
)

type Config struct {
	Addr           string
	AllowedOrigins []string
	// SampleRate is the canonical rate audio is converted to before it
	// reaches a session.
	SampleRate   int
	Pipeline     pipeline.Config
	SendQueue    int
	WriteTimeout time.Duration
	EndTimeout   time.Duration
	MaxMessage   int64
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 128
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.EndTimeout <= 0 {
		c.EndTimeout = 30 * time.Second
	}
	if c.MaxMessage <= 0 {
		c.MaxMessage = 8 << 20
	}
}

// Server owns the HTTP routes and every live WebSocket connection.
type Server struct {
	cfg     Config
	mgr     *session.Manager
	deps    pipeline.Deps
	rec     *metrics.Recorder
	promH   http.Handler
	mcpH    http.Handler
	engine  *gin.Engine
	httpSrv *http.Server

	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	conns   map[*conn]struct{}
	closed  bool
	dropped atomic.Int64
}

type Option func(*Server)

// WithMetricsHandler serves Prometheus metrics on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.promH = h }
}

// WithMCPHandler serves the MCP diagnostics endpoint on GET /mcp.
func WithMCPHandler(h http.Handler) Option {
	return func(s *Server) { s.mcpH = h }
}

func NewServer(cfg Config, mgr *session.Manager, deps pipeline.Deps, opts ...Option) *Server {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		mgr:    mgr,
		deps:   deps,
		rec:    deps.Metrics,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.engine = s.routes()
	s.httpSrv = &http.Server{Addr: cfg.Addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", s.handleHealth)
	r.GET("/stats", s.handleStats)
	r.GET("/ws", s.handleWS)
	if s.promH != nil {
		r.GET("/metrics", gin.WrapH(s.promH))
	}
	if s.mcpH != nil {
		r.GET("/mcp", gin.WrapH(s.mcpH))
	}
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debugw("http: request", "method", c.Request.Method, "path", c.FullPath(),
			"status", c.Writer.Status(), "duration_ms", time.Since(start).Milliseconds())
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe blocks until Shutdown. http.ErrServerClosed is not an error.
func (s *Server) ListenAndServe() error {
	logging.Infow("transport: listening", "addr", s.cfg.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and tears down every connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := s.httpSrv.Shutdown(ctx)
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	return err
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": s.mgr.Count()})
}

func (s *Server) handleStats(c *gin.Context) {
	s.mu.Lock()
	open := len(s.conns)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"connections":    open,
		"dropped_events": s.dropped.Load(),
		"sessions":       s.mgr.List(),
		"stages":         s.rec.Snapshot(),
		"recent_turns":   s.rec.Recent(),
	})
}

func (s *Server) handleWS(c *gin.Context) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warnw("transport: upgrade failed", "remote", c.Request.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessage)

	cn := newConn(s, ws, c.Request.RemoteAddr)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	s.conns[cn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, cn)
		s.mu.Unlock()
		s.wg.Done()
	}()
	cn.run()
}
