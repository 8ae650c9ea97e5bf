package eventbridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kingrea/chainforge/internal/chain"
	"github.com/kingrea/chainforge/internal/escalation"
	"github.com/kingrea/chainforge/internal/taskgraph"
)

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

const wsWriteTimeout = 10 * time.Second

var errServerDisabled = errors.New("eventbridge: server disabled")

// ChainService is the engine surface the bridge exposes over HTTP.
type ChainService interface {
	Submit(ctx context.Context, graph taskgraph.Graph) (string, error)
	Start(ctx context.Context, chainID string) error
	State(ctx context.Context, chainID string) (chain.Snapshot, error)
	Pause(ctx context.Context, chainID string) error
	Resume(ctx context.Context, chainID string) error
	Cancel(ctx context.Context, chainID string) error
	Paused(chainID string) ([]escalation.PausedTask, error)
	ProvideFeedback(chainID, taskID string, fb escalation.Feedback) error
	Subscribe(chainID string) (Subscription, error)
}

// ErrorClassifier maps a service error to an HTTP status code. Returning 0
// falls through to the default mapping.
type ErrorClassifier func(error) int

// Server wraps the HTTP listener and gin handlers backing the bridge.
type Server struct {
	settings Settings
	service  ChainService
	classify ErrorClassifier
	logger   Logger
	clock    func() time.Time
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	server      *http.Server
	listener    net.Listener
	status      ServerStatus
	startTime   time.Time
	routerReady bool
}

// Option customizes server construction.
type Option func(*Server)

// WithErrorClassifier supplies status codes for service errors.
func WithErrorClassifier(fn ErrorClassifier) Option {
	return func(s *Server) {
		if fn != nil {
			s.classify = fn
		}
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer prepares a bridge server for service using the provided settings.
func NewServer(settings Settings, service ChainService, opts ...Option) *Server {
	s := &Server{
		settings: settings,
		service:  service,
		classify: func(error) int { return 0 },
		logger:   nopLogger{},
		clock:    func() time.Time { return time.Now().UTC() },
		status:   StatusStarting,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler builds the gin engine. It is exposed so tests can drive the routes
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), s.limitBody())
	engine.GET("/health", s.handleHealth)
	engine.HEAD("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	chains := engine.Group("/chains")
	chains.POST("", s.handleSubmit)
	chains.GET("/:id", s.handleState)
	chains.POST("/:id/start", s.transition(func(ctx context.Context, id string) error { return s.service.Start(ctx, id) }))
	chains.POST("/:id/pause", s.transition(func(ctx context.Context, id string) error { return s.service.Pause(ctx, id) }))
	chains.POST("/:id/resume", s.transition(func(ctx context.Context, id string) error { return s.service.Resume(ctx, id) }))
	chains.POST("/:id/cancel", s.transition(func(ctx context.Context, id string) error { return s.service.Cancel(ctx, id) }))
	chains.GET("/:id/paused", s.handlePaused)
	chains.POST("/:id/tasks/:task/feedback", s.handleFeedback)
	chains.GET("/:id/events", s.handleEvents)
	return engine
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("eventbridge: server is nil")
	}
	if !s.settings.Enabled {
		return errServerDisabled
	}
	if s.service == nil {
		return fmt.Errorf("eventbridge: chain service is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("eventbridge: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("eventbridge: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.routerReady = true
	s.startTime = s.clock()
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("eventbridge: serve error: %v", err)
		}
	}()
	s.logger.Printf("eventbridge: listening on %s", listener.Addr().String())
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	s.status = StatusDraining
	deadline := ctx
	if deadline == nil {
		var cancel context.CancelFunc
		deadline, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(deadline); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL (scheme + host:port) for the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return s.settings.URL()
	}
	return "http://" + addr
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(s.clock().Sub(s.startTime).Seconds())
}

func (s *Server) limitBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil && s.settings.MaxBodyBytes > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.settings.MaxBodyBytes)
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	s.mu.RLock()
	ready := s.routerReady
	s.mu.RUnlock()
	c.JSON(http.StatusOK, healthResponse{
		Status:        string(s.Status()),
		Version:       ProtocolVersion,
		RouterReady:   ready,
		UptimeSeconds: s.uptimeSeconds(),
	})
}

type submitResponse struct {
	ChainID string `json:"chain_id"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var graph taskgraph.Graph
	if err := c.ShouldBindJSON(&graph); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			abort(c, http.StatusRequestEntityTooLarge, errors.New("payload exceeds limit"))
			return
		}
		abort(c, http.StatusBadRequest, fmt.Errorf("invalid task graph: %w", err))
		return
	}
	id, err := s.service.Submit(c.Request.Context(), graph)
	if err != nil {
		s.fail(c, http.StatusUnprocessableEntity, err)
		return
	}
	if c.Query("start") == "true" {
		if err := s.service.Start(c.Request.Context(), id); err != nil {
			s.fail(c, http.StatusUnprocessableEntity, err)
			return
		}
	}
	c.JSON(http.StatusCreated, submitResponse{ChainID: id})
}

func (s *Server) handleState(c *gin.Context) {
	snap, err := s.service.State(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) transition(op func(context.Context, string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := op(c.Request.Context(), id); err != nil {
			s.fail(c, http.StatusConflict, err)
			return
		}
		snap, err := s.service.State(c.Request.Context(), id)
		if err != nil {
			s.fail(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusAccepted, snap)
	}
}

func (s *Server) handlePaused(c *gin.Context) {
	paused, err := s.service.Paused(c.Param("id"))
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if paused == nil {
		paused = []escalation.PausedTask{}
	}
	c.JSON(http.StatusOK, paused)
}

func (s *Server) handleFeedback(c *gin.Context) {
	var fb escalation.Feedback
	if err := c.ShouldBindJSON(&fb); err != nil {
		abort(c, http.StatusBadRequest, fmt.Errorf("invalid feedback: %w", err))
		return
	}
	if err := fb.Validate(); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if fb.At.IsZero() {
		fb.At = s.clock()
	}
	if err := s.service.ProvideFeedback(c.Param("id"), c.Param("task"), fb); err != nil {
		fallback := http.StatusInternalServerError
		if errors.Is(err, escalation.ErrNotPaused) {
			fallback = http.StatusConflict
		}
		s.fail(c, fallback, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// handleEvents streams the chain's events as JSON text frames until the
// client disconnects or the subscription closes.
func (s *Server) handleEvents(c *gin.Context) {
	id := c.Param("id")
	sub, err := s.service.Subscribe(id)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	defer sub.Close()
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Printf("eventbridge: websocket upgrade for %s: %v", id, err)
		return
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Time{})

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case event, ok := <-sub.Events:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "subscription closed"),
					s.clock().Add(wsWriteTimeout))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(event); err != nil {
				s.logger.Printf("eventbridge: websocket write for %s: %v", id, err)
				return
			}
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (s *Server) fail(c *gin.Context, fallback int, err error) {
	status := s.classify(err)
	if status == 0 {
		status = fallback
	}
	if status >= http.StatusInternalServerError {
		s.logger.Printf("eventbridge: %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	abort(c, status, err)
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
