// Package httpapi is the HTTP ingress of the update engine: upload routes
// that feed chunks to an update.Engine, a WebSocket broadcast of progress
// messages, and status, log and metrics endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/coder/websocket"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"openenterprise/otaengine/channel"
	"openenterprise/otaengine/telemetry"
	"openenterprise/otaengine/update"
)

const (
	// DefaultChunkSize is how much of a request body goes into one chunk.
	DefaultChunkSize = 4096
	// DefaultLogCount is served by /api/logs without ?n=.
	DefaultLogCount = 50

	socketPingInterval = 15 * time.Second
	socketWriteTimeout = 5 * time.Second
)

// Upload request headers.
const (
	HeaderSize     = "X-Update-Size"
	HeaderDigest   = "X-Update-SHA256"
	HeaderFilename = "X-Update-Filename"
)

// Engine is the part of update.Engine the server drives.
type Engine interface {
	Deliver(kind update.Kind, c update.Chunk) (update.Result, error)
	Abort(sessionID string, cause error) bool
	Status() update.Status
}

// Options configure a Server. Engine is required.
type Options struct {
	Engine Engine
	// Hub feeds /ws; without it the route is not mounted.
	Hub *channel.Hub
	// Logs feeds /api/logs, default telemetry.Default().
	Logs *telemetry.Ring
	// Gatherer feeds /metrics; without it the route is not mounted.
	Gatherer prometheus.Gatherer
	// Restarter runs the restart of a completed update. Nil only logs it.
	Restarter update.Restarter
	// Context bounds pending restarts and open sockets; cancelling it drops
	// the restarts and closes the sockets.
	Context        context.Context
	ChunkSize      int
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server routes HTTP requests to the engine.
type Server struct {
	opts   Options
	log    *slog.Logger
	router chi.Router

	restarts sync.WaitGroup
}

// New builds a Server and its routes.
func New(opts Options) *Server {
	if opts.Logs == nil {
		opts.Logs = telemetry.Default()
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{opts: opts, log: opts.Logger}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(s.logRequests)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", HeaderSize, HeaderDigest, HeaderFilename},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.health)
	r.Post("/update", s.upload(update.KindCode))
	r.Post("/update/filesystem", s.upload(update.KindFilesystem))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/logs", s.logs)
	})
	if s.opts.Hub != nil {
		r.Get("/ws", s.socket)
	}
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Wait blocks until scheduled restarts have run or been dropped.
func (s *Server) Wait() { s.restarts.Wait() }

func (s *Server) restart(a update.RestartAction) {
	if s.opts.Restarter == nil {
		s.log.Warn("ota:restart-unhandled", slog.String("session", a.SessionID))
		return
	}
	s.restarts.Add(1)
	go func() {
		defer s.restarts.Done()
		if err := a.Run(s.opts.Context, s.opts.Restarter); err != nil {
			s.log.Error("ota:restart-failed",
				slog.String("session", a.SessionID),
				slog.String("err", err.Error()),
			)
		}
	}()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http:request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("took", time.Since(start)),
			slog.String("remote", r.RemoteAddr),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Engine.Status())
}

func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	n := DefaultLogCount
	if q := r.URL.Query().Get("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Status: "error", Reason: "bad_request"})
			return
		}
		n = v
	}
	entries := s.opts.Logs.Recent(n)
	if entries == nil {
		entries = []telemetry.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// socket pushes every hub message to a WebSocket client as a text frame
// until the client goes away or the server context ends. Messages from the
// client are not expected; reading them only tracks the close handshake.
func (s *Server) socket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		s.log.Warn("ws:accept-failed", slog.String("remote", r.RemoteAddr), slog.String("err", err.Error()))
		return
	}
	defer conn.CloseNow()
	sub := s.opts.Hub.Subscribe()
	defer sub.Close()

	ctx := conn.CloseRead(r.Context())
	s.log.Info("ws:connected", slog.String("remote", r.RemoteAddr))
	ping := time.NewTicker(socketPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("ws:disconnected", slog.String("remote", r.RemoteAddr))
			return
		case <-s.opts.Context.Done():
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case <-ping.C:
			if err := s.send(ctx, func(ctx context.Context) error { return conn.Ping(ctx) }); err != nil {
				return
			}
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			err := s.send(ctx, func(ctx context.Context) error {
				return conn.Write(ctx, websocket.MessageText, msg)
			})
			if err != nil {
				s.log.Debug("ws:write-failed", slog.String("remote", r.RemoteAddr), slog.String("err", err.Error()))
				return
			}
		}
	}
}

func (s *Server) send(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, socketWriteTimeout)
	defer cancel()
	return fn(ctx)
}

// acceptOptions applies the CORS origins to the WebSocket handshake.
func (s *Server) acceptOptions() *websocket.AcceptOptions {
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" {
			return &websocket.AcceptOptions{InsecureSkipVerify: true}
		}
	}
	return &websocket.AcceptOptions{OriginPatterns: s.opts.AllowedOrigins}
}

type errorBody struct {
	Status  string `json:"status"`
	Reason  string `json:"reason"`
	Session string `json:"session,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// statusCode maps engine errors to HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, update.ErrBusy),
		errors.Is(err, update.ErrNoSession),
		errors.Is(err, update.ErrSessionClosed),
		errors.Is(err, update.ErrAborted):
		return http.StatusConflict
	case errors.Is(err, update.ErrInsufficientSpace):
		return http.StatusInsufficientStorage
	case errors.Is(err, update.ErrValidation), errors.Is(err, update.ErrZeroLength):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
