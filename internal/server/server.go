// Package server implements the transport listener: it accepts WebSocket
// connections on a single configured path, wraps each one in a protoo
// session, and owns the live-session registry used for broadcast and
// shutdown.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Icolfyou/RTCPilot/internal/metrics"
	"github.com/Icolfyou/RTCPilot/internal/protoo"
)

// Options configure the listener. TLS is enabled only when both CertPath
// and KeyPath are set; otherwise the endpoint is plaintext.
type Options struct {
	Host     string
	Port     int
	CertPath string
	KeyPath  string
	Path     string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server accepts connections and owns every live Session. All other
// components hold back-references only.
type Server struct {
	opts      Options
	log       zerolog.Logger
	onSession func(*protoo.Session)
	baseCtx   context.Context

	mu       sync.RWMutex
	sessions map[string]*protoo.Session
	closed   bool

	httpSrv *http.Server
}

// New builds a Server. onSession runs for every accepted connection before
// its receive loop starts, so callers can register protocol handlers.
func New(ctx context.Context, opts Options, onSession func(*protoo.Session), log zerolog.Logger) *Server {
	if opts.Path == "" {
		opts.Path = "/"
	}
	return &Server{
		opts:      opts,
		log:       log.With().Str("module", "server").Logger(),
		onSession: onSession,
		baseCtx:   ctx,
		sessions:  make(map[string]*protoo.Session),
	}
}

// Router builds the gin engine: the WebSocket endpoint on the configured
// path, prometheus on /metrics, and a catch-all that rejects every other
// path with close code 1008.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET(s.opts.Path, s.handleWS)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.NoRoute(s.rejectPath)
	return r
}

// ListenAndServe blocks serving the endpoint until Shutdown or a listener
// error.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.httpSrv = srv
	s.mu.Unlock()

	tls := s.opts.CertPath != "" && s.opts.KeyPath != ""
	s.log.Info().Str("addr", addr).Str("path", s.opts.Path).Bool("tls", tls).Msg("websocket server listening")
	if tls {
		return srv.ListenAndServeTLS(s.opts.CertPath, s.opts.KeyPath)
	}
	return srv.ListenAndServe()
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("ws upgrade failed")
		return
	}

	sess := protoo.NewSession(conn, s.log)
	if !s.register(sess) {
		sess.Close()
		return
	}
	if s.onSession != nil {
		s.onSession(sess)
	}

	metrics.SessionsConnected.Inc()
	s.log.Info().Str("sid", sess.ID()).Str("peer", sess.Peer()).Msg("client connected")
	sess.Run(s.baseCtx)
	s.unregister(sess.ID())
	metrics.SessionsConnected.Dec()
	s.log.Info().Str("sid", sess.ID()).Str("peer", sess.Peer()).Msg("client disconnected")
}

// rejectPath completes the WebSocket handshake and immediately closes with
// 1008 "invalid path". No Session is created.
func (s *Server) rejectPath(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	s.log.Warn().Str("path", c.Request.URL.Path).Str("expected", s.opts.Path).Msg("rejecting connection: unexpected path")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid path"), deadline)
	_ = conn.Close()
}

func (s *Server) register(sess *protoo.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess.ID()] = sess
	return true
}

// unregister is idempotent: the disconnect path and Shutdown may both reach
// it for the same id.
func (s *Server) unregister(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// BroadcastNotification sends a best-effort notification to every live
// session concurrently. Per-session failures are logged and collected; they
// never propagate to the caller's control flow.
func (s *Server) BroadcastNotification(method string, data any) []error {
	s.mu.RLock()
	targets := make([]*protoo.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.RUnlock()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, sess := range targets {
		wg.Add(1)
		go func(sess *protoo.Session) {
			defer wg.Done()
			if err := sess.SendNotification(method, data); err != nil {
				s.log.Warn().Err(err).Str("sid", sess.ID()).Str("method", method).Msg("broadcast send failed")
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}(sess)
	}
	wg.Wait()
	return errs
}

// Shutdown closes every registered session, clears the registry and stops
// the listener. Safe to call multiple times.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	targets := make([]*protoo.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.sessions = make(map[string]*protoo.Session)
	srv := s.httpSrv
	s.mu.Unlock()

	for _, sess := range targets {
		sess.Close()
	}
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			return err
		}
	}
	s.log.Info().Msg("websocket server stopped")
	return nil
}
