package protoo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Icolfyou/RTCPilot/internal/metrics"
)

const (
	// DefaultRequestTimeout bounds SendRequest when the caller passes no
	// explicit timeout.
	DefaultRequestTimeout = 10 * time.Second

	writeTimeout = 5 * time.Second
)

// State tracks the session lifecycle. Only an open session accepts new
// outbound requests and notifications.
type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

// RequestHandler serves one inbound request method. The returned value is
// marshaled into the ok response; returning a *ResponseError produces an
// error response with that code and reason, any other error maps to code 500.
type RequestHandler func(ctx context.Context, data json.RawMessage) (any, error)

// NotificationHandler serves one inbound notification method.
type NotificationHandler func(ctx context.Context, data json.RawMessage)

type result struct {
	data json.RawMessage
	err  error
}

// Session is the per-connection protocol engine. It encodes outbound
// requests and notifications, decodes inbound frames, correlates responses
// to pending outbound requests by id, and dispatches inbound requests and
// notifications to registered handlers.
//
// The live-session registry inside server.Server is the sole owner of a
// Session; everything else keeps a back-reference and checks Closed().
type Session struct {
	id   string
	peer string
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	state   State
	nextID  uint64
	pending map[uint64]chan result
	onClose []func()

	handlerMu   sync.RWMutex
	reqHandlers map[string]RequestHandler
	ntfHandlers map[string]NotificationHandler
}

// NewSession wraps an accepted WebSocket connection.
func NewSession(conn *websocket.Conn, log zerolog.Logger) *Session {
	id := uuid.NewString()
	peer := conn.RemoteAddr().String()
	return &Session{
		id:          id,
		peer:        peer,
		conn:        conn,
		log:         log.With().Str("sid", id).Str("peer", peer).Logger(),
		pending:     make(map[uint64]chan result),
		reqHandlers: make(map[string]RequestHandler),
		ntfHandlers: make(map[string]NotificationHandler),
	}
}

func (s *Session) ID() string   { return s.id }
func (s *Session) Peer() string { return s.peer }

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateOpen
}

// HandleRequest registers the handler for an inbound request method.
func (s *Session) HandleRequest(method string, h RequestHandler) {
	s.handlerMu.Lock()
	s.reqHandlers[method] = h
	s.handlerMu.Unlock()
}

// HandleNotification registers the handler for an inbound notification method.
func (s *Session) HandleNotification(method string, h NotificationHandler) {
	s.handlerMu.Lock()
	s.ntfHandlers[method] = h
	s.handlerMu.Unlock()
}

// OnClose registers fn to run once when the session closes. If the session
// is already closed fn runs immediately.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	if s.state == StateOpen {
		s.onClose = append(s.onClose, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}

// SendRequest transmits a request envelope and blocks until the correlated
// response arrives, the timeout elapses, ctx is canceled, or the session
// closes. Exactly one of those resolutions occurs per issued request.
func (s *Session) SendRequest(ctx context.Context, method string, data any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	s.nextID++
	id := s.nextID
	ch := make(chan result, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	if data == nil {
		data = struct{}{}
	}

	if err := s.write(requestMessage{Request: true, ID: id, Method: method, Data: data}); err != nil {
		s.unregister(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.data, res.err
	case <-timer.C:
		if s.unregister(id) {
			metrics.RequestTimeouts.Inc()
			s.log.Warn().Uint64("id", id).Str("method", method).Msg("request timed out")
			return nil, ErrRequestTimeout
		}
	case <-ctx.Done():
		if s.unregister(id) {
			return nil, ctx.Err()
		}
	}
	// The resolver won the race against the deadline or cancellation; the
	// buffered result is already there.
	res := <-ch
	return res.data, res.err
}

// SendNotification transmits a notification envelope. No reply is expected;
// a write failure is returned to the caller and affects nothing else.
func (s *Session) SendNotification(method string, data any) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return ErrConnectionClosed
	}
	s.mu.Unlock()
	if data == nil {
		data = struct{}{}
	}
	return s.write(notificationMessage{Notification: true, Method: method, Data: data})
}

// Run reads and dispatches inbound frames until the connection drops or a
// protocol error occurs. It always leaves the session closed.
func (s *Session) Run(ctx context.Context) {
	defer s.Close()
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn().Err(err).Msg("connection dropped")
			}
			return
		}
		env, perr := parseEnvelope(frame)
		if perr != nil {
			s.log.Error().Err(perr).Msg("closing connection")
			s.sendClose(websocket.CloseInvalidFramePayloadData, "protocol error")
			return
		}
		s.dispatch(ctx, env)
	}
}

// Close cancels every pending request with ErrConnectionClosed exactly once,
// clears the pending table, closes the socket and runs the close hooks.
// Safe to call multiple times.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	pending := s.pending
	s.pending = make(map[uint64]chan result)
	hooks := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	for _, ch := range pending {
		ch <- result{err: ErrConnectionClosed}
	}

	s.sendClose(websocket.CloseNormalClosure, "")
	_ = s.conn.Close()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	s.log.Info().Msg("session closed")
}

func (s *Session) dispatch(ctx context.Context, env *envelope) {
	switch {
	case env.Response:
		s.resolve(env)
	case env.Request:
		s.serveRequest(ctx, env)
	case env.Notification:
		s.serveNotification(ctx, env)
	}
}

// resolve matches a response against the pending table of this session only.
func (s *Session) resolve(env *envelope) {
	s.mu.Lock()
	ch, ok := s.pending[env.ID]
	if ok {
		delete(s.pending, env.ID)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Warn().Uint64("id", env.ID).Msg("response matches no pending request, dropped")
		return
	}
	if env.OK {
		ch <- result{data: env.Data}
		return
	}
	ch <- result{err: &ResponseError{Code: env.ErrorCode, Reason: env.ErrorReason}}
}

func (s *Session) serveRequest(ctx context.Context, env *envelope) {
	s.handlerMu.RLock()
	h, ok := s.reqHandlers[env.Method]
	s.handlerMu.RUnlock()
	if !ok {
		s.log.Warn().Str("method", env.Method).Msg("request for unknown method")
		s.replyError(env.ID, 404, fmt.Sprintf("unknown method %q", env.Method))
		return
	}

	data, err := h(ctx, env.Data)
	if err != nil {
		var re *ResponseError
		if errors.As(err, &re) {
			s.replyError(env.ID, re.Code, re.Reason)
		} else {
			s.replyError(env.ID, 500, err.Error())
		}
		return
	}
	if data == nil {
		data = struct{}{}
	}
	if werr := s.write(responseMessage{Response: true, ID: env.ID, OK: true, Data: data}); werr != nil {
		s.log.Error().Err(werr).Uint64("id", env.ID).Msg("failed to send response")
	}
}

func (s *Session) serveNotification(ctx context.Context, env *envelope) {
	s.handlerMu.RLock()
	h, ok := s.ntfHandlers[env.Method]
	s.handlerMu.RUnlock()
	if !ok {
		s.log.Warn().Str("method", env.Method).Msg("notification for unknown method, ignored")
		return
	}
	h(ctx, env.Data)
}

func (s *Session) replyError(id uint64, code int, reason string) {
	msg := responseMessage{Response: true, ID: id, OK: false, ErrorCode: code, ErrorReason: reason}
	if err := s.write(msg); err != nil {
		s.log.Error().Err(err).Uint64("id", id).Msg("failed to send error response")
	}
}

// unregister removes a pending entry and reports whether it was still there.
// Whoever removes the entry owns its single resolution.
func (s *Session) unregister(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

func (s *Session) write(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Session) sendClose(code int, reason string) {
	deadline := time.Now().Add(writeTimeout)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
