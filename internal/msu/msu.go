// Package msu tracks the managed session units that relay media on behalf
// of rooms: their signaling session binding, liveness, and the invite
// handshake issued when a room is routed to them.
package msu

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Icolfyou/RTCPilot/internal/metrics"
)

// Session is the slice of the protocol engine an MSU binding needs. The
// transport listener owns the sessions; an Msu keeps a rebindable
// back-reference only.
type Session interface {
	ID() string
	Peer() string
	SendRequest(ctx context.Context, method string, data any, timeout time.Duration) (json.RawMessage, error)
	SendNotification(method string, data any) error
	Closed() bool
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Msu is one managed session unit: a bound session plus a liveness
// timestamp in unix milliseconds.
type Msu struct {
	MsuID string

	mu      sync.Mutex
	sess    Session
	aliveMs int64

	log zerolog.Logger
}

func New(sess Session, msuID string, log zerolog.Logger) *Msu {
	return &Msu{
		MsuID:   msuID,
		sess:    sess,
		aliveMs: nowMs(),
		log:     log.With().Str("msu", msuID).Logger(),
	}
}

// Touch refreshes the liveness timestamp. A zero now means the wall clock.
func (m *Msu) Touch(now int64) {
	if now == 0 {
		now = nowMs()
	}
	m.mu.Lock()
	m.aliveMs = now
	m.mu.Unlock()
}

func (m *Msu) AliveMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aliveMs
}

// MsSinceAlive returns the elapsed milliseconds since the last touch, never
// negative. A zero now means the wall clock.
func (m *Msu) MsSinceAlive(now int64) int64 {
	if now == 0 {
		now = nowMs()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if now < m.aliveMs {
		return 0
	}
	return now - m.aliveMs
}

// IsAlive reports whether the MSU was touched within ttlMs.
func (m *Msu) IsAlive(ttlMs, now int64) bool {
	return m.MsSinceAlive(now) <= ttlMs
}

// Session returns the bound session, or nil once it has closed.
func (m *Msu) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.Closed() {
		return nil
	}
	return m.sess
}

func (m *Msu) bindSession(sess Session) {
	m.mu.Lock()
	m.sess = sess
	m.mu.Unlock()
}

// HandleJoinRoom issues the invite handshake for a room join over the bound
// session and, on success, tells the MSU about the joining user. Failures
// are logged and never propagated: room-membership bookkeeping must not
// depend on media-plane reachability.
func (m *Msu) HandleJoinRoom(ctx context.Context, roomID, userID, userName string, timeout time.Duration) {
	sess := m.Session()
	if sess == nil {
		m.log.Warn().Str("room", roomID).Msg("no live session bound, invite skipped")
		return
	}

	m.log.Info().Str("room", roomID).Msg("msu joining room")
	metrics.InvitesSent.Inc()
	res, err := sess.SendRequest(ctx, "invite", map[string]string{"roomId": roomID}, timeout)
	if err != nil {
		m.log.Error().Err(err).Str("room", roomID).Msg("invite request failed")
		return
	}
	m.log.Info().Str("room", roomID).Str("response", string(res)).Msg("invite accepted")

	err = sess.SendNotification("newUser", map[string]string{
		"roomId":   roomID,
		"userId":   userID,
		"userName": userName,
	})
	if err != nil {
		m.log.Error().Err(err).Str("room", roomID).Str("user", userID).Msg("newUser notification failed")
	}
}
