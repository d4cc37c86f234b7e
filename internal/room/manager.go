package room

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Icolfyou/RTCPilot/internal/msu"
)

// Manager owns the user registry and the room-to-MSU routing cache. A room
// exists implicitly: it comes into being with its first join attempt or
// cache entry and is never explicitly destroyed.
type Manager struct {
	msus          *msu.Manager
	inviteTimeout time.Duration
	log           zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*msu.Msu
	users map[string]*User
}

func NewManager(msus *msu.Manager, inviteTimeout time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		msus:          msus,
		inviteTimeout: inviteTimeout,
		log:           log.With().Str("module", "room.manager").Logger(),
		rooms:         make(map[string]*msu.Msu),
		users:         make(map[string]*User),
	}
}

// GetOrCreateUser returns the user with userID, creating it on first
// reference. A non-empty name overwrites the stored one.
func (m *Manager) GetOrCreateUser(userID, name string) *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		u = NewUser(userID, name)
		m.users[userID] = u
		m.log.Info().Str("user", userID).Str("name", name).Msg("user created")
		return u
	}
	if name != "" {
		u.Name = name
	}
	return u
}

func (m *Manager) GetUser(userID string) *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID]
}

func (m *Manager) RemoveUser(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return false
	}
	delete(m.users, userID)
	m.log.Info().Str("user", userID).Msg("user removed")
	return true
}

// GetMsuForRoom returns the MSU cached for roomID, resolving it lazily on
// first use: any available MSU is picked and held sticky for the room's
// lifetime. Returns nil when no MSU exists anywhere.
func (m *Manager) GetMsuForRoom(roomID string) *msu.Msu {
	if roomID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.rooms[roomID]; ok {
		return cached
	}
	item := m.msus.First()
	if item != nil {
		m.rooms[roomID] = item
		m.log.Info().Str("room", roomID).Str("msu", item.MsuID).Msg("room routed to msu")
	}
	return item
}

// HandleJoinRoom routes a room join to the room's MSU. With no MSU
// available it logs a warning and does nothing: no retry, no queuing.
func (m *Manager) HandleJoinRoom(ctx context.Context, roomID, userID, userName string) {
	m.log.Info().Str("room", roomID).Str("user", userID).Str("name", userName).Msg("handling join room")
	item := m.GetMsuForRoom(roomID)
	if item == nil {
		m.log.Warn().Str("room", roomID).Msg("no msu available to join room")
		return
	}
	item.HandleJoinRoom(ctx, roomID, userID, userName, m.inviteTimeout)
}

// InvalidateMsu drops routing-cache entries that point at the given MSUs,
// so rooms stop routing invites toward endpoints that no longer exist. It
// returns the number of entries dropped.
func (m *Manager) InvalidateMsu(msuIDs ...string) int {
	if len(msuIDs) == 0 {
		return 0
	}
	dead := make(map[string]struct{}, len(msuIDs))
	for _, id := range msuIDs {
		dead[id] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := 0
	for roomID, item := range m.rooms {
		if _, ok := dead[item.MsuID]; ok {
			delete(m.rooms, roomID)
			dropped++
			m.log.Info().Str("room", roomID).Str("msu", item.MsuID).Msg("dropped stale msu route")
		}
	}
	return dropped
}
