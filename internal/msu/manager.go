package msu

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Icolfyou/RTCPilot/internal/metrics"
)

var ErrEmptyID = errors.New("msu id must be a non-empty string")

// Manager owns every Msu keyed by id. It is the sole writer of MSU liveness
// and existence; other components read its entries but never own them.
type Manager struct {
	mu    sync.RWMutex
	items map[string]*Msu
	log   zerolog.Logger
}

func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		items: make(map[string]*Msu),
		log:   log.With().Str("module", "msu.manager").Logger(),
	}
}

// AddOrUpdate creates the MSU bound to sess if msuID is unknown, otherwise
// rebinds its session. Liveness is set to aliveMs when positive, else
// refreshed to now.
func (mgr *Manager) AddOrUpdate(sess Session, msuID string, aliveMs int64) (*Msu, error) {
	if msuID == "" {
		return nil, ErrEmptyID
	}
	mgr.mu.Lock()
	item, ok := mgr.items[msuID]
	if !ok {
		item = New(sess, msuID, mgr.log)
		mgr.items[msuID] = item
		mgr.log.Info().Str("msu", msuID).Str("peer", sess.Peer()).Msg("msu created")
	} else {
		item.bindSession(sess)
	}
	metrics.MsusRegistered.Set(float64(len(mgr.items)))
	mgr.mu.Unlock()

	if aliveMs > 0 {
		item.Touch(aliveMs)
	} else {
		item.Touch(0)
	}
	return item, nil
}

func (mgr *Manager) Get(msuID string) *Msu {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return mgr.items[msuID]
}

func (mgr *Manager) Remove(msuID string) bool {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if _, ok := mgr.items[msuID]; !ok {
		return false
	}
	delete(mgr.items, msuID)
	metrics.MsusRegistered.Set(float64(len(mgr.items)))
	mgr.log.Info().Str("msu", msuID).Msg("msu removed")
	return true
}

// Touch refreshes liveness of a known MSU. Unknown ids are a no-op.
func (mgr *Manager) Touch(msuID string) {
	if item := mgr.Get(msuID); item != nil {
		item.Touch(0)
	}
}

func (mgr *Manager) ListIDs() []string {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	ids := make([]string, 0, len(mgr.items))
	for id := range mgr.items {
		ids = append(ids, id)
	}
	return ids
}

// First returns an arbitrary MSU, or nil when none is registered. The pick
// is deliberately unspecified: the routing policy is "any".
func (mgr *Manager) First() *Msu {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	for _, item := range mgr.items {
		return item
	}
	return nil
}

func (mgr *Manager) Len() int {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return len(mgr.items)
}

// PruneStale evicts every MSU whose age exceeds ttlMs and returns the
// evicted ids. This is the sole garbage collection for MSUs; an external
// scheduler must invoke it periodically. A zero now means the wall clock.
func (mgr *Manager) PruneStale(ttlMs, now int64) []string {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	var removed []string
	for id, item := range mgr.items {
		if !item.IsAlive(ttlMs, now) {
			removed = append(removed, id)
			delete(mgr.items, id)
		}
	}
	if len(removed) > 0 {
		metrics.MsusRegistered.Set(float64(len(mgr.items)))
		metrics.MsusPruned.Add(float64(len(removed)))
		mgr.log.Info().Strs("msus", removed).Msg("pruned stale msus")
	}
	return removed
}
