package room

import "sync"

// Session is the slice of the protocol engine a user binding needs. The
// transport listener owns the sessions; a User keeps a back-reference only
// and detects a dead one lazily through Closed().
type Session interface {
	ID() string
	SendNotification(method string, data any) error
	Closed() bool
}

// User is an identity with a single live session binding and a registry of
// published media keyed by pusher id. Rebinding overwrites: last writer wins.
type User struct {
	UserID string
	Name   string

	mu      sync.Mutex
	sess    Session
	pushers map[string]*PushInfo
}

func NewUser(userID, name string) *User {
	return &User{
		UserID:  userID,
		Name:    name,
		pushers: make(map[string]*PushInfo),
	}
}

// AddSession binds a session to the user, replacing any previous binding.
func (u *User) AddSession(s Session) {
	u.mu.Lock()
	u.sess = s
	u.mu.Unlock()
}

// RemoveSession clears the binding only if the stored session is s.
func (u *User) RemoveSession(s Session) {
	u.mu.Lock()
	if u.sess == s {
		u.sess = nil
	}
	u.mu.Unlock()
}

// GetSession returns the bound session, or nil if none is bound or the bound
// one has closed.
func (u *User) GetSession() Session {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.sess == nil || u.sess.Closed() {
		return nil
	}
	return u.sess
}

// HasSessions reports whether a live session is currently bound.
func (u *User) HasSessions() bool {
	return u.GetSession() != nil
}

// SendNotificationToSessions delivers a best-effort notification to the
// bound session. The caller may log and discard the error; it must never
// abort the triggering flow.
func (u *User) SendNotificationToSessions(method string, data any) error {
	s := u.GetSession()
	if s == nil {
		return nil
	}
	return s.SendNotification(method, data)
}

func (u *User) SetPusherInfo(info *PushInfo) {
	u.mu.Lock()
	u.pushers[info.PusherID] = info
	u.mu.Unlock()
}

// PusherInfo returns a copy of the pusher registry.
func (u *User) PusherInfo() map[string]*PushInfo {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]*PushInfo, len(u.pushers))
	for id, info := range u.pushers {
		out[id] = info
	}
	return out
}

func (u *User) PusherByID(pusherID string) *PushInfo {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pushers[pusherID]
}

func (u *User) ClearPusherInfo() {
	u.mu.Lock()
	u.pushers = make(map[string]*PushInfo)
	u.mu.Unlock()
}

// Snapshot is the serializable view of a user.
type Snapshot struct {
	UserID  string               `json:"user_id"`
	Name    string               `json:"name"`
	Pushers map[string]*PushInfo `json:"pushers"`
}

func (u *User) Snapshot() Snapshot {
	return Snapshot{UserID: u.UserID, Name: u.Name, Pushers: u.PusherInfo()}
}
