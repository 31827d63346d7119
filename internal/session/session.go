// Package session holds the authenticated identity shared by the login
// manager, the API client and the scheduler. All fields sit behind one lock.
package session

import (
	"errors"
	"sync"
	"time"
)

// Tier is the account membership level.
type Tier int

const (
	TierNone Tier = iota
	TierPlus
	TierComfort
)

func (t Tier) String() string {
	switch t {
	case TierPlus:
		return "plus"
	case TierComfort:
		return "comfort"
	}
	return "none"
}

// ConnectionState is the login state machine position.
type ConnectionState int

const (
	StateInitializing ConnectionState = iota
	StateConnecting
	StateConnected
	StateUnreachable
	StateDenied
)

func (s ConnectionState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateUnreachable:
		return "unreachable"
	case StateDenied:
		return "denied"
	}
	return "unknown"
}

// DeletedCookie is the value upstream sends when it expires a cookie; never stored.
const DeletedCookie = "deleted"

// ErrIncomplete is returned by MarkConnected when the identity is not usable.
var ErrIncomplete = errors.New("session: cookie, api key and tier required to connect")

// Snapshot is a consistent copy of the session fields.
type Snapshot struct {
	Cookie           string
	APIKey           string
	UserID           string
	Tier             Tier
	State            ConnectionState
	NextLoginAttempt time.Time
	ConnectedAt      time.Time
}

// State is the session of one client instance. The zero value is not usable; call New.
type State struct {
	mu   sync.RWMutex
	snap Snapshot
}

// New returns a session in StateInitializing holding a cookie restored from storage.
func New(cookie string) *State {
	if cookie == DeletedCookie {
		cookie = ""
	}
	return &State{snap: Snapshot{Cookie: cookie, State: StateInitializing}}
}

// Snapshot returns a copy of all fields taken under the lock.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *State) Cookie() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Cookie
}

func (s *State) APIKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.APIKey
}

func (s *State) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.UserID
}

func (s *State) Tier() Tier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Tier
}

func (s *State) ConnectionState() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.State
}

func (s *State) IsConnected() bool {
	return s.ConnectionState() == StateConnected
}

// SetConnectionState moves to any state except StateConnected, which must go through MarkConnected.
func (s *State) SetConnectionState(st ConnectionState) {
	if st == StateConnected {
		return
	}
	s.mu.Lock()
	s.snap.State = st
	s.mu.Unlock()
}

// MarkConnected transitions to StateConnected if cookie and api key are set and the tier is not None.
func (s *State) MarkConnected(at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.Cookie == "" || s.snap.APIKey == "" || s.snap.Tier == TierNone {
		return ErrIncomplete
	}
	s.snap.State = StateConnected
	s.snap.ConnectedAt = at
	return nil
}

// RotateCookie stores v if it is a real value different from the current one.
// It reports whether the stored cookie changed.
func (s *State) RotateCookie(v string) bool {
	if v == "" || v == DeletedCookie {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v == s.snap.Cookie {
		return false
	}
	s.snap.Cookie = v
	return true
}

// SetIdentity records what was scraped from the landing page.
func (s *State) SetIdentity(apiKey, userID string, tier Tier) {
	s.mu.Lock()
	s.snap.APIKey = apiKey
	s.snap.UserID = userID
	s.snap.Tier = tier
	s.mu.Unlock()
}

// ClearSession drops the short-lived cookie and api key and returns to StateConnecting.
// It reports whether the session was connected before.
func (s *State) ClearSession() (wasConnected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasConnected = s.snap.State == StateConnected
	s.snap.Cookie = ""
	s.snap.APIKey = ""
	s.snap.State = StateConnecting
	return wasConnected
}

// NextLoginAttempt is the earliest time the login loop may try again.
func (s *State) NextLoginAttempt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.NextLoginAttempt
}

// ScheduleLogin sets the next permitted login attempt.
func (s *State) ScheduleLogin(at time.Time) {
	s.mu.Lock()
	s.snap.NextLoginAttempt = at
	s.mu.Unlock()
}
