package registry

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type CallState string

const (
	StateSetup     CallState = "setup"
	StateRinging   CallState = "ringing"
	StateAnswered  CallState = "answered"
	StateListening CallState = "listening"
	StateEnded     CallState = "ended"
	StateError     CallState = "error"
)

// Terminal reports whether a state admits no further transitions.
func (s CallState) Terminal() bool { return s == StateEnded || s == StateError }

type Turn struct {
	Role      string    `json:"role"` // "caller" | "assistant"
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// CallSession is the in-memory state of one live call. All mutable fields
// are owned by the session lock; access goes through Registry.WithLock.
type CallSession struct {
	CallID             string
	TelephonySessionID string
	PartyID            string
	DeviceID           string
	Transport          string // "webhook" | "sip"
	Direction          string
	FromNumber         string
	ToNumber           string

	State        CallState
	History      []Turn
	AudioIn      []byte
	// ChunkBytes is the buffered-audio threshold that triggers a pipeline
	// run; it depends on the transport's sample rate.
	ChunkBytes   int
	Processing   bool
	// Recording gates audio ingestion; bridge clients toggle it.
	Recording    bool
	Answered     bool
	StartTime    time.Time
	LastActivity time.Time
}

// Touch bumps the activity clock; the idle sweeper reads it. Callers must
// hold the session lock.
func (s *CallSession) Touch() { s.LastActivity = time.Now() }

// AppendTurn records a conversation turn. Callers must hold the session
// lock.
func (s *CallSession) AppendTurn(role, text string) {
	s.History = append(s.History, Turn{Role: role, Text: text, Timestamp: time.Now()})
	s.Touch()
}

// Snapshot is a copy of session fields safe to use outside the lock.
type Snapshot struct {
	CallID       string    `json:"call_id"`
	Transport    string    `json:"transport"`
	Direction    string    `json:"direction"`
	FromNumber   string    `json:"from_number"`
	ToNumber     string    `json:"to_number"`
	State        CallState `json:"state"`
	Turns        int       `json:"turns"`
	StartTime    time.Time `json:"start_time"`
	LastActivity time.Time `json:"last_activity"`
}

type entry struct {
	mu      sync.Mutex
	session *CallSession
}

// Registry tracks every live call session by call ID. The registry lock
// guards the map only; each session carries its own lock so work on one
// call never blocks another.
type Registry struct {
	mu    sync.RWMutex
	calls map[string]*entry
	log   *logrus.Logger
}

func New(log *logrus.Logger) *Registry {
	return &Registry{calls: make(map[string]*entry), log: log}
}

// CreateOrGet returns the session for callID, creating it when absent.
// The boolean is true when the session was just created. init is applied
// to a new session before it becomes visible.
func (r *Registry) CreateOrGet(callID string, init func(*CallSession)) (Snapshot, bool) {
	r.mu.Lock()
	e, ok := r.calls[callID]
	if !ok {
		now := time.Now()
		s := &CallSession{
			CallID:       callID,
			State:        StateSetup,
			Recording:    true,
			StartTime:    now,
			LastActivity: now,
		}
		if init != nil {
			init(s)
		}
		e = &entry{session: s}
		r.calls[callID] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	snap := snapshot(e.session)
	e.mu.Unlock()
	return snap, !ok
}

// WithLock runs fn with the session locked. It returns false, logging a
// warning, when callID is unknown; late packets and redelivered events for
// removed calls land here and must be no-ops.
func (r *Registry) WithLock(callID string, fn func(*CallSession)) bool {
	r.mu.RLock()
	e, ok := r.calls[callID]
	r.mu.RUnlock()
	if !ok {
		r.log.WithField("call_id", callID).Warn("registry: unknown call id, ignoring")
		return false
	}
	e.mu.Lock()
	fn(e.session)
	e.mu.Unlock()
	return true
}

// Remove drops the session. Removing an absent session is a no-op.
func (r *Registry) Remove(callID string) bool {
	r.mu.Lock()
	_, ok := r.calls[callID]
	delete(r.calls, callID)
	r.mu.Unlock()
	return ok
}

func (r *Registry) Exists(callID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.calls[callID]
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// ListActive returns snapshots of every live session.
func (r *Registry) ListActive() []Snapshot {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.calls))
	for _, e := range r.calls {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, snapshot(e.session))
		e.mu.Unlock()
	}
	return out
}

func snapshot(s *CallSession) Snapshot {
	return Snapshot{
		CallID:       s.CallID,
		Transport:    s.Transport,
		Direction:    s.Direction,
		FromNumber:   s.FromNumber,
		ToNumber:     s.ToNumber,
		State:        s.State,
		Turns:        len(s.History),
		StartTime:    s.StartTime,
		LastActivity: s.LastActivity,
	}
}
