package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Leg names one of the two connections of a bridged call.
type Leg string

const (
	LegTelephony Leg = "telephony"
	LegAI        Leg = "ai"
)

type LegState string

const (
	LegPending LegState = "pending"
	LegOpen    LegState = "open"
	LegClosed  LegState = "closed"
)

var ErrNotFound = errors.New("call not found")

// Call is the registry view of one bridged call.
type Call struct {
	ID             string    `json:"call_id"`
	RemoteAddr     string    `json:"remote_addr"`
	StreamSID      string    `json:"stream_sid,omitempty"`
	CallSID        string    `json:"call_sid,omitempty"`
	Status         Status    `json:"status"`
	TelephonyLeg   LegState  `json:"telephony_leg"`
	AILeg          LegState  `json:"ai_leg"`
	Configured     bool      `json:"session_configured"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
}

// Manager is the registry of accepted calls. It is only used for admission
// and introspection; calls never coordinate through it.
type Manager struct {
	mu        sync.RWMutex
	calls     map[string]*Call
	retention time.Duration
	onEnd     func(*Call)
}

func NewManager(retention time.Duration) *Manager {
	if retention <= 0 {
		retention = 2 * time.Minute
	}
	return &Manager{
		calls:     make(map[string]*Call),
		retention: retention,
	}
}

// SetEndHook registers fn to run after a call ends.
func (m *Manager) SetEndHook(fn func(*Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = fn
}

func (m *Manager) Create(remoteAddr string) *Call {
	now := time.Now().UTC()
	c := &Call{
		ID:             uuid.NewString(),
		RemoteAddr:     remoteAddr,
		Status:         StatusActive,
		TelephonyLeg:   LegOpen,
		AILeg:          LegPending,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[c.ID] = c
	return clone(c)
}

func (m *Manager) Get(id string) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

// List returns all known calls, newest first.
func (m *Manager) List() []*Call {
	m.mu.RLock()
	out := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, clone(c))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

func (m *Manager) SetStream(id, streamSID, callSID string) error {
	return m.update(id, func(c *Call) {
		c.StreamSID = streamSID
		c.CallSID = callSID
	})
}

func (m *Manager) SetLegState(id string, leg Leg, state LegState) error {
	return m.update(id, func(c *Call) {
		switch leg {
		case LegTelephony:
			c.TelephonyLeg = state
		case LegAI:
			c.AILeg = state
		}
	})
}

func (m *Manager) MarkConfigured(id string) error {
	return m.update(id, func(c *Call) {
		c.Configured = true
	})
}

// End marks the call ended. Ending an already ended call is a no-op and does
// not fire the hook again.
func (m *Manager) End(id string) (*Call, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	c, ok := m.calls[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if c.Status == StatusEnded {
		out := clone(c)
		m.mu.Unlock()
		return out, nil
	}
	c.Status = StatusEnded
	c.TelephonyLeg = LegClosed
	c.AILeg = LegClosed
	c.EndedAt = now
	c.LastActivityAt = now
	out := clone(c)
	hook := m.onEnd
	m.mu.Unlock()

	if hook != nil {
		hook(out)
	}
	return out, nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.calls {
		if c.Status == StatusActive {
			count++
		}
	}
	return count
}

// StartJanitor drops ended calls once they are older than the retention.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.pruneEnded()
			}
		}
	}()
}

func (m *Manager) pruneEnded() {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.calls {
		if c.Status != StatusEnded {
			continue
		}
		if now.Sub(c.EndedAt) >= m.retention {
			delete(m.calls, id)
		}
	}
}

func (m *Manager) update(id string, fn func(*Call)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return ErrNotFound
	}
	fn(c)
	c.LastActivityAt = time.Now().UTC()
	return nil
}

func clone(c *Call) *Call {
	out := *c
	return &out
}
