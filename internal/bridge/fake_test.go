package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/callbridge/internal/session"
)

// fakeConn is an in-memory websocket endpoint. Tests push inbound frames with
// deliver and inspect what the bridge wrote with messages.
type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	once      sync.Once
	readCalls atomic.Int64
	delivered atomic.Int64

	// gate, when set before the conn is handed out, holds every write until
	// it is closed. entered counts writes that reached the gate.
	gate    chan struct{}
	entered atomic.Int64

	mu         sync.Mutex
	closeErr   error
	writes     [][]byte
	controls   []int
	closedByUs bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.readCalls.Add(1)
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return 0, nil, c.closeErr
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.entered.Add(1)
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-c.closed:
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return net.ErrClosed
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(messageType int, _ []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, messageType)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.shutdown(net.ErrClosed, true)
	return nil
}

// remoteClose simulates the peer going away.
func (c *fakeConn) remoteClose(code int) {
	c.shutdown(&websocket.CloseError{Code: code}, false)
}

func (c *fakeConn) shutdown(err error, local bool) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.closedByUs = local
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) wasClosedLocally() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isClosed() && c.closedByUs
}

func (c *fakeConn) deliver(t *testing.T, raw string) {
	t.Helper()
	select {
	case c.in <- []byte(raw):
		c.delivered.Add(1)
	case <-time.After(time.Second):
		t.Fatalf("deliver timed out")
	}
}

// waitIdle blocks until the reader has handled every delivered frame and
// asked for the next one.
func (c *fakeConn) waitIdle(t *testing.T) {
	t.Helper()
	waitFor(t, "reader to become idle", func() bool {
		return c.readCalls.Load() > c.delivered.Load()
	})
}

func (c *fakeConn) messages() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.writes))
	for _, w := range c.writes {
		var m map[string]any
		_ = json.Unmarshal(w, &m)
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) rawWrites() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.writes))
	for _, w := range c.writes {
		out = append(out, string(w))
	}
	return out
}

func countType(msgs []map[string]any, key, value string) int {
	n := 0
	for _, m := range msgs {
		if m[key] == value {
			n++
		}
	}
	return n
}

// manualScheduler captures scheduled callbacks so tests decide when the
// delay elapses.
type manualScheduler struct {
	mu      sync.Mutex
	delays  []time.Duration
	fns     []func()
	stopped int
}

func (m *manualScheduler) schedule(d time.Duration, fn func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, d)
	m.fns = append(m.fns, fn)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.stopped++
		return true
	}
}

func (m *manualScheduler) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fns)
}

func (m *manualScheduler) fire(i int) {
	m.mu.Lock()
	fn := m.fns[i]
	m.mu.Unlock()
	fn()
}

// gatedDialer hands out the AI connection only when released.
type gatedDialer struct {
	conn    *fakeConn
	err     error
	release chan struct{}
}

func newGatedDialer(conn *fakeConn) *gatedDialer {
	return &gatedDialer{conn: conn, release: make(chan struct{})}
}

func (g *gatedDialer) dial(ctx context.Context) (Conn, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if g.err != nil {
		return nil, g.err
	}
	return g.conn, nil
}

func (g *gatedDialer) open() { close(g.release) }

// recordingTracker is a Tracker keeping the last reported states.
type recordingTracker struct {
	mu         sync.Mutex
	streamSIDs []string
	legs       map[session.Leg]session.LegState
	configured int
	ended      int
}

func newRecordingTracker() *recordingTracker {
	return &recordingTracker{legs: make(map[session.Leg]session.LegState)}
}

func (r *recordingTracker) SetStream(_ string, streamSID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streamSIDs = append(r.streamSIDs, streamSID)
	return nil
}

func (r *recordingTracker) SetLegState(_ string, leg session.Leg, state session.LegState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.legs[leg] = state
	return nil
}

func (r *recordingTracker) MarkConfigured(string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configured++
	return nil
}

func (r *recordingTracker) End(string) (*session.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended++
	return &session.Call{}, nil
}

func (r *recordingTracker) configuredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.configured
}

func (r *recordingTracker) leg(l session.Leg) session.LegState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.legs[l]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

var errDialRefused = errors.New("dial refused")

// transientDialError mimics a handshake rejected with a retryable status.
type transientDialError struct{}

func (transientDialError) Error() string { return "handshake rejected: 503" }
func (transientDialError) Retryable() bool { return true }

// lockedBuffer is a log sink safe to read while the session writes to it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
