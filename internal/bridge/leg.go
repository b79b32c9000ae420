package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/callbridge/internal/observability"
	"github.com/antoniostano/callbridge/internal/session"
)

// Conn is the subset of *websocket.Conn a leg needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc opens the AI leg.
type DialFunc func(ctx context.Context) (Conn, error)

// Scheduler runs fn once after d. The returned func cancels a pending run.
type Scheduler func(d time.Duration, fn func()) (stop func() bool)

// AfterFunc is the default Scheduler backed by time.AfterFunc.
func AfterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// leg owns one websocket connection. Reads happen on the session goroutines;
// every write goes through queue and a single writer goroutine so a slow
// remote never blocks the peer leg.
type leg struct {
	name         session.Leg
	conn         Conn
	queue        chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	open         atomic.Bool
	writeTimeout time.Duration
	metrics      *observability.Metrics
	logger       *slog.Logger
}

func newLeg(name session.Leg, conn Conn, queueSize int, writeTimeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *leg {
	l := &leg{
		name:         name,
		conn:         conn,
		queue:        make(chan []byte, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		metrics:      metrics,
		logger:       logger,
	}
	l.open.Store(true)
	return l
}

func (l *leg) isOpen() bool {
	return l != nil && l.open.Load()
}

// send enqueues v without blocking. It reports false if the leg is closed or
// its queue is saturated.
func (l *leg) send(typ string, v any) bool {
	if !l.isOpen() {
		return false
	}
	data, err := json.Marshal(v)
	if err != nil {
		l.logger.Error("encode outbound message failed", "leg", l.name, "type", typ, "error", err)
		return false
	}
	select {
	case <-l.done:
		return false
	case l.queue <- data:
		l.metrics.ObserveMessage(string(l.name), "outbound", typ)
		return true
	default:
		l.metrics.ObserveDrop(string(l.name), "queue_full")
		return false
	}
}

func (l *leg) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case data := <-l.queue:
			_ = l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				l.logger.Warn("leg write failed", "leg", l.name, "error", err)
				l.close()
				return
			}
		}
	}
}

// close sends a normal close frame and releases the connection. Only the
// first call has an effect; it reports whether this call closed the leg.
func (l *leg) close() bool {
	closed := false
	l.closeOnce.Do(func() {
		l.open.Store(false)
		close(l.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = l.conn.Close()
		closed = true
	})
	return closed
}
