// Package transport carries a session's messages over a WebSocket.
package transport

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/teslashibe/go-waterwatch/internal/log"
	"github.com/teslashibe/go-waterwatch/internal/metrics"
	"github.com/teslashibe/go-waterwatch/pkg/protocol"
)

const (
	// writeWait is how long to wait for a write to complete
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong response
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound control messages
	maxMessageSize = 4 * 1024

	noticeBuffer  = 16
	controlBuffer = 8
)

var (
	// ErrClosed is returned by Send once the transport is closed or a
	// write has failed.
	ErrClosed = errors.New("transport closed")

	// ErrBackpressure is returned when the notice queue is full.
	ErrBackpressure = errors.New("notice queue full")
)

// Conn is the subset of a WebSocket connection the transport uses.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Options tune keepalive and timeouts. Zero values use the defaults.
type Options struct {
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = writeWait
	}
	if o.PongWait <= 0 {
		o.PongWait = pongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	return o
}

// WebSocket is a single observer connection. Only the write pump writes
// to the connection.
type WebSocket struct {
	conn Conn
	opts Options
	log  *slog.Logger

	control chan protocol.Control
	frames  chan []byte // one-slot mailbox, newest frame wins
	notices chan []byte

	closing   chan struct{}
	closeOnce sync.Once
	writeDone chan struct{}
	readDone  chan struct{}

	mu     sync.Mutex
	closed bool
	reason string
	err    error
}

// New wraps conn. Call Start before use.
func New(conn Conn, opts Options) *WebSocket {
	return &WebSocket{
		conn:      conn,
		opts:      opts.withDefaults(),
		log:       log.With("component", "transport"),
		control:   make(chan protocol.Control, controlBuffer),
		frames:    make(chan []byte, 1),
		notices:   make(chan []byte, noticeBuffer),
		closing:   make(chan struct{}),
		writeDone: make(chan struct{}),
		readDone:  make(chan struct{}),
	}
}

// Start runs the read and write pumps.
func (w *WebSocket) Start() {
	go w.writePump()
	go w.readPump()
}

// Wait blocks until both pumps have exited.
func (w *WebSocket) Wait() {
	<-w.writeDone
	<-w.readDone
}

// Control delivers inbound control messages and is closed when the
// observer disconnects.
func (w *WebSocket) Control() <-chan protocol.Control { return w.control }

// Send queues msg. Frames replace any frame still waiting to be written.
func (w *WebSocket) Send(msg protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	w.mu.Lock()
	closed, werr := w.closed, w.err
	w.mu.Unlock()
	if werr != nil {
		return errors.Join(ErrClosed, werr)
	}
	if closed {
		return ErrClosed
	}

	if msg.IsFrame() {
		w.offerFrame(data)
		return nil
	}

	select {
	case w.notices <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (w *WebSocket) offerFrame(data []byte) {
	for {
		select {
		case w.frames <- data:
			return
		default:
		}
		select {
		case <-w.frames:
			metrics.FramesDropped.Inc()
		default:
		}
	}
}

// Close flushes queued notices, sends a close frame and closes the
// connection. Safe to call more than once.
func (w *WebSocket) Close(reason string) error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.reason = reason
		w.mu.Unlock()
		close(w.closing)
	})

	select {
	case <-w.writeDone:
	case <-time.After(w.opts.WriteWait):
		w.log.Warn("write pump did not drain in time", "reason", reason)
	}
	return w.conn.Close()
}

func (w *WebSocket) fail(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
}

// readPump reads control messages until the connection goes away.
func (w *WebSocket) readPump() {
	defer func() {
		close(w.control)
		close(w.readDone)
	}()

	w.conn.SetReadLimit(maxMessageSize)
	w.conn.SetReadDeadline(time.Now().Add(w.opts.PongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(w.opts.PongWait))
	})

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.log.Debug("observer read failed", "error", err)
			}
			return
		}

		c, err := protocol.ParseControl(data)
		if err != nil {
			w.log.Debug("ignoring malformed control message", "error", err)
			continue
		}

		select {
		case w.control <- c:
		case <-w.closing:
			return
		}
	}
}

// writePump writes queued messages and keepalive pings. Notices go
// ahead of frames.
func (w *WebSocket) writePump() {
	ticker := time.NewTicker(w.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		close(w.writeDone)
	}()

	for {
		select {
		case data := <-w.notices:
			if !w.write(websocket.TextMessage, data) {
				return
			}
			continue
		default:
		}

		select {
		case <-w.closing:
			w.flush()
			return
		case data := <-w.notices:
			if !w.write(websocket.TextMessage, data) {
				return
			}
		case data := <-w.frames:
			if !w.write(websocket.TextMessage, data) {
				return
			}
		case <-ticker.C:
			if !w.write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// flush writes the remaining notices and a close frame.
func (w *WebSocket) flush() {
	for {
		select {
		case data := <-w.notices:
			if !w.write(websocket.TextMessage, data) {
				return
			}
		default:
			w.mu.Lock()
			reason := w.reason
			w.mu.Unlock()
			w.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
			return
		}
	}
}

func (w *WebSocket) write(kind int, data []byte) bool {
	w.conn.SetWriteDeadline(time.Now().Add(w.opts.WriteWait))
	if err := w.conn.WriteMessage(kind, data); err != nil {
		w.fail(err)
		w.log.Debug("observer write failed", "error", err)
		// Unblock the reader so the session sees the disconnect.
		w.conn.Close()
		return false
	}
	return true
}
