// Package client is the consumer side of the event bus: it maintains a
// single WebSocket connection bound to one organization, survives
// transport drops with bounded backoff, and translates incoming events
// into cache invalidations.
//
// The connection is an explicitly constructed, explicitly passed object.
// Nothing in this package relies on a process-wide "current socket".
package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/lumina-crm/pulse/internal/events"
	"github.com/lumina-crm/pulse/internal/ws"
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 5 * time.Second
)

// Handler receives the payload of one event.
type Handler func(payload json.RawMessage)

// Subscription is a stable handle for one (event, consumer) pair. The
// callback is held behind an indirection cell: Swap installs a new
// callback without touching the transport listener, so consumers whose
// closures change frequently neither leak stale state nor churn
// subscriptions.
type Subscription struct {
	event string
	fn    atomic.Value // Handler
}

// Swap replaces the callback. The next matching event invokes the new one.
func (s *Subscription) Swap(fn Handler) {
	s.fn.Store(fn)
}

// DialFunc opens a transport connection. Injectable for tests.
type DialFunc func(ctx context.Context) (*websocket.Conn, error)

// Options tune a Conn. The zero value uses production defaults.
type Options struct {
	Dial           DialFunc
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OnStateChange observes lifecycle transitions for diagnostics. It is
	// invoked on its own goroutine and must not be relied on for ordering.
	OnStateChange func(State)
}

// Conn owns one logical connection for one client context.
type Conn struct {
	url            string
	userID         string
	organizationID string
	dial           DialFunc
	initialBackoff time.Duration
	maxBackoff     time.Duration
	onStateChange  func(State)

	mu      sync.Mutex
	state   State
	running bool
	cancel  context.CancelFunc
	sock    *websocket.Conn
	subs    map[string][]*Subscription
	done    chan struct{}
}

// New creates a connection manager for the given identity. It does not
// connect until Start is called.
func New(url, userID, organizationID string, opts Options) *Conn {
	c := &Conn{
		url:            url,
		userID:         userID,
		organizationID: organizationID,
		dial:           opts.Dial,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		onStateChange:  opts.OnStateChange,
		subs:           make(map[string][]*Subscription),
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = defaultInitialBackoff
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = defaultMaxBackoff
	}
	if c.dial == nil {
		c.dial = func(ctx context.Context) (*websocket.Conn, error) {
			conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
				HTTPHeader: http.Header{
					"X-User-ID":         []string{userID},
					"X-Organization-ID": []string{organizationID},
				},
			})
			return conn, err
		}
	}
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// On registers a handler for an event and returns its subscription
// handle. Call Swap on the handle when the consumer's callback changes.
func (c *Conn) On(event string, fn Handler) *Subscription {
	sub := &Subscription{event: event}
	sub.fn.Store(fn)

	c.mu.Lock()
	c.subs[event] = append(c.subs[event], sub)
	c.mu.Unlock()
	return sub
}

// Off removes a subscription.
func (c *Conn) Off(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.subs[sub.event]
	for i, s := range list {
		if s == sub {
			c.subs[sub.event] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Start begins connecting. Calling Start while the connection is live is
// a no-op: one client context holds at most one live connection.
func (c *Conn) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx)
}

// Close is the explicit teardown for a lost identity: it emits a
// room-leave, cancels any pending reconnect loop, and closes the
// transport. Safe to call repeatedly.
func (c *Conn) Close() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	sock := c.sock
	c.sock = nil
	done := c.done
	c.mu.Unlock()

	if sock != nil {
		ctx, cancelWrite := context.WithTimeout(context.Background(), time.Second)
		c.writeFrame(ctx, sock, events.LeaveOrganization, c.organizationID)
		cancelWrite()
		sock.Close(websocket.StatusNormalClosure, "client teardown")
	}
	cancel()
	<-done
	c.setState(Disconnected)
}

// run is the connect/reconnect loop. Room membership does not survive a
// transport reconnect, so every successful dial re-issues the join.
func (c *Conn) run(ctx context.Context) {
	defer close(c.done)

	delay := c.initialBackoff
	first := true

	for {
		if ctx.Err() != nil {
			return
		}
		if first {
			c.setState(Connecting)
		} else {
			c.setState(Reconnecting)
		}

		sock, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("connect failed, retrying",
				"organization_id", c.organizationID,
				"retry_in", delay,
				"error", err,
			)
			first = false
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = nextBackoff(delay, c.maxBackoff)
			continue
		}

		if err := c.writeFrame(ctx, sock, events.JoinOrganization, c.organizationID); err != nil {
			sock.Close(websocket.StatusAbnormalClosure, "join failed")
			first = false
			continue
		}

		c.mu.Lock()
		c.sock = sock
		c.mu.Unlock()
		c.setState(Connected)
		delay = c.initialBackoff

		c.readFrames(ctx, sock)

		c.mu.Lock()
		c.sock = nil
		c.mu.Unlock()
		first = false
	}
}

// nextBackoff doubles the delay up to the ceiling.
func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// readFrames dispatches incoming events until the transport drops.
func (c *Conn) readFrames(ctx context.Context, sock *websocket.Conn) {
	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Info("connection lost", "organization_id", c.organizationID)
			}
			return
		}

		var frame ws.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("malformed server frame, ignoring", "error", err)
			continue
		}
		c.dispatch(frame.Event, frame.Data)
	}
}

// dispatch invokes the latest callback of every subscription for the
// event.
func (c *Conn) dispatch(event string, payload json.RawMessage) {
	c.mu.Lock()
	list := make([]*Subscription, len(c.subs[event]))
	copy(list, c.subs[event])
	c.mu.Unlock()

	for _, sub := range list {
		if fn, ok := sub.fn.Load().(Handler); ok && fn != nil {
			fn(payload)
		}
	}
}

func (c *Conn) writeFrame(ctx context.Context, sock *websocket.Conn, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(ws.Frame{Event: event, Data: raw})
	if err != nil {
		return err
	}
	return sock.Write(ctx, websocket.MessageText, frame)
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	observer := c.onStateChange
	c.mu.Unlock()

	slog.Debug("connection state changed", "state", s.String(), "organization_id", c.organizationID)
	if observer != nil {
		go observer(s)
	}
}
