// Package channel keeps a single logical push connection to the authoritative
// service and fans incoming events out to listeners registered by kind.
//
// Connection states:
//
//	Disconnected -> Connecting -> Open -> Disconnected (on close or error)
//
// After a drop the channel waits a fixed interval and reconnects, up to a bounded
// number of attempts. The attempt counter resets only after a successful open.
// Running out of attempts emits KindMaxReconnect once and stops until Open is
// called again. Nothing is buffered while the channel is down.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fleetsync/internal/domain"
	"fleetsync/internal/metrics"
)

const (
	DefaultReconnectInterval    = 5 * time.Second
	DefaultMaxReconnectAttempts = 10
)

type State int

const (
	Disconnected State = iota
	Connecting
	Open
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	}
	return "disconnected"
}

// Conn is one live transport connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Envelope is the wire format of every push message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Event struct {
	Kind Kind
	// Type is the raw envelope type, set for KindMessage.
	Type string
	Data json.RawMessage
	Err  error
	At   time.Time
}

// Listener handles one event. Returned errors and panics are logged and never
// stop delivery to the listeners registered after it.
type Listener func(Event) error

type ListenerID uint64

type listener struct {
	id ListenerID
	fn Listener
}

type Options struct {
	URL                  string
	Dialer               Dialer
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	Metrics              *metrics.Metrics
}

type Channel struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	conn     Conn
	attempts int
	cancel   context.CancelFunc

	wmu sync.Mutex

	lmu       sync.RWMutex
	listeners map[Kind][]listener
	nextID    ListenerID
}

func New(opts Options) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = NewWebsocketDialer(nil)
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	return &Channel{
		opts:      opts,
		logger:    log.With().Str("component", "channel").Str("url", opts.URL).Logger(),
		listeners: map[Kind][]listener{},
	}
}

// Open starts connecting in the background. Completion is signalled by a
// KindOpen event. Calling Open while the channel is already running is a no-op.
func (c *Channel) Open() {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.attempts = 0
	c.mu.Unlock()
	go c.run(ctx)
}

// Close drops the connection and cancels any pending reconnect.
func (c *Channel) Close() {
	c.mu.Lock()
	cancel, conn := c.cancel, c.conn
	c.cancel = nil
	c.conn = nil
	c.setStateLocked(Disconnected)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts is the number of reconnect attempts since the last successful open.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Send writes v as JSON. It fails with ErrConnection when the channel is not
// open; the message is dropped, not queued.
func (c *Channel) Send(v any) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != Open || conn == nil {
		c.logger.Warn().Str("state", state.String()).Msg("send on channel that is not open, message dropped")
		return fmt.Errorf("send while %s: %w", state, domain.ErrConnection)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	err = conn.WriteMessage(data)
	c.wmu.Unlock()
	if err != nil {
		c.logger.Warn().Err(err).Msg("send failed")
		return fmt.Errorf("send: %v: %w", err, domain.ErrConnection)
	}
	return nil
}

// On registers fn for kind. Listeners of one kind run in registration order.
func (c *Channel) On(kind Kind, fn Listener) ListenerID {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.nextID++
	c.listeners[kind] = append(c.listeners[kind], listener{id: c.nextID, fn: fn})
	return c.nextID
}

func (c *Channel) Off(kind Kind, id ListenerID) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	ls := c.listeners[kind]
	for i, l := range ls {
		if l.id == id {
			c.listeners[kind] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

func (c *Channel) run(ctx context.Context) {
	for {
		if !c.update(ctx, func() { c.setStateLocked(Connecting) }) {
			return
		}
		conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("connect failed")
			c.update(ctx, func() { c.setStateLocked(Disconnected) })
			c.emit(Event{Kind: KindError, Err: fmt.Errorf("dial: %v: %w", err, domain.ErrConnection)})
			if !c.wait(ctx) {
				return
			}
			continue
		}
		if !c.update(ctx, func() {
			c.conn = conn
			c.attempts = 0
			c.setStateLocked(Open)
		}) {
			_ = conn.Close()
			return
		}
		c.logger.Info().Msg("channel open")
		c.emit(Event{Kind: KindOpen})

		err = c.read(conn)
		_ = conn.Close()
		c.update(ctx, func() {
			c.conn = nil
			c.setStateLocked(Disconnected)
		})
		c.logger.Info().Err(err).Msg("channel closed")
		c.emit(Event{Kind: KindClose, Err: err})
		if ctx.Err() != nil {
			return
		}
		if !c.wait(ctx) {
			return
		}
	}
}

// update applies fn under the lock unless the run was cancelled.
func (c *Channel) update(ctx context.Context, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	fn()
	return true
}

// wait consumes one reconnect attempt and sleeps the reconnect interval. It
// returns false when the run is cancelled or the attempts are exhausted.
func (c *Channel) wait(ctx context.Context) bool {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	if c.attempts >= c.opts.MaxReconnectAttempts {
		cancel := c.cancel
		c.cancel = nil
		c.setStateLocked(Disconnected)
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.logger.Error().Int("attempts", c.opts.MaxReconnectAttempts).Msg("max reconnect attempts reached")
		c.emit(Event{Kind: KindMaxReconnect, Err: domain.ErrMaxReconnectExceeded})
		return false
	}
	c.attempts++
	n := c.attempts
	c.mu.Unlock()

	c.opts.Metrics.Reconnecting()
	c.logger.Info().Int("attempt", n).Int("max", c.opts.MaxReconnectAttempts).
		Dur("in", c.opts.ReconnectInterval).Msg("reconnecting")
	t := time.NewTimer(c.opts.ReconnectInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Channel) read(conn Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

// dispatch parses one message and emits it. Malformed and unknown messages are
// logged and dropped.
func (c *Channel) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("malformed push message dropped")
		c.opts.Metrics.EventDropped("malformed")
		return
	}
	c.emit(Event{Kind: KindMessage, Type: env.Type, Data: env.Data})
	kind := Kind(env.Type)
	if !kind.Push() {
		c.logger.Debug().Str("type", env.Type).Msg("unknown push type dropped")
		c.opts.Metrics.EventDropped("unknown")
		return
	}
	c.opts.Metrics.EventReceived(env.Type)
	c.emit(Event{Kind: kind, Data: env.Data})
}

func (c *Channel) emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	c.lmu.RLock()
	ls := append([]listener(nil), c.listeners[e.Kind]...)
	c.lmu.RUnlock()
	for _, l := range ls {
		c.call(l, e)
	}
}

func (c *Channel) call(l listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Str("kind", string(e.Kind)).Interface("panic", r).Msg("listener panicked")
			c.opts.Metrics.ListenerFailed(string(e.Kind))
		}
	}()
	if err := l.fn(e); err != nil {
		c.logger.Warn().Err(err).Str("kind", string(e.Kind)).Msg("listener failed")
		c.opts.Metrics.ListenerFailed(string(e.Kind))
	}
}

func (c *Channel) setStateLocked(s State) {
	c.state = s
	c.opts.Metrics.SetChannelState(int(s))
}
