package channel

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fleetsync/internal/domain"
)

// fakeConn blocks in ReadMessage until messages arrive or it is closed.
type fakeConn struct {
	msgs   chan []byte
	closed chan struct{}
	once   sync.Once
	mu     sync.Mutex
	sent   [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case m := <-f.msgs:
		return m, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// fakeDialer hands out scripted results: a nil conn entry means the dial fails.
type fakeDialer struct {
	mu     sync.Mutex
	script []*fakeConn
	dials  int
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.script) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.script[0]
	d.script = d.script[1:]
	if c == nil {
		return nil, errors.New("connection refused")
	}
	return c, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func notifier() (chan struct{}, func(Event) error) {
	ch := make(chan struct{}, 16)
	return ch, func(Event) error {
		ch <- struct{}{}
		return nil
	}
}

func TestMaxReconnectEmittedOnce(t *testing.T) {
	d := &fakeDialer{}
	c := New(Options{URL: "ws://test", Dialer: d, ReconnectInterval: time.Millisecond, MaxReconnectAttempts: 3})
	var emitted atomic.Int32
	done := make(chan struct{}, 4)
	c.On(KindMaxReconnect, func(e Event) error {
		if !errors.Is(e.Err, domain.ErrMaxReconnectExceeded) {
			t.Errorf("expected ErrMaxReconnectExceeded, got %v", e.Err)
		}
		emitted.Add(1)
		done <- struct{}{}
		return nil
	})
	c.Open()
	waitFor(t, done, "maxReconnectAttemptsReached")
	time.Sleep(20 * time.Millisecond)

	if n := emitted.Load(); n != 1 {
		t.Fatalf("expected exactly one max event, got %d", n)
	}
	if n := d.Dials(); n != 4 {
		t.Fatalf("expected initial dial plus 3 reconnects, got %d", n)
	}
	if c.State() != Disconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}

	c.Open()
	waitFor(t, done, "second maxReconnectAttemptsReached")
	if n := d.Dials(); n != 8 {
		t.Fatalf("expected Open to restart attempts, got %d dials", n)
	}
	if n := emitted.Load(); n != 2 {
		t.Fatalf("expected two max events in total, got %d", n)
	}
}

func TestAttemptsResetAfterOpen(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{script: []*fakeConn{nil, nil, conn}}
	c := New(Options{Dialer: d, ReconnectInterval: time.Millisecond, MaxReconnectAttempts: 5})
	opened, onOpen := notifier()
	c.On(KindOpen, onOpen)
	c.Open()
	defer c.Close()

	waitFor(t, opened, "open")
	if c.State() != Open {
		t.Fatalf("expected open, got %s", c.State())
	}
	if n := c.Attempts(); n != 0 {
		t.Fatalf("expected attempts reset to 0, got %d", n)
	}
	if n := d.Dials(); n != 3 {
		t.Fatalf("expected 3 dials, got %d", n)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	d := &fakeDialer{script: []*fakeConn{first, second}}
	c := New(Options{Dialer: d, ReconnectInterval: time.Millisecond})
	opened, onOpen := notifier()
	closed, onClose := notifier()
	c.On(KindOpen, onOpen)
	c.On(KindClose, onClose)
	c.Open()
	defer c.Close()

	waitFor(t, opened, "first open")
	first.Close()
	waitFor(t, closed, "close")
	waitFor(t, opened, "reopen")
	if n := d.Dials(); n != 2 {
		t.Fatalf("expected 2 dials, got %d", n)
	}
}

func TestCloseStopsReconnect(t *testing.T) {
	d := &fakeDialer{}
	c := New(Options{Dialer: d, ReconnectInterval: 50 * time.Millisecond, MaxReconnectAttempts: 10})
	errs, onErr := notifier()
	c.On(KindError, onErr)
	c.Open()
	waitFor(t, errs, "first dial error")
	c.Close()
	time.Sleep(120 * time.Millisecond)
	if n := d.Dials(); n != 1 {
		t.Fatalf("expected no reconnect after Close, got %d dials", n)
	}
	if c.State() != Disconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
}

func TestSendWhenNotOpen(t *testing.T) {
	c := New(Options{Dialer: &fakeDialer{}})
	if err := c.Send(map[string]string{"type": "ping"}); !errors.Is(err, domain.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestDispatchOrderAndIsolation(t *testing.T) {
	conn := newFakeConn()
	c := New(Options{Dialer: &fakeDialer{script: []*fakeConn{conn}}})
	var mu sync.Mutex
	var calls []string
	record := func(name string) {
		mu.Lock()
		calls = append(calls, name)
		mu.Unlock()
	}
	done := make(chan struct{}, 1)
	c.On(TaskCreated, func(Event) error { record("first"); return nil })
	c.On(TaskCreated, func(Event) error { record("panics"); panic("boom") })
	c.On(TaskCreated, func(Event) error { record("errors"); return errors.New("nope") })
	c.On(TaskCreated, func(e Event) error {
		record("last")
		if string(e.Data) != `{"id":"T-1"}` {
			t.Errorf("unexpected data %s", e.Data)
		}
		done <- struct{}{}
		return nil
	})
	c.Open()
	defer c.Close()

	conn.msgs <- []byte(`{"type":"task_created","data":{"id":"T-1"}}`)
	waitFor(t, done, "task_created dispatch")

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "panics", "errors", "last"}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, calls)
	}
}

func TestOff(t *testing.T) {
	conn := newFakeConn()
	c := New(Options{Dialer: &fakeDialer{script: []*fakeConn{conn}}})
	var removed atomic.Int32
	id := c.On(TaskUpdated, func(Event) error { removed.Add(1); return nil })
	got, onUpdate := notifier()
	c.On(TaskUpdated, onUpdate)
	c.Off(TaskUpdated, id)
	c.Open()
	defer c.Close()

	conn.msgs <- []byte(`{"type":"task_updated","data":{}}`)
	waitFor(t, got, "task_updated")
	if removed.Load() != 0 {
		t.Fatal("listener removed with Off was still called")
	}
}

func TestUnknownAndMalformedDropped(t *testing.T) {
	conn := newFakeConn()
	c := New(Options{Dialer: &fakeDialer{script: []*fakeConn{conn}}})
	var unknown atomic.Int32
	c.On(Kind("bogus"), func(Event) error { unknown.Add(1); return nil })
	msgs := make(chan string, 4)
	c.On(KindMessage, func(e Event) error { msgs <- e.Type; return nil })
	got, onRobot := notifier()
	c.On(RobotUpdated, onRobot)
	c.Open()
	defer c.Close()

	conn.msgs <- []byte(`not json`)
	conn.msgs <- []byte(`{"type":"bogus","data":{}}`)
	conn.msgs <- []byte(`{"type":"robot_updated","data":{"id":"R-1"}}`)
	waitFor(t, got, "robot_updated")

	if unknown.Load() != 0 {
		t.Fatal("unknown push type reached a listener")
	}
	if first := <-msgs; first != "bogus" {
		t.Fatalf("expected raw message for bogus first, got %q", first)
	}
	if c.State() != Open {
		t.Fatalf("bad messages should not drop the channel, state %s", c.State())
	}
}

func TestWebsocketRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"task_paused","data":{"id":"T-9"}}`))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- msg
		conn.ReadMessage()
	}))
	defer srv.Close()

	c := New(Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	paused := make(chan Event, 1)
	c.On(TaskPaused, func(e Event) error { paused <- e; return nil })
	opened, onOpen := notifier()
	c.On(KindOpen, onOpen)
	c.Open()
	defer c.Close()

	waitFor(t, opened, "websocket open")
	select {
	case e := <-paused:
		if string(e.Data) != `{"id":"T-9"}` {
			t.Fatalf("unexpected payload %s", e.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task_paused")
	}

	if err := c.Send(map[string]string{"type": "subscribe"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case msg := <-received:
		if string(msg) != `{"type":"subscribe"}` {
			t.Fatalf("server got %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the message")
	}
}

func keepaliveServer(t *testing.T, answerPings bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	stop := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if !answerPings {
			// a peer that stopped reading never answers pings
			<-stop
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(stop) })
	return srv
}

func dialKeepalive(t *testing.T, srv *httptest.Server) Conn {
	t.Helper()
	d := NewWebsocketDialer(nil)
	d.PingInterval = 20 * time.Millisecond
	d.PongWait = 150 * time.Millisecond
	conn, err := d.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn
}

func TestWebsocketSilentPeerTimesOut(t *testing.T) {
	conn := dialKeepalive(t, keepaliveServer(t, false))
	defer conn.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := conn.ReadMessage()
		errc <- err
	}()
	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("expected a read error from a silent peer")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("read never gave up on a silent peer")
	}
}

func TestWebsocketPongsKeepConnectionAlive(t *testing.T) {
	conn := dialKeepalive(t, keepaliveServer(t, true))

	errc := make(chan error, 1)
	go func() {
		_, err := conn.ReadMessage()
		errc <- err
	}()
	select {
	case err := <-errc:
		t.Fatalf("idle but healthy connection failed: %v", err)
	case <-time.After(500 * time.Millisecond):
	}
	conn.Close()
	<-errc
}
