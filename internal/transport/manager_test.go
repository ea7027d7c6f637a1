package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"medchat/internal/chat"
	"medchat/internal/session"
)

const testBaseDelay = 100 * time.Millisecond

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type testServer struct {
	*httptest.Server
	mu     sync.Mutex
	dials  int
	tokens []string
}

// newTestServer calls onConn with the 1-based index of every handshake.
func newTestServer(t *testing.T, onConn func(n int, w http.ResponseWriter, r *http.Request)) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		ts.dials++
		n := ts.dials
		ts.tokens = append(ts.tokens, r.URL.Query().Get("token"))
		ts.mu.Unlock()
		onConn(n, w, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) dialCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.dials
}

func acceptThenClose(t *testing.T, w http.ResponseWriter, r *http.Request, code int) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, "bye"), time.Now().Add(time.Second))
	// Wait for the client's close reply.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	conn.ReadMessage()
}

func hold(t *testing.T, conn *websocket.Conn, received chan<- []byte) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if received != nil {
			received <- data
		}
	}
}

type fakeScheduler struct {
	mu      sync.Mutex
	delays  []time.Duration
	fns     []func()
	stopped int
}

type fakeTimer struct{ s *fakeScheduler }

func (ft *fakeTimer) Stop() bool {
	ft.s.mu.Lock()
	defer ft.s.mu.Unlock()
	ft.s.stopped++
	return true
}

func (f *fakeScheduler) afterFunc(d time.Duration, fn func()) timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
	f.fns = append(f.fns, fn)
	return &fakeTimer{s: f}
}

func (f *fakeScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fns)
}

func (f *fakeScheduler) waitScheduled(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d scheduled reconnects, got %d", n, f.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fakeScheduler) fire(i int) {
	f.mu.Lock()
	fn := f.fns[i]
	f.mu.Unlock()
	fn()
}

func newTestManager(t *testing.T, baseURL string, tokens session.TokenSource, sched *fakeScheduler, maxAttempts int) *Manager {
	t.Helper()
	m := New(Config{
		BaseURL:     baseURL,
		Tokens:      tokens,
		BaseDelay:   testBaseDelay,
		MaxAttempts: maxAttempts,
	})
	if sched != nil {
		m.afterFunc = sched.afterFunc
	}
	t.Cleanup(m.Close)
	return m
}

func nextEvent(t *testing.T, m *Manager) Event {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectKind(t *testing.T, m *Manager, kind EventKind) Event {
	t.Helper()
	ev := nextEvent(t, m)
	if ev.Kind != kind {
		t.Fatalf("expected %s event, got %s (err=%v)", kind, ev.Kind, ev.Err)
	}
	return ev
}

func expectNoEvent(t *testing.T, m *Manager) {
	t.Helper()
	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected %s event (err=%v)", ev.Kind, ev.Err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManager_ConnectDeliversFrames(t *testing.T) {
	received := make(chan []byte, 1)
	srv := newTestServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte("{\"id\":\"a\"}\n{\"id\":\"b\"}"))
		conn.WriteMessage(websocket.TextMessage, []byte("garbage"))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"c"}`))
		hold(t, conn, received)
	})

	m := newTestManager(t, srv.URL, session.Static("tok en"), nil, 3)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	expectKind(t, m, EventConnected)

	for _, want := range []string{`{"id":"a"}`, `{"id":"b"}`, `{"id":"c"}`} {
		ev := expectKind(t, m, EventMessage)
		if string(ev.Frame) != want {
			t.Fatalf("expected frame %s, got %s", want, ev.Frame)
		}
	}

	srv.mu.Lock()
	token := srv.tokens[0]
	srv.mu.Unlock()
	if token != "tok en" {
		t.Fatalf("expected token query parameter, got %q", token)
	}
	if s := m.Status(); !s.Connected || s.State != StateConnected {
		t.Fatalf("expected connected status, got %+v", s)
	}

	frame := chat.OutboundFrame{ConversationID: "c1", Content: "hello", SenderType: chat.RoleDoctor, CorrelationID: "x"}
	if err := m.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case data := <-received:
		var got map[string]string
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("server got invalid JSON: %v", err)
		}
		if got["conversationId"] != "c1" || got["content"] != "hello" || got["senderType"] != "doctor" {
			t.Fatalf("unexpected outbound frame %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	srv := newTestServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hold(t, conn, nil)
	})

	m := newTestManager(t, srv.URL, session.Static("tok"), nil, 3)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if srv.dialCount() != 1 {
		t.Fatalf("expected a single handshake, got %d", srv.dialCount())
	}
}

func TestManager_AuthMissingDoesNotDial(t *testing.T) {
	srv := newTestServer(t, func(n int, w http.ResponseWriter, r *http.Request) {})
	m := newTestManager(t, srv.URL, session.NewMemoryStore(), nil, 3)

	err := m.Connect(context.Background())
	if !errors.Is(err, chat.ErrAuthMissing) {
		t.Fatalf("expected ErrAuthMissing, got %v", err)
	}
	ev := expectKind(t, m, EventError)
	if !errors.Is(ev.Err, chat.ErrAuthMissing) {
		t.Fatalf("expected auth error event, got %v", ev.Err)
	}
	if srv.dialCount() != 0 {
		t.Fatalf("expected no handshake, got %d", srv.dialCount())
	}
	if s := m.Status(); s.Attempt != 0 || s.State != StateIdle {
		t.Fatalf("expected idle with no attempts, got %+v", s)
	}
}

func TestManager_SendWhileDisconnected(t *testing.T) {
	m := newTestManager(t, "ws://127.0.0.1:1", session.Static("tok"), nil, 3)

	err := m.Send(chat.OutboundFrame{ConversationID: "c1", Content: "x", SenderType: chat.RolePatient})
	if !errors.Is(err, chat.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	ev := expectKind(t, m, EventError)
	if !errors.Is(ev.Err, chat.ErrNotConnected) {
		t.Fatalf("expected not-connected error event, got %v", ev.Err)
	}
}

func TestManager_BackoffGrowthAndCap(t *testing.T) {
	srv := newTestServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			acceptThenClose(t, w, r, websocket.CloseInternalServerErr)
			return
		}
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})
	sched := &fakeScheduler{}
	m := newTestManager(t, srv.URL, session.Static("tok"), sched, 3)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	expectKind(t, m, EventConnected)
	if ev := expectKind(t, m, EventDisconnected); ev.Code != websocket.CloseInternalServerErr {
		t.Fatalf("expected close code 1011, got %d", ev.Code)
	}
	if ev := expectKind(t, m, EventReconnecting); ev.Attempt != 1 || ev.Delay != testBaseDelay {
		t.Fatalf("unexpected first reconnect %+v", ev)
	}

	for attempt := 2; attempt <= 3; attempt++ {
		sched.waitScheduled(t, attempt-1)
		sched.fire(attempt - 2)
		expectKind(t, m, EventError)
		ev := expectKind(t, m, EventReconnecting)
		if ev.Attempt != attempt || ev.Delay != testBaseDelay<<(attempt-1) {
			t.Fatalf("attempt %d: unexpected reconnect %+v", attempt, ev)
		}
	}

	sched.waitScheduled(t, 3)
	sched.fire(2)
	expectKind(t, m, EventError)
	if ev := expectKind(t, m, EventError); !errors.Is(ev.Err, chat.ErrReconnectExhausted) {
		t.Fatalf("expected terminal error, got %v", ev.Err)
	}
	expectNoEvent(t, m)

	want := []time.Duration{testBaseDelay, 2 * testBaseDelay, 4 * testBaseDelay}
	if sched.count() != len(want) {
		t.Fatalf("expected %d scheduled attempts, got %d", len(want), sched.count())
	}
	for i, d := range want {
		if sched.delays[i] != d {
			t.Fatalf("delay %d: want %v, got %v", i+1, d, sched.delays[i])
		}
	}
	if srv.dialCount() != 4 {
		t.Fatalf("expected 1 connect + 3 reconnect handshakes, got %d", srv.dialCount())
	}
}

func TestManager_FlappingServerStillBacksOff(t *testing.T) {
	srv := newTestServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		acceptThenClose(t, w, r, websocket.CloseInternalServerErr)
	})
	sched := &fakeScheduler{}
	m := newTestManager(t, srv.URL, session.Static("tok"), sched, 3)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	expectKind(t, m, EventConnected)
	expectKind(t, m, EventDisconnected)
	if ev := expectKind(t, m, EventReconnecting); ev.Attempt != 1 || ev.Delay != testBaseDelay {
		t.Fatalf("unexpected first reconnect %+v", ev)
	}

	for attempt := 2; attempt <= 3; attempt++ {
		sched.waitScheduled(t, attempt-1)
		sched.fire(attempt - 2)
		expectKind(t, m, EventConnected)
		expectKind(t, m, EventDisconnected)
		ev := expectKind(t, m, EventReconnecting)
		if ev.Attempt != attempt || ev.Delay != testBaseDelay<<(attempt-1) {
			t.Fatalf("attempt %d: unexpected reconnect %+v", attempt, ev)
		}
	}

	sched.waitScheduled(t, 3)
	sched.fire(2)
	expectKind(t, m, EventConnected)
	expectKind(t, m, EventDisconnected)
	if ev := expectKind(t, m, EventError); !errors.Is(ev.Err, chat.ErrReconnectExhausted) {
		t.Fatalf("expected terminal error, got %v", ev.Err)
	}
	expectNoEvent(t, m)

	if sched.count() != 3 {
		t.Fatalf("expected 3 scheduled reconnects, got %d", sched.count())
	}
	if srv.dialCount() != 4 {
		t.Fatalf("expected 1 connect + 3 reconnect handshakes, got %d", srv.dialCount())
	}
}

// flakyTokens fails with a store error while broken is set.
type flakyTokens struct {
	mu     sync.Mutex
	broken bool
}

func (f *flakyTokens) set(broken bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken = broken
}

func (f *flakyTokens) Token(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return "", errors.New("dial tcp 127.0.0.1:6379: connection refused")
	}
	return "tok", nil
}

func TestManager_TokenStoreFailureKeepsReconnecting(t *testing.T) {
	srv := newTestServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			acceptThenClose(t, w, r, websocket.CloseGoingAway)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		hold(t, conn, nil)
	})
	tokens := &flakyTokens{}
	sched := &fakeScheduler{}
	m := newTestManager(t, srv.URL, tokens, sched, 5)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	expectKind(t, m, EventConnected)
	expectKind(t, m, EventDisconnected)
	expectKind(t, m, EventReconnecting)

	tokens.set(true)
	sched.waitScheduled(t, 1)
	sched.fire(0)

	ev := expectKind(t, m, EventError)
	var te *chat.TransportError
	if errors.Is(ev.Err, chat.ErrAuthMissing) || !errors.As(ev.Err, &te) || te.Op != "token" {
		t.Fatalf("expected a token TransportError, got %v", ev.Err)
	}
	if ev := expectKind(t, m, EventReconnecting); ev.Attempt != 2 || ev.Delay != 2*testBaseDelay {
		t.Fatalf("expected the next attempt to be booked, got %+v", ev)
	}

	tokens.set(false)
	sched.waitScheduled(t, 2)
	sched.fire(1)
	expectKind(t, m, EventConnected)
	if srv.dialCount() != 2 {
		t.Fatalf("expected no handshake while the store was failing, got %d", srv.dialCount())
	}
}

func TestManager_ManualDisconnectResetsBackoff(t *testing.T) {
	srv := newTestServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		switch n {
		case 2:
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		default:
			acceptThenClose(t, w, r, websocket.CloseGoingAway)
		}
	})
	sched := &fakeScheduler{}
	m := newTestManager(t, srv.URL, session.Static("tok"), sched, 5)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	expectKind(t, m, EventConnected)
	expectKind(t, m, EventDisconnected)
	expectKind(t, m, EventReconnecting)
	sched.waitScheduled(t, 1)
	sched.fire(0)
	expectKind(t, m, EventError)
	if ev := expectKind(t, m, EventReconnecting); ev.Attempt != 2 {
		t.Fatalf("expected second attempt, got %+v", ev)
	}
	sched.waitScheduled(t, 2)

	m.Disconnect()
	if ev := expectKind(t, m, EventDisconnected); ev.Code != websocket.CloseNormalClosure {
		t.Fatalf("expected normal closure, got %d", ev.Code)
	}
	sched.mu.Lock()
	stopped := sched.stopped
	sched.mu.Unlock()
	if stopped == 0 {
		t.Fatal("expected the pending reconnect timer to be stopped")
	}
	if s := m.Status(); s.Attempt != 0 || s.State != StateIdle {
		t.Fatalf("expected reset state, got %+v", s)
	}
	m.Disconnect()
	expectNoEvent(t, m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect after disconnect: %v", err)
	}
	expectKind(t, m, EventConnected)
	expectKind(t, m, EventDisconnected)
	ev := expectKind(t, m, EventReconnecting)
	if ev.Attempt != 1 || ev.Delay != testBaseDelay {
		t.Fatalf("expected a fresh backoff sequence, got %+v", ev)
	}

	// The timer cancelled by Disconnect must stay inert even if it fires late.
	sched.fire(1)
	expectNoEvent(t, m)
}

func TestManager_ReconnectWithoutTokenStops(t *testing.T) {
	srv := newTestServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		acceptThenClose(t, w, r, websocket.CloseInternalServerErr)
	})
	store := session.NewMemoryStore()
	store.Save(context.Background(), "tok")
	sched := &fakeScheduler{}
	m := newTestManager(t, srv.URL, store, sched, 5)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	expectKind(t, m, EventConnected)
	expectKind(t, m, EventDisconnected)
	expectKind(t, m, EventReconnecting)

	store.Clear(context.Background())
	sched.waitScheduled(t, 1)
	sched.fire(0)

	ev := expectKind(t, m, EventError)
	if !errors.Is(ev.Err, chat.ErrAuthMissing) {
		t.Fatalf("expected ErrAuthMissing, got %v", ev.Err)
	}
	expectNoEvent(t, m)
	if sched.count() != 1 {
		t.Fatalf("expected no further attempts, got %d scheduled", sched.count())
	}
	if s := m.Status(); s.Attempt != 1 || !errors.Is(s.Err, chat.ErrAuthMissing) {
		t.Fatalf("expected budget untouched and auth error, got %+v", s)
	}
	if srv.dialCount() != 1 {
		t.Fatalf("expected no handshake without a token, got %d", srv.dialCount())
	}
}

func TestManager_ServerNormalClosureDoesNotReconnect(t *testing.T) {
	srv := newTestServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		acceptThenClose(t, w, r, websocket.CloseNormalClosure)
	})
	sched := &fakeScheduler{}
	m := newTestManager(t, srv.URL, session.Static("tok"), sched, 3)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	expectKind(t, m, EventConnected)
	if ev := expectKind(t, m, EventDisconnected); ev.Code != websocket.CloseNormalClosure {
		t.Fatalf("expected 1000, got %d", ev.Code)
	}
	expectNoEvent(t, m)
	if sched.count() != 0 {
		t.Fatalf("expected no reconnect, got %d", sched.count())
	}
}

func TestManager_HandshakeFailureOnConnect(t *testing.T) {
	srv := newTestServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
	sched := &fakeScheduler{}
	m := newTestManager(t, srv.URL, session.Static("tok"), sched, 3)

	err := m.Connect(context.Background())
	var te *chat.TransportError
	if !errors.As(err, &te) || te.Op != "dial" {
		t.Fatalf("expected dial TransportError, got %v", err)
	}
	expectKind(t, m, EventError)
	if sched.count() != 0 {
		t.Fatal("an initial connect failure must not schedule reconnects")
	}
}

func TestManager_Endpoint(t *testing.T) {
	m := New(Config{BaseURL: "http://example.test:8080/chat/", Tokens: session.Static("a b")})
	got, err := m.endpoint("a b")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if want := "ws://example.test:8080/chat/ws?token=a+b"; got != want {
		t.Fatalf("want %s, got %s", want, got)
	}
}
