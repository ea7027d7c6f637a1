// Package transport owns the chat client's websocket: it authenticates the
// connection with the session token, reconnects with exponential backoff after
// abnormal closures and publishes everything that happens on one ordered
// event stream.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"medchat/internal/chat"
	"medchat/internal/session"
)

const (
	defaultPath        = "/ws"
	defaultBaseDelay   = time.Second
	defaultMaxAttempts = 5
	defaultBuffer      = 256

	writeWait        = 10 * time.Second    // Time allowed to write a frame to the peer.
	pongWait         = 60 * time.Second    // Time allowed to read the next pong from the peer.
	pingPeriod       = (pongWait * 9) / 10 // Must be less than pongWait.
	handshakeTimeout = 10 * time.Second
	maxFrameSize     = 1 << 20
)

var newline = []byte{'\n'}

type Config struct {
	BaseURL string
	Path    string
	Tokens  session.TokenSource

	// Reconnect delay is BaseDelay * 2^(attempt-1), for at most MaxAttempts
	// attempts between two calls to Disconnect. A reconnect that succeeds and
	// drops again keeps counting.
	BaseDelay   time.Duration
	MaxAttempts int

	PingPeriod  time.Duration
	PongWait    time.Duration
	EventBuffer int

	Dialer *websocket.Dialer
	Logger zerolog.Logger
}

type timer interface {
	Stop() bool
}

// Manager keeps at most one live connection. Construct one per session and
// pass it to whoever needs it.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	attempts int
	epoch    uint64 // bumped by Connect/Disconnect; stale timers and dials compare against it
	timer    timer
	lastErr  error

	writeMu sync.Mutex

	afterFunc func(time.Duration, func()) timer
}

func New(cfg Config) *Manager {
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = pongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = (cfg.PongWait * 9) / 10
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultBuffer
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: handshakeTimeout,
		}
	}

	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "transport").Logger(),
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
		state:  StateIdle,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
}

// Events is the ordered stream of everything the connection does. It stays
// open across reconnects; consumers stop reading via their own context.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Connect opens and authenticates the connection. It returns nil right away
// when a connection is already live or being established.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.epoch++
	epoch := m.epoch
	m.state = StateConnecting
	m.mu.Unlock()

	return m.dial(ctx, epoch, false)
}

func (m *Manager) dial(ctx context.Context, epoch uint64, reconnecting bool) error {
	token, err := m.cfg.Tokens.Token(ctx)
	if err != nil && !errors.Is(err, chat.ErrAuthMissing) {
		// The store itself failed; the session may still be valid.
		return m.dialFailed(epoch, reconnecting, &chat.TransportError{Op: "token", Err: err})
	}
	if err != nil {
		m.logger.Warn().Err(err).Bool("reconnect", reconnecting).Msg("no session token, not connecting")
		m.mu.Lock()
		if m.epoch == epoch {
			m.lastErr = err
			if reconnecting {
				m.state = StateDisconnected
			} else {
				m.state = StateIdle
			}
		}
		m.mu.Unlock()
		m.emit(Event{Kind: EventError, Err: err})
		return err
	}

	endpoint, err := m.endpoint(token)
	if err != nil {
		m.mu.Lock()
		if m.epoch == epoch {
			m.state = StateIdle
			m.lastErr = err
		}
		m.mu.Unlock()
		return err
	}

	conn, resp, err := m.cfg.Dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("handshake status %d: %w", resp.StatusCode, err)
		}
		return m.dialFailed(epoch, reconnecting, &chat.TransportError{Op: "dial", Err: err})
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		conn.Close()
		return &chat.TransportError{Op: "dial", Err: errors.New("disconnected while connecting")}
	}
	// attempts carries over: only Disconnect starts a fresh backoff sequence.
	m.conn = conn
	m.state = StateConnected
	m.lastErr = nil
	m.mu.Unlock()

	m.logger.Info().Bool("reconnect", reconnecting).Msg("connected")
	m.emit(Event{Kind: EventConnected})

	stop := make(chan struct{})
	go m.heartbeat(conn, stop)
	go m.readLoop(conn, stop)
	return nil
}

// dialFailed records a failed attempt. A failed reconnect counts as another
// abnormal closure and books the next one.
func (m *Manager) dialFailed(epoch uint64, reconnecting bool, terr *chat.TransportError) error {
	m.logger.Warn().Err(terr.Err).Str("op", terr.Op).Bool("reconnect", reconnecting).Msg("connection attempt failed")

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return terr
	}
	m.lastErr = terr
	m.state = StateDisconnected
	evs := []Event{{Kind: EventError, Err: terr}}
	var arm func()
	if reconnecting {
		var ev Event
		ev, arm = m.scheduleLocked()
		evs = append(evs, ev)
	}
	m.mu.Unlock()

	m.emit(evs...)
	if arm != nil {
		arm()
	}
	return terr
}

// endpoint is BaseURL + Path with the token as a query parameter. http(s)
// base URLs are mapped to ws(s).
func (m *Manager) endpoint(token string) (string, error) {
	u, err := url.Parse(m.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + m.cfg.Path
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readLoop pumps frames from the connection into the event stream until the
// connection dies.
func (m *Manager) readLoop(conn *websocket.Conn, stop chan struct{}) {
	defer close(stop)

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClosure(conn, err)
			return
		}
		// The server may coalesce queued frames into one message.
		for _, part := range bytes.Split(data, newline) {
			part = bytes.TrimSpace(part)
			if len(part) == 0 {
				continue
			}
			if part[0] != '{' || !json.Valid(part) {
				m.logger.Warn().Str("frame", truncate(part)).Msg("dropping malformed frame")
				continue
			}
			m.emit(Event{Kind: EventMessage, Frame: json.RawMessage(part)})
		}
	}
}

// heartbeat pings the server so dead connections are noticed through the
// read deadline.
func (m *Manager) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (m *Manager) handleClosure(conn *websocket.Conn, err error) {
	code := websocket.CloseAbnormalClosure
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code = ce.Code
	}

	m.mu.Lock()
	if m.conn != conn {
		// Manual disconnect or superseded connection; nothing to report.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	conn.Close()
	m.state = StateDisconnected

	evs := []Event{{Kind: EventDisconnected, Code: code, Err: err}}
	var arm func()
	if code != websocket.CloseNormalClosure {
		m.lastErr = &chat.TransportError{Op: "read", Code: code, Err: err}
		var ev Event
		ev, arm = m.scheduleLocked()
		evs = append(evs, ev)
	}
	m.mu.Unlock()

	m.logger.Info().Int("code", code).Err(err).Msg("connection closed")
	m.emit(evs...)
	if arm != nil {
		arm()
	}
}

// scheduleLocked books the next reconnect attempt. The returned event must be
// emitted before arm starts the timer so Reconnecting always precedes the
// attempt's own events. Callers hold m.mu.
func (m *Manager) scheduleLocked() (Event, func()) {
	if m.attempts >= m.cfg.MaxAttempts {
		err := &chat.TransportError{Op: "reconnect", Err: chat.ErrReconnectExhausted}
		m.lastErr = err
		m.logger.Error().Int("attempts", m.attempts).Msg("giving up on reconnect")
		return Event{Kind: EventError, Err: err}, nil
	}

	m.attempts++
	attempt := m.attempts
	delay := m.cfg.BaseDelay << (attempt - 1)
	epoch := m.epoch

	arm := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.epoch != epoch || m.state != StateDisconnected || m.attempts != attempt {
			return
		}
		m.timer = m.afterFunc(delay, func() { m.reconnect(epoch, attempt) })
	}
	m.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("scheduling reconnect")
	return Event{Kind: EventReconnecting, Attempt: attempt, Delay: delay}, arm
}

func (m *Manager) reconnect(epoch uint64, attempt int) {
	m.mu.Lock()
	if m.epoch != epoch || m.state != StateDisconnected || m.attempts != attempt {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.state = StateConnecting
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	// Errors are already on the event stream.
	_ = m.dial(ctx, epoch, true)
}

// Send pushes one frame. It never queues: without a live connection the
// frame is dropped and the failure is reported on the event stream.
func (m *Manager) Send(frame chat.OutboundFrame) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected && conn != nil
	m.mu.Unlock()

	if !connected {
		err := &chat.TransportError{Op: "send", Err: chat.ErrNotConnected}
		m.tryEmit(Event{Kind: EventError, Err: err})
		return err
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	m.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		terr := &chat.TransportError{Op: "send", Err: err}
		m.tryEmit(Event{Kind: EventError, Err: terr})
		return terr
	}
	return nil
}

// Disconnect closes the connection normally, cancels any pending reconnect
// and resets the backoff. Calling it again is a no-op.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.epoch++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.attempts = 0
	conn := m.conn
	m.conn = nil
	wasActive := conn != nil || m.state != StateIdle
	m.state = StateIdle
	m.lastErr = nil
	m.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
	}
	if wasActive {
		m.logger.Info().Msg("disconnected")
		m.emit(Event{Kind: EventDisconnected, Code: websocket.CloseNormalClosure})
	}
}

// Close disconnects and unblocks any pending event delivery. The manager
// cannot be reused afterwards.
func (m *Manager) Close() {
	m.Disconnect()
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:      m.state,
		Connected:  m.state == StateConnected,
		Connecting: m.state == StateConnecting,
		Err:        m.lastErr,
		Attempt:    m.attempts,
	}
}

// emit delivers in order, blocking while the consumer catches up.
func (m *Manager) emit(evs ...Event) {
	for _, ev := range evs {
		select {
		case m.events <- ev:
		case <-m.done:
			return
		}
	}
}

// tryEmit never blocks; used on the caller's goroutine by Send.
func (m *Manager) tryEmit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.done:
	default:
		m.logger.Warn().Str("kind", ev.Kind.String()).Err(ev.Err).Msg("event buffer full, dropping event")
	}
}

func truncate(b []byte) string {
	const limit = 120
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
