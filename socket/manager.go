// Package socket owns the single websocket connection to the chat backend:
// the auth'd dial, the read/write pumps, automatic reconnection, the event
// listener registry, and room membership replay across reconnects.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipline/chatkit/auth"
	"github.com/sipline/chatkit/chat"
	"github.com/sipline/chatkit/logger"
)

const (
	defaultDialTimeout          = 20 * time.Second
	defaultMaxReconnectAttempts = 10
	defaultReconnectMinDelay    = 1 * time.Second
	defaultReconnectMaxDelay    = 5 * time.Second

	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	pingPeriod    = (readDeadline * 9) / 10 // must be less than readDeadline
	readLimit     = 64 * 1024

	sendBufferSize = 64
)

// Status is the connection state machine.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config for a Manager. Zero-value durations and counts fall back to the
// defaults above.
type Config struct {
	// URL of the websocket endpoint, e.g. wss://api.example.com/socket.
	URL string

	// Tokens supplies the bearer token for the connection handshake. A
	// missing token fails the connect fast without dialing.
	Tokens auth.Provider

	DialTimeout          time.Duration
	MaxReconnectAttempts int
	ReconnectMinDelay    time.Duration
	ReconnectMaxDelay    time.Duration

	Logger *logger.Logger
}

func (c *Config) fillDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.ReconnectMinDelay <= 0 {
		c.ReconnectMinDelay = defaultReconnectMinDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	if c.Logger == nil {
		c.Logger = logger.Nop()
	}
}

// liveConn bundles the per-connection resources so a stale pump can never
// touch the resources of a newer connection.
type liveConn struct {
	ws   *websocket.Conn
	send chan chat.Frame
	done chan struct{}
}

// connectAttempt coalesces concurrent Connect calls onto one dial.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Manager owns exactly one transport. Construct it once in the composition
// root and pass the handle to consumers; all forwarding components go
// through its public operations, never the transport directly.
type Manager struct {
	cfg      Config
	logger   *logger.Logger
	registry *registry

	mu           sync.Mutex
	status       Status
	conn         *liveConn
	epoch        int // bumped per connection; stale pumps compare and bail
	currentRoom  string
	pending      *connectAttempt
	manualClose  bool
	reconnecting bool
}

func NewManager(cfg Config) *Manager {
	cfg.fillDefaults()
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		registry: newRegistry(),
	}
}

// Status reports the current connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// CurrentRoom reports the room the manager considers joined, or "".
func (m *Manager) CurrentRoom() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentRoom
}

// On registers l for event. Registration is kept in the intent registry, so
// it survives disconnects and is live again on every reconnect. Registering
// the identical listener twice is idempotent.
func (m *Manager) On(event string, l Listener) {
	m.registry.add(event, l)
}

// Off removes a registration made with On.
func (m *Manager) Off(event string, l Listener) {
	m.registry.remove(event, l)
}

// Connect is idempotent. Already connected returns nil immediately; a
// concurrent in-flight attempt is awaited rather than duplicated. The dial
// is abandoned after the configured timeout.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.status == Connected {
		m.mu.Unlock()
		return nil
	}
	if m.pending != nil {
		attempt := m.pending
		m.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	m.pending = attempt
	m.status = Connecting
	m.manualClose = false
	m.mu.Unlock()

	err := m.dial(ctx)

	m.mu.Lock()
	m.pending = nil
	if err != nil {
		m.status = Disconnected
	}
	m.mu.Unlock()

	attempt.err = err
	close(attempt.done)
	return err
}

func (m *Manager) dial(ctx context.Context) error {
	token, ok := m.cfg.Tokens.Token()
	if !ok {
		m.logger.Warn("Connect aborted: no auth token")
		return ErrNoToken
	}

	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.DialTimeout}
	header := http.Header{"Authorization": []string{"Bearer " + token}}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	ws, resp, err := dialer.DialContext(dialCtx, m.cfg.URL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		m.dispatchError(chat.EventConnectError, err)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return fmt.Errorf("socket: dial %s: %w", m.cfg.URL, err)
	}

	return m.install(ws)
}

// install adopts a freshly dialed transport: starts the pumps, replays the
// current room's join, and only then announces "connect" to listeners. The
// replay-before-announce order is what keeps room membership from silently
// disappearing across reconnects.
func (m *Manager) install(ws *websocket.Conn) error {
	lc := &liveConn{
		ws:   ws,
		send: make(chan chat.Frame, sendBufferSize),
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if m.manualClose {
		// Disconnect raced the in-flight dial; the caller already observed
		// Disconnected, so the fresh socket must not be adopted.
		m.mu.Unlock()
		ws.Close()
		m.logger.Info("Discarding transport dialed after Disconnect")
		return ErrConnectAborted
	}
	m.epoch++
	epoch := m.epoch
	m.conn = lc
	m.status = Connected
	room := m.currentRoom
	m.mu.Unlock()

	go m.writePump(lc)
	go m.readPump(lc, epoch)

	if room != "" {
		if err := m.emit(chat.EventJoinGroup, room); err != nil {
			m.logger.Errorf("Rejoin of room %s failed: %v", room, err)
		} else {
			m.logger.Infof("Rejoined room %s after connect", room)
		}
	}
	m.logger.Info("Transport connected")
	m.registry.dispatch(chat.EventConnect, nil)
	return nil
}

// readPump reads frames until the transport fails, dispatching each one out
// of the registry.
func (m *Manager) readPump(lc *liveConn, epoch int) {
	lc.ws.SetReadLimit(readLimit)
	lc.ws.SetReadDeadline(time.Now().Add(readDeadline))
	lc.ws.SetPongHandler(func(string) error {
		lc.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	var reason string
	for {
		var frame chat.Frame
		if err := lc.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Errorf("Transport read error: %v", err)
			}
			reason = err.Error()
			break
		}
		lc.ws.SetReadDeadline(time.Now().Add(readDeadline))
		if frame.Event == "" {
			m.logger.Debug("Dropping frame without event name")
			continue
		}
		m.registry.dispatch(frame.Event, frame.Data)
	}

	m.handleDrop(epoch, reason)
}

// writePump serializes all writes to the transport and keeps the connection
// alive with pings.
func (m *Manager) writePump(lc *liveConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		lc.ws.Close()
	}()

	for {
		select {
		case frame := <-lc.send:
			lc.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := lc.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			lc.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := lc.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-lc.done:
			lc.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			lc.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleDrop runs when a read pump exits. A pump from a superseded
// connection (epoch mismatch) is ignored; otherwise the drop is announced
// and, unless the teardown was requested by the caller, the automatic
// reconnect loop takes over.
func (m *Manager) handleDrop(epoch int, reason string) {
	m.mu.Lock()
	if epoch != m.epoch || m.conn == nil {
		m.mu.Unlock()
		return
	}
	close(m.conn.done)
	m.conn = nil
	m.status = Disconnected
	manual := m.manualClose
	m.mu.Unlock()

	m.logger.Warnf("Transport disconnected: %s", reason)
	m.dispatchPayload(chat.EventDisconnect, chat.DisconnectPayload{Reason: reason})

	if !manual {
		go m.reconnectLoop()
	}
}

// reconnectLoop is independent of manual Connect calls and carries its own
// bounded attempt budget. Delays back off exponentially within
// [ReconnectMinDelay, ReconnectMaxDelay].
func (m *Manager) reconnectLoop() {
	m.mu.Lock()
	if m.reconnecting || m.manualClose || m.status == Connected {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	delay := m.cfg.ReconnectMinDelay
	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		m.dispatchPayload(chat.EventReconnectAttempt, chat.ReconnectPayload{Attempt: attempt})
		time.Sleep(delay)
		delay *= 2
		if delay > m.cfg.ReconnectMaxDelay {
			delay = m.cfg.ReconnectMaxDelay
		}

		m.mu.Lock()
		if m.manualClose {
			m.mu.Unlock()
			return
		}
		if m.status == Connected {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		if err := m.Connect(context.Background()); err == nil {
			m.logger.Infof("Reconnected on attempt %d", attempt)
			m.dispatchPayload(chat.EventReconnect, chat.ReconnectPayload{Attempt: attempt})
			return
		}
		m.logger.Warnf("Reconnect attempt %d/%d failed", attempt, m.cfg.MaxReconnectAttempts)
	}

	m.logger.Error("Reconnect attempts exhausted")
	m.dispatchPayload(chat.EventReconnectFailed, chat.ReconnectPayload{
		Attempt: m.cfg.MaxReconnectAttempts,
		Error:   ErrRetriesExhausted.Error(),
	})
}

// Disconnect tears down the transport and clears room membership. The
// listener registry is retained: a later Connect sees the same intent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manualClose = true
	m.currentRoom = ""
	lc := m.conn
	if lc != nil {
		m.conn = nil
		close(lc.done)
	}
	wasConnected := m.status == Connected
	m.status = Disconnected
	m.mu.Unlock()

	if lc != nil {
		// The read pump will exit on the closed conn; epoch was not
		// bumped, but conn is nil so its handleDrop is a no-op.
		lc.ws.Close()
	}
	if wasConnected {
		m.logger.Info("Transport disconnected by caller")
		m.dispatchPayload(chat.EventDisconnect, chat.DisconnectPayload{Reason: "io client disconnect"})
	}
}

// JoinRoom ensures a live connection, leaves the previously joined room if
// it differs, joins groupID and records it as current. The recorded room is
// replayed on every reconnect until LeaveRoom or Disconnect.
func (m *Manager) JoinRoom(ctx context.Context, groupID string) error {
	if err := m.Connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	prev := m.currentRoom
	m.currentRoom = groupID
	m.mu.Unlock()

	if prev != "" && prev != groupID {
		if err := m.emit(chat.EventLeaveGroup, prev); err != nil {
			m.logger.Warnf("Leave of previous room %s failed: %v", prev, err)
		}
	}
	if err := m.emit(chat.EventJoinGroup, groupID); err != nil {
		return err
	}
	m.logger.Infof("Joined room %s", groupID)
	return nil
}

// LeaveRoom emits a leave for groupID, or for the current room when
// groupID is "". Current-room state is cleared only when it matches.
func (m *Manager) LeaveRoom(groupID string) {
	m.mu.Lock()
	if groupID == "" {
		groupID = m.currentRoom
	}
	if m.currentRoom == groupID {
		m.currentRoom = ""
	}
	m.mu.Unlock()

	if groupID == "" {
		return
	}
	if err := m.emit(chat.EventLeaveGroup, groupID); err != nil {
		m.logger.Debugf("Leave of room %s not sent: %v", groupID, err)
	}
}

// SendTyping is fire-and-forget: when disconnected it does nothing, and it
// never queues.
func (m *Manager) SendTyping(roomID string, isTyping bool) {
	if m.Status() != Connected {
		return
	}
	if err := m.emit(chat.EventTyping, chat.TypingEmit{GroupID: roomID, IsTyping: isTyping}); err != nil {
		m.logger.Debugf("Typing signal not sent: %v", err)
	}
}

// emit queues one outbound frame on the live connection.
func (m *Manager) emit(event string, payload interface{}) error {
	frame, err := chat.NewFrame(event, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	lc := m.conn
	connected := m.status == Connected
	m.mu.Unlock()

	if !connected || lc == nil {
		return ErrNotConnected
	}
	select {
	case lc.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (m *Manager) dispatchPayload(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Errorf("Marshal of %s payload failed: %v", event, err)
		return
	}
	m.registry.dispatch(event, data)
}

func (m *Manager) dispatchError(event string, cause error) {
	data, _ := json.Marshal(map[string]string{"error": cause.Error()})
	m.registry.dispatch(event, data)
}
