// Package gateway owns the WebSocket connections to the chat gateway.
// One global connection per profile carries all inbound traffic; short
// lived per-conversation send connections only ever write.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nimbusworks/chatsync/internal/bus"
	"github.com/nimbusworks/chatsync/internal/observability"
	"github.com/nimbusworks/chatsync/internal/protocol"
	"github.com/nimbusworks/chatsync/internal/status"
)

const (
	maxReconnectAttempts = 3
	reconnectDelay       = 5 * time.Second
)

// ErrNotAuthenticated is returned by Start when the profile has no user
// id or token yet. The manager stays parked until Restart is called.
var ErrNotAuthenticated = errors.New("gateway: user id and token required")

// Manager maintains the global gateway connection for one profile. All
// inbound frames are parsed and republished as gw.* bus events; nothing
// else in the engine touches the socket directly.
type Manager struct {
	wsBase string
	token  string
	userID string

	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	dialer  *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	closing  bool
	disabled bool
	attempts int
}

// NewManager creates a manager in the Disconnected state. Start must be
// called to bring the connection up.
func NewManager(wsBase, token, userID string, b *bus.Bus, m *status.Machine, logger *zap.Logger) *Manager {
	return &Manager{
		wsBase:  wsBase,
		token:   token,
		userID:  userID,
		bus:     b,
		machine: m,
		logger:  logger.Named("gateway"),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Start validates credentials and opens the connection. A missing user
// id or token is a hard stop: no connection attempt, no retry loop.
func (m *Manager) Start() error {
	if m.userID == "" || m.token == "" {
		m.logger.Warn("starting without credentials, staying disconnected")
		return ErrNotAuthenticated
	}
	return m.connect()
}

// Restart re-arms a parked manager: after exhausted reconnects, a
// revoked-access stop, or a late login. The retry budget resets.
func (m *Manager) Restart() error {
	m.mu.Lock()
	m.closing = false
	m.disabled = false
	m.attempts = 0
	m.mu.Unlock()
	return m.Start()
}

// Send writes a frame on the global connection. It reports false when
// the connection is not open; callers fall back to the offline queue.
func (m *Manager) Send(frame protocol.OutboundFrame) bool {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil || m.machine.Current() != status.Open {
		return false
	}
	data, err := json.Marshal(frame)
	if err != nil {
		m.logger.Error("encode outbound frame", zap.Error(err))
		return false
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		m.logger.Warn("socket write failed", zap.Error(err))
		return false
	}
	return true
}

// Close shuts the connection down intentionally. No reconnect follows.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closing = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

func (m *Manager) endpoint() string {
	return fmt.Sprintf("%s/%s?token=%s", m.wsBase, url.PathEscape(m.userID), url.QueryEscape(m.token))
}

func (m *Manager) connect() error {
	if err := m.machine.Transition(status.Connecting); err != nil {
		return err
	}

	conn, _, err := m.dialer.Dial(m.endpoint(), nil)
	if err != nil {
		m.logger.Warn("dial failed", zap.Error(err))
		_ = m.machine.Transition(status.Error)
		_ = m.machine.Transition(status.Disconnected)
		m.scheduleReconnect()
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.attempts = 0
	m.mu.Unlock()

	if err := m.machine.Transition(status.Open); err != nil {
		_ = conn.Close()
		return err
	}
	observability.ConnectionState.Set(1)
	m.logger.Info("connected", zap.String("user_id", m.userID))

	go m.readPump(conn)
	return nil
}

// readPump owns the connection's read side until it dies. Parse errors
// are counted and skipped; only transport errors end the loop.
func (m *Manager) readPump(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(conn, err)
			return
		}

		evt, perr := protocol.Parse(raw)
		if perr != nil {
			observability.FramesMalformed.Inc()
			m.logger.Warn("dropping malformed frame", zap.Error(perr))
			continue
		}
		m.dispatch(evt)
	}
}

func (m *Manager) dispatch(evt any) {
	kind := eventKind(evt)
	observability.FramesReceived.WithLabelValues(kind).Inc()

	if errEvt, ok := evt.(protocol.ErrorEvent); ok {
		if errEvt.NotInConversation() {
			m.logger.Warn("access revoked by gateway, disabling reconnect",
				zap.String("detail", errEvt.Errors))
			m.mu.Lock()
			m.disabled = true
			m.mu.Unlock()
			m.bus.Publish(bus.Event{Kind: "notify.access_revoked", Timestamp: time.Now(), Payload: errEvt})
		}
	}

	m.bus.Publish(bus.Event{Kind: "gw." + kind, Timestamp: time.Now(), Payload: evt})
}

func eventKind(evt any) string {
	switch evt.(type) {
	case protocol.MessageEvent:
		return "message"
	case protocol.MessageDeleted:
		return "deleted"
	case protocol.MemberAdded:
		return "member_added"
	case protocol.MemberRemoved:
		return "member_removed"
	case protocol.ErrorEvent:
		return "error"
	default:
		return "unknown"
	}
}

func (m *Manager) handleDisconnect(conn *websocket.Conn, cause error) {
	_ = conn.Close()
	observability.ConnectionState.Set(0)

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	closing := m.closing
	m.mu.Unlock()

	// Close() already moved the socket down intentionally.
	if closing {
		if m.machine.Current() == status.Open {
			_ = m.machine.Transition(status.Closed)
			_ = m.machine.Transition(status.Disconnected)
		}
		m.logger.Info("connection closed")
		return
	}

	m.logger.Warn("connection lost", zap.Error(cause))
	if m.machine.Current() == status.Open {
		_ = m.machine.Transition(status.Closed)
		_ = m.machine.Transition(status.Disconnected)
	}
	m.scheduleReconnect()
}

// scheduleReconnect arms one delayed attempt. The budget is a fixed
// number of attempts at a fixed interval; when it runs out the manager
// parks in Disconnected until Restart.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closing || m.disabled {
		m.mu.Unlock()
		return
	}
	if m.attempts >= maxReconnectAttempts {
		m.mu.Unlock()
		m.logger.Warn("reconnect budget exhausted, parking",
			zap.Int("attempts", maxReconnectAttempts))
		m.bus.Publish(bus.Event{Kind: "notify.reconnect_exhausted", Timestamp: time.Now()})
		return
	}
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	time.AfterFunc(reconnectDelay, func() {
		m.mu.Lock()
		abort := m.closing || m.disabled || m.conn != nil
		m.mu.Unlock()
		if abort {
			return
		}
		observability.ReconnectAttempts.Inc()
		m.logger.Info("reconnecting", zap.Int("attempt", attempt))
		_ = m.connect()
	})
}
