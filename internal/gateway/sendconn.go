package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nimbusworks/chatsync/internal/protocol"
)

// SendConn is a short-lived, outbound-only connection bound to one
// conversation. Everything the gateway writes back arrives on the global
// connection too, so this side discards all reads; acting on them would
// double-apply every echo.
type SendConn struct {
	conn   *websocket.Conn
	logger *zap.Logger
}

// DialSendConn opens a send connection for the given conversation.
func DialSendConn(wsBase, token, userID string, logger *zap.Logger) (*SendConn, error) {
	if userID == "" || token == "" {
		return nil, ErrNotAuthenticated
	}
	endpoint := fmt.Sprintf("%s/%s?token=%s", wsBase, url.PathEscape(userID), url.QueryEscape(token))
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial send connection: %w", err)
	}

	sc := &SendConn{conn: conn, logger: logger.Named("sendconn")}
	go sc.drainReads()
	return sc, nil
}

// Send writes one frame. A write error closes the connection; the caller
// falls back to the queue path.
func (s *SendConn) Send(frame protocol.OutboundFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = s.conn.Close()
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

// Close shuts the connection down.
func (s *SendConn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return s.conn.Close()
}

func (s *SendConn) drainReads() {
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			if err != io.EOF && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.logger.Debug("send connection read side closed", zap.Error(err))
			}
			return
		}
	}
}
