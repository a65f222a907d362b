// Package chat is the operation surface of the engine: the embedding
// application sends, edits and reads through it. It composes the store,
// the gateway and the queue; it never talks to the socket read side.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nimbusworks/chatsync/internal/bus"
	"github.com/nimbusworks/chatsync/internal/protocol"
	"github.com/nimbusworks/chatsync/internal/store"
)

var (
	// ErrEmptyContent rejects blank sends and edits before any network
	// traffic happens.
	ErrEmptyContent = errors.New("chat: content must not be empty")
	// ErrNoTarget rejects a forward without a destination.
	ErrNoTarget = errors.New("chat: forward requires at least one target conversation")
)

// FrameSender is the gateway's direct send path.
type FrameSender interface {
	Send(frame protocol.OutboundFrame) bool
}

// Retrier re-arms frozen queue entries.
type Retrier interface {
	Retry(clientMsgID string) error
}

// ConnectivitySource reports the current online belief.
type ConnectivitySource interface {
	Online() bool
}

// API is the slice of the REST client the service needs.
type API interface {
	ListConversations(ctx context.Context, limit, offset int) ([]protocol.WireConversation, error)
	GetConversation(ctx context.Context, id string) (*protocol.WireConversation, error)
	EditMessage(ctx context.Context, msgID, content string) (*protocol.WireMessage, error)
	ForwardMessage(ctx context.Context, msgID string, targetConversationIDs []string) error
	PinMessage(ctx context.Context, msgID string, pinned bool) error
	MarkConversationRead(ctx context.Context, conversationID string) error
}

// Service implements the engine's user-facing operations.
type Service struct {
	db     *store.DB
	bus    *bus.Bus
	gw     FrameSender
	api    API
	net    ConnectivitySource
	retry  Retrier
	logger *zap.Logger
	userID string
}

// NewService wires the operation surface.
func NewService(db *store.DB, b *bus.Bus, gw FrameSender, api API, net ConnectivitySource, retry Retrier, userID string, logger *zap.Logger) *Service {
	return &Service{
		db:     db,
		bus:    b,
		gw:     gw,
		api:    api,
		net:    net,
		retry:  retry,
		logger: logger.Named("chat"),
		userID: userID,
	}
}

// SendRequest describes an outbound message. Attachment ids are handed
// through opaquely; upload happens before the send.
type SendRequest struct {
	ConversationID string
	Content        string
	ParentID       string
	AttachmentIDs  []string
}

// SendMessage inserts the message optimistically and tries the socket
// first. When the socket cannot take it the message lands in the offline
// queue with status pending; either way the caller gets the local row
// back immediately.
func (s *Service) SendMessage(req SendRequest) (*store.Message, error) {
	if req.Content == "" && len(req.AttachmentIDs) == 0 {
		return nil, ErrEmptyContent
	}

	clientID := uuid.NewString()
	now := time.Now().UnixMilli()
	online := s.net.Online()

	msg := &store.Message{
		ConversationID: req.ConversationID,
		MsgID:          clientID,
		SenderID:       s.userID,
		Body:           req.Content,
		Kind:           store.KindText,
		ParentID:       req.ParentID,
		AttachmentIDs:  req.AttachmentIDs,
		Optimistic:     true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	// Online sends carry no status: confirmation is the echo replacing
	// the row. Offline sends are visibly pending from the start.
	if !online {
		msg.Status = store.StatusPending
	}

	if err := s.db.UpsertMessage(msg); err != nil {
		return nil, err
	}
	if err := s.db.SetLastMessage(req.ConversationID, now, req.Content, s.userID); err != nil {
		return nil, err
	}
	s.bus.Publish(bus.Event{Kind: "message.new", Timestamp: time.Now(), Payload: msg})
	s.bus.Publish(bus.Event{Kind: "conv.updated", Timestamp: time.Now(), Payload: req.ConversationID})

	if online && s.gw.Send(protocol.OutboundFrame{
		ConversationID: req.ConversationID,
		Content:        req.Content,
		ClientMsgID:    clientID,
		ParentID:       req.ParentID,
		AttachmentIDs:  req.AttachmentIDs,
	}) {
		return msg, nil
	}

	// Socket unavailable: park the message in the queue for the next
	// drain and surface the pending state.
	if err := s.db.QueueOutbox(&store.QueuedMessage{
		ClientMsgID:    clientID,
		ConversationID: req.ConversationID,
		Body:           req.Content,
		ParentID:       req.ParentID,
		AttachmentIDs:  req.AttachmentIDs,
		SenderID:       s.userID,
		CreatedAt:      now,
	}); err != nil {
		return nil, err
	}
	if msg.Status != store.StatusPending {
		msg.Status = store.StatusPending
		if err := s.db.UpdateMessageStatus(req.ConversationID, clientID, store.StatusPending); err != nil {
			return nil, err
		}
	}
	s.logger.Info("message queued",
		zap.String("conversation_id", req.ConversationID),
		zap.String("client_msg_id", clientID),
		zap.Bool("online", online))
	return msg, nil
}

// RetryMessage re-arms a frozen send.
func (s *Service) RetryMessage(clientMsgID string) error {
	return s.retry.Retry(clientMsgID)
}

// EditMessage rewrites a message's content. Empty content never leaves
// the device.
func (s *Service) EditMessage(ctx context.Context, conversationID, msgID, content string) error {
	if content == "" {
		return ErrEmptyContent
	}
	wire, err := s.api.EditMessage(ctx, msgID, content)
	if err != nil {
		return err
	}
	if err := s.db.UpdateMessageBody(conversationID, msgID, wire.Content); err != nil {
		return err
	}
	s.bus.Publish(bus.Event{Kind: "message.edited", Timestamp: time.Now(), Payload: s.mustGet(conversationID, msgID)})
	return nil
}

// ForwardMessage forwards an existing message into other conversations.
// The copies come back as ordinary inbound messages on the socket.
func (s *Service) ForwardMessage(ctx context.Context, msgID string, targetConversationIDs []string) error {
	if len(targetConversationIDs) == 0 {
		return ErrNoTarget
	}
	return s.api.ForwardMessage(ctx, msgID, targetConversationIDs)
}

// PinMessage toggles a message's pinned state server-side.
func (s *Service) PinMessage(ctx context.Context, msgID string, pinned bool) error {
	return s.api.PinMessage(ctx, msgID, pinned)
}

// MarkConversationRead clears the local unread counter and records the
// read position server-side. The local reset is not rolled back when the
// server call fails; the next sync settles it.
func (s *Service) MarkConversationRead(ctx context.Context, conversationID string) error {
	if err := s.db.ResetUnread(conversationID); err != nil {
		return err
	}
	s.bus.Publish(bus.Event{Kind: "conv.updated", Timestamp: time.Now(), Payload: conversationID})
	if err := s.api.MarkConversationRead(ctx, conversationID); err != nil {
		s.logger.Warn("server read marker failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return err
	}
	return nil
}

// LoadHistory replaces the cached history of one conversation with the
// server's copy. Membership and sidebar flags are local state and are
// carried over, not taken from the fetch.
func (s *Service) LoadHistory(ctx context.Context, conversationID string) ([]store.Message, error) {
	wc, err := s.api.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", conversationID, err)
	}

	existing, err := s.db.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	conv := &store.Conversation{
		ID:            wc.ID,
		Name:          wc.Name,
		AvatarURL:     wc.AvatarURL,
		IsGroup:       wc.IsGroup,
		IsCrossTenant: wc.IsCrossTenant,
		CreatedBy:     wc.CreatedBy,
		IsUserMember:  true,
		InSidebar:     true,
		CreatedAt:     wc.CreatedAt,
		UpdatedAt:     wc.UpdatedAt,
	}
	if existing != nil {
		conv.IsUserMember = existing.IsUserMember
		conv.InSidebar = existing.InSidebar
	}
	if err := s.db.UpsertConversation(conv); err != nil {
		return nil, err
	}
	if len(wc.Members) > 0 {
		if err := s.db.ReplaceMembers(conversationID, wireMembers(wc.Members)); err != nil {
			return nil, err
		}
	}

	msgs := make([]*store.Message, 0, len(wc.Messages))
	for i := range wc.Messages {
		m := wc.Messages[i].ToStoreMessage()
		// Only well-formed, renderable messages enter the cache; anything
		// the server grows later is ignored until the engine learns it.
		if m.MsgID == "" || (m.Kind != store.KindText && m.Kind != store.KindSystem) {
			continue
		}
		msgs = append(msgs, m)
	}
	if err := s.db.ReplaceMessages(conversationID, msgs); err != nil {
		return nil, err
	}
	s.bus.Publish(bus.Event{Kind: "conv.refetched", Timestamp: time.Now(), Payload: conversationID})

	return s.db.ListMessages(conversationID, 0, 0)
}

// ListConversations returns the sidebar projection from the local cache.
func (s *Service) ListConversations(limit, offset int) ([]store.Conversation, error) {
	return s.db.ListRecent(limit, offset)
}

// SetConversationVisibility shows or hides a conversation in the sidebar.
// History and membership are untouched; a hidden conversation keeps
// syncing.
func (s *Service) SetConversationVisibility(conversationID string, visible bool) error {
	if err := s.db.SetInSidebar(conversationID, visible); err != nil {
		return err
	}
	s.bus.Publish(bus.Event{Kind: "conv.updated", Timestamp: time.Now(), Payload: conversationID})
	return nil
}

// RefreshConversations pulls the conversation list from the server and
// merges it into the cache. Used on startup and after reconnects.
func (s *Service) RefreshConversations(ctx context.Context) error {
	wcs, err := s.api.ListConversations(ctx, 0, 0)
	if err != nil {
		return err
	}
	for i := range wcs {
		wc := &wcs[i]
		existing, err := s.db.GetConversation(wc.ID)
		if err != nil {
			return err
		}
		conv := &store.Conversation{
			ID:            wc.ID,
			Name:          wc.Name,
			AvatarURL:     wc.AvatarURL,
			IsGroup:       wc.IsGroup,
			IsCrossTenant: wc.IsCrossTenant,
			CreatedBy:     wc.CreatedBy,
			IsUserMember:  true,
			InSidebar:     true,
			CreatedAt:     wc.CreatedAt,
			UpdatedAt:     wc.UpdatedAt,
		}
		if existing != nil {
			conv.IsUserMember = existing.IsUserMember
			conv.InSidebar = existing.InSidebar
		}
		if err := s.db.UpsertConversation(conv); err != nil {
			return err
		}
	}
	if err := s.db.SetSyncState("conversations_refreshed_at", strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		return err
	}
	s.bus.Publish(bus.Event{Kind: "conv.updated", Timestamp: time.Now()})
	return nil
}

// LastRefreshedAt reports when the conversation list was last pulled
// from the server, zero if never.
func (s *Service) LastRefreshedAt() (time.Time, error) {
	raw, err := s.db.GetSyncState("conversations_refreshed_at")
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// Messages returns a page of cached history, newest page first, in
// ascending order. beforeSeq == 0 starts from the newest message.
func (s *Service) Messages(conversationID string, beforeSeq int64, limit int) ([]store.Message, error) {
	return s.db.ListMessages(conversationID, beforeSeq, limit)
}

func (s *Service) mustGet(conversationID, msgID string) *store.Message {
	msg, err := s.db.GetMessage(conversationID, msgID)
	if err != nil || msg == nil {
		return &store.Message{ConversationID: conversationID, MsgID: msgID}
	}
	return msg
}

func wireMembers(ms []protocol.WireMember) []store.Member {
	out := make([]store.Member, 0, len(ms))
	for _, m := range ms {
		role := m.Role
		if role == "" {
			role = store.RoleMember
		}
		out = append(out, store.Member{
			ConversationID: m.ConversationID,
			UserID:         m.UserID,
			TenantID:       m.TenantID,
			Role:           role,
			DisplayName:    m.DisplayName,
			AvatarURL:      m.AvatarURL,
			JoinedAt:       m.JoinedAt,
		})
	}
	return out
}
