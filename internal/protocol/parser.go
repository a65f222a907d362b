package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"encoding/json"

	"github.com/nimbusworks/chatsync/internal/store"
)

// System-content prefixes used by the gateway.
const (
	prefixMessageDeleted = "message_deleted:"
	prefixMemberAdded    = "member_added:"
	prefixMemberRemoved  = "member_removed:"
)

// MessageEvent is an ordinary inbound message (live broadcast or echo of
// an own send). ClientMsgID is non-empty when the gateway echoed ours.
type MessageEvent struct {
	Message     *store.Message
	ClientMsgID string
}

// MessageDeleted signals removal of a single message.
type MessageDeleted struct {
	ConversationID string
	MsgID          string
	ForEveryone    bool
	IsGroup        bool
}

// MemberAdded signals a user joining a group conversation.
type MemberAdded struct {
	ConversationID string
	UserID         string
	UserName       string
	GroupName      string
}

// MemberRemoved signals a user being removed from a group conversation.
type MemberRemoved struct {
	ConversationID string
	UserID         string
	UserName       string
	GroupName      string
}

// ErrorEvent carries a gateway error frame.
type ErrorEvent struct {
	Message string
	Errors  string
}

// NotInConversation reports whether the error denotes revoked access,
// which is fatal for the connection rather than retryable.
func (e ErrorEvent) NotInConversation() bool {
	return strings.Contains(e.Errors, "not in conversation") ||
		strings.Contains(e.Message, "not in conversation")
}

// Parse decodes a raw inbound frame into one of MessageEvent,
// MessageDeleted, MemberAdded, MemberRemoved or ErrorEvent. A malformed
// frame returns an error and must never crash the read loop.
func Parse(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	if env.Status == "error" {
		return ErrorEvent{Message: env.Message, Errors: string(env.Errors)}, nil
	}

	if env.Data == nil {
		return nil, fmt.Errorf("frame without data (status %q)", env.Status)
	}

	if env.Data.Kind == store.KindSystem {
		if evt, ok, err := parseSystemContent(env.Data); ok || err != nil {
			return evt, err
		}
		// A system message without a known prefix is delivered verbatim
		// (server-originated announcements).
	}

	return MessageEvent{
		Message:     env.Data.ToStoreMessage(),
		ClientMsgID: env.Data.ClientMsgID,
	}, nil
}

func parseSystemContent(m *WireMessage) (any, bool, error) {
	content := m.Content
	switch {
	case strings.HasPrefix(content, prefixMessageDeleted):
		parts := strings.SplitN(strings.TrimPrefix(content, prefixMessageDeleted), ":", 3)
		if len(parts) != 3 {
			return nil, true, fmt.Errorf("malformed message_deleted content %q", content)
		}
		forEveryone, _ := strconv.ParseBool(parts[1])
		isGroup, _ := strconv.ParseBool(parts[2])
		return MessageDeleted{
			ConversationID: m.ConversationID,
			MsgID:          parts[0],
			ForEveryone:    forEveryone,
			IsGroup:        isGroup,
		}, true, nil

	case strings.HasPrefix(content, prefixMemberAdded):
		userID, userName, groupName, err := parseMemberFields(content, prefixMemberAdded)
		if err != nil {
			return nil, true, err
		}
		return MemberAdded{
			ConversationID: m.ConversationID,
			UserID:         userID,
			UserName:       userName,
			GroupName:      groupName,
		}, true, nil

	case strings.HasPrefix(content, prefixMemberRemoved):
		userID, userName, groupName, err := parseMemberFields(content, prefixMemberRemoved)
		if err != nil {
			return nil, true, err
		}
		return MemberRemoved{
			ConversationID: m.ConversationID,
			UserID:         userID,
			UserName:       userName,
			GroupName:      groupName,
		}, true, nil
	}
	return nil, false, nil
}

// parseMemberFields splits "{prefix}{userId}:{userName}:{groupName}".
// Group names may themselves contain colons, so the split is bounded.
func parseMemberFields(content, prefix string) (userID, userName, groupName string, err error) {
	parts := strings.SplitN(strings.TrimPrefix(content, prefix), ":", 3)
	if len(parts) != 3 || parts[0] == "" {
		return "", "", "", fmt.Errorf("malformed %s content %q", strings.TrimSuffix(prefix, ":"), content)
	}
	return parts[0], parts[1], parts[2], nil
}

// ToStoreMessage converts a wire message to its store form. Inbound
// confirmed messages carry no delivery status: absence means settled.
func (m *WireMessage) ToStoreMessage() *store.Message {
	kind := m.Kind
	if kind == "" {
		kind = store.KindText
	}
	return &store.Message{
		ConversationID: m.ConversationID,
		MsgID:          m.ID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Body:           m.Content,
		Kind:           kind,
		ParentID:       m.ParentID,
		AttachmentIDs:  m.AttachmentIDs,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		ReadAt:         m.ReadAt,
	}
}
