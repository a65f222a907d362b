// Package protocol defines the gateway wire format and parses inbound
// frames into typed events. System-event subtypes ride in the content
// field of kind=system messages as colon-delimited prefixes; that server
// convention is fixed, so it is decoded here, once, and nowhere else.
package protocol

import "encoding/json"

// Envelope is the wire form of every inbound frame.
type Envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    *WireMessage    `json:"data,omitempty"`
	Errors  json.RawMessage `json:"errors,omitempty"`
}

// WireMessage is the gateway's message representation, shared by socket
// frames and REST payloads.
type WireMessage struct {
	ID             string   `json:"id"`
	ClientMsgID    string   `json:"client_msg_id,omitempty"`
	ConversationID string   `json:"conversation_id"`
	SenderID       string   `json:"sender_id"`
	SenderName     string   `json:"sender_name,omitempty"`
	Content        string   `json:"content"`
	Kind           string   `json:"message_type"`
	ParentID       string   `json:"parent_message_id,omitempty"`
	AttachmentIDs  []string `json:"attachment_ids,omitempty"`
	CreatedAt      int64    `json:"created_at"`
	UpdatedAt      int64    `json:"updated_at"`
	ReadAt         int64    `json:"read_at,omitempty"`
}

// OutboundFrame is the JSON payload written to the socket for a send.
// ClientMsgID is echoed back verbatim by the gateway and closes the
// double-delivery window between queue drain and socket echo.
type OutboundFrame struct {
	ConversationID string   `json:"conversation_id"`
	Content        string   `json:"content"`
	ClientMsgID    string   `json:"client_msg_id,omitempty"`
	ParentID       string   `json:"parent_message_id,omitempty"`
	AttachmentIDs  []string `json:"attachment_ids,omitempty"`
}

// WireConversation is the REST representation of a conversation.
type WireConversation struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	AvatarURL     string        `json:"avatar_url,omitempty"`
	IsGroup       bool          `json:"is_group"`
	IsCrossTenant bool          `json:"is_cross_tenant,omitempty"`
	CreatedBy     string        `json:"created_by,omitempty"`
	CreatedAt     int64         `json:"created_at"`
	UpdatedAt     int64         `json:"updated_at"`
	Members       []WireMember  `json:"members,omitempty"`
	Messages      []WireMessage `json:"messages,omitempty"`
}

// WireMember is the REST representation of a membership record.
type WireMember struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	TenantID       string `json:"tenant_id,omitempty"`
	Role           string `json:"role"`
	JoinedAt       int64  `json:"joined_at"`
	DisplayName    string `json:"display_name,omitempty"`
	AvatarURL      string `json:"avatar_url,omitempty"`
}
