package store

// Delivery statuses for messages and outbox entries. An empty status on a
// message means confirmed-delivered, same as "sent": history loaded over
// REST arrives without a status field.
const (
	StatusPending = "pending"
	StatusSending = "sending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Message kinds.
const (
	KindText   = "text"
	KindSystem = "system"
)

// Member roles.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// MaxSendAttempts is the retry ceiling for queued outbound messages.
// After this many failed attempts an entry freezes at failed until a
// manual retry re-arms it.
const MaxSendAttempts = 3

// Conversation holds conversation metadata plus the sidebar projection
// columns (last message, unread count). Projection columns are mutated
// independently of the message list so the sidebar never loads full
// histories.
type Conversation struct {
	ID            string
	Name          string
	AvatarURL     string
	IsGroup       bool
	IsCrossTenant bool
	CreatedBy     string
	// IsUserMember is false after the current user was removed from a
	// group. History stays visible; new inbound messages are gated.
	IsUserMember bool
	// InSidebar is false for conversations excluded from the recent list
	// (the assistant bot). Independent of IsUserMember.
	InSidebar          bool
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
	LastMessageSender  string
	CreatedAt          int64
	UpdatedAt          int64
}

// Member is a conversation-scoped join record.
type Member struct {
	ConversationID string
	UserID         string
	TenantID       string
	Role           string
	DisplayName    string
	AvatarURL      string
	JoinedAt       int64
}

// Message is a synced or optimistic message. Seq is assigned by the store
// on insert and is the stable ordering key: replacing an optimistic
// message with its server copy never touches Seq, so list position is
// preserved.
type Message struct {
	Seq            int64
	ConversationID string
	MsgID          string
	SenderID       string
	SenderName     string
	Body           string
	Kind           string
	ParentID       string
	AttachmentIDs  []string
	Status         string
	// Optimistic marks locally originated rows not yet confirmed by the
	// server. Only optimistic rows are candidates for heuristic echo
	// matching.
	Optimistic bool
	CreatedAt  int64
	UpdatedAt  int64
	ReadAt     int64
}

// QueuedMessage is an outbound-only shadow of a Message with retry
// bookkeeping. Deleted on confirmed success.
type QueuedMessage struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	Body           string
	ParentID       string
	AttachmentIDs  []string
	SenderID       string
	TenantID       string
	Status         string
	RetryCount     int
	LastError      string
	CreatedAt      int64
}
