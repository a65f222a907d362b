package store

import (
	"database/sql"
	"time"
)

const conversationCols = `id, name, avatar_url, is_group, is_cross_tenant, created_by,
	is_user_member, in_sidebar, unread_count, last_message_at, last_message_preview,
	last_message_sender, created_at, updated_at`

// UpsertConversation inserts or updates conversation metadata. Projection
// counters (unread, last message) are owned by their dedicated mutators
// and left alone on conflict.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, name, avatar_url, is_group, is_cross_tenant, created_by, is_user_member, in_sidebar, unread_count, last_message_at, last_message_preview, last_message_sender, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			avatar_url = excluded.avatar_url,
			is_group = excluded.is_group,
			is_cross_tenant = excluded.is_cross_tenant,
			created_by = excluded.created_by,
			is_user_member = excluded.is_user_member,
			in_sidebar = excluded.in_sidebar,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.AvatarURL, c.IsGroup, c.IsCrossTenant, c.CreatedBy,
		c.IsUserMember, c.InSidebar, c.UnreadCount, c.LastMessageAt,
		c.LastMessagePreview, c.LastMessageSender, c.CreatedAt, now)
	return err
}

// GetConversation returns a single conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`SELECT `+conversationCols+` FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.AvatarURL, &c.IsGroup, &c.IsCrossTenant, &c.CreatedBy,
			&c.IsUserMember, &c.InSidebar, &c.UnreadCount, &c.LastMessageAt,
			&c.LastMessagePreview, &c.LastMessageSender, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListRecent returns the sidebar projection: conversations flagged
// in_sidebar, newest activity first.
func (db *DB) ListRecent(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+conversationCols+` FROM conversations
		WHERE in_sidebar = 1
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Name, &c.AvatarURL, &c.IsGroup, &c.IsCrossTenant,
			&c.CreatedBy, &c.IsUserMember, &c.InSidebar, &c.UnreadCount, &c.LastMessageAt,
			&c.LastMessagePreview, &c.LastMessageSender, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// SetLastMessage updates the projection's last-message fields. Inbound
// frames arrive in server order, so the newest arrival is the newest
// message and the update is unconditional.
func (db *DB) SetLastMessage(conversationID string, at int64, preview, senderID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET
			last_message_at = ?, last_message_preview = ?, last_message_sender = ?, updated_at = ?
		WHERE id = ?`,
		at, preview, senderID, now, conversationID)
	return err
}

// IncrementUnread bumps the unread counter by one.
func (db *DB) IncrementUnread(conversationID string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = unread_count + 1 WHERE id = ?`, conversationID)
	return err
}

// ResetUnread clears the unread counter.
func (db *DB) ResetUnread(conversationID string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0 WHERE id = ?`, conversationID)
	return err
}

// SetMembership flips the is_user_member flag. Removal does not delete
// history; it only gates new inbound messages.
func (db *DB) SetMembership(conversationID string, isMember bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET is_user_member = ?, updated_at = ? WHERE id = ?`,
		isMember, now, conversationID)
	return err
}

// SetInSidebar flips the projection-visibility flag.
func (db *DB) SetInSidebar(conversationID string, inSidebar bool) error {
	_, err := db.Exec(`UPDATE conversations SET in_sidebar = ? WHERE id = ?`, inSidebar, conversationID)
	return err
}

// ConversationCount returns the number of cached conversations.
func (db *DB) ConversationCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&n)
	return n, err
}
