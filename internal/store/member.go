package store

import "fmt"

// ReplaceMembers swaps the full membership list for a conversation.
// Member lists are small and fetched whole, so a swap is simpler than a
// diff and keeps removals correct.
func (db *DB) ReplaceMembers(conversationID string, members []Member) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM members WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear members: %w", err)
	}
	for _, m := range members {
		if _, err := tx.Exec(`
			INSERT INTO members (conversation_id, user_id, tenant_id, role, display_name, avatar_url, joined_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			conversationID, m.UserID, m.TenantID, m.Role, m.DisplayName, m.AvatarURL, m.JoinedAt); err != nil {
			return fmt.Errorf("insert member %s: %w", m.UserID, err)
		}
	}
	return tx.Commit()
}

// RemoveMember deletes a single membership record.
func (db *DB) RemoveMember(conversationID, userID string) error {
	_, err := db.Exec(`DELETE FROM members WHERE conversation_id = ? AND user_id = ?`, conversationID, userID)
	return err
}

// ListMembers returns the cached membership list for a conversation.
func (db *DB) ListMembers(conversationID string) ([]Member, error) {
	rows, err := db.Query(`
		SELECT conversation_id, user_id, tenant_id, role, display_name, avatar_url, joined_at
		FROM members WHERE conversation_id = ? ORDER BY joined_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ConversationID, &m.UserID, &m.TenantID, &m.Role,
			&m.DisplayName, &m.AvatarURL, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
