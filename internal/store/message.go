package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const messageCols = `seq, conversation_id, msg_id, sender_id, sender_name, body, kind,
	parent_id, attachment_ids, status, optimistic, created_at, updated_at, read_at`

// UpsertMessage inserts or updates a message (idempotent on
// conversation_id + msg_id). A re-delivered frame with a known id updates
// fields in place and clears the optimistic flag; it never duplicates.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, body, kind, parent_id, attachment_ids, status, optimistic, created_at, updated_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			status = excluded.status,
			optimistic = excluded.optimistic,
			updated_at = excluded.updated_at`,
		m.ConversationID, m.MsgID, m.SenderID, m.SenderName, m.Body, m.Kind, m.ParentID,
		marshalAttachments(m.AttachmentIDs), m.Status, m.Optimistic, m.CreatedAt, now, m.ReadAt)
	return err
}

// ReplaceMessages swaps the full message list for a conversation. Used on
// the initial REST load to establish baseline ordering; never for merging.
func (db *DB) ReplaceMessages(conversationID string, msgs []*Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, body, kind, parent_id, attachment_ids, status, optimistic, created_at, updated_at, read_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			conversationID, m.MsgID, m.SenderID, m.SenderName, m.Body, m.Kind, m.ParentID,
			marshalAttachments(m.AttachmentIDs), m.Status, m.Optimistic, m.CreatedAt, now, m.ReadAt); err != nil {
			return fmt.Errorf("insert message %s: %w", m.MsgID, err)
		}
	}

	return tx.Commit()
}

// ReplaceOptimistic replaces an optimistic message's identity and
// server-assigned fields while preserving list position: seq is never
// touched. The local id and the server id legitimately differ when the
// server does not echo the client id. Returns false if no row matched.
func (db *DB) ReplaceOptimistic(conversationID, localID string, server *Message) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE messages SET
			msg_id = ?, sender_id = ?, sender_name = ?, body = ?, kind = ?,
			parent_id = ?, attachment_ids = ?, status = ?, optimistic = 0,
			created_at = ?, updated_at = ?
		WHERE conversation_id = ? AND msg_id = ?`,
		server.MsgID, server.SenderID, server.SenderName, server.Body, server.Kind,
		server.ParentID, marshalAttachments(server.AttachmentIDs), server.Status,
		server.CreatedAt, now, conversationID, localID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteMessage removes exactly one message by id.
func (db *DB) DeleteMessage(conversationID, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID)
	return err
}

// UpdateMessageStatus mutates the delivery status without touching other fields.
func (db *DB) UpdateMessageStatus(conversationID, msgID, status string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE messages SET status = ?, updated_at = ? WHERE conversation_id = ? AND msg_id = ?`,
		status, now, conversationID, msgID)
	return err
}

// UpdateMessageBody mutates the content (edit, last-write-wins).
func (db *DB) UpdateMessageBody(conversationID, msgID, body string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE messages SET body = ?, updated_at = ? WHERE conversation_id = ? AND msg_id = ?`,
		body, now, conversationID, msgID)
	return err
}

// UpdateMessageRead sets the read timestamp on a single message.
func (db *DB) UpdateMessageRead(conversationID, msgID string, readAt int64) error {
	_, err := db.Exec(`UPDATE messages SET read_at = ? WHERE conversation_id = ? AND msg_id = ?`,
		readAt, conversationID, msgID)
	return err
}

// GetMessage returns a single message by id, or nil if absent.
func (db *DB) GetMessage(conversationID, msgID string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageCols+` FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, msgID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// FindOptimisticMatch looks for a locally originated, not-yet-confirmed
// message with the same sender and content. Only optimistic rows qualify:
// settled history can never be matched, so an identical old message is
// never mistaken for an echo.
func (db *DB) FindOptimisticMatch(conversationID, senderID, body string) (*Message, error) {
	row := db.QueryRow(`
		SELECT `+messageCols+` FROM messages
		WHERE conversation_id = ? AND sender_id = ? AND body = ?
			AND optimistic = 1 AND status IN ('', 'pending', 'sending')
		ORDER BY seq ASC LIMIT 1`,
		conversationID, senderID, body)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ListMessages returns messages for a conversation in server order
// (ascending seq) using keyset pagination: pass beforeSeq=0 for the
// newest page.
func (db *DB) ListMessages(conversationID string, beforeSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeSeq <= 0 {
		beforeSeq = int64(^uint64(0) >> 1)
	}
	rows, err := db.Query(`
		SELECT `+messageCols+` FROM messages
		WHERE conversation_id = ? AND seq < ?
		ORDER BY seq DESC
		LIMIT ?`, conversationID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into ascending seq so callers render in server order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MessageCount returns the total number of cached messages.
func (db *DB) MessageCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var attachments string
	err := row.Scan(&m.Seq, &m.ConversationID, &m.MsgID, &m.SenderID, &m.SenderName,
		&m.Body, &m.Kind, &m.ParentID, &attachments, &m.Status, &m.Optimistic,
		&m.CreatedAt, &m.UpdatedAt, &m.ReadAt)
	if err != nil {
		return nil, err
	}
	m.AttachmentIDs = unmarshalAttachments(attachments)
	return &m, nil
}

func marshalAttachments(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalAttachments(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	return ids
}
