package store

import (
	"database/sql"
	"time"
)

const outboxCols = `id, client_msg_id, conversation_id, body, parent_id, attachment_ids,
	sender_id, tenant_id, status, retry_count, last_error, created_at`

// QueueOutbox adds a message to the offline send queue with status
// pending and a zero retry count.
func (db *DB) QueueOutbox(q *QueuedMessage) error {
	now := time.Now().UnixMilli()
	createdAt := q.CreatedAt
	if createdAt == 0 {
		createdAt = now
	}
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, conversation_id, body, parent_id, attachment_ids, sender_id, tenant_id, status, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?)`,
		q.ClientMsgID, q.ConversationID, q.Body, q.ParentID, marshalAttachments(q.AttachmentIDs),
		q.SenderID, q.TenantID, createdAt, now)
	return err
}

// MarkOutboxSending updates an outbox entry to sending status.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkOutboxFailed records a failed attempt: increments the retry count
// and keeps status pending until the ceiling is hit, after which the
// entry freezes at failed and automatic retry stops.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET
			retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE 'pending' END,
			last_error = ?,
			updated_at = ?
		WHERE client_msg_id = ?`,
		MaxSendAttempts, errMsg, now, clientMsgID)
	return err
}

// FreezeOutbox records a failed manual attempt: the retry count advances
// and the entry goes straight to failed regardless of the ceiling. The
// next attempt is the user's again.
func (db *DB) FreezeOutbox(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET retry_count = retry_count + 1, status = 'failed', last_error = ?, updated_at = ?
		WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// ResetOutboxForRetry re-arms an entry for a manual retry: status back to
// pending, retry count back to zero.
func (db *DB) ResetOutboxForRetry(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'pending', retry_count = 0, last_error = '', updated_at = ?
		WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// DeleteOutbox removes an entry after confirmed success. From then on the
// store row is authoritative.
func (db *DB) DeleteOutbox(clientMsgID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	return err
}

// PendingOutbox returns drainable entries in queue order. Entries at the
// retry ceiling are excluded; only ResetOutboxForRetry brings them back.
func (db *DB) PendingOutbox() ([]QueuedMessage, error) {
	rows, err := db.Query(`
		SELECT `+outboxCols+` FROM outbox
		WHERE status = 'pending' AND retry_count < ?
		ORDER BY created_at ASC, id ASC`, MaxSendAttempts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []QueuedMessage
	for rows.Next() {
		q, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *q)
	}
	return entries, rows.Err()
}

// GetOutbox returns a single entry by client id, or nil if absent.
func (db *DB) GetOutbox(clientMsgID string) (*QueuedMessage, error) {
	row := db.QueryRow(`SELECT `+outboxCols+` FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	q, err := scanOutbox(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return q, err
}

// OutboxDepth returns the number of entries not yet settled.
func (db *DB) OutboxDepth() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&n)
	return n, err
}

func scanOutbox(row rowScanner) (*QueuedMessage, error) {
	var q QueuedMessage
	var attachments string
	err := row.Scan(&q.ID, &q.ClientMsgID, &q.ConversationID, &q.Body, &q.ParentID,
		&attachments, &q.SenderID, &q.TenantID, &q.Status, &q.RetryCount,
		&q.LastError, &q.CreatedAt)
	if err != nil {
		return nil, err
	}
	q.AttachmentIDs = unmarshalAttachments(attachments)
	return &q, nil
}
