package store

import "time"

// OutboxEntry is a persisted pending operation. The payload is the
// JSON-encoded operation body; attempt counters survive restarts so a
// flapping network cannot reset the retry budget.
type OutboxEntry struct {
	ID             int64
	OpID           string
	ConversationID string
	Kind           string
	Payload        string
	Attempt        int
	Status         string // queued, sending, done, failed
	ErrorMessage   string
}

// QueueOutbox persists a new operation in queued state.
func (db *DB) QueueOutbox(opID, conversationID, kind, payload string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (op_id, conversation_id, kind, payload, attempt, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, 'queued', ?, ?)`,
		opID, conversationID, kind, payload, now, now)
	return err
}

// MarkOutboxAttempt records a failed attempt, keeping the entry queued.
func (db *DB) MarkOutboxAttempt(opID string, attempt int, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET attempt = ?, error_message = ?, status = 'queued', updated_at = ?
		WHERE op_id = ?`, attempt, errMsg, now, opID)
	return err
}

// MarkOutboxDone removes a completed entry.
func (db *DB) MarkOutboxDone(opID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE op_id = ?`, opID)
	return err
}

// MarkOutboxFailed records a permanent failure. Failed entries are kept
// for the resend action and diagnostics.
func (db *DB) MarkOutboxFailed(opID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ?
		WHERE op_id = ?`, errMsg, now, opID)
	return err
}

// RequeueOutbox resets a failed entry to queued with a fresh attempt
// budget (the explicit resend action).
func (db *DB) RequeueOutbox(opID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', attempt = 0, error_message = '', updated_at = ?
		WHERE op_id = ?`, now, opID)
	return err
}

// PendingOutbox returns queued entries in enqueue order.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, op_id, conversation_id, kind, payload, attempt, status, error_message
		FROM outbox WHERE status = 'queued' ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.OpID, &e.ConversationID, &e.Kind, &e.Payload, &e.Attempt, &e.Status, &e.ErrorMessage); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
