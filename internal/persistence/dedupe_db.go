package persistence

import (
	"context"
	"database/sql"
	"time"
)

// MessageLookup is the Postgres tier behind the in-memory dedupe cache: when
// a message id has aged out of the LRU, the audit trail still knows whether
// it was processed.
type MessageLookup struct {
	db *sql.DB
}

func NewMessageLookup(db *sql.DB) *MessageLookup {
	return &MessageLookup{db: db}
}

// Processed reports whether the message id was already accepted.
// Bounded lookup: the caller treats a timeout as "not seen"; the in-memory
// tier remains authoritative for recent ids.
func (l *MessageLookup) Processed(messageID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var one int
	err := l.db.QueryRowContext(ctx, `
		SELECT 1
		FROM bridge_audit.messages
		WHERE message_id = $1 AND accepted
		LIMIT 1
	`, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
