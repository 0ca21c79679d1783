package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DedupRepo detects redelivered inbound webhooks. Message rows are the record of
// what has been processed: a provider message id already stored on a message is a duplicate.
type DedupRepo interface {
	IsDuplicate(ctx context.Context, providerMessageID string) (bool, error)
}

func (s *sqlStore) IsDuplicate(ctx context.Context, providerMessageID string) (bool, error) {
	var id string
	err := s.queryRow(ctx, `SELECT id FROM messages WHERE provider_message_id = ?`, providerMessageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}
