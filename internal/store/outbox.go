package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const outboxColumns = `id, member_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// outboxClaimLock serializes claims across processes sharing a Postgres database.
const outboxClaimLock = "outbox:claim"

func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.MemberID, &m.Kind, &m.PayloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

func (s *sqlStore) EnqueueOutboxMessage(ctx context.Context, memberID, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existingID string
		err := s.queryRow(ctx,
			`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status NOT IN ('sent', 'failed', 'canceled')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("store.EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	id := uuid.NewString()
	now := utc(time.Now())
	_, err := s.exec(ctx,
		`INSERT INTO outbox_messages (id, member_id, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`,
		id, memberID, kind, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug("store.EnqueueOutboxMessage", "id", id, "memberID", memberID, "kind", kind)
	return id, nil
}

func (s *sqlStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	now = utc(now)
	var msgs []OutboxMessage
	err := s.RunInTx(ctx, outboxClaimLock, func(tx Tx) error {
		txs := tx.(*sqlStore)
		rows, err := txs.query(ctx,
			`SELECT `+outboxColumns+` FROM outbox_messages o
			 WHERE o.status = 'queued' AND (o.next_attempt_at IS NULL OR o.next_attempt_at <= ?)
			 AND NOT EXISTS (
			     SELECT 1 FROM outbox_messages e
			     WHERE e.member_id = o.member_id AND e.seq < o.seq
			     AND (e.status = 'sending' OR (e.status = 'queued' AND e.next_attempt_at IS NOT NULL AND e.next_attempt_at > ?))
			 )
			 ORDER BY o.seq ASC LIMIT ?`,
			now, now, limit,
		)
		if err != nil {
			return fmt.Errorf("claim due outbox messages failed: %w", err)
		}
		for rows.Next() {
			m, err := scanOutboxMessage(rows)
			if err != nil {
				rows.Close()
				return err
			}
			msgs = append(msgs, m)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("claim outbox iteration failed: %w", err)
		}
		rows.Close()

		for i := range msgs {
			_, err := txs.exec(ctx,
				`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
				now, now, msgs[i].ID,
			)
			if err != nil {
				return fmt.Errorf("mark outbox sending failed: %w", err)
			}
			msgs[i].Status = OutboxStatusSending
			msgs[i].LockedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *sqlStore) PendingOutboxCount(ctx context.Context, memberID string) (int, error) {
	var n int
	err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM outbox_messages WHERE member_id = ? AND status IN ('queued', 'sending')`,
		memberID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending outbox messages failed: %w", err)
	}
	return n, nil
}

func (s *sqlStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	_, err := s.exec(ctx,
		`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`,
		utc(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE outbox_messages SET status = 'queued', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		errMsg, utc(nextAttemptAt), utc(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *sqlStore) DeferOutboxMessage(ctx context.Context, id string, nextAttemptAt time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE outbox_messages SET status = 'queued', next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		utc(nextAttemptAt), utc(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("defer outbox message failed: %w", err)
	}
	return nil
}

func (s *sqlStore) AbandonOutboxMessage(ctx context.Context, id string, errMsg string) error {
	_, err := s.exec(ctx,
		`UPDATE outbox_messages SET status = 'failed', attempts = attempts + 1, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		errMsg, utc(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("abandon outbox message failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.exec(ctx,
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`,
		utc(time.Now()), utc(staleBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("store.RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}
