package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fixmyrv/fixmyrv-sms/internal/models"
)

const (
	conversationColumns = `id, title, channel, member_id, web_user_id, last_activity_at, created_at`
	messageColumns      = `id, conversation_id, is_bot, content, provider_message_id, batch_index, batch_total, status, error, created_at`
)

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var c models.Conversation
	var memberID, webUserID sql.NullString
	if err := row.Scan(&c.ID, &c.Title, &c.Channel, &memberID, &webUserID, &c.LastActivityAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.MemberID = memberID.String
	c.WebUserID = webUserID.String
	return &c, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	var providerID, errText sql.NullString
	var batchIndex, batchTotal sql.NullInt64
	err := row.Scan(&m.ID, &m.ConversationID, &m.IsBot, &m.Content, &providerID,
		&batchIndex, &batchTotal, &m.Status, &errText, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.ProviderMessageID = providerID.String
	m.Error = errText.String
	m.BatchIndex = intPtr(batchIndex)
	m.BatchTotal = intPtr(batchTotal)
	return &m, nil
}

func (s *sqlStore) FindOrCreateConversation(ctx context.Context, member *models.Member, window time.Duration, now time.Time) (*models.Conversation, bool, error) {
	latest, err := s.LatestConversation(ctx, member.ID)
	if err != nil {
		return nil, false, err
	}
	if latest != nil && (window <= 0 || now.Sub(latest.LastActivityAt) <= window) {
		return latest, false, nil
	}

	now = utc(now)
	conv := &models.Conversation{
		ID:             uuid.NewString(),
		Title:          conversationTitle(member),
		Channel:        models.ChannelSMS,
		MemberID:       member.ID,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := conv.Validate(); err != nil {
		return nil, false, err
	}
	_, err = s.exec(ctx,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.Channel, nilIfEmpty(conv.MemberID), nilIfEmpty(conv.WebUserID), conv.LastActivityAt, conv.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert conversation: %w", err)
	}
	slog.Debug("store.FindOrCreateConversation: created", "conversationID", conv.ID, "memberID", member.ID)
	return conv, true, nil
}

func conversationTitle(m *models.Member) string {
	if m.Name != "" {
		return "SMS with " + m.Name
	}
	return "SMS with " + m.PhoneNumber
}

func (s *sqlStore) LatestConversation(ctx context.Context, memberID string) (*models.Conversation, error) {
	c, err := scanConversation(s.queryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE member_id = ? AND channel = ?
		 ORDER BY last_activity_at DESC, created_at DESC LIMIT 1`,
		memberID, models.ChannelSMS,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest conversation: %w", err)
	}
	return c, nil
}

func (s *sqlStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	c, err := scanConversation(s.queryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return c, nil
}

func (s *sqlStore) ListConversations(ctx context.Context, memberID string) ([]models.Conversation, error) {
	rows, err := s.query(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE member_id = ? ORDER BY last_activity_at DESC`,
		memberID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

func (s *sqlStore) AppendMessage(ctx context.Context, conv *models.Conversation, msg *models.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = utc(msg.CreatedAt)
	msg.ConversationID = conv.ID

	_, err := s.exec(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.IsBot, msg.Content, nilIfEmpty(msg.ProviderMessageID),
		nilIfNoInt(msg.BatchIndex), nilIfNoInt(msg.BatchTotal), msg.Status, nilIfEmpty(msg.Error), msg.CreatedAt,
	)
	if err != nil {
		if msg.ProviderMessageID != "" && s.d.isUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("insert message: %w", err)
	}

	if msg.CreatedAt.After(conv.LastActivityAt) {
		if _, err := s.exec(ctx, `UPDATE conversations SET last_activity_at = ? WHERE id = ?`, msg.CreatedAt, conv.ID); err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		conv.LastActivityAt = msg.CreatedAt
	}
	return nil
}

func (s *sqlStore) RecentHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ?
		 ORDER BY created_at DESC, seq DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent history: %w", err)
	}
	defer rows.Close()

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *sqlStore) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := s.query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY created_at, seq`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *sqlStore) UndispatchedMessages(ctx context.Context, memberID string) ([]models.Message, error) {
	rows, err := s.query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id IN (SELECT id FROM conversations WHERE member_id = ?)
		 AND is_bot = ? AND status = ?
		 ORDER BY seq`,
		memberID, true, models.MessageStatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("undispatched messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

func (s *sqlStore) UpdateMessageDelivery(ctx context.Context, messageID, providerMessageID string, status models.MessageStatus, errText string) error {
	_, err := s.exec(ctx,
		`UPDATE messages SET provider_message_id = COALESCE(?, provider_message_id), status = ?, error = ? WHERE id = ?`,
		nilIfEmpty(providerMessageID), status, nilIfEmpty(errText), messageID,
	)
	if err != nil {
		return fmt.Errorf("update message delivery %s: %w", messageID, err)
	}
	return nil
}

func (s *sqlStore) UpdateDeliveryStatusByProviderID(ctx context.Context, providerMessageID string, status models.MessageStatus, errText string) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE messages SET status = ?, error = COALESCE(?, error) WHERE provider_message_id = ?`,
		status, nilIfEmpty(errText), providerMessageID,
	)
	if err != nil {
		return false, fmt.Errorf("update delivery status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
