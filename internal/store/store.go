// Package store provides the persistence layer for members, conversations,
// messages, the outbound retry queue and persisted settings.
//
// Two backends are supported, SQLite and PostgreSQL, sharing one query layer.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fixmyrv/fixmyrv-sms/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateMessage is returned when a provider message id is already stored.
	ErrDuplicateMessage = errors.New("duplicate provider message id")
)

// MemberRepo persists members. The conversation core only changes their status.
type MemberRepo interface {
	GetMember(ctx context.Context, id string) (*models.Member, error)
	// GetMemberByPhone looks a member up by canonical phone number. Returns ErrNotFound if absent.
	GetMemberByPhone(ctx context.Context, phone string) (*models.Member, error)
	// SaveMember inserts or updates a member keyed by phone number and fills in its ID and timestamps.
	SaveMember(ctx context.Context, m *models.Member) error
	UpdateMemberStatus(ctx context.Context, id string, status models.MemberStatus, now time.Time) error
	ListMembers(ctx context.Context) ([]models.Member, error)
}

// ConversationRepo persists conversations and their messages.
type ConversationRepo interface {
	// FindOrCreateConversation returns the member's latest SMS conversation if its last
	// activity is within window of now, otherwise a new one. The bool reports creation.
	FindOrCreateConversation(ctx context.Context, member *models.Member, window time.Duration, now time.Time) (*models.Conversation, bool, error)
	// LatestConversation returns the member's most recently active conversation, or nil.
	LatestConversation(ctx context.Context, memberID string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, memberID string) ([]models.Conversation, error)

	// AppendMessage stores msg in conv and advances the conversation's last activity.
	// A provider message id that is already stored yields ErrDuplicateMessage.
	AppendMessage(ctx context.Context, conv *models.Conversation, msg *models.Message) error
	// RecentHistory returns up to limit most recent messages in chronological order.
	RecentHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	// UndispatchedMessages returns the member's pending bot messages across all
	// conversations in the order they were stored.
	UndispatchedMessages(ctx context.Context, memberID string) ([]models.Message, error)

	UpdateMessageDelivery(ctx context.Context, messageID, providerMessageID string, status models.MessageStatus, errText string) error
	// UpdateDeliveryStatusByProviderID applies a provider status callback. The bool reports whether a row matched.
	UpdateDeliveryStatusByProviderID(ctx context.Context, providerMessageID string, status models.MessageStatus, errText string) (bool, error)
}

// SettingsRepo persists JSON settings records by name.
type SettingsRepo interface {
	// GetSetting decodes the named record into dest. The bool is false when no record exists.
	GetSetting(ctx context.Context, name string, dest any) (bool, error)
	PutSetting(ctx context.Context, name string, value any) error
}

// Tx is the view of the store available inside RunInTx.
type Tx interface {
	MemberRepo
	ConversationRepo
	DedupRepo
}

// Store is the full persistence interface.
type Store interface {
	MemberRepo
	ConversationRepo
	DedupRepo
	OutboxRepo
	SettingsRepo

	// RunInTx runs fn in one transaction holding the lock for lockKey. fn's error
	// rolls the transaction back and is returned unchanged.
	RunInTx(ctx context.Context, lockKey string, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path (or file: URI).
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// Open opens the backend matching dsn.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN not set")
	}
	switch DetectDSNType(dsn) {
	case "postgres":
		slog.Debug("store.Open: using PostgreSQL backend")
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		slog.Debug("store.Open: using SQLite backend", "path", dsn)
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}
