package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/fixmyrv/fixmyrv-sms/internal/models"
)

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" || DetectDSNType(dsn) != "postgres" {
		t.Skip("DATABASE_URL not set to a PostgreSQL DSN, skipping Postgres tests")
	}
	s, err := NewPostgresStore(WithPostgresDSN(dsn))
	if err != nil {
		t.Fatalf("NewPostgresStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func uniquePhone() string {
	return fmt.Sprintf("+1555%07d", time.Now().UnixNano()%10000000)
}

func TestPostgresStore_TurnRoundTrip(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()
	m := createMember(t, s, uniquePhone(), models.MemberStatusInvited)
	sid := "SMpg" + m.ID

	err := s.RunInTx(ctx, m.PhoneNumber, func(tx Tx) error {
		if err := tx.UpdateMemberStatus(ctx, m.ID, models.MemberStatusActive, time.Now()); err != nil {
			return err
		}
		conv, _, err := tx.FindOrCreateConversation(ctx, m, time.Hour, time.Now())
		if err != nil {
			return err
		}
		return tx.AppendMessage(ctx, conv, &models.Message{Content: "hi", ProviderMessageID: sid, Status: models.MessageStatusReceived})
	})
	if err != nil {
		t.Fatalf("RunInTx failed: %v", err)
	}

	dup, err := s.IsDuplicate(ctx, sid)
	if err != nil || !dup {
		t.Fatalf("expected duplicate after commit, dup=%v err=%v", dup, err)
	}
	conv, err := s.LatestConversation(ctx, m.ID)
	if err != nil || conv == nil {
		t.Fatalf("LatestConversation failed: %v", err)
	}
	err = s.AppendMessage(ctx, conv, &models.Message{Content: "again", ProviderMessageID: sid, Status: models.MessageStatusReceived})
	if !errors.Is(err, ErrDuplicateMessage) {
		t.Errorf("expected ErrDuplicateMessage, got %v", err)
	}
}

func TestPostgresStore_AdvisoryLockSerializes(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()
	key := "lock-test-" + uniquePhone()

	var mu sync.Mutex
	inside := 0
	maxInside := 0
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunInTx(ctx, key, func(tx Tx) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("RunInTx failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Errorf("expected transactions on one key to be serialized, saw %d concurrently", maxInside)
	}
}
