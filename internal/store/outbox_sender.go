package store

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	DefaultOutboxPollInterval = 5 * time.Second
	DefaultOutboxMaxAttempts  = 5
)

// ErrPermanent marks a send error that retrying cannot fix. A send func
// returning an error wrapping it has its message abandoned at once.
var ErrPermanent = errors.New("permanent send failure")

// OutboxSendFunc is the callback that performs the actual message send.
// It receives the outbox message and should return an error if sending failed.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxFailFunc is called when a message is abandoned after its last attempt.
type OutboxFailFunc func(ctx context.Context, msg OutboxMessage, err error)

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	onAbandon      OutboxFailFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
	now            func() time.Time
}

// OutboxSenderOption configures an OutboxSender.
type OutboxSenderOption func(*OutboxSender)

// WithMaxAttempts sets how many sends are tried before a message is abandoned.
func WithMaxAttempts(n int) OutboxSenderOption {
	return func(s *OutboxSender) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithAbandonHandler registers a callback for abandoned messages.
func WithAbandonHandler(fn OutboxFailFunc) OutboxSenderOption {
	return func(s *OutboxSender) {
		s.onAbandon = fn
	}
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration, opts ...OutboxSenderOption) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = DefaultOutboxPollInterval
	}
	s := &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		maxAttempts:    DefaultOutboxMaxAttempts,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverStaleMessages requeues messages stuck in sending state (crash recovery).
// Should be called once at startup.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	staleBefore := s.now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(ctx, staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll claims and sends one batch of due messages.
func (s *OutboxSender) Poll(ctx context.Context) {
	now := s.now()
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.poll: claim failed", "error", err)
		return
	}

	// Once a member's message fails, the rest of that member's batch waits behind it.
	blocked := make(map[string]time.Time)
	for _, msg := range msgs {
		if retryAt, ok := blocked[msg.MemberID]; ok {
			if err := s.repo.DeferOutboxMessage(ctx, msg.ID, retryAt); err != nil {
				slog.Error("OutboxSender.poll: defer message error", "id", msg.ID, "error", err)
			}
			continue
		}

		slog.Debug("OutboxSender.poll: sending message", "id", msg.ID, "memberID", msg.MemberID, "kind", msg.Kind)
		sendErr := s.sendFunc(ctx, msg)
		if sendErr == nil {
			if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
				slog.Error("OutboxSender.poll: mark sent error", "id", msg.ID, "error", err)
			}
			slog.Debug("OutboxSender.poll: message sent", "id", msg.ID, "memberID", msg.MemberID)
			continue
		}

		if errors.Is(sendErr, ErrPermanent) || msg.Attempts+1 >= s.maxAttempts {
			slog.Error("OutboxSender.poll: giving up on message", "id", msg.ID, "attempts", msg.Attempts+1, "error", sendErr)
			if err := s.repo.AbandonOutboxMessage(ctx, msg.ID, sendErr.Error()); err != nil {
				slog.Error("OutboxSender.poll: abandon message error", "id", msg.ID, "error", err)
			}
			if s.onAbandon != nil {
				s.onAbandon(ctx, msg, sendErr)
			}
			continue
		}

		slog.Warn("OutboxSender.poll: send failed", "id", msg.ID, "attempt", msg.Attempts+1, "error", sendErr)
		// Exponential backoff: 10s, 20s, 40s, ...
		backoff := time.Duration(10*(1<<msg.Attempts)) * time.Second
		nextAttempt := now.Add(backoff)
		if err := s.repo.FailOutboxMessage(ctx, msg.ID, sendErr.Error(), nextAttempt); err != nil {
			slog.Error("OutboxSender.poll: fail message error", "id", msg.ID, "error", err)
		}
		blocked[msg.MemberID] = nextAttempt
	}
}
