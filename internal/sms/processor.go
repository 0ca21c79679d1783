// Package sms implements one inbound SMS turn: validation, opt-in handling,
// reply generation, segmentation and the transactional write of the turn,
// followed by ordered delivery of the reply segments.
package sms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fixmyrv/fixmyrv-sms/internal/messaging"
	"github.com/fixmyrv/fixmyrv-sms/internal/models"
	"github.com/fixmyrv/fixmyrv-sms/internal/optin"
	"github.com/fixmyrv/fixmyrv-sms/internal/segment"
	"github.com/fixmyrv/fixmyrv-sms/internal/settings"
	"github.com/fixmyrv/fixmyrv-sms/internal/store"
	"github.com/fixmyrv/fixmyrv-sms/internal/util"
)

const (
	DefaultInactivityWindow = 24 * time.Hour
	DefaultHistoryLimit     = 20
	DefaultGenerateTimeout  = 25 * time.Second
	DefaultSendTimeout      = 10 * time.Second
)

// Status is the outcome of a processed turn.
type Status string

const (
	StatusReplied       Status = "replied"
	StatusOptedIn       Status = "opted_in"
	StatusOptedOut      Status = "opted_out"
	StatusOptInPrompted Status = "opt_in_prompted"
	StatusFallback      Status = "fallback"
	StatusSuppressed    Status = "suppressed"
	StatusUnknownMember Status = "unknown_member"
	StatusDuplicate     Status = "duplicate"
	StatusInvited       Status = "invited"
)

// Generator produces the assistant reply for a turn.
type Generator interface {
	Generate(ctx context.Context, history []models.Message, newText string) (string, error)
}

// ReplyTexts supplies the static replies of the opt-in flow.
type ReplyTexts interface {
	StoredSMSSettings(ctx context.Context) (models.SMSSettings, error)
}

// OutboundSegment is one stored bot message waiting to be delivered.
type OutboundSegment struct {
	MessageID string
	segment.Segment
}

// Result describes a processed turn.
type Result struct {
	Status       Status
	Member       *models.Member
	Conversation *models.Conversation
	Inbound      *models.Message
	Segments     []OutboundSegment
}

// Opts holds the tunables of a Processor.
type Opts struct {
	InactivityWindow time.Duration
	HistoryLimit     int
	ImplicitOptIn    bool
	GenerateTimeout  time.Duration
	SendTimeout      time.Duration
}

// Option defines a configuration option for the Processor.
type Option func(*Opts)

// WithInactivityWindow sets how long a conversation stays open without activity.
// A window of zero or less keeps reusing the latest conversation.
func WithInactivityWindow(d time.Duration) Option {
	return func(o *Opts) {
		o.InactivityWindow = d
	}
}

// WithHistoryLimit sets how many prior messages are sent to the generator.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) {
		if n > 0 {
			o.HistoryLimit = n
		}
	}
}

// WithImplicitOptIn controls whether a substantive first reply counts as consent.
func WithImplicitOptIn(enabled bool) Option {
	return func(o *Opts) {
		o.ImplicitOptIn = enabled
	}
}

// WithGenerateTimeout bounds reply generation.
func WithGenerateTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.GenerateTimeout = d
		}
	}
}

// WithSendTimeout bounds each outbound send.
func WithSendTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.SendTimeout = d
		}
	}
}

// Processor runs inbound turns. Turns for the same phone number run one at a time.
type Processor struct {
	store     store.Store
	generator Generator
	segmenter *segment.Segmenter
	texts     ReplyTexts
	sender    messaging.Sender
	opts      Opts
	locks     *keyedMutex // by phone, held while a turn is processed
	sendLocks *keyedMutex // by member ID, held while segments are sent
	now       func() time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(st store.Store, gen Generator, seg *segment.Segmenter, texts ReplyTexts, sender messaging.Sender, opts ...Option) (*Processor, error) {
	if st == nil || gen == nil || seg == nil || texts == nil || sender == nil {
		return nil, fmt.Errorf("sms processor: store, generator, segmenter, reply texts and sender are required")
	}
	cfg := Opts{
		InactivityWindow: DefaultInactivityWindow,
		HistoryLimit:     DefaultHistoryLimit,
		ImplicitOptIn:    true,
		GenerateTimeout:  DefaultGenerateTimeout,
		SendTimeout:      DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Processor{
		store:     st,
		generator: gen,
		segmenter: seg,
		texts:     texts,
		sender:    sender,
		opts:      cfg,
		locks:     newKeyedMutex(),
		sendLocks: newKeyedMutex(),
		now:       time.Now,
	}, nil
}

// Process runs one inbound turn and stores everything it produced. Reply segments are
// returned for Deliver and are already stored with status pending.
func (p *Processor) Process(ctx context.Context, in models.InboundSMS) (*Result, error) {
	if err := validateInbound(in); err != nil {
		slog.Warn("Processor.Process: rejected payload", "error", err, "sid", in.ProviderMessageID)
		return nil, err
	}
	phone, err := util.CanonicalizePhone(in.From)
	if err != nil {
		slog.Warn("Processor.Process: invalid sender", "error", err, "from", in.From)
		return nil, newError(ErrorInvalidPayload, "invalid From", err)
	}

	unlock := p.locks.Lock(phone)
	defer unlock()

	dup, err := p.store.IsDuplicate(ctx, in.ProviderMessageID)
	if err != nil {
		slog.Error("Processor.Process: dedup check failed", "error", err, "sid", in.ProviderMessageID)
		return nil, newError(ErrorPersistence, "dedup check", err)
	}
	if dup {
		slog.Info("Processor.Process: duplicate delivery ignored", "sid", in.ProviderMessageID)
		return &Result{Status: StatusDuplicate}, nil
	}

	member, err := p.store.GetMemberByPhone(ctx, phone)
	if errors.Is(err, store.ErrNotFound) {
		slog.Info("Processor.Process: message from unknown number", "from", phone, "sid", in.ProviderMessageID)
		return &Result{Status: StatusUnknownMember}, nil
	}
	if err != nil {
		slog.Error("Processor.Process: member lookup failed", "error", err, "from", phone)
		return nil, newError(ErrorPersistence, "member lookup", err)
	}

	received := in.ReceivedAt
	if received.IsZero() {
		received = p.now()
	}
	received = received.UTC()

	class := optin.Classify(member.Status, in.Body)
	decision := optin.Decide(optin.StateFor(member.Status), class, p.opts.ImplicitOptIn)
	slog.Debug("Processor.Process: classified", "from", phone, "member_status", member.Status, "class", class, "action", decision.Action)

	texts := p.replyTexts(ctx)
	inbound := &models.Message{
		Content:           in.Body,
		ProviderMessageID: in.ProviderMessageID,
		Status:            models.MessageStatusReceived,
		CreatedAt:         received,
	}

	var reply string
	status := StatusSuppressed
	switch decision.Action {
	case optin.ActionReplyStop:
		reply, status = texts.StopMessage, StatusOptedOut
	case optin.ActionReplyWelcome:
		reply, status = texts.WelcomeMessage, StatusOptedIn
	case optin.ActionReplyOptInPrompt:
		reply, status = texts.OptInMessage, StatusOptInPrompted
	case optin.ActionGenerate:
		reply, err = p.generate(ctx, member, in.Body, received)
		if err != nil {
			slog.Error("Processor.Process: reply generation failed, sending fallback", "error", err, "from", phone)
			inbound.Status = models.MessageStatusAIFailed
			inbound.Error = err.Error()
			reply, status = texts.FallbackMessage, StatusFallback
		} else {
			status = StatusReplied
		}
	case optin.ActionDrop:
		slog.Info("Processor.Process: message from opted-out member suppressed", "from", phone)
	}

	segs, err := p.segmenter.Split(reply)
	if err != nil {
		slog.Error("Processor.Process: reply cannot be split, sending fallback", "error", err, "from", phone, "length", len(reply))
		inbound.Status = models.MessageStatusAIFailed
		inbound.Error = err.Error()
		status = StatusFallback
		if segs, err = p.segmenter.Split(texts.FallbackMessage); err != nil {
			slog.Error("Processor.Process: fallback cannot be split, storing turn without reply", "error", err, "from", phone)
			segs = nil
		}
	}
	res := &Result{Status: status, Member: member, Inbound: inbound}
	replyAt := p.now().UTC()
	if replyAt.Before(received) {
		replyAt = received
	}

	// The turn is stored even if the provider hangs up mid-request.
	persistCtx := context.WithoutCancel(ctx)
	err = p.store.RunInTx(persistCtx, phone, func(tx store.Tx) error {
		dup, err := tx.IsDuplicate(persistCtx, in.ProviderMessageID)
		if err != nil {
			return err
		}
		if dup {
			return store.ErrDuplicateMessage
		}
		if decision.NextStatus != nil && *decision.NextStatus != member.Status {
			if err := tx.UpdateMemberStatus(persistCtx, member.ID, *decision.NextStatus, received); err != nil {
				return fmt.Errorf("update member status: %w", err)
			}
		}
		conv, _, err := tx.FindOrCreateConversation(persistCtx, member, p.opts.InactivityWindow, received)
		if err != nil {
			return fmt.Errorf("find conversation: %w", err)
		}
		if err := tx.AppendMessage(persistCtx, conv, inbound); err != nil {
			return err
		}
		out, err := appendSegments(persistCtx, tx, conv, segs, replyAt)
		if err != nil {
			return err
		}
		res.Conversation = conv
		res.Segments = out
		return nil
	})
	if errors.Is(err, store.ErrDuplicateMessage) {
		slog.Info("Processor.Process: duplicate delivery detected in transaction", "sid", in.ProviderMessageID)
		return &Result{Status: StatusDuplicate}, nil
	}
	if err != nil {
		slog.Error("Processor.Process: failed to store turn", "error", err, "from", phone, "sid", in.ProviderMessageID)
		return nil, newError(ErrorPersistence, "store turn", err)
	}
	if decision.NextStatus != nil {
		member.Status = *decision.NextStatus
	}
	slog.Info("Processor.Process: turn stored", "from", phone, "status", res.Status, "conversation", res.Conversation.ID, "segments", len(res.Segments))
	return res, nil
}

// Invite stores and returns the opt-in invitation for member. Deliver sends it.
func (p *Processor) Invite(ctx context.Context, member *models.Member) (*Result, error) {
	if member == nil || member.PhoneNumber == "" {
		return nil, newError(ErrorInvalidPayload, "member with phone number required", nil)
	}
	unlock := p.locks.Lock(member.PhoneNumber)
	defer unlock()

	texts := p.replyTexts(ctx)
	segs, err := p.segmenter.Split(texts.OptInMessage)
	if err != nil {
		slog.Error("Processor.Invite: invitation cannot be split", "error", err, "to", member.PhoneNumber)
		return nil, newError(ErrorInvalidPayload, "invitation text too long", err)
	}
	now := p.now().UTC()
	res := &Result{Status: StatusInvited, Member: member}

	persistCtx := context.WithoutCancel(ctx)
	err = p.store.RunInTx(persistCtx, member.PhoneNumber, func(tx store.Tx) error {
		conv, _, err := tx.FindOrCreateConversation(persistCtx, member, p.opts.InactivityWindow, now)
		if err != nil {
			return fmt.Errorf("find conversation: %w", err)
		}
		out, err := appendSegments(persistCtx, tx, conv, segs, now)
		if err != nil {
			return err
		}
		res.Conversation = conv
		res.Segments = out
		return nil
	})
	if err != nil {
		slog.Error("Processor.Invite: failed to store invitation", "error", err, "to", member.PhoneNumber)
		return nil, newError(ErrorPersistence, "store invitation", err)
	}
	slog.Info("Processor.Invite: invitation stored", "to", member.PhoneNumber, "conversation", res.Conversation.ID)
	return res, nil
}

// generate asks the generator for a reply using the history of the conversation
// this turn will land in.
func (p *Processor) generate(ctx context.Context, member *models.Member, body string, now time.Time) (string, error) {
	var history []models.Message
	conv, err := p.store.LatestConversation(ctx, member.ID)
	if err != nil {
		slog.Warn("Processor.generate: history unavailable, continuing without it", "error", err, "member", member.ID)
	} else if conv != nil && (p.opts.InactivityWindow <= 0 || now.Sub(conv.LastActivityAt) <= p.opts.InactivityWindow) {
		history, err = p.store.RecentHistory(ctx, conv.ID, p.opts.HistoryLimit)
		if err != nil {
			slog.Warn("Processor.generate: history unavailable, continuing without it", "error", err, "conversation", conv.ID)
			history = nil
		}
	}

	genCtx, cancel := context.WithTimeout(ctx, p.opts.GenerateTimeout)
	defer cancel()
	reply, err := p.generator.Generate(genCtx, history, body)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", fmt.Errorf("empty reply")
	}
	return reply, nil
}

func (p *Processor) replyTexts(ctx context.Context) models.SMSSettings {
	texts, err := p.texts.StoredSMSSettings(ctx)
	if err != nil {
		slog.Error("Processor.replyTexts: settings unavailable, using defaults", "error", err)
		texts = models.SMSSettings{}
	}
	if texts.OptInMessage == "" {
		texts.OptInMessage = settings.DefaultOptInMessage
	}
	if texts.WelcomeMessage == "" {
		texts.WelcomeMessage = settings.DefaultWelcomeMessage
	}
	if texts.StopMessage == "" {
		texts.StopMessage = settings.DefaultStopMessage
	}
	if texts.FallbackMessage == "" {
		texts.FallbackMessage = settings.DefaultFallbackMessage
	}
	return texts
}

// appendSegments stores one queued bot message per segment. Only split replies carry batch metadata.
func appendSegments(ctx context.Context, tx store.Tx, conv *models.Conversation, segs []segment.Segment, at time.Time) ([]OutboundSegment, error) {
	out := make([]OutboundSegment, 0, len(segs))
	for _, seg := range segs {
		msg := &models.Message{
			IsBot:     true,
			Content:   seg.Body,
			Status:    models.MessageStatusPending,
			CreatedAt: at,
		}
		if seg.Total > 1 {
			idx, total := seg.Index, seg.Total
			msg.BatchIndex, msg.BatchTotal = &idx, &total
		}
		if err := tx.AppendMessage(ctx, conv, msg); err != nil {
			return nil, fmt.Errorf("append reply segment %d/%d: %w", seg.Index, seg.Total, err)
		}
		out = append(out, OutboundSegment{MessageID: msg.ID, Segment: seg})
	}
	return out, nil
}

func validateInbound(in models.InboundSMS) *Error {
	switch {
	case strings.TrimSpace(in.From) == "":
		return newError(ErrorInvalidPayload, "missing From", nil)
	case strings.TrimSpace(in.Body) == "":
		return newError(ErrorInvalidPayload, "missing Body", nil)
	case strings.TrimSpace(in.ProviderMessageID) == "":
		return newError(ErrorInvalidPayload, "missing MessageSid", nil)
	case in.MediaCount < 0:
		return newError(ErrorInvalidPayload, "negative NumMedia", nil)
	}
	return nil
}
