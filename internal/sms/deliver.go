package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fixmyrv/fixmyrv-sms/internal/messaging"
	"github.com/fixmyrv/fixmyrv-sms/internal/models"
	"github.com/fixmyrv/fixmyrv-sms/internal/segment"
	"github.com/fixmyrv/fixmyrv-sms/internal/store"
)

// DeliveryReport summarizes one Deliver call.
type DeliveryReport struct {
	Sent   int
	Queued int
	Failed int
}

// Deliver sends every stored reply segment of res's member that has not been
// handed to the provider yet, oldest first. Segments left behind by an earlier
// turn therefore go out before res's own, and a Deliver whose segments were
// already sent this way does nothing. While the member has rows in the outbox,
// new segments are queued behind them instead of being sent.
//
// Sending stops at the first failure; that segment and the ones after it go to
// the outbox so the retry worker keeps them in order. A segment whose outcome
// is unknown is marked failed rather than resent. A recipient the provider can
// never reach fails the remaining segments instead.
func (p *Processor) Deliver(ctx context.Context, res *Result) (DeliveryReport, error) {
	var report DeliveryReport
	if res == nil || len(res.Segments) == 0 || res.Member == nil {
		return report, nil
	}
	ctx = context.WithoutCancel(ctx)
	memberID, to := res.Member.ID, res.Member.PhoneNumber

	unlock := p.sendLocks.Lock(memberID)
	defer unlock()

	pending, err := p.store.UndispatchedMessages(ctx, memberID)
	if err != nil {
		slog.Error("Processor.Deliver: failed to load pending segments", "error", err, "to", to)
		return report, fmt.Errorf("load pending segments: %w", err)
	}
	if len(pending) == 0 {
		slog.Debug("Processor.Deliver: nothing left to send", "to", to)
		return report, nil
	}
	waiting, err := p.store.PendingOutboxCount(ctx, memberID)
	if err != nil {
		slog.Error("Processor.Deliver: outbox check failed", "error", err, "to", to)
		return report, fmt.Errorf("check outbox: %w", err)
	}
	if waiting > 0 {
		slog.Info("Processor.Deliver: earlier segments still in outbox, queueing behind them", "to", to, "waiting", waiting, "segments", len(pending))
		for _, msg := range pending {
			if err := p.enqueue(ctx, memberID, to, msg, ""); err != nil {
				return report, err
			}
			report.Queued++
		}
		return report, nil
	}

	for i, msg := range pending {
		index, total := batchPosition(msg)
		sendCtx, cancel := context.WithTimeout(ctx, p.opts.SendTimeout)
		sr, err := p.sender.Send(sendCtx, to, outboundText(msg))
		cancel()
		if err == nil {
			if uerr := p.store.UpdateMessageDelivery(ctx, msg.ID, sr.ProviderMessageID, sr.Status, ""); uerr != nil {
				slog.Error("Processor.Deliver: failed to record delivery", "error", uerr, "message", msg.ID)
			}
			report.Sent++
			continue
		}

		if errors.Is(err, messaging.ErrOutcomeUnknown) {
			slog.Error("Processor.Deliver: send outcome unknown, not resending segment", "error", err, "to", to, "segment", index, "total", total)
			p.markFailed(ctx, msg.ID, err)
			report.Failed++
			continue
		}
		rest := pending[i:]
		if errors.Is(err, messaging.ErrInvalidRecipient) {
			slog.Error("Processor.Deliver: recipient unreachable, dropping reply", "error", err, "to", to)
			for _, r := range rest {
				p.markFailed(ctx, r.ID, err)
			}
			report.Failed += len(rest)
			return report, err
		}
		if errors.Is(err, messaging.ErrNotConfigured) {
			slog.Error("Processor.Deliver: SMS provider not configured, queueing reply", "error", err, "to", to)
		} else {
			slog.Warn("Processor.Deliver: send failed, queueing remaining segments", "error", err, "to", to, "segment", index, "total", total)
		}
		for _, r := range rest {
			if qerr := p.enqueue(ctx, memberID, to, r, err.Error()); qerr != nil {
				return report, qerr
			}
			report.Queued++
		}
		return report, nil
	}
	slog.Debug("Processor.Deliver: reply delivered", "to", to, "segments", report.Sent, "failed", report.Failed)
	return report, nil
}

// batchPosition returns the 1-based part index and part count of a stored segment.
func batchPosition(msg models.Message) (int, int) {
	if msg.BatchIndex == nil || msg.BatchTotal == nil {
		return 1, 1
	}
	return *msg.BatchIndex, *msg.BatchTotal
}

// outboundText rebuilds the text sent for a stored segment.
func outboundText(msg models.Message) string {
	index, total := batchPosition(msg)
	return segment.Compose(msg.Content, index, total)
}

func (p *Processor) markFailed(ctx context.Context, messageID string, cause error) {
	if err := p.store.UpdateMessageDelivery(ctx, messageID, "", models.MessageStatusFailed, cause.Error()); err != nil {
		slog.Error("Processor.markFailed: failed to record failure", "error", err, "message", messageID)
	}
}

func (p *Processor) enqueue(ctx context.Context, memberID, to string, msg models.Message, cause string) error {
	index, total := batchPosition(msg)
	payload, err := json.Marshal(store.SegmentPayload{
		To:        to,
		Body:      outboundText(msg),
		MessageID: msg.ID,
		Index:     index,
		Total:     total,
	})
	if err != nil {
		return fmt.Errorf("marshal segment payload: %w", err)
	}
	if _, err := p.store.EnqueueOutboxMessage(ctx, memberID, store.OutboxKindSMSSegment, string(payload), msg.ID); err != nil {
		slog.Error("Processor.enqueue: failed to queue segment", "error", err, "message", msg.ID)
		return fmt.Errorf("enqueue segment %s: %w", msg.ID, err)
	}
	if err := p.store.UpdateMessageDelivery(ctx, msg.ID, "", models.MessageStatusQueued, cause); err != nil {
		slog.Error("Processor.enqueue: failed to record queued segment", "error", err, "message", msg.ID)
	}
	return nil
}

// SendQueued delivers one outbox segment. It is the send callback of the outbox
// worker. Errors that a retry cannot fix are wrapped in store.ErrPermanent.
func (p *Processor) SendQueued(ctx context.Context, msg store.OutboxMessage) error {
	if msg.Kind != store.OutboxKindSMSSegment {
		return fmt.Errorf("%w: unsupported outbox kind %q", store.ErrPermanent, msg.Kind)
	}
	var payload store.SegmentPayload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("%w: decode segment payload: %w", store.ErrPermanent, err)
	}

	unlock := p.sendLocks.Lock(msg.MemberID)
	defer unlock()

	sendCtx, cancel := context.WithTimeout(ctx, p.opts.SendTimeout)
	defer cancel()
	sr, err := p.sender.Send(sendCtx, payload.To, payload.Body)
	if err != nil {
		if errors.Is(err, messaging.ErrOutcomeUnknown) || errors.Is(err, messaging.ErrInvalidRecipient) {
			slog.Error("Processor.SendQueued: not retrying segment", "error", err, "message", payload.MessageID)
			return fmt.Errorf("%w: %w", store.ErrPermanent, err)
		}
		if uerr := p.store.UpdateMessageDelivery(ctx, payload.MessageID, "", models.MessageStatusQueued, err.Error()); uerr != nil {
			slog.Error("Processor.SendQueued: failed to record retry error", "error", uerr, "message", payload.MessageID)
		}
		return err
	}
	if err := p.store.UpdateMessageDelivery(ctx, payload.MessageID, sr.ProviderMessageID, sr.Status, ""); err != nil {
		slog.Error("Processor.SendQueued: failed to record delivery", "error", err, "message", payload.MessageID)
	}
	slog.Debug("Processor.SendQueued: queued segment sent", "message", payload.MessageID, "segment", payload.Index, "total", payload.Total)
	return nil
}

// AbandonQueued marks the stored message of an abandoned outbox row as failed.
func (p *Processor) AbandonQueued(ctx context.Context, msg store.OutboxMessage, cause error) {
	var payload store.SegmentPayload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &payload); err != nil || payload.MessageID == "" {
		slog.Error("Processor.AbandonQueued: undecodable payload", "error", err, "outbox", msg.ID)
		return
	}
	errText := "abandoned"
	if cause != nil {
		errText = cause.Error()
	}
	if err := p.store.UpdateMessageDelivery(ctx, payload.MessageID, "", models.MessageStatusFailed, errText); err != nil {
		slog.Error("Processor.AbandonQueued: failed to mark message failed", "error", err, "message", payload.MessageID)
	}
}

// RecordDeliveryReceipt applies a provider status callback. The bool reports whether a stored message matched.
func (p *Processor) RecordDeliveryReceipt(ctx context.Context, receipt models.DeliveryReceipt) (bool, error) {
	if receipt.ProviderMessageID == "" {
		return false, newError(ErrorInvalidPayload, "missing MessageSid", nil)
	}
	var errText string
	if receipt.ErrorCode != "" {
		errText = "provider error " + receipt.ErrorCode
	}
	ok, err := p.store.UpdateDeliveryStatusByProviderID(ctx, receipt.ProviderMessageID, receipt.Status, errText)
	if err != nil {
		slog.Error("Processor.RecordDeliveryReceipt: update failed", "error", err, "sid", receipt.ProviderMessageID)
		return false, newError(ErrorPersistence, "record delivery receipt", err)
	}
	if !ok {
		slog.Debug("Processor.RecordDeliveryReceipt: no message for sid", "sid", receipt.ProviderMessageID)
	}
	return ok, nil
}
