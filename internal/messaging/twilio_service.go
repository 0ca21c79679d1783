package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fixmyrv/fixmyrv-sms/internal/models"
	"github.com/fixmyrv/fixmyrv-sms/internal/twiliosms"
	"github.com/fixmyrv/fixmyrv-sms/internal/util"
)

// SMSSettingsSource supplies the current SMS provider settings.
type SMSSettingsSource interface {
	SMSSettings(ctx context.Context) (models.SMSSettings, error)
}

// ClientFactory builds a provider client for one set of credentials.
type ClientFactory func(s models.SMSSettings, statusCallback string) (twiliosms.Sender, error)

func (s *TwilioSender) defaultClientFactory(cfg models.SMSSettings, statusCallback string) (twiliosms.Sender, error) {
	return twiliosms.NewClient(
		twiliosms.WithAccountSID(cfg.AccountSID),
		twiliosms.WithAuthToken(cfg.AuthToken),
		twiliosms.WithFromNumber(cfg.FromNumber),
		twiliosms.WithStatusCallback(statusCallback),
		twiliosms.WithTimeout(s.requestTimeout),
	)
}

// TwilioSenderOption configures a TwilioSender.
type TwilioSenderOption func(*TwilioSender)

// WithStatusCallback sets the delivery status callback URL passed to Twilio.
func WithStatusCallback(url string) TwilioSenderOption {
	return func(s *TwilioSender) { s.statusCallback = url }
}

// WithRequestTimeout bounds each provider HTTP request made by default clients.
func WithRequestTimeout(d time.Duration) TwilioSenderOption {
	return func(s *TwilioSender) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// WithClientFactory replaces how provider clients are built.
func WithClientFactory(f ClientFactory) TwilioSenderOption {
	return func(s *TwilioSender) { s.factory = f }
}

type credentials struct {
	accountSID, authToken, from string
}

// TwilioSender implements Sender over Twilio. Credentials are read from the
// settings on every send; one client is kept per credential set.
type TwilioSender struct {
	settings       SMSSettingsSource
	statusCallback string
	requestTimeout time.Duration
	factory        ClientFactory

	mu      sync.Mutex
	clients map[credentials]twiliosms.Sender
}

// Compile-time check that TwilioSender implements Sender.
var _ Sender = (*TwilioSender)(nil)

// NewTwilioSender creates a TwilioSender.
func NewTwilioSender(settings SMSSettingsSource, opts ...TwilioSenderOption) *TwilioSender {
	s := &TwilioSender{
		settings:       settings,
		requestTimeout: twiliosms.DefaultTimeout,
		clients:        make(map[credentials]twiliosms.Sender),
	}
	s.factory = s.defaultClientFactory
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TwilioSender) clientFor(cfg models.SMSSettings) (twiliosms.Sender, error) {
	key := credentials{accountSID: cfg.AccountSID, authToken: cfg.AuthToken, from: cfg.FromNumber}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[key]; ok {
		return c, nil
	}
	c, err := s.factory(cfg, s.statusCallback)
	if err != nil {
		return nil, err
	}
	s.clients[key] = c
	return c, nil
}

// Send delivers body to the canonicalized recipient.
func (s *TwilioSender) Send(ctx context.Context, to string, body string) (SendResult, error) {
	canonical, err := util.CanonicalizePhone(to)
	if err != nil {
		slog.Warn("TwilioSender.Send: invalid recipient", "to", to, "error", err)
		return SendResult{}, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}

	cfg, err := s.settings.SMSSettings(ctx)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: %w", ErrNotConfigured, err)
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		slog.Error("TwilioSender.Send: SMS credentials missing",
			"AccountSID_set", cfg.AccountSID != "", "AuthToken_set", cfg.AuthToken != "", "FromNumber_set", cfg.FromNumber != "")
		return SendResult{}, ErrNotConfigured
	}

	client, err := s.clientFor(cfg)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: %w", ErrNotConfigured, err)
	}

	res, err := client.SendSMS(ctx, canonical, body)
	if errors.Is(err, twiliosms.ErrOutcomeUnknown) {
		return SendResult{}, fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
	}
	if err != nil {
		return SendResult{}, err
	}
	out := SendResult{ProviderMessageID: res.SID, Status: CreateStatus(res.Status)}
	if out.Status == models.MessageStatusFailed || out.Status == models.MessageStatusUndelivered {
		return out, fmt.Errorf("%w: status %s", ErrRejected, res.Status)
	}
	slog.Debug("TwilioSender.Send: message accepted", "to", canonical, "sid", out.ProviderMessageID, "status", res.Status)
	return out, nil
}
