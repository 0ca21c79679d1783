// Package twiliosms wraps the Twilio Programmable Messaging API for SMS.
package twiliosms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// DefaultTimeout bounds one CreateMessage HTTP round trip.
const DefaultTimeout = 10 * time.Second

// ErrOutcomeUnknown is returned when the request may have reached Twilio but no
// answer arrived in time. The message can exist at the provider, so it must not
// be sent again.
var ErrOutcomeUnknown = errors.New("send outcome unknown")

// Sender sends a single SMS.
type Sender interface {
	SendSMS(ctx context.Context, to string, body string) (SendResult, error)
}

// SendResult is what Twilio reports for a created message.
type SendResult struct {
	SID    string
	Status string
}

// Opts holds configuration options for the Twilio SMS client.
type Opts struct {
	AccountSID     string
	AuthToken      string
	FromNumber     string
	StatusCallback string
	Timeout        time.Duration
}

// Option defines a configuration option for the Twilio SMS client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number in E.164 format.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithStatusCallback sets the URL Twilio posts delivery status updates to.
func WithStatusCallback(url string) Option {
	return func(o *Opts) { o.StatusCallback = url }
}

// WithTimeout sets the HTTP timeout of each Twilio API request.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// messageCreator is the part of the Twilio REST API used here.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Client wraps the Twilio REST API for SMS.
type Client struct {
	api            messageCreator
	fromNumber     string
	statusCallback string
	timeout        time.Duration
}

// NewClient creates a Client. Unset credentials fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio SMS client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "",
		"StatusCallback_set", cfg.StatusCallback != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	// The SDK calls are not context-aware; the HTTP client timeout is what bounds them.
	httpClient := &twilioclient.Client{Credentials: twilioclient.NewCredentials(cfg.AccountSID, cfg.AuthToken)}
	httpClient.SetAccountSid(cfg.AccountSID)
	httpClient.SetTimeout(cfg.Timeout)
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{Client: httpClient})
	return &Client{
		api:            rest.Api,
		fromNumber:     cfg.FromNumber,
		statusCallback: cfg.StatusCallback,
		timeout:        cfg.Timeout,
	}, nil
}

// SendSMS creates one outbound message. The request runs to completion or to
// the client's HTTP timeout; ctx is only checked before the request starts.
// A timeout is reported as ErrOutcomeUnknown.
func (c *Client) SendSMS(ctx context.Context, to string, body string) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, fmt.Errorf("send to %s: %w", to, err)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.fromNumber)
	params.SetBody(body)
	if c.statusCallback != "" {
		params.SetStatusCallback(c.statusCallback)
	}

	msg, err := c.api.CreateMessage(params)
	if err != nil {
		if isTimeout(err) {
			slog.Error("Twilio SendSMS timed out, message may exist at provider", "to", to, "error", err)
			return SendResult{}, fmt.Errorf("send to %s: %w: %v", to, ErrOutcomeUnknown, err)
		}
		slog.Error("Twilio SendSMS failed", "to", to, "error", err)
		return SendResult{}, fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	var res SendResult
	if msg != nil {
		if msg.Sid != nil {
			res.SID = *msg.Sid
		}
		if msg.Status != nil {
			res.Status = *msg.Status
		}
	}
	slog.Debug("Twilio message sent", "to", to, "sid", res.SID, "status", res.Status)
	return res, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded)
}

// ValidateSignature checks an X-Twilio-Signature header against the full
// request URL and the POSTed form parameters.
func ValidateSignature(authToken, url string, params map[string]string, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	validator := twilioclient.NewRequestValidator(authToken)
	return validator.Validate(url, params, signature)
}

// MockClient records messages instead of sending them.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	// FailAfter makes every send after the first FailAfter succeed-calls fail; negative disables.
	FailAfter int
	Err       error
}

// SentMessage is a message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// NewMockClient returns a MockClient that never fails.
func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}, FailAfter: -1}
}

// SendSMS implements Sender.
func (m *MockClient) SendSMS(ctx context.Context, to string, body string) (SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAfter >= 0 && len(m.SentMessages) >= m.FailAfter {
		err := m.Err
		if err == nil {
			err = fmt.Errorf("mock send failure")
		}
		return SendResult{}, err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return SendResult{SID: fmt.Sprintf("SM%032d", len(m.SentMessages)), Status: "queued"}, nil
}

// Messages returns a copy of the recorded messages.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.SentMessages))
	copy(out, m.SentMessages)
	return out
}
