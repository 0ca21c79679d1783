// Package genai generates assistant replies for SMS conversations using the OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/fixmyrv/fixmyrv-sms/internal/models"
)

const (
	// DefaultTimeout bounds a single completion call.
	DefaultTimeout = 25 * time.Second
	// DefaultHistoryLimit is the number of prior messages sent as context.
	DefaultHistoryLimit = 20

	// DefaultSystemPrompt is used when no prompt has been configured.
	DefaultSystemPrompt = "You are FixMyRV, a friendly RV repair assistant answering owners by text message. " +
		"Give clear, practical troubleshooting steps in plain language. Keep answers short because they are read on a phone. " +
		"If a repair is unsafe to attempt (propane leaks, high-voltage electrical work, structural damage), tell the owner to stop and contact a certified technician."
)

var (
	// ErrConfigurationMissing is returned when the API key or model is not configured.
	ErrConfigurationMissing = errors.New("AI configuration missing")
	// ErrUpstreamUnavailable is returned when the provider fails, times out or returns nothing usable.
	ErrUpstreamUnavailable = errors.New("AI provider unavailable")

	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrEmptyResponse     = errors.New("empty response content")
)

// SettingsSource supplies the current AI settings. It is read on every call.
type SettingsSource interface {
	AISettings(ctx context.Context) (models.AISettings, error)
}

// StaticSettings is a SettingsSource with fixed values.
type StaticSettings models.AISettings

// AISettings implements SettingsSource.
func (s StaticSettings) AISettings(context.Context) (models.AISettings, error) {
	return models.AISettings(s), nil
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK completion service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

func newOpenAIChat(apiKey string) chatService {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return completionsAdapter{svc: &client.Chat.Completions}
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	Timeout      time.Duration
	HistoryLimit int
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// WithHistoryLimit sets how many prior messages are sent as context.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) {
		o.HistoryLimit = n
	}
}

// Client generates replies. Provider clients are cached per API key so a
// settings change takes effect on the next call.
type Client struct {
	settings     SettingsSource
	timeout      time.Duration
	historyLimit int

	newChat func(apiKey string) chatService
	mu      sync.Mutex
	chats   map[string]chatService
}

// NewClient creates a Client reading its settings from src.
func NewClient(src SettingsSource, opts ...Option) (*Client, error) {
	if src == nil {
		return nil, fmt.Errorf("genai: settings source is required")
	}
	cfg := Opts{Timeout: DefaultTimeout, HistoryLimit: DefaultHistoryLimit}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HistoryLimit < 0 {
		cfg.HistoryLimit = 0
	}
	return &Client{
		settings:     src,
		timeout:      cfg.Timeout,
		historyLimit: cfg.HistoryLimit,
		newChat:      newOpenAIChat,
		chats:        make(map[string]chatService),
	}, nil
}

// HistoryLimit returns the number of prior messages used as context.
func (c *Client) HistoryLimit() int {
	return c.historyLimit
}

func (c *Client) chatFor(apiKey string) chatService {
	c.mu.Lock()
	defer c.mu.Unlock()
	if chat, ok := c.chats[apiKey]; ok {
		return chat
	}
	chat := c.newChat(apiKey)
	c.chats[apiKey] = chat
	return chat
}

// Generate produces the assistant's reply to newText given the prior messages
// of the conversation in chronological order.
func (c *Client) Generate(ctx context.Context, history []models.Message, newText string) (string, error) {
	settings, err := c.settings.AISettings(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: load settings: %w", ErrConfigurationMissing, err)
	}
	if strings.TrimSpace(settings.APIKey) == "" || strings.TrimSpace(settings.Model) == "" {
		slog.Error("GenAI.Generate: API key or model not configured", "hasKey", settings.APIKey != "", "model", settings.Model)
		return "", ErrConfigurationMissing
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(settings.Model),
		Messages: c.buildMessages(settings.SystemPrompt, history, newText),
	}
	if settings.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(settings.MaxOutputTokens))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	slog.Debug("GenAI.Generate: requesting completion", "model", settings.Model, "messages", len(params.Messages))
	start := time.Now()
	resp, err := c.chatFor(settings.APIKey).Create(callCtx, params)
	if err != nil {
		slog.Error("GenAI.Generate: completion failed", "error", err, "elapsed", time.Since(start))
		return "", fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: %w", ErrUpstreamUnavailable, ErrNoChoicesReturned)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("%w: %w", ErrUpstreamUnavailable, ErrEmptyResponse)
	}
	slog.Debug("GenAI.Generate: completion received", "length", len(content), "elapsed", time.Since(start))
	return content, nil
}

func (c *Client) buildMessages(systemPrompt string, history []models.Message, newText string) []openai.ChatCompletionMessageParamUnion {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystemPrompt
	}
	if len(history) > c.historyLimit {
		history = history[len(history)-c.historyLimit:]
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, openai.SystemMessage(systemPrompt))
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.IsBot {
			messages = append(messages, openai.AssistantMessage(m.Content))
		} else {
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(newText))
	return messages
}
