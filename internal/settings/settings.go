// Package settings provides the mutable AI and SMS configuration records.
//
// Records persisted through the admin API take precedence over the defaults
// loaded from the environment, field by field. Secret fields may hold a
// Parameter Store reference ("ssm:<name>") which is resolved on read.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fixmyrv/fixmyrv-sms/internal/models"
	"github.com/fixmyrv/fixmyrv-sms/internal/paramstore"
	"github.com/fixmyrv/fixmyrv-sms/internal/store"
	"github.com/fixmyrv/fixmyrv-sms/internal/util"
)

// ErrInvalidSettings is returned when a settings record fails validation.
var ErrInvalidSettings = errors.New("invalid settings")

// Default static replies of the opt-in flow.
const (
	DefaultOptInMessage    = "FixMyRV: Reply YES to get RV repair help by text. Msg & data rates may apply. Reply STOP to opt out."
	DefaultWelcomeMessage  = "Welcome to FixMyRV! Text us your RV question anytime. Reply STOP to opt out."
	DefaultStopMessage     = "You have been unsubscribed from FixMyRV and will receive no further messages."
	DefaultFallbackMessage = "Sorry, we can't answer right now. Please try again in a little while."
)

// Defaults holds the values used where no persisted record overrides them.
type Defaults struct {
	AI  models.AISettings
	SMS models.SMSSettings
}

// Opts holds configuration options for the Provider.
type Opts struct {
	Params      paramstore.Getter
	ParamPrefix string
}

// Option defines a configuration option for the Provider.
type Option func(*Opts)

// WithParamStore enables resolution of "ssm:" references through g.
func WithParamStore(g paramstore.Getter, prefix string) Option {
	return func(o *Opts) {
		o.Params = g
		o.ParamPrefix = prefix
	}
}

// Provider reads and writes the settings records.
type Provider struct {
	repo     store.SettingsRepo
	defaults Defaults
	params   paramstore.Getter
	prefix   string
}

// NewProvider creates a Provider over repo.
func NewProvider(repo store.SettingsRepo, defaults Defaults, opts ...Option) *Provider {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if defaults.SMS.OptInMessage == "" {
		defaults.SMS.OptInMessage = DefaultOptInMessage
	}
	if defaults.SMS.WelcomeMessage == "" {
		defaults.SMS.WelcomeMessage = DefaultWelcomeMessage
	}
	if defaults.SMS.StopMessage == "" {
		defaults.SMS.StopMessage = DefaultStopMessage
	}
	if defaults.SMS.FallbackMessage == "" {
		defaults.SMS.FallbackMessage = DefaultFallbackMessage
	}
	return &Provider{repo: repo, defaults: defaults, params: cfg.Params, prefix: cfg.ParamPrefix}
}

// StoredAISettings returns the effective AI settings with references left unresolved.
func (p *Provider) StoredAISettings(ctx context.Context) (models.AISettings, error) {
	var stored models.AISettings
	if _, err := p.repo.GetSetting(ctx, models.SettingsKeyAI, &stored); err != nil {
		return models.AISettings{}, err
	}
	return mergeAI(p.defaults.AI, stored), nil
}

// StoredSMSSettings returns the effective SMS settings with references left unresolved.
func (p *Provider) StoredSMSSettings(ctx context.Context) (models.SMSSettings, error) {
	var stored models.SMSSettings
	if _, err := p.repo.GetSetting(ctx, models.SettingsKeySMS, &stored); err != nil {
		return models.SMSSettings{}, err
	}
	return mergeSMS(p.defaults.SMS, stored), nil
}

// AISettings returns the effective AI settings ready for use.
func (p *Provider) AISettings(ctx context.Context) (models.AISettings, error) {
	s, err := p.StoredAISettings(ctx)
	if err != nil {
		return models.AISettings{}, err
	}
	if s.APIKey, err = p.resolve(ctx, s.APIKey); err != nil {
		return models.AISettings{}, fmt.Errorf("resolve AI api key: %w", err)
	}
	return s, nil
}

// SMSSettings returns the effective SMS settings ready for use.
func (p *Provider) SMSSettings(ctx context.Context) (models.SMSSettings, error) {
	s, err := p.StoredSMSSettings(ctx)
	if err != nil {
		return models.SMSSettings{}, err
	}
	if s.AccountSID, err = p.resolve(ctx, s.AccountSID); err != nil {
		return models.SMSSettings{}, fmt.Errorf("resolve SMS account sid: %w", err)
	}
	if s.AuthToken, err = p.resolve(ctx, s.AuthToken); err != nil {
		return models.SMSSettings{}, fmt.Errorf("resolve SMS auth token: %w", err)
	}
	return s, nil
}

// SaveAISettings persists s. A masked API key (as returned for display) keeps
// the stored key.
func (p *Provider) SaveAISettings(ctx context.Context, s models.AISettings) (models.AISettings, error) {
	if s.MaxOutputTokens < 0 {
		return models.AISettings{}, fmt.Errorf("%w: max_output_tokens must not be negative", ErrInvalidSettings)
	}
	var stored models.AISettings
	if _, err := p.repo.GetSetting(ctx, models.SettingsKeyAI, &stored); err != nil {
		return models.AISettings{}, err
	}
	if isMasked(s.APIKey) {
		s.APIKey = stored.APIKey
	}
	if err := p.repo.PutSetting(ctx, models.SettingsKeyAI, s); err != nil {
		return models.AISettings{}, err
	}
	slog.Info("Provider.SaveAISettings: AI settings updated", "model", s.Model, "keySet", s.APIKey != "")
	return mergeAI(p.defaults.AI, s), nil
}

// SaveSMSSettings persists s. A masked auth token keeps the stored token.
func (p *Provider) SaveSMSSettings(ctx context.Context, s models.SMSSettings) (models.SMSSettings, error) {
	if s.FromNumber != "" {
		from, err := util.CanonicalizePhone(s.FromNumber)
		if err != nil {
			return models.SMSSettings{}, fmt.Errorf("%w: from_number: %v", ErrInvalidSettings, err)
		}
		s.FromNumber = from
	}
	var stored models.SMSSettings
	if _, err := p.repo.GetSetting(ctx, models.SettingsKeySMS, &stored); err != nil {
		return models.SMSSettings{}, err
	}
	if isMasked(s.AuthToken) {
		s.AuthToken = stored.AuthToken
	}
	if err := p.repo.PutSetting(ctx, models.SettingsKeySMS, s); err != nil {
		return models.SMSSettings{}, err
	}
	slog.Info("Provider.SaveSMSSettings: SMS settings updated", "from", s.FromNumber, "tokenSet", s.AuthToken != "")
	return mergeSMS(p.defaults.SMS, s), nil
}

func (p *Provider) resolve(ctx context.Context, value string) (string, error) {
	if !paramstore.IsReference(value) {
		return value, nil
	}
	return paramstore.Resolve(ctx, p.params, p.prefix, value)
}

func isMasked(s string) bool {
	return strings.HasPrefix(s, "****")
}

func pick(stored, def string) string {
	if strings.TrimSpace(stored) != "" {
		return stored
	}
	return def
}

func mergeAI(def, stored models.AISettings) models.AISettings {
	out := models.AISettings{
		APIKey:          pick(stored.APIKey, def.APIKey),
		Model:           pick(stored.Model, def.Model),
		MaxOutputTokens: def.MaxOutputTokens,
		SystemPrompt:    pick(stored.SystemPrompt, def.SystemPrompt),
	}
	if stored.MaxOutputTokens > 0 {
		out.MaxOutputTokens = stored.MaxOutputTokens
	}
	return out
}

func mergeSMS(def, stored models.SMSSettings) models.SMSSettings {
	return models.SMSSettings{
		AccountSID:      pick(stored.AccountSID, def.AccountSID),
		AuthToken:       pick(stored.AuthToken, def.AuthToken),
		FromNumber:      pick(stored.FromNumber, def.FromNumber),
		OptInMessage:    pick(stored.OptInMessage, def.OptInMessage),
		WelcomeMessage:  pick(stored.WelcomeMessage, def.WelcomeMessage),
		StopMessage:     pick(stored.StopMessage, def.StopMessage),
		FallbackMessage: pick(stored.FallbackMessage, def.FallbackMessage),
	}
}
