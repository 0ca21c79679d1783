package settings

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fixmyrv/fixmyrv-sms/internal/models"
)

// memRepo is an in-memory store.SettingsRepo.
type memRepo struct {
	rows map[string][]byte
	err  error
}

func newMemRepo() *memRepo { return &memRepo{rows: make(map[string][]byte)} }

func (m *memRepo) GetSetting(_ context.Context, name string, dest any) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	raw, ok := m.rows[name]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (m *memRepo) PutSetting(_ context.Context, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.rows[name] = raw
	return nil
}

type mapGetter map[string]string

func (g mapGetter) GetParameter(_ context.Context, name string) (string, error) {
	v, ok := g[name]
	if !ok {
		return "", errors.New("parameter not found: " + name)
	}
	return v, nil
}

func TestProvider_DefaultsApplyWithoutRecords(t *testing.T) {
	p := NewProvider(newMemRepo(), Defaults{AI: models.AISettings{APIKey: "env-key", Model: "gpt-4o-mini"}})

	ai, err := p.AISettings(context.Background())
	require.NoError(t, err)
	require.Equal(t, "env-key", ai.APIKey)
	require.Equal(t, "gpt-4o-mini", ai.Model)

	sms, err := p.SMSSettings(context.Background())
	require.NoError(t, err)
	require.Equal(t, DefaultOptInMessage, sms.OptInMessage)
	require.Equal(t, DefaultWelcomeMessage, sms.WelcomeMessage)
	require.Equal(t, DefaultStopMessage, sms.StopMessage)
	require.Equal(t, DefaultFallbackMessage, sms.FallbackMessage)
}

func TestProvider_StoredOverridesDefaults(t *testing.T) {
	repo := newMemRepo()
	p := NewProvider(repo, Defaults{AI: models.AISettings{APIKey: "env-key", Model: "gpt-4o-mini", MaxOutputTokens: 100}})

	_, err := p.SaveAISettings(context.Background(), models.AISettings{Model: "gpt-4o", MaxOutputTokens: 400})
	require.NoError(t, err)

	ai, err := p.AISettings(context.Background())
	require.NoError(t, err)
	require.Equal(t, "env-key", ai.APIKey, "empty stored key falls back to the default")
	require.Equal(t, "gpt-4o", ai.Model)
	require.Equal(t, 400, ai.MaxOutputTokens)
}

func TestProvider_MaskedSecretKeepsStoredValue(t *testing.T) {
	repo := newMemRepo()
	p := NewProvider(repo, Defaults{})
	ctx := context.Background()

	_, err := p.SaveSMSSettings(ctx, models.SMSSettings{AccountSID: "AC1", AuthToken: "real-token", FromNumber: "+15550001111"})
	require.NoError(t, err)

	shown, err := p.StoredSMSSettings(ctx)
	require.NoError(t, err)
	masked := shown.Masked()
	require.Equal(t, "****oken", masked.AuthToken)

	masked.StopMessage = "Bye."
	_, err = p.SaveSMSSettings(ctx, masked)
	require.NoError(t, err)

	sms, err := p.SMSSettings(ctx)
	require.NoError(t, err)
	require.Equal(t, "real-token", sms.AuthToken)
	require.Equal(t, "Bye.", sms.StopMessage)
}

func TestProvider_ResolvesParameterReferences(t *testing.T) {
	repo := newMemRepo()
	params := mapGetter{"/fixmyrv/openai-key": "sk-from-ssm", "/fixmyrv/twilio-token": "tok-from-ssm"}
	p := NewProvider(repo, Defaults{
		AI:  models.AISettings{APIKey: "ssm:openai-key", Model: "gpt-4o-mini"},
		SMS: models.SMSSettings{AccountSID: "AC1", AuthToken: "ssm:/fixmyrv/twilio-token"},
	}, WithParamStore(params, "/fixmyrv"))
	ctx := context.Background()

	ai, err := p.AISettings(ctx)
	require.NoError(t, err)
	require.Equal(t, "sk-from-ssm", ai.APIKey)

	sms, err := p.SMSSettings(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok-from-ssm", sms.AuthToken)

	stored, err := p.StoredAISettings(ctx)
	require.NoError(t, err)
	require.Equal(t, "ssm:openai-key", stored.Masked().APIKey)
}

func TestProvider_Errors(t *testing.T) {
	p := NewProvider(newMemRepo(), Defaults{AI: models.AISettings{APIKey: "ssm:missing"}})
	_, err := p.AISettings(context.Background())
	require.Error(t, err)

	repo := newMemRepo()
	repo.err = errors.New("db down")
	p = NewProvider(repo, Defaults{})
	_, err = p.SMSSettings(context.Background())
	require.ErrorContains(t, err, "db down")

	_, err = NewProvider(newMemRepo(), Defaults{}).SaveAISettings(context.Background(), models.AISettings{MaxOutputTokens: -1})
	require.ErrorIs(t, err, ErrInvalidSettings)

	_, err = NewProvider(newMemRepo(), Defaults{}).SaveSMSSettings(context.Background(), models.SMSSettings{FromNumber: "12"})
	require.ErrorIs(t, err, ErrInvalidSettings)

	saved, err := NewProvider(newMemRepo(), Defaults{}).SaveSMSSettings(context.Background(), models.SMSSettings{FromNumber: "(555) 000-1111"})
	require.NoError(t, err)
	require.Equal(t, "+15550001111", saved.FromNumber)
}
