package models

import "strings"

// Settings keys used for the persisted configuration records.
const (
	SettingsKeyAI  = "ai"
	SettingsKeySMS = "sms"
)

// AISettings configures the completion provider.
type AISettings struct {
	APIKey          string `json:"api_key,omitempty"`
	Model           string `json:"model,omitempty"`
	MaxOutputTokens int    `json:"max_output_tokens,omitempty"`
	SystemPrompt    string `json:"system_prompt,omitempty"`
}

// SMSSettings configures the SMS provider and the static replies of the opt-in flow.
type SMSSettings struct {
	AccountSID      string `json:"account_sid,omitempty"`
	AuthToken       string `json:"auth_token,omitempty"`
	FromNumber      string `json:"from_number,omitempty"`
	OptInMessage    string `json:"opt_in_message,omitempty"`
	WelcomeMessage  string `json:"welcome_message,omitempty"`
	StopMessage     string `json:"stop_message,omitempty"`
	FallbackMessage string `json:"fallback_message,omitempty"`
}

// SecretRefPrefix marks a setting value that names a Parameter Store entry
// instead of holding the secret itself.
const SecretRefPrefix = "ssm:"

// MaskSecret hides all but the last four characters of a secret for display.
// Parameter Store references are not secret and are returned unchanged.
func MaskSecret(s string) string {
	if s == "" || strings.HasPrefix(s, SecretRefPrefix) {
		return s
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

// Masked returns a copy with the API key hidden.
func (s AISettings) Masked() AISettings {
	s.APIKey = MaskSecret(s.APIKey)
	return s
}

// Masked returns a copy with the auth token hidden.
func (s SMSSettings) Masked() SMSSettings {
	s.AuthToken = MaskSecret(s.AuthToken)
	return s
}
