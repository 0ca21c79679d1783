package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fixmyrv/fixmyrv-sms/internal/api"
	"github.com/fixmyrv/fixmyrv-sms/internal/genai"
	"github.com/fixmyrv/fixmyrv-sms/internal/lockfile"
	"github.com/fixmyrv/fixmyrv-sms/internal/messaging"
	"github.com/fixmyrv/fixmyrv-sms/internal/models"
	"github.com/fixmyrv/fixmyrv-sms/internal/paramstore"
	"github.com/fixmyrv/fixmyrv-sms/internal/segment"
	"github.com/fixmyrv/fixmyrv-sms/internal/settings"
	"github.com/fixmyrv/fixmyrv-sms/internal/sms"
	"github.com/fixmyrv/fixmyrv-sms/internal/store"
	"github.com/fixmyrv/fixmyrv-sms/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for local state
	DefaultStateDir = "/var/lib/fixmyrv-sms"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "fixmyrv-sms.db"
	// DefaultOpenAIModel is used when no model is configured anywhere
	DefaultOpenAIModel = "gpt-4o-mini"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping FixMyRV SMS service")
	if err := run(ctx, flags); err != nil {
		slog.Error("FixMyRV SMS service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("FixMyRV SMS service exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL        string
	StateDir           string
	APIAddr            string
	AdminToken         string
	OpenAIKey          string
	OpenAIModel        string
	OpenAIMaxTokens    int
	SystemPrompt       string
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFromNumber   string
	ValidateSignature  bool
	PublicBaseURL      string
	SegmentBudget      int
	SegmentHardLimit   int
	InactivityWindow   time.Duration
	HistoryLimit       int
	ImplicitOptIn      bool
	GenerateTimeout    time.Duration
	SendTimeout        time.Duration
	OutboxPollInterval time.Duration
	SSMParamPrefix     string
}

// Flags holds the effective configuration after command line overrides
type Flags struct {
	Config
	DBDSN string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		StateDir:           os.Getenv("FIXMYRV_STATE_DIR"),
		APIAddr:            os.Getenv("API_ADDR"),
		AdminToken:         os.Getenv("ADMIN_API_TOKEN"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        os.Getenv("OPENAI_MODEL"),
		OpenAIMaxTokens:    util.ParseIntEnv("OPENAI_MAX_OUTPUT_TOKENS", 0),
		SystemPrompt:       os.Getenv("SYSTEM_PROMPT"),
		TwilioAccountSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:   os.Getenv("TWILIO_FROM_NUMBER"),
		ValidateSignature:  util.ParseBoolEnv("TWILIO_VALIDATE_SIGNATURE", false),
		PublicBaseURL:      os.Getenv("PUBLIC_BASE_URL"),
		SegmentBudget:      util.ParseIntEnv("SMS_SEGMENT_BUDGET", segment.DefaultBudget),
		SegmentHardLimit:   util.ParseIntEnv("SMS_HARD_LIMIT", segment.DefaultHardLimit),
		InactivityWindow:   util.ParseDurationEnv("CONVERSATION_INACTIVITY_WINDOW", sms.DefaultInactivityWindow),
		HistoryLimit:       util.ParseIntEnv("HISTORY_LIMIT", sms.DefaultHistoryLimit),
		ImplicitOptIn:      util.ParseBoolEnv("IMPLICIT_OPT_IN", true),
		GenerateTimeout:    util.ParseDurationEnv("GENERATE_TIMEOUT", sms.DefaultGenerateTimeout),
		SendTimeout:        util.ParseDurationEnv("SEND_TIMEOUT", sms.DefaultSendTimeout),
		OutboxPollInterval: util.ParseDurationEnv("OUTBOX_POLL_INTERVAL", store.DefaultOutboxPollInterval),
		SSMParamPrefix:     os.Getenv("SSM_PARAM_PREFIX"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FIXMYRV_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.OpenAIModel == "" {
		config.OpenAIModel = DefaultOpenAIModel
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"FIXMYRV_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "",
		"TWILIO_FROM_NUMBER", config.TwilioFromNumber,
		"TWILIO_VALIDATE_SIGNATURE", config.ValidateSignature,
		"PUBLIC_BASE_URL", config.PublicBaseURL,
		"SSM_PARAM_PREFIX", config.SSMParamPrefix)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("fixmyrv-sms", flag.ContinueOnError)
	flags := Flags{Config: config}
	fs.StringVar(&flags.StateDir, "state-dir", config.StateDir, "state directory for local data (overrides $FIXMYRV_STATE_DIR)")
	fs.StringVar(&flags.DBDSN, "db-dsn", config.DatabaseURL, "PostgreSQL DSN or SQLite path (overrides $DATABASE_URL)")
	fs.StringVar(&flags.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&flags.OpenAIModel, "openai-model", config.OpenAIModel, "OpenAI model (overrides $OPENAI_MODEL)")
	fs.StringVar(&flags.PublicBaseURL, "public-base-url", config.PublicBaseURL, "externally visible base URL (overrides $PUBLIC_BASE_URL)")
	fs.BoolVar(&flags.ValidateSignature, "validate-signature", config.ValidateSignature, "verify X-Twilio-Signature on webhooks (overrides $TWILIO_VALIDATE_SIGNATURE)")
	fs.BoolVar(&flags.ImplicitOptIn, "implicit-opt-in", config.ImplicitOptIn, "treat a first substantive reply as consent (overrides $IMPLICIT_OPT_IN)")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// Without an explicit DSN the SQLite database lives in the state directory.
	if flags.DBDSN == "" {
		flags.DBDSN = filepath.Join(flags.StateDir, DefaultDBFileName)
	}

	slog.Debug("flags parsed",
		"stateDir", flags.StateDir,
		"dbDSN_set", flags.DBDSN != "",
		"apiAddr", flags.APIAddr,
		"openaiKeySet", flags.OpenAIKey != "",
		"validateSignature", flags.ValidateSignature,
		"implicitOptIn", flags.ImplicitOptIn)
	return flags, nil
}

// run wires every component and serves until ctx is canceled.
func run(ctx context.Context, flags Flags) error {
	if store.DetectDSNType(flags.DBDSN) == "sqlite" {
		lock, err := lockfile.AcquireLock(flags.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(flags.DBDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("Failed to close store", "error", closeErr)
		}
	}()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("store health check: %w", err)
	}

	settingsOpts, err := buildSettingsOptions(ctx, flags)
	if err != nil {
		return err
	}
	provider := settings.NewProvider(st, buildSettingsDefaults(flags), settingsOpts...)

	generator, err := genai.NewClient(provider, buildGenAIOptions(flags)...)
	if err != nil {
		return fmt.Errorf("create completion client: %w", err)
	}
	segmenter, err := segment.New(buildSegmentConfig(flags))
	if err != nil {
		return fmt.Errorf("segmenter: %w", err)
	}
	sender := messaging.NewTwilioSender(provider, buildMessagingOptions(flags)...)

	processor, err := sms.NewProcessor(st, generator, segmenter, provider, sender, buildProcessorOptions(flags)...)
	if err != nil {
		return err
	}

	outbox := store.NewOutboxSender(st, processor.SendQueued, flags.OutboxPollInterval,
		store.WithAbandonHandler(processor.AbandonQueued))
	if err := outbox.RecoverStaleMessages(ctx); err != nil {
		slog.Warn("Failed to recover stale outbox messages", "error", err)
	}
	go outbox.Run(ctx)

	server := api.NewServer(processor, st, provider, buildAPIOptions(flags)...)
	return server.Run(ctx)
}

// buildSettingsDefaults maps the environment onto the settings records' defaults
func buildSettingsDefaults(flags Flags) settings.Defaults {
	return settings.Defaults{
		AI: models.AISettings{
			APIKey:          flags.OpenAIKey,
			Model:           flags.OpenAIModel,
			MaxOutputTokens: flags.OpenAIMaxTokens,
			SystemPrompt:    flags.SystemPrompt,
		},
		SMS: models.SMSSettings{
			AccountSID: flags.TwilioAccountSID,
			AuthToken:  flags.TwilioAuthToken,
			FromNumber: flags.TwilioFromNumber,
		},
	}
}

// buildSettingsOptions enables Parameter Store references when a prefix is configured
func buildSettingsOptions(ctx context.Context, flags Flags) ([]settings.Option, error) {
	if flags.SSMParamPrefix == "" {
		return nil, nil
	}
	client, err := paramstore.NewFromEnvironment(ctx)
	if err != nil {
		return nil, fmt.Errorf("parameter store: %w", err)
	}
	slog.Debug("Parameter Store references enabled", "prefix", flags.SSMParamPrefix)
	return []settings.Option{settings.WithParamStore(paramstore.NewCache(client, paramstore.DefaultCacheTTL), flags.SSMParamPrefix)}, nil
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	return []genai.Option{
		genai.WithTimeout(flags.GenerateTimeout),
		genai.WithHistoryLimit(flags.HistoryLimit),
	}
}

// buildSegmentConfig constructs the segmenter configuration
func buildSegmentConfig(flags Flags) segment.Config {
	return segment.Config{Budget: flags.SegmentBudget, HardLimit: flags.SegmentHardLimit}
}

// buildMessagingOptions constructs outbound sender options
func buildMessagingOptions(flags Flags) []messaging.TwilioSenderOption {
	opts := []messaging.TwilioSenderOption{messaging.WithRequestTimeout(flags.SendTimeout)}
	if cb := statusCallbackURL(flags.PublicBaseURL); cb != "" {
		opts = append(opts, messaging.WithStatusCallback(cb))
	}
	return opts
}

func statusCallbackURL(base string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/webhooks/sms/status"
}

// buildProcessorOptions constructs turn processor options
func buildProcessorOptions(flags Flags) []sms.Option {
	return []sms.Option{
		sms.WithInactivityWindow(flags.InactivityWindow),
		sms.WithHistoryLimit(flags.HistoryLimit),
		sms.WithImplicitOptIn(flags.ImplicitOptIn),
		sms.WithGenerateTimeout(flags.GenerateTimeout),
		sms.WithSendTimeout(flags.SendTimeout),
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if flags.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(flags.APIAddr))
	}
	if flags.PublicBaseURL != "" {
		apiOpts = append(apiOpts, api.WithPublicBaseURL(flags.PublicBaseURL))
	}
	if flags.ValidateSignature {
		apiOpts = append(apiOpts, api.WithSignatureValidation(true))
	}
	if flags.AdminToken != "" {
		apiOpts = append(apiOpts, api.WithAdminToken(flags.AdminToken))
	}
	return apiOpts
}
