// Package api provides the HTTP surface of the FixMyRV SMS service: the provider
// webhooks, the admin endpoints and the health check.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/fixmyrv/fixmyrv-sms/internal/models"
	"github.com/fixmyrv/fixmyrv-sms/internal/sms"
)

const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
)

// TurnProcessor runs inbound turns and delivers their replies.
type TurnProcessor interface {
	Process(ctx context.Context, in models.InboundSMS) (*sms.Result, error)
	Deliver(ctx context.Context, res *sms.Result) (sms.DeliveryReport, error)
	Invite(ctx context.Context, member *models.Member) (*sms.Result, error)
	RecordDeliveryReceipt(ctx context.Context, receipt models.DeliveryReceipt) (bool, error)
}

// SettingsAdmin reads and writes the mutable settings records.
type SettingsAdmin interface {
	StoredAISettings(ctx context.Context) (models.AISettings, error)
	StoredSMSSettings(ctx context.Context) (models.SMSSettings, error)
	SMSSettings(ctx context.Context) (models.SMSSettings, error)
	SaveAISettings(ctx context.Context, s models.AISettings) (models.AISettings, error)
	SaveSMSSettings(ctx context.Context, s models.SMSSettings) (models.SMSSettings, error)
}

// Repo is the read side of the store used by the admin endpoints.
type Repo interface {
	GetMemberByPhone(ctx context.Context, phone string) (*models.Member, error)
	SaveMember(ctx context.Context, m *models.Member) error
	ListMembers(ctx context.Context) ([]models.Member, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, memberID string) ([]models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	Ping(ctx context.Context) error
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr              string
	PublicBaseURL     string
	ValidateSignature bool
	AdminToken        string
	ShutdownTimeout   time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithPublicBaseURL sets the externally visible base URL used to verify webhook signatures.
func WithPublicBaseURL(u string) Option {
	return func(o *Opts) {
		o.PublicBaseURL = u
	}
}

// WithSignatureValidation enables X-Twilio-Signature checks on the webhooks.
func WithSignatureValidation(enabled bool) Option {
	return func(o *Opts) {
		o.ValidateSignature = enabled
	}
}

// WithAdminToken requires "Authorization: Bearer <token>" on /api routes.
func WithAdminToken(token string) Option {
	return func(o *Opts) {
		o.AdminToken = token
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.ShutdownTimeout = d
		}
	}
}

// Server wires the HTTP routes to the turn processor, store and settings.
type Server struct {
	processor TurnProcessor
	repo      Repo
	settings  SettingsAdmin
	opts      Opts
	router    chi.Router

	// deliveries tracks reply deliveries started after a webhook was acknowledged.
	deliveries sync.WaitGroup
}

// NewServer creates a Server.
func NewServer(processor TurnProcessor, repo Repo, settings SettingsAdmin, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{processor: processor, repo: repo, settings: settings, opts: cfg}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", s.healthHandler)

	r.Group(func(r chi.Router) {
		r.Use(s.verifyTwilioSignature)
		r.Post("/webhooks/sms", s.inboundSMSHandler)
		r.Post("/webhooks/sms/status", s.statusCallbackHandler)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAdminToken)
		r.Get("/members", s.listMembersHandler)
		r.Post("/members", s.upsertMemberHandler)
		r.Get("/members/{phone}/conversations", s.memberConversationsHandler)
		r.Get("/conversations/{id}/messages", s.conversationMessagesHandler)
		r.Get("/settings/ai", s.getAISettingsHandler)
		r.Put("/settings/ai", s.putAISettingsHandler)
		r.Get("/settings/sms", s.getSMSSettingsHandler)
		r.Put("/settings/sms", s.putSMSSettingsHandler)
	})
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Wait blocks until every background delivery has finished.
func (s *Server) Wait() {
	s.deliveries.Wait()
}

// Run serves until ctx is canceled, then shuts down gracefully and waits for
// in-flight deliveries.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Reply generation runs inside the webhook request.
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: forced shutdown", "error", err)
		return err
	}
	s.Wait()
	slog.Info("Server.Run: stopped")
	return nil
}

func (s *Server) requireAdminToken(next http.Handler) http.Handler {
	if s.opts.AdminToken == "" {
		return next
	}
	want := []byte("Bearer " + s.opts.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			slog.Warn("Server.requireAdminToken: unauthorized", "path", r.URL.Path)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.repo.Ping(ctx); err != nil {
		slog.Error("Server.healthHandler: store unavailable", "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Store unavailable"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"store": "ok"}))
}
