package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fixmyrv/fixmyrv-sms/internal/messaging"
	"github.com/fixmyrv/fixmyrv-sms/internal/models"
	"github.com/fixmyrv/fixmyrv-sms/internal/sms"
	"github.com/fixmyrv/fixmyrv-sms/internal/twiliosms"
)

// inboundSMSHandler handles POST /webhooks/sms. The reply is delivered after the
// provider has been acknowledged.
func (s *Server) inboundSMSHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.inboundSMSHandler: unparseable form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
		return
	}
	in := models.InboundSMS{
		From:              r.PostForm.Get("From"),
		To:                r.PostForm.Get("To"),
		Body:              r.PostForm.Get("Body"),
		ProviderMessageID: r.PostForm.Get("MessageSid"),
		ReceivedAt:        time.Now().UTC(),
	}
	if v := r.PostForm.Get("NumMedia"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			slog.Warn("Server.inboundSMSHandler: invalid NumMedia", "value", v)
			writeJSONResponse(w, http.StatusBadRequest, models.ErrorWithCode(string(sms.ErrorInvalidPayload), "NumMedia must be a non-negative integer"))
			return
		}
		in.MediaCount = n
	}
	slog.Debug("Server.inboundSMSHandler: webhook received", "from", in.From, "sid", in.ProviderMessageID, "media", in.MediaCount)

	res, err := s.processor.Process(r.Context(), in)
	if err != nil {
		status := http.StatusInternalServerError
		resp := models.Error("Internal server error")
		var smsErr *sms.Error
		if errors.As(err, &smsErr) {
			status = smsErr.HTTPStatus()
			resp = models.ErrorWithCode(string(smsErr.Code), smsErr.Reason)
		}
		writeJSONResponse(w, status, resp)
		return
	}

	if len(res.Segments) > 0 {
		s.deliverAsync(res)
	}
	writeTwiML(w, http.StatusOK)
}

func (s *Server) deliverAsync(res *sms.Result) {
	s.deliveries.Add(1)
	go func() {
		defer s.deliveries.Done()
		report, err := s.processor.Deliver(context.Background(), res)
		if err != nil {
			slog.Error("Server.deliverAsync: delivery failed", "error", err, "status", res.Status)
			return
		}
		slog.Debug("Server.deliverAsync: delivery finished", "sent", report.Sent, "queued", report.Queued, "failed", report.Failed)
	}()
}

// statusCallbackHandler handles POST /webhooks/sms/status.
func (s *Server) statusCallbackHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
		return
	}
	sid := r.PostForm.Get("MessageSid")
	raw := r.PostForm.Get("MessageStatus")
	if sid == "" || raw == "" {
		slog.Warn("Server.statusCallbackHandler: missing fields", "sid", sid, "status", raw)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("MessageSid and MessageStatus are required"))
		return
	}
	status, ok := messaging.CallbackStatus(raw)
	if !ok {
		slog.Debug("Server.statusCallbackHandler: intermediate status ignored", "sid", sid, "status", raw)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	receipt := models.DeliveryReceipt{ProviderMessageID: sid, Status: status, ErrorCode: r.PostForm.Get("ErrorCode")}
	if _, err := s.processor.RecordDeliveryReceipt(r.Context(), receipt); err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to record status"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// verifyTwilioSignature rejects webhook calls whose X-Twilio-Signature does not
// match the configured auth token.
func (s *Server) verifyTwilioSignature(next http.Handler) http.Handler {
	if !s.opts.ValidateSignature {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
			return
		}
		cfg, err := s.settings.SMSSettings(r.Context())
		if err != nil || cfg.AuthToken == "" {
			slog.Error("Server.verifyTwilioSignature: auth token unavailable", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Signature validation unavailable"))
			return
		}
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		url := s.webhookURL(r)
		if !twiliosms.ValidateSignature(cfg.AuthToken, url, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("Server.verifyTwilioSignature: invalid signature", "url", url)
			writeJSONResponse(w, http.StatusForbidden, models.Error("Invalid signature"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// webhookURL reconstructs the URL the provider signed.
func (s *Server) webhookURL(r *http.Request) string {
	base := strings.TrimRight(s.opts.PublicBaseURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
			scheme = p
		}
		base = scheme + "://" + r.Host
	}
	return base + r.URL.RequestURI()
}
