package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fixmyrv/fixmyrv-sms/internal/models"
	"github.com/fixmyrv/fixmyrv-sms/internal/settings"
	"github.com/fixmyrv/fixmyrv-sms/internal/store"
	"github.com/fixmyrv/fixmyrv-sms/internal/util"
)

// invitationSummary reports what happened to the opt-in invitation of an upsert.
type invitationSummary struct {
	Segments int    `json:"segments"`
	Sent     int    `json:"sent"`
	Queued   int    `json:"queued"`
	Error    string `json:"error,omitempty"`
}

type memberUpsertResponse struct {
	Member     *models.Member     `json:"member"`
	Invitation *invitationSummary `json:"invitation,omitempty"`
}

// listMembersHandler handles GET /api/members
func (s *Server) listMembersHandler(w http.ResponseWriter, r *http.Request) {
	members, err := s.repo.ListMembers(r.Context())
	if err != nil {
		slog.Error("Server.listMembersHandler: failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list members"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(members))
}

// upsertMemberHandler handles POST /api/members. Saving a member as invited
// sends the opt-in invitation.
func (s *Server) upsertMemberHandler(w http.ResponseWriter, r *http.Request) {
	var req models.MemberUpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.upsertMemberHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.PhoneNumber != "" {
		phone, err := util.CanonicalizePhone(req.PhoneNumber)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		req.PhoneNumber = phone
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if req.Status == "" {
		req.Status = models.MemberStatusInvited
	}

	member := &models.Member{
		OrganizationID: req.OrganizationID,
		PhoneNumber:    req.PhoneNumber,
		Name:           req.Name,
		Status:         req.Status,
	}
	if err := s.repo.SaveMember(r.Context(), member); err != nil {
		slog.Error("Server.upsertMemberHandler: save failed", "error", err, "phone", member.PhoneNumber)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save member"))
		return
	}
	slog.Info("Server.upsertMemberHandler: member saved", "id", member.ID, "status", member.Status)

	resp := memberUpsertResponse{Member: member}
	if member.Status == models.MemberStatusInvited {
		resp.Invitation = s.invite(r, member)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

func (s *Server) invite(r *http.Request, member *models.Member) *invitationSummary {
	res, err := s.processor.Invite(r.Context(), member)
	if err != nil {
		slog.Error("Server.invite: failed to store invitation", "error", err, "member", member.ID)
		return &invitationSummary{Error: "failed to store invitation"}
	}
	summary := &invitationSummary{Segments: len(res.Segments)}
	report, err := s.processor.Deliver(r.Context(), res)
	summary.Sent, summary.Queued = report.Sent, report.Queued
	if err != nil {
		summary.Error = err.Error()
	}
	return summary
}

// memberConversationsHandler handles GET /api/members/{phone}/conversations
func (s *Server) memberConversationsHandler(w http.ResponseWriter, r *http.Request) {
	phone, err := util.CanonicalizePhone(chi.URLParam(r, "phone"))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	member, err := s.repo.GetMemberByPhone(r.Context(), phone)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Member not found"))
		return
	}
	if err != nil {
		slog.Error("Server.memberConversationsHandler: member lookup failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get member"))
		return
	}
	convs, err := s.repo.ListConversations(r.Context(), member.ID)
	if err != nil {
		slog.Error("Server.memberConversationsHandler: list failed", "error", err, "member", member.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list conversations"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(convs))
}

// conversationMessagesHandler handles GET /api/conversations/{id}/messages
func (s *Server) conversationMessagesHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.repo.GetConversation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
			return
		}
		slog.Error("Server.conversationMessagesHandler: lookup failed", "error", err, "conversation", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get conversation"))
		return
	}
	msgs, err := s.repo.ListMessages(r.Context(), id)
	if err != nil {
		slog.Error("Server.conversationMessagesHandler: list failed", "error", err, "conversation", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

// getAISettingsHandler handles GET /api/settings/ai
func (s *Server) getAISettingsHandler(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.settings.StoredAISettings(r.Context())
	if err != nil {
		slog.Error("Server.getAISettingsHandler: failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read AI settings"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(cfg.Masked()))
}

// putAISettingsHandler handles PUT /api/settings/ai
func (s *Server) putAISettingsHandler(w http.ResponseWriter, r *http.Request) {
	var req models.AISettings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	saved, err := s.settings.SaveAISettings(r.Context(), req)
	if err != nil {
		writeSettingsError(w, "Server.putAISettingsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("AI settings updated", saved.Masked()))
}

// getSMSSettingsHandler handles GET /api/settings/sms
func (s *Server) getSMSSettingsHandler(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.settings.StoredSMSSettings(r.Context())
	if err != nil {
		slog.Error("Server.getSMSSettingsHandler: failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read SMS settings"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(cfg.Masked()))
}

// putSMSSettingsHandler handles PUT /api/settings/sms
func (s *Server) putSMSSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SMSSettings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	saved, err := s.settings.SaveSMSSettings(r.Context(), req)
	if err != nil {
		writeSettingsError(w, "Server.putSMSSettingsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("SMS settings updated", saved.Masked()))
}

func writeSettingsError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, settings.ErrInvalidSettings) {
		slog.Warn(op+": rejected", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	slog.Error(op+": failed", "error", err)
	writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save settings"))
}
