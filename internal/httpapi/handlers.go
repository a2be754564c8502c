// ABOUTME: Request handlers for session lifecycle, messaging, and conversations.
// ABOUTME: Tenant scope always comes from the verified token, never the request.

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/neondash/wagateway/internal/auth"
	"github.com/neondash/wagateway/internal/reconcile"
	"github.com/neondash/wagateway/internal/session"
)

// SendMessageRequest is the JSON request body for POST /api/whatsapp/send.
type SendMessageRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

// ConversationSummary is one entry in the GET /api/whatsapp/conversations response.
type ConversationSummary struct {
	Phone       string    `json:"phone"`
	Name        string    `json:"name,omitempty"`
	LeadID      *int64    `json:"leadId,omitempty"`
	LastMessage string    `json:"lastMessage"`
	LastAt      time.Time `json:"lastAt"`
	Messages    int       `json:"messages"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	if err := s.sessions.Connect(r.Context(), id.TenantID); err != nil {
		s.logger.Error("connect failed", "tenant_id", id.TenantID, "error", err)
		s.sendJSONError(w, http.StatusBadGateway, "failed to start session")
		return
	}

	s.sendJSON(w, http.StatusAccepted, s.sessions.Status(r.Context(), id.TenantID))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	if err := s.sessions.Disconnect(r.Context(), id.TenantID); err != nil {
		s.logger.Error("disconnect failed", "tenant_id", id.TenantID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to disconnect")
		return
	}

	s.sendJSON(w, http.StatusOK, s.sessions.Status(r.Context(), id.TenantID))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	if err := s.sessions.Logout(r.Context(), id.TenantID); err != nil {
		s.logger.Error("logout failed", "tenant_id", id.TenantID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to log out")
		return
	}

	s.sendJSON(w, http.StatusOK, s.sessions.Status(r.Context(), id.TenantID))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	s.sendJSON(w, http.StatusOK, s.sessions.Status(r.Context(), id.TenantID))
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.sendJSONError(w, http.StatusBadRequest, "message is required")
		return
	}

	phone, err := reconcile.Validate(req.Phone)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	externalID, err := s.sessions.Send(r.Context(), id.TenantID, phone, req.Message)
	if err != nil {
		if errors.Is(err, session.ErrNotConnected) {
			s.sendJSONError(w, http.StatusConflict, "whatsapp session is not connected")
			return
		}
		if errors.Is(err, session.ErrPairingRequired) {
			s.sendJSONError(w, http.StatusConflict, "whatsapp session is awaiting pairing")
			return
		}
		s.logger.Error("send failed", "tenant_id", id.TenantID, "error", err)
		s.sendJSONError(w, http.StatusBadGateway, "failed to send message")
		return
	}

	msg, err := s.outbound.RecordOutbound(r.Context(), id.TenantID, phone, req.Message, externalID)
	if err != nil {
		// The message left the device; surface the row loss instead of
		// pretending the send failed.
		s.logger.Error("sent but failed to persist", "tenant_id", id.TenantID, "error", err)
		s.sendJSON(w, http.StatusOK, map[string]string{"externalId": externalID})
		return
	}

	s.sendJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleLinkContacts(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	linked, err := s.linker.LinkOrphanMessages(r.Context(), id.TenantID)
	if err != nil {
		s.logger.Error("orphan linking failed", "tenant_id", id.TenantID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to link messages")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]int{"linked": linked})
}

// handleConversations lists conversations grouped by phone, or the message
// history of a single conversation when the phone query parameter is set.
// Orphan linking runs opportunistically first so fresh leads show up linked.
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	ctx := r.Context()

	if _, err := s.linker.LinkOrphanMessages(ctx, id.TenantID); err != nil {
		s.logger.Error("opportunistic linking failed", "tenant_id", id.TenantID, "error", err)
	}

	if phone := r.URL.Query().Get("phone"); phone != "" {
		msgs, err := s.store.ListMessagesByPhone(ctx, id.TenantID, reconcile.Normalize(phone))
		if err != nil {
			s.logger.Error("failed to list messages", "tenant_id", id.TenantID, "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "failed to load conversation")
			return
		}
		s.sendJSON(w, http.StatusOK, map[string]any{"messages": msgs})
		return
	}

	summaries, err := s.buildConversations(ctx, id.TenantID)
	if err != nil {
		s.logger.Error("failed to build conversations", "tenant_id", id.TenantID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to load conversations")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"conversations": summaries})
}

func (s *Server) buildConversations(ctx context.Context, tenantID int64) ([]ConversationSummary, error) {
	msgs, err := s.store.ListMessages(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string)
	if contacts, err := s.store.ListContacts(ctx, tenantID); err == nil {
		for _, c := range contacts {
			names[c.Phone] = c.Name
		}
	}
	leadNames := make(map[string]string)
	if leads, err := s.store.ListLeads(ctx, tenantID); err == nil {
		for _, l := range leads {
			leadNames[reconcile.Normalize(l.Phone)] = l.Name
		}
	}

	// Messages arrive newest first; the first message seen per phone is the
	// conversation's latest.
	byPhone := make(map[string]*ConversationSummary)
	order := make([]string, 0)
	for _, m := range msgs {
		summary, ok := byPhone[m.Phone]
		if !ok {
			summary = &ConversationSummary{
				Phone:       m.Phone,
				LeadID:      m.LeadID,
				LastMessage: m.Content,
				LastAt:      m.CreatedAt,
			}
			if name, ok := names[m.Phone]; ok && name != "" {
				summary.Name = name
			} else if name, ok := leadNames[m.Phone]; ok {
				summary.Name = name
			}
			byPhone[m.Phone] = summary
			order = append(order, m.Phone)
		}
		summary.Messages++
		if summary.LeadID == nil && m.LeadID != nil {
			summary.LeadID = m.LeadID
		}
	}

	summaries := make([]ConversationSummary, 0, len(byPhone))
	for _, phone := range order {
		summaries = append(summaries, *byPhone[phone])
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastAt.After(summaries[j].LastAt)
	})
	return summaries, nil
}
