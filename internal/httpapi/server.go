// ABOUTME: HTTP server exposing the WhatsApp session API and event stream.
// ABOUTME: chi router with JWT tenant auth; handlers stay thin over the core.

package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/neondash/wagateway/internal/auth"
	"github.com/neondash/wagateway/internal/push"
	"github.com/neondash/wagateway/internal/session"
	"github.com/neondash/wagateway/internal/store"
)

// SessionManager is the slice of the session registry the API drives.
type SessionManager interface {
	Connect(ctx context.Context, tenantID int64) error
	Disconnect(ctx context.Context, tenantID int64) error
	Logout(ctx context.Context, tenantID int64) error
	Status(ctx context.Context, tenantID int64) session.StatusInfo
	Send(ctx context.Context, tenantID int64, phone, text string) (string, error)
}

// OutboundRecorder persists messages sent through the API.
type OutboundRecorder interface {
	RecordOutbound(ctx context.Context, tenantID int64, phone, content, externalID string) (*store.Message, error)
}

// OrphanLinker attaches unlinked messages to leads.
type OrphanLinker interface {
	LinkOrphanMessages(ctx context.Context, tenantID int64) (int, error)
}

// Server handles the HTTP API.
type Server struct {
	sessions SessionManager
	outbound OutboundRecorder
	linker   OrphanLinker
	store    store.Store
	events   *push.Broadcaster
	verifier auth.TokenVerifier
	logger   *slog.Logger
}

// NewServer creates the API server. logger may be nil for the default.
func NewServer(sessions SessionManager, outbound OutboundRecorder, linker OrphanLinker, st store.Store, events *push.Broadcaster, verifier auth.TokenVerifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sessions: sessions,
		outbound: outbound,
		linker:   linker,
		store:    st,
		events:   events,
		verifier: verifier,
		logger:   logger.With("component", "httpapi"),
	}
}

// Router builds the chi routing tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/whatsapp", func(r chi.Router) {
		r.Use(auth.Middleware(s.verifier))

		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)
		r.Post("/logout", s.handleLogout)
		r.Get("/status", s.handleStatus)
		r.Post("/send", s.handleSend)
		r.Post("/link-contacts", s.handleLinkContacts)
		r.Get("/conversations", s.handleConversations)
		r.Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sendJSON writes a JSON response with the given status code.
func (s *Server) sendJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response with the given status code.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}
