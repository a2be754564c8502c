// ABOUTME: Server-sent events endpoint streaming push broadcasts to dashboards.
// ABOUTME: Each connection is one push subscriber; an optional phone filter narrows it.

package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/neondash/wagateway/internal/auth"
	"github.com/neondash/wagateway/internal/reconcile"
)

// keepAliveInterval spaces SSE comment lines that hold idle connections
// open through proxies.
const keepAliveInterval = 30 * time.Second

// sseTransport adapts an SSE response stream to the push Transport
// interface. Writes are serialized; broadcasts arrive from many goroutines.
type sseTransport struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (t *sseTransport) Write(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding event payload: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

func (t *sseTransport) keepAlive() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := fmt.Fprint(t.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

// handleEvents subscribes the connection to the tenant's push stream until
// the client goes away. A phone query parameter narrows delivery to one
// conversation plus tenant-wide events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	phoneFilter := ""
	if phone := r.URL.Query().Get("phone"); phone != "" {
		phoneFilter = reconcile.Normalize(phone)
	}

	transport := &sseTransport{w: w, flusher: flusher}
	subID := s.events.Subscribe(id.TenantID, transport, phoneFilter)
	defer s.events.Unsubscribe(id.TenantID, subID)

	s.logger.Info("event stream opened",
		"tenant_id", id.TenantID, "subscriber_id", subID, "phone_filter", phoneFilter)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("event stream closed",
				"tenant_id", id.TenantID, "subscriber_id", subID)
			return
		case <-ticker.C:
			if err := transport.keepAlive(); err != nil {
				return
			}
		}
	}
}
