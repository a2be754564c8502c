// ABOUTME: Best-effort linker attaching orphan messages to CRM leads by phone.
// ABOUTME: Idempotent; runs opportunistically before conversation listings.

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/neondash/wagateway/internal/store"
)

// Linker attaches stored messages that have no lead link to existing CRM
// leads by comparing normalized phone numbers.
type Linker struct {
	messages store.MessageStore
	leads    store.LeadStore
	logger   *slog.Logger
}

// NewLinker creates a Linker. Pass nil logger for default.
func NewLinker(messages store.MessageStore, leads store.LeadStore, logger *slog.Logger) *Linker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{
		messages: messages,
		leads:    leads,
		logger:   logger.With("component", "reconcile"),
	}
}

// LinkOrphanMessages loads the tenant's unlinked messages and leads, then
// links each orphan whose phone matches exactly one lead. Ambiguous matches
// (two leads sharing a line after normalization) are skipped rather than
// guessed. Returns the number of newly linked messages.
//
// Running it twice yields the same linkage; the second run links zero rows
// because linked messages no longer appear in the orphan set.
func (l *Linker) LinkOrphanMessages(ctx context.Context, tenantID int64) (int, error) {
	orphans, err := l.messages.ListOrphanMessages(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("listing orphan messages: %w", err)
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	leads, err := l.leads.ListLeads(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("listing leads: %w", err)
	}
	if len(leads) == 0 {
		return 0, nil
	}

	linked := 0
	for _, msg := range orphans {
		lead, ok := matchLead(leads, msg.Phone)
		if !ok {
			continue
		}

		if err := l.messages.LinkMessageToLead(ctx, msg.ID, lead.ID); err != nil {
			// A row deleted (or linked by a concurrent run) between the
			// listing and the update is not a failure of this pass.
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return linked, fmt.Errorf("linking message %s: %w", msg.ID, err)
		}

		l.logger.Debug("linked orphan message",
			"tenant_id", tenantID, "message_id", msg.ID, "lead_id", lead.ID)
		linked++
	}

	if linked > 0 {
		l.logger.Info("reconciled orphan messages", "tenant_id", tenantID, "linked", linked)
	}
	return linked, nil
}

// MatchLead returns the single lead whose phone matches, or ok=false when
// zero or multiple leads match.
func MatchLead(leads []*store.Lead, phone string) (*store.Lead, bool) {
	return matchLead(leads, phone)
}

func matchLead(leads []*store.Lead, phone string) (*store.Lead, bool) {
	var found *store.Lead
	for _, lead := range leads {
		if lead.Phone == "" || !PhonesMatch(lead.Phone, phone) {
			continue
		}
		if found != nil {
			// Ambiguous; refuse to guess.
			return nil, false
		}
		found = lead
	}
	return found, found != nil
}
