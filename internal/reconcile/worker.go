// ABOUTME: Background worker that periodically links orphan messages to leads.
// ABOUTME: Sweeps every connected tenant on a fixed interval until stopped.

package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/neondash/wagateway/internal/store"
)

// Worker periodically runs orphan linking for every connected tenant. New
// leads are created out of band; the sweep picks up messages that arrived
// before their lead existed.
type Worker struct {
	linker   *Linker
	profiles store.TenantStore
	interval time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker sweeping at the given interval.
func NewWorker(linker *Linker, profiles store.TenantStore, interval time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		linker:   linker,
		profiles: profiles,
		interval: interval,
		logger:   logger.With("component", "reconcile"),
	}
}

// Run blocks until the context is cancelled, sweeping once per interval.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	ids, err := w.profiles.ListConnectedTenants(ctx)
	if err != nil {
		w.logger.Error("failed to list tenants for sweep", "error", err)
		return
	}

	total := 0
	for _, tenantID := range ids {
		linked, err := w.linker.LinkOrphanMessages(ctx, tenantID)
		if err != nil {
			w.logger.Error("sweep failed for tenant", "tenant_id", tenantID, "error", err)
			continue
		}
		total += linked
	}
	if total > 0 {
		w.logger.Info("linked orphan messages", "count", total, "tenants", len(ids))
	}
}
