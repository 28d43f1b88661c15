// Package orchestrator runs the ingestion tick schedule (§4.6): each
// configured adapter fires on its own cadence, fetched candidates are
// handed to the alert store, and accepted alerts are handed to the
// distribution fabric. It uses a Start/Stop, per-entry timer, stopCh
// and WaitGroup structure over a fixed, config-driven adapter table.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/pulsewire/internal/adapters"
	"github.com/nugget/pulsewire/internal/alert"
	"github.com/nugget/pulsewire/internal/alertstore"
	"github.com/nugget/pulsewire/internal/distribution"
	"github.com/nugget/pulsewire/internal/events"
)

// Entry binds one adapter instance to its scheduling parameters.
type Entry struct {
	Adapter adapters.Adapter
	Cadence time.Duration
	Enabled bool
}

// Orchestrator owns a fixed set of adapter entries and drives their
// independent tick schedules.
type Orchestrator struct {
	logger  *slog.Logger
	store   *alertstore.Store
	fabric  *distribution.Fabric
	entries []Entry
	events  *events.Bus

	mu      sync.Mutex
	timers  []*time.Timer
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates an orchestrator bound to store and fabric. entries are
// the configured adapter rows; disabled entries are never scheduled.
func New(store *alertstore.Store, fabric *distribution.Fabric, entries []Entry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		logger:  logger,
		store:   store,
		fabric:  fabric,
		entries: entries,
		stopCh:  make(chan struct{}),
	}
}

// SetEvents attaches an event bus for operational observability. Safe
// to leave unset; events.Bus is nil-safe on a nil receiver.
func (o *Orchestrator) SetEvents(b *events.Bus) {
	o.events = b
}

// Start schedules a periodic tick for every enabled entry. Ticks across
// adapters are independent and may run concurrently; it does not block.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	o.running = true

	for _, entry := range o.entries {
		if !entry.Enabled {
			continue
		}
		o.scheduleLocked(ctx, entry)
	}

	o.logger.Info("orchestrator started", "adapters", len(o.entries))
}

// Stop cancels every pending timer and waits for in-flight ticks to
// finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	for _, t := range o.timers {
		t.Stop()
	}
	o.timers = nil
	close(o.stopCh)
	o.mu.Unlock()

	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

// scheduleLocked arms a self-rearming timer for entry. Caller must hold o.mu.
func (o *Orchestrator) scheduleLocked(ctx context.Context, entry Entry) {
	var timer *time.Timer
	timer = time.AfterFunc(entry.Cadence, func() {
		o.wg.Add(1)
		defer o.wg.Done()

		select {
		case <-o.stopCh:
			return
		default:
		}

		o.tick(ctx, entry.Adapter)

		o.mu.Lock()
		if o.running {
			timer.Reset(entry.Cadence)
		}
		o.mu.Unlock()
	})
	o.timers = append(o.timers, timer)
}

// tick runs a single fetch-store-distribute cycle for one adapter.
// Adapter failures are logged and never stop the tick schedule; missed
// ticks are not backfilled.
func (o *Orchestrator) tick(ctx context.Context, a adapters.Adapter) {
	candidates, err := a.Fetch(ctx)
	if err != nil {
		o.logger.Warn("adapter fetch failed", "adapter", a.Name(), "error", err)
		o.events.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceOrchestrator,
			Kind:      events.KindAdapterError,
			Data:      map[string]any{"adapter": a.Name(), "error": err.Error()},
		})
		return
	}

	o.events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceOrchestrator,
		Kind:      events.KindAdapterTick,
		Data:      map[string]any{"adapter": a.Name(), "candidates": len(candidates)},
	})

	for _, c := range candidates {
		accepted, ok := o.addAndDistribute(c)
		if !ok {
			continue
		}
		o.logger.Debug("alert accepted", "adapter", a.Name(), "alertId", accepted.AlertID, "channel", accepted.Channel)
		o.events.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceOrchestrator,
			Kind:      events.KindAlertAccepted,
			Data:      map[string]any{"alertId": accepted.AlertID, "channel": string(accepted.Channel), "source": a.Name()},
		})
	}
}

func (o *Orchestrator) addAndDistribute(c alert.Candidate) (alert.Alert, bool) {
	accepted, ok, err := o.store.Add(c)
	if err != nil {
		o.logger.Error("alert store add failed", "error", err)
		return alert.Alert{}, false
	}
	if !ok {
		return alert.Alert{}, false
	}

	if _, err := o.fabric.Distribute(accepted); err != nil {
		o.logger.Error("distribute failed", "alertId", accepted.AlertID, "error", err)
	}

	return accepted, true
}
