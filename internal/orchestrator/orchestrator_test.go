package orchestrator

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/pulsewire/internal/alert"
	"github.com/nugget/pulsewire/internal/alertstore"
	"github.com/nugget/pulsewire/internal/distribution"
	"github.com/nugget/pulsewire/internal/subscriberregistry"
)

type fakeAdapter struct {
	name       string
	candidates []alert.Candidate
	calls      atomic.Int64
	fail       bool
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Fetch(ctx context.Context) ([]alert.Candidate, error) {
	f.calls.Add(1)
	if f.fail {
		return nil, errFetch
	}
	return f.candidates, nil
}

var errFetch = &fetchError{}

type fetchError struct{}

func (*fetchError) Error() string { return "simulated fetch failure" }

func setupOrchestrator(t *testing.T) (*alertstore.Store, *distribution.Fabric) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := alertstore.New(db, 10000, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("new alertstore: %v", err)
	}

	subsDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open subs db: %v", err)
	}
	t.Cleanup(func() { subsDB.Close() })

	subs, err := subscriberregistry.New(subsDB, nil)
	if err != nil {
		t.Fatalf("new subscriberregistry: %v", err)
	}

	fabric := distribution.New(subs, distribution.Config{TrialMode: true}, nil)
	return store, fabric
}

func sampleCandidate(headline string) alert.Candidate {
	return alert.Candidate{
		Channel:    alert.ChannelDeFiHacks,
		Priority:   alert.PriorityHigh,
		Headline:   headline,
		Summary:    "A simulated exploit drained the test pool for this orchestrator tick.",
		SourceURL:  "https://example.com/" + headline,
		SourceType: alert.SourceSecurityIncident,
	}
}

func TestTick_AcceptsAndDeduplicates(t *testing.T) {
	store, fabric := setupOrchestrator(t)
	o := New(store, fabric, nil, nil)

	a := &fakeAdapter{name: "fake", candidates: []alert.Candidate{sampleCandidate("first"), sampleCandidate("first")}}
	o.tick(context.Background(), a)

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("total = %d, want 1 (duplicate candidate should be deduped)", stats.Total)
	}
}

func TestTick_AdapterErrorDoesNotPanic(t *testing.T) {
	store, fabric := setupOrchestrator(t)
	o := New(store, fabric, nil, nil)

	a := &fakeAdapter{name: "failing", fail: true}
	o.tick(context.Background(), a)

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("total = %d, want 0 after a failed fetch", stats.Total)
	}
}

func TestStartStop_RunsScheduledTicks(t *testing.T) {
	store, fabric := setupOrchestrator(t)

	a := &fakeAdapter{name: "periodic", candidates: []alert.Candidate{sampleCandidate("periodic-alert")}}
	entries := []Entry{{Adapter: a, Cadence: 20 * time.Millisecond, Enabled: true}}
	o := New(store, fabric, entries, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o.Start(ctx)
	time.Sleep(120 * time.Millisecond)
	o.Stop()

	if a.calls.Load() < 2 {
		t.Errorf("expected at least 2 ticks, got %d", a.calls.Load())
	}
}

func TestStartStop_DisabledEntryNeverTicks(t *testing.T) {
	store, fabric := setupOrchestrator(t)

	a := &fakeAdapter{name: "disabled"}
	entries := []Entry{{Adapter: a, Cadence: 10 * time.Millisecond, Enabled: false}}
	o := New(store, fabric, entries, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	o.Stop()

	if a.calls.Load() != 0 {
		t.Errorf("expected disabled adapter never to tick, got %d calls", a.calls.Load())
	}
}
