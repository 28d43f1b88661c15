package alertstore

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/pulsewire/internal/alert"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := New(db, 10000, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func sampleCandidate() alert.Candidate {
	return alert.Candidate{
		Channel:    alert.ChannelDeFiHacks,
		Priority:   alert.PriorityHigh,
		Headline:   "Protocol X drained of $10M in flash-loan exploit",
		Summary:    "An attacker exploited a price-oracle bug to drain the lending pool.",
		SourceURL:  "https://example.com/articles/protocol-x-exploit",
		SourceType: alert.SourceSecurityIncident,
		Entities:   []string{"Protocol X"},
		Tokens:     []string{"PX"},
	}
}

func TestStore_Add_PersistsAndReturnsAlert(t *testing.T) {
	store := setupTestStore(t)

	a, accepted, err := store.Add(sampleCandidate())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !accepted {
		t.Fatal("expected first insert to be accepted")
	}
	if a.AlertID == "" {
		t.Error("expected a minted alert id")
	}
	if a.ContentHash == "" {
		t.Error("expected a content hash")
	}
	if a.Timestamp.IsZero() {
		t.Error("expected acceptance-time timestamp to be stamped")
	}
}

func TestStore_Add_DuplicateIsRejectedSilently(t *testing.T) {
	store := setupTestStore(t)

	_, accepted, err := store.Add(sampleCandidate())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !accepted {
		t.Fatal("expected first insert to be accepted")
	}

	_, accepted, err = store.Add(sampleCandidate())
	if err != nil {
		t.Fatalf("Add duplicate: %v", err)
	}
	if accepted {
		t.Error("expected duplicate candidate to be rejected")
	}

	st, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 1 {
		t.Errorf("expected 1 stored alert after duplicate, got %d", st.Total)
	}
}

func TestStore_Add_PreservesExplicitTimestamp(t *testing.T) {
	store := setupTestStore(t)

	c := sampleCandidate()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c.Timestamp = ts

	a, _, err := store.Add(c)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !a.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", a.Timestamp, ts)
	}
}

func TestStore_Get(t *testing.T) {
	store := setupTestStore(t)

	a, _, err := store.Add(sampleCandidate())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := store.Get(a.AlertID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected alert, got nil")
	}
	if got.Headline != a.Headline {
		t.Errorf("Headline = %q, want %q", got.Headline, a.Headline)
	}
	if len(got.Entities) != 1 || got.Entities[0] != "Protocol X" {
		t.Errorf("Entities = %v, want [Protocol X]", got.Entities)
	}
}

func TestStore_Get_Missing(t *testing.T) {
	store := setupTestStore(t)

	got, err := store.Get("alert_nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing alert, got %+v", got)
	}
}

func TestStore_ByChannel(t *testing.T) {
	store := setupTestStore(t)

	c1 := sampleCandidate()
	c1.SourceURL = "https://example.com/1"
	c2 := sampleCandidate()
	c2.SourceURL = "https://example.com/2"
	c2.Channel = alert.ChannelDeFiYields

	if _, _, err := store.Add(c1); err != nil {
		t.Fatalf("Add c1: %v", err)
	}
	if _, _, err := store.Add(c2); err != nil {
		t.Fatalf("Add c2: %v", err)
	}

	hacks, err := store.ByChannel(alert.ChannelDeFiHacks, 10)
	if err != nil {
		t.Fatalf("ByChannel: %v", err)
	}
	if len(hacks) != 1 {
		t.Fatalf("expected 1 alert on defi/hacks, got %d", len(hacks))
	}
}

func TestStore_Search(t *testing.T) {
	store := setupTestStore(t)

	if _, _, err := store.Add(sampleCandidate()); err != nil {
		t.Fatalf("Add: %v", err)
	}

	results, err := store.Search("flash-loan", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 match, got %d", len(results))
	}

	none, err := store.Search("nonexistent-term-xyz", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected 0 matches, got %d", len(none))
	}
}

func TestStore_EvictOverCap(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := New(db, 2, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		c := sampleCandidate()
		c.SourceURL = sampleCandidate().SourceURL + string(rune('a'+i))
		c.Timestamp = time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC)
		if _, accepted, err := store.Add(c); err != nil || !accepted {
			t.Fatalf("Add %d: accepted=%v err=%v", i, accepted, err)
		}
	}

	st, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 2 {
		t.Errorf("expected eviction down to cap 2, got %d", st.Total)
	}

	remaining, err := store.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	for _, a := range remaining {
		if a.Timestamp.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
			t.Error("expected oldest alert to have been evicted")
		}
	}
}

func TestStore_Stats_ByChannel(t *testing.T) {
	store := setupTestStore(t)

	c1 := sampleCandidate()
	c1.SourceURL = "https://example.com/a"
	c2 := sampleCandidate()
	c2.SourceURL = "https://example.com/b"
	c2.Channel = alert.ChannelDeFiYields

	if _, _, err := store.Add(c1); err != nil {
		t.Fatalf("Add c1: %v", err)
	}
	if _, _, err := store.Add(c2); err != nil {
		t.Fatalf("Add c2: %v", err)
	}

	st, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.ByChannel[string(alert.ChannelDeFiHacks)] != 1 {
		t.Errorf("expected 1 defi/hacks alert, got %d", st.ByChannel[string(alert.ChannelDeFiHacks)])
	}
	if st.ByChannel[string(alert.ChannelDeFiYields)] != 1 {
		t.Errorf("expected 1 defi/yields alert, got %d", st.ByChannel[string(alert.ChannelDeFiYields)])
	}
}
