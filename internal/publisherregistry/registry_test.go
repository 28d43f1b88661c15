package publisherregistry

import (
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"
)

func setupTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	r, err := New(db)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r
}

func TestRegister_ReturnsPlaintextKeyAndQR(t *testing.T) {
	r := setupTestRegistry(t)

	reg, err := r.Register(Params{Name: "Acme Research", Channels: []string{"defi/hacks"}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.PlaintextKey == "" {
		t.Error("expected a plaintext key")
	}
	if reg.Publisher.APIKeyDigest == reg.PlaintextKey {
		t.Error("digest must not equal plaintext")
	}
	if len(reg.QRCodePNG) == 0 {
		t.Error("expected non-empty QR PNG bytes")
	}
	if reg.Publisher.ReputationScore != 50 {
		t.Errorf("initial reputation = %v, want 50", reg.Publisher.ReputationScore)
	}
	if reg.Publisher.Status != StatusActive {
		t.Errorf("initial status = %v, want active", reg.Publisher.Status)
	}
}

func TestRegister_DuplicateNameCaseInsensitive(t *testing.T) {
	r := setupTestRegistry(t)

	if _, err := r.Register(Params{Name: "Acme", Channels: []string{"defi/hacks"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := r.Register(Params{Name: "ACME", Channels: []string{"defi/hacks"}})
	var dup *DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateError, got %v", err)
	}
}

func TestAuthenticate_ValidKey(t *testing.T) {
	r := setupTestRegistry(t)

	reg, err := r.Register(Params{Name: "Acme", Channels: []string{"defi/hacks"}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	pub, err := r.Authenticate(reg.PlaintextKey)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if pub == nil {
		t.Fatal("expected a matching publisher")
	}
	if pub.ID != reg.Publisher.ID {
		t.Errorf("ID = %q, want %q", pub.ID, reg.Publisher.ID)
	}
}

func TestAuthenticate_UnknownKey(t *testing.T) {
	r := setupTestRegistry(t)

	pub, err := r.Authenticate("pw_notarealkey")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if pub != nil {
		t.Errorf("expected nil for unknown key, got %+v", pub)
	}
}

func TestCanPublish(t *testing.T) {
	r := setupTestRegistry(t)

	reg, err := r.Register(Params{Name: "Acme", Channels: []string{"defi/hacks"}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	ok, err := r.CanPublish(reg.Publisher.ID, "defi/hacks")
	if err != nil {
		t.Fatalf("CanPublish: %v", err)
	}
	if !ok {
		t.Error("expected CanPublish true for authorized channel")
	}

	ok, err = r.CanPublish(reg.Publisher.ID, "defi/yields")
	if err != nil {
		t.Fatalf("CanPublish: %v", err)
	}
	if ok {
		t.Error("expected CanPublish false for unauthorized channel")
	}
}

func TestIncrementConsumed_NudgesReputation(t *testing.T) {
	r := setupTestRegistry(t)

	reg, err := r.Register(Params{Name: "Acme", Channels: []string{"defi/hacks"}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.IncrementConsumed(reg.Publisher.ID); err != nil {
		t.Fatalf("IncrementConsumed: %v", err)
	}

	pub, err := r.Get(reg.Publisher.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if pub.AlertsConsumed != 1 {
		t.Errorf("AlertsConsumed = %d, want 1", pub.AlertsConsumed)
	}
	if pub.ReputationScore != 50.1 {
		t.Errorf("ReputationScore = %v, want 50.1", pub.ReputationScore)
	}
}

func TestAdjustReputation_SuspendsBelowTen(t *testing.T) {
	r := setupTestRegistry(t)

	reg, err := r.Register(Params{Name: "Acme", Channels: []string{"defi/hacks"}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.AdjustReputation(reg.Publisher.ID, -45); err != nil {
		t.Fatalf("AdjustReputation: %v", err)
	}

	pub, err := r.Get(reg.Publisher.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if pub.ReputationScore != 5 {
		t.Errorf("ReputationScore = %v, want 5", pub.ReputationScore)
	}
	if pub.Status != StatusSuspended {
		t.Errorf("Status = %v, want suspended", pub.Status)
	}

	ok, err := r.CanPublish(reg.Publisher.ID, "defi/hacks")
	if err != nil {
		t.Fatalf("CanPublish: %v", err)
	}
	if ok {
		t.Error("expected suspended publisher to be refused")
	}
}

func TestLeaderboard_OrdersByConsumedDesc(t *testing.T) {
	r := setupTestRegistry(t)

	low, err := r.Register(Params{Name: "Low", Channels: []string{"defi/hacks"}})
	if err != nil {
		t.Fatalf("Register low: %v", err)
	}
	high, err := r.Register(Params{Name: "High", Channels: []string{"defi/hacks"}})
	if err != nil {
		t.Fatalf("Register high: %v", err)
	}

	if err := r.IncrementConsumed(low.Publisher.ID); err != nil {
		t.Fatalf("IncrementConsumed low: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := r.IncrementConsumed(high.Publisher.ID); err != nil {
			t.Fatalf("IncrementConsumed high: %v", err)
		}
	}

	board, err := r.Leaderboard(10)
	if err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	if len(board) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(board))
	}
	if board[0].Publisher.ID != high.Publisher.ID || board[0].Rank != 1 {
		t.Errorf("expected High ranked first, got %+v", board[0])
	}
	if board[1].Rank != 2 {
		t.Errorf("expected second entry rank 2, got %d", board[1].Rank)
	}
}
