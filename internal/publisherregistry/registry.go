// Package publisherregistry manages authenticated publisher identity,
// channel authorization, and reputation accounting (§4.3). It owns its
// own SQLite table and an API-key digest index; the plaintext key is
// returned once at registration and never stored.
package publisherregistry

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
)

// Status is the publisher's active/suspended state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Publisher is a registered alert producer.
type Publisher struct {
	ID              string
	Name            string
	Description     string
	APIKeyDigest    string
	APIKeyPrefix    string
	Channels        []string
	Status          Status
	ReputationScore float64
	AlertsPublished int64
	AlertsConsumed  int64
	Stake           float64
}

// Registration bundles a newly created Publisher with its one-time
// plaintext API key and a QR-code encoding of that key.
type Registration struct {
	Publisher    Publisher
	PlaintextKey string
	QRCodePNG    []byte // base64-unencoded PNG bytes; caller base64-encodes for transport
}

// Params are the caller-supplied fields for Register.
type Params struct {
	Name          string
	Description   string
	Channels      []string
	WalletAddress string
}

// DuplicateError is returned when Register is called with a name or
// wallet address already in use.
type DuplicateError struct {
	Field string // "name" or "wallet"
	Value string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("publisher %s already registered: %s", e.Field, e.Value)
}

// Registry is a SQLite-backed publisher store. The caller owns the
// *sql.DB and its driver choice (production: mattn/go-sqlite3; tests:
// modernc.org/sqlite), matching internal/alertstore.
type Registry struct {
	db *sql.DB
}

// New wraps db as a publisher registry, running migrations on first use.
func New(db *sql.DB) (*Registry, error) {
	r := &Registry{db: db}
	if err := r.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

func (r *Registry) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS publishers (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL UNIQUE,
		description      TEXT NOT NULL,
		api_key_digest   TEXT NOT NULL UNIQUE,
		api_key_prefix   TEXT NOT NULL,
		channels         TEXT NOT NULL,
		status           TEXT NOT NULL,
		reputation_score REAL NOT NULL,
		alerts_published INTEGER NOT NULL DEFAULT 0,
		alerts_consumed  INTEGER NOT NULL DEFAULT 0,
		stake            REAL NOT NULL DEFAULT 0,
		wallet_address   TEXT UNIQUE
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// Register creates a new publisher with a freshly minted API key.
// Returns a DuplicateError if name (case-insensitive) or wallet address
// is already registered.
func (r *Registry) Register(p Params) (Registration, error) {
	if len(p.Channels) == 0 {
		return Registration{}, fmt.Errorf("publisher must authorize at least one channel")
	}

	var exists int
	err := r.db.QueryRow(`SELECT 1 FROM publishers WHERE LOWER(name) = LOWER(?)`, p.Name).Scan(&exists)
	if err == nil {
		return Registration{}, &DuplicateError{Field: "name", Value: p.Name}
	}
	if err != sql.ErrNoRows {
		return Registration{}, fmt.Errorf("check name: %w", err)
	}

	if p.WalletAddress != "" {
		err := r.db.QueryRow(`SELECT 1 FROM publishers WHERE wallet_address = ?`, p.WalletAddress).Scan(&exists)
		if err == nil {
			return Registration{}, &DuplicateError{Field: "wallet", Value: p.WalletAddress}
		}
		if err != sql.ErrNoRows {
			return Registration{}, fmt.Errorf("check wallet: %w", err)
		}
	}

	plaintext, err := mintAPIKey()
	if err != nil {
		return Registration{}, fmt.Errorf("mint api key: %w", err)
	}
	digest := digestKey(plaintext)
	prefix := plaintext
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}

	pub := Publisher{
		ID:              uuid.NewString(),
		Name:            p.Name,
		Description:     p.Description,
		APIKeyDigest:    digest,
		APIKeyPrefix:    prefix,
		Channels:        p.Channels,
		Status:          StatusActive,
		ReputationScore: 50,
	}

	_, err = r.db.Exec(`
		INSERT INTO publishers (id, name, description, api_key_digest, api_key_prefix,
			channels, status, reputation_score, alerts_published, alerts_consumed, stake, wallet_address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?)`,
		pub.ID, pub.Name, pub.Description, pub.APIKeyDigest, pub.APIKeyPrefix,
		joinChannels(pub.Channels), string(pub.Status), pub.ReputationScore,
		nullableString(p.WalletAddress),
	)
	if err != nil {
		return Registration{}, fmt.Errorf("insert publisher: %w", err)
	}

	png, err := qrcode.Encode(plaintext, qrcode.Medium, 256)
	if err != nil {
		return Registration{}, fmt.Errorf("encode qr code: %w", err)
	}

	return Registration{Publisher: pub, PlaintextKey: plaintext, QRCodePNG: png}, nil
}

// Authenticate looks up the publisher whose digest matches bearerKey.
// Returns nil if no active publisher matches.
func (r *Registry) Authenticate(bearerKey string) (*Publisher, error) {
	digest := digestKey(bearerKey)
	pub, err := r.scanOne(`SELECT id, name, description, api_key_digest, api_key_prefix,
		channels, status, reputation_score, alerts_published, alerts_consumed, stake
		FROM publishers WHERE api_key_digest = ?`, digest)
	if err != nil {
		return nil, err
	}
	if pub == nil || pub.Status != StatusActive {
		return nil, nil
	}
	return pub, nil
}

// Get returns the publisher with the given id, or nil if none exists.
func (r *Registry) Get(publisherID string) (*Publisher, error) {
	return r.scanOne(`SELECT id, name, description, api_key_digest, api_key_prefix,
		channels, status, reputation_score, alerts_published, alerts_consumed, stake
		FROM publishers WHERE id = ?`, publisherID)
}

// CanPublish reports whether publisherID exists, is active, and
// authorizes channel.
func (r *Registry) CanPublish(publisherID, channel string) (bool, error) {
	pub, err := r.Get(publisherID)
	if err != nil {
		return false, err
	}
	if pub == nil || pub.Status != StatusActive {
		return false, nil
	}
	for _, c := range pub.Channels {
		if c == channel {
			return true, nil
		}
	}
	return false, nil
}

// IncrementPublished bumps alertsPublished by one.
func (r *Registry) IncrementPublished(publisherID string) error {
	_, err := r.db.Exec(`UPDATE publishers SET alerts_published = alerts_published + 1 WHERE id = ?`, publisherID)
	return err
}

// IncrementConsumed bumps alertsConsumed by one and nudges reputation
// up by 0.1, clamped to 100.
func (r *Registry) IncrementConsumed(publisherID string) error {
	_, err := r.db.Exec(`
		UPDATE publishers
		SET alerts_consumed = alerts_consumed + 1,
		    reputation_score = MIN(100, reputation_score + 0.1)
		WHERE id = ?`, publisherID)
	return err
}

// AdjustReputation applies delta to reputationScore, clamped to
// [0, 100]. If the result drops below 10, the publisher is suspended.
func (r *Registry) AdjustReputation(publisherID string, delta float64) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var score float64
	if err := tx.QueryRow(`SELECT reputation_score FROM publishers WHERE id = ?`, publisherID).Scan(&score); err != nil {
		return fmt.Errorf("read reputation: %w", err)
	}

	score += delta
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	status := StatusActive
	if score < 10 {
		status = StatusSuspended
	}

	if _, err := tx.Exec(`UPDATE publishers SET reputation_score = ?, status = ? WHERE id = ?`,
		score, string(status), publisherID); err != nil {
		return fmt.Errorf("update reputation: %w", err)
	}

	return tx.Commit()
}

// List returns up to limit publishers ordered by name.
func (r *Registry) List(limit int) ([]Publisher, error) {
	rows, err := r.db.Query(`SELECT id, name, description, api_key_digest, api_key_prefix,
		channels, status, reputation_score, alerts_published, alerts_consumed, stake
		FROM publishers ORDER BY name ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query publishers: %w", err)
	}
	defer rows.Close()

	var out []Publisher
	for rows.Next() {
		pub, err := scanPublisher(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pub)
	}
	return out, rows.Err()
}

// LeaderboardEntry is one row of the consumption-ranked leaderboard.
type LeaderboardEntry struct {
	Rank      int
	Publisher Publisher
}

// Leaderboard returns up to limit publishers ordered by alertsConsumed
// descending, with a 1-indexed rank.
func (r *Registry) Leaderboard(limit int) ([]LeaderboardEntry, error) {
	rows, err := r.db.Query(`SELECT id, name, description, api_key_digest, api_key_prefix,
		channels, status, reputation_score, alerts_published, alerts_consumed, stake
		FROM publishers ORDER BY alerts_consumed DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()

	var out []LeaderboardEntry
	rank := 1
	for rows.Next() {
		pub, err := scanPublisher(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, LeaderboardEntry{Rank: rank, Publisher: *pub})
		rank++
	}
	return out, rows.Err()
}

func (r *Registry) scanOne(query string, args ...any) (*Publisher, error) {
	pub, err := scanPublisher(r.db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pub, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPublisher(row rowScanner) (*Publisher, error) {
	var p Publisher
	var channels, status string
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.APIKeyDigest, &p.APIKeyPrefix,
		&channels, &status, &p.ReputationScore, &p.AlertsPublished, &p.AlertsConsumed, &p.Stake)
	if err != nil {
		return nil, err
	}
	p.Channels = splitChannels(channels)
	p.Status = Status(status)
	return &p, nil
}

func mintAPIKey() (string, error) {
	var b [16]byte // 128 bits, well over the spec's 64-bit floor
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return "pw_" + hex.EncodeToString(b[:]), nil
}

func digestKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func joinChannels(channels []string) string {
	return strings.Join(channels, "\x1f")
}

func splitChannels(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x1f")
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
