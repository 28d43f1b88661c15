// Package alertstore implements the content-addressed, bounded-retention
// alert log (§4.2): dedupe index, persistent append, and channel/
// publisher-indexed retrieval, backed by SQLite.
package alertstore

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/nugget/pulsewire/internal/alert"
)

// Store is a SQLite-backed alert store. Writes are serialized through a
// single mutex in addition to SQLite's own locking, matching the
// single-writer invariant in §5. The caller owns the *sql.DB (and its
// driver choice): production wiring opens it against "sqlite3"
// (mattn/go-sqlite3, cgo); tests open it against the pure-Go "sqlite"
// driver (modernc.org/sqlite).
type Store struct {
	db      *sql.DB
	mu      sync.Mutex
	maxSize int
	hashTTL time.Duration
}

// Stats summarizes store occupancy for the query surface.
type Stats struct {
	Total        int
	UniqueHashes int
	ByChannel    map[string]int
}

// New wraps db as an alert store, running migrations on first use.
// maxSize is the global retention cap (§4.2); hashTTL bounds how long a
// dedup hash survives after its alert is evicted.
func New(db *sql.DB, maxSize int, hashTTL time.Duration) (*Store, error) {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if hashTTL <= 0 {
		hashTTL = 7 * 24 * time.Hour
	}

	s := &Store{db: db, maxSize: maxSize, hashTTL: hashTTL}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS alerts (
		alert_id       TEXT PRIMARY KEY,
		channel        TEXT NOT NULL,
		priority       TEXT NOT NULL,
		timestamp      TIMESTAMP NOT NULL,
		headline       TEXT NOT NULL,
		summary        TEXT NOT NULL,
		entities       TEXT,
		tickers        TEXT,
		tokens         TEXT,
		source_url     TEXT NOT NULL,
		source_type    TEXT NOT NULL,
		sentiment      TEXT,
		impact_score   REAL,
		publisher_id   TEXT,
		publisher_name TEXT,
		content_hash   TEXT NOT NULL UNIQUE
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_channel_ts ON alerts(channel, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_alerts_publisher_ts ON alerts(publisher_id, timestamp DESC);

	CREATE TABLE IF NOT EXISTS alert_hashes (
		hash       TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// contentHash derives the deterministic dedup digest over
// (sourceUrl, headline) using blake2b — a fast, collision-resistant
// hash; cryptographic strength isn't needed for dedup (unlike the
// publisher API-key digest, which the spec mandates SHA-256 for).
func contentHash(sourceURL, headline string) string {
	sum := blake2b.Sum256([]byte(sourceURL + "\x00" + headline))
	return hex.EncodeToString(sum[:])
}

func mintAlertID() string {
	var b [16]byte
	_, _ = rand.Read(b)
	return "alert_" + hex.EncodeToString(b[:])
}

// Add computes the content hash for candidate; if it already exists,
// returns (zero, false) without persisting. Otherwise it mints an
// alertId, stamps the timestamp (acceptance time unless the candidate
// already carries one), persists the alert row (hash included), then
// inserts the hash into the dedup index, and finally runs retention
// eviction. A uniqueness violation on either insert is treated as a
// duplicate, not an error (§4.2 failure semantics).
func (s *Store) Add(c alert.Candidate) (alert.Alert, bool, error) {
	c.Normalize()
	hash := contentHash(c.SourceURL, c.Headline)

	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM alert_hashes WHERE hash = ?`, hash).Scan(&exists)
	if err == nil {
		return alert.Alert{}, false, nil
	}
	if err != sql.ErrNoRows {
		return alert.Alert{}, false, fmt.Errorf("check hash: %w", err)
	}

	ts := c.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	a := alert.Alert{
		AlertID:       mintAlertID(),
		Channel:       c.Channel,
		Priority:      c.Priority,
		Timestamp:     ts,
		Headline:      c.Headline,
		Summary:       c.Summary,
		Entities:      c.Entities,
		Tickers:       c.Tickers,
		Tokens:        c.Tokens,
		SourceURL:     c.SourceURL,
		SourceType:    c.SourceType,
		Sentiment:     c.Sentiment,
		ImpactScore:   c.ImpactScore,
		PublisherID:   c.PublisherID,
		PublisherName: c.PublisherName,
		ContentHash:   hash,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return alert.Alert{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO alerts (alert_id, channel, priority, timestamp, headline, summary,
			entities, tickers, tokens, source_url, source_type, sentiment, impact_score,
			publisher_id, publisher_name, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AlertID, string(a.Channel), string(a.Priority), a.Timestamp, a.Headline, a.Summary,
		joinList(a.Entities), joinList(a.Tickers), joinList(a.Tokens), a.SourceURL,
		string(a.SourceType), string(a.Sentiment), nullableFloat(a.ImpactScore),
		nullableString(a.PublisherID), nullableString(a.PublisherName), a.ContentHash,
	)
	if isUniqueViolation(err) {
		return alert.Alert{}, false, nil
	}
	if err != nil {
		return alert.Alert{}, false, fmt.Errorf("insert alert: %w", err)
	}

	_, err = tx.Exec(`INSERT INTO alert_hashes (hash, created_at) VALUES (?, ?)`, hash, time.Now().UTC())
	if isUniqueViolation(err) {
		return alert.Alert{}, false, nil
	}
	if err != nil {
		return alert.Alert{}, false, fmt.Errorf("insert hash: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return alert.Alert{}, false, fmt.Errorf("commit: %w", err)
	}

	s.evictOverCap()
	s.evictExpiredHashes()

	return a, true, nil
}

// evictOverCap removes the oldest-timestamp alerts until the store is
// within maxSize. Called after every successful Add while still
// holding s.mu, so it never races with a concurrent insert.
func (s *Store) evictOverCap() {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM alerts`).Scan(&count); err != nil {
		return
	}
	if count <= s.maxSize {
		return
	}
	excess := count - s.maxSize
	_, _ = s.db.Exec(`
		DELETE FROM alerts WHERE alert_id IN (
			SELECT alert_id FROM alerts ORDER BY timestamp ASC LIMIT ?
		)`, excess)
}

// evictExpiredHashes drops dedup-hash entries older than hashTTL. This
// only evicts hashes whose alert row is already gone (an evicted
// alert's hash is retained until the TTL elapses, per §4.2).
func (s *Store) evictExpiredHashes() {
	cutoff := time.Now().UTC().Add(-s.hashTTL)
	_, _ = s.db.Exec(`
		DELETE FROM alert_hashes
		WHERE created_at < ?
		AND hash NOT IN (SELECT content_hash FROM alerts)`, cutoff)
}

// Get returns the alert with the given id, or nil if none exists.
func (s *Store) Get(alertID string) (*alert.Alert, error) {
	row := s.db.QueryRow(selectColumns+` WHERE alert_id = ?`, alertID)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ByChannel returns up to limit alerts for channel, most-recent first.
func (s *Store) ByChannel(channel alert.Channel, limit int) ([]alert.Alert, error) {
	return s.query(selectColumns+` WHERE channel = ? ORDER BY timestamp DESC LIMIT ?`, string(channel), limit)
}

// ByPublisher returns up to limit alerts for publisherID, most-recent first.
func (s *Store) ByPublisher(publisherID string, limit int) ([]alert.Alert, error) {
	return s.query(selectColumns+` WHERE publisher_id = ? ORDER BY timestamp DESC LIMIT ?`, publisherID, limit)
}

// Recent returns up to limit alerts across all channels, most-recent first.
func (s *Store) Recent(limit int) ([]alert.Alert, error) {
	return s.query(selectColumns+` ORDER BY timestamp DESC LIMIT ?`, limit)
}

// Search returns up to limit alerts whose headline or summary contains
// substring, case-insensitively.
func (s *Store) Search(substring string, limit int) ([]alert.Alert, error) {
	pattern := "%" + strings.ToLower(substring) + "%"
	return s.query(selectColumns+`
		WHERE LOWER(headline) LIKE ? OR LOWER(summary) LIKE ?
		ORDER BY timestamp DESC LIMIT ?`, pattern, pattern, limit)
}

// Stats returns aggregate occupancy figures.
func (s *Store) Stats() (Stats, error) {
	st := Stats{ByChannel: map[string]int{}}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM alerts`).Scan(&st.Total); err != nil {
		return st, fmt.Errorf("count alerts: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM alert_hashes`).Scan(&st.UniqueHashes); err != nil {
		return st, fmt.Errorf("count hashes: %w", err)
	}
	rows, err := s.db.Query(`SELECT channel, COUNT(*) FROM alerts GROUP BY channel`)
	if err != nil {
		return st, fmt.Errorf("group by channel: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ch string
		var n int
		if err := rows.Scan(&ch, &n); err != nil {
			return st, err
		}
		st.ByChannel[ch] = n
	}
	return st, rows.Err()
}

const selectColumns = `
	SELECT alert_id, channel, priority, timestamp, headline, summary,
		entities, tickers, tokens, source_url, source_type, sentiment,
		impact_score, publisher_id, publisher_name, content_hash
	FROM alerts`

func (s *Store) query(q string, args ...any) ([]alert.Alert, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows so scanAlert serves both.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*alert.Alert, error) {
	var a alert.Alert
	var channel, priority, sourceType string
	var entities, tickers, tokens sql.NullString
	var sentiment, publisherID, publisherName sql.NullString
	var impact sql.NullFloat64

	err := row.Scan(&a.AlertID, &channel, &priority, &a.Timestamp, &a.Headline, &a.Summary,
		&entities, &tickers, &tokens, &a.SourceURL, &sourceType, &sentiment, &impact,
		&publisherID, &publisherName, &a.ContentHash)
	if err != nil {
		return nil, err
	}

	a.Channel = alert.Channel(channel)
	a.Priority = alert.Priority(priority)
	a.SourceType = alert.SourceType(sourceType)
	a.Entities = splitList(entities.String)
	a.Tickers = splitList(tickers.String)
	a.Tokens = splitList(tokens.String)
	if sentiment.Valid {
		a.Sentiment = alert.Sentiment(sentiment.String)
	}
	if impact.Valid {
		v := impact.Float64
		a.ImpactScore = &v
	}
	if publisherID.Valid {
		a.PublisherID = publisherID.String
	}
	if publisherName.Valid {
		a.PublisherName = publisherName.String
	}
	return &a, nil
}

func joinList(items []string) string {
	return strings.Join(items, "\x1f")
}

func splitList(s string) []string {
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

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
