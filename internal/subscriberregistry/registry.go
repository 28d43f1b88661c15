// Package subscriberregistry manages subscriber identity, channel
// subscriptions, and balance accounting (§4.4). A persisted SQLite
// table backs the subscriber records; an in-memory channel index
// mirrors each subscriber's channel set for fast ForChannel lookups,
// following the set-membership index idiom used elsewhere in this
// tree for list-style membership tables.
package subscriberregistry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// BalanceOracle is the external authoritative-balance source
// (internal/chainmirror). A nil oracle means every subscriber is
// local-only.
type BalanceOracle interface {
	GetBalance(ctx context.Context, walletAddress string) (balance float64, alertsReceived int64, active bool, ok bool)
}

// Subscriber is a registered alert recipient.
type Subscriber struct {
	ID             string
	Channels       []string
	Balance        float64
	AlertsReceived int64
	Active         bool
	OnChain        bool
	WalletAddress  string
	WebhookURL     string
}

// SubscribeParams are the caller-supplied fields for Subscribe.
type SubscribeParams struct {
	Channels      []string
	WalletAddress string
	WebhookURL    string
}

// Registry is a SQLite-backed subscriber store with an in-memory
// channel index. The caller owns the *sql.DB and its driver choice,
// matching internal/alertstore and internal/publisherregistry.
type Registry struct {
	db     *sql.DB
	oracle BalanceOracle

	mu      sync.RWMutex
	byChan  map[string]map[string]bool // channel -> subscriberId set, active only
}

// New wraps db as a subscriber registry, running migrations and
// rebuilding the in-memory channel index from persisted rows. oracle
// may be nil if no chain mirror is configured.
func New(db *sql.DB, oracle BalanceOracle) (*Registry, error) {
	r := &Registry{db: db, oracle: oracle, byChan: make(map[string]map[string]bool)}
	if err := r.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := r.rebuildIndex(); err != nil {
		return nil, fmt.Errorf("rebuild channel index: %w", err)
	}
	return r, nil
}

func (r *Registry) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscribers (
		id              TEXT PRIMARY KEY,
		channels        TEXT NOT NULL,
		balance         REAL NOT NULL DEFAULT 0,
		alerts_received INTEGER NOT NULL DEFAULT 0,
		active          BOOLEAN NOT NULL DEFAULT 1,
		on_chain        BOOLEAN NOT NULL DEFAULT 0,
		wallet_address  TEXT UNIQUE,
		webhook_url     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_subscribers_wallet ON subscribers(wallet_address);
	`
	_, err := r.db.Exec(schema)
	return err
}

func (r *Registry) rebuildIndex() error {
	rows, err := r.db.Query(`SELECT id, channels, active FROM subscribers`)
	if err != nil {
		return err
	}
	defer rows.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	for rows.Next() {
		var id, channels string
		var active bool
		if err := rows.Scan(&id, &channels, &active); err != nil {
			return err
		}
		if active {
			r.indexSubscriberLocked(id, splitChannels(channels))
		}
	}
	return rows.Err()
}

func (r *Registry) indexSubscriberLocked(id string, channels []string) {
	for _, c := range channels {
		set, ok := r.byChan[c]
		if !ok {
			set = make(map[string]bool)
			r.byChan[c] = set
		}
		set[id] = true
	}
}

func (r *Registry) deindexSubscriberLocked(id string, channels []string) {
	for _, c := range channels {
		if set, ok := r.byChan[c]; ok {
			delete(set, id)
		}
	}
}

// Subscribe registers (or, for an existing wallet, updates) a
// subscriber. If walletAddress is supplied and already maps to a live
// subscriber, that subscriber's channel set is replaced and the record
// returned (idempotent). If an oracle is configured and reachable and
// reports a mirrored record for the wallet, balance/alertsReceived/
// active/onChain are populated from it; otherwise the subscriber is
// local-only.
func (r *Registry) Subscribe(ctx context.Context, p SubscribeParams) (*Subscriber, error) {
	if len(p.Channels) == 0 {
		return nil, fmt.Errorf("subscriber must request at least one channel")
	}

	if p.WalletAddress != "" {
		existing, err := r.GetByWallet(p.WalletAddress)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return r.UpdateChannels(existing.ID, p.Channels)
		}
	}

	s := &Subscriber{
		ID:            uuid.NewString(),
		Channels:      p.Channels,
		Active:        true,
		WalletAddress: p.WalletAddress,
		WebhookURL:    p.WebhookURL,
	}

	if p.WalletAddress != "" && r.oracle != nil {
		if bal, received, active, ok := r.oracle.GetBalance(ctx, p.WalletAddress); ok {
			s.Balance = bal
			s.AlertsReceived = received
			s.Active = active
			s.OnChain = true
		}
	}

	_, err := r.db.Exec(`
		INSERT INTO subscribers (id, channels, balance, alerts_received, active, on_chain, wallet_address, webhook_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, joinChannels(s.Channels), s.Balance, s.AlertsReceived, s.Active, s.OnChain,
		nullableString(s.WalletAddress), nullableString(s.WebhookURL),
	)
	if err != nil {
		return nil, fmt.Errorf("insert subscriber: %w", err)
	}

	if s.Active {
		r.mu.Lock()
		r.indexSubscriberLocked(s.ID, s.Channels)
		r.mu.Unlock()
	}

	return s, nil
}

// Get returns the subscriber with the given id, or nil if none exists.
func (r *Registry) Get(id string) (*Subscriber, error) {
	return r.scanOne(`SELECT id, channels, balance, alerts_received, active, on_chain, wallet_address, webhook_url
		FROM subscribers WHERE id = ?`, id)
}

// GetByWallet returns the subscriber keyed by walletAddress, or nil.
func (r *Registry) GetByWallet(walletAddress string) (*Subscriber, error) {
	return r.scanOne(`SELECT id, channels, balance, alerts_received, active, on_chain, wallet_address, webhook_url
		FROM subscribers WHERE wallet_address = ?`, walletAddress)
}

// GetBalance returns id's balance, re-consulting the chain mirror when
// the subscriber is wallet-bound and an oracle is configured (§4.4).
// The local mirror is updated on a successful oracle read; on an
// unreachable oracle or a local-only subscriber, the cached record is
// returned unchanged.
func (r *Registry) GetBalance(ctx context.Context, id string) (*Subscriber, error) {
	current, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if current == nil || current.WalletAddress == "" || r.oracle == nil {
		return current, nil
	}

	bal, received, active, ok := r.oracle.GetBalance(ctx, current.WalletAddress)
	if !ok {
		return current, nil
	}

	if _, err := r.db.Exec(`UPDATE subscribers SET balance = ?, alerts_received = ?, active = ?, on_chain = 1 WHERE id = ?`,
		bal, received, active, id,
	); err != nil {
		return nil, fmt.Errorf("update balance mirror: %w", err)
	}

	if current.Active != active {
		r.mu.Lock()
		if active {
			r.indexSubscriberLocked(id, current.Channels)
		} else {
			r.deindexSubscriberLocked(id, current.Channels)
		}
		r.mu.Unlock()
	}

	current.Balance = bal
	current.AlertsReceived = received
	current.Active = active
	current.OnChain = true
	return current, nil
}

// ForChannel returns all active subscribers subscribed to channel.
func (r *Registry) ForChannel(channel string) ([]Subscriber, error) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byChan[channel]))
	for id := range r.byChan[channel] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		s, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		if s != nil && s.Active {
			out = append(out, *s)
		}
	}
	return out, nil
}

// UpdateChannels replaces id's channel set, re-indexing atomically
// with respect to the in-memory channel index.
func (r *Registry) UpdateChannels(id string, channels []string) (*Subscriber, error) {
	current, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}

	if _, err := r.db.Exec(`UPDATE subscribers SET channels = ? WHERE id = ?`, joinChannels(channels), id); err != nil {
		return nil, fmt.Errorf("update channels: %w", err)
	}

	r.mu.Lock()
	r.deindexSubscriberLocked(id, current.Channels)
	if current.Active {
		r.indexSubscriberLocked(id, channels)
	}
	r.mu.Unlock()

	current.Channels = channels
	return current, nil
}

// Charge atomically debits amount from id's balance if sufficient,
// incrementing alertsReceived. Returns false without side effect if
// the balance is insufficient.
func (r *Registry) Charge(id string, amount float64) (bool, error) {
	if amount == 0 {
		res, err := r.db.Exec(`UPDATE subscribers SET alerts_received = alerts_received + 1 WHERE id = ? AND active = 1`, id)
		if err != nil {
			return false, err
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}

	res, err := r.db.Exec(`
		UPDATE subscribers
		SET balance = balance - ?, alerts_received = alerts_received + 1
		WHERE id = ? AND active = 1 AND balance >= ?`, amount, id, amount)
	if err != nil {
		return false, fmt.Errorf("charge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Deposit credits amount to id's balance. Returns the updated
// subscriber, or nil if id does not exist.
func (r *Registry) Deposit(id string, amount float64) (*Subscriber, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive")
	}

	res, err := r.db.Exec(`UPDATE subscribers SET balance = balance + ? WHERE id = ?`, amount, id)
	if err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	return r.Get(id)
}

// Deactivate marks a subscriber inactive and removes it from the
// channel index. Returns false if the subscriber does not exist.
func (r *Registry) Deactivate(id string) (bool, error) {
	current, err := r.Get(id)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}

	if _, err := r.db.Exec(`UPDATE subscribers SET active = 0 WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("deactivate: %w", err)
	}

	r.mu.Lock()
	r.deindexSubscriberLocked(id, current.Channels)
	r.mu.Unlock()

	return true, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) scanOne(query string, args ...any) (*Subscriber, error) {
	var s Subscriber
	var channels, wallet, webhook sql.NullString
	err := r.db.QueryRow(query, args...).Scan(
		&s.ID, &channels, &s.Balance, &s.AlertsReceived, &s.Active, &s.OnChain, &wallet, &webhook,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.Channels = splitChannels(channels.String)
	s.WalletAddress = wallet.String
	s.WebhookURL = webhook.String
	return &s, nil
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
