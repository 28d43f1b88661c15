// Package query implements the read-only historical query surface
// (§6 ListChannels/ListAlerts/GetAlert) as a thin pass-through over
// internal/alertstore's read methods.
package query

import (
	"fmt"

	"github.com/nugget/pulsewire/internal/alert"
	"github.com/nugget/pulsewire/internal/alertstore"
)

// DefaultLimit and MaxLimit bound ListAlerts when the caller omits or
// over-requests a page size.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Service answers historical alert queries.
type Service struct {
	store *alertstore.Store
}

// New wraps store as a query service.
func New(store *alertstore.Store) *Service {
	return &Service{store: store}
}

// Channels returns the fixed channel enumeration.
func (s *Service) Channels() []alert.Channel {
	return alert.AllChannels
}

// ListAlerts returns up to limit alerts, most-recent first, optionally
// filtered to a single channel. An empty channel returns alerts across
// all channels. limit <= 0 uses DefaultLimit; limit is capped at MaxLimit.
func (s *Service) ListAlerts(channel alert.Channel, limit int) ([]alert.Alert, error) {
	limit = clampLimit(limit)
	if channel == "" {
		return s.store.Recent(limit)
	}
	return s.store.ByChannel(channel, limit)
}

// GetAlert returns the alert with the given id, or nil if none exists.
func (s *Service) GetAlert(alertID string) (*alert.Alert, error) {
	return s.store.Get(alertID)
}

// Search returns up to limit alerts whose headline or summary contains
// substring, case-insensitively.
func (s *Service) Search(substring string, limit int) ([]alert.Alert, error) {
	if substring == "" {
		return nil, fmt.Errorf("query: search substring is required")
	}
	return s.store.Search(substring, clampLimit(limit))
}

// PublisherAlerts returns up to limit alerts attributed to publisherID,
// most-recent first.
func (s *Service) PublisherAlerts(publisherID string, limit int) ([]alert.Alert, error) {
	return s.store.ByPublisher(publisherID, clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
