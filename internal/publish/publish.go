// Package publish implements authenticated publisher ingress (§4.7):
// bearer-key authentication against the publisher registry, request
// validation, channel authorization, store admission, and fan-out
// through the distribution fabric, with reputation accounting on
// every successful delivery.
package publish

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/nugget/pulsewire/internal/alert"
	"github.com/nugget/pulsewire/internal/alertstore"
	"github.com/nugget/pulsewire/internal/brokererr"
	"github.com/nugget/pulsewire/internal/distribution"
	"github.com/nugget/pulsewire/internal/events"
	"github.com/nugget/pulsewire/internal/publisherregistry"
)

// Request is the caller-supplied payload for a publish call, matching
// the Publish request fields of §4.7.
type Request struct {
	Channel     alert.Channel
	Priority    alert.Priority
	Headline    string
	Summary     string
	SourceURL   string
	Entities    []string
	Tickers     []string
	Tokens      []string
	Sentiment   alert.Sentiment
	ImpactScore *float64
}

// Result is the successful outcome of a publish call.
type Result struct {
	Alert          alert.Alert
	DeliveredCount int
}

// Service wires the publisher registry, alert store, and distribution
// fabric together to implement the Publish algorithm end to end.
type Service struct {
	registry *publisherregistry.Registry
	store    *alertstore.Store
	fabric   *distribution.Fabric
	logger   *slog.Logger
	events   *events.Bus
}

// SetEvents attaches an event bus for operational observability. Safe
// to leave unset; events.Bus is nil-safe on a nil receiver.
func (s *Service) SetEvents(b *events.Bus) {
	s.events = b
}

// New builds a publish service over the given collaborators.
func New(registry *publisherregistry.Registry, store *alertstore.Store, fabric *distribution.Fabric, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{registry: registry, store: store, fabric: fabric, logger: logger}
}

// Publish authenticates bearerKey, validates and authorizes req, and
// if accepted, admits it to the alert store and fans it out through
// the distribution fabric. It implements §4.7 steps 1-8 in order.
func (s *Service) Publish(bearerKey string, req Request) (Result, error) {
	pub, err := s.registry.Authenticate(bearerKey)
	if err != nil {
		return Result{}, fmt.Errorf("authenticate: %w", err)
	}
	if pub == nil {
		s.rejected("", "unauthorized")
		return Result{}, brokererr.New(brokererr.Unauthorized, "unknown or inactive publisher key")
	}

	if reason := validate(req); reason != "" {
		s.rejected(pub.ID, reason)
		return Result{}, brokererr.New(brokererr.BadRequest, "%s", reason)
	}

	canPublish, err := s.registry.CanPublish(pub.ID, string(req.Channel))
	if err != nil {
		return Result{}, fmt.Errorf("check channel authorization: %w", err)
	}
	if !canPublish {
		s.rejected(pub.ID, "channel not authorized")
		return Result{}, brokererr.Forbiddenf(pub.Channels, "channel %q not authorized, publisher may use: %v", req.Channel, pub.Channels)
	}

	priority := req.Priority
	if priority == "" {
		priority = alert.PriorityMedium
	}

	candidate := alert.Candidate{
		Channel:       req.Channel,
		Priority:      priority,
		Headline:      req.Headline,
		Summary:       req.Summary,
		SourceURL:     req.SourceURL,
		Entities:      req.Entities,
		Tickers:       req.Tickers,
		Tokens:        req.Tokens,
		Sentiment:     req.Sentiment,
		ImpactScore:   req.ImpactScore,
		SourceType:    alert.SourceAgent,
		PublisherID:   pub.ID,
		PublisherName: pub.Name,
	}

	accepted, ok, err := s.store.Add(candidate)
	if err != nil {
		return Result{}, fmt.Errorf("store add: %w", err)
	}
	if !ok {
		s.rejected(pub.ID, "duplicate alert")
		return Result{}, brokererr.New(brokererr.Conflict, "duplicate alert")
	}

	if err := s.registry.IncrementPublished(pub.ID); err != nil {
		s.logger.Error("increment published failed", "publisherId", pub.ID, "error", err)
	}

	recipients, err := s.fabric.Distribute(accepted)
	if err != nil {
		s.logger.Error("distribute failed", "alertId", accepted.AlertID, "error", err)
	}

	for range recipients {
		if err := s.registry.IncrementConsumed(pub.ID); err != nil {
			s.logger.Error("increment consumed failed", "publisherId", pub.ID, "error", err)
		}
	}

	s.events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourcePublish,
		Kind:      events.KindPublishAccepted,
		Data: map[string]any{
			"publisherId": pub.ID,
			"alertId":     accepted.AlertID,
			"channel":     string(accepted.Channel),
			"delivered":   len(recipients),
		},
	})

	return Result{Alert: accepted, DeliveredCount: len(recipients)}, nil
}

func (s *Service) rejected(publisherID, reason string) {
	s.events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourcePublish,
		Kind:      events.KindPublishRejected,
		Data:      map[string]any{"publisherId": publisherID, "reason": reason},
	})
}

// validate applies §4.7 step 2's length, enum, and URL checks,
// returning a non-empty reason string on the first failure.
func validate(req Request) string {
	if len(req.Headline) < alert.MinHeadlineLen {
		return fmt.Sprintf("headline must be at least %d characters", alert.MinHeadlineLen)
	}
	if len(req.Headline) > alert.MaxHeadlineLen {
		return fmt.Sprintf("headline must be at most %d characters", alert.MaxHeadlineLen)
	}
	if len(req.Summary) < alert.MinSummaryLen {
		return fmt.Sprintf("summary must be at least %d characters", alert.MinSummaryLen)
	}
	if len(req.Summary) > alert.MaxSummaryLen {
		return fmt.Sprintf("summary must be at most %d characters", alert.MaxSummaryLen)
	}
	if !alert.ValidChannel(req.Channel) {
		return fmt.Sprintf("unknown channel %q", req.Channel)
	}
	if req.SourceURL == "" {
		return "sourceUrl is required"
	}
	u, err := url.Parse(req.SourceURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Sprintf("sourceUrl %q does not parse as an absolute URL", req.SourceURL)
	}
	return ""
}
