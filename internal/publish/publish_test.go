package publish

import (
	"database/sql"
	"errors"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nugget/pulsewire/internal/alert"
	"github.com/nugget/pulsewire/internal/alertstore"
	"github.com/nugget/pulsewire/internal/brokererr"
	"github.com/nugget/pulsewire/internal/distribution"
	"github.com/nugget/pulsewire/internal/publisherregistry"
	"github.com/nugget/pulsewire/internal/subscriberregistry"
)

func setupService(t *testing.T) (*Service, *publisherregistry.Registry) {
	t.Helper()

	pubDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open publisher db: %v", err)
	}
	t.Cleanup(func() { pubDB.Close() })
	registry, err := publisherregistry.New(pubDB)
	if err != nil {
		t.Fatalf("new publisherregistry: %v", err)
	}

	storeDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open store db: %v", err)
	}
	t.Cleanup(func() { storeDB.Close() })
	store, err := alertstore.New(storeDB, 10000, 0)
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

	return New(registry, store, fabric, nil), registry
}

func validRequest() Request {
	return Request{
		Channel:   alert.ChannelDeFiHacks,
		Priority:  alert.PriorityHigh,
		Headline:  "Protocol Z exploited for $4M",
		Summary:   "An oracle manipulation attack drained the lending pool overnight.",
		SourceURL: "https://example.com/reports/protocol-z",
	}
}

func TestPublish_UnauthorizedKey(t *testing.T) {
	svc, _ := setupService(t)

	_, err := svc.Publish("bogus-key", validRequest())
	var brokerErr *brokererr.Error
	if !errors.As(err, &brokerErr) || brokerErr.Kind != brokererr.Unauthorized {
		t.Fatalf("err = %v, want brokererr.Unauthorized", err)
	}
}

func TestPublish_Success(t *testing.T) {
	svc, registry := setupService(t)

	reg, err := registry.Register(publisherregistry.Params{
		Name:     "chain-sentinel",
		Channels: []string{string(alert.ChannelDeFiHacks)},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	result, err := svc.Publish(reg.PlaintextKey, validRequest())
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if result.Alert.AlertID == "" {
		t.Fatal("expected a minted alert id")
	}
	if result.Alert.PublisherID != reg.Publisher.ID {
		t.Errorf("publisherId = %q, want %q", result.Alert.PublisherID, reg.Publisher.ID)
	}

	updated, err := registry.Get(reg.Publisher.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.AlertsPublished != 1 {
		t.Errorf("alertsPublished = %d, want 1", updated.AlertsPublished)
	}
}

func TestPublish_ForbiddenChannel(t *testing.T) {
	svc, registry := setupService(t)

	reg, err := registry.Register(publisherregistry.Params{
		Name:     "sec-only-source",
		Channels: []string{string(alert.ChannelRegulatorySEC)},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err = svc.Publish(reg.PlaintextKey, validRequest())
	var brokerErr *brokererr.Error
	if !errors.As(err, &brokerErr) || brokerErr.Kind != brokererr.Forbidden {
		t.Fatalf("err = %v, want brokererr.Forbidden", err)
	}
	if len(brokerErr.Channels) != 1 || brokerErr.Channels[0] != string(alert.ChannelRegulatorySEC) {
		t.Errorf("Channels = %v", brokerErr.Channels)
	}
}

func TestPublish_DuplicateIsConflict(t *testing.T) {
	svc, registry := setupService(t)

	reg, err := registry.Register(publisherregistry.Params{
		Name:     "dup-source",
		Channels: []string{string(alert.ChannelDeFiHacks)},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	req := validRequest()
	if _, err := svc.Publish(reg.PlaintextKey, req); err != nil {
		t.Fatalf("first Publish: %v", err)
	}
	_, err = svc.Publish(reg.PlaintextKey, req)
	var brokerErr *brokererr.Error
	if !errors.As(err, &brokerErr) || brokerErr.Kind != brokererr.Conflict {
		t.Fatalf("second Publish err = %v, want brokererr.Conflict", err)
	}
}

func TestPublish_ValidationFailures(t *testing.T) {
	svc, registry := setupService(t)

	reg, err := registry.Register(publisherregistry.Params{
		Name:     "validation-source",
		Channels: []string{string(alert.ChannelDeFiHacks)},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	cases := []struct {
		name string
		mut  func(r Request) Request
	}{
		{"short headline", func(r Request) Request { r.Headline = "too short"; return r }},
		{"long headline", func(r Request) Request { r.Headline = strings.Repeat("x", alert.MaxHeadlineLen+1); return r }},
		{"short summary", func(r Request) Request { r.Summary = "too short"; return r }},
		{"long summary", func(r Request) Request { r.Summary = strings.Repeat("x", alert.MaxSummaryLen+1); return r }},
		{"unknown channel", func(r Request) Request { r.Channel = alert.Channel("not/a/channel"); return r }},
		{"missing source url", func(r Request) Request { r.SourceURL = ""; return r }},
		{"malformed source url", func(r Request) Request { r.SourceURL = "not-a-url"; return r }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Publish(reg.PlaintextKey, tc.mut(validRequest()))
			var brokerErr *brokererr.Error
			if !errors.As(err, &brokerErr) || brokerErr.Kind != brokererr.BadRequest {
				t.Fatalf("err = %v, want brokererr.BadRequest", err)
			}
		})
	}
}
