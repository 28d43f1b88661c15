package distribution

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/pulsewire/internal/alert"
	"github.com/nugget/pulsewire/internal/subscriberregistry"
)

func setupFabric(t *testing.T, cfg Config) (*Fabric, *subscriberregistry.Registry) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	subs, err := subscriberregistry.New(db, nil)
	if err != nil {
		t.Fatalf("new subscriber registry: %v", err)
	}

	return New(subs, cfg, nil), subs
}

func sampleAlert() alert.Alert {
	return alert.Alert{
		AlertID:  "alert_test",
		Channel:  alert.ChannelDeFiHacks,
		Priority: alert.PriorityHigh,
		Headline: "Protocol X drained of $10M",
		Summary:  "Flash-loan oracle manipulation drained the pool.",
	}
}

func TestConnect_UnknownSubscriber(t *testing.T) {
	f, _ := setupFabric(t, Config{TrialMode: true})

	_, err := f.Connect("nonexistent")
	if err == nil {
		t.Fatal("expected error connecting unknown subscriber")
	}
}

func TestConnect_SendsConnectedFrame(t *testing.T) {
	f, subs := setupFabric(t, Config{TrialMode: true})

	sub, err := subs.Subscribe(context.Background(), subscriberregistry.SubscribeParams{Channels: []string{"defi/hacks"}})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	stream, err := f.Connect(sub.ID)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case frame := <-stream.Send():
		if frame.Type != FrameConnected {
			t.Errorf("frame.Type = %v, want connected", frame.Type)
		}
		if frame.SubscriberID != sub.ID {
			t.Errorf("frame.SubscriberID = %q, want %q", frame.SubscriberID, sub.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a connected frame")
	}
}

func TestDistribute_ChannelFanOut(t *testing.T) {
	f, subs := setupFabric(t, Config{TrialMode: true})

	matching, err := subs.Subscribe(context.Background(), subscriberregistry.SubscribeParams{Channels: []string{"defi/hacks"}})
	if err != nil {
		t.Fatalf("Subscribe matching: %v", err)
	}
	other, err := subs.Subscribe(context.Background(), subscriberregistry.SubscribeParams{Channels: []string{"defi/yields"}})
	if err != nil {
		t.Fatalf("Subscribe other: %v", err)
	}

	matchingStream, err := f.Connect(matching.ID)
	if err != nil {
		t.Fatalf("Connect matching: %v", err)
	}
	otherStream, err := f.Connect(other.ID)
	if err != nil {
		t.Fatalf("Connect other: %v", err)
	}
	<-matchingStream.Send() // drain connected frame
	<-otherStream.Send()

	delivered, err := f.Distribute(sampleAlert())
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	if len(delivered) != 1 || delivered[0] != matching.ID {
		t.Fatalf("delivered = %v, want [%s]", delivered, matching.ID)
	}

	select {
	case frame := <-matchingStream.Send():
		if frame.Type != FrameAlert {
			t.Errorf("frame.Type = %v, want alert", frame.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected matching subscriber to receive an alert frame")
	}

	select {
	case frame := <-otherStream.Send():
		t.Fatalf("expected no frame for non-matching subscriber, got %+v", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDistribute_TrialModeNoCharge(t *testing.T) {
	f, subs := setupFabric(t, Config{TrialMode: true})

	sub, err := subs.Subscribe(context.Background(), subscriberregistry.SubscribeParams{Channels: []string{"defi/hacks"}})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	stream, err := f.Connect(sub.ID)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-stream.Send()

	if _, err := f.Distribute(sampleAlert()); err != nil {
		t.Fatalf("Distribute: %v", err)
	}

	frame := <-stream.Send()
	if frame.Charged != 0 {
		t.Errorf("Charged = %v, want 0 in trial mode", frame.Charged)
	}
}

func TestDistribute_LowBalanceSendsWarning(t *testing.T) {
	f, subs := setupFabric(t, Config{TrialMode: false, PricePerAlert: 5})

	sub, err := subs.Subscribe(context.Background(), subscriberregistry.SubscribeParams{Channels: []string{"defi/hacks"}})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	stream, err := f.Connect(sub.ID)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-stream.Send()

	delivered, err := f.Distribute(sampleAlert())
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	if len(delivered) != 0 {
		t.Errorf("expected no delivery on insufficient balance, got %v", delivered)
	}

	select {
	case frame := <-stream.Send():
		if frame.Type != FrameWarning || frame.Code != WarnLowBalance {
			t.Errorf("expected LOW_BALANCE warning, got %+v", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a low-balance warning frame")
	}
}

func TestDisconnect_RemovesStream(t *testing.T) {
	f, subs := setupFabric(t, Config{TrialMode: true})

	sub, err := subs.Subscribe(context.Background(), subscriberregistry.SubscribeParams{Channels: []string{"defi/hacks"}})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	stream, err := f.Connect(sub.ID)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-stream.Send()

	f.Disconnect(stream)

	if _, err := f.Distribute(sampleAlert()); err != nil {
		t.Fatalf("Distribute: %v", err)
	}

	// The stream's send channel should now be closed; reading drains
	// immediately with ok=false rather than blocking.
	select {
	case _, ok := <-stream.Send():
		if ok {
			t.Error("expected closed channel after Disconnect")
		}
	case <-time.After(time.Second):
		t.Fatal("expected channel to be closed, not blocked")
	}
}

func TestReceive_UpdatesChannelMirror(t *testing.T) {
	f, subs := setupFabric(t, Config{TrialMode: true})

	sub, err := subs.Subscribe(context.Background(), subscriberregistry.SubscribeParams{Channels: []string{"defi/hacks"}})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	stream, err := f.Connect(sub.ID)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-stream.Send()

	if err := f.Receive(stream, []string{"defi/yields"}); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if _, err := f.Distribute(sampleAlert()); err != nil {
		t.Fatalf("Distribute: %v", err)
	}

	select {
	case frame := <-stream.Send():
		t.Fatalf("expected no alert after channel moved away, got %+v", frame)
	case <-time.After(50 * time.Millisecond):
	}
}
