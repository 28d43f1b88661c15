// Package distribution implements the live-stream fan-out fabric
// (§4.5): per-subscriber live streams, channel-matched delivery, and
// charging. It generalizes the non-blocking broadcast idiom of
// internal/events.Bus (buffered channel per subscriber, select/default
// drop-on-full) from a single global broadcast to a channel-indexed,
// multi-recipient fan-out with consolidated backpressure warnings.
package distribution

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/pulsewire/internal/alert"
	"github.com/nugget/pulsewire/internal/events"
	"github.com/nugget/pulsewire/internal/subscriberregistry"
)

// FrameType enumerates the server-to-client frame kinds on a live
// stream. Inbound update_channels frames are decoded by the HTTP layer
// and handed to Receive; they have no FrameType here.
type FrameType string

const (
	FrameConnected FrameType = "connected"
	FrameAlert     FrameType = "alert"
	FrameWarning   FrameType = "warning"
	FrameError     FrameType = "error"
)

// Warning codes carried on a FrameWarning.
const (
	WarnLowBalance   = "LOW_BALANCE"
	WarnBackpressure = "BACKPRESSURE"
)

// Frame is a single message sent down a live stream.
type Frame struct {
	Type         FrameType    `json:"type"`
	SubscriberID string       `json:"subscriberId,omitempty"`
	Channels     []string     `json:"channels,omitempty"`
	Alert        *alert.Alert `json:"data,omitempty"`
	Charged      float64      `json:"charged,omitempty"`
	Code         string       `json:"code,omitempty"`
	Message      string       `json:"message,omitempty"`
}

// Stream is one live connection bound to a subscriber. The fabric owns
// the send side; the HTTP layer owns the underlying transport
// (typically a gorilla/websocket connection) and drains Send.
type Stream struct {
	ID           string
	SubscriberID string

	send chan Frame

	mu                 sync.Mutex
	channels           []string
	lastBackpressureAt time.Time
}

// Send returns the channel the stream's writer goroutine should drain.
func (s *Stream) Send() <-chan Frame {
	return s.send
}

func (s *Stream) channelSet() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels
}

func (s *Stream) hasChannel(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.channels {
		if c == channel {
			return true
		}
	}
	return false
}

func (s *Stream) setChannels(channels []string) {
	s.mu.Lock()
	s.channels = channels
	s.mu.Unlock()
}

// Fabric is the process-wide distribution fan-out fabric. One instance
// is constructed at startup and shared by every HTTP stream handler
// and the publisher ingress path.
type Fabric struct {
	subs                 *subscriberregistry.Registry
	trialMode            bool
	pricePerAlert        float64
	bufferSize           int
	backpressureInterval time.Duration
	logger               *slog.Logger
	events               *events.Bus

	mu           sync.RWMutex
	streams      map[string]*Stream            // streamId -> stream
	bySubscriber map[string]map[string]*Stream // subscriberId -> streamId -> stream
}

// Config bundles the distribution-fabric tunables from configuration.
type Config struct {
	TrialMode            bool
	PricePerAlert        float64
	StreamBufferSize     int
	BackpressureInterval time.Duration
}

// New constructs a Fabric bound to the given subscriber registry.
func New(subs *subscriberregistry.Registry, cfg Config, logger *slog.Logger) *Fabric {
	if logger == nil {
		logger = slog.Default()
	}
	bufSize := cfg.StreamBufferSize
	if bufSize <= 0 {
		bufSize = 64
	}
	interval := cfg.BackpressureInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Fabric{
		subs:                 subs,
		trialMode:            cfg.TrialMode,
		pricePerAlert:        cfg.PricePerAlert,
		bufferSize:           bufSize,
		backpressureInterval: interval,
		logger:               logger,
		streams:              make(map[string]*Stream),
		bySubscriber:         make(map[string]map[string]*Stream),
	}
}

// SetEvents attaches an event bus for operational observability. Safe
// to leave unset; events.Bus is nil-safe on a nil receiver.
func (f *Fabric) SetEvents(b *events.Bus) {
	f.events = b
}

// Connect authenticates subscriberID and, if known and active,
// registers a new live stream and enqueues a connected frame listing
// the subscriber's channels. Returns an error if the subscriber is
// unknown or inactive; the caller is expected to send an error frame
// and close the transport in that case.
func (f *Fabric) Connect(subscriberID string) (*Stream, error) {
	sub, err := f.subs.Get(subscriberID)
	if err != nil {
		return nil, fmt.Errorf("lookup subscriber: %w", err)
	}
	if sub == nil || !sub.Active {
		return nil, fmt.Errorf("unknown or inactive subscriber: %s", subscriberID)
	}

	stream := &Stream{
		ID:           uuid.NewString(),
		SubscriberID: subscriberID,
		channels:     sub.Channels,
		send:         make(chan Frame, f.bufferSize),
	}

	f.mu.Lock()
	f.streams[stream.ID] = stream
	if f.bySubscriber[subscriberID] == nil {
		f.bySubscriber[subscriberID] = make(map[string]*Stream)
	}
	f.bySubscriber[subscriberID][stream.ID] = stream
	f.mu.Unlock()

	f.enqueue(stream, Frame{Type: FrameConnected, SubscriberID: subscriberID, Channels: sub.Channels})
	f.events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceDistribution,
		Kind:      events.KindSubscriberConnected,
		Data:      map[string]any{"subscriberId": subscriberID},
	})
	return stream, nil
}

// Receive handles an inbound update_channels frame from the client
// bound to stream: it updates the subscriber registry and mirrors the
// new channel set onto the stream.
func (f *Fabric) Receive(stream *Stream, channels []string) error {
	if _, err := f.subs.UpdateChannels(stream.SubscriberID, channels); err != nil {
		return fmt.Errorf("update channels: %w", err)
	}
	stream.setChannels(channels)
	return nil
}

// Disconnect removes stream from the fabric. Safe to call more than
// once; subsequent calls are no-ops.
func (f *Fabric) Disconnect(stream *Stream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.streams[stream.ID]; !ok {
		return
	}
	delete(f.streams, stream.ID)
	if set, ok := f.bySubscriber[stream.SubscriberID]; ok {
		delete(set, stream.ID)
		if len(set) == 0 {
			delete(f.bySubscriber, stream.SubscriberID)
		}
	}
	close(stream.send)
	f.events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceDistribution,
		Kind:      events.KindSubscriberDisconnected,
		Data:      map[string]any{"subscriberId": stream.SubscriberID},
	})
}

// Distribute fans alert out to every active subscriber of its channel
// that has a live stream on that channel, charging each one (unless
// trial mode is active) and returns the ids of the subscribers the
// alert frame was handed to. Subscribers with no such stream are
// neither charged nor returned. A frame dropped because a stream's
// buffer is full still counts as delivered. A charge failure skips
// delivery to that subscriber and sends a LOW_BALANCE warning instead;
// it is not a routing failure — the alert remains available via the
// historical query surface.
func (f *Fabric) Distribute(a alert.Alert) ([]string, error) {
	recipients, err := f.subs.ForChannel(string(a.Channel))
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}

	var delivered []string
	for _, sub := range recipients {
		f.mu.RLock()
		live := false
		for _, s := range f.bySubscriber[sub.ID] {
			if s.hasChannel(string(a.Channel)) {
				live = true
				break
			}
		}
		f.mu.RUnlock()
		if !live {
			continue
		}

		charged := 0.0
		if !f.trialMode && f.pricePerAlert > 0 {
			ok, err := f.subs.Charge(sub.ID, f.pricePerAlert)
			if err != nil {
				f.logger.Error("charge failed", "subscriber", sub.ID, "error", err)
				continue
			}
			if !ok {
				f.broadcastToSubscriber(sub.ID, Frame{Type: FrameWarning, Code: WarnLowBalance, Message: "insufficient balance"})
				continue
			}
			charged = f.pricePerAlert
		} else {
			if _, err := f.subs.Charge(sub.ID, 0); err != nil {
				f.logger.Error("delivery count update failed", "subscriber", sub.ID, "error", err)
			}
		}

		f.broadcastToSubscriber(sub.ID, Frame{Type: FrameAlert, Alert: &a, Charged: charged})
		delivered = append(delivered, sub.ID)
	}

	return delivered, nil
}

func (f *Fabric) broadcastToSubscriber(subscriberID string, frame Frame) {
	f.mu.RLock()
	streams := make([]*Stream, 0, len(f.bySubscriber[subscriberID]))
	for _, s := range f.bySubscriber[subscriberID] {
		streams = append(streams, s)
	}
	f.mu.RUnlock()

	for _, s := range streams {
		if frame.Type == FrameAlert && !s.hasChannel(string(frame.Alert.Channel)) {
			continue
		}
		f.enqueue(s, frame)
	}
}

// enqueue performs a non-blocking send on stream.send. If the buffer
// is full, the frame is dropped and a consolidated BACKPRESSURE
// warning is sent at most once per backpressureInterval, rather than
// once per dropped frame.
func (f *Fabric) enqueue(s *Stream, frame Frame) {
	select {
	case s.send <- frame:
	default:
		f.warnBackpressure(s)
	}
}

func (f *Fabric) warnBackpressure(s *Stream) {
	s.mu.Lock()
	due := time.Since(s.lastBackpressureAt) > f.backpressureInterval
	if due {
		s.lastBackpressureAt = time.Now()
	}
	s.mu.Unlock()

	if !due {
		return
	}
	select {
	case s.send <- (Frame{Type: FrameWarning, Code: WarnBackpressure, Message: "stream buffer full, alerts dropped"}):
	default:
		// Even the warning couldn't be enqueued; the consumer is badly
		// behind. Nothing more to do without blocking the fabric.
	}
}
