package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/pulsewire/internal/alert"
	"github.com/nugget/pulsewire/internal/config"
	"github.com/nugget/pulsewire/internal/mqtt"
)

// whaleMovementPayload is the expected JSON shape of a message on the
// configured MQTT topic, as published by an external chain indexer.
type whaleMovementPayload struct {
	Wallet      string  `json:"wallet"`
	Token       string  `json:"token"`
	Amount      float64 `json:"amount"`
	USDValue    float64 `json:"usd_value"`
	Destination string  `json:"destination"`
	TxHash      string  `json:"tx_hash"`
}

// MQTTBridge subscribes to an MQTT topic carrying whale-movement
// notifications and buffers received candidates for the next Fetch
// call. Unlike the other adapters it is not itself a synchronous
// poller: main calls Start once at startup and the orchestrator calls
// Fetch on its normal cadence to drain whatever arrived since the last
// tick.
type MQTTBridge struct {
	cfg    config.MQTTBridgeConfig
	client *mqtt.Client
	logger *slog.Logger

	mu      sync.Mutex
	pending []alert.Candidate
}

// NewMQTTBridge creates (but does not start) an mqttbridge adapter.
func NewMQTTBridge(cfg config.MQTTBridgeConfig, logger *slog.Logger) *MQTTBridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &MQTTBridge{cfg: cfg, logger: logger}
	b.client = mqtt.New(mqtt.ClientConfig{
		Broker:   cfg.Broker,
		Username: cfg.Username,
		Password: cfg.Password,
		Topic:    cfg.Topic,
		ClientID: "pulsewire-whale-bridge",
	}, b.handleMessage, logger)
	return b
}

// Start connects to the broker and subscribes, blocking until ctx is
// cancelled. Call it in its own goroutine at startup.
func (b *MQTTBridge) Start(ctx context.Context) error {
	return b.client.Start(ctx)
}

// Stop disconnects the underlying MQTT connection.
func (b *MQTTBridge) Stop(ctx context.Context) error {
	return b.client.Stop(ctx)
}

func (b *MQTTBridge) Name() string { return "mqtt_bridge" }

// Fetch drains and returns every candidate buffered since the last
// call. It never itself touches the network; that happens in the
// background via Start's message handler.
func (b *MQTTBridge) Fetch(ctx context.Context) ([]alert.Candidate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out, nil
}

func (b *MQTTBridge) handleMessage(topic string, payload []byte) {
	var msg whaleMovementPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.logger.Warn("mqtt_bridge malformed payload", "topic", topic, "error", err)
		return
	}

	c := alert.Candidate{
		Channel:    channelFor(b.cfg.Channel, alert.ChannelMarketsWhaleMovements),
		Priority:   priorityForWhaleMove(msg.USDValue),
		Headline:   fmt.Sprintf("Whale wallet moves %.4g %s to %s", msg.Amount, msg.Token, msg.Destination),
		Summary:    fmt.Sprintf("Wallet %s transferred %.4g %s (~$%.0f) to %s. Transaction %s.", msg.Wallet, msg.Amount, msg.Token, msg.USDValue, msg.Destination, msg.TxHash),
		SourceURL:  "https://explorer.invalid/tx/" + msg.TxHash,
		SourceType: alert.SourceOnChain,
		Tickers:    extractSymbols(msg.Token, knownTickers),
		Tokens:     extractSymbols(msg.Token, knownTokens),
		Sentiment:  alert.SentimentBearish,
	}
	c.Normalize()

	b.mu.Lock()
	b.pending = append(b.pending, c)
	b.mu.Unlock()
}

func priorityForWhaleMove(usdValue float64) alert.Priority {
	switch {
	case usdValue >= 10_000_000:
		return alert.PriorityCritical
	case usdValue >= 1_000_000:
		return alert.PriorityHigh
	case usdValue >= 100_000:
		return alert.PriorityMedium
	default:
		return alert.PriorityLow
	}
}
