// Package mqtt implements a subscribe-only MQTT client used to bridge
// whale-movement and on-chain alert feeds published by third-party
// brokers into the distribution fabric. It deliberately has no publish
// side: the broker only consumes external MQTT feeds, never announces
// its own state over MQTT.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// ClientConfig configures a single broker connection and topic
// subscription.
type ClientConfig struct {
	Broker   string
	Username string
	Password string
	Topic    string
	ClientID string
}

// Client manages a single MQTT subscription to an external broker and
// hands received messages to a [MessageHandler]. Reconnection and
// resubscription are handled by autopaho.
type Client struct {
	cfg         ClientConfig
	handler     MessageHandler
	rateLimiter *messageRateLimiter
	logger      *slog.Logger
	cm          *autopaho.ConnectionManager
}

// New creates a Client but does not connect. Call [Client.Start] to
// begin the connection and message loop. A nil logger is replaced with
// [slog.Default]; handler must not be nil.
func New(cfg ClientConfig, handler MessageHandler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, handler: handler, logger: logger}
}

// Start connects to the broker and subscribes to the configured topic.
// It blocks until ctx is cancelled. Inbound messages are rate-limited
// to 100/sec and passed to the configured handler; a handler panic is
// recovered and logged rather than crashing the adapter loop.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker url: %w", err)
	}

	c.rateLimiter = newMessageRateLimiter(100, time.Second, c.logger)
	go c.rateLimiter.start(ctx)

	clientID := c.cfg.ClientID
	if clientID == "" {
		clientID = "pulsewire-bridge"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt bridge connected", "broker", c.cfg.Broker, "topic", c.cfg.Topic)
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cm.Subscribe(subCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: c.cfg.Topic, QoS: 0}},
			}); err != nil {
				c.logger.Error("mqtt bridge subscribe failed", "topic", c.cfg.Topic, "error", err)
			}
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt bridge connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	pahoCfg.ClientConfig.OnPublishReceived = []func(autopaho.PublishReceived) (bool, error){
		func(pr autopaho.PublishReceived) (bool, error) {
			if !c.rateLimiter.allow() {
				return true, nil
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.logger.Error("mqtt bridge handler panicked", "topic", pr.Packet.Topic, "panic", r)
					}
				}()
				c.handler(pr.Packet.Topic, pr.Packet.Payload)
			}()
			return true, nil
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt bridge connect: %w", err)
	}
	c.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		c.logger.Warn("mqtt bridge initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop disconnects from the broker. The provided context bounds how
// long to wait for a clean disconnect.
func (c *Client) Stop(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	return c.cm.Disconnect(ctx)
}
