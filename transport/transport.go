// Package transport carries the agent's cloud connectivity: the inbound
// document channel (decoder manifests and scheme lists arriving on MQTT
// topics) and the outbound checkin publisher. Subscription callbacks
// only copy the payload and queue it to the scheme manager; all parsing
// happens on the manager's worker.
package transport

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/hefroy/fleetedge/document"
	"github.com/hefroy/fleetedge/errors"
)

// DocumentSink receives queued documents; the scheme manager
// implements it.
type DocumentSink interface {
	OnDecoderManifest(manifest *document.DecoderManifest)
	OnSchemeList(list *document.SchemeList)
}

// Config holds the MQTT connection and topic layout.
type Config struct {
	BrokerURL string `json:"broker_url"`
	ClientID  string `json:"client_id"`
	// Topics; the built-in defaults (config.Default) use a fixed
	// fleetedge/<document> layout with no vehicle segment.
	DecoderManifestTopic string `json:"decoder_manifest_topic"`
	SchemeListTopic      string `json:"scheme_list_topic"`
	CheckinTopic         string `json:"checkin_topic"`
	ConnectTimeout       time.Duration `json:"-"`
}

// Validate implements config validation.
func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "transport", "Validate", "broker url check")
	}
	if c.DecoderManifestTopic == "" || c.SchemeListTopic == "" || c.CheckinTopic == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "transport", "Validate", "topic check")
	}
	return nil
}

// Connection is the MQTT document channel.
type Connection struct {
	config Config
	client mqtt.Client
	sink   DocumentSink
	logger *slog.Logger
}

// NewConnection creates the channel; Connect dials and subscribes.
func NewConnection(config Config, sink DocumentSink, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		config: config,
		sink:   sink,
		logger: logger.With("component", "transport"),
	}
}

// Connect dials the broker and subscribes the two document topics with
// QoS 1. Reconnects and resubscription are handled by the client.
func (c *Connection) Connect() error {
	if err := c.config.Validate(); err != nil {
		return err
	}
	clientID := c.config.ClientID
	if clientID == "" {
		clientID = "fleetedge-" + uuid.NewString()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(c.config.BrokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetOrderMatters(false).
		SetOnConnectHandler(func(client mqtt.Client) {
			c.subscribe(client)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.logger.Warn("MQTT connection lost", "error", err)
		})
	if c.config.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.config.ConnectTimeout)
	}
	c.client = mqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return errors.WrapTransient(errors.ErrConnectionTimeout, "transport", "Connect", "broker dial")
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "transport", "Connect", "broker dial")
	}
	c.logger.Info("Connected to broker", "url", c.config.BrokerURL, "client_id", clientID)
	return nil
}

func (c *Connection) subscribe(client mqtt.Client) {
	subscriptions := map[string]mqtt.MessageHandler{
		c.config.DecoderManifestTopic: c.onDecoderManifestMessage,
		c.config.SchemeListTopic:      c.onSchemeListMessage,
	}
	for topic, handler := range subscriptions {
		token := client.Subscribe(topic, 1, handler)
		token.Wait()
		if err := token.Error(); err != nil {
			c.logger.Error("Subscription failed", "topic", topic, "error", err)
			continue
		}
		c.logger.Info("Subscribed", "topic", topic)
	}
}

// onDecoderManifestMessage runs on the client's router goroutine: copy
// the payload, queue it, return.
func (c *Connection) onDecoderManifestMessage(_ mqtt.Client, msg mqtt.Message) {
	manifest := document.NewDecoderManifest(c.logger)
	manifest.CopyData(msg.Payload())
	c.sink.OnDecoderManifest(manifest)
	c.logger.Debug("Decoder manifest queued", "bytes", len(msg.Payload()))
}

func (c *Connection) onSchemeListMessage(_ mqtt.Client, msg mqtt.Message) {
	list := &document.SchemeList{}
	list.CopyData(msg.Payload())
	c.sink.OnSchemeList(list)
	c.logger.Debug("Scheme list queued", "bytes", len(msg.Payload()))
}

// PublishCheckin sends one checkin payload with QoS 1.
func (c *Connection) PublishCheckin(payload []byte) error {
	if c.client == nil || !c.client.IsConnectionOpen() {
		return errors.WrapTransient(errors.ErrNoConnection, "transport", "PublishCheckin", "connection check")
	}
	token := c.client.Publish(c.config.CheckinTopic, 1, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return errors.WrapTransient(errors.ErrConnectionTimeout, "transport", "PublishCheckin", "publish")
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(fmt.Errorf("publish %s: %w", c.config.CheckinTopic, err),
			"transport", "PublishCheckin", "publish")
	}
	return nil
}

// Disconnect closes the connection, allowing in-flight work to finish.
func (c *Connection) Disconnect(timeout time.Duration) {
	if c.client != nil {
		c.client.Disconnect(uint(timeout.Milliseconds()))
	}
}
