// Package broker wraps a single shared MQTT connection to the cloud's
// pub/sub broker. It is the one place in fleetd that holds a broker
// handle; every feature that needs to publish/subscribe goes through this
// package's Client rather than dialing its own connection.
package broker

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/cuemby/fleetd/pkg/agenterrors"
)

// Options configures the broker connection.
type Options struct {
	URL             string
	ClientID        string
	Username        string
	Password        string
	KeepAlive       time.Duration
	ConnectTimeout  time.Duration
	ReconnectMinMs  uint
	ReconnectMaxMs  uint
}

// MessageHandler is invoked for messages on a subscribed topic. It runs on
// paho's own dispatch goroutine; handlers must be short and hand off to the
// event bus for anything slower.
type MessageHandler func(topic string, payload []byte)

// Client is the single owned handle to the broker connection. An accessor
// (Client itself, passed by reference) is what features receive for
// testability — there is no global singleton.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	mq      mqtt.Client
	subs    map[string]subscription
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// New creates a Client configured for automatic reconnect with exponential
// backoff capped at opts.ReconnectMaxMs. It does not connect yet; call
// Connect.
func New(opts Options, logger zerolog.Logger) *Client {
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 30 * time.Second
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ReconnectMinMs == 0 {
		opts.ReconnectMinMs = 1000
	}
	if opts.ReconnectMaxMs == 0 {
		opts.ReconnectMaxMs = 120000
	}

	return &Client{
		opts:   opts,
		logger: logger,
		subs:   make(map[string]subscription),
	}
}

// Connect dials the broker. On disconnect, paho reconnects automatically;
// the OnConnect handler re-establishes every subscription that was active
// before the drop, so a feature's Subscribe call survives a reconnect
// without having to re-issue it.
func (c *Client) Connect() error {
	o := mqtt.NewClientOptions().
		AddBroker(c.opts.URL).
		SetClientID(c.opts.ClientID).
		SetUsername(c.opts.Username).
		SetPassword(c.opts.Password).
		SetKeepAlive(c.opts.KeepAlive).
		SetConnectTimeout(c.opts.ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Duration(c.opts.ReconnectMaxMs) * time.Millisecond).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.logger.Warn().Err(err).Msg("broker connection lost, reconnecting")
		}).
		SetOnConnectHandler(func(mq mqtt.Client) {
			c.logger.Info().Msg("broker connected")
			c.resubscribeAll(mq)
		})

	c.mq = mqtt.NewClient(o)

	token := c.mq.Connect()
	if !token.WaitTimeout(c.opts.ConnectTimeout) {
		return agenterrors.New(agenterrors.TransientNetwork, fmt.Errorf("timed out connecting to broker %s", c.opts.URL))
	}
	if err := token.Error(); err != nil {
		return agenterrors.New(agenterrors.TransientNetwork, fmt.Errorf("failed to connect to broker: %w", err))
	}
	return nil
}

// IsConnected reports whether the broker connection is currently up.
func (c *Client) IsConnected() bool {
	return c.mq != nil && c.mq.IsConnected()
}

// Disconnect closes the broker connection, waiting up to quiesceMs for
// in-flight publishes to flush.
func (c *Client) Disconnect(quiesceMs uint) {
	if c.mq != nil {
		c.mq.Disconnect(quiesceMs)
	}
}

// PublishOptions configures a single publish.
type PublishOptions struct {
	QoS    byte
	Retain bool
}

// Publish sends payload to topic. Returns a classified error on timeout or
// when not connected, never blocks past a short internal wait.
func (c *Client) Publish(topic string, payload []byte, opts PublishOptions) error {
	if !c.IsConnected() {
		return agenterrors.New(agenterrors.TransientNetwork, fmt.Errorf("not connected to broker"))
	}

	token := c.mq.Publish(topic, opts.QoS, opts.Retain, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return agenterrors.New(agenterrors.TransientNetwork, fmt.Errorf("publish to %s timed out", topic))
	}
	if err := token.Error(); err != nil {
		return agenterrors.New(agenterrors.TransientNetwork, fmt.Errorf("publish to %s failed: %w", topic, err))
	}
	return nil
}

// Subscribe registers handler for topic at the given QoS. The subscription
// is remembered so a reconnect re-establishes it automatically.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	c.subs[topic] = subscription{qos: qos, handler: handler}

	if !c.IsConnected() {
		// Not fatal: the subscription fires once Connect/reconnect succeeds.
		return nil
	}
	return c.subscribeNow(c.mq, topic, qos, handler)
}

// Unsubscribe removes a topic subscription, live and from the
// reconnect-replay set.
func (c *Client) Unsubscribe(topic string) error {
	delete(c.subs, topic)
	if !c.IsConnected() {
		return nil
	}
	token := c.mq.Unsubscribe(topic)
	if !token.WaitTimeout(5 * time.Second) {
		return agenterrors.New(agenterrors.TransientNetwork, fmt.Errorf("unsubscribe from %s timed out", topic))
	}
	return token.Error()
}

func (c *Client) subscribeNow(mq mqtt.Client, topic string, qos byte, handler MessageHandler) error {
	token := mq.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return agenterrors.New(agenterrors.TransientNetwork, fmt.Errorf("subscribe to %s timed out", topic))
	}
	if err := token.Error(); err != nil {
		return agenterrors.New(agenterrors.TransientNetwork, fmt.Errorf("subscribe to %s denied: %w", topic, err))
	}
	return nil
}

func (c *Client) resubscribeAll(mq mqtt.Client) {
	for topic, sub := range c.subs {
		if err := c.subscribeNow(mq, topic, sub.qos, sub.handler); err != nil {
			c.logger.Error().Err(err).Str("topic", topic).Msg("failed to re-establish subscription after reconnect")
		}
	}
}
