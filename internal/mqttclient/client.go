package mqttclient

import (
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/snarg/audioscribe/internal/metrics"
)

const (
	qos            = 1
	publishTimeout = 5 * time.Second
	statusOnline   = "online"
	statusOffline  = "offline"
)

// Client publishes transcription status messages under a topic prefix. The
// retained <prefix>/status topic reports online/offline, with offline set as
// the last will.
type Client struct {
	conn      mqtt.Client
	prefix    string
	connected atomic.Bool
	log       zerolog.Logger
}

type Options struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Log         zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		prefix: strings.Trim(opts.TopicPrefix, "/"),
		log:    opts.Log,
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetWill(c.Topic("status"), statusOffline, qos, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Str("prefix", c.prefix).Msg("mqtt connected")
	client.Publish(c.Topic("status"), qos, true, statusOnline)
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// Topic joins parts under the client's prefix.
func (c *Client) Topic(parts ...string) string {
	return joinTopic(c.prefix, parts...)
}

// Publish sends payload to <prefix>/<subtopic> without blocking the caller.
// Delivery failures are logged and counted.
func (c *Client) Publish(subtopic string, payload []byte) {
	topic := c.Topic(subtopic)
	token := c.conn.Publish(topic, qos, false, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			metrics.MQTTPublishedTotal.WithLabelValues("timeout").Inc()
			c.log.Warn().Str("topic", topic).Msg("mqtt publish timed out")
			return
		}
		if err := token.Error(); err != nil {
			metrics.MQTTPublishedTotal.WithLabelValues("error").Inc()
			c.log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
			return
		}
		metrics.MQTTPublishedTotal.WithLabelValues("ok").Inc()
	}()
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	if c.conn.IsConnected() {
		c.conn.Publish(c.Topic("status"), qos, true, statusOffline).WaitTimeout(publishTimeout)
	}
	c.conn.Disconnect(1000)
}

func joinTopic(prefix string, parts ...string) string {
	segs := make([]string, 0, len(parts)+1)
	if prefix != "" {
		segs = append(segs, prefix)
	}
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			segs = append(segs, p)
		}
	}
	return strings.Join(segs, "/")
}
