package integration

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/config"
)

// natsConn is the part of *nats.Conn used by NATSSink.
type natsConn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

// NATSSink publishes events on subject "<prefix>.<topic>", with "/" in the
// topic mapped to ".".
type NATSSink struct {
	conn   natsConn
	prefix string
}

// NewNATSSink connects to the NATS server of cfg.
func NewNATSSink(cfg config.NATSConfig) (*NATSSink, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("lorawan-sim"),
		nats.UserInfo(cfg.Username, cfg.Password),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect NATS: %w", err)
	}

	log.Info().Str("url", cfg.URL).Msg("connected to NATS")
	return newNATSSink(nc, cfg.SubjectPrefix), nil
}

func newNATSSink(conn natsConn, prefix string) *NATSSink {
	return &NATSSink{conn: conn, prefix: prefix}
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the NATS subject for a broker topic.
func (s *NATSSink) Subject(topic string) string {
	subject := strings.ReplaceAll(topic, "/", ".")
	if s.prefix == "" {
		return subject
	}
	return s.prefix + "." + subject
}

// Send implements Sink.
func (s *NATSSink) Send(topic string, payload []byte) error {
	return s.conn.Publish(s.Subject(topic), payload)
}

// Close flushes pending messages and closes the connection.
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}

// MQTTSink publishes events on topic "<prefix>/<topic>".
type MQTTSink struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
}

// NewMQTTSink connects to the MQTT broker of cfg.
func NewMQTTSink(cfg config.MQTTConfig) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.Broker).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect MQTT %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect MQTT %s: %w", cfg.Broker, err)
	}

	return newMQTTSink(client, cfg.TopicPrefix, cfg.QoS), nil
}

func newMQTTSink(client mqtt.Client, prefix string, qos byte) *MQTTSink {
	return &MQTTSink{client: client, prefix: prefix, qos: qos, timeout: 5 * time.Second}
}

func (s *MQTTSink) Name() string { return "mqtt" }

// Topic returns the MQTT topic for a broker topic.
func (s *MQTTSink) Topic(topic string) string {
	if s.prefix == "" {
		return topic
	}
	return s.prefix + "/" + topic
}

// Send implements Sink.
func (s *MQTTSink) Send(topic string, payload []byte) error {
	token := s.client.Publish(s.Topic(topic), s.qos, false, payload)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("publish %s: timeout", s.Topic(topic))
	}
	return token.Error()
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	return nil
}

// HTTPSink posts events to a webhook.
type HTTPSink struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSink creates a webhook sink.
func NewHTTPSink(endpoint string) *HTTPSink {
	return &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPSink) Name() string { return "http" }

// Send implements Sink.
func (s *HTTPSink) Send(topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sim-Topic", topic)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// Close implements Sink.
func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
