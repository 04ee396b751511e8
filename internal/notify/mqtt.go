package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MQTTConfig selects the broker client events are published to.
type MQTTConfig struct {
	Broker      string  `yaml:"broker" json:"broker"`
	ClientID    string  `yaml:"client_id" json:"client_id" default:"blearb"`
	TopicPrefix string  `yaml:"topic_prefix" json:"topic_prefix" default:"blearb"`
	Username    *string `yaml:"username,omitempty" json:"username,omitempty"`
	Password    *string `yaml:"password,omitempty" json:"password,omitempty"`
	QoS         byte    `yaml:"qos" json:"qos"`
}

// MQTTSink publishes each event as JSON to <prefix>/<client_if>/<kind>.
type MQTTSink struct {
	client mqtt.Client
	prefix string
	qos    byte
	logger *logrus.Logger
}

// NewMQTTSink creates a sink over a configured but unconnected paho client.
func NewMQTTSink(cfg MQTTConfig, logger *logrus.Logger) *MQTTSink {
	opts := mqtt.NewClientOptions()
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.AddBroker(cfg.Broker)

	if cfg.Username != nil {
		opts.SetUsername(*cfg.Username)
	}
	if cfg.Password != nil {
		opts.SetPassword(*cfg.Password)
	}

	return newMQTTSink(mqtt.NewClient(opts), cfg.TopicPrefix, cfg.QoS, logger)
}

func newMQTTSink(client mqtt.Client, prefix string, qos byte, logger *logrus.Logger) *MQTTSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &MQTTSink{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		qos:    qos,
		logger: logger,
	}
}

// Connect blocks until the broker accepts the connection.
func (s *MQTTSink) Connect() error {
	token := s.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Topic returns the topic an event is published to.
func (s *MQTTSink) Topic(ev Event) string {
	return fmt.Sprintf("%s/%d/%s", s.prefix, ev.ClientIf, ev.Kind)
}

// Notify implements Notifier. Publishing is asynchronous; failures are logged.
func (s *MQTTSink) Notify(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to encode client event")
		return
	}

	topic := s.Topic(ev)
	token := s.client.Publish(topic, s.qos, false, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			s.logger.WithFields(logrus.Fields{
				"topic": topic,
				"error": err,
			}).Warn("MQTT publish failed")
		}
	}()
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}
