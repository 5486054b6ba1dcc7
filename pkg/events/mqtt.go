package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// MQTTSink publishes every event as JSON to <prefix>/events/<type>.
type MQTTSink struct {
	client pahomqtt.Client
	prefix string
	logger zerolog.Logger
}

func NewMQTTSink(cfg MQTTConfig, logger zerolog.Logger) (*MQTTSink, error) {
	prefix := strings.TrimRight(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "wiretide"
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "wiretide-controller"
	}

	s := &MQTTSink{
		prefix: prefix,
		logger: logger.With().Str("component", "mqtt").Logger(),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(prefix+"/controller/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			s.logger.Info().Str("broker", cfg.Broker).Msg("MQTT connected")
			s.send(prefix+"/controller/state", []byte("online"), true)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			s.logger.Warn().Err(err).Msg("MQTT connection lost")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	s.client = pahomqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return s, nil
}

func (s *MQTTSink) Publish(_ context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(ev.Type)).Msg("encode event")
		return
	}
	s.send(Topic(s.prefix, ev.Type), payload, false)
}

// Close marks the controller offline and disconnects.
func (s *MQTTSink) Close() {
	s.send(s.prefix+"/controller/state", []byte("offline"), true)
	s.client.Disconnect(250)
}

func (s *MQTTSink) send(topic string, payload []byte, retained bool) {
	if s.client == nil {
		return
	}
	token := s.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			s.logger.Warn().Str("topic", topic).Msg("MQTT publish timeout")
		} else if err := token.Error(); err != nil {
			s.logger.Warn().Err(err).Str("topic", topic).Msg("MQTT publish error")
		}
	}()
}

// Topic maps an event type to its MQTT topic: device.approved becomes
// <prefix>/events/device/approved.
func Topic(prefix string, t Type) string {
	return prefix + "/events/" + strings.ReplaceAll(string(t), ".", "/")
}
