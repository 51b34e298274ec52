// Package mqttpub mirrors accepted positions to an MQTT broker for live
// dashboards. Publishing is optional and never blocks the pipeline.
package mqttpub

import (
	"encoding/json"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/postrack/postrack/pkg"
	"github.com/postrack/postrack/pkg/logx"
)

// Config holds MQTT publisher configuration
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns default publisher configuration, disabled.
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "postrack",
		TopicPrefix: "postrack",
		QoS:         1,
		Retain:      true,
		Enabled:     false,
	}
}

// Client publishes position updates over MQTT
type Client struct {
	client      MQTT.Client
	logger      *logx.Logger
	config      *Config
	connected   bool
	lastPublish time.Time
}

// NewClient creates a publisher; Connect must be called before publishing.
func NewClient(config *Config, logger *logx.Logger) *Client {
	return &Client{
		logger: logger,
		config: config,
	}
}

// Connect establishes the broker connection. Disabled publishers connect
// to nothing and every publish becomes a no-op.
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("mqtt publisher disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = MQTT.NewClient(opts)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}

	c.logger.Info("mqtt publisher connected", "broker", c.config.Broker, "port", c.config.Port)
	return nil
}

// Disconnect tears down the broker connection
func (c *Client) Disconnect() {
	if c.client != nil && c.connected {
		c.client.Disconnect(250)
		c.connected = false
		c.logger.Info("mqtt publisher disconnected")
	}
}

func (c *Client) onConnect(_ MQTT.Client) {
	c.connected = true
	c.logger.Info("mqtt connection established")
}

func (c *Client) onConnectionLost(_ MQTT.Client, err error) {
	c.connected = false
	c.logger.Error("mqtt connection lost", "error", err)
}

type positionMessage struct {
	DeviceID  int64     `json:"device_id"`
	Device    string    `json:"device"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Source    string    `json:"source"`
}

// PublishPosition publishes one accepted position to
// <prefix>/devices/<name>/position. Retained messages give late
// subscribers the current location immediately.
func (c *Client) PublishPosition(deviceName string, p *pkg.PositionRecord) error {
	if !c.config.Enabled || !c.connected {
		return nil
	}

	topic := fmt.Sprintf("%s/devices/%s/position", c.config.TopicPrefix, deviceName)
	return c.publishJSON(topic, positionMessage{
		DeviceID:  p.DeviceID,
		Device:    deviceName,
		Timestamp: p.Timestamp,
		Lat:       p.Lat,
		Lon:       p.Lon,
		Source:    string(p.Source),
	})
}

func (c *Client) publishJSON(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("mqtt marshal: %w", err)
	}

	token := c.client.Publish(topic, byte(c.config.QoS), c.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, token.Error())
	}

	c.lastPublish = time.Now()
	return nil
}
