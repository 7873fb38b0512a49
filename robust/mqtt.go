package robust

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MatchSetHandler is called for every match set received on a dataset topic.
// set is nil when decoding failed; err then carries the reason.
type MatchSetHandler func(datasetID string, set *MatchSet, err error)

// MQTTClient manages the broker connection and the dataset subscriptions
type MQTTClient struct {
	client      mqtt.Client
	config      *Config
	handler     MatchSetHandler
	isConnected bool
	mu          sync.RWMutex
}

// InitMQTT creates the MQTT client and starts connecting in the background.
// Environment variables MQTT_BROKER, MQTT_CLIENT_ID, MQTT_USERNAME and
// MQTT_PASSWORD override the config file. Returns nil, nil when no broker is
// configured.
func InitMQTT(config *Config, handler MatchSetHandler) (*MQTTClient, error) {
	broker := envOr("MQTT_BROKER", "")
	if broker == "" && config != nil {
		broker = config.MQTT.Broker
	}
	if broker == "" {
		log.Println("[MQTT] disabled: no broker configured")
		return nil, nil
	}
	if config == nil || len(config.Datasets) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no datasets configured")
	}

	c := &MQTTClient{config: config, handler: handler}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(envOr("MQTT_CLIENT_ID", firstNonEmpty(config.MQTT.ClientID, "ensemblefit")))
	if username := envOr("MQTT_USERNAME", config.MQTT.Username); username != "" {
		opts.SetUsername(username)
		opts.SetPassword(envOr("MQTT_PASSWORD", config.MQTT.Password))
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	// Estimates are independent; let paho dispatch them concurrently
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		log.Println("[MQTT] reconnecting...")
	})

	c.client = mqtt.NewClient(opts)
	go c.connectWithRetry()
	return c, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// connectWithRetry connects with exponential backoff capped at one minute
func (c *MQTTClient) connectWithRetry() {
	delay := time.Second
	const maxDelay = 60 * time.Second

	for {
		log.Println("[MQTT] connecting to broker...")
		token := c.client.Connect()
		switch {
		case !token.WaitTimeout(10 * time.Second):
			log.Println("[MQTT] connection timeout")
		case token.Error() != nil:
			log.Printf("[MQTT] connection failed: %v", token.Error())
		default:
			log.Println("[MQTT] connected")
			c.setConnected(true)
			return
		}

		log.Printf("[MQTT] retrying in %v", delay)
		time.Sleep(delay)
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// onConnect subscribes to every dataset topic
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	c.subscribeAll(client)
}

func (c *MQTTClient) subscribeAll(client mqtt.Client) {
	for _, ds := range c.config.Datasets {
		if ds.Topic == "" {
			log.Printf("[MQTT] dataset %s has no topic configured", ds.ID)
			continue
		}
		token := client.Subscribe(ds.Topic, 0, c.createMessageHandler(ds.ID))
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("[MQTT] subscribe %s failed: %v", ds.Topic, token.Error())
			continue
		}
		log.Printf("[MQTT] subscribed to %s for dataset %s", ds.Topic, ds.ID)
	}
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

// createMessageHandler decodes match sets arriving for one dataset
func (c *MQTTClient) createMessageHandler(datasetID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		log.Printf("[MQTT] match set for %s (topic: %s, size: %d bytes)", datasetID, msg.Topic(), len(payload))

		set, err := DecodeMatchSet(payload)
		if err != nil {
			log.Printf("[MQTT] decoding match set for %s: %v", datasetID, err)
		} else if set.ID == "" {
			set.ID = datasetID
		}
		if c.handler != nil {
			c.handler(datasetID, set, err)
		}
	}
}

// IsConnected returns true if the broker connection is up
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect closes the broker connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] disconnecting...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// DatasetByTopic returns the dataset ID subscribed on topic
func (c *MQTTClient) DatasetByTopic(topic string) (string, bool) {
	for _, ds := range c.config.Datasets {
		if ds.Topic == topic {
			return ds.ID, true
		}
	}
	return "", false
}

// Client returns the underlying paho client, for publishing
func (c *MQTTClient) Client() mqtt.Client {
	return c.client
}

// NewMQTTClientWithClient wraps an existing paho client (typically a
// MockClient) without starting a connection loop
func NewMQTTClientWithClient(client mqtt.Client, config *Config, handler MatchSetHandler) *MQTTClient {
	return &MQTTClient{client: client, config: config, handler: handler}
}

// Start connects the wrapped client synchronously and subscribes
func (c *MQTTClient) Start() error {
	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("MQTT connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT connect: %w", err)
	}
	c.setConnected(true)
	c.subscribeAll(c.client)
	return nil
}
