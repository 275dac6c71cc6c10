package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/i474232898/air-quality-etl/internal/airquality"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 5 * time.Second

// MQTTConfig configures the run-report publisher.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
}

// MQTTNotifier publishes every run report as JSON to a broker topic with QoS 1.
type MQTTNotifier struct {
	client    mqtt.Client
	topic     string
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewMQTTNotifier(cfg MQTTConfig, logger *slog.Logger) *MQTTNotifier {
	n := newNotifier(nil, cfg.Topic, logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		n.setConnected(true)
		n.logger.Info("mqtt connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		n.setConnected(false)
		n.logger.Warn("mqtt connection lost", "error", err)
	})

	n.client = mqtt.NewClient(opts)
	return n
}

func newNotifier(client mqtt.Client, topic string, logger *slog.Logger) *MQTTNotifier {
	if topic == "" {
		topic = "airquality/runs"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTNotifier{
		client: client,
		topic:  topic,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Connect waits for the initial broker connection, honouring ctx and Disconnect.
func (n *MQTTNotifier) Connect(ctx context.Context) error {
	select {
	case <-n.stopCh:
		return fmt.Errorf("notifier stopped")
	default:
	}
	if n.IsConnected() {
		return nil
	}

	token := n.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			n.setConnected(true)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.stopCh:
			return fmt.Errorf("notifier stopped")
		default:
		}
	}
}

// Publish sends the report to the configured topic.
func (n *MQTTNotifier) Publish(ctx context.Context, report airquality.RunReport) error {
	if !n.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal run report: %w", err)
	}

	token := n.client.Publish(n.topic, 1, false, data)
	deadline := time.NewTimer(publishTimeout)
	defer deadline.Stop()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline.C:
		return fmt.Errorf("publish timeout for topic %s", n.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish run report: %w", err)
	}

	n.logger.Debug("published run report", "topic", n.topic, "run_id", report.ID, "status", report.Status)
	return nil
}

// IsConnected returns whether the client is connected.
func (n *MQTTNotifier) IsConnected() bool {
	n.mu.RLock()
	connected := n.connected
	n.mu.RUnlock()
	return connected && n.client.IsConnected()
}

// Disconnect closes the broker connection. Safe to call more than once.
func (n *MQTTNotifier) Disconnect() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	if n.client != nil {
		n.client.Disconnect(250)
	}
	n.setConnected(false)
	n.logger.Info("mqtt disconnected")
}

func (n *MQTTNotifier) setConnected(v bool) {
	n.mu.Lock()
	n.connected = v
	n.mu.Unlock()
}

// Noop discards reports. It stands in when no broker is configured or reachable.
type Noop struct{}

func (Noop) Publish(context.Context, airquality.RunReport) error { return nil }
