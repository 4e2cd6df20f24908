package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/opsgate/opsgate/internal/chatops"
	"github.com/opsgate/opsgate/internal/command"
)

const (
	// commandTopic carries command envelopes from automation clients.
	commandTopic = "opsgate/commands"
	// resultTopicFmt is where results are published, one topic per caller.
	resultTopicFmt = "opsgate/results/%s"
)

// mqttEnvelope is a command with an optional correlation id so clients
// can match results to requests.
type mqttEnvelope struct {
	RequestID string `json:"request_id,omitempty"`
	command.Command
}

// mqttResult mirrors the envelope on the way back out.
type mqttResult struct {
	RequestID string `json:"request_id,omitempty"`
	command.Result
}

// MQTTChannel bridges command envelopes between an MQTT broker and the
// dispatcher. Unlike the chat channels it speaks the wire format
// directly rather than free text.
type MQTTChannel struct {
	broker   string
	port     int
	clientID string
	username string
	password string
	handler  chatops.Handler
	logger   *slog.Logger
	client   MQTTClient

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	clientFactory func(*mqtt.ClientOptions) MQTTClient
}

// NewMQTT creates an MQTT channel backed by the real paho client.
func NewMQTT(broker string, port int, username, password string, handler chatops.Handler, logger *slog.Logger) *MQTTChannel {
	return NewMQTTWithClient(broker, port, username, password, handler, logger, func(opts *mqtt.ClientOptions) MQTTClient {
		return NewDefaultMQTTClient(opts)
	})
}

// NewMQTTWithClient creates an MQTT channel with a custom client factory,
// used by tests to avoid a broker.
func NewMQTTWithClient(broker string, port int, username, password string, handler chatops.Handler, logger *slog.Logger, factory func(*mqtt.ClientOptions) MQTTClient) *MQTTChannel {
	return &MQTTChannel{
		broker:        broker,
		port:          port,
		clientID:      fmt.Sprintf("opsgate-%d", time.Now().Unix()),
		username:      username,
		password:      password,
		handler:       handler,
		logger:        logger.With("channel", "mqtt"),
		clientFactory: factory,
	}
}

// Name returns the channel identifier.
func (m *MQTTChannel) Name() string {
	return "mqtt"
}

// Start connects to the broker and subscribes to the command topic.
func (m *MQTTChannel) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", m.broker, m.port))
	opts.SetClientID(m.clientID)
	if m.username != "" {
		opts.SetUsername(m.username)
		opts.SetPassword(m.password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.logger.Warn("connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		m.logger.Info("connected to broker", "broker", m.broker, "port", m.port)
		m.subscribe()
	})

	m.client = m.clientFactory(opts)

	token := m.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connect to %s:%d: timeout", m.broker, m.port)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s:%d: %w", m.broker, m.port, err)
	}

	m.logger.Info("mqtt channel started", "command_topic", commandTopic)
	return nil
}

// Stop disconnects from the broker after in-flight handlers finish.
func (m *MQTTChannel) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	m.logger.Info("mqtt channel stopped")
	return nil
}

func (m *MQTTChannel) subscribe() {
	token := m.client.Subscribe(commandTopic, 1, m.handleCommand)
	if !token.WaitTimeout(10 * time.Second) {
		m.logger.Error("subscribe timeout", "topic", commandTopic)
		return
	}
	if err := token.Error(); err != nil {
		m.logger.Error("subscribe failed", "topic", commandTopic, "error", err)
	}
}

func (m *MQTTChannel) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	m.wg.Add(1)
	defer m.wg.Done()

	var env mqttEnvelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		m.logger.Error("malformed command payload", "error", err)
		return
	}
	if env.CallerID == "" {
		// Without a caller there is no result topic to answer on.
		m.logger.Error("command without caller_id dropped", "type", env.Type, "action", env.Action)
		return
	}

	m.logger.Info("command received", "type", env.Type, "action", env.Action, "caller", env.CallerID)

	result := m.handler.Handle(m.ctx, "mqtt", env.Command)
	m.publishResult(env.CallerID, env.RequestID, result)
}

func (m *MQTTChannel) publishResult(caller, requestID string, result command.Result) {
	payload, err := json.Marshal(mqttResult{RequestID: requestID, Result: result})
	if err != nil {
		m.logger.Error("marshal result", "error", err)
		return
	}

	topic := fmt.Sprintf(resultTopicFmt, topicSegment(caller))
	token := m.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		m.logger.Error("publish timeout", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		m.logger.Error("publish failed", "topic", topic, "error", err)
	}
}

// topicSegment makes a caller id safe to embed in a topic. Separators and
// wildcards are replaced so a caller cannot address another caller's
// result topic.
func topicSegment(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}
