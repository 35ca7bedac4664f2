package listener

// ============================================================================
// MQTT listener: publishes progress to a broker
// ============================================================================
//
// Topics:
//   <prefix>/<task>/iteration   one message per coordinator cycle
//   <prefix>/<task>/stop        one retained message when the run ends
//
// Publishing is fire-and-forget; a broker failure is logged and never
// reaches the coordinator. Listeners run on the coordinator goroutine, so a
// publish waits at most DefaultPublishTimeout and is dropped right away
// while the client is disconnected.
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/ChuLiYu/searchq/internal/coordinator"
	"github.com/ChuLiYu/searchq/pkg/types"
)

var log = slog.Default()

const (
	DefaultTopicPrefix    = "searchq"
	DefaultPublishTimeout = 250 * time.Millisecond
	connectTimeout        = 10 * time.Second
)

var (
	ErrPublishTimeout = errors.New("mqtt publish timeout")
	ErrNotConnected   = errors.New("mqtt client not connected")
)

// Publisher sends one payload to a topic.
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
}

// PahoPublisher is a Publisher backed by an eclipse paho client.
type PahoPublisher struct {
	client  paho.Client
	timeout time.Duration
}

// NewPahoPublisher wraps a connected client. A non-positive timeout means
// DefaultPublishTimeout.
func NewPahoPublisher(c paho.Client, timeout time.Duration) *PahoPublisher {
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &PahoPublisher{client: c, timeout: timeout}
}

// DialPaho connects to broker and returns a ready publisher.
func DialPaho(broker, clientID string) (*PahoPublisher, error) {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetKeepAlive(30 * time.Second)

	c := paho.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}
	return NewPahoPublisher(c, DefaultPublishTimeout), nil
}

func (p *PahoPublisher) Publish(topic string, retained bool, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := p.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

// Close disconnects, waiting up to a second for in-flight messages.
func (p *PahoPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}

// IterationMessage is the payload of the iteration topic.
type IterationMessage struct {
	Task       string         `json:"task"`
	Trials     []*types.Point `json:"trials"`
	Iterations int            `json:"iterations"`
	Best       *types.Point   `json:"best,omitempty"`
	At         time.Time      `json:"at"`
}

// StopMessage is the payload of the stop topic.
type StopMessage struct {
	Task     string         `json:"task"`
	Status   string         `json:"status"`
	Solution types.Solution `json:"solution"`
	At       time.Time      `json:"at"`
}

// MQTT publishes coordinator notifications as JSON.
type MQTT struct {
	pub    Publisher
	prefix string
	task   string
}

var _ coordinator.Listener = (*MQTT)(nil)

func NewMQTT(pub Publisher, prefix, task string) *MQTT {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &MQTT{pub: pub, prefix: prefix, task: task}
}

func (m *MQTT) topic(kind string) string {
	return m.prefix + "/" + m.task + "/" + kind
}

func (m *MQTT) BeforeMethodStart(ctx context.Context, _ coordinator.Method) {}

func (m *MQTT) OnEndIteration(ctx context.Context, trials []*types.Point, sol types.Solution) {
	m.send(m.topic("iteration"), false, IterationMessage{
		Task:       m.task,
		Trials:     trials,
		Iterations: sol.Iterations,
		Best:       sol.BestPoint,
		At:         time.Now().UTC(),
	})
}

func (m *MQTT) OnMethodStop(ctx context.Context, sol types.Solution, status coordinator.StopStatus) {
	m.send(m.topic("stop"), true, StopMessage{
		Task:     m.task,
		Status:   string(status),
		Solution: sol,
		At:       time.Now().UTC(),
	})
}

func (m *MQTT) send(topic string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error("mqtt: encode message", "topic", topic, "error", err)
		return
	}
	if err := m.pub.Publish(topic, retained, payload); err != nil {
		log.Warn("mqtt: publish failed", "topic", topic, "error", err)
	}
}
