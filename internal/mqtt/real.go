package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/wellness-monitor/internal/logger"
	"github.com/sweeney/wellness-monitor/internal/policy"
)

// DefaultBufferSize is how many outgoing messages are held while disconnected.
const DefaultBufferSize = 100

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Options configures a RealPublisher.
type Options struct {
	Broker     string
	ClientID   string
	BufferSize int
	Log        *logger.Logger
	Now        func() time.Time
}

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the connection is down are buffered and replayed on reconnect, and topics
// subscribed through it are re-subscribed after every reconnect.
type RealPublisher struct {
	client paho.Client
	log    *logger.Logger
	now    func() time.Time

	mu        sync.Mutex
	buffer    *ringBuffer
	subs      map[string]func([]byte)
	connected bool
	everUp    bool
}

// WillPayload is the retained last-will message the broker publishes on
// TopicSystem if the daemon drops off without a clean shutdown.
func WillPayload(now time.Time) []byte {
	payload, _ := FormatSystemPayload(SystemEvent{
		Timestamp: now,
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})
	return payload
}

// NewRealPublisher creates a publisher for the given broker. The initial
// connection is attempted for a bounded time; if the broker is still
// unreachable the client keeps retrying in the background and messages are
// buffered meanwhile.
func NewRealPublisher(o Options) (*RealPublisher, error) {
	if o.Broker == "" {
		return nil, errors.New("mqtt: broker is required")
	}
	p := newPublisher(o)

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(TopicSystem, WillPayload(p.now()), 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		p.log.Warn().Str("broker", o.Broker).Msg("broker not reachable yet, buffering until connected")
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

func newPublisher(o Options) *RealPublisher {
	if o.ClientID == "" {
		o.ClientID = "wellness-monitor"
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.Log == nil {
		o.Log = logger.Nop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	buf := newRingBuffer(o.BufferSize)
	buf.log = o.Log
	return &RealPublisher{
		log:    o.Log,
		now:    o.Now,
		buffer: buf,
		subs:   make(map[string]func([]byte)),
	}
}

func (p *RealPublisher) onConnect(c paho.Client) {
	p.mu.Lock()
	p.connected = true
	reconnect := p.everUp
	p.everUp = true
	pending := p.buffer.drainAll()
	subs := make(map[string]func([]byte), len(p.subs))
	for topic, fn := range p.subs {
		subs[topic] = fn
	}
	p.mu.Unlock()

	p.log.Info().Bool("reconnect", reconnect).Int("buffered", len(pending)).Msg("connected to broker")

	for topic, fn := range subs {
		if err := p.subscribe(c, topic, fn); err != nil {
			p.log.Error().Err(err).Str("topic", topic).Msg("resubscribe failed")
		}
	}
	for _, m := range pending {
		c.Publish(m.topic, m.qos, m.retained, m.payload)
	}
	if reconnect {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: p.now(), Event: "RECONNECTED"})
		c.Publish(TopicSystem, 1, false, payload)
	}
}

func (p *RealPublisher) onConnectionLost(_ paho.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.log.Warn().Err(err).Msg("broker connection lost")
}

func (p *RealPublisher) subscribe(c paho.Client, topic string, fn func([]byte)) error {
	token := c.Subscribe(topic, 0, func(_ paho.Client, m paho.Message) {
		fn(m.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe timeout")
	}
	return token.Error()
}

// publish sends payload or, if the broker is unreachable, buffers it for
// replay. A buffered message is not an error.
func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	msg := bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained}

	p.mu.Lock()
	if !p.connected {
		p.buffer.push(msg)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.mu.Lock()
		p.buffer.push(msg)
		p.mu.Unlock()
		return nil
	}
	if err := token.Error(); err != nil {
		p.mu.Lock()
		p.buffer.push(msg)
		p.mu.Unlock()
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Notify publishes a wellness notification.
func (p *RealPublisher) Notify(n policy.Notification) error {
	payload, err := FormatNotification(n, p.now())
	if err != nil {
		return fmt.Errorf("format notification: %w", err)
	}
	// QoS 1: a missed reminder is worse than a duplicate
	return p.publish(TopicNotifications, 1, false, payload)
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(TopicSystem, 1, event.Retained, payload)
}

// Subscribe registers handler for topic. If the broker is down the
// subscription is made on the next connect.
func (p *RealPublisher) Subscribe(topic string, handler func([]byte)) error {
	p.mu.Lock()
	p.subs[topic] = handler
	connected := p.connected
	p.mu.Unlock()

	if !connected {
		return nil
	}
	if err := p.subscribe(p.client, topic, handler); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes the handler for topic.
func (p *RealPublisher) Unsubscribe(topic string) error {
	p.mu.Lock()
	delete(p.subs, topic)
	connected := p.connected
	p.mu.Unlock()

	if !connected {
		return nil
	}
	token := p.client.Unsubscribe(topic)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("unsubscribe %s: timeout", topic)
	}
	return token.Error()
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Buffered returns how many messages are waiting for a connection and how
// many were dropped because the buffer was full.
func (p *RealPublisher) Buffered() (pending int, dropped uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.len(), p.buffer.dropped
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
