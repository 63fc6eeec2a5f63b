package mqtt

import (
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sweeney/am2302-sensor/internal/logic"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// RealPublisher publishes to an actual MQTT broker. Messages that cannot be
// delivered are held in a ring buffer and sent, oldest first, ahead of the
// next message once the broker is reachable again.
type RealPublisher struct {
	client  paho.Client
	timeout time.Duration

	mu       sync.Mutex
	buffer   *ringBuffer
	connects int

	// send serializes deliveries so the buffer is replayed in order.
	send sync.Mutex
}

func newRealPublisher(client paho.Client) *RealPublisher {
	return &RealPublisher{
		client:  client,
		timeout: publishTimeout,
		buffer:  newRingBuffer(BufferSize),
	}
}

// NewRealPublisher creates a publisher for the given broker. A broker that
// does not answer within the connect timeout is not an error: the client
// keeps retrying in the background and messages are buffered meanwhile.
func NewRealPublisher(broker, clientID string) (*RealPublisher, error) {
	p := newRealPublisher(nil)

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		return nil, fmt.Errorf("format will payload: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetWill(TopicSystem, string(will), 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		log.Printf("mqtt: %s not reachable yet, buffering until connected", broker)
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return p, nil
}

// onConnect replays anything buffered while offline. paho runs it on its
// own goroutine, so waiting on tokens here is safe.
func (p *RealPublisher) onConnect(_ paho.Client) {
	p.mu.Lock()
	p.connects++
	reconnect := p.connects > 1
	p.mu.Unlock()

	p.send.Lock()
	defer p.send.Unlock()

	n, err := p.flushLocked(nil)
	if err != nil {
		log.Printf("mqtt: replay interrupted after %d messages: %v", n, err)
		return
	}
	log.Printf("mqtt: connected (replayed %d buffered messages)", n)

	if !reconnect {
		return
	}
	// Only meaningful while the connection it announces is up, so it is
	// never buffered.
	payload, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"})
	if err != nil {
		return
	}
	if err := p.deliver(bufferedMsg{topic: TopicSystem, payload: payload, qos: 1}); err != nil {
		log.Printf("mqtt: %v", err)
	}
}

// flushLocked sends the buffered messages followed by next (if non-nil).
// On the first failure the undelivered messages, next included, go back
// into the buffer. It returns how many messages were delivered. The caller
// holds p.send.
func (p *RealPublisher) flushLocked(next *bufferedMsg) (int, error) {
	p.mu.Lock()
	pending := p.buffer.drainAll()
	p.mu.Unlock()
	if next != nil {
		pending = append(pending, *next)
	}

	for i, msg := range pending {
		if err := p.deliver(msg); err != nil {
			p.mu.Lock()
			for _, rest := range pending[i:] {
				p.buffer.push(rest)
			}
			p.mu.Unlock()
			return i, err
		}
	}
	return len(pending), nil
}

func (p *RealPublisher) deliver(msg bufferedMsg) error {
	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish to %s: timeout", msg.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.topic, err)
	}
	return nil
}

// publish sends msg behind anything still buffered. Undelivered messages
// stay buffered for the next publish or reconnect.
func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	msg := bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained}

	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.buffer.push(msg)
		p.mu.Unlock()
		return nil
	}

	p.send.Lock()
	defer p.send.Unlock()
	_, err := p.flushLocked(&msg)
	return err
}

// Publish sends a sensor event to the MQTT broker.
func (p *RealPublisher) Publish(event logic.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	return p.publish(TopicFor(event), QoSFor(event), false, payload)
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	// QoS 1 (at-least-once): lifecycle events are rare and we want them delivered.
	return p.publish(TopicSystem, 1, event.Retained, payload)
}

// IsConnected reports whether the client currently has a broker connection.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Buffered returns the number of messages waiting for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.len()
}

// Dropped returns the number of buffered messages lost to overflow since startup.
func (p *RealPublisher) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.total
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	p.mu.Lock()
	n := p.buffer.len()
	p.mu.Unlock()
	if n > 0 {
		log.Printf("mqtt: %d buffered messages discarded on close", n)
	}
	return nil
}
