// Package messaging provides a NATS client wrapper for propagating room
// events between chat server instances. Each room maps to one NATS subject;
// an instance subscribes while it has local members and publishes every
// room emit so peers can deliver to their own members.
package messaging

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectRoomPrefix is the subject namespace for room fan-out events.
const SubjectRoomPrefix = "room."

// NATSClient wraps the NATS connection with room-keyed subscriptions.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription // roomKey -> subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "parley",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// roomSubject maps a room key to its NATS subject. Room keys use ':' as
// namespace separator, which would read as a literal character in a NATS
// subject; '.' keeps the subjects hierarchical ("room.chat.42").
func roomSubject(roomKey string) string {
	return SubjectRoomPrefix + strings.ReplaceAll(roomKey, ":", ".")
}

// PublishRoom publishes a room event for other instances.
func (c *NATSClient) PublishRoom(roomKey string, data []byte) error {
	return c.conn.Publish(roomSubject(roomKey), data)
}

// SubscribeRoom registers a handler for a room's events. One subscription
// per room; subscribing an already subscribed room replaces the old
// subscription.
func (c *NATSClient) SubscribeRoom(roomKey string, handler func(data []byte)) error {
	subject := roomSubject(roomKey)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[roomKey]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[roomKey] = sub
	c.mu.Unlock()

	return nil
}

// UnsubscribeRoom removes a room's subscription.
func (c *NATSClient) UnsubscribeRoom(roomKey string) error {
	c.mu.Lock()
	sub, ok := c.subs[roomKey]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for room %s", roomKey)
	}
	delete(c.subs, roomKey)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", roomKey, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for roomKey, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", roomKey, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
