/*
publisher.go - Balance change fan-out over AMQP

PURPOSE:
  Pushes committed balance changes to a RabbitMQ exchange so downstream
  consumers (sync services, notification fan-out) learn about new values
  without polling the API. The payload carries the new balance and its
  source; consumers fetch anything heavier on demand.

PIECES:
  Client    - the wire: connection, channel, exchange and queue declaration,
              publish with a per-message timeout.
  Publisher - the store listener: store callbacks run synchronously with the
              commit, so the listener only enqueues onto a buffered channel
              and a single goroutine does the actual publishing.

BACKPRESSURE:
  The event buffer is bounded. When the broker is slow enough to fill it,
  new events are dropped and counted rather than stalling balance commits.
  Balances remain queryable from the API either way.

LIFECYCLE:
  Unsubscribe from the store before calling Close. Close drains buffered
  events, then the owner closes the Client.
*/
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/finmgr/balance-engine/balance"
)

// DefaultEventBuffer bounds events waiting for the broker.
const DefaultEventBuffer = 256

// publishTimeout bounds one broker round trip.
const publishTimeout = 5 * time.Second

// =============================================================================
// CLIENT - AMQP connection and publishing
// =============================================================================

type Client struct {
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	exchangeName string
	queueName    string
	log          *zap.Logger
}

func NewClient(url, exchangeName, queueName string, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	client := &Client{
		conn:         conn,
		channel:      channel,
		exchangeName: exchangeName,
		queueName:    queueName,
		log:          log,
	}

	if err := client.setup(); err != nil {
		client.Close()
		return nil, fmt.Errorf("setup exchange and queue: %w", err)
	}

	return client, nil
}

func (c *Client) setup() error {
	// Declare exchange
	err := c.channel.ExchangeDeclare(
		c.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	// Declare queue
	_, err = c.channel.QueueDeclare(
		c.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	// Bind queue to exchange
	err = c.channel.QueueBind(
		c.queueName,    // queue name
		c.queueName,    // routing key (same as queue name for direct exchange)
		c.exchangeName, // exchange
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	return nil
}

// PublishBalanceChanged publishes one balance change message.
func (c *Client) PublishBalanceChanged(ctx context.Context, msg *BalanceChangedMessage) error {
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = c.channel.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		c.queueName,    // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent, // make message persistent
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	c.log.Debug("published balance change",
		zap.String("account", msg.AccountID),
		zap.String("balance", msg.Balance),
		zap.String("exchange", c.exchangeName),
		zap.String("queue", c.queueName))

	return nil
}

func (c *Client) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// =============================================================================
// PUBLISHER - Non-blocking store listener
// =============================================================================

// Sink delivers one balance change message to the broker.
type Sink interface {
	PublishBalanceChanged(ctx context.Context, msg *BalanceChangedMessage) error
}

// Publisher adapts a Sink to the store's listener interface. BalanceChanged
// never blocks the committing caller; events queue onto a bounded buffer and
// one goroutine publishes them in commit order.
type Publisher struct {
	sink Sink
	log  *zap.Logger

	events chan balance.ChangeEvent
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	published uint64
	dropped   uint64
	failed    uint64
}

type PublisherOption func(*Publisher)

// WithEventBuffer sets how many events may wait for the broker.
func WithEventBuffer(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.events = make(chan balance.ChangeEvent, n)
		}
	}
}

// WithPublisherLogger sets the logger. Defaults to a no-op logger.
func WithPublisherLogger(log *zap.Logger) PublisherOption {
	return func(p *Publisher) {
		if log != nil {
			p.log = log
		}
	}
}

// NewPublisher starts the publishing goroutine. The caller owns the sink's
// lifecycle; close the Publisher first, then the sink.
func NewPublisher(sink Sink, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		sink:   sink,
		log:    zap.NewNop(),
		events: make(chan balance.ChangeEvent, DefaultEventBuffer),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(1)
	go p.pump()

	return p
}

// BalanceChanged enqueues one committed change for publishing. When the
// buffer is full or the publisher is closed the event is dropped.
func (p *Publisher) BalanceChanged(ev balance.ChangeEvent) {
	p.mu.Lock()
	if p.closed {
		p.dropped++
		p.mu.Unlock()
		return
	}

	select {
	case p.events <- ev:
		p.mu.Unlock()
	default:
		p.dropped++
		p.mu.Unlock()
		p.log.Warn("event buffer full, dropping balance change",
			zap.String("account", string(ev.AccountID)),
			zap.String("source", ev.Source.String()))
	}
}

func (p *Publisher) pump() {
	defer p.wg.Done()
	for ev := range p.events {
		msg := NewBalanceChangedMessage(ev)
		if err := p.sink.PublishBalanceChanged(context.Background(), msg); err != nil {
			p.mu.Lock()
			p.failed++
			p.mu.Unlock()
			p.log.Error("failed to publish balance change",
				zap.String("account", msg.AccountID),
				zap.Error(err))
			continue
		}
		p.mu.Lock()
		p.published++
		p.mu.Unlock()
	}
}

// Close drains buffered events and stops the publishing goroutine.
// Unsubscribe from the store first; events arriving after Close are dropped.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.events)
	p.wg.Wait()
}

// PublisherStatistics counts publishing outcomes since startup.
type PublisherStatistics struct {
	Published uint64
	Dropped   uint64
	Failed    uint64
}

func (p *Publisher) Statistics() PublisherStatistics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PublisherStatistics{
		Published: p.published,
		Dropped:   p.dropped,
		Failed:    p.failed,
	}
}
