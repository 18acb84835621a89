// Package amqp publishes onboarding milestone events to RabbitMQ.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"expenseclient/internal/log"
)

// Circuit breaker states
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures        = 5
	openTimeout        = 30 * time.Second
	maxConnectAttempts = 3
	connectTimeout     = 5 * time.Second
	publishTimeout     = 5 * time.Second
	drainTimeout       = 2 * time.Second
	defaultQueueSize   = 64
)

var (
	// ErrCircuitOpen is returned while the broker is considered unavailable.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrQueueFull   = errors.New("milestone queue is full")
	ErrClosed      = errors.New("amqp client is closed")
)

// Client connects lazily on first publish and reconnects after the
// connection drops. Messages handed to PublishMilestone are queued and sent
// by a background goroutine, so callers never wait on the broker. Repeated
// failures open a circuit breaker so a missing broker costs nothing beyond
// one failed attempt per openTimeout.
type Client struct {
	url          string
	exchangeName string
	queueName    string
	logger       *log.Logger

	queue    chan *MilestoneMessage
	qmu      sync.RWMutex
	closed   bool
	done     chan struct{}
	stopWork context.CancelFunc

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	state        int32
	failureCount int64
	cbMu         sync.Mutex
	lastFailure  time.Time
}

func NewClient(url, exchangeName, queueName string, logger *log.Logger) *Client {
	return newClient(url, exchangeName, queueName, logger, defaultQueueSize)
}

func newClient(url, exchangeName, queueName string, logger *log.Logger, queueSize int) *Client {
	if logger == nil {
		logger = log.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:          url,
		exchangeName: exchangeName,
		queueName:    queueName,
		logger:       logger.WithComponent(log.ComponentAMQP),
		queue:        make(chan *MilestoneMessage, queueSize),
		done:         make(chan struct{}),
		stopWork:     cancel,
	}
	go c.run(ctx)
	return c
}

// PublishMilestone queues msg for delivery and returns at once. The error
// only reports why the message was not queued; delivery failures are
// logged by the sender goroutine.
func (c *Client) PublishMilestone(ctx context.Context, msg *MilestoneMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isCircuitOpen() {
		return fmt.Errorf("publish milestone %s: %w", msg.Milestone, ErrCircuitOpen)
	}

	c.qmu.RLock()
	defer c.qmu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.queue <- msg:
		return nil
	default:
		return fmt.Errorf("publish milestone %s: %w", msg.Milestone, ErrQueueFull)
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	for msg := range c.queue {
		if err := c.publish(ctx, msg); err != nil {
			c.logger.WarnContext(ctx, "Failed to deliver milestone message",
				log.FieldOperation, log.OpPublish,
				log.FieldMilestone, msg.Milestone,
				log.FieldUserID, msg.UserID,
				log.FieldError, err)
		}
	}
}

// publish sends msg as a persistent JSON message, dialing if needed.
func (c *Client) publish(ctx context.Context, msg *MilestoneMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isCircuitOpen() {
		return fmt.Errorf("publish milestone %s: %w", msg.Milestone, ErrCircuitOpen)
	}

	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ch, err := c.ensureChannel(ctx)
	if err != nil {
		c.recordFailure()
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = ch.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		c.queueName,    // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    msg.ID,
			Timestamp:    msg.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		if isConnectionError(err) {
			c.dropConnection()
		}
		c.recordFailure()
		return fmt.Errorf("publish message: %w", err)
	}
	c.recordSuccess()

	c.logger.InfoContext(ctx, "Published milestone message",
		log.FieldMilestone, msg.Milestone,
		log.FieldUserID, msg.UserID,
		"exchange", c.exchangeName,
		"queue", c.queueName)
	return nil
}

func (c *Client) ensureChannel(ctx context.Context) (*amqp091.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() && c.channel != nil && !c.channel.IsClosed() {
		return c.channel, nil
	}
	c.closeLocked()

	var lastErr error
	for attempt := 0; attempt < maxConnectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(exponentialBackoff(attempt - 1)):
			}
		}

		conn, err := amqp091.DialConfig(c.url, amqp091.Config{
			Dial: dialContext(ctx),
		})
		if err != nil {
			lastErr = err
			c.logger.WarnContext(ctx, "AMQP dial failed",
				"attempt", attempt+1,
				log.FieldError, err)
			continue
		}

		channel, err := conn.Channel()
		if err != nil {
			conn.Close()
			lastErr = fmt.Errorf("open channel: %w", err)
			continue
		}

		c.conn, c.channel = conn, channel
		if err := c.setup(); err != nil {
			c.closeLocked()
			return nil, fmt.Errorf("setup exchange and queue: %w", err)
		}
		return channel, nil
	}
	return nil, fmt.Errorf("dial AMQP: %w", lastErr)
}

func (c *Client) setup() error {
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

	// Routing key equals the queue name on a direct exchange
	if err := c.channel.QueueBind(c.queueName, c.queueName, c.exchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

func (c *Client) isCircuitOpen() bool {
	if atomic.LoadInt32(&c.state) != StateOpen {
		return false
	}

	c.cbMu.Lock()
	since := time.Since(c.lastFailure)
	c.cbMu.Unlock()

	if since > openTimeout {
		// Let one attempt through
		atomic.CompareAndSwapInt32(&c.state, StateOpen, StateHalfOpen)
		return false
	}
	return true
}

func (c *Client) recordFailure() {
	c.cbMu.Lock()
	c.lastFailure = time.Now()
	c.cbMu.Unlock()

	failures := atomic.AddInt64(&c.failureCount, 1)
	if failures >= maxFailures || atomic.LoadInt32(&c.state) == StateHalfOpen {
		if atomic.SwapInt32(&c.state, StateOpen) != StateOpen {
			c.logger.Warn("AMQP circuit breaker opened", "failures", failures)
		}
	}
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

func (c *Client) dropConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close stops accepting messages, gives queued ones drainTimeout to go
// out, then drops the connection.
func (c *Client) Close() error {
	c.qmu.Lock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	c.qmu.Unlock()

	select {
	case <-c.done:
	case <-time.After(drainTimeout):
		c.logger.Warn("Dropping undelivered milestone messages", "pending", len(c.queue))
		c.stopWork()
		<-c.done
	}
	c.stopWork()

	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	return err
}

// dialContext mirrors amqp091.DefaultDial but aborts when ctx is done.
func dialContext(ctx context.Context) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: connectTimeout}
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		// Deadline covers the AMQP handshake; amqp091 clears it afterwards
		if err := conn.SetDeadline(time.Now().Add(connectTimeout)); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

// exponentialBackoff returns 1s, 2s, 4s... capped at 30s.
func exponentialBackoff(attempt int) time.Duration {
	if attempt > 5 {
		attempt = 5
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection closed", "eof", "broken pipe", "use of closed network connection", "channel/connection is not open"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
