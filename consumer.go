package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultPrefetch = 5

// Binding associates the consumer's queue with a topic exchange.
type Binding struct {
	// Exchange is the fully qualified exchange name.
	Exchange string

	// RoutingKeyPattern is a topic pattern, with * and # wildcards.
	RoutingKeyPattern string

	// RoutingKeyReference, when set, names the positional parts of
	// delivered routing keys so the consumer can populate
	// Message.Routing.
	RoutingKeyReference []RoutingKeyPart
}

// MessageHandler processes one decoded delivery. Returning nil acks the
// delivery; returning an error nacks it (requeued on the first failure,
// discarded and reported on a redelivery). Handlers may run concurrently
// up to the prefetch bound.
type MessageHandler func(ctx context.Context, msg *Message) error

// ConsumeOptions configure Consume. Exactly one of QueueName and
// ExclusiveQueue must be set.
type ConsumeOptions struct {
	// Manager supplies connections. Required.
	Manager *Manager

	// QueueName names a persistent queue, declared durable and qualified
	// as "queue/<namespace>/<QueueName>".
	QueueName string

	// ExclusiveQueue selects an ephemeral per-connection queue with a
	// fresh slug-based name instead of a persistent one.
	ExclusiveQueue bool

	// Bindings to install on the queue on every connection.
	Bindings []Binding

	// Prefetch caps in-flight deliveries per channel. Defaults to 5.
	Prefetch int

	// MaxLength, when nonzero, is forwarded to the queue declaration as
	// x-max-length.
	MaxLength int

	// HandleMessage is the user handler. Required.
	HandleMessage MessageHandler

	// OnError receives user-visible consumer errors, notably
	// ErrExclusiveQueueDisconnected. Optional.
	OnError func(err error)

	// Logger for consumer lifecycle logging. Defaults to the manager's.
	Logger *slog.Logger
}

// Consumer is a durable topic-queue subscriber. It re-declares its queue
// and bindings on every new connection and interacts with connection
// retirement so that no delivery is lost or doubly processed.
type Consumer struct {
	mgr       *Manager
	bindings  []Binding
	handle    MessageHandler
	onError   func(error)
	queueName string
	exclusive bool
	slug      string
	prefetch  int
	maxLength int
	logger    *slog.Logger

	// ctx is the consume-call context, passed through to handlers.
	ctx context.Context

	mu          sync.Mutex
	running     bool
	channel     *amqp.Channel
	connID      int64
	consumerTag string
	loopDone    chan struct{}

	inFlight sync.WaitGroup
}

// Consume validates the options, declares and binds the queue so it exists
// before the first message is published, and starts consuming on the
// current and every future connection. ctx bounds the initial declaration
// and is the base context handed to message handlers.
func Consume(ctx context.Context, opts ConsumeOptions) (*Consumer, error) {
	if opts.Manager == nil {
		return nil, fmt.Errorf("%w: consume: manager is required", ErrInvalidConfiguration)
	}
	if opts.HandleMessage == nil {
		return nil, fmt.Errorf("%w: consume: handleMessage is required", ErrInvalidConfiguration)
	}
	if opts.QueueName != "" && opts.ExclusiveQueue {
		return nil, fmt.Errorf("%w: consume: queueName and exclusiveQueue are mutually exclusive", ErrInvalidConfiguration)
	}
	if opts.QueueName == "" && !opts.ExclusiveQueue {
		return nil, fmt.Errorf("%w: consume: either queueName or exclusiveQueue is required", ErrInvalidConfiguration)
	}

	logger := opts.Logger
	if logger == nil {
		logger = opts.Manager.logger
	}
	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	c := &Consumer{
		mgr:       opts.Manager,
		bindings:  opts.Bindings,
		handle:    opts.HandleMessage,
		onError:   opts.OnError,
		queueName: opts.QueueName,
		exclusive: opts.ExclusiveQueue,
		prefetch:  prefetch,
		maxLength: opts.MaxLength,
		logger:    logger,
		ctx:       ctx,
		running:   true,
	}
	if c.exclusive {
		c.slug = uuid.NewString()
	}

	// Declare and bind once on a synchronous channel, so the queue exists
	// before anything is published to it. A swallowed channel-open failure
	// is fine here: the per-connection handler declares again.
	err := c.mgr.WithChannel(ctx, func(ch *amqp.Channel) error {
		_, err := c.declareAndBind(ch)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.mgr.OnConnected(c.onConnection)
	if conn := c.mgr.ActiveConnection(); conn != nil {
		c.onConnection(conn)
	}
	return c, nil
}

// amqpQueueName is the broker-side queue name: persistent queues are
// "queue/<namespace>/<name>", exclusive ones get a fresh slug under
// "queue/<namespace>/exclusive/".
func (c *Consumer) amqpQueueName() string {
	if c.exclusive {
		return c.mgr.FullObjectName("queue", "exclusive/"+c.slug)
	}
	return c.mgr.FullObjectName("queue", c.queueName)
}

// declareAndBind declares the queue (idempotent: the same options every
// time) and applies every binding.
func (c *Consumer) declareAndBind(ch *amqp.Channel) (string, error) {
	name := c.amqpQueueName()
	args := amqp.Table{}
	if c.maxLength > 0 {
		args["x-max-length"] = int32(c.maxLength)
	}

	var err error
	if c.exclusive {
		_, err = ch.QueueDeclare(name, false, true, true, false, args)
	} else {
		_, err = ch.QueueDeclare(name, true, false, false, false, args)
	}
	if err != nil {
		return "", &ConsumerError{Queue: name, Op: "declare queue", Err: err}
	}

	for _, binding := range c.bindings {
		if err := ch.QueueBind(name, binding.RoutingKeyPattern, binding.Exchange, false, nil); err != nil {
			return "", &ConsumerError{Queue: name, Op: "bind queue", Err: err}
		}
		c.logger.Debug("bound queue",
			"queue", name,
			"exchange", binding.Exchange,
			"pattern", binding.RoutingKeyPattern,
		)
	}
	return name, nil
}

// onConnection attaches the consumer to a freshly connected connection.
// Declaration problems fail the connection; the next reconnect retries.
func (c *Consumer) onConnection(conn *Connection) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.attach(conn); err != nil {
		c.logger.Error("failed to attach consumer", "connection", conn.ID(), "error", err)
		c.mgr.monitor.ReportError(err, map[string]any{
			"queueName": c.amqpQueueName(),
		})
		conn.Failed()
	}
}

func (c *Consumer) attach(conn *Connection) error {
	c.mu.Lock()
	if c.channel != nil && c.connID == conn.ID() {
		// Already consuming on this connection; the connected event and
		// the immediate invocation at start can both fire for it.
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	handle := conn.AMQP()
	if handle == nil {
		return ErrNotConnected
	}
	ch, err := handle.Channel()
	if err != nil {
		return &ConsumerError{Queue: c.amqpQueueName(), Op: "open channel", Err: err}
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return &ConsumerError{Queue: c.amqpQueueName(), Op: "set prefetch", Err: err}
	}
	name, err := c.declareAndBind(ch)
	if err != nil {
		_ = ch.Close()
		return err
	}

	// A broker-level error on the channel invalidates the whole
	// connection.
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if amqpErr, ok := <-closed; ok && amqpErr != nil {
			c.logger.Warn("consumer channel closed", "queue", name, "error", amqpErr)
			conn.Failed()
		}
	}()

	tag := "pulse-" + uuid.NewString()
	deliveries, err := ch.Consume(name, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return &ConsumerError{Queue: name, ConsumerTag: tag, Op: "consume", Err: err}
	}

	loopDone := make(chan struct{})
	c.mu.Lock()
	c.channel = ch
	c.connID = conn.ID()
	c.consumerTag = tag
	c.loopDone = loopDone
	c.mu.Unlock()

	conn.onRetiring(func() {
		go c.detach(conn)
	})

	c.logger.Info("consuming",
		"queue", name,
		"consumerTag", tag,
		"prefetch", c.prefetch,
		"connection", conn.ID(),
	)
	go c.consumeLoop(conn, deliveries, loopDone)
	return nil
}

// consumeLoop dispatches deliveries until the consumer is cancelled or
// the channel dies. Each delivery runs in its own goroutine; the broker's
// prefetch bound caps how many are outstanding at once.
func (c *Consumer) consumeLoop(conn *Connection, deliveries <-chan amqp.Delivery, done chan struct{}) {
	defer close(done)
	for delivery := range deliveries {
		c.inFlight.Add(1)
		go func(d amqp.Delivery) {
			defer c.inFlight.Done()
			c.handleDelivery(conn, d)
		}(delivery)
	}
}

// handleDelivery decodes and dispatches one delivery, then takes exactly
// one terminal action: ack on success, nack-requeue on a first handler
// failure, nack-drop plus a monitor report on a redelivered failure.
func (c *Consumer) handleDelivery(conn *Connection, delivery amqp.Delivery) {
	msg, err := newMessage(delivery, c.bindings)
	if err != nil {
		// Internal failure: the channel contents can't be trusted.
		c.mgr.monitor.ReportError(err, map[string]any{
			"queueName": c.amqpQueueName(),
			"exchange":  delivery.Exchange,
		})
		conn.Failed()
		return
	}

	err = c.handle(c.ctx, msg)
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Debug("ack failed", "deliveryTag", delivery.DeliveryTag, "error", ackErr)
		}
		return
	}

	if delivery.Redelivered {
		// Second strike: discard (dead-letter if configured) and report.
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Debug("nack failed", "deliveryTag", delivery.DeliveryTag, "error", nackErr)
		}
		c.mgr.monitor.ReportError(err, map[string]any{
			"queueName":   c.amqpQueueName(),
			"exchange":    delivery.Exchange,
			"redelivered": true,
		})
		return
	}

	// First failure: the broker retries once.
	if nackErr := delivery.Nack(false, true); nackErr != nil {
		c.logger.Debug("nack failed", "deliveryTag", delivery.DeliveryTag, "error", nackErr)
	}
}

// detach runs when the consumer's connection begins retiring: cancel the
// consumer, let in-flight handlers drain (the retiring connection still
// accepts their acks), then close the channel best-effort. An exclusive
// queue dying while the manager is still running is unrecoverable and is
// surfaced to the user.
func (c *Consumer) detach(conn *Connection) {
	c.mu.Lock()
	running := c.running
	var ch *amqp.Channel
	var tag string
	var loopDone chan struct{}
	// Tear down only a channel opened on the retiring connection; if a
	// newer connection already took over, its channel must be left alone.
	if c.channel != nil && c.connID == conn.ID() {
		ch = c.channel
		tag = c.consumerTag
		loopDone = c.loopDone
		c.channel = nil
		c.consumerTag = ""
		c.loopDone = nil
	}
	c.mu.Unlock()

	if ch != nil {
		if tag != "" {
			_ = ch.Cancel(tag, false)
		}
		if loopDone != nil {
			<-loopDone
		}
		c.inFlight.Wait()
		_ = ch.Close()
	}

	if c.exclusive && running && c.mgr.Running() {
		c.emitError(&ConsumerError{
			Queue: c.amqpQueueName(),
			Op:    "consume",
			Err:   ErrExclusiveQueueDisconnected,
		})
	}
}

// Stop cancels the consumer, waits for in-flight handlers to complete,
// and closes the channel. The queue and its bindings remain on the
// broker. Idempotent.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	ch := c.channel
	tag := c.consumerTag
	loopDone := c.loopDone
	c.channel = nil
	c.consumerTag = ""
	c.loopDone = nil
	c.mu.Unlock()

	if ch != nil && tag != "" {
		_ = ch.Cancel(tag, false)
	}

	drained := make(chan struct{})
	go func() {
		if loopDone != nil {
			<-loopDone
		}
		c.inFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	if ch != nil {
		_ = ch.Close()
	}
	c.logger.Info("consumer stopped", "queue", c.amqpQueueName())
	return nil
}

func (c *Consumer) emitError(err error) {
	if c.onError != nil {
		c.onError(err)
		return
	}
	c.logger.Error("consumer error", "error", err)
}
