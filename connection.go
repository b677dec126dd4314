package pulse

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionState is the lifecycle state of a Connection
type ConnectionState int32

const (
	// StateWaiting means the connection was created but connect has not
	// been called yet.
	StateWaiting ConnectionState = iota
	// StateConnecting means the dial is in flight.
	StateConnecting
	// StateConnected means the AMQP handle is live.
	StateConnected
	// StateRetiring means the connection is draining in-flight work and
	// accepts no new work.
	StateRetiring
	// StateFinished means the AMQP handle is closed and released.
	StateFinished
)

func (s ConnectionState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRetiring:
		return "retiring"
	case StateFinished:
		return "finished"
	}
	return "unknown"
}

const (
	heartbeatInterval = 120 * time.Second
	dialTimeout       = 30 * time.Second
)

// Connection is a single AMQP session owned by its Manager. Consumers
// look connections up through the manager's connected events; they never
// own one.
type Connection struct {
	id     int64
	mgr    *Manager
	logger *slog.Logger

	mu       sync.Mutex
	state    ConnectionState
	amqpConn *amqp.Connection
	retiring []func()

	// done is closed when the connection reaches finished.
	done chan struct{}
}

func newConnection(id int64, mgr *Manager) *Connection {
	return &Connection{
		id:     id,
		mgr:    mgr,
		logger: mgr.logger.With("connection", id),
		state:  StateWaiting,
		done:   make(chan struct{}),
	}
}

// ID returns the connection's manager-unique, monotonically increasing id.
func (c *Connection) ID() int64 {
	return c.id
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AMQP returns the live AMQP handle, or nil unless the state is connected.
func (c *Connection) AMQP() *amqp.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil
	}
	return c.amqpConn
}

// connect dials the broker. Callable only in state waiting; otherwise a
// no-op. The manager schedules this after its reconnection gate.
func (c *Connection) connect(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateWaiting {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	creds, err := c.mgr.fetchCredentials(ctx)
	if err != nil {
		c.logger.Error("failed to fetch credentials", "error", err)
		c.Failed()
		return
	}

	c.logger.Debug("dialing broker", "url", SanitizeURL(creds.ConnectionString))
	handle, err := dialAMQP(creds.ConnectionString)
	if err != nil {
		c.logger.Error("dial failed", "url", SanitizeURL(creds.ConnectionString), "error", err)
		c.Failed()
		return
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Retired while the dial was in flight; the fresh handle must not
		// leak.
		c.mu.Unlock()
		_ = handle.Close()
		return
	}
	c.amqpConn = handle
	c.state = StateConnected
	c.mu.Unlock()

	closed := handle.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if amqpErr, ok := <-closed; ok && amqpErr != nil {
			c.logger.Warn("connection closed unexpectedly", "error", amqpErr)
			c.Failed()
		}
	}()

	c.logger.Info("connected", "url", SanitizeURL(creds.ConnectionString))
	c.mgr.connectionReady(c)
}

// Failed escalates a transport or channel error on this connection. It is
// a no-op once the connection is retiring or finished; otherwise it asks
// the manager to recycle, and the ensuing retire performs the state
// transition.
func (c *Connection) Failed() {
	c.mu.Lock()
	if c.state == StateRetiring || c.state == StateFinished {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.mgr.Recycle()
}

// Retire gracefully closes the connection: in-flight work gets the
// manager's retirement delay to drain, then the AMQP handle is closed and
// discarded. Idempotent against retiring and finished. Blocks for the
// full grace period. The manager instead enters the retiring state
// synchronously via beginRetire and runs only the grace period in the
// background, so a replacement can never be connected while this
// connection still claims to be.
func (c *Connection) Retire() {
	if !c.beginRetire() {
		return
	}
	c.finishRetire()
}

// beginRetire moves the connection into retiring and notifies
// subscribers. Returns false when the connection is already retiring or
// finished.
func (c *Connection) beginRetire() bool {
	c.mu.Lock()
	if c.state == StateRetiring || c.state == StateFinished {
		c.mu.Unlock()
		return false
	}
	c.state = StateRetiring
	callbacks := c.retiring
	c.retiring = nil
	c.mu.Unlock()

	c.logger.Debug("retiring")
	for _, fn := range callbacks {
		fn()
	}
	return true
}

// finishRetire completes a retirement begun with beginRetire.
func (c *Connection) finishRetire() {
	// Grace period for handlers still holding deliveries on this
	// connection. Fires even while the manager is stopping.
	time.Sleep(c.mgr.retirementDelay())

	c.mu.Lock()
	if c.amqpConn != nil {
		_ = c.amqpConn.Close()
		c.amqpConn = nil
	}
	c.state = StateFinished
	c.mu.Unlock()

	c.logger.Debug("finished")
	c.mgr.connectionFinished(c)
	close(c.done)
}

// onRetiring registers fn to run when the connection begins retiring. If
// it already has, fn runs immediately.
func (c *Connection) onRetiring(fn func()) {
	c.mu.Lock()
	if c.state == StateRetiring || c.state == StateFinished {
		c.mu.Unlock()
		fn()
		return
	}
	c.retiring = append(c.retiring, fn)
	c.mu.Unlock()
}

// dialAMQP opens an AMQP session with the heartbeat and dial discipline
// used for broker sessions: 120 s heartbeat, 30 s TCP dial timeout, and
// TCP_NODELAY. TLS for amqps URLs is handled by the AMQP client.
func dialAMQP(connectionString string) (*amqp.Connection, error) {
	return amqp.DialConfig(connectionString, amqp.Config{
		Heartbeat: heartbeatInterval,
		Dial: func(network, addr string) (net.Conn, error) {
			conn, err := net.DialTimeout(network, addr, dialTimeout)
			if err != nil {
				return nil, err
			}
			if tcp, ok := conn.(*net.TCPConn); ok {
				_ = tcp.SetNoDelay(true)
			}
			return conn, nil
		},
	})
}
