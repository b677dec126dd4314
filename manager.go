package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultRecycleInterval         = time.Hour
	defaultRetirementDelay         = 30 * time.Second
	defaultMinReconnectionInterval = 15 * time.Second
)

// ManagerOptions configure a Manager. Exactly one credential source must
// be set: ConnectionString, the static Username/Password/Hostname/Vhost
// quad, or a Credentials provider.
type ManagerOptions struct {
	// ConnectionString is a complete AMQP URL.
	ConnectionString string

	// Username, Password, Hostname and Vhost describe static credentials.
	Username string
	Password string
	Hostname string
	Vhost    string

	// Credentials is an externally supplied provider, e.g. from
	// ClaimedCredentials.
	Credentials CredentialsProvider

	// Namespace overrides the namespace derived from the credentials.
	Namespace string

	// Monitor receives absorbed errors. Required.
	Monitor Monitor

	// Logger for lifecycle logging. Defaults to slog.Default().
	Logger *slog.Logger

	// RecycleInterval is the period of scheduled connection recycling.
	// Defaults to one hour.
	RecycleInterval time.Duration

	// RetirementDelay is the grace period a retiring connection gives
	// in-flight work before closing. Defaults to 30 seconds.
	RetirementDelay time.Duration

	// MinReconnectionInterval is the minimum gap between dial attempts.
	// Defaults to 15 seconds.
	MinReconnectionInterval time.Duration
}

// Manager holds at most one live broker connection at a time, cycles it
// periodically to exercise the reconnection path, overlaps a new
// connection with the retiring old one, and rate-limits dial attempts.
type Manager struct {
	credentials CredentialsProvider
	monitor     Monitor
	logger      *slog.Logger

	recycleInterval         time.Duration
	retireDelay             time.Duration
	minReconnectionInterval time.Duration

	mu           sync.Mutex
	running      bool
	namespace    string
	conns        []*Connection // newest first
	nextID       int64
	lastAttempt  time.Time
	recycleAfter time.Duration
	recycleTimer *time.Timer
	listeners    []func(*Connection)
	pending      []func(*Connection)
}

// NewManager validates the options, starts the manager, and schedules the
// first connection attempt.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Monitor == nil {
		return nil, fmt.Errorf("%w: manager: monitor is required", ErrInvalidConfiguration)
	}

	hasStatic := opts.Username != "" || opts.Password != "" || opts.Hostname != "" || opts.Vhost != ""
	if opts.ConnectionString != "" && hasStatic {
		return nil, fmt.Errorf("%w: manager: connectionString conflicts with username/password/hostname/vhost", ErrInvalidConfiguration)
	}
	if opts.ConnectionString != "" && opts.Credentials != nil {
		return nil, fmt.Errorf("%w: manager: connectionString conflicts with a credentials provider", ErrInvalidConfiguration)
	}
	if opts.Credentials != nil && hasStatic {
		return nil, fmt.Errorf("%w: manager: credentials provider conflicts with username/password/hostname/vhost", ErrInvalidConfiguration)
	}

	var provider CredentialsProvider
	var namespace string
	switch {
	case opts.Credentials != nil:
		provider = opts.Credentials
	case opts.ConnectionString != "":
		provider = ConnectionStringCredentials(opts.ConnectionString)
		namespace = namespaceFromURL(opts.ConnectionString)
	case hasStatic:
		var err error
		provider, err = StaticCredentials(StaticCredentialsOptions{
			Username: opts.Username,
			Password: opts.Password,
			Hostname: opts.Hostname,
			Vhost:    opts.Vhost,
		})
		if err != nil {
			return nil, err
		}
		namespace = opts.Username
	default:
		return nil, fmt.Errorf("%w: manager: a connection string, static credentials, or a credentials provider is required", ErrInvalidConfiguration)
	}
	if opts.Namespace != "" {
		namespace = opts.Namespace
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		credentials:             provider,
		monitor:                 opts.Monitor,
		logger:                  logger,
		recycleInterval:         defaultDuration(opts.RecycleInterval, defaultRecycleInterval),
		retireDelay:             defaultDuration(opts.RetirementDelay, defaultRetirementDelay),
		minReconnectionInterval: defaultDuration(opts.MinReconnectionInterval, defaultMinReconnectionInterval),
		running:                 true,
		namespace:               namespace,
		// Gate the very first dial behind the reconnection interval as
		// well, so a manager stopped right after construction never dials.
		lastAttempt: time.Now(),
	}
	m.Recycle()
	return m, nil
}

func defaultDuration(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Namespace returns the namespace prefixing owned object names. For
// provider-based credentials it is empty until the first fetch.
func (m *Manager) Namespace() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.namespace
}

// FullObjectName qualifies an owned object name as "kind/namespace/name".
func (m *Manager) FullObjectName(kind, name string) string {
	return fmt.Sprintf("%s/%s/%s", kind, m.Namespace(), name)
}

// Running reports whether the manager has not been stopped.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// NumConnections returns how many connections have not yet finished.
func (m *Manager) NumConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// ActiveConnection returns the newest connection iff it is connected.
func (m *Manager) ActiveConnection() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeConnectionLocked()
}

func (m *Manager) activeConnectionLocked() *Connection {
	if len(m.conns) == 0 {
		return nil
	}
	if conn := m.conns[0]; conn.State() == StateConnected {
		return conn
	}
	return nil
}

// OnConnected registers fn to run every time a new connection reaches the
// connected state. Listeners run serially, in registration order, on the
// manager's event path.
func (m *Manager) OnConnected(fn func(*Connection)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// WithConnection runs fn with the active connection now, or with the next
// connection to reach connected.
func (m *Manager) WithConnection(fn func(*Connection)) {
	m.mu.Lock()
	active := m.activeConnectionLocked()
	if active == nil {
		m.pending = append(m.pending, fn)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	fn(active)
}

// WithChannel opens a short-lived channel on the active connection (waiting
// for one if necessary), runs fn with it, and closes it best-effort on
// every exit path. A channel that cannot be opened (the broker may be
// mid-reconnect) yields a silent no-op; callers must tolerate this.
func (m *Manager) WithChannel(ctx context.Context, fn func(*amqp.Channel) error) error {
	return m.withChannel(ctx, false, fn)
}

// WithConfirmChannel is WithChannel with the channel in confirm mode.
func (m *Manager) WithConfirmChannel(ctx context.Context, fn func(*amqp.Channel) error) error {
	return m.withChannel(ctx, true, fn)
}

func (m *Manager) withChannel(ctx context.Context, confirm bool, fn func(*amqp.Channel) error) error {
	ready := make(chan *Connection, 1)
	m.WithConnection(func(conn *Connection) {
		ready <- conn
	})

	var conn *Connection
	select {
	case conn = <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	handle := conn.AMQP()
	if handle == nil {
		return nil
	}
	ch, err := handle.Channel()
	if err != nil {
		m.logger.Debug("channel open failed", "connection", conn.ID(), "error", err)
		return nil
	}
	defer func() {
		_ = ch.Close()
	}()
	if confirm {
		if err := ch.Confirm(false); err != nil {
			m.logger.Debug("confirm mode failed", "connection", conn.ID(), "error", err)
			return nil
		}
	}
	return fn(ch)
}

// Recycle retires the current connection and, while the manager is
// running, creates its replacement. The replacement's dial is deferred
// until the minimum reconnection interval has passed since the last
// attempt. Called on a schedule, on connection failure, and one final
// time from Stop.
func (m *Manager) Recycle() {
	m.mu.Lock()

	if len(m.conns) > 0 {
		current := m.conns[0]
		// The retiring transition happens now, before any replacement can
		// connect; only the retirement delay elapses in the background.
		if current.beginRetire() {
			go current.finishRetire()
		}
	}

	if !m.running {
		m.mu.Unlock()
		return
	}

	m.nextID++
	conn := newConnection(m.nextID, m)
	m.conns = append([]*Connection{conn}, m.conns...)

	delay := time.Until(m.lastAttempt.Add(m.minReconnectionInterval))
	if delay < 0 {
		delay = 0
	}
	m.scheduleRecycleLocked()
	m.mu.Unlock()

	m.logger.Debug("connection scheduled", "connection", conn.ID(), "delay", delay)
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		m.mu.Lock()
		m.lastAttempt = time.Now()
		m.mu.Unlock()
		conn.connect(context.Background())
	}()
}

// scheduleRecycleLocked (re)arms the periodic recycle timer, honoring a
// credential expiry hint when it is sooner than the configured interval.
func (m *Manager) scheduleRecycleLocked() {
	if !m.running {
		return
	}
	interval := m.recycleInterval
	if m.recycleAfter > 0 && m.recycleAfter < interval {
		interval = m.recycleAfter
	}
	if m.recycleTimer != nil {
		m.recycleTimer.Stop()
	}
	m.recycleTimer = time.AfterFunc(interval, m.Recycle)
}

// Stop retires every connection and waits until each one has finished.
// The periodic recycle timer is cleared; per-connection retirement delays
// still run to completion.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	if m.recycleTimer != nil {
		m.recycleTimer.Stop()
		m.recycleTimer = nil
	}
	conns := make([]*Connection, len(m.conns))
	copy(conns, m.conns)
	m.pending = nil
	m.mu.Unlock()

	// Retires the current connection; creates no replacement now that
	// running is false.
	m.Recycle()

	for _, conn := range conns {
		select {
		case <-conn.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.logger.Info("manager stopped")
	return nil
}

// fetchCredentials invokes the provider and folds the result into the
// manager: latest namespace, and an earlier recycle when the credential
// expires before the configured interval.
func (m *Manager) fetchCredentials(ctx context.Context) (*Credentials, error) {
	creds, err := m.credentials(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if creds.Namespace != "" {
		m.namespace = creds.Namespace
	} else if m.namespace == "" {
		m.namespace = namespaceFromURL(creds.ConnectionString)
	}
	if creds.RecycleAfter > 0 && creds.RecycleAfter != m.recycleAfter {
		m.recycleAfter = creds.RecycleAfter
		m.scheduleRecycleLocked()
	}
	m.mu.Unlock()
	return creds, nil
}

// connectionReady delivers a newly connected connection to listeners and
// to one-shot WithConnection waiters, in that order.
func (m *Manager) connectionReady(conn *Connection) {
	m.mu.Lock()
	listeners := make([]func(*Connection), len(m.listeners))
	copy(listeners, m.listeners)
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(conn)
	}
	for _, fn := range pending {
		fn(conn)
	}
}

// connectionFinished drops a finished connection from the list.
func (m *Manager) connectionFinished(conn *Connection) {
	m.mu.Lock()
	for i, c := range m.conns {
		if c == conn {
			m.conns = append(m.conns[:i], m.conns[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
}

func (m *Manager) retirementDelay() time.Duration {
	return m.retireDelay
}
