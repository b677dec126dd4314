//go:build integration
// +build integration

package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPulseURL string

func init() {
	testPulseURL = os.Getenv("PULSE_URL")
}

func requireBroker(t *testing.T) {
	t.Helper()
	if testPulseURL == "" {
		t.Skip("PULSE_URL not set; skipping broker-dependent test")
	}
}

func newBrokerManager(t *testing.T, monitor Monitor) *Manager {
	t.Helper()
	if monitor == nil {
		monitor = &recordingMonitor{}
	}
	mgr, err := NewManager(ManagerOptions{
		ConnectionString:        testPulseURL,
		Monitor:                 monitor,
		RecycleInterval:         time.Hour,
		RetirementDelay:         time.Second,
		MinReconnectionInterval: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = mgr.Stop(ctx)
	})
	return mgr
}

func waitConnected(t *testing.T, mgr *Manager) *Connection {
	t.Helper()
	require.Eventually(t, func() bool {
		return mgr.ActiveConnection() != nil
	}, 15*time.Second, 50*time.Millisecond)
	return mgr.ActiveConnection()
}

// declareTestExchange declares a throwaway topic exchange and returns its
// name with a cleanup that deletes it.
func declareTestExchange(t *testing.T, mgr *Manager) string {
	t.Helper()
	waitConnected(t, mgr)
	name := "pulse-go-test-" + uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := mgr.WithChannel(ctx, func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(name, "topic", false, true, false, false, nil)
	})
	require.NoError(t, err)
	return name
}

func publishJSON(t *testing.T, mgr *Manager, exchange, routingKey string, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err = mgr.WithConfirmChannel(ctx, func(ch *amqp.Channel) error {
		confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
		if err != nil {
			return err
		}
		if !confirm.Wait() {
			return fmt.Errorf("publish not confirmed")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestIntegrationReconnectOnFailure(t *testing.T) {
	requireBroker(t)

	mgr := newBrokerManager(t, nil)

	var mu sync.Mutex
	var events []int64
	done := make(chan struct{})
	mgr.OnConnected(func(conn *Connection) {
		mu.Lock()
		events = append(events, conn.ID())
		n := len(events)
		mu.Unlock()
		if n == 1 {
			conn.Failed()
		}
		if n == 2 {
			close(done)
		}
	})

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("second connected event never fired")
	}

	mu.Lock()
	require.Len(t, events, 2)
	assert.NotEqual(t, events[0], events[1])
	mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, mgr.Stop(ctx))
	assert.Equal(t, 0, mgr.NumConnections())
}

func TestIntegrationConsumeWithRecycleMidStream(t *testing.T) {
	requireBroker(t)

	monitor := &recordingMonitor{}
	mgr := newBrokerManager(t, monitor)
	exchange := declareTestExchange(t, mgr)
	queueName := "test-" + uuid.NewString()

	var mu sync.Mutex
	succeeded := map[int]bool{}
	recycled := false

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	consumer, err := Consume(ctx, ConsumeOptions{
		Manager:   mgr,
		QueueName: queueName,
		Prefetch:  2,
		Bindings: []Binding{{
			Exchange:          exchange,
			RoutingKeyPattern: "#",
			RoutingKeyReference: []RoutingKeyPart{
				{Name: "verb"},
				{Name: "object"},
				{Name: "remainder", MultipleWords: true},
			},
		}},
		HandleMessage: func(ctx context.Context, msg *Message) error {
			payload, ok := msg.Payload.(map[string]any)
			if !ok {
				return fmt.Errorf("unexpected payload shape %T", msg.Payload)
			}
			i := int(payload["i"].(float64))
			if i == 3 {
				return fmt.Errorf("rejecting %d", i)
			}

			assert.Equal(t, map[string]string{
				"verb":      "greetings",
				"object":    "earthling",
				"remainder": "foo.bar.bing",
			}, msg.Routing)
			assert.Empty(t, msg.Routes)

			mu.Lock()
			succeeded[i] = true
			n := len(succeeded)
			doRecycle := n == 5 && !recycled
			if doRecycle {
				recycled = true
			}
			mu.Unlock()
			if doRecycle {
				mgr.Recycle()
			}
			return nil
		},
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		publishJSON(t, mgr, exchange, "greetings.earthling.foo.bar.bing", map[string]int{"i": i})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(succeeded) == 9
	}, 60*time.Second, 100*time.Millisecond)

	mu.Lock()
	for i := 0; i < 10; i++ {
		if i == 3 {
			assert.False(t, succeeded[3], "the failing message must never succeed")
		} else {
			assert.True(t, succeeded[i], "message %d never delivered", i)
		}
	}
	mu.Unlock()

	// The redelivered failure for i=3 must have been reported.
	require.Eventually(t, func() bool {
		return len(monitor.reported()) >= 1
	}, 30*time.Second, 100*time.Millisecond)

	require.NoError(t, consumer.Stop(ctx))

	// Clean up the durable queue.
	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cleanupCancel()
	_ = mgr.WithChannel(cleanupCtx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDelete(mgr.FullObjectName("queue", queueName), false, false, false)
		return err
	})
}

func TestIntegrationExclusiveQueueDisconnect(t *testing.T) {
	requireBroker(t)

	mgr := newBrokerManager(t, nil)
	exchange := declareTestExchange(t, mgr)

	errs := make(chan error, 4)
	got := make(chan struct{}, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	consumer, err := Consume(ctx, ConsumeOptions{
		Manager:        mgr,
		ExclusiveQueue: true,
		Bindings: []Binding{{
			Exchange:          exchange,
			RoutingKeyPattern: "#",
		}},
		HandleMessage: func(ctx context.Context, msg *Message) error {
			select {
			case got <- struct{}{}:
			default:
			}
			return nil
		},
		OnError: func(err error) {
			errs <- err
		},
	})
	require.NoError(t, err)
	defer consumer.Stop(context.Background())

	publishJSON(t, mgr, exchange, "hello.world", map[string]string{"greeting": "hi"})

	select {
	case <-got:
	case <-time.After(30 * time.Second):
		t.Fatal("first message never arrived")
	}

	mgr.Recycle()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrExclusiveQueueDisconnected)
	case <-time.After(30 * time.Second):
		t.Fatal("exclusive queue disconnect never surfaced")
	}
}
