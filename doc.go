// Package pulse maintains a reliable, self-healing session to a Pulse
// message broker (an AMQP 0-9-1 topic-exchange event bus) and provides a
// durable topic-consumer abstraction on top of it.
//
// This package includes:
//   - Manager: owns a sequence of broker connections, cycles them on a
//     schedule, overlaps a fresh connection with a retiring one, and
//     rate-limits reconnection attempts
//   - Connection: a single AMQP session modelled as a small state machine
//     (waiting, connecting, connected, retiring, finished)
//   - Consumer: declares and binds a topic queue on every new connection,
//     drains deliveries with bounded concurrency, and acks or nacks each
//     message handed to the handler exactly once (a delivery that cannot
//     be decoded is neither acked nor nacked; its connection is failed)
//   - Credential providers: static credentials, connection-string
//     pass-through, and short-lived claimed credentials fetched from a
//     namespace-claim service
//   - ParseRoutingKey: decodes dotted routing keys against a reference
//     schema
//
// The implementation focuses on reliability:
//   - Periodic recycling exercises the reconnection path in production
//   - Retiring connections keep accepting acks while in-flight handlers
//     drain, so no message is lost or doubly processed
//   - Channel errors escalate to a connection recycle rather than leaving
//     a consumer wedged on a poisoned channel
//
// Example usage:
//
//	creds, err := pulse.StaticCredentials(pulse.StaticCredentialsOptions{
//		Username: "me",
//		Password: "secret",
//		Hostname: "pulse.example.com",
//		Vhost:    "/",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	mgr, err := pulse.NewManager(pulse.ManagerOptions{
//		Credentials: creds,
//		Monitor:     pulse.NewLogMonitor(slog.Default()),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	consumer, err := pulse.Consume(ctx, pulse.ConsumeOptions{
//		Manager:   mgr,
//		QueueName: "my-events",
//		Bindings: []pulse.Binding{{
//			Exchange:          "exchange/reference/v1/things",
//			RoutingKeyPattern: "created.#",
//		}},
//		HandleMessage: func(ctx context.Context, msg *pulse.Message) error {
//			// process msg.Payload
//			return nil
//		},
//	})
package pulse
