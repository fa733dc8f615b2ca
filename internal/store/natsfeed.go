package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSFeedConfig configures the JetStream-backed change feed used when
// multiple controller replicas share one store via a remote backend
// (or simply want a durable, replayable mutation log alongside the
// in-memory Watch channels).
type NATSFeedConfig struct {
	// NatsURL is the NATS server URL (e.g., "nats://host:4222").
	NatsURL string

	// NatsToken is the auth token for NATS (optional).
	NatsToken string

	// StreamName is the JetStream stream mutations are published to and
	// consumed from. Default: "FLEETFORGE_CHANGES".
	StreamName string

	// ConsumerName is the durable consumer name for JetStream watchers,
	// allowing crash recovery and fan-out across replicas.
	ConsumerName string
}

func (c NATSFeedConfig) streamName() string {
	if c.StreamName != "" {
		return c.StreamName
	}
	return "FLEETFORGE_CHANGES"
}

// wireChangeEvent is the JSON payload published to JetStream for one
// ChangeEvent. Subjects are "fleetforge.changes.{collection}.{kind}".
type wireChangeEvent struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Kind       string `json:"kind"`
}

// NATSPublisher republishes local store mutations onto a JetStream
// stream so other replicas' NATSWatcher can wake their reconcile loop
// from the same signal, mirroring how the teacher's beads daemon
// publishes bead lifecycle events to MUTATION_EVENTS.
type NATSPublisher struct {
	cfg    NATSFeedConfig
	logger *slog.Logger

	nc *nats.Conn
	js nats.JetStreamContext
}

// NewNATSPublisher connects to NATS and ensures the change stream exists.
func NewNATSPublisher(cfg NATSFeedConfig, logger *slog.Logger) (*NATSPublisher, error) {
	opts := []nats.Option{nats.Name("fleetforge-store")}
	if cfg.NatsToken != "" {
		opts = append(opts, nats.Token(cfg.NatsToken))
	}
	nc, err := nats.Connect(cfg.NatsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("NATS connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("JetStream context: %w", err)
	}
	stream := cfg.streamName()
	if _, err := js.StreamInfo(stream); err != nil {
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     stream,
			Subjects: []string{"fleetforge.changes.>"},
		}); err != nil {
			nc.Close()
			return nil, fmt.Errorf("ensure stream %s: %w", stream, err)
		}
	}
	return &NATSPublisher{cfg: cfg, logger: logger, nc: nc, js: js}, nil
}

// Publish republishes a ChangeEvent onto JetStream. Failures are logged
// and swallowed — the change feed is a wake-up hint, never a
// correctness dependency, so a publish error must not fail the mutation
// that triggered it.
func (p *NATSPublisher) Publish(ev ChangeEvent) {
	subject := fmt.Sprintf("fleetforge.changes.%s.%s", ev.Collection, ev.Kind)
	data, err := json.Marshal(wireChangeEvent{Collection: ev.Collection, ID: ev.ID, Kind: string(ev.Kind)})
	if err != nil {
		p.logger.Warn("marshal change event", "error", err)
		return
	}
	if _, err := p.js.Publish(subject, data); err != nil {
		p.logger.Warn("publish change event", "subject", subject, "error", err)
	}
}

// Close releases the NATS connection.
func (p *NATSPublisher) Close() {
	p.nc.Close()
}

// NATSWatcher subscribes to the change stream via a durable pull
// consumer and emits ChangeEvents on a channel, reconnecting with
// exponential backoff — the same shape as the teacher's bead-event
// NATSWatcher, generalized from bead lifecycle actions to store
// collection mutations.
type NATSWatcher struct {
	cfg    NATSFeedConfig
	events chan ChangeEvent
	logger *slog.Logger
}

// NewNATSWatcher creates a watcher backed by the JetStream change stream.
func NewNATSWatcher(cfg NATSFeedConfig, logger *slog.Logger) *NATSWatcher {
	return &NATSWatcher{cfg: cfg, events: make(chan ChangeEvent, 64), logger: logger}
}

// Events returns a read-only channel of change events.
func (w *NATSWatcher) Events() <-chan ChangeEvent {
	return w.events
}

// Start begins watching the stream. Blocks until ctx is canceled.
func (w *NATSWatcher) Start(ctx context.Context) error {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			close(w.events)
			return fmt.Errorf("watcher stopped: %w", ctx.Err())
		default:
		}

		err := w.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				close(w.events)
				return fmt.Errorf("watcher stopped: %w", ctx.Err())
			}
			w.logger.Warn("JetStream subscription error, reconnecting", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				close(w.events)
				return fmt.Errorf("watcher stopped: %w", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		} else {
			backoff = time.Second
		}
	}
}

func (w *NATSWatcher) subscribe(ctx context.Context) error {
	opts := []nats.Option{nats.Name("fleetforge-reconciler")}
	if w.cfg.NatsToken != "" {
		opts = append(opts, nats.Token(w.cfg.NatsToken))
	}
	nc, err := nats.Connect(w.cfg.NatsURL, opts...)
	if err != nil {
		return fmt.Errorf("NATS connect: %w", err)
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("JetStream context: %w", err)
	}

	consumerName := w.cfg.ConsumerName
	if consumerName == "" {
		consumerName = "reconciler"
	}

	sub, err := js.PullSubscribe("fleetforge.changes.>", consumerName,
		nats.AckExplicit(), nats.DeliverAll())
	if err != nil {
		return fmt.Errorf("JetStream subscribe: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	w.logger.Info("JetStream change-feed subscription active", "consumer", consumerName)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := sub.Fetch(10, nats.MaxWait(2*time.Second))
		if err != nil {
			if err == nats.ErrTimeout {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("JetStream fetch: %w", err)
		}

		for _, msg := range msgs {
			w.processMessage(msg)
			if err := msg.Ack(); err != nil {
				w.logger.Warn("failed to ack change message", "error", err)
			}
		}
	}
}

func (w *NATSWatcher) processMessage(msg *nats.Msg) {
	var wire wireChangeEvent
	if err := json.Unmarshal(msg.Data, &wire); err != nil {
		w.logger.Debug("skipping malformed change message", "subject", msg.Subject, "error", err)
		return
	}
	ev := ChangeEvent{Collection: wire.Collection, ID: wire.ID, Kind: ChangeKind(wire.Kind)}
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("change event channel full, dropping event", "subject", msg.Subject)
	}
}
