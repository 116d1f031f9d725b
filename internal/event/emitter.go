package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Emitter receives every committed domain event. Emission happens after
// the ledger mutation commits, so implementations must not fail the
// operation; delivery problems are logged and dropped.
type Emitter interface {
	Emit(e Event)
}

// Noop discards events; tests and read-only tooling use it.
type Noop struct{}

func (Noop) Emit(Event) {}

// Multi fans each event out to every emitter in order. The operation log
// recorder goes first so the durable write is queued before the
// best-effort NATS publish.
type Multi []Emitter

func (m Multi) Emit(e Event) {
	for _, em := range m {
		em.Emit(e)
	}
}

// Publisher streams envelopes to NATS JetStream under
// perp.core.events.{kind}[.{market_id}].
type Publisher struct {
	js  jetstream.JetStream
	log zerolog.Logger

	sequence int64
	timeout  time.Duration
}

func NewPublisher(js jetstream.JetStream, log zerolog.Logger) *Publisher {
	return &Publisher{
		js:      js,
		log:     log,
		timeout: 5 * time.Second,
	}
}

// EnsureStream creates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "PERP_CORE_EVENTS",
		Subjects:  []string{"perp.core.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create events stream: %w", err)
	}
	return nil
}

func (p *Publisher) Emit(e Event) {
	p.sequence++
	env := Envelope{
		Sequence:  p.sequence,
		Kind:      e.Kind(),
		MarketID:  e.Market(),
		Timestamp: time.Now().UTC(),
		Payload:   e,
	}

	data, err := json.Marshal(env)
	if err != nil {
		p.log.Error().Err(err).Str("kind", env.Kind).Msg("marshal event")
		return
	}

	subject := "perp.core.events." + env.Kind
	if env.MarketID != "" {
		subject += "." + env.MarketID
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		// Non-fatal: consumers can rebuild from the operation log.
		p.log.Warn().Err(err).Int64("sequence", env.Sequence).Str("subject", subject).
			Msg("event publish failed")
	}
}
