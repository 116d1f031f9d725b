package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"PerpCore/internal/event"
	"PerpCore/internal/observability"
)

// Recorder implements event.Emitter by queueing every committed domain
// event for the persistence worker. Sends block when the queue is full,
// so the operation path stalls rather than lose a row.
type Recorder struct {
	out      chan<- EventRow
	sequence int64
	log      zerolog.Logger
}

func NewRecorder(out chan<- EventRow, log zerolog.Logger) *Recorder {
	return &Recorder{out: out, log: log}
}

func (r *Recorder) Emit(e event.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		r.log.Error().Err(err).Str("kind", e.Kind()).Msg("marshal event for persistence")
		return
	}
	r.sequence++
	row := EventRow{
		Sequence:  r.sequence,
		Kind:      e.Kind(),
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if m := e.Market(); m != "" {
		row.MarketID = &m
	}
	r.out <- row
}

// SetSequence positions the recorder after a restart so sequences
// continue from the persisted log.
func (r *Recorder) SetSequence(seq int64) { r.sequence = seq }

// Worker drains the event queue and batch-writes to Postgres. It runs
// independently from the serialized operation path; a full queue applies
// backpressure instead of dropping.
type Worker struct {
	writer       *EventLogWriter
	input        <-chan EventRow
	batchSize    int
	flushTimeout time.Duration
	log          zerolog.Logger
}

func NewWorker(db *sql.DB, input <-chan EventRow, batchSize int, flushTimeout time.Duration, log zerolog.Logger) *Worker {
	return &Worker{
		writer:       NewEventLogWriter(db),
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		log:          log,
	}
}

// Run blocks until ctx is cancelled or the input channel closes,
// flushing batches when full or on the flush timeout.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]EventRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case row, ok := <-w.input:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						w.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}
			batch = append(batch, row)
			if len(batch) >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write lands
// or ctx is cancelled; the batch is never dropped.
func (w *Worker) flushWithRetry(ctx context.Context, batch []EventRow) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Int("events", len(batch)).Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Msg("final flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, batch)
		if err == nil {
			return
		}
		observability.PersistErrors.WithLabelValues("flush").Inc()
		w.log.Error().Err(err).Msg("persistence flush failed")
	}
}

func (w *Worker) flush(ctx context.Context, batch []EventRow) error {
	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, batch); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	observability.PersistedEvents.Add(float64(len(batch)))
	return nil
}

// Writer exposes the underlying writer for schema bootstrap and replay.
func (w *Worker) Writer() *EventLogWriter { return w.writer }
