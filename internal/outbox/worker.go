package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	relayPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spot_outbox_published_total",
		Help: "Spot events relayed from the outbox, by topic.",
	}, []string{"topic"})
	relayFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spot_outbox_failed_total",
		Help: "Outbox batches abandoned after exhausting publish retries.",
	})
	relayLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spot_outbox_lag_seconds",
		Help: "Age of the oldest event relayed in the last batch.",
	})
)

// WorkerConfig defines tunables for the relay.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RetryMax     int
}

type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Worker relays spot events written by the store's transactions to NATS, in
// outbox order. A row is marked published only after NATS accepted it, so
// delivery is at least once; consumers dedupe on the Nats-Msg-Id header.
type Worker struct {
	db        *sql.DB
	publisher natsPublisher
	logger    *zap.Logger
	cfg       WorkerConfig
	tracer    trace.Tracer
}

// NewWorker constructs a relay worker.
func NewWorker(db *sql.DB, conn *nats.Conn, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		db:     db,
		logger: logger,
		cfg:    cfg,
		tracer: otel.Tracer("spotkeeper.outbox"),
	}
	if conn != nil {
		w.publisher = conn
	}
	return w
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.db == nil || w.publisher == nil {
		return errors.New("outbox relay requires database and NATS connection")
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.relayBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("outbox batch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type entry struct {
	ID        int64
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// relayBatch publishes one batch and returns how many rows it marked. Rows stay
// locked for the batch so concurrent relays skip them.
func (w *Worker) relayBatch(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "outbox.batch")
	defer span.End()

	tx, err := w.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	entries, err := w.pending(ctx, tx)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("outbox.batch_size", len(entries)))
	if len(entries) == 0 {
		return 0, tx.Commit()
	}

	ids := make([]int64, 0, len(entries))
	oldest := 0.0
	for _, e := range entries {
		if err := w.publish(ctx, e); err != nil {
			// publish what went through so far; the rest stays pending
			if len(ids) > 0 {
				if markErr := w.markPublished(ctx, tx, ids); markErr == nil {
					_ = tx.Commit()
				}
			}
			return len(ids), err
		}
		ids = append(ids, e.ID)
		relayPublished.WithLabelValues(e.Topic).Inc()
		if lag := time.Since(e.CreatedAt).Seconds(); lag > oldest {
			oldest = lag
		}
	}
	relayLag.Set(oldest)
	if err := w.markPublished(ctx, tx, ids); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox batch: %w", err)
	}
	return len(ids), nil
}

func (w *Worker) pending(ctx context.Context, tx *sql.Tx) ([]entry, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, topic, payload, created_at FROM outbox WHERE published = false ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`, w.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("select outbox: %w", err)
	}
	defer rows.Close()
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.ID, &e.Topic, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return entries, nil
}

func (w *Worker) markPublished(ctx context.Context, tx *sql.Tx, ids []int64) error {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf("UPDATE outbox SET published = true, published_at = now() WHERE id IN (%s)", strings.Join(placeholders, ","))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

func (w *Worker) publish(ctx context.Context, e entry) error {
	ctx, span := w.tracer.Start(ctx, "outbox.publish", trace.WithAttributes(
		attribute.String("outbox.topic", e.Topic),
		attribute.Int64("outbox.id", e.ID),
	))
	defer span.End()
	if e.Topic == "" {
		return fmt.Errorf("outbox entry %d missing topic", e.ID)
	}
	msg := nats.NewMsg(e.Topic)
	msg.Data = e.Payload
	msg.Header.Set(nats.MsgIdHdr, "outbox-"+strconv.FormatInt(e.ID, 10))
	if sc := span.SpanContext(); sc.IsValid() {
		msg.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID()))
	}
	for attempt := 1; ; attempt++ {
		err := w.publisher.PublishMsg(msg)
		if err == nil {
			return nil
		}
		w.logger.Warn("outbox publish failed", zap.Error(err), zap.Int("attempt", attempt), zap.Int64("outbox_id", e.ID), zap.String("topic", e.Topic))
		if attempt >= w.cfg.RetryMax {
			relayFailed.Inc()
			return fmt.Errorf("publish outbox %d: %w", e.ID, err)
		}
		select {
		case <-time.After(time.Duration(attempt*attempt) * 100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
