package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/spotkeeper/internal/spot/domain"
)

// Publisher writes spot events straight to NATS. It backs deployments without
// a Postgres outbox; subjects are the prefix followed by the event type.
type Publisher struct {
	conn   *nats.Conn
	prefix string
}

// NewPublisher builds a Publisher using the provided NATS connection.
func NewPublisher(conn *nats.Conn, prefix string) *Publisher {
	return &Publisher{conn: conn, prefix: prefix}
}

// Subject returns the subject an event is published on.
func (p *Publisher) Subject(event domain.SpotEvent) string {
	return p.prefix + string(event.Type)
}

// Publish satisfies domain.EventPublisher. A nil publisher drops events.
func (p *Publisher) Publish(ctx context.Context, event domain.SpotEvent) error {
	if p == nil || p.conn == nil {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := nats.NewMsg(p.Subject(event))
	msg.Data = payload
	msg.Header.Set("x-event-type", string(event.Type))
	if event.ID != "" {
		msg.Header.Set(nats.MsgIdHdr, event.ID)
	}
	if id := traceIDFromContext(ctx); id != "" {
		msg.Header.Set("x-trace-id", id)
	}
	return p.conn.PublishMsg(msg)
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
