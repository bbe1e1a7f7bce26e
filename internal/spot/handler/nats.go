package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// TransitionsSubject carries booking status transitions from the booking service.
const TransitionsSubject = "parking.bookings.transitions"

var errMalformed = errors.New("malformed transition")

// Transition is the wire shape of a booking status change.
type Transition struct {
	BookingID string `json:"booking_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

type ledgerHandler interface {
	HandleLedgerStatusTransition(ctx context.Context, bookingID, oldStatus, newStatus string) error
}

// SubscribeTransitions routes booking transitions to the reconciler. Replicas
// share a queue group so each transition is handled once. Requests with a reply
// subject get "ok" or the error text back.
func SubscribeTransitions(ctx context.Context, conn *nats.Conn, subject string, h ledgerHandler, logger *zap.Logger) (*nats.Subscription, error) {
	if subject == "" {
		subject = TransitionsSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sub, err := conn.QueueSubscribe(subject, "spotkeeper", func(msg *nats.Msg) {
		var tr Transition
		if err := json.Unmarshal(msg.Data, &tr); err != nil || tr.BookingID == "" {
			logger.Warn("discarding malformed transition", zap.ByteString("payload", msg.Data), zap.Error(err))
			reply(msg, errMalformed)
			return
		}
		err := h.HandleLedgerStatusTransition(ctx, tr.BookingID, tr.OldStatus, tr.NewStatus)
		if err != nil {
			logger.Error("ledger transition failed",
				zap.String("booking_id", tr.BookingID),
				zap.String("old_status", tr.OldStatus),
				zap.String("new_status", tr.NewStatus),
				zap.Error(err))
		}
		reply(msg, err)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

func reply(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	if err != nil {
		_ = msg.Respond([]byte(err.Error()))
		return
	}
	_ = msg.Respond([]byte("ok"))
}
