package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/spotkeeper/internal/spot/domain"
	"github.com/example/spotkeeper/internal/spot/engine"
)

// SweepResult summarizes one sweep invocation.
type SweepResult struct {
	Scanned  int `json:"scanned"`
	Expired  int `json:"expired"`
	Released int `json:"released"`
	Skipped  int `json:"skipped"`
}

// SweepExpiredReservations force-expires open bookings whose expiry time is at
// or before now. Bookings are drained in pages of SweepBatch; each page commits
// in one transaction and a failing entry only discards its own writes. Store
// outages, per entry or for a whole page, are returned joined.
func (r *Reconciler) SweepExpiredReservations(ctx context.Context, now time.Time) (SweepResult, error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "spot.sweep", trace.WithAttributes(attribute.String("now", now.Format(time.RFC3339))))
	defer span.End()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	result, err := r.sweep(ctx, now)
	sweepExpired.Add(float64(result.Expired))
	span.SetAttributes(attribute.Int("sweep.expired", result.Expired), attribute.Int("sweep.skipped", result.Skipped))
	if err != nil {
		sweepRuns.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	sweepRuns.WithLabelValues("ok").Inc()
	return result, nil
}

func (r *Reconciler) sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var (
		total SweepResult
		errs  []error
	)
	// stuck entries stay expired and open, so they are listed again ahead of
	// the unvisited ones and have to be skipped over.
	stuck := make(map[string]bool)
	for pages := 0; ; pages++ {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		limit := r.cfg.SweepBatch + len(stuck)
		listed, err := r.store.ExpiredBookings(ctx, now, limit)
		if err != nil {
			errs = append(errs, fmt.Errorf("list expired bookings: %w", err))
			break
		}
		page := make([]domain.Booking, 0, len(listed))
		for _, b := range listed {
			if !stuck[b.ID] && len(page) < r.cfg.SweepBatch {
				page = append(page, b)
			}
		}
		if len(page) == 0 {
			break
		}

		result, left, pageErrs, err := r.sweepPage(ctx, page, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("commit sweep page %d: %w", pages, err))
			break
		}
		total.Scanned += result.Scanned
		total.Expired += result.Expired
		total.Released += result.Released
		total.Skipped += result.Skipped
		errs = append(errs, pageErrs...)
		for _, id := range left {
			stuck[id] = true
		}
		if len(listed) < limit {
			break
		}
	}
	r.logger.Info("sweep finished",
		zap.Int("scanned", total.Scanned),
		zap.Int("expired", total.Expired),
		zap.Int("released", total.Released),
		zap.Int("skipped", total.Skipped))
	return total, errors.Join(errs...)
}

// sweepPage expires one page of bookings in a single transaction. It returns
// the IDs left open, the per-entry errors, and a non-nil error only when the
// page itself could not commit.
func (r *Reconciler) sweepPage(ctx context.Context, bookings []domain.Booking, now time.Time) (SweepResult, []string, []error, error) {
	var (
		result    SweepResult
		outcomes  []outcome
		left      []string
		entryErrs []error
	)
	err := r.update(ctx, func(ctx context.Context, tx domain.Tx) error {
		result = SweepResult{Scanned: len(bookings)}
		outcomes = outcomes[:0]
		left = left[:0]
		entryErrs = entryErrs[:0]
		for _, b := range bookings {
			var out outcome
			err := tx.Isolate(ctx, func(ctx context.Context, tx domain.Tx) error {
				var err error
				out, err = r.sweepEntry(ctx, tx, b.ID, now)
				return err
			})
			fields := []zap.Field{zap.String("booking_id", b.ID), zap.String("parking_id", b.ParkingID), zap.String("spot_id", b.SpotID)}
			switch {
			case err == nil:
				if out.changed {
					result.Expired++
					outcomes = append(outcomes, out)
				} else {
					left = append(left, b.ID)
				}
				continue
			case errors.Is(err, domain.ErrStoreUnavailable):
				entryErrs = append(entryErrs, fmt.Errorf("booking %s: %w", b.ID, err))
			case errors.Is(err, domain.ErrInvariantViolation):
				r.logger.Error("sweep entry hit corrupt record", append(fields, zap.Error(err))...)
			case errors.Is(err, domain.ErrNotFound):
				r.logger.Info("sweep entry vanished", append(fields, zap.Error(err))...)
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			default:
				// left for the next tick
				r.logger.Warn("sweep entry skipped", append(fields, zap.Error(err))...)
			}
			result.Skipped++
			left = append(left, b.ID)
		}
		return nil
	})
	if err != nil {
		return SweepResult{}, nil, nil, err
	}

	for _, out := range outcomes {
		if out.mirror == engine.MirrorRelease {
			result.Released++
		}
		if err := r.afterCommit(ctx, out); err != nil {
			entryErrs = append(entryErrs, err)
		}
	}
	return result, left, entryErrs, nil
}

// sweepEntry re-reads the booking under lock so a booking finalized since the
// query (arrival, sensor-path cancellation, an earlier sweep) becomes a no-op.
func (r *Reconciler) sweepEntry(ctx context.Context, tx domain.Tx, bookingID string, now time.Time) (outcome, error) {
	booking, err := tx.Booking(ctx, bookingID)
	if err != nil {
		return outcome{}, err
	}
	if !booking.Open() || booking.ExpiryTime.After(now) {
		return outcome{}, nil
	}
	key := booking.SpotKey()
	spot, err := tx.Spot(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		cancelled, err := booking.Cancel(domain.CancelReasonExpired, now)
		if err != nil {
			return outcome{}, err
		}
		if err := tx.SaveBooking(ctx, cancelled); err != nil {
			return outcome{}, err
		}
		r.logger.Warn("expired booking references missing spot", zap.String("booking_id", bookingID), zap.String("spot", key.String()))
		return outcome{key: key, changed: true}, nil
	}
	if err != nil {
		return outcome{}, err
	}

	d := engine.OnSweepExpired(spot, booking, now)
	if d.Changed && spot.IgnoreMirrorUpdates() && !d.Spot.IgnoreMirrorUpdates() {
		sensor, err := r.mirror.Sensor(ctx, key)
		if err != nil {
			return outcome{}, err
		}
		d = d.Then(engine.OnReservedStateExited(d.Spot, sensor, now))
	}
	if err := r.apply(ctx, tx, spot, d); err != nil {
		return outcome{}, err
	}
	return committed(spot, d), nil
}
