package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/spotkeeper/internal/spot/domain"
	"github.com/example/spotkeeper/internal/spot/engine"
)

// ErrInvalidRequest is returned for reservation requests that cannot describe a reservation.
var ErrInvalidRequest = errors.New("invalid reservation request")

// Config tunes the reconciler.
type Config struct {
	// MaxRetries bounds how often a transaction is recomputed after
	// ErrPreconditionFailed, and how often a sensor change is redelivered after
	// ErrStoreUnavailable.
	MaxRetries   int
	SweepBatch   int
	RetryBackoff time.Duration
	// ArrivalGrace is the deadline offset used when a reservation omits one.
	ArrivalGrace time.Duration
}

// Reconciler applies engine decisions to the durable store and the sensor mirror.
type Reconciler struct {
	store     domain.Store
	mirror    domain.Mirror
	clock     domain.Clock
	publisher domain.EventPublisher
	logger    *zap.Logger
	cfg       Config
	tracer    trace.Tracer
}

// New constructs a Reconciler. publisher may be nil when the store writes events
// to an outbox; otherwise committed events are published directly.
func New(store domain.Store, mirror domain.Mirror, clock domain.Clock, publisher domain.EventPublisher, logger *zap.Logger, cfg Config) *Reconciler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 500
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	if cfg.ArrivalGrace <= 0 {
		cfg.ArrivalGrace = 15 * time.Minute
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:     store,
		mirror:    mirror,
		clock:     clock,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		tracer:    otel.Tracer("spotkeeper.reconciler"),
	}
}

// outcome is the committed result of one transaction, carried to the
// post-commit mirror and publish steps.
type outcome struct {
	key        domain.SpotKey
	spot       domain.Spot
	known      bool
	changed    bool
	mirror     engine.MirrorOp
	suppressed bool
	events     []domain.SpotEvent
}

func committed(spot domain.Spot, d engine.Decision) outcome {
	return outcome{
		key:        spot.Key,
		spot:       d.Spot,
		known:      true,
		changed:    d.Changed,
		mirror:     d.Mirror,
		suppressed: d.Suppressed,
		events:     d.Events,
	}
}

// HandleMirrorStatusUpdate reconciles a sensor write for one spot. Only store
// unavailability is returned; other failures are logged and treated as a no-op.
func (r *Reconciler) HandleMirrorStatusUpdate(ctx context.Context, parkingID, spotID string, oldStatus, newStatus domain.SpotStatus, now time.Time) error {
	key := domain.SpotKey{ParkingID: parkingID, SpotID: spotID}
	_, err := r.handleMirror(ctx, key, oldStatus, newStatus, now)
	return r.settle("mirror status update", err, zap.String("parking_id", parkingID), zap.String("spot_id", spotID))
}

func (r *Reconciler) handleMirror(ctx context.Context, key domain.SpotKey, oldStatus, newStatus domain.SpotStatus, now time.Time) (outcome, error) {
	ctx, span := r.tracer.Start(ctx, "spot.mirror_update", trace.WithAttributes(
		attribute.String("parking_id", key.ParkingID),
		attribute.String("spot_id", key.SpotID),
		attribute.String("old_status", string(oldStatus)),
		attribute.String("new_status", string(newStatus)),
	))
	defer span.End()

	var out outcome
	err := r.update(ctx, func(ctx context.Context, tx domain.Tx) error {
		out = outcome{key: key}
		spot, err := tx.Spot(ctx, key)
		if err != nil {
			return err
		}
		d, err := r.decideSensorWrite(ctx, tx, spot, newStatus, now)
		if err != nil {
			return err
		}
		if err := r.apply(ctx, tx, spot, d); err != nil {
			return err
		}
		out = committed(spot, d)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcome{}, err
	}
	return out, r.afterCommit(ctx, out)
}

// decideSensorWrite frees a spot still held by a finalized booking, then runs
// the deadline check, arrival detection only when the deadline still holds,
// the release resync when any of them freed the spot and finally the plain
// mirror sync.
func (r *Reconciler) decideSensorWrite(ctx context.Context, tx domain.Tx, spot domain.Spot, sensor domain.SpotStatus, now time.Time) (engine.Decision, error) {
	d := engine.Decision{Spot: spot}
	if res, ok := spot.Reservation(); ok {
		booking, err := tx.Booking(ctx, res.BookingID)
		switch {
		case err == nil:
			d = engine.OnBookingClosed(spot, booking, now)
			if !d.Changed {
				d = engine.OnDeadlineCheck(spot, booking, now)
			}
			if !d.Changed {
				d = d.Then(engine.OnSensorTransition(d.Spot, booking, sensor, now))
			}
		case errors.Is(err, domain.ErrNotFound):
			r.logger.Warn("reserved spot references missing booking",
				zap.String("parking_id", spot.Key.ParkingID),
				zap.String("spot_id", spot.Key.SpotID),
				zap.String("booking_id", res.BookingID))
		default:
			return d, err
		}
		if d.Changed && !d.Spot.IgnoreMirrorUpdates() {
			d = d.Then(engine.OnReservedStateExited(d.Spot, sensor, now))
		}
	}
	return d.Then(engine.OnMirrorWrite(d.Spot, sensor, now)), nil
}

// OnSensorChange adapts mirror change notifications. Store outages are retried
// with backoff; a mirror whose suppression flag disagrees with the durable spot
// is repaired.
func (r *Reconciler) OnSensorChange(ctx context.Context, change domain.SensorChange) {
	fields := []zap.Field{zap.String("parking_id", change.Key.ParkingID), zap.String("spot_id", change.Key.SpotID)}
	for attempt := 1; ; attempt++ {
		out, err := r.handleMirror(ctx, change.Key, change.Old, change.New, r.clock.Now())
		if err == nil {
			r.repairMirror(ctx, change, out)
			return
		}
		if !errors.Is(err, domain.ErrStoreUnavailable) || attempt >= r.cfg.MaxRetries {
			if r.settle("sensor change", err, fields...) != nil {
				r.logger.Error("dropping sensor change after retries", append(fields, zap.Int("attempts", attempt), zap.Error(err))...)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt*attempt) * r.cfg.RetryBackoff):
		}
	}
}

func (r *Reconciler) repairMirror(ctx context.Context, change domain.SensorChange, out outcome) {
	if !out.known || out.mirror != engine.MirrorNone {
		return
	}
	want := out.spot.IgnoreMirrorUpdates()
	if change.Suppressed == want {
		return
	}
	var err error
	if want {
		err = r.mirror.Suppress(ctx, out.key)
	} else {
		_, err = r.mirror.Release(ctx, out.key)
	}
	if err != nil {
		r.logger.Warn("mirror repair failed", zap.String("spot", out.key.String()), zap.Error(err))
		return
	}
	r.logger.Info("repaired mirror suppression", zap.String("spot", out.key.String()), zap.Bool("suppressed", want))
}

// HandleLedgerStatusTransition propagates a booking entering or leaving the
// reserved state to the mirror. Leaving also re-syncs the spot from the last
// physical reading.
func (r *Reconciler) HandleLedgerStatusTransition(ctx context.Context, bookingID, oldStatus, newStatus string) error {
	ctx, span := r.tracer.Start(ctx, "spot.ledger_transition", trace.WithAttributes(
		attribute.String("booking_id", bookingID),
		attribute.String("old_status", oldStatus),
		attribute.String("new_status", newStatus),
	))
	defer span.End()

	fields := []zap.Field{zap.String("booking_id", bookingID), zap.String("old_status", oldStatus), zap.String("new_status", newStatus)}
	booking, err := r.store.GetBooking(ctx, bookingID)
	if err != nil {
		return r.settle("ledger transition", err, fields...)
	}
	switch {
	case !holdsSpot(oldStatus) && holdsSpot(newStatus):
		err = r.enterReserved(ctx, booking)
	case holdsSpot(oldStatus) && !holdsSpot(newStatus):
		err = r.exitReserved(ctx, booking, r.clock.Now())
	}
	if err != nil {
		span.RecordError(err)
	}
	return r.settle("ledger transition", err, fields...)
}

func holdsSpot(status string) bool {
	return status == string(domain.StatusReserved) || status == string(domain.BookingActive)
}

func (r *Reconciler) enterReserved(ctx context.Context, booking domain.Booking) error {
	spot, err := r.store.GetSpot(ctx, booking.SpotKey())
	if err != nil {
		return err
	}
	if spot.BookingID() != booking.ID || engine.OnReservedStateEntered(spot) != engine.MirrorSuppress {
		return nil
	}
	return r.mirror.Suppress(ctx, spot.Key)
}

func (r *Reconciler) exitReserved(ctx context.Context, booking domain.Booking, now time.Time) error {
	key := booking.SpotKey()
	sensor, err := r.mirror.Sensor(ctx, key)
	if err != nil {
		return err
	}
	var out outcome
	err = r.update(ctx, func(ctx context.Context, tx domain.Tx) error {
		out = outcome{key: key}
		spot, err := tx.Spot(ctx, key)
		if err != nil {
			return err
		}
		current, err := tx.Booking(ctx, booking.ID)
		if err != nil {
			return err
		}
		d := engine.OnBookingClosed(spot, current, now)
		d = d.Then(engine.OnReservedStateExited(d.Spot, sensor, now))
		if err := r.apply(ctx, tx, spot, d); err != nil {
			return err
		}
		out = committed(spot, d)
		return nil
	})
	if err != nil {
		return err
	}
	return r.afterCommit(ctx, out)
}

// ReserveRequest places a booking on an available spot.
type ReserveRequest struct {
	BookingID       string
	ParkingID       string
	SpotID          string
	UserID          string
	ExpectedArrival time.Time
	DeadlineArrival time.Time
	// ExpiryTime defaults to DeadlineArrival.
	ExpiryTime time.Time
}

// Reserve creates an active booking and moves the spot into the reserved state.
func (r *Reconciler) Reserve(ctx context.Context, req ReserveRequest) (domain.Booking, error) {
	if req.ParkingID == "" || req.SpotID == "" || req.ExpectedArrival.IsZero() {
		return domain.Booking{}, fmt.Errorf("%w: parking, spot and expected arrival are required", ErrInvalidRequest)
	}
	if req.DeadlineArrival.IsZero() {
		req.DeadlineArrival = req.ExpectedArrival.Add(r.cfg.ArrivalGrace)
	}
	if req.DeadlineArrival.Before(req.ExpectedArrival) {
		return domain.Booking{}, fmt.Errorf("%w: deadline before expected arrival", ErrInvalidRequest)
	}
	if req.ExpiryTime.IsZero() {
		req.ExpiryTime = req.DeadlineArrival
	}
	if req.BookingID == "" {
		req.BookingID = uuid.NewString()
	}

	ctx, span := r.tracer.Start(ctx, "spot.reserve", trace.WithAttributes(
		attribute.String("parking_id", req.ParkingID),
		attribute.String("spot_id", req.SpotID),
		attribute.String("booking_id", req.BookingID),
	))
	defer span.End()

	key := domain.SpotKey{ParkingID: req.ParkingID, SpotID: req.SpotID}
	now := r.clock.Now()
	var (
		booking domain.Booking
		out     outcome
	)
	err := r.update(ctx, func(ctx context.Context, tx domain.Tx) error {
		out = outcome{key: key}
		spot, err := tx.Spot(ctx, key)
		if err != nil {
			return err
		}
		if spot.Status() != domain.StatusAvailable {
			return fmt.Errorf("spot %s is %s: %w", key, spot.Status(), domain.ErrConflict)
		}
		booking = domain.Booking{
			ID:         req.BookingID,
			ParkingID:  req.ParkingID,
			SpotID:     req.SpotID,
			UserID:     req.UserID,
			Status:     domain.BookingActive,
			ExpiryTime: req.ExpiryTime,
			CreatedAt:  now,
		}
		if err := tx.CreateBooking(ctx, booking); err != nil {
			return err
		}
		next := spot
		next.State = domain.Reserved{BookingID: booking.ID, ExpectedArrival: req.ExpectedArrival, DeadlineArrival: req.DeadlineArrival}
		next.LastAction = domain.ActionReserved
		next.SyncedFromMirror = false
		next.UpdatedAt = now
		d := engine.Decision{
			Spot:   next,
			Mirror: engine.OnReservedStateEntered(next),
			Events: []domain.SpotEvent{{
				Type:       domain.EventReservationEntered,
				ParkingID:  key.ParkingID,
				SpotID:     key.SpotID,
				BookingID:  booking.ID,
				OldStatus:  spot.Status(),
				NewStatus:  next.Status(),
				Action:     domain.ActionReserved,
				OccurredAt: now,
			}},
			Changed: true,
		}
		if err := r.apply(ctx, tx, spot, d); err != nil {
			return err
		}
		out = committed(spot, d)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Booking{}, err
	}
	booking.Version = 1
	if err := r.afterCommit(ctx, out); err != nil {
		// The reservation is durable; the mirror converges on the next sensor change.
		r.logger.Warn("reservation mirror suppress failed", zap.String("booking_id", booking.ID), zap.Error(err))
	}
	return booking, nil
}

// Spot returns the committed spot.
func (r *Reconciler) Spot(ctx context.Context, key domain.SpotKey) (domain.Spot, error) {
	return r.store.GetSpot(ctx, key)
}

// update runs fn in a store transaction, recomputing from fresh reads when a
// concurrent writer moved an entity underneath it.
func (r *Reconciler) update(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	var err error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		err = r.store.Update(ctx, fn)
		if !errors.Is(err, domain.ErrPreconditionFailed) {
			return err
		}
		if attempt < r.cfg.MaxRetries {
			reconcileRetries.Inc()
			r.logger.Debug("transaction conflicted, recomputing", zap.Int("attempt", attempt), zap.Error(err))
		}
	}
	return err
}

// apply stages a decision: spot, booking, the clamped counter delta and the
// outbox events, all in tx.
func (r *Reconciler) apply(ctx context.Context, tx domain.Tx, before domain.Spot, d engine.Decision) error {
	if !d.Changed {
		return nil
	}
	if !reflect.DeepEqual(before.Record(), d.Spot.Record()) {
		if err := tx.SaveSpot(ctx, d.Spot); err != nil {
			return err
		}
	}
	if d.Booking != nil {
		if err := tx.SaveBooking(ctx, *d.Booking); err != nil {
			return err
		}
	}
	if delta := engine.AvailableDelta(before.Status(), d.Spot.Status()); delta != 0 {
		if err := r.adjustParking(ctx, tx, before.Key.ParkingID, delta, d.Spot.UpdatedAt); err != nil {
			return err
		}
	}
	for _, evt := range d.Events {
		if err := tx.AppendEvent(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) adjustParking(ctx context.Context, tx domain.Tx, parkingID string, delta int, at time.Time) error {
	parking, err := tx.Parking(ctx, parkingID)
	if errors.Is(err, domain.ErrNotFound) {
		r.logger.Warn("parking missing, available count not adjusted", zap.String("parking_id", parkingID), zap.Int("delta", delta))
		return nil
	}
	if err != nil {
		return err
	}
	next := parking.Adjust(delta)
	if next.Available == parking.Available {
		return nil
	}
	next.UpdatedAt = at
	return tx.SaveParking(ctx, next)
}

// afterCommit applies the mirror side effect and, without an outbox, publishes
// the committed events.
func (r *Reconciler) afterCommit(ctx context.Context, out outcome) error {
	if out.suppressed {
		mirrorSuppressed.Inc()
	}
	if out.changed {
		spotTransitions.WithLabelValues(transitionLabel(out)).Inc()
	}
	if r.publisher != nil {
		for _, evt := range out.events {
			if err := r.publisher.Publish(ctx, evt); err != nil {
				r.logger.Warn("publish spot event failed", zap.String("type", string(evt.Type)), zap.Error(err))
			}
		}
	}
	var err error
	switch out.mirror {
	case engine.MirrorSuppress:
		err = r.mirror.Suppress(ctx, out.key)
	case engine.MirrorRelease:
		_, err = r.mirror.Release(ctx, out.key)
	}
	if err != nil {
		return fmt.Errorf("mirror %s %s: %w", out.mirror, out.key, err)
	}
	return nil
}

func transitionLabel(out outcome) string {
	if len(out.events) == 0 {
		return "ledger"
	}
	if action := out.events[0].Action; action != domain.ActionNone {
		return string(action)
	}
	return "synced"
}

// settle applies the handler error policy: store outages and cancellation
// propagate, everything else is logged and swallowed.
func (r *Reconciler) settle(op string, err error, fields ...zap.Field) error {
	if err == nil {
		return nil
	}
	fields = append(fields, zap.Error(err))
	switch {
	case errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, domain.ErrNotFound):
		r.logger.Info(op+" skipped, entity not found", fields...)
	case errors.Is(err, domain.ErrPreconditionFailed):
		r.logger.Warn(op+" abandoned after concurrent updates", fields...)
	case errors.Is(err, domain.ErrInvariantViolation):
		r.logger.Error(op+" hit corrupt record", fields...)
	default:
		r.logger.Error(op+" failed", fields...)
	}
	return nil
}
