// Package engine decides spot and ledger transitions from sensor readings and
// deadlines. Every function is pure: given identical inputs it returns the same
// Decision, and applying a Decision's result again is a no-op.
package engine

import (
	"time"

	"github.com/example/spotkeeper/internal/spot/domain"
)

// MirrorOp is the side effect to apply on the sensor mirror after commit.
type MirrorOp int

const (
	MirrorNone MirrorOp = iota
	// MirrorSuppress sets the ignore flag and displays the spot as reserved.
	MirrorSuppress
	// MirrorRelease clears the ignore flag and re-displays the physical reading.
	MirrorRelease
)

func (op MirrorOp) String() string {
	switch op {
	case MirrorSuppress:
		return "suppress"
	case MirrorRelease:
		return "release"
	default:
		return "none"
	}
}

// Decision is the outcome of one engine step. Changed reports a durable
// change; Mirror may be set without one.
type Decision struct {
	Spot    domain.Spot
	Booking *domain.Booking
	Mirror  MirrorOp
	Events  []domain.SpotEvent
	Changed bool
	// Suppressed is set when a mirror write was withheld by an active reservation.
	Suppressed bool
}

func unchanged(spot domain.Spot) Decision {
	return Decision{Spot: spot}
}

// Then folds a follow-up decision into d. The follow-up must have been computed
// from d.Spot.
func (d Decision) Then(next Decision) Decision {
	if next.Mirror != MirrorNone {
		d.Mirror = next.Mirror
	}
	d.Suppressed = d.Suppressed || next.Suppressed
	if !next.Changed {
		return d
	}
	d.Spot = next.Spot
	if next.Booking != nil {
		d.Booking = next.Booking
	}
	d.Events = append(d.Events, next.Events...)
	d.Changed = true
	return d
}

// OnDeadlineCheck cancels a reservation whose arrival deadline has passed. It
// ignores the sensor value entirely: a passed deadline wins over any reading.
func OnDeadlineCheck(spot domain.Spot, booking domain.Booking, now time.Time) Decision {
	res, ok := spot.Reservation()
	if !ok || res.BookingID != booking.ID || !booking.Open() {
		return unchanged(spot)
	}
	if !now.After(res.DeadlineArrival) {
		return unchanged(spot)
	}
	return cancelReservation(spot, booking, domain.ActionDeadlineExpired, domain.CancelReasonDeadlinePassed, now)
}

// OnSensorTransition detects arrival at a reserved spot. Only an occupied
// reading on a reserved spot acts; everything else is left to the mirror sync.
func OnSensorTransition(spot domain.Spot, booking domain.Booking, sensor domain.SpotStatus, now time.Time) Decision {
	res, ok := spot.Reservation()
	if !ok || sensor != domain.StatusOccupied || res.BookingID != booking.ID || !booking.Open() {
		return unchanged(spot)
	}
	if now.After(res.DeadlineArrival) {
		return cancelReservation(spot, booking, domain.ActionLateArrival, domain.CancelReasonLateArrival, now)
	}

	arrived, err := booking.MarkArrived(now)
	if err != nil {
		return unchanged(spot)
	}
	next := spot
	next.State = domain.Occupied{BookingID: booking.ID, ArrivedAt: now}
	next.LastAction = domain.ActionCarArrived
	next.UpdatedAt = now
	return Decision{
		Spot:    next,
		Booking: &arrived,
		Mirror:  MirrorRelease,
		Events: []domain.SpotEvent{
			event(domain.EventCarArrived, spot, next, booking.ID, domain.ActionCarArrived, domain.CancelReasonNone, now),
			event(domain.EventReservationExited, spot, next, booking.ID, domain.ActionCarArrived, domain.CancelReasonNone, now),
		},
		Changed: true,
	}
}

// OnMirrorWrite propagates a mirror status into the durable spot, unless a
// reservation still protects it. The protection window is the arrival window:
// up to and including the deadline. A reserved spot that the write moves out of
// reserved gets its mirror released.
func OnMirrorWrite(spot domain.Spot, mirrored domain.SpotStatus, now time.Time) Decision {
	res, reserved := spot.Reservation()
	if reserved && !now.After(res.DeadlineArrival) {
		return Decision{Spot: spot, Suppressed: true}
	}
	next, ok := stateFromMirror(spot, mirrored, now)
	switch {
	case !ok && reserved:
		// our own reserved echo on an unprotected reservation
		next = domain.Available{}
	case !ok:
		return unchanged(spot)
	}
	out := spot
	out.State = next
	out.SyncedFromMirror = true
	out.UpdatedAt = now
	d := Decision{
		Spot:    out,
		Events:  []domain.SpotEvent{event(domain.EventSpotSynced, spot, out, spot.BookingID(), domain.ActionNone, domain.CancelReasonNone, now)},
		Changed: true,
	}
	if reserved {
		d.Mirror = MirrorRelease
	}
	return d
}

// OnReservedStateEntered returns the mirror side effect for a spot that just
// became reserved.
func OnReservedStateEntered(spot domain.Spot) MirrorOp {
	if spot.Status() != domain.StatusReserved {
		return MirrorNone
	}
	return MirrorSuppress
}

// OnReservedStateExited re-syncs a released spot from the mirror's physical
// reading instead of assuming the spot is free. A spot that is reserved again
// is left alone.
func OnReservedStateExited(spot domain.Spot, mirrored domain.SpotStatus, now time.Time) Decision {
	if spot.Status() == domain.StatusReserved {
		return unchanged(spot)
	}
	d := Decision{Spot: spot, Mirror: MirrorRelease}
	next, ok := stateFromMirror(spot, mirrored, now)
	if !ok {
		return d
	}
	out := spot
	out.State = next
	out.SyncedFromMirror = true
	out.UpdatedAt = now
	d.Spot = out
	d.Events = []domain.SpotEvent{event(domain.EventSpotSynced, spot, out, "", spot.LastAction, domain.CancelReasonNone, now)}
	d.Changed = true
	return d
}

// OnSweepExpired force-expires an open booking whose expiry time has passed and
// frees the spot it still holds.
func OnSweepExpired(spot domain.Spot, booking domain.Booking, now time.Time) Decision {
	if !booking.Open() || booking.ExpiryTime.After(now) {
		return unchanged(spot)
	}
	res, held := spot.Reservation()
	if !held || res.BookingID != booking.ID {
		cancelled, err := booking.Cancel(domain.CancelReasonExpired, now)
		if err != nil {
			return unchanged(spot)
		}
		return Decision{Spot: spot, Booking: &cancelled, Changed: true}
	}
	return cancelReservation(spot, booking, domain.ActionReservationExpired, domain.CancelReasonExpired, now)
}

// OnBookingClosed frees a spot still reserved for a booking the ledger has
// already finalized elsewhere.
func OnBookingClosed(spot domain.Spot, booking domain.Booking, now time.Time) Decision {
	res, ok := spot.Reservation()
	if !ok || res.BookingID != booking.ID || booking.Open() {
		return unchanged(spot)
	}
	next := spot
	next.State = domain.Available{}
	next.UpdatedAt = now
	return Decision{
		Spot:    next,
		Mirror:  MirrorRelease,
		Events:  []domain.SpotEvent{event(domain.EventReservationExited, spot, next, booking.ID, spot.LastAction, booking.CancelReason, now)},
		Changed: true,
	}
}

// AvailableDelta is the change to the parking's available counter caused by a
// spot moving from before to after.
func AvailableDelta(before, after domain.SpotStatus) int {
	switch {
	case before == after:
		return 0
	case after == domain.StatusAvailable:
		return 1
	case before == domain.StatusAvailable:
		return -1
	default:
		return 0
	}
}

func cancelReservation(spot domain.Spot, booking domain.Booking, action domain.Action, reason domain.CancelReason, now time.Time) Decision {
	cancelled, err := booking.Cancel(reason, now)
	if err != nil {
		return unchanged(spot)
	}
	next := spot
	next.State = domain.Available{}
	next.LastAction = action
	next.UpdatedAt = now
	return Decision{
		Spot:    next,
		Booking: &cancelled,
		Mirror:  MirrorRelease,
		Events:  []domain.SpotEvent{event(domain.EventReservationExited, spot, next, booking.ID, action, reason, now)},
		Changed: true,
	}
}

func stateFromMirror(spot domain.Spot, mirrored domain.SpotStatus, now time.Time) (domain.SpotState, bool) {
	switch mirrored {
	case domain.StatusAvailable:
		if spot.Status() == domain.StatusAvailable {
			return nil, false
		}
		return domain.Available{}, true
	case domain.StatusOccupied:
		if spot.Status() == domain.StatusOccupied {
			return nil, false
		}
		return domain.Occupied{ArrivedAt: now}, true
	default:
		// reserved is our own echo in the mirror; it never flows back.
		return nil, false
	}
}

func event(typ domain.SpotEventType, before, after domain.Spot, bookingID string, action domain.Action, reason domain.CancelReason, now time.Time) domain.SpotEvent {
	return domain.SpotEvent{
		Type:       typ,
		ParkingID:  after.Key.ParkingID,
		SpotID:     after.Key.SpotID,
		BookingID:  bookingID,
		OldStatus:  before.Status(),
		NewStatus:  after.Status(),
		Action:     action,
		Reason:     reason,
		OccurredAt: now,
	}
}
