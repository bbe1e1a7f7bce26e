package domain

import (
	"fmt"
	"time"
)

type SpotStatus string

const (
	StatusAvailable SpotStatus = "available"
	StatusReserved  SpotStatus = "reserved"
	StatusOccupied  SpotStatus = "occupied"
)

// Valid reports whether s is one of the known spot statuses.
func (s SpotStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusReserved, StatusOccupied:
		return true
	default:
		return false
	}
}

// Action tags the last transition applied to a spot, for audit.
type Action string

const (
	ActionNone               Action = ""
	ActionReserved           Action = "reserved"
	ActionCarArrived         Action = "car_arrived"
	ActionLateArrival        Action = "late_arrival"
	ActionDeadlineExpired    Action = "deadline_expired"
	ActionReservationExpired Action = "reservation_expired"
)

// SpotKey addresses a spot inside a parking facility.
type SpotKey struct {
	ParkingID string `json:"parking_id"`
	SpotID    string `json:"spot_id"`
}

func (k SpotKey) String() string { return k.ParkingID + "/" + k.SpotID }

// SpotState is the explicit spot state machine: Available, Reserved or Occupied.
type SpotState interface {
	Status() SpotStatus
	isSpotState()
}

type Available struct{}

type Reserved struct {
	BookingID       string
	ExpectedArrival time.Time
	DeadlineArrival time.Time
}

// Occupied carries the booking the occupant arrived for. BookingID is empty
// for a car the sensor detected without a reservation.
type Occupied struct {
	BookingID string
	ArrivedAt time.Time
}

func (Available) Status() SpotStatus { return StatusAvailable }
func (Reserved) Status() SpotStatus  { return StatusReserved }
func (Occupied) Status() SpotStatus  { return StatusOccupied }

func (Available) isSpotState() {}
func (Reserved) isSpotState()  {}
func (Occupied) isSpotState()  {}

// Spot is the durable per-spot record in its typed form.
type Spot struct {
	Key              SpotKey
	State            SpotState
	LastAction       Action
	SyncedFromMirror bool
	UpdatedAt        time.Time
	Version          int64
}

// Status returns the status of the current state; a nil state counts as available.
func (s Spot) Status() SpotStatus {
	if s.State == nil {
		return StatusAvailable
	}
	return s.State.Status()
}

// BookingID returns the linked booking, if any.
func (s Spot) BookingID() string {
	switch st := s.State.(type) {
	case Reserved:
		return st.BookingID
	case Occupied:
		return st.BookingID
	default:
		return ""
	}
}

// Reservation returns the reserved state when the spot is held by a booking.
func (s Spot) Reservation() (Reserved, bool) {
	r, ok := s.State.(Reserved)
	return r, ok
}

// IgnoreMirrorUpdates is true while a reservation owns the spot.
func (s Spot) IgnoreMirrorUpdates() bool {
	return s.Status() == StatusReserved
}

// Validate checks the state invariants.
func (s Spot) Validate() error {
	switch st := s.State.(type) {
	case nil, Available:
		return nil
	case Reserved:
		if st.BookingID == "" {
			return fmt.Errorf("%w: spot %s reserved without booking", ErrInvariantViolation, s.Key)
		}
		if st.ExpectedArrival.IsZero() || st.DeadlineArrival.IsZero() {
			return fmt.Errorf("%w: spot %s reserved by %s without arrival deadlines", ErrInvariantViolation, s.Key, st.BookingID)
		}
		return nil
	case Occupied:
		if st.ArrivedAt.IsZero() {
			return fmt.Errorf("%w: spot %s occupied without arrival time", ErrInvariantViolation, s.Key)
		}
		return nil
	default:
		return fmt.Errorf("%w: spot %s has unknown state %T", ErrInvariantViolation, s.Key, st)
	}
}

// SpotRecord is the flat persisted shape of a spot.
type SpotRecord struct {
	ParkingID           string     `json:"parking_id"`
	SpotID              string     `json:"spot_id"`
	Status              SpotStatus `json:"status"`
	BookingID           *string    `json:"booking_id,omitempty"`
	ExpectedArrival     *time.Time `json:"expected_arrival,omitempty"`
	DeadlineArrival     *time.Time `json:"deadline_arrival,omitempty"`
	ArrivedAt           *time.Time `json:"arrived_at,omitempty"`
	IgnoreMirrorUpdates bool       `json:"ignore_mirror_updates"`
	LastAction          Action     `json:"last_action,omitempty"`
	SyncedFromMirror    bool       `json:"synced_from_mirror"`
	UpdatedAt           time.Time  `json:"updated_at"`
	Version             int64      `json:"version"`
}

// Record flattens the spot for storage.
func (s Spot) Record() SpotRecord {
	rec := SpotRecord{
		ParkingID:           s.Key.ParkingID,
		SpotID:              s.Key.SpotID,
		Status:              s.Status(),
		IgnoreMirrorUpdates: s.IgnoreMirrorUpdates(),
		LastAction:          s.LastAction,
		SyncedFromMirror:    s.SyncedFromMirror,
		UpdatedAt:           s.UpdatedAt,
		Version:             s.Version,
	}
	switch st := s.State.(type) {
	case Reserved:
		rec.BookingID = stringPtr(st.BookingID)
		rec.ExpectedArrival = timePtr(st.ExpectedArrival)
		rec.DeadlineArrival = timePtr(st.DeadlineArrival)
	case Occupied:
		if st.BookingID != "" {
			rec.BookingID = stringPtr(st.BookingID)
		}
		rec.ArrivedAt = timePtr(st.ArrivedAt)
	}
	return rec
}

// Spot converts a stored record into the typed state, rejecting field
// combinations the state machine cannot represent.
func (r SpotRecord) Spot() (Spot, error) {
	key := SpotKey{ParkingID: r.ParkingID, SpotID: r.SpotID}
	spot := Spot{
		Key:              key,
		LastAction:       r.LastAction,
		SyncedFromMirror: r.SyncedFromMirror,
		UpdatedAt:        r.UpdatedAt,
		Version:          r.Version,
	}
	switch r.Status {
	case StatusAvailable, "":
		if r.BookingID != nil || r.ExpectedArrival != nil || r.DeadlineArrival != nil {
			return Spot{}, fmt.Errorf("%w: spot %s available with booking fields set", ErrInvariantViolation, key)
		}
		spot.State = Available{}
	case StatusReserved:
		if r.BookingID == nil || r.ExpectedArrival == nil || r.DeadlineArrival == nil {
			return Spot{}, fmt.Errorf("%w: spot %s reserved with incomplete booking fields", ErrInvariantViolation, key)
		}
		spot.State = Reserved{BookingID: *r.BookingID, ExpectedArrival: *r.ExpectedArrival, DeadlineArrival: *r.DeadlineArrival}
	case StatusOccupied:
		occ := Occupied{}
		if r.BookingID != nil {
			occ.BookingID = *r.BookingID
		}
		if r.ArrivedAt != nil {
			occ.ArrivedAt = *r.ArrivedAt
		} else {
			occ.ArrivedAt = r.UpdatedAt
		}
		spot.State = occ
	default:
		return Spot{}, fmt.Errorf("%w: spot %s has unknown status %q", ErrInvariantViolation, key, r.Status)
	}
	if err := spot.Validate(); err != nil {
		return Spot{}, err
	}
	return spot, nil
}

type BookingStatus string

const (
	BookingActive    BookingStatus = "active"
	BookingCancelled BookingStatus = "cancelled"
)

type CancelReason string

const (
	CancelReasonNone           CancelReason = ""
	CancelReasonDeadlinePassed CancelReason = "deadline_passed"
	CancelReasonLateArrival    CancelReason = "late_arrival"
	CancelReasonExpired        CancelReason = "expired"
)

// Booking is a reservation ledger entry.
type Booking struct {
	ID           string        `json:"id"`
	ParkingID    string        `json:"parking_id"`
	SpotID       string        `json:"spot_id"`
	UserID       string        `json:"user_id,omitempty"`
	Status       BookingStatus `json:"status"`
	CancelReason CancelReason  `json:"cancel_reason,omitempty"`
	ExpiryTime   time.Time     `json:"expiry_time"`
	ArrivedAt    *time.Time    `json:"arrived_at,omitempty"`
	CancelledAt  *time.Time    `json:"cancelled_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	Version      int64         `json:"version"`
}

// SpotKey returns the back-reference to the booked spot.
func (b Booking) SpotKey() SpotKey {
	return SpotKey{ParkingID: b.ParkingID, SpotID: b.SpotID}
}

// Open reports whether the booking may still change: active and not yet arrived.
func (b Booking) Open() bool {
	return b.Status == BookingActive && b.ArrivedAt == nil
}

// Cancel finalizes an open booking.
func (b Booking) Cancel(reason CancelReason, at time.Time) (Booking, error) {
	if !b.Open() {
		return b, fmt.Errorf("%w: booking %s is %s", ErrInvalidTransition, b.ID, b.Status)
	}
	b.Status = BookingCancelled
	b.CancelReason = reason
	b.CancelledAt = timePtr(at)
	return b, nil
}

// MarkArrived records the arrival on an open booking; the booking stays active.
func (b Booking) MarkArrived(at time.Time) (Booking, error) {
	if !b.Open() {
		return b, fmt.Errorf("%w: booking %s is %s", ErrInvalidTransition, b.ID, b.Status)
	}
	b.ArrivedAt = timePtr(at)
	return b, nil
}

// Parking is the facility aggregate holding the available-spot counter.
type Parking struct {
	ID        string    `json:"id"`
	Capacity  int       `json:"capacity"`
	Available int       `json:"available"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// Adjust applies delta to the available counter, clamped to [0, capacity].
func (p Parking) Adjust(delta int) Parking {
	next := p.Available + delta
	if next > p.Capacity {
		next = p.Capacity
	}
	if next < 0 {
		next = 0
	}
	p.Available = next
	return p
}

type SpotEventType string

const (
	EventReservationEntered SpotEventType = "ReservationEntered"
	EventReservationExited  SpotEventType = "ReservationExited"
	EventCarArrived         SpotEventType = "CarArrived"
	EventSpotSynced         SpotEventType = "SpotSynced"
)

// SpotEvent is appended to the outbox in the same transaction as the change it describes.
type SpotEvent struct {
	ID         string        `json:"id"`
	Type       SpotEventType `json:"type"`
	ParkingID  string        `json:"parking_id"`
	SpotID     string        `json:"spot_id"`
	BookingID  string        `json:"booking_id,omitempty"`
	OldStatus  SpotStatus    `json:"old_status"`
	NewStatus  SpotStatus    `json:"new_status"`
	Action     Action        `json:"action,omitempty"`
	Reason     CancelReason  `json:"reason,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// Reading is one physical sensor observation.
type Reading struct {
	Key        SpotKey
	Status     SpotStatus
	Distance   float64
	ObservedAt time.Time
}

// SensorChange is the mirror's change notification for a sensor write.
type SensorChange struct {
	Key        SpotKey    `json:"key"`
	Old        SpotStatus `json:"old"`
	New        SpotStatus `json:"new"`
	Suppressed bool       `json:"suppressed"`
	At         time.Time  `json:"at"`
}

func stringPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
