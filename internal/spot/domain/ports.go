package domain

import (
	"context"
	"time"
)

// Store is the durable transactional store holding spots, bookings and parkings.
type Store interface {
	// Update runs fn in a single transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// ExpiredBookings lists open bookings whose expiry time is at or before now,
	// oldest first.
	ExpiredBookings(ctx context.Context, now time.Time, limit int) ([]Booking, error)
	GetBooking(ctx context.Context, id string) (Booking, error)
	GetSpot(ctx context.Context, key SpotKey) (Spot, error)
}

// Tx is the per-transaction view of the store. Reads lock the entity for the
// remainder of the transaction; saves fail with ErrPreconditionFailed when the
// stored version moved since it was read.
type Tx interface {
	Spot(ctx context.Context, key SpotKey) (Spot, error)
	Booking(ctx context.Context, id string) (Booking, error)
	Parking(ctx context.Context, id string) (Parking, error)
	SaveSpot(ctx context.Context, spot Spot) error
	SaveBooking(ctx context.Context, booking Booking) error
	SaveParking(ctx context.Context, parking Parking) error
	CreateBooking(ctx context.Context, booking Booking) error
	AppendEvent(ctx context.Context, event SpotEvent) error
	// Isolate runs fn as a sub-unit: when fn fails only its writes are discarded.
	Isolate(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// ChangeFunc receives mirror change notifications.
type ChangeFunc func(ctx context.Context, change SensorChange)

// Mirror is the low-latency store reflecting live sensor readings.
type Mirror interface {
	// Record stores a sensor reading. The displayed status follows the reading
	// unless the spot is suppressed.
	Record(ctx context.Context, reading Reading) (SensorChange, error)
	// Sensor returns the last physical reading, available when none is known.
	Sensor(ctx context.Context, key SpotKey) (SpotStatus, error)
	// Suppress marks the spot as owned by a reservation and displays it reserved.
	Suppress(ctx context.Context, key SpotKey) error
	// Release lifts suppression and re-displays the last physical reading, which it returns.
	Release(ctx context.Context, key SpotKey) (SpotStatus, error)
	// Watch delivers change notifications to fn until ctx is done.
	Watch(ctx context.Context, fn ChangeFunc) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event SpotEvent) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// IdempotencyRepository caches responses of replay-safe requests.
type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}
