package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/spotkeeper/internal/spot/domain"
	"github.com/example/spotkeeper/internal/spot/mirror"
	"github.com/example/spotkeeper/internal/spot/repository"
	"github.com/example/spotkeeper/internal/spot/service"
)

var (
	t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	s1 = domain.SpotKey{ParkingID: "p1", SpotID: "s1"}
	s2 = domain.SpotKey{ParkingID: "p1", SpotID: "s2"}
)

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

type stubPublisher struct {
	mu     sync.Mutex
	events []domain.SpotEvent
}

func (s *stubPublisher) Publish(_ context.Context, event domain.SpotEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// flakyStore fails the next Update calls with the queued errors.
type flakyStore struct {
	*repository.MemoryStore
	updateErrs []error
	calls      int
}

func (f *flakyStore) Update(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	f.calls++
	if len(f.updateErrs) > 0 {
		err := f.updateErrs[0]
		f.updateErrs = f.updateErrs[1:]
		return err
	}
	return f.MemoryStore.Update(ctx, fn)
}

// flakyMirror fails sensor reads for selected spots.
type flakyMirror struct {
	*mirror.MemoryMirror
	failSensor map[domain.SpotKey]bool
}

func (f *flakyMirror) Sensor(ctx context.Context, key domain.SpotKey) (domain.SpotStatus, error) {
	if f.failSensor[key] {
		return "", fmt.Errorf("sensor %s: %w", key, domain.ErrStoreUnavailable)
	}
	return f.MemoryMirror.Sensor(ctx, key)
}

type fixture struct {
	store     *flakyStore
	mirror    *flakyMirror
	publisher *stubPublisher
	rec       *service.Reconciler
}

// newFixture seeds parking p1 (capacity 2) with s1 reserved for b1
// (expected T+5m, deadline and expiry T+10m) and s2 available.
func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	store := &flakyStore{MemoryStore: repository.NewMemoryStore()}
	store.PutParking(domain.Parking{ID: "p1", Capacity: 2, Available: 1, Version: 1})
	store.PutSpot(domain.Spot{
		Key:        s1,
		State:      domain.Reserved{BookingID: "b1", ExpectedArrival: t0.Add(5 * time.Minute), DeadlineArrival: t0.Add(10 * time.Minute)},
		LastAction: domain.ActionReserved,
		Version:    1,
	})
	store.PutSpot(domain.Spot{Key: s2, State: domain.Available{}, Version: 1})
	store.PutBooking(domain.Booking{ID: "b1", ParkingID: "p1", SpotID: "s1", Status: domain.BookingActive, ExpiryTime: t0.Add(10 * time.Minute), CreatedAt: t0, Version: 1})

	m := &flakyMirror{MemoryMirror: mirror.NewMemoryMirror(), failSensor: map[domain.SpotKey]bool{}}
	require.NoError(t, m.Suppress(context.Background(), s1))

	pub := &stubPublisher{}
	rec := service.New(store, m, stubClock{t: now}, pub, zap.NewNop(), service.Config{MaxRetries: 3, RetryBackoff: time.Millisecond})
	return &fixture{store: store, mirror: m, publisher: pub, rec: rec}
}

func (f *fixture) spot(t *testing.T, key domain.SpotKey) domain.Spot {
	t.Helper()
	spot, err := f.store.GetSpot(context.Background(), key)
	require.NoError(t, err)
	return spot
}

func (f *fixture) booking(t *testing.T, id string) domain.Booking {
	t.Helper()
	b, err := f.store.GetBooking(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (f *fixture) available(t *testing.T) int {
	t.Helper()
	p, ok := f.store.Parking("p1")
	require.True(t, ok)
	require.GreaterOrEqual(t, p.Available, 0)
	require.LessOrEqual(t, p.Available, p.Capacity)
	return p.Available
}

func (f *fixture) sensor(t *testing.T, key domain.SpotKey, status domain.SpotStatus) domain.SensorChange {
	t.Helper()
	change, err := f.mirror.Record(context.Background(), domain.Reading{Key: key, Status: status, ObservedAt: t0})
	require.NoError(t, err)
	return change
}

func TestOnTimeArrivalOccupiesSpot(t *testing.T) {
	now := t0.Add(5 * time.Minute)
	f := newFixture(t, now)
	ctx := context.Background()
	f.sensor(t, s1, domain.StatusOccupied)

	require.NoError(t, f.rec.HandleMirrorStatusUpdate(ctx, "p1", "s1", domain.StatusAvailable, domain.StatusOccupied, now))

	spot := f.spot(t, s1)
	occ, ok := spot.State.(domain.Occupied)
	require.True(t, ok)
	require.Equal(t, "b1", occ.BookingID)
	require.True(t, occ.ArrivedAt.Equal(now))
	require.Equal(t, domain.ActionCarArrived, spot.LastAction)
	require.False(t, spot.IgnoreMirrorUpdates())

	b := f.booking(t, "b1")
	require.Equal(t, domain.BookingActive, b.Status)
	require.NotNil(t, b.ArrivedAt)
	require.True(t, b.ArrivedAt.Equal(now))
	require.Equal(t, 1, f.available(t))

	status, ignore, err := f.mirror.Status(ctx, s1)
	require.NoError(t, err)
	require.Equal(t, domain.StatusOccupied, status)
	require.False(t, ignore)

	require.Len(t, f.publisher.events, 2)
	require.Equal(t, domain.EventCarArrived, f.publisher.events[0].Type)
	require.Equal(t, domain.EventReservationExited, f.publisher.events[1].Type)
}

func TestLateSensorWriteCancelsWithDeadlinePassed(t *testing.T) {
	now := t0.Add(15 * time.Minute)
	f := newFixture(t, now)
	ctx := context.Background()
	f.sensor(t, s1, domain.StatusOccupied)

	require.NoError(t, f.rec.HandleMirrorStatusUpdate(ctx, "p1", "s1", domain.StatusAvailable, domain.StatusOccupied, now))

	b := f.booking(t, "b1")
	require.Equal(t, domain.BookingCancelled, b.Status)
	require.Equal(t, domain.CancelReasonDeadlinePassed, b.CancelReason)
	require.Nil(t, b.ArrivedAt)

	// released and re-synced from the physical reading: a car is there
	spot := f.spot(t, s1)
	require.Equal(t, domain.StatusOccupied, spot.Status())
	require.Empty(t, spot.BookingID())
	require.Equal(t, domain.ActionDeadlineExpired, spot.LastAction)
	require.Equal(t, 1, f.available(t))

	status, ignore, err := f.mirror.Status(ctx, s1)
	require.NoError(t, err)
	require.Equal(t, domain.StatusOccupied, status)
	require.False(t, ignore)
}

func TestDeadlinePassedWithFreeSensorReleasesSpot(t *testing.T) {
	now := t0.Add(11 * time.Minute)
	f := newFixture(t, now)
	f.sensor(t, s1, domain.StatusAvailable)

	require.NoError(t, f.rec.HandleMirrorStatusUpdate(context.Background(), "p1", "s1", "", domain.StatusAvailable, now))

	spot := f.spot(t, s1)
	require.Equal(t, domain.StatusAvailable, spot.Status())
	require.Equal(t, domain.ActionDeadlineExpired, spot.LastAction)
	require.Equal(t, domain.CancelReasonDeadlinePassed, f.booking(t, "b1").CancelReason)
	require.Equal(t, 2, f.available(t))
}

func TestMirrorWriteSuppressedWhileReserved(t *testing.T) {
	now := t0.Add(2 * time.Minute)
	f := newFixture(t, now)
	ctx := context.Background()
	change := f.sensor(t, s1, domain.StatusAvailable)
	require.True(t, change.Suppressed)

	require.NoError(t, f.rec.HandleMirrorStatusUpdate(ctx, "p1", "s1", "", domain.StatusAvailable, now))

	spot := f.spot(t, s1)
	require.Equal(t, domain.StatusReserved, spot.Status())
	require.Equal(t, int64(1), spot.Version)
	require.Equal(t, 1, f.available(t))
	require.Empty(t, f.publisher.events)

	status, ignore, err := f.mirror.Status(ctx, s1)
	require.NoError(t, err)
	require.Equal(t, domain.StatusReserved, status)
	require.True(t, ignore)
}

func TestSensorWriteAtDeadlineInstantKeepsReservation(t *testing.T) {
	now := t0.Add(10 * time.Minute)
	f := newFixture(t, now)
	ctx := context.Background()
	f.sensor(t, s1, domain.StatusAvailable)

	require.NoError(t, f.rec.HandleMirrorStatusUpdate(ctx, "p1", "s1", domain.StatusOccupied, domain.StatusAvailable, now))

	spot := f.spot(t, s1)
	require.Equal(t, domain.StatusReserved, spot.Status())
	require.Equal(t, "b1", spot.BookingID())
	require.True(t, f.booking(t, "b1").Open())
	require.Equal(t, 1, f.available(t))
	_, ignore, err := f.mirror.Status(ctx, s1)
	require.NoError(t, err)
	require.True(t, ignore)

	// arriving exactly at the deadline is still on time
	f.sensor(t, s1, domain.StatusOccupied)
	require.NoError(t, f.rec.HandleMirrorStatusUpdate(ctx, "p1", "s1", domain.StatusAvailable, domain.StatusOccupied, now))
	require.Equal(t, domain.StatusOccupied, f.spot(t, s1).Status())
	booking := f.booking(t, "b1")
	require.Equal(t, domain.BookingActive, booking.Status)
	require.NotNil(t, booking.ArrivedAt)
	_, ignore, err = f.mirror.Status(ctx, s1)
	require.NoError(t, err)
	require.False(t, ignore)
}

func TestSensorWriteFreesSpotHeldByClosedBooking(t *testing.T) {
	now := t0.Add(5 * time.Minute)
	f := newFixture(t, now)
	ctx := context.Background()
	cancelledAt := t0.Add(time.Minute)
	f.store.PutBooking(domain.Booking{
		ID: "b1", ParkingID: "p1", SpotID: "s1", Status: domain.BookingCancelled,
		CancelReason: domain.CancelReasonExpired, ExpiryTime: t0.Add(10 * time.Minute),
		CancelledAt: &cancelledAt, CreatedAt: t0, Version: 2,
	})
	f.sensor(t, s1, domain.StatusAvailable)

	require.NoError(t, f.rec.HandleMirrorStatusUpdate(ctx, "p1", "s1", "", domain.StatusAvailable, now))

	spot := f.spot(t, s1)
	require.Equal(t, domain.StatusAvailable, spot.Status())
	require.Empty(t, spot.BookingID())
	require.Equal(t, 2, f.available(t))
	status, ignore, err := f.mirror.Status(ctx, s1)
	require.NoError(t, err)
	require.False(t, ignore)
	require.Equal(t, domain.StatusAvailable, status)
}

func TestSensorWriteReleasesMirrorForOrphanedReservation(t *testing.T) {
	now := t0.Add(11 * time.Minute)
	f := newFixture(t, now)
	ctx := context.Background()
	f.store.PutParking(domain.Parking{ID: "p1", Capacity: 2, Available: 0, Version: 2})
	f.store.PutSpot(domain.Spot{
		Key:        s2,
		State:      domain.Reserved{BookingID: "ghost", ExpectedArrival: t0.Add(5 * time.Minute), DeadlineArrival: t0.Add(10 * time.Minute)},
		LastAction: domain.ActionReserved,
		Version:    2,
	})
	require.NoError(t, f.mirror.Suppress(ctx, s2))
	f.sensor(t, s2, domain.StatusOccupied)

	require.NoError(t, f.rec.HandleMirrorStatusUpdate(ctx, "p1", "s2", "", domain.StatusOccupied, now))

	spot := f.spot(t, s2)
	require.Equal(t, domain.StatusOccupied, spot.Status())
	require.Empty(t, spot.BookingID())
	status, ignore, err := f.mirror.Status(ctx, s2)
	require.NoError(t, err)
	require.False(t, ignore)
	require.Equal(t, domain.StatusOccupied, status)
}

func TestMirrorWritePropagatesToUnreservedSpot(t *testing.T) {
	now := t0.Add(2 * time.Minute)
	f := newFixture(t, now)
	f.sensor(t, s2, domain.StatusOccupied)

	require.NoError(t, f.rec.HandleMirrorStatusUpdate(context.Background(), "p1", "s2", domain.StatusAvailable, domain.StatusOccupied, now))

	spot := f.spot(t, s2)
	require.Equal(t, domain.StatusOccupied, spot.Status())
	require.True(t, spot.SyncedFromMirror)
	require.Equal(t, 0, f.available(t))

	f.sensor(t, s2, domain.StatusAvailable)
	require.NoError(t, f.rec.HandleMirrorStatusUpdate(context.Background(), "p1", "s2", domain.StatusOccupied, domain.StatusAvailable, now))
	require.Equal(t, domain.StatusAvailable, f.spot(t, s2).Status())
	require.Equal(t, 1, f.available(t))
}

func TestHandlerIsIdempotent(t *testing.T) {
	now := t0.Add(5 * time.Minute)
	f := newFixture(t, now)
	ctx := context.Background()
	f.sensor(t, s1, domain.StatusOccupied)

	require.NoError(t, f.rec.HandleMirrorStatusUpdate(ctx, "p1", "s1", "", domain.StatusOccupied, now))
	first := f.spot(t, s1)
	firstBooking := f.booking(t, "b1")
	events := len(f.store.Events())

	require.NoError(t, f.rec.HandleMirrorStatusUpdate(ctx, "p1", "s1", "", domain.StatusOccupied, now))
	require.Equal(t, first.Record(), f.spot(t, s1).Record())
	require.Equal(t, firstBooking, f.booking(t, "b1"))
	require.Len(t, f.store.Events(), events)
	require.Equal(t, 1, f.available(t))
}

func TestSweepExpiresUnarrivedReservation(t *testing.T) {
	now := t0.Add(11 * time.Minute)
	f := newFixture(t, now)
	ctx := context.Background()

	result, err := f.rec.SweepExpiredReservations(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, result.Expired)
	require.Equal(t, 1, result.Released)

	b := f.booking(t, "b1")
	require.Equal(t, domain.BookingCancelled, b.Status)
	require.Equal(t, domain.CancelReasonExpired, b.CancelReason)

	spot := f.spot(t, s1)
	require.Equal(t, domain.StatusAvailable, spot.Status())
	require.Equal(t, domain.ActionReservationExpired, spot.LastAction)
	require.Equal(t, 2, f.available(t))

	status, ignore, err := f.mirror.Status(ctx, s1)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAvailable, status)
	require.False(t, ignore)

	// a second run at the same instant finds nothing to do
	again, err := f.rec.SweepExpiredReservations(ctx, now)
	require.NoError(t, err)
	require.Zero(t, again.Expired)
	require.Equal(t, spot.Record(), f.spot(t, s1).Record())
	require.Equal(t, 2, f.available(t))
}

func TestSweepResyncsOccupiedSpot(t *testing.T) {
	now := t0.Add(11 * time.Minute)
	f := newFixture(t, now)
	f.sensor(t, s1, domain.StatusOccupied)

	_, err := f.rec.SweepExpiredReservations(context.Background(), now)
	require.NoError(t, err)

	spot := f.spot(t, s1)
	require.Equal(t, domain.StatusOccupied, spot.Status())
	require.True(t, spot.SyncedFromMirror)
	require.Equal(t, 1, f.available(t))
}

func TestLedgerExitResyncsFromMirror(t *testing.T) {
	now := t0.Add(3 * time.Minute)
	f := newFixture(t, now)
	ctx := context.Background()
	f.sensor(t, s1, domain.StatusOccupied)

	cancelled, err := f.booking(t, "b1").Cancel(domain.CancelReasonExpired, now)
	require.NoError(t, err)
	f.store.PutBooking(cancelled)

	require.NoError(t, f.rec.HandleLedgerStatusTransition(ctx, "b1", string(domain.BookingActive), string(domain.BookingCancelled)))

	spot := f.spot(t, s1)
	require.Equal(t, domain.StatusOccupied, spot.Status())
	require.False(t, spot.IgnoreMirrorUpdates())
	require.Equal(t, 1, f.available(t))

	status, ignore, err := f.mirror.Status(ctx, s1)
	require.NoError(t, err)
	require.Equal(t, domain.StatusOccupied, status)
	require.False(t, ignore)
}

func TestLedgerEntrySuppressesMirror(t *testing.T) {
	f := newFixture(t, t0)
	ctx := context.Background()
	_, err := f.mirror.Release(ctx, s1)
	require.NoError(t, err)

	require.NoError(t, f.rec.HandleLedgerStatusTransition(ctx, "b1", "", string(domain.StatusReserved)))

	status, ignore, err := f.mirror.Status(ctx, s1)
	require.NoError(t, err)
	require.Equal(t, domain.StatusReserved, status)
	require.True(t, ignore)

	require.NoError(t, f.rec.HandleLedgerStatusTransition(ctx, "missing", "", string(domain.StatusReserved)))
}

func TestSweepIsolatesFailingEntry(t *testing.T) {
	now := t0.Add(11 * time.Minute)
	f := newFixture(t, now)
	s3 := domain.SpotKey{ParkingID: "p1", SpotID: "s3"}
	f.store.PutParking(domain.Parking{ID: "p1", Capacity: 3, Available: 1, Version: 1})
	f.store.PutSpot(domain.Spot{
		Key:     s3,
		State:   domain.Reserved{BookingID: "b3", ExpectedArrival: t0, DeadlineArrival: t0.Add(5 * time.Minute)},
		Version: 1,
	})
	f.store.PutBooking(domain.Booking{ID: "b3", ParkingID: "p1", SpotID: "s3", Status: domain.BookingActive, ExpiryTime: t0.Add(5 * time.Minute), Version: 1})
	f.mirror.failSensor[s3] = true

	result, err := f.rec.SweepExpiredReservations(context.Background(), now)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.Equal(t, 2, result.Scanned)
	require.Equal(t, 1, result.Expired)
	require.Equal(t, 1, result.Skipped)

	require.Equal(t, domain.BookingCancelled, f.booking(t, "b1").Status)
	require.Equal(t, domain.StatusAvailable, f.spot(t, s1).Status())
	require.Equal(t, domain.BookingActive, f.booking(t, "b3").Status)
	require.Equal(t, domain.StatusReserved, f.spot(t, s3).Status())
	require.Equal(t, 2, f.available(t))

	// the outage clears and the next tick finishes the job
	f.mirror.failSensor[s3] = false
	_, err = f.rec.SweepExpiredReservations(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, domain.BookingCancelled, f.booking(t, "b3").Status)
	require.Equal(t, 3, f.available(t))
}

func TestSweepDrainsBacklogPastOneBatch(t *testing.T) {
	now := t0.Add(11 * time.Minute)
	f := newFixture(t, now)
	f.store.PutParking(domain.Parking{ID: "p1", Capacity: 4, Available: 1, Version: 1})
	for i, id := range []string{"s3", "s4"} {
		bookingID := "b" + id[1:]
		expiry := t0.Add(time.Duration(i+1) * time.Minute)
		f.store.PutSpot(domain.Spot{
			Key:     domain.SpotKey{ParkingID: "p1", SpotID: id},
			State:   domain.Reserved{BookingID: bookingID, ExpectedArrival: t0, DeadlineArrival: expiry},
			Version: 1,
		})
		f.store.PutBooking(domain.Booking{ID: bookingID, ParkingID: "p1", SpotID: id, Status: domain.BookingActive, ExpiryTime: expiry, Version: 1})
	}
	// b3 expires first and keeps failing, so every page lists it again
	f.mirror.failSensor[domain.SpotKey{ParkingID: "p1", SpotID: "s3"}] = true
	rec := service.New(f.store, f.mirror, stubClock{t: now}, f.publisher, zap.NewNop(),
		service.Config{MaxRetries: 3, RetryBackoff: time.Millisecond, SweepBatch: 1})

	result, err := rec.SweepExpiredReservations(context.Background(), now)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.Equal(t, service.SweepResult{Scanned: 3, Expired: 2, Released: 2, Skipped: 1}, result)
	require.Equal(t, domain.BookingActive, f.booking(t, "b3").Status)
	require.Equal(t, domain.BookingCancelled, f.booking(t, "b4").Status)
	require.Equal(t, domain.BookingCancelled, f.booking(t, "b1").Status)
	require.Equal(t, 3, f.available(t))

	f.mirror.failSensor[domain.SpotKey{ParkingID: "p1", SpotID: "s3"}] = false
	result, err = rec.SweepExpiredReservations(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, result.Expired)
	require.Equal(t, 4, f.available(t))
}

func TestSweepSkipsCorruptRecordAndContinues(t *testing.T) {
	now := t0.Add(11 * time.Minute)
	f := newFixture(t, now)
	bad := "b4"
	f.store.PutSpotRecord(domain.SpotRecord{ParkingID: "p1", SpotID: "s4", Status: domain.StatusReserved, BookingID: &bad, Version: 1})
	f.store.PutBooking(domain.Booking{ID: "b4", ParkingID: "p1", SpotID: "s4", Status: domain.BookingActive, ExpiryTime: t0, Version: 1})

	result, err := f.rec.SweepExpiredReservations(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, result.Expired)
	require.Equal(t, 1, result.Skipped)
	require.Equal(t, domain.BookingActive, f.booking(t, "b4").Status)
	require.Equal(t, domain.BookingCancelled, f.booking(t, "b1").Status)
}

func TestSweepCancelsLedgerWhenSpotMissing(t *testing.T) {
	now := t0.Add(11 * time.Minute)
	f := newFixture(t, now)
	f.store.PutBooking(domain.Booking{ID: "b9", ParkingID: "p1", SpotID: "gone", Status: domain.BookingActive, ExpiryTime: t0, Version: 1})

	result, err := f.rec.SweepExpiredReservations(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 2, result.Expired)
	require.Equal(t, domain.CancelReasonExpired, f.booking(t, "b9").CancelReason)
}

func TestSweepBatchFailurePropagates(t *testing.T) {
	now := t0.Add(11 * time.Minute)
	f := newFixture(t, now)
	f.store.updateErrs = []error{fmt.Errorf("commit: %w", domain.ErrStoreUnavailable)}

	_, err := f.rec.SweepExpiredReservations(context.Background(), now)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.Equal(t, domain.BookingActive, f.booking(t, "b1").Status)
}

func TestSweepAndLateArrivalRace(t *testing.T) {
	now := t0.Add(11 * time.Minute)
	f := newFixture(t, now)
	ctx := context.Background()

	_, err := f.rec.SweepExpiredReservations(ctx, now)
	require.NoError(t, err)
	f.sensor(t, s1, domain.StatusOccupied)
	require.NoError(t, f.rec.HandleMirrorStatusUpdate(ctx, "p1", "s1", domain.StatusAvailable, domain.StatusOccupied, now))

	b := f.booking(t, "b1")
	require.Equal(t, domain.CancelReasonExpired, b.CancelReason)
	require.Equal(t, domain.StatusOccupied, f.spot(t, s1).Status())
	require.Equal(t, 1, f.available(t))
}

func TestPreconditionFailedIsRetried(t *testing.T) {
	now := t0.Add(5 * time.Minute)
	f := newFixture(t, now)
	f.sensor(t, s1, domain.StatusOccupied)
	f.store.updateErrs = []error{domain.ErrPreconditionFailed, domain.ErrPreconditionFailed}

	require.NoError(t, f.rec.HandleMirrorStatusUpdate(context.Background(), "p1", "s1", "", domain.StatusOccupied, now))
	require.Equal(t, 3, f.store.calls)
	require.Equal(t, domain.StatusOccupied, f.spot(t, s1).Status())
}

func TestPreconditionFailedExhaustedIsNoop(t *testing.T) {
	now := t0.Add(5 * time.Minute)
	f := newFixture(t, now)
	f.store.updateErrs = []error{domain.ErrPreconditionFailed, domain.ErrPreconditionFailed, domain.ErrPreconditionFailed}

	require.NoError(t, f.rec.HandleMirrorStatusUpdate(context.Background(), "p1", "s1", "", domain.StatusOccupied, now))
	require.Equal(t, domain.StatusReserved, f.spot(t, s1).Status())
}

func TestStoreUnavailablePropagates(t *testing.T) {
	now := t0.Add(5 * time.Minute)
	f := newFixture(t, now)
	f.store.updateErrs = []error{fmt.Errorf("dial: %w", domain.ErrStoreUnavailable)}

	err := f.rec.HandleMirrorStatusUpdate(context.Background(), "p1", "s1", "", domain.StatusOccupied, now)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestUnknownSpotIsNoop(t *testing.T) {
	f := newFixture(t, t0)
	require.NoError(t, f.rec.HandleMirrorStatusUpdate(context.Background(), "p1", "nope", "", domain.StatusOccupied, t0))
	require.NoError(t, f.rec.HandleLedgerStatusTransition(context.Background(), "nope", "active", "cancelled"))
}

func TestCorruptSpotIsNoop(t *testing.T) {
	f := newFixture(t, t0)
	f.store.PutSpotRecord(domain.SpotRecord{ParkingID: "p1", SpotID: "s5", Status: "broken", Version: 1})
	require.NoError(t, f.rec.HandleMirrorStatusUpdate(context.Background(), "p1", "s5", "", domain.StatusOccupied, t0))
}

func TestAvailableCountClampedAtCapacity(t *testing.T) {
	f := newFixture(t, t0)
	f.store.PutParking(domain.Parking{ID: "p1", Capacity: 2, Available: 2, Version: 1})
	f.store.PutSpot(domain.Spot{Key: s2, State: domain.Occupied{ArrivedAt: t0}, Version: 1})

	require.NoError(t, f.rec.HandleMirrorStatusUpdate(context.Background(), "p1", "s2", domain.StatusOccupied, domain.StatusAvailable, t0))
	require.Equal(t, domain.StatusAvailable, f.spot(t, s2).Status())
	require.Equal(t, 2, f.available(t))
}

func TestReserveSuppressesMirrorAndRejectsTakenSpot(t *testing.T) {
	f := newFixture(t, t0)
	ctx := context.Background()

	booking, err := f.rec.Reserve(ctx, service.ReserveRequest{
		BookingID:       "b2",
		ParkingID:       "p1",
		SpotID:          "s2",
		UserID:          "u1",
		ExpectedArrival: t0.Add(10 * time.Minute),
	})
	require.NoError(t, err)
	require.Equal(t, domain.BookingActive, booking.Status)
	require.True(t, booking.ExpiryTime.Equal(t0.Add(25*time.Minute)))

	spot := f.spot(t, s2)
	res, ok := spot.Reservation()
	require.True(t, ok)
	require.Equal(t, "b2", res.BookingID)
	require.True(t, res.DeadlineArrival.Equal(t0.Add(25*time.Minute)))
	require.Equal(t, 0, f.available(t))

	status, ignore, err := f.mirror.Status(ctx, s2)
	require.NoError(t, err)
	require.Equal(t, domain.StatusReserved, status)
	require.True(t, ignore)

	_, err = f.rec.Reserve(ctx, service.ReserveRequest{ParkingID: "p1", SpotID: "s2", ExpectedArrival: t0})
	require.ErrorIs(t, err, domain.ErrConflict)

	_, err = f.rec.Reserve(ctx, service.ReserveRequest{ParkingID: "p1", SpotID: "s2"})
	require.ErrorIs(t, err, service.ErrInvalidRequest)
}

func TestSensorChangeWatchDrivesReconciliation(t *testing.T) {
	now := t0.Add(5 * time.Minute)
	f := newFixture(t, now)
	ctx := context.Background()
	require.NoError(t, f.mirror.Watch(ctx, f.rec.OnSensorChange))

	f.sensor(t, s1, domain.StatusOccupied)

	require.Equal(t, domain.StatusOccupied, f.spot(t, s1).Status())
	require.NotNil(t, f.booking(t, "b1").ArrivedAt)
}

func TestSensorChangeRepairsUnsuppressedMirror(t *testing.T) {
	now := t0.Add(2 * time.Minute)
	f := newFixture(t, now)
	ctx := context.Background()
	_, err := f.mirror.Release(ctx, s1)
	require.NoError(t, err)

	change := f.sensor(t, s1, domain.StatusAvailable)
	require.False(t, change.Suppressed)
	f.rec.OnSensorChange(ctx, change)

	require.Equal(t, domain.StatusReserved, f.spot(t, s1).Status())
	status, ignore, err := f.mirror.Status(ctx, s1)
	require.NoError(t, err)
	require.Equal(t, domain.StatusReserved, status)
	require.True(t, ignore)
}

func TestSensorChangeRetriesStoreOutage(t *testing.T) {
	now := t0.Add(5 * time.Minute)
	f := newFixture(t, now)
	change := f.sensor(t, s1, domain.StatusOccupied)
	f.store.updateErrs = []error{fmt.Errorf("dial: %w", domain.ErrStoreUnavailable)}

	f.rec.OnSensorChange(context.Background(), change)
	require.Equal(t, 2, f.store.calls)
	require.Equal(t, domain.StatusOccupied, f.spot(t, s1).Status())
}
