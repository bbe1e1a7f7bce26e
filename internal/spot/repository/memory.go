package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/spotkeeper/internal/spot/domain"
)

// MemoryStore provides an in-memory implementation suitable for tests and local demos.
// Transactions are serialized by a single mutex and staged in overlays until commit.
type MemoryStore struct {
	mu       sync.Mutex
	spots    map[domain.SpotKey]domain.SpotRecord
	bookings map[string]domain.Booking
	parkings map[string]domain.Parking
	events   []domain.SpotEvent
}

// NewMemoryStore constructs an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		spots:    make(map[domain.SpotKey]domain.SpotRecord),
		bookings: make(map[string]domain.Booking),
		parkings: make(map[string]domain.Parking),
	}
}

// PutParking seeds a parking aggregate.
func (m *MemoryStore) PutParking(p domain.Parking) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parkings[p.ID] = p
}

// PutSpotRecord seeds a raw spot record without validating it.
func (m *MemoryStore) PutSpotRecord(rec domain.SpotRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spots[domain.SpotKey{ParkingID: rec.ParkingID, SpotID: rec.SpotID}] = rec
}

// PutSpot seeds a spot.
func (m *MemoryStore) PutSpot(spot domain.Spot) {
	m.PutSpotRecord(spot.Record())
}

// PutBooking seeds a booking.
func (m *MemoryStore) PutBooking(b domain.Booking) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[b.ID] = b
}

// Parking returns the committed parking aggregate.
func (m *MemoryStore) Parking(id string) (domain.Parking, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parkings[id]
	return p, ok
}

// Events returns committed events (for tests).
func (m *MemoryStore) Events() []domain.SpotEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.SpotEvent(nil), m.events...)
}

// GetSpot reads a committed spot.
func (m *MemoryStore) GetSpot(_ context.Context, key domain.SpotKey) (domain.Spot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.spots[key]
	if !ok {
		return domain.Spot{}, fmt.Errorf("spot %s: %w", key, domain.ErrNotFound)
	}
	return rec.Spot()
}

// GetBooking reads a committed booking.
func (m *MemoryStore) GetBooking(_ context.Context, id string) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, fmt.Errorf("booking %s: %w", id, domain.ErrNotFound)
	}
	return b, nil
}

// ExpiredBookings lists open bookings with expiry at or before now, oldest first.
func (m *MemoryStore) ExpiredBookings(_ context.Context, now time.Time, limit int) ([]domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Booking
	for _, b := range m.bookings {
		if b.Open() && !b.ExpiryTime.After(now) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiryTime.Equal(out[j].ExpiryTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].ExpiryTime.Before(out[j].ExpiryTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Update runs fn against a staged overlay and applies it when fn succeeds.
func (m *MemoryStore) Update(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := newMemTx(m.readSpot, m.readBooking, m.readParking)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for k, rec := range tx.spots {
		m.spots[k] = rec
	}
	for id, b := range tx.bookings {
		m.bookings[id] = b
	}
	for id, p := range tx.parkings {
		m.parkings[id] = p
	}
	m.events = append(m.events, tx.events...)
	return nil
}

func (m *MemoryStore) readSpot(key domain.SpotKey) (domain.SpotRecord, bool) {
	rec, ok := m.spots[key]
	return rec, ok
}

func (m *MemoryStore) readBooking(id string) (domain.Booking, bool) {
	b, ok := m.bookings[id]
	return b, ok
}

func (m *MemoryStore) readParking(id string) (domain.Parking, bool) {
	p, ok := m.parkings[id]
	return p, ok
}

type memTx struct {
	parentSpot    func(domain.SpotKey) (domain.SpotRecord, bool)
	parentBooking func(string) (domain.Booking, bool)
	parentParking func(string) (domain.Parking, bool)

	spots    map[domain.SpotKey]domain.SpotRecord
	bookings map[string]domain.Booking
	parkings map[string]domain.Parking
	events   []domain.SpotEvent
}

func newMemTx(spot func(domain.SpotKey) (domain.SpotRecord, bool), booking func(string) (domain.Booking, bool), parking func(string) (domain.Parking, bool)) *memTx {
	return &memTx{
		parentSpot:    spot,
		parentBooking: booking,
		parentParking: parking,
		spots:         make(map[domain.SpotKey]domain.SpotRecord),
		bookings:      make(map[string]domain.Booking),
		parkings:      make(map[string]domain.Parking),
	}
}

func (t *memTx) readSpot(key domain.SpotKey) (domain.SpotRecord, bool) {
	if rec, ok := t.spots[key]; ok {
		return rec, true
	}
	return t.parentSpot(key)
}

func (t *memTx) readBooking(id string) (domain.Booking, bool) {
	if b, ok := t.bookings[id]; ok {
		return b, true
	}
	return t.parentBooking(id)
}

func (t *memTx) readParking(id string) (domain.Parking, bool) {
	if p, ok := t.parkings[id]; ok {
		return p, true
	}
	return t.parentParking(id)
}

func (t *memTx) Spot(_ context.Context, key domain.SpotKey) (domain.Spot, error) {
	rec, ok := t.readSpot(key)
	if !ok {
		return domain.Spot{}, fmt.Errorf("spot %s: %w", key, domain.ErrNotFound)
	}
	return rec.Spot()
}

func (t *memTx) Booking(_ context.Context, id string) (domain.Booking, error) {
	b, ok := t.readBooking(id)
	if !ok {
		return domain.Booking{}, fmt.Errorf("booking %s: %w", id, domain.ErrNotFound)
	}
	return b, nil
}

func (t *memTx) Parking(_ context.Context, id string) (domain.Parking, error) {
	p, ok := t.readParking(id)
	if !ok {
		return domain.Parking{}, fmt.Errorf("parking %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (t *memTx) SaveSpot(_ context.Context, spot domain.Spot) error {
	if err := spot.Validate(); err != nil {
		return err
	}
	current, ok := t.readSpot(spot.Key)
	if !ok {
		return fmt.Errorf("spot %s: %w", spot.Key, domain.ErrNotFound)
	}
	if current.Version != spot.Version {
		return fmt.Errorf("spot %s version %d != %d: %w", spot.Key, spot.Version, current.Version, domain.ErrPreconditionFailed)
	}
	rec := spot.Record()
	rec.Version++
	t.spots[spot.Key] = rec
	return nil
}

func (t *memTx) SaveBooking(_ context.Context, b domain.Booking) error {
	current, ok := t.readBooking(b.ID)
	if !ok {
		return fmt.Errorf("booking %s: %w", b.ID, domain.ErrNotFound)
	}
	if current.Version != b.Version {
		return fmt.Errorf("booking %s version %d != %d: %w", b.ID, b.Version, current.Version, domain.ErrPreconditionFailed)
	}
	b.Version++
	t.bookings[b.ID] = b
	return nil
}

func (t *memTx) SaveParking(_ context.Context, p domain.Parking) error {
	current, ok := t.readParking(p.ID)
	if !ok {
		return fmt.Errorf("parking %s: %w", p.ID, domain.ErrNotFound)
	}
	if current.Version != p.Version {
		return fmt.Errorf("parking %s version %d != %d: %w", p.ID, p.Version, current.Version, domain.ErrPreconditionFailed)
	}
	if p.Available < 0 || p.Available > p.Capacity {
		return fmt.Errorf("%w: parking %s available %d outside [0, %d]", domain.ErrInvariantViolation, p.ID, p.Available, p.Capacity)
	}
	p.Version++
	t.parkings[p.ID] = p
	return nil
}

func (t *memTx) CreateBooking(_ context.Context, b domain.Booking) error {
	if _, exists := t.readBooking(b.ID); exists {
		return fmt.Errorf("booking %s exists: %w", b.ID, domain.ErrPreconditionFailed)
	}
	b.Version = 1
	t.bookings[b.ID] = b
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, event domain.SpotEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	t.events = append(t.events, event)
	return nil
}

func (t *memTx) Isolate(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	child := newMemTx(t.readSpot, t.readBooking, t.readParking)
	if err := fn(ctx, child); err != nil {
		return err
	}
	for k, rec := range child.spots {
		t.spots[k] = rec
	}
	for id, b := range child.bookings {
		t.bookings[id] = b
	}
	for id, p := range child.parkings {
		t.parkings[id] = p
	}
	t.events = append(t.events, child.events...)
	return nil
}
