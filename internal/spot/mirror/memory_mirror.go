package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/example/spotkeeper/internal/spot/domain"
)

type entry struct {
	status   domain.SpotStatus
	sensor   domain.SpotStatus
	ignore   bool
	distance float64
	updated  time.Time
}

// MemoryMirror is an in-process mirror. Watchers are called synchronously
// after each Record.
type MemoryMirror struct {
	mu       sync.RWMutex
	spots    map[domain.SpotKey]entry
	watchers []domain.ChangeFunc
}

// NewMemoryMirror constructs an empty mirror.
func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{spots: make(map[domain.SpotKey]entry)}
}

func (m *MemoryMirror) Record(ctx context.Context, reading domain.Reading) (domain.SensorChange, error) {
	at := reading.ObservedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	m.mu.Lock()
	e := m.spots[reading.Key]
	change := domain.SensorChange{Key: reading.Key, Old: e.sensor, New: reading.Status, Suppressed: e.ignore, At: at}
	e.sensor = reading.Status
	e.distance = reading.Distance
	e.updated = at
	if !e.ignore {
		e.status = reading.Status
	}
	m.spots[reading.Key] = e
	watchers := append([]domain.ChangeFunc(nil), m.watchers...)
	m.mu.Unlock()

	for _, fn := range watchers {
		fn(ctx, change)
	}
	return change, nil
}

func (m *MemoryMirror) Sensor(_ context.Context, key domain.SpotKey) (domain.SpotStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.spots[key]; ok && e.sensor != "" {
		return e.sensor, nil
	}
	return domain.StatusAvailable, nil
}

func (m *MemoryMirror) Suppress(_ context.Context, key domain.SpotKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.spots[key]
	e.ignore = true
	e.status = domain.StatusReserved
	e.updated = time.Now().UTC()
	m.spots[key] = e
	return nil
}

func (m *MemoryMirror) Release(_ context.Context, key domain.SpotKey) (domain.SpotStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.spots[key]
	if e.sensor == "" {
		e.sensor = domain.StatusAvailable
	}
	e.ignore = false
	e.status = e.sensor
	e.updated = time.Now().UTC()
	m.spots[key] = e
	return e.sensor, nil
}

// Status returns the displayed status and suppression flag.
func (m *MemoryMirror) Status(_ context.Context, key domain.SpotKey) (domain.SpotStatus, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.spots[key]
	if !ok || e.status == "" {
		return domain.StatusAvailable, e.ignore, nil
	}
	return e.status, e.ignore, nil
}

func (m *MemoryMirror) Watch(_ context.Context, fn domain.ChangeFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, fn)
	return nil
}
