package sensor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/spotkeeper/internal/spot/domain"
)

// ErrInvalidReading rejects samples that cannot be stored in the mirror.
var ErrInvalidReading = errors.New("invalid sensor reading")

var readingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sensor_readings_total",
	Help: "Sensor readings received grouped by outcome.",
}, []string{"result"})

// Ingestor validates sensor readings and writes them to the mirror. The
// mirror's change notification drives reconciliation.
type Ingestor struct {
	mirror domain.Mirror
	clock  domain.Clock
	logger *zap.Logger
}

// NewIngestor constructs an ingestor.
func NewIngestor(mirror domain.Mirror, clock domain.Clock, logger *zap.Logger) *Ingestor {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{mirror: mirror, clock: clock, logger: logger}
}

// Ingest records one reading.
func (i *Ingestor) Ingest(ctx context.Context, reading domain.Reading) (domain.SensorChange, error) {
	if err := validate(reading); err != nil {
		readingsTotal.WithLabelValues("rejected").Inc()
		return domain.SensorChange{}, err
	}
	if reading.ObservedAt.IsZero() {
		reading.ObservedAt = i.clock.Now()
	}
	change, err := i.mirror.Record(ctx, reading)
	if err != nil {
		readingsTotal.WithLabelValues("error").Inc()
		i.logger.Warn("mirror write failed", zap.String("spot", reading.Key.String()), zap.Error(err))
		return domain.SensorChange{}, err
	}
	readingsTotal.WithLabelValues("accepted").Inc()
	return change, nil
}

func validate(r domain.Reading) error {
	switch {
	case r.Key.ParkingID == "" || r.Key.SpotID == "":
		return fmt.Errorf("%w: parking and spot id are required", ErrInvalidReading)
	case r.Status != domain.StatusAvailable && r.Status != domain.StatusOccupied:
		return fmt.Errorf("%w: status %q", ErrInvalidReading, r.Status)
	case r.Distance < 0:
		return fmt.Errorf("%w: negative distance", ErrInvalidReading)
	}
	return nil
}

// FromWire converts a stream message.
func FromWire(msg *Reading) domain.Reading {
	r := domain.Reading{
		Key:      domain.SpotKey{ParkingID: msg.ParkingId, SpotID: msg.SpotId},
		Status:   domain.SpotStatus(msg.Status),
		Distance: msg.Distance,
	}
	if msg.ObservedAt > 0 {
		r.ObservedAt = time.UnixMilli(msg.ObservedAt).UTC()
	}
	return r
}
