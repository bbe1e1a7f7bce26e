package sensor_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/example/spotkeeper/internal/sensor"
	"github.com/example/spotkeeper/internal/spot/domain"
	"github.com/example/spotkeeper/internal/spot/mirror"
)

type downMirror struct{ *mirror.MemoryMirror }

func (downMirror) Record(context.Context, domain.Reading) (domain.SensorChange, error) {
	return domain.SensorChange{}, fmt.Errorf("redis: %w", domain.ErrStoreUnavailable)
}

func startServer(t *testing.T, m domain.Mirror) sensor.SensorIngestClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ForceServerCodec(sensor.Codec()))
	sensor.RegisterSensorIngestServer(srv, sensor.NewServer(sensor.NewIngestor(m, nil, zap.NewNop()), zap.NewNop()))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(sensor.Codec())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return sensor.NewSensorIngestClient(conn)
}

func TestStreamReadingsRecordsIntoMirror(t *testing.T) {
	m := mirror.NewMemoryMirror()
	client := startServer(t, m)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.StreamReadings(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&sensor.Reading{ParkingId: "p1", SpotId: "s1", Status: "occupied", Distance: 14.2, ObservedAt: 1714554000000}))
	require.NoError(t, stream.Send(&sensor.Reading{ParkingId: "p1", SpotId: "s2", Status: "reserved"}))
	require.NoError(t, stream.Send(&sensor.Reading{ParkingId: "", SpotId: "s3", Status: "available"}))
	ack, err := stream.CloseAndRecv()
	require.NoError(t, err)
	require.Equal(t, int32(1), ack.Accepted)
	require.Equal(t, int32(2), ack.Rejected)

	got, err := m.Sensor(ctx, domain.SpotKey{ParkingID: "p1", SpotID: "s1"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusOccupied, got)
}

func TestStreamReadingsMirrorOutageIsUnavailable(t *testing.T) {
	client := startServer(t, downMirror{mirror.NewMemoryMirror()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.StreamReadings(ctx)
	require.NoError(t, err)
	_ = stream.Send(&sensor.Reading{ParkingId: "p1", SpotId: "s1", Status: "available"})
	_, err = stream.CloseAndRecv()
	require.Error(t, err)
	require.Equal(t, codes.Unavailable, status.Code(err))
}

func TestIngestorValidatesAndStampsReadings(t *testing.T) {
	m := mirror.NewMemoryMirror()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	ing := sensor.NewIngestor(m, fixedClock{now}, nil)

	change, err := ing.Ingest(context.Background(), domain.Reading{Key: domain.SpotKey{ParkingID: "p1", SpotID: "s1"}, Status: domain.StatusAvailable})
	require.NoError(t, err)
	require.True(t, change.At.Equal(now))

	_, err = ing.Ingest(context.Background(), domain.Reading{Key: domain.SpotKey{ParkingID: "p1", SpotID: "s1"}, Status: domain.StatusOccupied, Distance: -1})
	require.ErrorIs(t, err, sensor.ErrInvalidReading)
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }
