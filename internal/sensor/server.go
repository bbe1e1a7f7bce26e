package sensor

import (
	"errors"
	"io"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/spotkeeper/internal/spot/domain"
)

// Server implements the SensorIngestServer interface.
type Server struct {
	ingestor *Ingestor
	logger   *zap.Logger
}

// NewServer constructs a server.
func NewServer(ingestor *Ingestor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{ingestor: ingestor, logger: logger}
}

// StreamReadings ingests readings until the client closes the stream. Invalid
// readings are counted and skipped; a mirror outage aborts the stream.
func (s *Server) StreamReadings(stream SensorIngest_StreamReadingsServer) error {
	var ack Ack
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&ack)
		}
		if err != nil {
			return err
		}
		_, err = s.ingestor.Ingest(stream.Context(), FromWire(msg))
		switch {
		case err == nil:
			ack.Accepted++
		case errors.Is(err, ErrInvalidReading):
			ack.Rejected++
			s.logger.Debug("rejected reading", zap.String("parking_id", msg.ParkingId), zap.String("spot_id", msg.SpotId), zap.Error(err))
		case errors.Is(err, domain.ErrStoreUnavailable):
			return status.Error(codes.Unavailable, err.Error())
		default:
			return status.Error(codes.Internal, err.Error())
		}
	}
}
