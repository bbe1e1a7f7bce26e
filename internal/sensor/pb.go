package sensor

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// Reading is one sensor sample on the ingest stream. ObservedAt is unix milliseconds.
type Reading struct {
	ParkingId  string  `json:"parkingId"`
	SpotId     string  `json:"spotId"`
	Status     string  `json:"status"`
	Distance   float64 `json:"distance"`
	ObservedAt int64   `json:"observedAt,omitempty"`
}

// Ack is returned when the client closes the stream.
type Ack struct {
	Accepted int32 `json:"accepted"`
	Rejected int32 `json:"rejected"`
}

// CodecName is the content subtype of the JSON wire codec.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Codec returns the JSON codec used by both ends of the stream.
func Codec() encoding.Codec { return jsonCodec{} }

// SensorIngestServer defines the gRPC contract.
type SensorIngestServer interface {
	StreamReadings(SensorIngest_StreamReadingsServer) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "sensor.SensorIngest",
	HandlerType: (*SensorIngestServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamReadings",
		Handler:       _SensorIngest_StreamReadings_Handler,
		ClientStreams: true,
	}},
}

// RegisterSensorIngestServer registers service implementation.
func RegisterSensorIngestServer(s *grpc.Server, srv SensorIngestServer) {
	s.RegisterService(&serviceDesc, srv)
}

// SensorIngest_StreamReadingsServer is the server side of the client stream.
type SensorIngest_StreamReadingsServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*Reading, error)
}

func _SensorIngest_StreamReadings_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(SensorIngestServer).StreamReadings(&streamReadingsServer{ServerStream: stream})
}

type streamReadingsServer struct {
	grpc.ServerStream
}

func (s *streamReadingsServer) SendAndClose(ack *Ack) error {
	return s.ServerStream.SendMsg(ack)
}

func (s *streamReadingsServer) Recv() (*Reading, error) {
	msg := new(Reading)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// SensorIngestClient is the client API used by gateways and tests.
type SensorIngestClient interface {
	StreamReadings(ctx context.Context, opts ...grpc.CallOption) (SensorIngest_StreamReadingsClient, error)
}

// SensorIngest_StreamReadingsClient is the client side of the stream.
type SensorIngest_StreamReadingsClient interface {
	grpc.ClientStream
	Send(*Reading) error
	CloseAndRecv() (*Ack, error)
}

type sensorIngestClient struct {
	cc grpc.ClientConnInterface
}

// NewSensorIngestClient wraps a connection. Callers dial with
// grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec())).
func NewSensorIngestClient(cc grpc.ClientConnInterface) SensorIngestClient {
	return &sensorIngestClient{cc: cc}
}

func (c *sensorIngestClient) StreamReadings(ctx context.Context, opts ...grpc.CallOption) (SensorIngest_StreamReadingsClient, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], "/sensor.SensorIngest/StreamReadings", opts...)
	if err != nil {
		return nil, err
	}
	return &streamReadingsClient{ClientStream: stream}, nil
}

type streamReadingsClient struct {
	grpc.ClientStream
}

func (c *streamReadingsClient) Send(m *Reading) error {
	return c.ClientStream.SendMsg(m)
}

func (c *streamReadingsClient) CloseAndRecv() (*Ack, error) {
	if err := c.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	ack := new(Ack)
	if err := c.ClientStream.RecvMsg(ack); err != nil {
		return nil, err
	}
	return ack, nil
}
