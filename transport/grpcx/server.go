package grpcx

import (
	"context"

	"github.com/agentuity/go-bridge/logger"
	"github.com/agentuity/go-bridge/protocol"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ServeFunc serves one worker stream until conn is closed. It has the same
// shape as pool.FuncSpawner so a worker function runs unchanged in-process
// or behind a gRPC server.
type ServeFunc func(ctx context.Context, id string, conn protocol.Conn) error

type channelServer interface {
	channel(stream grpc.ServerStream) error
}

type server struct {
	serve  ServeFunc
	logger logger.Logger
}

func channelHandler(srv any, ss grpc.ServerStream) error {
	return srv.(channelServer).channel(ss)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*channelServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Channel",
			Handler:       channelHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "bridge/v1/worker.proto",
}

// Register serves workers on s, one serve call per stream
func Register(s grpc.ServiceRegistrar, serve ServeFunc, log logger.Logger) {
	if log == nil {
		log = logger.NewConsoleLogger()
	}
	s.RegisterService(&serviceDesc, &server{serve: serve, logger: log.WithPrefix("[grpcx]")})
}

// NewServer returns a grpc server instrumented with otelgrpc
func NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)
	return grpc.NewServer(opts...)
}

func (s *server) channel(ss grpc.ServerStream) error {
	id := ""
	if md, ok := metadata.FromIncomingContext(ss.Context()); ok {
		if v := md.Get(workerIDKey); len(v) > 0 {
			id = v[0]
		}
	}
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	ctx, cancel := context.WithCancel(ss.Context())
	defer cancel()
	conn := newStreamConn(ss, cancel)
	defer conn.Close()
	s.logger.Debug("worker stream %s opened", id)
	if err := s.serve(ctx, id, conn); err != nil {
		s.logger.Warn("worker stream %s failed: %s", id, err)
		return status.Error(codes.Internal, err.Error())
	}
	s.logger.Debug("worker stream %s closed", id)
	return nil
}
