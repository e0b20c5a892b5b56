package grpcx

import (
	"context"
	"sync"

	"github.com/agentuity/go-bridge/fault"
	"github.com/agentuity/go-bridge/logger"
	"github.com/agentuity/go-bridge/pool"
	"github.com/agentuity/go-bridge/protocol"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Spawner starts workers as streams on a remote worker server. All streams
// share one client connection, dialed on first use.
type Spawner struct {
	Target string
	// DialOptions replace the default insecure transport credentials when set
	DialOptions []grpc.DialOption
	Logger      logger.Logger

	mu sync.Mutex
	cc *grpc.ClientConn
}

var _ pool.Spawner = (*Spawner)(nil)

func (s *Spawner) client() (*grpc.ClientConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cc != nil {
		return s.cc, nil
	}
	if s.Target == "" {
		return nil, fault.New(fault.CodeInvalidArgs, "grpcx: target is required")
	}
	opts := []grpc.DialOption{grpc.WithStatsHandler(otelgrpc.NewClientHandler())}
	if len(s.DialOptions) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, s.DialOptions...)
	cc, err := grpc.NewClient(s.Target, opts...)
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeUnavailable, "grpcx: dial %s", s.Target)
	}
	if s.Logger != nil {
		s.Logger.Debug("dialing worker server %s", s.Target)
	}
	s.cc = cc
	return cc, nil
}

// Spawn opens a new worker stream
func (s *Spawner) Spawn(ctx context.Context, id string) (pool.Process, error) {
	cc, err := s.client()
	if err != nil {
		return nil, err
	}
	// the stream outlives ctx, which only bounds the spawn
	sctx, cancel := context.WithCancel(metadata.AppendToOutgoingContext(context.WithoutCancel(ctx), workerIDKey, id))
	cs, err := cc.NewStream(sctx, &serviceDesc.Streams[0], ChannelMethod, grpc.CallContentSubtype(CodecName))
	if err != nil {
		cancel()
		return nil, fault.Wrap(err, fault.CodeUnavailable, "grpcx: open stream on %s", s.Target)
	}
	conn := newStreamConn(cs, func() {
		_ = cs.CloseSend()
		cancel()
	})
	return &remoteProcess{conn: conn}, nil
}

// Close closes the shared client connection
func (s *Spawner) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cc == nil {
		return nil
	}
	err := s.cc.Close()
	s.cc = nil
	return err
}

type remoteProcess struct {
	conn *streamConn
}

func (p *remoteProcess) Conn() protocol.Conn { return p.conn }

func (p *remoteProcess) PID() int { return 0 }

func (p *remoteProcess) Wait() error {
	<-p.conn.done()
	return nil
}

func (p *remoteProcess) Kill() error {
	return p.conn.Close()
}
