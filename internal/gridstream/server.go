package gridstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/radarhub/internal/monitoring"
	"github.com/banshee-data/radarhub/internal/timeutil"
)

// GridSource is the read side of the radar grid. *radar.Model satisfies it.
type GridSource interface {
	CellHitTimes() []float64
	CurrentSweepAngle() float64
	Dimensions() (angular, radial int)
}

// Config holds the stream server settings.
type Config struct {
	// ListenAddr is used by Start (e.g. "localhost:50051").
	ListenAddr string

	// DefaultInterval applies when a client sends a zero interval.
	DefaultInterval time.Duration

	// MinInterval is the fastest period a client may ask for; faster
	// requests are raised to it.
	MinInterval time.Duration

	Clock timeutil.Clock

	// ShutdownTimeout bounds GracefulStop before open streams are cut.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      "localhost:50051",
		DefaultInterval: 100 * time.Millisecond,
		MinInterval:     10 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
	}
}

// Server streams grid frames to every connected client at the interval each
// client asked for. Each stream reads the grid itself; there is no shared
// broadcast queue, so a slow client only delays its own frames.
type Server struct {
	cfg    Config
	grid   GridSource
	server *grpc.Server

	seq     atomic.Uint64
	clients atomic.Int32

	stopOnce sync.Once
	done     chan struct{}
}

var _ GridServiceServer = (*Server)(nil)

func NewServer(grid GridSource, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = def.DefaultInterval
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.DefaultInterval < cfg.MinInterval {
		cfg.DefaultInterval = cfg.MinInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	s := &Server{
		cfg:  cfg,
		grid: grid,
		done: make(chan struct{}),
	}
	s.server = grpc.NewServer()
	s.server.RegisterService(&GridServiceDesc, s)
	return s
}

// Clients is the number of streams currently open.
func (s *Server) Clients() int {
	return int(s.clients.Load())
}

// streamInterval turns a client's request into the ticker period. Negative
// or malformed durations are rejected.
func (s *Server) streamInterval(req *durationpb.Duration) (time.Duration, error) {
	if req == nil {
		return s.cfg.DefaultInterval, nil
	}
	if err := req.CheckValid(); err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "interval: %v", err)
	}
	d := req.AsDuration()
	switch {
	case d < 0:
		return 0, status.Errorf(codes.InvalidArgument, "interval %v is negative", d)
	case d == 0:
		return s.cfg.DefaultInterval, nil
	case d < s.cfg.MinInterval:
		return s.cfg.MinInterval, nil
	}
	return d, nil
}

func (s *Server) frame() *structpb.Struct {
	angular, radial := s.grid.Dimensions()
	return encodeFrame(Frame{
		Seq:      s.seq.Add(1),
		Taken:    s.cfg.Clock.Now(),
		Angular:  angular,
		Radial:   radial,
		SweepDeg: s.grid.CurrentSweepAngle(),
		HitTimes: s.grid.CellHitTimes(),
	})
}

// StreamGrid sends a frame straight away and then one per interval until the
// client goes away or the server shuts down.
func (s *Server) StreamGrid(req *durationpb.Duration, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	interval, err := s.streamInterval(req)
	if err != nil {
		return err
	}

	n := s.clients.Add(1)
	defer s.clients.Add(-1)
	monitoring.Logf("[gRPC] grid stream opened at %v (%d clients)", interval, n)

	ctx := stream.Context()
	if err := stream.Send(s.frame()); err != nil {
		monitoring.Logf("[gRPC] grid stream send failed: %v", err)
		return err
	}

	ticker := s.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[gRPC] grid stream closed by client")
			return status.FromContextError(ctx.Err()).Err()
		case <-s.done:
			return status.Error(codes.Unavailable, "server shutting down")
		case <-ticker.C():
			if err := stream.Send(s.frame()); err != nil {
				monitoring.Logf("[gRPC] grid stream send failed: %v", err)
				return err
			}
		}
	}
}

// Start listens on cfg.ListenAddr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is cancelled. Open streams are ended with
// codes.Unavailable and given ShutdownTimeout to finish before the server is
// stopped hard. A clean shutdown returns nil. The server cannot be reused.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	monitoring.Logf("[gRPC] grid stream listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.shutdown()
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grid stream server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.shutdown()
	if err := <-errCh; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grid stream server: %w", err)
	}
	monitoring.Logf("[gRPC] grid stream stopped")
	return nil
}

func (s *Server) shutdown() {
	s.stopOnce.Do(func() {
		close(s.done)

		stopped := make(chan struct{})
		go func() {
			s.server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(s.cfg.ShutdownTimeout):
			monitoring.Logf("[gRPC] graceful stop timed out after %v; closing connections", s.cfg.ShutdownTimeout)
			s.server.Stop()
			<-stopped
		}
	})
}
