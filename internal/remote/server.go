package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jmylchreest/imgarr/internal/observability"
	"github.com/jmylchreest/imgarr/internal/version"
	"github.com/jmylchreest/imgarr/pkg/convertd"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// Server implements the ConvertDaemon gRPC service on the coordinator
// side. It accepts registration, heartbeat, and convert streams from
// imgarr-convertd daemons.
type Server struct {
	logger   *slog.Logger
	config   *ServerConfig
	server   *grpc.Server
	registry *DaemonRegistry
	streams  *StreamManager

	listener net.Listener

	mu      sync.RWMutex
	started bool
}

// ServerConfig holds configuration for the coordinator gRPC server.
type ServerConfig struct {
	// ListenAddr is the TCP address daemons dial (e.g., ":9090").
	ListenAddr string

	// AuthToken is the optional token daemons must present when
	// registering.
	AuthToken string

	// HeartbeatInterval is the interval daemons are told to report at.
	HeartbeatInterval time.Duration
}

// NewServer creates a new coordinator gRPC server.
func NewServer(logger *slog.Logger, cfg *ServerConfig, registry *DaemonRegistry) *Server {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}

	return &Server{
		logger:   logger,
		config:   cfg,
		registry: registry,
		streams:  NewStreamManager(logger),
	}
}

// Start starts the gRPC listener and the registry cleanup loop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("server already started")
	}

	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("creating convertd listener: %w", err)
	}
	s.listener = listener

	s.server = grpc.NewServer(
		grpc.UnaryInterceptor(s.unaryInterceptor),
		grpc.StreamInterceptor(s.streamInterceptor),
	)
	convertd.RegisterConvertDaemonServer(s.server, s)

	s.started = true

	s.logger.Info("convertd server started",
		slog.String("listen_addr", s.config.ListenAddr),
	)

	go func() {
		if err := s.server.Serve(s.listener); err != nil {
			s.logger.Error("convertd server error", slog.String("error", err.Error()))
		}
	}()

	s.registry.Start(ctx)

	return nil
}

// ServeWithListener starts the gRPC server on an existing listener.
// This is useful for testing where the listener is created externally.
func (s *Server) ServeWithListener(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}

	s.server = grpc.NewServer(
		grpc.UnaryInterceptor(s.unaryInterceptor),
		grpc.StreamInterceptor(s.streamInterceptor),
	)
	convertd.RegisterConvertDaemonServer(s.server, s)
	s.started = true
	s.mu.Unlock()

	s.logger.Info("convertd server started",
		slog.String("listen_addr", listener.Addr().String()),
	)

	s.registry.Start(ctx)

	return s.server.Serve(listener)
}

// Stop stops the gRPC server gracefully, falling back to a hard stop
// when ctx expires first.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.registry.Stop()

	if s.server != nil {
		done := make(chan struct{})
		go func() {
			s.server.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
			s.logger.Info("convertd server stopped gracefully")
		case <-ctx.Done():
			s.server.Stop()
			s.logger.Warn("convertd server force stopped")
		}
	}

	s.started = false
	return nil
}

// Registry returns the daemon registry.
func (s *Server) Registry() *DaemonRegistry {
	return s.registry
}

// Streams returns the stream manager.
func (s *Server) Streams() *StreamManager {
	return s.streams
}

// Register handles daemon registration requests.
func (s *Server) Register(ctx context.Context, req *convertd.RegisterRequest) (*convertd.RegisterResponse, error) {
	s.logger.Debug("daemon registration request",
		slog.String("daemon_id", req.DaemonID),
		slog.String("daemon_name", req.DaemonName),
		slog.String("version", req.Version),
	)

	if s.config.AuthToken != "" && req.AuthToken != s.config.AuthToken {
		s.logger.Warn("registration rejected: invalid auth token",
			slog.String("daemon_id", req.DaemonID),
		)
		return &convertd.RegisterResponse{
			Success: false,
			Error:   "invalid authentication token",
		}, nil
	}

	if _, err := s.registry.Register(req, peerAddr(ctx)); err != nil {
		s.logger.Error("registration failed",
			slog.String("daemon_id", req.DaemonID),
			slog.String("error", err.Error()),
		)
		return &convertd.RegisterResponse{
			Success: false,
			Error:   err.Error(),
		}, nil
	}

	return &convertd.RegisterResponse{
		Success:            true,
		HeartbeatInterval:  s.config.HeartbeatInterval,
		CoordinatorVersion: version.Short(),
	}, nil
}

// Heartbeat handles periodic health updates from daemons.
func (s *Server) Heartbeat(ctx context.Context, req *convertd.HeartbeatRequest) (*convertd.HeartbeatResponse, error) {
	s.logger.Log(ctx, observability.LevelTrace, "heartbeat received",
		slog.String("daemon_id", req.DaemonID),
		slog.Int("active_jobs", req.ActiveJobs),
	)

	if _, err := s.registry.HandleHeartbeat(req); err != nil {
		s.logger.Warn("heartbeat from unknown daemon",
			slog.String("daemon_id", req.DaemonID),
			slog.String("error", err.Error()),
		)
		return &convertd.HeartbeatResponse{Success: false}, nil
	}

	return &convertd.HeartbeatResponse{Success: true}, nil
}

// Unregister handles graceful daemon removal.
func (s *Server) Unregister(ctx context.Context, req *convertd.UnregisterRequest) (*convertd.UnregisterResponse, error) {
	s.logger.Info("daemon unregister request",
		slog.String("daemon_id", req.DaemonID),
		slog.String("reason", req.Reason),
	)

	s.registry.Unregister(convertd.DaemonID(req.DaemonID), req.Reason)

	return &convertd.UnregisterResponse{Success: true}, nil
}

// Convert handles the long-lived job stream. The daemon opens it after
// registration and keeps it open; the coordinator pushes jobs through
// the stream manager and this handler routes the daemon's replies back
// to the waiting caller.
func (s *Server) Convert(stream grpc.BidiStreamingServer[convertd.ConvertMessage, convertd.ConvertMessage]) error {
	// The first message must identify the daemon.
	msg, err := stream.Recv()
	if err != nil {
		return status.Errorf(codes.Internal, "receiving initial message: %v", err)
	}
	if msg.Ready == nil || msg.Ready.DaemonID == "" {
		return status.Errorf(codes.InvalidArgument, "daemon must open the stream with a ready signal")
	}

	daemonID := convertd.DaemonID(msg.Ready.DaemonID)
	if _, ok := s.registry.Get(daemonID); !ok {
		return status.Errorf(codes.NotFound, "daemon not registered: %s", daemonID)
	}

	ds := s.streams.RegisterStream(daemonID, stream)
	defer s.streams.UnregisterStream(daemonID, ds)

	for {
		msg, err := stream.Recv()
		if err != nil {
			s.logger.Debug("daemon convert stream ended",
				slog.String("daemon_id", string(daemonID)),
				slog.String("error", err.Error()),
			)
			return err
		}

		switch {
		case msg.Ack != nil:
			if !ds.deliver(msg.Ack.JobID, msg) {
				s.logger.Warn("ack for unknown job",
					slog.String("daemon_id", string(daemonID)),
					slog.String("job_id", msg.Ack.JobID),
				)
			}

		case msg.Progress != nil:
			s.logger.Log(stream.Context(), observability.LevelTrace, "job progress from daemon",
				slog.String("daemon_id", string(daemonID)),
				slog.String("job_id", msg.Progress.JobID),
				slog.String("stage", msg.Progress.Stage),
			)
			ds.deliver(msg.Progress.JobID, msg)

		case msg.Result != nil:
			if !ds.deliver(msg.Result.JobID, msg) {
				s.logger.Warn("result for unknown job",
					slog.String("daemon_id", string(daemonID)),
					slog.String("job_id", msg.Result.JobID),
				)
			}

		case msg.Fault != nil:
			s.logger.Warn("job fault from daemon",
				slog.String("daemon_id", string(daemonID)),
				slog.String("job_id", msg.Fault.JobID),
				slog.String("message", msg.Fault.Message),
			)
			ds.deliver(msg.Fault.JobID, msg)

		default:
			s.logger.Warn("unexpected message on convert stream",
				slog.String("daemon_id", string(daemonID)),
			)
		}
	}
}

// unaryInterceptor adds logging to unary RPCs.
func (s *Server) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	duration := time.Since(start)

	// Heartbeats are high frequency; keep them at TRACE.
	logLevel := slog.LevelDebug
	if info.FullMethod == convertd.MethodHeartbeat {
		logLevel = observability.LevelTrace
	}

	if err != nil {
		s.logger.Log(ctx, logLevel, "gRPC call failed",
			slog.String("method", info.FullMethod),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Log(ctx, logLevel, "gRPC call completed",
			slog.String("method", info.FullMethod),
			slog.Duration("duration", duration),
		)
	}

	return resp, err
}

// streamInterceptor adds logging to streaming RPCs.
func (s *Server) streamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	duration := time.Since(start)

	if err != nil {
		s.logger.Debug("gRPC stream ended with error",
			slog.String("method", info.FullMethod),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Debug("gRPC stream ended",
			slog.String("method", info.FullMethod),
			slog.Duration("duration", duration),
		)
	}

	return err
}

// peerAddr extracts the remote address from a gRPC call context.
func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}
