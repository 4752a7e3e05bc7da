package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jmylchreest/imgarr/internal/imaging"
	"github.com/jmylchreest/imgarr/internal/version"
	"github.com/jmylchreest/imgarr/pkg/convertd"
)

// Server implements the ConvertDaemon gRPC service in standalone mode:
// instead of dialing a coordinator, the daemon listens and clients push
// jobs directly over the convert stream.
type Server struct {
	logger     *slog.Logger
	config     *Config
	grpcServer *grpc.Server

	// Daemon state
	mu           sync.RWMutex
	id           string
	name         string
	state        convertd.DaemonState
	capabilities *convertd.Capabilities
	executor     *Executor

	registered bool
}

// Config holds daemon server configuration.
type Config struct {
	ID                string
	Name              string
	ListenAddr        string
	Backend           imaging.BackendKind
	MaxConcurrentJobs int
	MaxPixels         int64
	HeartbeatInterval time.Duration
	AuthToken         string
}

// NewServer creates a new daemon server.
func NewServer(logger *slog.Logger, cfg *Config) *Server {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.MaxConcurrentJobs == 0 {
		cfg.MaxConcurrentJobs = 4
	}

	return &Server{
		logger: logger,
		config: cfg,
		id:     cfg.ID,
		name:   cfg.Name,
		state:  convertd.DaemonStateConnecting,
	}
}

// Start resolves the transform backend and starts the gRPC server.
func (s *Server) Start(ctx context.Context) error {
	caps, backend, err := DetectCapabilities(s.config.Backend, s.config.MaxConcurrentJobs, s.config.MaxPixels)
	if err != nil {
		return fmt.Errorf("detecting capabilities: %w", err)
	}

	s.mu.Lock()
	s.capabilities = caps
	s.executor = NewExecutor(s.logger, backend, caps.MaxConcurrentJobs, caps.MaxPixels)
	s.mu.Unlock()

	s.logger.Info("capabilities detected",
		slog.String("backend", caps.Backend),
		slog.Int("max_jobs", caps.MaxConcurrentJobs),
		slog.Int("formats", len(caps.Formats)),
	)

	s.grpcServer = grpc.NewServer(
		grpc.UnaryInterceptor(s.unaryInterceptor),
		grpc.StreamInterceptor(s.streamInterceptor),
	)
	convertd.RegisterConvertDaemonServer(s.grpcServer, s)

	if s.config.ListenAddr != "" {
		listener, err := net.Listen("tcp", s.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("creating listener: %w", err)
		}

		s.logger.Info("starting gRPC server",
			slog.String("address", s.config.ListenAddr),
		)

		go func() {
			if err := s.grpcServer.Serve(listener); err != nil {
				s.logger.Error("gRPC server error", slog.String("error", err.Error()))
			}
		}()
	}

	s.mu.Lock()
	s.state = convertd.DaemonStateConnected
	s.mu.Unlock()

	return nil
}

// Stop stops the gRPC server gracefully, force stopping when ctx
// expires first.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.state = convertd.DaemonStateDraining
	s.mu.Unlock()

	if s.grpcServer != nil {
		done := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
			s.logger.Info("gRPC server stopped gracefully")
		case <-ctx.Done():
			s.grpcServer.Stop()
			s.logger.Warn("gRPC server force stopped")
		}
	}

	s.mu.Lock()
	s.state = convertd.DaemonStateDisconnected
	s.mu.Unlock()

	return nil
}

// Executor returns the job executor, nil before Start.
func (s *Server) Executor() *Executor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.executor
}

// Register handles a registration handshake from a direct client.
func (s *Server) Register(ctx context.Context, req *convertd.RegisterRequest) (*convertd.RegisterResponse, error) {
	s.logger.Info("registration request received",
		slog.String("daemon_id", req.DaemonID),
		slog.String("daemon_name", req.DaemonName),
	)

	if s.config.AuthToken != "" && req.AuthToken != s.config.AuthToken {
		s.logger.Warn("registration rejected: invalid auth token")
		return &convertd.RegisterResponse{
			Success: false,
			Error:   "invalid authentication token",
		}, nil
	}

	s.mu.Lock()
	s.registered = true
	s.mu.Unlock()

	return &convertd.RegisterResponse{
		Success:            true,
		HeartbeatInterval:  s.config.HeartbeatInterval,
		CoordinatorVersion: version.Short(),
	}, nil
}

// Heartbeat acknowledges liveness probes.
func (s *Server) Heartbeat(ctx context.Context, req *convertd.HeartbeatRequest) (*convertd.HeartbeatResponse, error) {
	s.logger.Debug("heartbeat received",
		slog.String("daemon_id", req.DaemonID),
		slog.Int("active_jobs", req.ActiveJobs),
	)

	if req.DaemonID != s.id {
		return &convertd.HeartbeatResponse{Success: false}, nil
	}

	return &convertd.HeartbeatResponse{Success: true}, nil
}

// Unregister handles a graceful client goodbye.
func (s *Server) Unregister(ctx context.Context, req *convertd.UnregisterRequest) (*convertd.UnregisterResponse, error) {
	s.logger.Info("unregister request received",
		slog.String("daemon_id", req.DaemonID),
		slog.String("reason", req.Reason),
	)

	s.mu.Lock()
	s.registered = false
	s.mu.Unlock()

	return &convertd.UnregisterResponse{Success: true}, nil
}

// Convert handles a direct job stream: the client pushes jobs, the
// daemon streams acks, progress and results back. Multiple jobs may be
// in flight on one stream up to the executor's capacity.
func (s *Server) Convert(stream grpc.BidiStreamingServer[convertd.ConvertMessage, convertd.ConvertMessage]) error {
	s.mu.RLock()
	state := s.state
	executor := s.executor
	s.mu.RUnlock()

	if executor == nil {
		return status.Errorf(codes.Unavailable, "daemon not started")
	}
	if state != convertd.DaemonStateConnected {
		return status.Errorf(codes.Unavailable, "daemon not active (state: %s)", state.String())
	}

	// Serialize sends across the job goroutines sharing this stream.
	var sendMu sync.Mutex
	send := func(msg *convertd.ConvertMessage) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return stream.Send(msg)
	}

	ctx := stream.Context()
	var jobs sync.WaitGroup
	defer jobs.Wait()

	for {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch {
		case msg.Ready != nil:
			// Coordinator-style clients open with a ready signal; in
			// standalone mode there is nothing to route, so just note it.
			s.logger.Debug("ready signal on direct stream",
				slog.String("peer_daemon_id", msg.Ready.DaemonID),
			)

		case msg.Job != nil:
			job := msg.Job
			jobs.Add(1)
			go func() {
				defer jobs.Done()
				s.runStreamJob(ctx, send, job)
			}()

		case msg.Cancel != nil:
			s.logger.Info("job cancellation received",
				slog.String("job_id", msg.Cancel.JobID),
				slog.String("reason", msg.Cancel.Reason),
			)
			executor.Cancel(msg.Cancel.JobID)

		default:
			s.logger.Warn("unexpected message on convert stream")
		}
	}
}

// runStreamJob acknowledges and executes one pushed job.
func (s *Server) runStreamJob(ctx context.Context, send func(*convertd.ConvertMessage) error, job *convertd.JobRequest) {
	executor := s.Executor()

	if !executor.CanAccept() {
		_ = send(&convertd.ConvertMessage{
			Ack: &convertd.JobAck{JobID: job.JobID, Accepted: false, Error: ErrBusy.Error()},
		})
		return
	}

	if err := send(&convertd.ConvertMessage{
		Ack: &convertd.JobAck{JobID: job.JobID, Accepted: true, Backend: executor.BackendName()},
	}); err != nil {
		return
	}

	result, err := executor.Execute(ctx, job, func(stage string) {
		_ = send(&convertd.ConvertMessage{
			Progress: &convertd.JobProgress{JobID: job.JobID, Stage: stage},
		})
	})
	if err != nil {
		s.logger.Error("job failed",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		_ = send(&convertd.ConvertMessage{
			Fault: &convertd.JobFault{
				JobID:       job.JobID,
				Message:     err.Error(),
				Recoverable: errors.Is(err, ErrBusy),
			},
		})
		return
	}

	if err := send(&convertd.ConvertMessage{Result: result}); err != nil {
		s.logger.Error("failed to send result",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// unaryInterceptor adds logging to unary RPCs.
func (s *Server) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	if err != nil {
		s.logger.Debug("gRPC call failed",
			slog.String("method", info.FullMethod),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Debug("gRPC call completed",
			slog.String("method", info.FullMethod),
			slog.Duration("duration", time.Since(start)),
		)
	}

	return resp, err
}

// streamInterceptor adds logging to streaming RPCs.
func (s *Server) streamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)

	if err != nil {
		s.logger.Debug("gRPC stream ended with error",
			slog.String("method", info.FullMethod),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Debug("gRPC stream ended",
			slog.String("method", info.FullMethod),
			slog.Duration("duration", time.Since(start)),
		)
	}

	return err
}
