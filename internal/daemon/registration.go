package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jmylchreest/imgarr/internal/version"
	"github.com/jmylchreest/imgarr/pkg/convertd"
)

// RegistrationClient handles registration with the coordinator.
type RegistrationClient struct {
	logger *slog.Logger
	config *RegistrationConfig

	mu             sync.RWMutex
	conn           *grpc.ClientConn
	client         convertd.ConvertDaemonClient
	state          convertd.DaemonState
	registered     bool
	capabilities   *convertd.Capabilities
	statsCollector *StatsCollector
	executor       *Executor

	// Heartbeat control
	heartbeatInterval time.Duration
	heartbeatCancel   context.CancelFunc

	// Reconnect settings
	reconnectDelay    time.Duration
	reconnectMaxDelay time.Duration
}

// RegistrationConfig holds configuration for coordinator registration.
type RegistrationConfig struct {
	DaemonID          string
	DaemonName        string
	CoordinatorURL    string
	AuthToken         string
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
}

// NewRegistrationClient creates a new registration client. executor
// supplies the load figures reported in heartbeats.
func NewRegistrationClient(logger *slog.Logger, cfg *RegistrationConfig, executor *Executor) *RegistrationClient {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.ReconnectMaxDelay == 0 {
		cfg.ReconnectMaxDelay = 60 * time.Second
	}

	return &RegistrationClient{
		logger:            logger,
		config:            cfg,
		executor:          executor,
		state:             convertd.DaemonStateDisconnected,
		heartbeatInterval: cfg.HeartbeatInterval,
		reconnectDelay:    cfg.ReconnectDelay,
		reconnectMaxDelay: cfg.ReconnectMaxDelay,
	}
}

// SetCapabilities sets the capabilities to report during registration.
func (c *RegistrationClient) SetCapabilities(caps *convertd.Capabilities) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capabilities = caps
}

// SetStatsCollector sets the stats collector for heartbeat reporting.
func (c *RegistrationClient) SetStatsCollector(collector *StatsCollector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statsCollector = collector
}

// Connect establishes the connection to the coordinator.
func (c *RegistrationClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.state = convertd.DaemonStateConnecting
	c.mu.Unlock()

	c.logger.Info("connecting to coordinator",
		slog.String("url", c.config.CoordinatorURL),
	)

	conn, err := grpc.NewClient(c.config.CoordinatorURL,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		c.mu.Lock()
		c.state = convertd.DaemonStateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("connecting to coordinator: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.client = convertd.NewConvertDaemonClient(conn)
	c.mu.Unlock()

	return nil
}

// Register registers this daemon with the coordinator.
func (c *RegistrationClient) Register(ctx context.Context) error {
	c.mu.RLock()
	client := c.client
	caps := c.capabilities
	c.mu.RUnlock()

	if client == nil {
		return fmt.Errorf("not connected to coordinator")
	}
	if caps == nil {
		return fmt.Errorf("capabilities not set")
	}

	c.logger.Info("registering with coordinator",
		slog.String("daemon_id", c.config.DaemonID),
		slog.String("daemon_name", c.config.DaemonName),
	)

	req := &convertd.RegisterRequest{
		DaemonID:     c.config.DaemonID,
		DaemonName:   c.config.DaemonName,
		Version:      version.Short(),
		AuthToken:    c.config.AuthToken,
		Capabilities: caps,
	}

	resp, err := client.Register(ctx, req)
	if err != nil {
		c.mu.Lock()
		c.state = convertd.DaemonStateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("registration failed: %w", err)
	}

	if !resp.Success {
		c.mu.Lock()
		c.state = convertd.DaemonStateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("registration rejected: %s", resp.Error)
	}

	c.mu.Lock()
	c.registered = true
	c.state = convertd.DaemonStateConnected
	if resp.HeartbeatInterval > 0 {
		c.heartbeatInterval = resp.HeartbeatInterval
	}
	c.mu.Unlock()

	c.logger.Info("registered with coordinator",
		slog.String("coordinator_version", resp.CoordinatorVersion),
		slog.Duration("heartbeat_interval", c.heartbeatInterval),
	)

	return nil
}

// StartHeartbeat starts the heartbeat loop.
func (c *RegistrationClient) StartHeartbeat(ctx context.Context) {
	c.mu.Lock()
	if c.heartbeatCancel != nil {
		c.heartbeatCancel()
	}
	heartbeatCtx, cancel := context.WithCancel(ctx)
	c.heartbeatCancel = cancel
	interval := c.heartbeatInterval
	c.mu.Unlock()

	go c.heartbeatLoop(heartbeatCtx, interval)
}

// heartbeatLoop sends periodic heartbeats to the coordinator.
func (c *RegistrationClient) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutiveFailures := 0
	const maxConsecutiveFailures = 3

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendHeartbeat(ctx); err != nil {
				consecutiveFailures++
				c.logger.Warn("heartbeat failed",
					slog.String("error", err.Error()),
					slog.Int("consecutive_failures", consecutiveFailures),
				)

				if consecutiveFailures >= maxConsecutiveFailures {
					c.logger.Warn("too many heartbeat failures, attempting reconnection",
						slog.Int("failures", consecutiveFailures),
					)

					c.mu.Lock()
					c.state = convertd.DaemonStateUnhealthy
					c.mu.Unlock()

					if err := c.reconnect(ctx); err != nil {
						c.logger.Error("reconnection failed, will keep trying",
							slog.String("error", err.Error()),
						)
					} else {
						c.logger.Info("reconnection successful")
						consecutiveFailures = 0
					}
				}
			} else {
				if consecutiveFailures > 0 {
					c.logger.Info("heartbeat recovered after failures",
						slog.Int("previous_failures", consecutiveFailures),
					)
				}
				consecutiveFailures = 0
			}
		}
	}
}

// reconnect attempts to reconnect and re-register with exponential backoff.
func (c *RegistrationClient) reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.client = nil
	}
	c.registered = false
	c.mu.Unlock()

	delay := c.reconnectDelay
	maxAttempts := 5 // bounded so the heartbeat loop regains control

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.logger.Info("attempting reconnection",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.Duration("delay", delay),
		)

		if err := c.Connect(ctx); err != nil {
			c.logger.Warn("reconnection connect failed",
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt),
			)
			time.Sleep(delay)
			delay = min(delay*2, c.reconnectMaxDelay)
			continue
		}

		if err := c.Register(ctx); err != nil {
			c.logger.Warn("reconnection register failed",
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt),
			)
			c.mu.Lock()
			if c.conn != nil {
				c.conn.Close()
				c.conn = nil
				c.client = nil
			}
			c.mu.Unlock()
			time.Sleep(delay)
			delay = min(delay*2, c.reconnectMaxDelay)
			continue
		}

		return nil
	}

	return fmt.Errorf("reconnection failed after %d attempts", maxAttempts)
}

// sendHeartbeat sends a single heartbeat to the coordinator.
func (c *RegistrationClient) sendHeartbeat(ctx context.Context) error {
	c.mu.RLock()
	client := c.client
	statsCollector := c.statsCollector
	c.mu.RUnlock()

	if client == nil {
		return fmt.Errorf("not connected")
	}

	var systemStats *convertd.SystemStats
	if statsCollector != nil {
		if stats, err := statsCollector.Collect(ctx); err == nil {
			systemStats = stats
		}
	}

	completed, failed := c.executor.Counters()
	req := &convertd.HeartbeatRequest{
		DaemonID:       c.config.DaemonID,
		ActiveJobs:     c.executor.ActiveJobs(),
		TotalCompleted: completed,
		TotalFailed:    failed,
		Stats:          systemStats,
	}

	resp, err := client.Heartbeat(ctx, req)
	if err != nil {
		return fmt.Errorf("heartbeat RPC failed: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("heartbeat rejected")
	}

	return nil
}

// Unregister gracefully unregisters from the coordinator.
func (c *RegistrationClient) Unregister(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.heartbeatCancel != nil {
		c.heartbeatCancel()
	}
	client := c.client
	c.registered = false
	c.state = convertd.DaemonStateDraining
	c.mu.Unlock()

	if client == nil {
		return nil
	}

	c.logger.Info("unregistering from coordinator",
		slog.String("reason", reason),
	)

	req := &convertd.UnregisterRequest{
		DaemonID: c.config.DaemonID,
		Reason:   reason,
	}

	if _, err := client.Unregister(ctx, req); err != nil {
		c.logger.Warn("unregister RPC failed",
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Close closes the connection to the coordinator.
func (c *RegistrationClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.heartbeatCancel != nil {
		c.heartbeatCancel()
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return fmt.Errorf("closing connection: %w", err)
		}
		c.conn = nil
		c.client = nil
	}

	c.state = convertd.DaemonStateDisconnected
	return nil
}

// GetState returns the current registration state.
func (c *RegistrationClient) GetState() convertd.DaemonState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsRegistered returns true if the daemon is registered.
func (c *RegistrationClient) IsRegistered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registered
}

// Client returns the current gRPC client, nil when disconnected.
func (c *RegistrationClient) Client() convertd.ConvertDaemonClient {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// ConnectAndRegister connects and registers with automatic retry,
// then starts the heartbeat loop.
func (c *RegistrationClient) ConnectAndRegister(ctx context.Context) error {
	delay := c.reconnectDelay

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.Connect(ctx); err != nil {
			c.logger.Warn("connection failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("delay", delay),
			)
			time.Sleep(delay)
			delay = min(delay*2, c.reconnectMaxDelay)
			continue
		}

		if err := c.Register(ctx); err != nil {
			c.logger.Warn("registration failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("delay", delay),
			)
			c.Close()
			time.Sleep(delay)
			delay = min(delay*2, c.reconnectMaxDelay)
			continue
		}

		c.StartHeartbeat(ctx)
		return nil
	}
}

// StartConvertStream starts the job stream supervisor in the
// background. Call this after ConnectAndRegister succeeds; the
// supervisor reopens the stream whenever it drops, so a coordinator
// restart does not strand the daemon.
func (c *RegistrationClient) StartConvertStream(ctx context.Context) {
	handler := NewConvertStreamHandler(c.logger, c, c.executor)
	go handler.Run(ctx)
}

// ConvertStreamHandler owns the daemon side of the job stream: it
// opens the stream, announces readiness, and executes the jobs the
// coordinator pushes.
type ConvertStreamHandler struct {
	logger     *slog.Logger
	regClient  *RegistrationClient
	executor   *Executor
	retryDelay time.Duration

	mu     sync.RWMutex
	stream grpc.BidiStreamingClient[convertd.ConvertMessage, convertd.ConvertMessage]

	// sendMu serializes stream.Send, which is not safe for concurrent use.
	sendMu sync.Mutex
}

// NewConvertStreamHandler creates a stream handler bound to a
// registration client.
func NewConvertStreamHandler(logger *slog.Logger, regClient *RegistrationClient, executor *Executor) *ConvertStreamHandler {
	return &ConvertStreamHandler{
		logger:     logger,
		regClient:  regClient,
		executor:   executor,
		retryDelay: regClient.reconnectDelay,
	}
}

// Run opens the convert stream and processes jobs until ctx ends,
// reopening the stream with backoff when it drops.
func (h *ConvertStreamHandler) Run(ctx context.Context) {
	delay := h.retryDelay

	for {
		if ctx.Err() != nil {
			return
		}

		err := h.serveStream(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			h.logger.Warn("convert stream lost, reopening",
				slog.String("error", err.Error()),
				slog.Duration("delay", delay),
			)
		}

		time.Sleep(delay)
		delay = min(delay*2, h.regClient.reconnectMaxDelay)
	}
}

// serveStream runs one stream session: open, announce, process until
// the stream ends.
func (h *ConvertStreamHandler) serveStream(ctx context.Context) error {
	client := h.regClient.Client()
	if client == nil || !h.regClient.IsRegistered() {
		return fmt.Errorf("not registered with coordinator")
	}

	stream, err := client.Convert(ctx)
	if err != nil {
		return fmt.Errorf("opening convert stream: %w", err)
	}

	h.mu.Lock()
	h.stream = stream
	h.mu.Unlock()

	ready := &convertd.ConvertMessage{
		Ready: &convertd.ReadySignal{DaemonID: h.regClient.config.DaemonID},
	}
	if err := h.send(ready); err != nil {
		return fmt.Errorf("sending ready signal: %w", err)
	}

	h.logger.Info("convert stream connected to coordinator",
		slog.String("daemon_id", h.regClient.config.DaemonID),
	)

	for {
		msg, err := stream.Recv()
		if err != nil {
			h.logger.Debug("convert stream ended",
				slog.String("error", err.Error()),
			)
			return err
		}

		switch {
		case msg.Job != nil:
			go h.handleJob(ctx, msg.Job)

		case msg.Cancel != nil:
			h.logger.Info("job cancellation from coordinator",
				slog.String("job_id", msg.Cancel.JobID),
				slog.String("reason", msg.Cancel.Reason),
			)
			h.executor.Cancel(msg.Cancel.JobID)

		default:
			h.logger.Warn("unexpected message on convert stream")
		}
	}
}

// handleJob acknowledges and executes one job, streaming progress and
// the final frame back to the coordinator.
func (h *ConvertStreamHandler) handleJob(ctx context.Context, job *convertd.JobRequest) {
	if !h.executor.CanAccept() {
		h.logger.Warn("rejecting job, no free slots",
			slog.String("job_id", job.JobID),
		)
		_ = h.send(&convertd.ConvertMessage{
			Ack: &convertd.JobAck{JobID: job.JobID, Accepted: false, Error: ErrBusy.Error()},
		})
		return
	}

	if err := h.send(&convertd.ConvertMessage{
		Ack: &convertd.JobAck{JobID: job.JobID, Accepted: true, Backend: h.executor.BackendName()},
	}); err != nil {
		h.logger.Error("failed to send ack",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		return
	}

	result, err := h.executor.Execute(ctx, job, func(stage string) {
		_ = h.send(&convertd.ConvertMessage{
			Progress: &convertd.JobProgress{JobID: job.JobID, Stage: stage},
		})
	})
	if err != nil {
		h.logger.Error("job failed",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		_ = h.send(&convertd.ConvertMessage{
			Fault: &convertd.JobFault{
				JobID:       job.JobID,
				Message:     err.Error(),
				Recoverable: errors.Is(err, ErrBusy),
			},
		})
		return
	}

	if err := h.send(&convertd.ConvertMessage{Result: result}); err != nil {
		h.logger.Error("failed to send result",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// send sends a message on the current stream.
func (h *ConvertStreamHandler) send(msg *convertd.ConvertMessage) error {
	h.mu.RLock()
	stream := h.stream
	h.mu.RUnlock()

	if stream == nil {
		return fmt.Errorf("convert stream not open")
	}

	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	return stream.Send(msg)
}
