// Package remote implements the coordinator side of distributed
// conversion: the registry of connected convertd daemons, the gRPC
// service they dial into, and the router that ships frames to them.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/imgarr/internal/observability"
	"github.com/jmylchreest/imgarr/pkg/convertd"
)

// ErrDaemonNotFound is returned when the daemon is not registered.
var ErrDaemonNotFound = errors.New("daemon not registered")

// DaemonRegistry manages registered convertd daemons.
type DaemonRegistry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	daemons map[convertd.DaemonID]*convertd.Daemon

	heartbeatTimeout time.Duration // time after which a daemon is marked unhealthy
	removeTimeout    time.Duration // time after which an unhealthy daemon is removed
	cleanupInterval  time.Duration
	cleanupCancel    context.CancelFunc
}

// NewDaemonRegistry creates a new daemon registry.
func NewDaemonRegistry(logger *slog.Logger) *DaemonRegistry {
	return &DaemonRegistry{
		logger:           logger,
		daemons:          make(map[convertd.DaemonID]*convertd.Daemon),
		heartbeatTimeout: 15 * time.Second, // 3 missed heartbeats at 5s interval
		removeTimeout:    30 * time.Second,
		cleanupInterval:  5 * time.Second,
	}
}

// WithHeartbeatTimeout sets the window after which a silent daemon is
// marked unhealthy.
func (r *DaemonRegistry) WithHeartbeatTimeout(timeout time.Duration) *DaemonRegistry {
	if timeout > 0 {
		r.heartbeatTimeout = timeout
	}
	return r
}

// WithRemoveTimeout sets the window after which a silent daemon is
// removed entirely.
func (r *DaemonRegistry) WithRemoveTimeout(timeout time.Duration) *DaemonRegistry {
	if timeout > 0 {
		r.removeTimeout = timeout
	}
	return r
}

// Start starts the registry cleanup goroutine.
func (r *DaemonRegistry) Start(ctx context.Context) {
	cleanupCtx, cancel := context.WithCancel(ctx)
	r.cleanupCancel = cancel

	go r.cleanupLoop(cleanupCtx)
}

// Stop stops the registry cleanup goroutine.
func (r *DaemonRegistry) Stop() {
	if r.cleanupCancel != nil {
		r.cleanupCancel()
	}
}

// Register adds or updates a daemon. addr is the remote address the
// registration arrived from, kept for display only since daemons dial
// the coordinator.
func (r *DaemonRegistry) Register(req *convertd.RegisterRequest, addr string) (*convertd.Daemon, error) {
	if req.DaemonID == "" {
		return nil, fmt.Errorf("daemon id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	daemonID := convertd.DaemonID(req.DaemonID)
	now := time.Now()

	if existing, ok := r.daemons[daemonID]; ok {
		existing.Name = req.DaemonName
		existing.Version = req.Version
		existing.Address = addr
		existing.State = convertd.DaemonStateConnected
		existing.Capabilities = req.Capabilities
		existing.LastHeartbeat = now
		existing.HeartbeatsMissed = 0

		r.logger.Info("daemon re-registered",
			slog.String("daemon_id", string(daemonID)),
			slog.String("name", req.DaemonName),
		)

		return existing, nil
	}

	daemon := &convertd.Daemon{
		ID:            daemonID,
		Name:          req.DaemonName,
		Version:       req.Version,
		Address:       addr,
		State:         convertd.DaemonStateConnected,
		Capabilities:  req.Capabilities,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}

	r.daemons[daemonID] = daemon

	maxJobs := 0
	backend := ""
	if daemon.Capabilities != nil {
		maxJobs = daemon.Capabilities.MaxConcurrentJobs
		backend = daemon.Capabilities.Backend
	}
	r.logger.Info("daemon registered",
		slog.String("daemon_id", string(daemonID)),
		slog.String("name", req.DaemonName),
		slog.String("version", req.Version),
		slog.String("backend", backend),
		slog.Int("max_jobs", maxJobs),
	)

	return daemon, nil
}

// HandleHeartbeat processes a heartbeat from a daemon.
func (r *DaemonRegistry) HandleHeartbeat(req *convertd.HeartbeatRequest) (*convertd.Daemon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	daemonID := convertd.DaemonID(req.DaemonID)
	daemon, ok := r.daemons[daemonID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDaemonNotFound, daemonID)
	}

	daemon.LastHeartbeat = time.Now()
	daemon.HeartbeatsMissed = 0

	if daemon.State == convertd.DaemonStateUnhealthy {
		daemon.State = convertd.DaemonStateConnected
		r.logger.Info("daemon recovered",
			slog.String("daemon_id", string(daemonID)),
		)
	}

	if req.Stats != nil {
		daemon.SystemStats = req.Stats
	}
	daemon.ActiveJobs = req.ActiveJobs
	daemon.TotalJobsCompleted = req.TotalCompleted
	daemon.TotalJobsFailed = req.TotalFailed

	r.logger.Log(context.Background(), observability.LevelTrace, "heartbeat received",
		slog.String("daemon_id", string(daemonID)),
		slog.Int("active_jobs", daemon.ActiveJobs),
	)

	return daemon, nil
}

// Unregister removes a daemon from the registry.
func (r *DaemonRegistry) Unregister(daemonID convertd.DaemonID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if daemon, ok := r.daemons[daemonID]; ok {
		daemon.State = convertd.DaemonStateDisconnected

		r.logger.Info("daemon unregistered",
			slog.String("daemon_id", string(daemonID)),
			slog.String("reason", reason),
		)

		delete(r.daemons, daemonID)
	}
}

// Drain puts a daemon into draining state: no new jobs are routed to
// it, in-flight jobs run to completion. Heartbeats do not clear the
// state; only Activate does.
func (r *DaemonRegistry) Drain(daemonID convertd.DaemonID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	daemon, ok := r.daemons[daemonID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDaemonNotFound, daemonID)
	}

	if daemon.State == convertd.DaemonStateDraining {
		return nil // already draining
	}
	if daemon.State == convertd.DaemonStateDisconnected {
		return fmt.Errorf("cannot drain disconnected daemon: %s", daemonID)
	}

	daemon.State = convertd.DaemonStateDraining

	r.logger.Info("daemon set to draining",
		slog.String("daemon_id", string(daemonID)),
		slog.Int("active_jobs", daemon.ActiveJobs),
	)

	return nil
}

// Activate puts a draining daemon back into connected state.
func (r *DaemonRegistry) Activate(daemonID convertd.DaemonID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	daemon, ok := r.daemons[daemonID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDaemonNotFound, daemonID)
	}

	if daemon.State == convertd.DaemonStateDisconnected {
		return fmt.Errorf("cannot activate disconnected daemon: %s", daemonID)
	}
	if daemon.State == convertd.DaemonStateUnhealthy {
		return fmt.Errorf("cannot activate unhealthy daemon: %s", daemonID)
	}

	daemon.State = convertd.DaemonStateConnected

	r.logger.Info("daemon activated",
		slog.String("daemon_id", string(daemonID)),
	)

	return nil
}

// Get returns a daemon by ID.
func (r *DaemonRegistry) Get(daemonID convertd.DaemonID) (*convertd.Daemon, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	daemon, ok := r.daemons[daemonID]
	return daemon, ok
}

// GetAll returns all registered daemons.
func (r *DaemonRegistry) GetAll() []*convertd.Daemon {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*convertd.Daemon, 0, len(r.daemons))
	for _, daemon := range r.daemons {
		result = append(result, daemon)
	}
	return result
}

// GetAvailable returns daemons that can accept new jobs.
func (r *DaemonRegistry) GetAvailable() []*convertd.Daemon {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*convertd.Daemon
	for _, daemon := range r.daemons {
		if daemon.CanAcceptJobs() {
			result = append(result, daemon)
		}
	}
	return result
}

// SelectLeastLoaded returns the daemon with the lowest load that can
// accept a frame of the given geometry, or nil when none qualifies.
func (r *DaemonRegistry) SelectLeastLoaded(width, height int) *convertd.Daemon {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var selected *convertd.Daemon
	lowestLoad := 1.0

	for _, daemon := range r.daemons {
		if !daemon.CanAcceptJobs() {
			continue
		}
		if !daemon.Capabilities.AcceptsFrame(width, height) {
			continue
		}

		if load := daemon.LoadRatio(); load < lowestLoad {
			lowestLoad = load
			selected = daemon
		}
	}

	return selected
}

// Count returns the number of registered daemons.
func (r *DaemonRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.daemons)
}

// CountActive returns the number of connected daemons.
func (r *DaemonRegistry) CountActive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, daemon := range r.daemons {
		if daemon.State == convertd.DaemonStateConnected {
			count++
		}
	}
	return count
}

// MarkJobStarted bumps a daemon's active job count.
func (r *DaemonRegistry) MarkJobStarted(daemonID convertd.DaemonID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if daemon, ok := r.daemons[daemonID]; ok {
		daemon.ActiveJobs++
	}
}

// MarkJobFinished decrements a daemon's active job count and records
// the outcome.
func (r *DaemonRegistry) MarkJobFinished(daemonID convertd.DaemonID, succeeded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if daemon, ok := r.daemons[daemonID]; ok {
		if daemon.ActiveJobs > 0 {
			daemon.ActiveJobs--
		}
		if succeeded {
			daemon.TotalJobsCompleted++
		} else {
			daemon.TotalJobsFailed++
		}
	}
}

// cleanupLoop periodically checks for unhealthy or vanished daemons.
func (r *DaemonRegistry) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkHeartbeats()
		}
	}
}

// checkHeartbeats marks daemons unhealthy past the heartbeat window
// and removes them past the remove window.
func (r *DaemonRegistry) checkHeartbeats() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var toRemove []convertd.DaemonID

	for daemonID, daemon := range r.daemons {
		if daemon.State == convertd.DaemonStateDisconnected {
			toRemove = append(toRemove, daemonID)
			continue
		}

		sinceHeartbeat := now.Sub(daemon.LastHeartbeat)

		if sinceHeartbeat > r.removeTimeout {
			r.logger.Warn("removing stale daemon",
				slog.String("daemon_id", string(daemonID)),
				slog.String("name", daemon.Name),
				slog.Duration("since_heartbeat", sinceHeartbeat),
			)
			toRemove = append(toRemove, daemonID)
			continue
		}

		if sinceHeartbeat > r.heartbeatTimeout {
			if daemon.State != convertd.DaemonStateUnhealthy {
				daemon.State = convertd.DaemonStateUnhealthy
				daemon.HeartbeatsMissed++

				r.logger.Warn("daemon marked unhealthy",
					slog.String("daemon_id", string(daemonID)),
					slog.String("name", daemon.Name),
					slog.Duration("since_heartbeat", sinceHeartbeat),
				)
			}
		}
	}

	for _, daemonID := range toRemove {
		delete(r.daemons, daemonID)
	}
}
