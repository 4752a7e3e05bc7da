package remote

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/jmylchreest/imgarr/pkg/convertd"
	"google.golang.org/grpc"
)

// ErrStreamClosed is returned when sending on a convert stream whose
// daemon has disconnected.
var ErrStreamClosed = errors.New("daemon stream closed")

// pendingCap bounds the per-job reply channel. A job sees at most an
// ack, a handful of progress marks and one terminal message, so the
// channel never fills in practice; overflow drops with a warning
// rather than wedging the stream's receive loop.
const pendingCap = 8

// DaemonStream wraps the bidirectional convert stream one daemon holds
// open. The daemon opens it after registering and keeps it up; the
// coordinator pushes jobs through it and routes replies back to the
// waiting caller by job ID.
type DaemonStream struct {
	DaemonID convertd.DaemonID

	stream grpc.BidiStreamingServer[convertd.ConvertMessage, convertd.ConvertMessage]
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	pending map[string]chan *convertd.ConvertMessage
}

// Send sends a message to the daemon. Sends are serialized; the gRPC
// stream forbids concurrent writers.
func (s *DaemonStream) Send(msg *convertd.ConvertMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStreamClosed
	}
	return s.stream.Send(msg)
}

// track registers a reply channel for a job about to be sent.
func (s *DaemonStream) track(jobID string) chan *convertd.ConvertMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		s.pending = make(map[string]chan *convertd.ConvertMessage)
	}
	ch := make(chan *convertd.ConvertMessage, pendingCap)
	s.pending[jobID] = ch
	return ch
}

// forget drops a job's reply channel.
func (s *DaemonStream) forget(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, jobID)
}

// deliver routes a daemon reply to the caller waiting on jobID.
// Returns false when no caller is waiting.
func (s *DaemonStream) deliver(jobID string, msg *convertd.ConvertMessage) bool {
	s.mu.Lock()
	ch, ok := s.pending[jobID]
	s.mu.Unlock()

	if !ok {
		return false
	}

	select {
	case ch <- msg:
		return true
	default:
		s.logger.Warn("dropping daemon reply, caller backlog full",
			slog.String("daemon_id", string(s.DaemonID)),
			slog.String("job_id", jobID),
		)
		return false
	}
}

// ActiveJobCount returns the number of jobs awaiting replies.
func (s *DaemonStream) ActiveJobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close marks the stream closed and releases all waiting callers.
func (s *DaemonStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	for _, ch := range s.pending {
		close(ch)
	}
	s.pending = nil
}

// StreamManager tracks the open convert streams by daemon.
type StreamManager struct {
	logger *slog.Logger

	mu      sync.RWMutex
	streams map[convertd.DaemonID]*DaemonStream
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(logger *slog.Logger) *StreamManager {
	return &StreamManager{
		logger:  logger,
		streams: make(map[convertd.DaemonID]*DaemonStream),
	}
}

// RegisterStream registers a daemon's convert stream, replacing and
// closing any stream the daemon left behind on a reconnect.
func (m *StreamManager) RegisterStream(
	daemonID convertd.DaemonID,
	stream grpc.BidiStreamingServer[convertd.ConvertMessage, convertd.ConvertMessage],
) *DaemonStream {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.streams[daemonID]; ok {
		existing.Close()
		m.logger.Debug("closed stale daemon stream",
			slog.String("daemon_id", string(daemonID)),
		)
	}

	ds := &DaemonStream{
		DaemonID: daemonID,
		stream:   stream,
		logger:   m.logger,
	}
	m.streams[daemonID] = ds

	m.logger.Info("daemon convert stream connected",
		slog.String("daemon_id", string(daemonID)),
	)

	return ds
}

// UnregisterStream removes a daemon's stream. The stream instance is
// compared so a reconnect that already replaced the entry is not torn
// down by the old handler's deferred cleanup.
func (m *StreamManager) UnregisterStream(daemonID convertd.DaemonID, ds *DaemonStream) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.streams[daemonID]
	if !ok || current != ds {
		ds.Close()
		return
	}

	current.Close()
	delete(m.streams, daemonID)
	m.logger.Debug("daemon convert stream disconnected",
		slog.String("daemon_id", string(daemonID)),
	)
}

// GetStream returns the stream for a daemon.
func (m *StreamManager) GetStream(daemonID convertd.DaemonID) (*DaemonStream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ds, ok := m.streams[daemonID]
	return ds, ok
}

// Count returns the number of connected streams.
func (m *StreamManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}
