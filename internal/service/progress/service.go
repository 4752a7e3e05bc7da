package progress

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrOperationExists means the owner already has an active operation.
	ErrOperationExists   = errors.New("operation already exists for this owner")
	ErrOperationNotFound = errors.New("operation not found")
)

// Subscriber is one SSE client's view of the event stream. Events the
// filter rejects are never queued.
type Subscriber struct {
	ID     string
	Filter *OperationFilter
	Events chan *ProgressEvent
}

// Service tracks operation progress and fans events out to
// subscribers. Runs and watch cycles report through it; SSE handlers
// subscribe to it.
type Service struct {
	mu          sync.RWMutex
	operations  map[string]*OperationProgress
	ownerIndex  map[string]string // ownerKey -> operationID
	subscribers map[string]*Subscriber
	logger      *slog.Logger

	staleDuration time.Duration
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

// NewService creates a progress service. Terminal operations are kept
// for five minutes so late pollers still see the final state.
func NewService(logger *slog.Logger) *Service {
	return &Service{
		operations:    make(map[string]*OperationProgress),
		ownerIndex:    make(map[string]string),
		subscribers:   make(map[string]*Subscriber),
		logger:        logger.With("component", "progress_service"),
		staleDuration: 5 * time.Minute,
		stopCleanup:   make(chan struct{}),
	}
}

// Start launches the background sweep of finished operations.
func (s *Service) Start() {
	s.cleanupTicker = time.NewTicker(1 * time.Minute)
	go s.cleanupLoop()
}

// Stop halts the background sweep.
func (s *Service) Stop() {
	if s.cleanupTicker != nil {
		s.cleanupTicker.Stop()
		close(s.stopCleanup)
	}
}

func (s *Service) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.sweepFinished()
		case <-s.stopCleanup:
			return
		}
	}
}

// sweepFinished drops terminal operations past the retention window.
func (s *Service) sweepFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.staleDuration)
	var removed int

	for opID, op := range s.operations {
		if op.State.IsTerminal() && op.CompletedAt != nil && op.CompletedAt.Before(cutoff) {
			removed++
			delete(s.operations, opID)
			key := ownerKey(op.OwnerType, op.OwnerID)
			if s.ownerIndex[key] == opID {
				delete(s.ownerIndex, key)
			}
		}
	}

	if removed > 0 {
		s.logger.Debug("swept finished operations", "count", removed)
	}
}

func ownerKey(ownerType, ownerID string) string {
	return ownerType + ":" + ownerID
}

func newID() string {
	return ulid.Make().String()
}

// StartOperation begins tracking an operation for the given owner.
// An owner can have at most one active operation; a second attempt
// returns ErrOperationExists.
func (s *Service) StartOperation(
	opType OperationType,
	ownerID string,
	ownerType string,
	stages []StageInfo,
) (*OperationManager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ownerKey(ownerType, ownerID)

	if existingOpID, exists := s.ownerIndex[key]; exists {
		if existing, ok := s.operations[existingOpID]; ok && existing.State.IsActive() {
			return nil, ErrOperationExists
		}
	}

	operationID := newID()
	now := time.Now()

	for i := range stages {
		stages[i].State = StateIdle
		stages[i].Progress = 0
	}

	op := &OperationProgress{
		OperationID:       operationID,
		OperationType:     opType,
		OwnerID:           ownerID,
		OwnerType:         ownerType,
		State:             StatePreparing,
		Progress:          0,
		Message:           "Starting operation",
		Stages:            stages,
		CurrentStageIndex: -1,
		StartedAt:         now,
		UpdatedAt:         now,
		Metadata:          make(map[string]any),
	}

	s.operations[operationID] = op
	s.ownerIndex[key] = operationID

	s.logger.Debug("started operation",
		"operation_id", operationID,
		"operation_type", opType,
		"owner_type", ownerType,
		"owner_id", ownerID,
	)

	s.broadcastLocked(op)

	return &OperationManager{
		service:     s,
		operationID: operationID,
	}, nil
}

// GetOperation returns a copy of the operation's current progress.
func (s *Service) GetOperation(operationID string) (*OperationProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.operations[operationID]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return op.Clone(), nil
}

// GetOperationByOwner returns the owner's current operation.
func (s *Service) GetOperationByOwner(ownerType, ownerID string) (*OperationProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	opID, ok := s.ownerIndex[ownerKey(ownerType, ownerID)]
	if !ok {
		return nil, ErrOperationNotFound
	}

	op, ok := s.operations[opID]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return op.Clone(), nil
}

// ListOperations returns copies of every operation the filter matches.
func (s *Service) ListOperations(filter *OperationFilter) []*OperationProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*OperationProgress
	for _, op := range s.operations {
		if filter.Matches(op) {
			result = append(result, op.Clone())
		}
	}
	return result
}

// Subscribe registers an event consumer. The returned subscriber's
// channel is buffered; a consumer that falls 100 events behind starts
// losing them.
func (s *Service) Subscribe(filter *OperationFilter) *Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &Subscriber{
		ID:     newID(),
		Filter: filter,
		Events: make(chan *ProgressEvent, 100),
	}

	s.subscribers[sub.ID] = sub

	s.logger.Debug("subscriber added", "subscriber_id", sub.ID)

	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Service) Unsubscribe(subscriberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.subscribers[subscriberID]; ok {
		close(sub.Events)
		delete(s.subscribers, subscriberID)
		s.logger.Debug("subscriber removed", "subscriber_id", subscriberID)
	}
}

func (s *Service) updateOperation(operationID string, updateFn func(*OperationProgress)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.operations[operationID]
	if !ok {
		return ErrOperationNotFound
	}

	updateFn(op)
	op.UpdatedAt = time.Now()

	s.broadcastLocked(op)
	return nil
}

// broadcastLocked delivers an event to every matching subscriber.
// Caller holds s.mu. Slow subscribers are skipped, never blocked on.
func (s *Service) broadcastLocked(op *OperationProgress) {
	event := &ProgressEvent{
		EventType: eventTypeForState(op.State),
		Progress:  op.Clone(),
		Timestamp: time.Now(),
	}

	for _, sub := range s.subscribers {
		if sub.Filter.Matches(op) {
			select {
			case sub.Events <- event:
			default:
				s.logger.Warn("subscriber event channel full, dropping event",
					"subscriber_id", sub.ID,
					"operation_id", op.OperationID,
				)
			}
		}
	}
}

func eventTypeForState(state OperationState) string {
	switch state {
	case StateCompleted:
		return EventTypeCompleted
	case StateError:
		return EventTypeError
	case StateCancelled:
		return EventTypeCancelled
	default:
		return EventTypeProgress
	}
}

// OperationManager is the producer-side handle for one operation.
// The run owning the operation drives it; readers go through Service.
type OperationManager struct {
	service     *Service
	operationID string
}

// OperationID returns the ID of the managed operation.
func (m *OperationManager) OperationID() string {
	return m.operationID
}

// SetMessage replaces the operation's status message.
func (m *OperationManager) SetMessage(message string) {
	_ = m.service.updateOperation(m.operationID, func(op *OperationProgress) {
		op.Message = message
	})
}

// SetState moves the operation to the given state, stamping
// CompletedAt for terminal states.
func (m *OperationManager) SetState(state OperationState) {
	_ = m.service.updateOperation(m.operationID, func(op *OperationProgress) {
		op.State = state
		if state.IsTerminal() {
			now := time.Now()
			op.CompletedAt = &now
		}
	})
}

// SetMetadata attaches a key/value pair to the operation.
func (m *OperationManager) SetMetadata(key string, value any) {
	_ = m.service.updateOperation(m.operationID, func(op *OperationProgress) {
		if op.Metadata == nil {
			op.Metadata = make(map[string]any)
		}
		op.Metadata[key] = value
	})
}

// Complete finishes the operation successfully, closing out any
// stages that have not reported completion themselves.
func (m *OperationManager) Complete(message string) {
	_ = m.service.updateOperation(m.operationID, func(op *OperationProgress) {
		op.State = StateCompleted
		op.Progress = 1.0
		op.Message = message
		now := time.Now()
		op.CompletedAt = &now

		for i := range op.Stages {
			if op.Stages[i].State != StateCompleted {
				op.Stages[i].State = StateCompleted
				op.Stages[i].Progress = 1.0
				op.Stages[i].CompletedAt = &now
			}
		}
	})

	m.service.logger.Debug("operation completed",
		"operation_id", m.operationID,
		"message", message,
	)
}

// Fail finishes the operation with an error.
func (m *OperationManager) Fail(err error) {
	_ = m.service.updateOperation(m.operationID, func(op *OperationProgress) {
		op.State = StateError
		op.Error = err.Error()
		op.Message = "Operation failed: " + err.Error()
		now := time.Now()
		op.CompletedAt = &now
	})

	m.service.logger.Error("operation failed",
		"operation_id", m.operationID,
		"error", err,
	)
}

// Cancel finishes the operation as cancelled.
func (m *OperationManager) Cancel() {
	_ = m.service.updateOperation(m.operationID, func(op *OperationProgress) {
		op.State = StateCancelled
		op.Message = "Operation cancelled"
		now := time.Now()
		op.CompletedAt = &now
	})

	m.service.logger.Debug("operation cancelled", "operation_id", m.operationID)
}

// StartStage marks the named stage as the active one and returns an
// updater for it.
func (m *OperationManager) StartStage(stageID string) *StageUpdater {
	_ = m.service.updateOperation(m.operationID, func(op *OperationProgress) {
		for i := range op.Stages {
			if op.Stages[i].ID == stageID {
				op.CurrentStageIndex = i
				now := time.Now()
				op.Stages[i].State = StateProcessing
				op.Stages[i].StartedAt = &now
				op.Stages[i].Progress = 0
				op.State = StateProcessing
				op.Message = op.Stages[i].Name
				break
			}
		}
	})

	return &StageUpdater{
		manager: m,
		stageID: stageID,
	}
}

// recalculateProgress derives overall progress from the weighted
// stage progresses.
func (m *OperationManager) recalculateProgress() {
	_ = m.service.updateOperation(m.operationID, func(op *OperationProgress) {
		var totalProgress float64
		var totalWeight float64

		for _, stage := range op.Stages {
			totalProgress += stage.Weight * stage.Progress
			totalWeight += stage.Weight
		}

		if totalWeight > 0 {
			op.Progress = totalProgress / totalWeight
		}
	})
}

// StageUpdater reports progress for a single stage.
type StageUpdater struct {
	manager *OperationManager
	stageID string
}

// Reporter returns a ProgressReporter bound to this stage.
func (u *StageUpdater) Reporter() ProgressReporter {
	return &stageReporter{updater: u}
}

// SetProgress sets the stage's fractional progress (0 to 1).
func (u *StageUpdater) SetProgress(progress float64, message string) {
	_ = u.manager.service.updateOperation(u.manager.operationID, func(op *OperationProgress) {
		for i := range op.Stages {
			if op.Stages[i].ID == u.stageID {
				op.Stages[i].Progress = progress
				op.Stages[i].Message = message
				op.Message = message
				break
			}
		}
	})
	u.manager.recalculateProgress()
}

// SetItemProgress reports item-count progress, e.g. files converted
// out of files found.
func (u *StageUpdater) SetItemProgress(current, total int, currentItem string) {
	_ = u.manager.service.updateOperation(u.manager.operationID, func(op *OperationProgress) {
		for i := range op.Stages {
			if op.Stages[i].ID == u.stageID {
				op.Stages[i].Current = current
				op.Stages[i].Total = total
				op.Stages[i].CurrentItem = currentItem
				if total > 0 {
					op.Stages[i].Progress = float64(current) / float64(total)
				}
				break
			}
		}
	})
	u.manager.recalculateProgress()
}

// Complete marks the stage finished.
func (u *StageUpdater) Complete() {
	_ = u.manager.service.updateOperation(u.manager.operationID, func(op *OperationProgress) {
		for i := range op.Stages {
			if op.Stages[i].ID == u.stageID {
				now := time.Now()
				op.Stages[i].State = StateCompleted
				op.Stages[i].Progress = 1.0
				op.Stages[i].CompletedAt = &now
				break
			}
		}
	})
	u.manager.recalculateProgress()
}

// Fail marks the stage failed without deciding the operation's fate;
// the owner chooses whether to continue with remaining stages.
func (u *StageUpdater) Fail(err error) {
	_ = u.manager.service.updateOperation(u.manager.operationID, func(op *OperationProgress) {
		for i := range op.Stages {
			if op.Stages[i].ID == u.stageID {
				now := time.Now()
				op.Stages[i].State = StateError
				op.Stages[i].Message = err.Error()
				op.Stages[i].CompletedAt = &now
				break
			}
		}
	})
}
