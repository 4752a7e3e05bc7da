// Package progress provides real-time progress tracking and SSE broadcasting
// for conversion runs.
package progress

import (
	"time"
)

// OperationState is the lifecycle state of a tracked operation.
type OperationState string

const (
	StateIdle       OperationState = "idle"
	StatePreparing  OperationState = "preparing"
	StateProcessing OperationState = "processing"
	StateSaving     OperationState = "saving"
	StateCleanup    OperationState = "cleanup"
	StateCompleted  OperationState = "completed"
	StateError      OperationState = "error"
	StateCancelled  OperationState = "cancelled"
)

// IsTerminal reports whether the state is completed, error, or
// cancelled.
func (s OperationState) IsTerminal() bool {
	return s == StateCompleted || s == StateError || s == StateCancelled
}

// IsActive reports whether the operation has started and not yet
// reached a terminal state.
func (s OperationState) IsActive() bool {
	return s != StateIdle && !s.IsTerminal()
}

// OperationType identifies the kind of work being tracked.
type OperationType string

const (
	// OpConversionRun is a batch image conversion run.
	OpConversionRun OperationType = "conversion_run"
	// OpWatchCycle is a scheduled re-scan triggered by the watcher.
	OpWatchCycle OperationType = "watch_cycle"
)

// StageInfo is one stage within an operation. Weight is the stage's
// share of overall progress; Progress is completion within the stage,
// both on a 0 to 1 scale. Current/Total count items when the stage
// reports item-wise progress.
type StageInfo struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Weight      float64        `json:"weight"`
	State       OperationState `json:"state"`
	Progress    float64        `json:"progress"`
	Message     string         `json:"message"`
	Current     int            `json:"current"`
	Total       int            `json:"total"`
	CurrentItem string         `json:"current_item,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// EqualStages builds a stage list with equal weights from id/name pairs.
// It is the usual way a run initializes its progress stages.
func EqualStages(pairs ...[2]string) []StageInfo {
	if len(pairs) == 0 {
		return nil
	}
	infos := make([]StageInfo, len(pairs))
	weight := 1.0 / float64(len(pairs))
	for i, p := range pairs {
		infos[i] = StageInfo{
			ID:     p[0],
			Name:   p[1],
			Weight: weight,
		}
	}
	return infos
}

// OperationProgress is the full picture of one operation: overall
// state and progress, the per-stage breakdown, and the owner it
// belongs to (OwnerID/OwnerType name the resource, such as a run ID).
type OperationProgress struct {
	OperationID       string         `json:"operation_id"`
	OperationType     OperationType  `json:"operation_type"`
	OwnerID           string         `json:"owner_id"`
	OwnerType         string         `json:"owner_type"`
	State             OperationState `json:"state"`
	Progress          float64        `json:"progress"`
	Message           string         `json:"message"`
	Stages            []StageInfo    `json:"stages"`
	CurrentStageIndex int            `json:"current_stage_index"`
	StartedAt         time.Time      `json:"started_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	Error             string         `json:"error,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy. The service hands out clones so readers
// never share slices or maps with the tracked instance.
func (p *OperationProgress) Clone() *OperationProgress {
	clone := *p
	clone.Stages = make([]StageInfo, len(p.Stages))
	copy(clone.Stages, p.Stages)
	if p.Metadata != nil {
		clone.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// CurrentStage returns the stage at CurrentStageIndex, or nil when the
// index is out of range.
func (p *OperationProgress) CurrentStage() *StageInfo {
	if p.CurrentStageIndex >= 0 && p.CurrentStageIndex < len(p.Stages) {
		return &p.Stages[p.CurrentStageIndex]
	}
	return nil
}

// ProgressEvent is what SSE subscribers receive on every change.
type ProgressEvent struct {
	EventType string             `json:"event_type"`
	Progress  *OperationProgress `json:"progress"`
	Timestamp time.Time          `json:"timestamp"`
}

// SSE event types.
const (
	EventTypeProgress  = "progress"
	EventTypeCompleted = "completed"
	EventTypeError     = "error"
	EventTypeCancelled = "cancelled"
	EventTypeHeartbeat = "heartbeat"
)

// OperationFilter selects which operations a subscriber or listing
// cares about. Nil pointer fields match everything.
type OperationFilter struct {
	OperationType *OperationType  `json:"operation_type,omitempty"`
	OwnerID       *string         `json:"owner_id,omitempty"`
	State         *OperationState `json:"state,omitempty"`
	ActiveOnly    bool            `json:"active_only,omitempty"`
}

// Matches reports whether p passes every criterion set on the filter.
func (f *OperationFilter) Matches(p *OperationProgress) bool {
	if f == nil {
		return true
	}
	if f.OperationType != nil && *f.OperationType != p.OperationType {
		return false
	}
	if f.OwnerID != nil && *f.OwnerID != p.OwnerID {
		return false
	}
	if f.State != nil && *f.State != p.State {
		return false
	}
	if f.ActiveOnly && !p.State.IsActive() {
		return false
	}
	return true
}
