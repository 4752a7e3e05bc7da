// Package convertd defines the coordinator/daemon protocol for
// distributed image conversion: the shared daemon model, the wire
// messages with their binary encoding, and the hand-written gRPC
// service definition. The package has no dependency on the rest of
// imgarr so external tooling can speak the protocol directly.
package convertd

import (
	"time"
)

// DaemonID is a unique identifier for a daemon instance.
type DaemonID string

// String implements fmt.Stringer.
func (d DaemonID) String() string {
	return string(d)
}

// DaemonState represents the connection state of a daemon.
type DaemonState int

const (
	DaemonStateConnecting DaemonState = iota
	DaemonStateConnected              // Successfully registered and ready for jobs
	DaemonStateDraining               // Not accepting new jobs, finishing existing
	DaemonStateUnhealthy              // Missed heartbeats
	DaemonStateDisconnected
)

// String returns a human-readable state name.
func (s DaemonState) String() string {
	switch s {
	case DaemonStateConnecting:
		return "connecting"
	case DaemonStateConnected:
		return "connected"
	case DaemonStateDraining:
		return "draining"
	case DaemonStateUnhealthy:
		return "unhealthy"
	case DaemonStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Capabilities describes what a conversion daemon can do.
type Capabilities struct {
	// Backend is the transform backend the daemon runs (native, accel).
	Backend string `json:"backend"`
	// MaxPixels is the largest width*height the daemon accepts per
	// frame. Zero means unbounded.
	MaxPixels int64 `json:"max_pixels"`
	// Formats lists the image formats the daemon's build can decode.
	Formats []string `json:"formats"`
	// MaxConcurrentJobs bounds the jobs the daemon runs in parallel.
	MaxConcurrentJobs int `json:"max_concurrent_jobs"`
}

// AcceptsFrame reports whether a frame of the given geometry fits
// within the daemon's declared pixel bound.
func (c *Capabilities) AcceptsFrame(width, height int) bool {
	if c.MaxPixels <= 0 {
		return true
	}
	return int64(width)*int64(height) <= c.MaxPixels
}

// SystemStats carries host health reported in heartbeats.
type SystemStats struct {
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Arch     string `json:"arch"`

	UptimeSeconds uint64 `json:"uptime_seconds"`

	CPUModel   string  `json:"cpu_model,omitempty"`
	CPUCores   int     `json:"cpu_cores"`
	CPUPercent float64 `json:"cpu_percent"`

	LoadAvg1  float64 `json:"load_avg_1m"`
	LoadAvg5  float64 `json:"load_avg_5m"`
	LoadAvg15 float64 `json:"load_avg_15m"`

	MemoryTotalBytes uint64  `json:"memory_total_bytes"`
	MemoryUsedBytes  uint64  `json:"memory_used_bytes"`
	MemoryPercent    float64 `json:"memory_percent"`

	CollectedAt time.Time `json:"collected_at"`
}

// Daemon represents a registered conversion worker.
type Daemon struct {
	ID           DaemonID      `json:"id"`
	Name         string        `json:"name"`
	Version      string        `json:"version"`
	Address      string        `json:"address"` // remote address as seen by the coordinator
	State        DaemonState   `json:"state"`
	Capabilities *Capabilities `json:"capabilities"`

	// Health tracking
	ConnectedAt      time.Time `json:"connected_at"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	HeartbeatsMissed int       `json:"heartbeats_missed"`

	// Load tracking
	ActiveJobs         int    `json:"active_jobs"`
	TotalJobsCompleted uint64 `json:"total_jobs_completed"`
	TotalJobsFailed    uint64 `json:"total_jobs_failed"`

	// Latest system stats (from heartbeat)
	SystemStats *SystemStats `json:"system_stats,omitempty"`
}

// IsHealthy returns true if the daemon is in a healthy state.
func (d *Daemon) IsHealthy() bool {
	return d.State == DaemonStateConnected
}

// CanAcceptJobs returns true if the daemon can accept new jobs.
func (d *Daemon) CanAcceptJobs() bool {
	if d.State != DaemonStateConnected {
		return false
	}
	if d.Capabilities == nil {
		return false
	}
	return d.ActiveJobs < d.Capabilities.MaxConcurrentJobs
}

// LoadRatio returns the daemon's job slots in use as a fraction of its
// declared capacity. A daemon with no capabilities reports full load.
func (d *Daemon) LoadRatio() float64 {
	if d.Capabilities == nil || d.Capabilities.MaxConcurrentJobs <= 0 {
		return 1.0
	}
	return float64(d.ActiveJobs) / float64(d.Capabilities.MaxConcurrentJobs)
}
