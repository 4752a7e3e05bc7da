package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/imgarr/internal/remote"
	"github.com/jmylchreest/imgarr/pkg/convertd"
)

// DaemonsHandler handles conversion daemon management endpoints.
type DaemonsHandler struct {
	registry *remote.DaemonRegistry
}

// NewDaemonsHandler creates a new daemons handler.
func NewDaemonsHandler(registry *remote.DaemonRegistry) *DaemonsHandler {
	return &DaemonsHandler{registry: registry}
}

// CapabilitiesBody is the API representation of daemon capabilities.
type CapabilitiesBody struct {
	Backend           string   `json:"backend"`
	MaxPixels         int64    `json:"max_pixels"`
	Formats           []string `json:"formats"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
}

// SystemStatsBody is the API representation of daemon host stats.
type SystemStatsBody struct {
	Hostname      string  `json:"hostname"`
	OS            string  `json:"os,omitempty"`
	Arch          string  `json:"arch,omitempty"`
	CPUCores      int     `json:"cpu_cores"`
	CPUPercent    float64 `json:"cpu_percent"`
	LoadAvg1      float64 `json:"load_avg_1m"`
	MemoryPercent float64 `json:"memory_percent"`
}

// DaemonResponse is the API representation of a registered daemon.
type DaemonResponse struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Version            string            `json:"version"`
	Address            string            `json:"address"`
	State              string            `json:"state"`
	ConnectedAt        time.Time         `json:"connected_at"`
	LastHeartbeat      time.Time         `json:"last_heartbeat"`
	HeartbeatsMissed   int               `json:"heartbeats_missed"`
	ActiveJobs         int               `json:"active_jobs"`
	TotalJobsCompleted uint64            `json:"total_jobs_completed"`
	TotalJobsFailed    uint64            `json:"total_jobs_failed"`
	LoadRatio          float64           `json:"load_ratio"`
	Capabilities       *CapabilitiesBody `json:"capabilities,omitempty"`
	SystemStats        *SystemStatsBody  `json:"system_stats,omitempty"`
}

// DaemonFromService converts a daemon to a response.
func DaemonFromService(d *convertd.Daemon) DaemonResponse {
	resp := DaemonResponse{
		ID:                 d.ID.String(),
		Name:               d.Name,
		Version:            d.Version,
		Address:            d.Address,
		State:              d.State.String(),
		ConnectedAt:        d.ConnectedAt,
		LastHeartbeat:      d.LastHeartbeat,
		HeartbeatsMissed:   d.HeartbeatsMissed,
		ActiveJobs:         d.ActiveJobs,
		TotalJobsCompleted: d.TotalJobsCompleted,
		TotalJobsFailed:    d.TotalJobsFailed,
		LoadRatio:          d.LoadRatio(),
	}
	if d.Capabilities != nil {
		resp.Capabilities = &CapabilitiesBody{
			Backend:           d.Capabilities.Backend,
			MaxPixels:         d.Capabilities.MaxPixels,
			Formats:           append([]string(nil), d.Capabilities.Formats...),
			MaxConcurrentJobs: d.Capabilities.MaxConcurrentJobs,
		}
	}
	if d.SystemStats != nil {
		resp.SystemStats = &SystemStatsBody{
			Hostname:      d.SystemStats.Hostname,
			OS:            d.SystemStats.OS,
			Arch:          d.SystemStats.Arch,
			CPUCores:      d.SystemStats.CPUCores,
			CPUPercent:    d.SystemStats.CPUPercent,
			LoadAvg1:      d.SystemStats.LoadAvg1,
			MemoryPercent: d.SystemStats.MemoryPercent,
		}
	}
	return resp
}

// ListDaemonsInput is the input for listing daemons.
type ListDaemonsInput struct{}

// ListDaemonsBody is the response body for listing daemons.
type ListDaemonsBody struct {
	Daemons []DaemonResponse `json:"daemons"`
	Total   int              `json:"total"`
	Active  int              `json:"active"`
}

// ListDaemonsOutput is the output for listing daemons.
type ListDaemonsOutput struct {
	Body ListDaemonsBody
}

// GetDaemonInput is the input for fetching a single daemon.
type GetDaemonInput struct {
	DaemonID string `path:"daemon_id" doc:"Daemon ID"`
}

// GetDaemonOutput is the output for fetching a single daemon.
type GetDaemonOutput struct {
	Body DaemonResponse
}

// DrainDaemonInput is the input for draining a daemon.
type DrainDaemonInput struct {
	DaemonID string `path:"daemon_id" doc:"Daemon ID"`
}

// DrainDaemonOutput is the output for draining a daemon.
type DrainDaemonOutput struct {
	Body DaemonResponse
}

// ActivateDaemonInput is the input for activating a drained daemon.
type ActivateDaemonInput struct {
	DaemonID string `path:"daemon_id" doc:"Daemon ID"`
}

// ActivateDaemonOutput is the output for activating a drained daemon.
type ActivateDaemonOutput struct {
	Body DaemonResponse
}

// Register registers the daemon routes with the API.
func (h *DaemonsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listDaemons",
		Method:      "GET",
		Path:        "/api/v1/daemons",
		Summary:     "List daemons",
		Description: "Returns all registered conversion daemons with capabilities and load",
		Tags:        []string{"Daemons"},
	}, h.ListDaemons)

	huma.Register(api, huma.Operation{
		OperationID: "getDaemon",
		Method:      "GET",
		Path:        "/api/v1/daemons/{daemon_id}",
		Summary:     "Get daemon",
		Description: "Returns details for a specific conversion daemon",
		Tags:        []string{"Daemons"},
	}, h.GetDaemon)

	huma.Register(api, huma.Operation{
		OperationID: "drainDaemon",
		Method:      "POST",
		Path:        "/api/v1/daemons/{daemon_id}/drain",
		Summary:     "Drain daemon",
		Description: "Stops routing new jobs to the daemon while it finishes in-flight work",
		Tags:        []string{"Daemons"},
	}, h.DrainDaemon)

	huma.Register(api, huma.Operation{
		OperationID: "activateDaemon",
		Method:      "POST",
		Path:        "/api/v1/daemons/{daemon_id}/activate",
		Summary:     "Activate daemon",
		Description: "Returns a draining daemon to the routable set",
		Tags:        []string{"Daemons"},
	}, h.ActivateDaemon)
}

// ListDaemons returns all registered daemons.
func (h *DaemonsHandler) ListDaemons(ctx context.Context, input *ListDaemonsInput) (*ListDaemonsOutput, error) {
	daemons := h.registry.GetAll()

	output := &ListDaemonsOutput{
		Body: ListDaemonsBody{
			Daemons: make([]DaemonResponse, 0, len(daemons)),
			Total:   h.registry.Count(),
			Active:  h.registry.CountActive(),
		},
	}
	for _, d := range daemons {
		output.Body.Daemons = append(output.Body.Daemons, DaemonFromService(d))
	}

	return output, nil
}

// GetDaemon returns a single daemon by ID.
func (h *DaemonsHandler) GetDaemon(ctx context.Context, input *GetDaemonInput) (*GetDaemonOutput, error) {
	daemon, ok := h.registry.Get(convertd.DaemonID(input.DaemonID))
	if !ok {
		return nil, huma.Error404NotFound("daemon not found")
	}

	return &GetDaemonOutput{Body: DaemonFromService(daemon)}, nil
}

// DrainDaemon stops routing jobs to a daemon.
func (h *DaemonsHandler) DrainDaemon(ctx context.Context, input *DrainDaemonInput) (*DrainDaemonOutput, error) {
	if err := h.registry.Drain(convertd.DaemonID(input.DaemonID)); err != nil {
		return nil, daemonStateError(err)
	}

	daemon, ok := h.registry.Get(convertd.DaemonID(input.DaemonID))
	if !ok {
		return nil, huma.Error404NotFound("daemon not found")
	}

	return &DrainDaemonOutput{Body: DaemonFromService(daemon)}, nil
}

// ActivateDaemon returns a draining daemon to service.
func (h *DaemonsHandler) ActivateDaemon(ctx context.Context, input *ActivateDaemonInput) (*ActivateDaemonOutput, error) {
	if err := h.registry.Activate(convertd.DaemonID(input.DaemonID)); err != nil {
		return nil, daemonStateError(err)
	}

	daemon, ok := h.registry.Get(convertd.DaemonID(input.DaemonID))
	if !ok {
		return nil, huma.Error404NotFound("daemon not found")
	}

	return &ActivateDaemonOutput{Body: DaemonFromService(daemon)}, nil
}

// daemonStateError maps registry errors to API errors.
func daemonStateError(err error) error {
	switch {
	case errors.Is(err, remote.ErrDaemonNotFound):
		return huma.Error404NotFound("daemon not found")
	default:
		return huma.Error409Conflict(err.Error())
	}
}
