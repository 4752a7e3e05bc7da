package handlers

import (
	"context"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/jmylchreest/imgarr/internal/fetch"
	"github.com/jmylchreest/imgarr/internal/remote"
	"github.com/jmylchreest/imgarr/internal/service"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	runs      *service.RunService
	registry  *remote.DaemonRegistry
	fetcher   *fetch.Client
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithRunService sets the run service so health reports pool activity.
func (h *HealthHandler) WithRunService(runs *service.RunService) *HealthHandler {
	h.runs = runs
	return h
}

// WithRegistry sets the daemon registry so health reports daemon counts.
func (h *HealthHandler) WithRegistry(registry *remote.DaemonRegistry) *HealthHandler {
	h.registry = registry
	return h
}

// WithFetcher sets the fetch client so health reports circuit breaker states.
func (h *HealthHandler) WithFetcher(fetcher *fetch.Client) *HealthHandler {
	h.fetcher = fetcher
	return h
}

// CPUInfo reports host CPU core count and load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// ProcessMemoryInfo reports memory used by this process and its children.
type ProcessMemoryInfo struct {
	MainProcessMB      float64 `json:"main_process_mb"`
	ChildProcessesMB   float64 `json:"child_processes_mb"`
	ChildProcessCount  int     `json:"child_process_count"`
	TotalProcessTreeMB float64 `json:"total_process_tree_mb"`
	PercentageOfSystem float64 `json:"percentage_of_system"`
}

// MemoryInfo reports system and process memory usage in megabytes.
type MemoryInfo struct {
	TotalMemoryMB     float64           `json:"total_memory_mb"`
	UsedMemoryMB      float64           `json:"used_memory_mb"`
	FreeMemoryMB      float64           `json:"free_memory_mb"`
	AvailableMemoryMB float64           `json:"available_memory_mb"`
	SwapTotalMB       float64           `json:"swap_total_mb"`
	SwapUsedMB        float64           `json:"swap_used_mb"`
	ProcessMemory     ProcessMemoryInfo `json:"process_memory"`
}

// PoolStats reports worker pool activity.
type PoolStats struct {
	Workers       int   `json:"workers"`
	ActiveWorkers int   `json:"active_workers"`
	QueueDepth    int   `json:"queue_depth"`
	Submitted     int64 `json:"submitted"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	TimedOut      int64 `json:"timed_out"`
	LateReplies   int64 `json:"late_replies"`
}

// DaemonsSummary reports conversion daemon counts.
type DaemonsSummary struct {
	Registered int `json:"registered"`
	Active     int `json:"active"`
}

// CircuitBreakerStatus reports the breaker state for one remote host.
type CircuitBreakerStatus struct {
	Host          string `json:"host"`
	State         string `json:"state"`
	Failures      int    `json:"failures"`
	TotalRequests int64  `json:"total_requests"`
	TotalFailures int64  `json:"total_failures"`
}

// HealthResponse is the health check response body.
type HealthResponse struct {
	Status          string                 `json:"status"`
	Timestamp       string                 `json:"timestamp"`
	Version         string                 `json:"version"`
	Uptime          string                 `json:"uptime"`
	UptimeSeconds   float64                `json:"uptime_seconds"`
	SystemLoad      float64                `json:"system_load"`
	CPUInfo         CPUInfo                `json:"cpu_info"`
	Memory          MemoryInfo             `json:"memory"`
	Pool            *PoolStats             `json:"pool,omitempty"`
	ActiveRuns      int                    `json:"active_runs"`
	Daemons         *DaemonsSummary        `json:"daemons,omitempty"`
	CircuitBreakers []CircuitBreakerStatus `json:"circuit_breakers,omitempty"`
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// LivezInput is the input for the liveness endpoint.
type LivezInput struct{}

// LivezOutput is the output for the liveness endpoint.
type LivezOutput struct {
	Body LivezResponse
}

// LivezResponse is the liveness response body.
type LivezResponse struct {
	Status string `json:"status"`
}

// ReadyzInput is the input for the readiness endpoint.
type ReadyzInput struct{}

// ReadyzOutput is the output for the readiness endpoint.
type ReadyzOutput struct {
	Body ReadyzResponse
}

// ReadyzResponse is the readiness response body.
type ReadyzResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/api/v1/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness probe",
		Description: "Returns ok while the process is able to serve requests",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      "GET",
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Description: "Returns ready once the conversion pool is accepting runs",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, input *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	cpuInfo := h.getCPUInfo()
	memInfo := h.getMemoryInfo()

	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		SystemLoad:    cpuInfo.LoadPercentage1Min / 100, // 0-1 scale
		CPUInfo:       cpuInfo,
		Memory:        memInfo,
	}

	if h.runs != nil {
		stats := h.runs.PoolStats()
		resp.Pool = &PoolStats{
			Workers:       stats.Workers,
			ActiveWorkers: stats.ActiveWorkers,
			QueueDepth:    stats.QueueDepth,
			Submitted:     stats.Submitted,
			Completed:     stats.Completed,
			Failed:        stats.Failed,
			TimedOut:      stats.TimedOut,
			LateReplies:   stats.LateReplies,
		}
		resp.ActiveRuns = h.runs.ActiveRuns()
	}

	if h.registry != nil {
		resp.Daemons = &DaemonsSummary{
			Registered: h.registry.Count(),
			Active:     h.registry.CountActive(),
		}
	}

	if h.fetcher != nil {
		stats := h.fetcher.BreakerStats()
		breakers := make([]CircuitBreakerStatus, 0, len(stats))
		for host, s := range stats {
			breakers = append(breakers, CircuitBreakerStatus{
				Host:          host,
				State:         s.State,
				Failures:      s.Failures,
				TotalRequests: s.TotalRequests,
				TotalFailures: s.TotalFailures,
			})
		}
		sort.Slice(breakers, func(i, j int) bool { return breakers[i].Host < breakers[j].Host })
		resp.CircuitBreakers = breakers
	}

	return &HealthOutput{Body: resp}, nil
}

// GetLivez reports process liveness.
func (h *HealthHandler) GetLivez(ctx context.Context, input *LivezInput) (*LivezOutput, error) {
	return &LivezOutput{Body: LivezResponse{Status: "ok"}}, nil
}

// GetReadyz reports whether the service is ready to accept conversion runs.
func (h *HealthHandler) GetReadyz(ctx context.Context, input *ReadyzInput) (*ReadyzOutput, error) {
	components := map[string]string{}

	status := "ready"
	if h.runs != nil {
		components["pool"] = "ok"
	} else {
		components["pool"] = "not_configured"
		status = "not_ready"
	}

	if h.fetcher != nil {
		components["fetch"] = "ok"
	} else {
		components["fetch"] = "disabled"
	}

	// No connected daemons is not an outage: runs fall back to local
	// processing.
	if h.registry != nil {
		if h.registry.CountActive() > 0 {
			components["daemons"] = "ok"
		} else {
			components["daemons"] = "none_connected"
		}
	}

	return &ReadyzOutput{Body: ReadyzResponse{Status: status, Components: components}}, nil
}

// getCPUInfo returns CPU load information.
func (h *HealthHandler) getCPUInfo() CPUInfo {
	cores := runtime.NumCPU()

	info := CPUInfo{
		Cores: cores,
	}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15

		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}

	return info
}

// getMemoryInfo returns memory usage information.
func (h *HealthHandler) getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.FreeMemoryMB = float64(vmStat.Free) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	swapStat, err := mem.SwapMemory()
	if err == nil && swapStat != nil {
		info.SwapTotalMB = float64(swapStat.Total) / 1024 / 1024
		info.SwapUsedMB = float64(swapStat.Used) / 1024 / 1024
	}

	info.ProcessMemory = h.getProcessMemoryInfo(info.TotalMemoryMB)

	return info
}

// getProcessMemoryInfo returns process-specific memory information.
func (h *HealthHandler) getProcessMemoryInfo(totalSystemMB float64) ProcessMemoryInfo {
	info := ProcessMemoryInfo{}

	pid := int32(os.Getpid())
	proc, err := process.NewProcess(pid)
	if err != nil {
		return info
	}

	memInfo, err := proc.MemoryInfo()
	if err == nil && memInfo != nil {
		info.MainProcessMB = float64(memInfo.RSS) / 1024 / 1024
		info.TotalProcessTreeMB = info.MainProcessMB

		if totalSystemMB > 0 {
			info.PercentageOfSystem = (info.MainProcessMB / totalSystemMB) * 100
		}
	}

	children, err := proc.Children()
	if err == nil {
		info.ChildProcessCount = len(children)
		for _, child := range children {
			childMem, err := child.MemoryInfo()
			if err == nil && childMem != nil {
				childMB := float64(childMem.RSS) / 1024 / 1024
				info.ChildProcessesMB += childMB
				info.TotalProcessTreeMB += childMB
			}
		}
	}

	return info
}
