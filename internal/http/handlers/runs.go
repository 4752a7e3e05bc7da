package handlers

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/imgarr/internal/service"
)

// RunsHandler handles conversion run API endpoints.
type RunsHandler struct {
	runs *service.RunService
}

// NewRunsHandler creates a new runs handler.
func NewRunsHandler(runs *service.RunService) *RunsHandler {
	return &RunsHandler{runs: runs}
}

// CreateRunInput is the input for starting a conversion run.
type CreateRunInput struct {
	Body CreateRunRequest
}

// CreateRunOutput is the output for starting a conversion run.
type CreateRunOutput struct {
	Status int
	Body   RunResponse
}

// ListRunsInput is the input for listing runs.
type ListRunsInput struct{}

// ListRunsBody is the response body for listing runs.
type ListRunsBody struct {
	Runs []RunResponse `json:"runs"`
}

// ListRunsOutput is the output for listing runs.
type ListRunsOutput struct {
	Body ListRunsBody
}

// GetRunInput is the input for fetching a single run.
type GetRunInput struct {
	RunID string `path:"run_id" doc:"Run ID (ULID)"`
}

// GetRunOutput is the output for fetching a single run.
type GetRunOutput struct {
	Body RunResponse
}

// CancelRunInput is the input for cancelling a run.
type CancelRunInput struct {
	RunID string `path:"run_id" doc:"Run ID (ULID)"`
}

// CancelRunOutput is the output for cancelling a run.
type CancelRunOutput struct {
	Body RunResponse
}

// Register registers the run routes with the API.
func (h *RunsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "createRun",
		Method:        "POST",
		Path:          "/api/v1/runs",
		Summary:       "Start a conversion run",
		Description:   "Scans the given inputs and converts every matching image through the worker pool",
		Tags:          []string{"Runs"},
		DefaultStatus: 202,
	}, h.CreateRun)

	huma.Register(api, huma.Operation{
		OperationID: "listRuns",
		Method:      "GET",
		Path:        "/api/v1/runs",
		Summary:     "List runs",
		Description: "Returns all known runs, newest first",
		Tags:        []string{"Runs"},
	}, h.ListRuns)

	huma.Register(api, huma.Operation{
		OperationID: "getRun",
		Method:      "GET",
		Path:        "/api/v1/runs/{run_id}",
		Summary:     "Get run",
		Description: "Returns the current snapshot of a run",
		Tags:        []string{"Runs"},
	}, h.GetRun)

	huma.Register(api, huma.Operation{
		OperationID: "cancelRun",
		Method:      "DELETE",
		Path:        "/api/v1/runs/{run_id}",
		Summary:     "Cancel run",
		Description: "Cancels an active run; outputs already written for the run are removed",
		Tags:        []string{"Runs"},
	}, h.CancelRun)
}

// CreateRun starts a new conversion run.
func (h *RunsHandler) CreateRun(ctx context.Context, input *CreateRunInput) (*CreateRunOutput, error) {
	run, err := h.runs.StartRun(ctx, input.Body.ToServiceRequest())
	if err != nil {
		return nil, huma.Error422UnprocessableEntity("invalid run request", err)
	}

	return &CreateRunOutput{Status: 202, Body: RunFromService(run)}, nil
}

// ListRuns returns all known runs.
func (h *RunsHandler) ListRuns(ctx context.Context, input *ListRunsInput) (*ListRunsOutput, error) {
	runs := h.runs.ListRuns()

	output := &ListRunsOutput{
		Body: ListRunsBody{Runs: make([]RunResponse, 0, len(runs))},
	}
	for _, run := range runs {
		output.Body.Runs = append(output.Body.Runs, RunFromService(run))
	}

	return output, nil
}

// GetRun returns a single run by ID.
func (h *RunsHandler) GetRun(ctx context.Context, input *GetRunInput) (*GetRunOutput, error) {
	run, err := h.runs.GetRun(input.RunID)
	if err != nil {
		return nil, huma.Error404NotFound("run not found")
	}

	return &GetRunOutput{Body: RunFromService(run)}, nil
}

// CancelRun cancels an active run.
func (h *RunsHandler) CancelRun(ctx context.Context, input *CancelRunInput) (*CancelRunOutput, error) {
	if err := h.runs.CancelRun(input.RunID); err != nil {
		switch {
		case errors.Is(err, service.ErrRunNotFound):
			return nil, huma.Error404NotFound("run not found")
		case errors.Is(err, service.ErrRunFinished):
			return nil, huma.Error409Conflict("run already finished")
		default:
			return nil, huma.Error500InternalServerError("cancelling run", err)
		}
	}

	run, err := h.runs.GetRun(input.RunID)
	if err != nil {
		return nil, huma.Error404NotFound("run not found")
	}

	return &CancelRunOutput{Body: RunFromService(run)}, nil
}
