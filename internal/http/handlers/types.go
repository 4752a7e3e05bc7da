// Package handlers provides HTTP API handlers for imgarr.
package handlers

import (
	"time"

	"github.com/jmylchreest/imgarr/internal/imaging"
	"github.com/jmylchreest/imgarr/internal/service"
)

// Common response types

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Pagination contains pagination parameters for list requests.
type Pagination struct {
	Page  int `query:"page" default:"1" minimum:"1" doc:"Page number (1-indexed)"`
	Limit int `query:"limit" default:"50" minimum:"1" maximum:"1000" doc:"Items per page"`
}

// PaginationMeta contains pagination metadata in responses.
type PaginationMeta struct {
	CurrentPage int   `json:"current_page"`
	PageSize    int   `json:"page_size"`
	TotalItems  int64 `json:"total_items"`
	TotalPages  int64 `json:"total_pages"`
}

// Run types

// TransformOptionsBody carries transform overrides in run requests and
// responses.
type TransformOptionsBody struct {
	MaxWidth  int  `json:"max_width" minimum:"0" doc:"Maximum output width in pixels (0 = unbounded), never upscales"`
	MaxHeight int  `json:"max_height" minimum:"0" doc:"Maximum output height in pixels (0 = unbounded), never upscales"`
	Grayscale bool `json:"grayscale" doc:"Convert output to single-channel grayscale"`
}

// RunStatsBody mirrors the run counters in API responses.
type RunStatsBody struct {
	Scanned     int   `json:"scanned"`
	Matched     int   `json:"matched"`
	SkippedScan int   `json:"skipped_scan"`
	Submitted   int   `json:"submitted"`
	Converted   int   `json:"converted"`
	Failed      int   `json:"failed"`
	TimedOut    int   `json:"timed_out"`
	InputBytes  int64 `json:"input_bytes"`
	OutputBytes int64 `json:"output_bytes"`
}

// RunResponse represents a conversion run in API responses.
type RunResponse struct {
	ID          string               `json:"id"`
	State       string               `json:"state"`
	Inputs      []string             `json:"inputs"`
	Options     TransformOptionsBody `json:"options"`
	Format      string               `json:"format"`
	Compression string               `json:"compression"`
	Stats       RunStatsBody         `json:"stats"`
	OperationID string               `json:"operation_id"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// RunFromService converts a run snapshot to a response.
func RunFromService(r *service.Run) RunResponse {
	return RunResponse{
		ID:    r.ID,
		State: string(r.State),
		Inputs: append([]string(nil),
			r.Inputs...),
		Options: TransformOptionsBody{
			MaxWidth:  r.Options.MaxWidth,
			MaxHeight: r.Options.MaxHeight,
			Grayscale: r.Options.Grayscale,
		},
		Format:      r.Format.String(),
		Compression: string(r.Compression),
		Stats: RunStatsBody{
			Scanned:     r.Stats.Scanned,
			Matched:     r.Stats.Matched,
			SkippedScan: r.Stats.SkippedScan,
			Submitted:   r.Stats.Submitted,
			Converted:   r.Stats.Converted,
			Failed:      r.Stats.Failed,
			TimedOut:    r.Stats.TimedOut,
			InputBytes:  r.Stats.InputBytes,
			OutputBytes: r.Stats.OutputBytes,
		},
		OperationID: r.OperationID,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Error:       r.Error,
	}
}

// CreateRunRequest is the request body for starting a conversion run.
type CreateRunRequest struct {
	Inputs      []string              `json:"inputs" minItems:"1" doc:"Files, directories, or http(s) URLs to convert"`
	Options     *TransformOptionsBody `json:"options,omitempty" doc:"Transform overrides; omitted fields use the configured defaults"`
	Format      string                `json:"format,omitempty" doc:"Output format" enum:"irf,png,jpeg,bmp,tiff,"`
	Compression string                `json:"compression,omitempty" doc:"Frame compression, irf output only" enum:"none,gzip,xz,"`
}

// ToServiceRequest converts the request to a service run request.
func (r *CreateRunRequest) ToServiceRequest() service.RunRequest {
	req := service.RunRequest{
		Inputs:      r.Inputs,
		Format:      r.Format,
		Compression: r.Compression,
	}
	if r.Options != nil {
		req.Options = &imaging.TransformOptions{
			MaxWidth:  r.Options.MaxWidth,
			MaxHeight: r.Options.MaxHeight,
			Grayscale: r.Options.Grayscale,
		}
	}
	return req
}
