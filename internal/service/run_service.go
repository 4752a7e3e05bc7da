// Package service provides the business logic layer for imgarr
// operations.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/imgarr/internal/codec"
	"github.com/jmylchreest/imgarr/internal/config"
	"github.com/jmylchreest/imgarr/internal/dispatch"
	"github.com/jmylchreest/imgarr/internal/fetch"
	"github.com/jmylchreest/imgarr/internal/imaging"
	"github.com/jmylchreest/imgarr/internal/observability"
	"github.com/jmylchreest/imgarr/internal/remote"
	"github.com/jmylchreest/imgarr/internal/scanner"
	"github.com/jmylchreest/imgarr/internal/service/progress"
	"github.com/jmylchreest/imgarr/internal/storage"
	"github.com/jmylchreest/imgarr/internal/wire"
)

// Common errors.
var (
	// ErrRunNotFound is returned when the run doesn't exist.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunFinished is returned when cancelling a run that already
	// reached a terminal state.
	ErrRunFinished = errors.New("run already finished")
)

// Progress stage identifiers for a conversion run.
const (
	stageScan     = "scan"
	stageConvert  = "convert"
	stageFinalize = "finalize"
)

// etaInterval is how many results pass between ETA metadata updates.
const etaInterval = 16

// RunState represents the lifecycle state of a conversion run.
type RunState string

const (
	RunStatePending   RunState = "pending"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// IsTerminal returns true once the run can no longer change state.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateFailed || s == RunStateCancelled
}

// RunRequest describes a batch conversion to execute. Unset fields
// fall back to the configured defaults.
type RunRequest struct {
	// Inputs are the files and directories to scan. Required.
	Inputs []string `json:"inputs"`
	// Options overrides the configured transform chain.
	Options *imaging.TransformOptions `json:"options,omitempty"`
	// Format is the output format name (irf, png, jpeg, bmp, tiff).
	Format string `json:"format,omitempty"`
	// Compression wraps raster frame output (none, gzip, xz). Only
	// valid with the irf format.
	Compression string `json:"compression,omitempty"`
}

// RunStats accumulates counters over the lifetime of a run.
type RunStats struct {
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

// Run is one batch conversion run. Outputs land under the store's
// runs/<id>/ directory, mirroring the input layout.
type Run struct {
	ID          string                   `json:"id"`
	State       RunState                 `json:"state"`
	Inputs      []string                 `json:"inputs"`
	Options     imaging.TransformOptions `json:"options"`
	Format      codec.Format             `json:"format"`
	Compression wire.Compression         `json:"compression"`
	Stats       RunStats                 `json:"stats"`
	// OperationID links the run to its progress operation for SSE
	// subscriptions.
	OperationID string     `json:"operation_id"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Clone creates a copy of the run for thread-safe reading.
func (r *Run) Clone() *Run {
	clone := *r
	clone.Inputs = make([]string, len(r.Inputs))
	copy(clone.Inputs, r.Inputs)
	return &clone
}

// activeRun tracks the cancellable pieces of a running run.
type activeRun struct {
	cancel context.CancelFunc

	mu   sync.Mutex
	pool *dispatch.Pool
}

func (a *activeRun) setPool(p *dispatch.Pool) {
	a.mu.Lock()
	a.pool = p
	a.mu.Unlock()
}

func (a *activeRun) poolStats() (dispatch.Stats, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pool == nil {
		return dispatch.Stats{}, false
	}
	return a.pool.Stats(), true
}

// RunService executes batch conversion runs: scan inputs, fan jobs out
// to a worker pool, collect results and publish outputs atomically.
// Each run gets its own pool so runs cannot starve each other and a
// run's shutdown releases all of its workers.
type RunService struct {
	cfg      config.Config
	store    *storage.OutputStore
	progress *progress.Service
	backend  imaging.Backend
	router   frameRouter
	fetcher  *fetch.Client
	logger   *slog.Logger

	mu     sync.RWMutex
	runs   map[string]*Run
	active map[string]*activeRun

	wg sync.WaitGroup
}

// NewRunService creates a RunService. The transform backend is
// resolved once from configuration; every run shares it.
func NewRunService(cfg config.Config, store *storage.OutputStore, progressSvc *progress.Service) (*RunService, error) {
	backend, err := imaging.Select(imaging.BackendKind(cfg.Transform.Backend))
	if err != nil {
		return nil, fmt.Errorf("selecting transform backend: %w", err)
	}

	return &RunService{
		cfg:      cfg,
		store:    store,
		progress: progressSvc,
		backend:  backend,
		logger:   slog.Default(),
		runs:     make(map[string]*Run),
		active:   make(map[string]*activeRun),
	}, nil
}

// WithLogger sets a custom logger.
func (s *RunService) WithLogger(logger *slog.Logger) *RunService {
	s.logger = observability.WithComponent(logger, "run_service")
	return s
}

// WithRouter routes transforms through remote convert daemons when any
// are connected. Runs convert locally without one.
func (s *RunService) WithRouter(router *remote.Router) *RunService {
	if router != nil {
		s.router = router
	}
	return s
}

// WithFetcher enables http(s) URLs as run inputs, downloaded through
// the given client before scanning. Without one, URL inputs are
// rejected at submission.
func (s *RunService) WithFetcher(fetcher *fetch.Client) *RunService {
	if fetcher != nil {
		s.fetcher = fetcher
	}
	return s
}

// Backend returns the transform backend serving this service's runs.
func (s *RunService) Backend() imaging.Backend {
	return s.backend
}

// StartRun validates the request and launches a run in the background.
// The returned snapshot reflects the run at submission time; poll
// GetRun or subscribe to progress events for updates.
func (s *RunService) StartRun(ctx context.Context, req RunRequest) (*Run, error) {
	if len(req.Inputs) == 0 {
		return nil, fmt.Errorf("run request needs at least one input path")
	}
	if s.fetcher == nil {
		for _, input := range req.Inputs {
			if fetch.IsRemoteURL(input) {
				return nil, fmt.Errorf("input %q is a remote URL but fetching is disabled", input)
			}
		}
	}

	formatName := req.Format
	if formatName == "" {
		formatName = s.cfg.Output.Format
	}
	format, err := codec.ParseOutputFormat(formatName)
	if err != nil {
		return nil, err
	}

	compressionName := req.Compression
	if compressionName == "" {
		compressionName = s.cfg.Output.Compression
	}
	compression, err := wire.ParseCompression(compressionName)
	if err != nil {
		return nil, err
	}
	if compression != wire.CompressionNone && format != codec.FormatIRF {
		return nil, fmt.Errorf("compression %q requires irf output, got %s", compression, format)
	}

	options := imaging.TransformOptions{
		MaxWidth:  s.cfg.Transform.MaxWidth,
		MaxHeight: s.cfg.Transform.MaxHeight,
		Grayscale: s.cfg.Transform.Grayscale,
	}
	if req.Options != nil {
		options = *req.Options
	}

	run := &Run{
		ID:          ulid.Make().String(),
		State:       RunStatePending,
		Inputs:      append([]string(nil), req.Inputs...),
		Options:     options,
		Format:      format,
		Compression: compression,
		StartedAt:   time.Now(),
	}

	mgr, err := s.progress.StartOperation(progress.OpConversionRun, run.ID, "run", runStages())
	if err != nil {
		return nil, fmt.Errorf("registering run progress: %w", err)
	}
	run.OperationID = mgr.OperationID()

	// Runs outlive the request that started them; only CancelRun or
	// Shutdown stops one.
	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.runs[run.ID] = run
	s.active[run.ID] = &activeRun{cancel: cancel}
	s.mu.Unlock()

	s.logger.Info("run started",
		slog.String("run_id", run.ID),
		slog.Int("inputs", len(run.Inputs)),
		slog.String("format", run.Format.String()),
		slog.String("compression", string(run.Compression)),
		slog.String("backend", s.backend.Name()),
	)

	s.wg.Add(1)
	go s.execute(runCtx, run, mgr)

	return run.Clone(), nil
}

// GetRun returns a snapshot of a run.
func (s *RunService) GetRun(id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run.Clone(), nil
}

// ListRuns returns snapshots of all known runs, newest first.
func (s *RunService) ListRuns() []*Run {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		result = append(result, run.Clone())
	}
	// ULIDs sort lexically by creation time.
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return result
}

// CancelRun requests cancellation of an active run. In-flight jobs
// fail fast, queued jobs drain without converting, and the run's
// partial outputs are removed.
func (s *RunService) CancelRun(id string) error {
	s.mu.RLock()
	run, ok := s.runs[id]
	var act *activeRun
	if ok {
		act = s.active[id]
	}
	s.mu.RUnlock()

	if !ok {
		return ErrRunNotFound
	}
	if act == nil || run.State.IsTerminal() {
		return ErrRunFinished
	}

	s.logger.Info("cancelling run", slog.String("run_id", id))
	act.cancel()
	return nil
}

// PoolStats aggregates worker pool counters across all active runs.
func (s *RunService) PoolStats() dispatch.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total dispatch.Stats
	for _, act := range s.active {
		stats, ok := act.poolStats()
		if !ok {
			continue
		}
		total.Workers += stats.Workers
		total.ActiveWorkers += stats.ActiveWorkers
		total.QueueDepth += stats.QueueDepth
		total.Submitted += stats.Submitted
		total.Completed += stats.Completed
		total.Failed += stats.Failed
		total.TimedOut += stats.TimedOut
		total.LateReplies += stats.LateReplies
	}
	return total
}

// ActiveRuns returns the number of runs currently executing.
func (s *RunService) ActiveRuns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// Shutdown cancels all active runs and waits for their goroutines up
// to the context deadline.
func (s *RunService) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	for id, act := range s.active {
		s.logger.Debug("cancelling run for shutdown", slog.String("run_id", id))
		act.cancel()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for runs to stop: %w", ctx.Err())
	}
}

// runStages builds the weighted progress stages of a conversion run.
// Converting dominates the wall time, so it carries most of the
// weight.
func runStages() []progress.StageInfo {
	return []progress.StageInfo{
		{ID: stageScan, Name: "Scan inputs", Weight: 0.2},
		{ID: stageConvert, Name: "Convert images", Weight: 0.75},
		{ID: stageFinalize, Name: "Finalize outputs", Weight: 0.05},
	}
}

// outputName maps an input's run-relative path to its output name by
// swapping the extension for the output format's canonical one.
func outputName(relPath string, format codec.Format) string {
	return strings.TrimSuffix(relPath, path.Ext(relPath)) + format.Ext()
}

// execute drives one run to a terminal state.
func (s *RunService) execute(ctx context.Context, run *Run, mgr *progress.OperationManager) {
	defer s.wg.Done()
	log := observability.WithRunID(s.logger, run.ID)

	s.setState(run, RunStateRunning)

	scanStage := mgr.StartStage(stageScan)
	inputs, cleanup, err := s.stageRemoteInputs(ctx, log, run.Inputs)
	if err != nil {
		scanStage.Fail(err)
		s.finish(ctx, run, mgr, log, fmt.Errorf("fetching remote inputs: %w", err))
		return
	}
	defer cleanup()

	listing, err := scanner.New(s.cfg.Scan, log).Scan(ctx, inputs)
	if err != nil {
		scanStage.Fail(err)
		s.finish(ctx, run, mgr, log, fmt.Errorf("scanning inputs: %w", err))
		return
	}
	defer listing.Close()

	scanStats := listing.Stats()
	s.mu.Lock()
	run.Stats.Scanned = scanStats.Scanned
	run.Stats.Matched = scanStats.Matched
	run.Stats.SkippedScan = scanStats.Skipped
	s.mu.Unlock()
	scanStage.SetItemProgress(scanStats.Matched, scanStats.Matched, "")
	scanStage.Complete()

	if listing.Len() == 0 {
		log.Info("no decodable images found", slog.Int("scanned", scanStats.Scanned))
		mgr.StartStage(stageFinalize).Complete()
		s.finish(ctx, run, mgr, log, nil)
		return
	}

	if err := s.convert(ctx, run, mgr, log, listing); err != nil {
		s.finish(ctx, run, mgr, log, err)
		return
	}

	finalizeStage := mgr.StartStage(stageFinalize)
	finalizeStage.Complete()
	s.finish(ctx, run, mgr, log, nil)
}

// stageRemoteInputs downloads URL inputs to a staging directory so the
// scanner sees only local files. Local paths pass through untouched.
// The returned cleanup removes the staged files and is safe to call
// when nothing was staged.
func (s *RunService) stageRemoteInputs(ctx context.Context, log *slog.Logger, inputs []string) ([]string, func(), error) {
	noop := func() {}

	hasRemote := false
	for _, input := range inputs {
		if fetch.IsRemoteURL(input) {
			hasRemote = true
			break
		}
	}
	if !hasRemote {
		return inputs, noop, nil
	}
	if s.fetcher == nil {
		return nil, noop, fmt.Errorf("remote inputs need fetching enabled")
	}

	stageDir, err := os.MkdirTemp("", "imgarr-fetch-*")
	if err != nil {
		return nil, noop, fmt.Errorf("creating staging directory: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(stageDir); err != nil {
			log.Warn("removing staged downloads failed", slog.String("error", err.Error()))
		}
	}

	staged := make([]string, 0, len(inputs))
	for i, input := range inputs {
		if !fetch.IsRemoteURL(input) {
			staged = append(staged, input)
			continue
		}
		path, err := s.fetchInput(ctx, stageDir, i, input)
		if err != nil {
			cleanup()
			return nil, noop, err
		}
		log.Debug("remote input staged",
			slog.String("url", input),
			slog.String("path", path))
		staged = append(staged, path)
	}
	return staged, cleanup, nil
}

// fetchInput downloads one URL into its own staging subdirectory. The
// numbered subdirectory keeps same-named downloads apart while the
// file itself keeps the URL's base name, so outputs mirror it.
func (s *RunService) fetchInput(ctx context.Context, stageDir string, index int, rawURL string) (string, error) {
	dir := filepath.Join(stageDir, fmt.Sprintf("%03d", index))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}

	target := filepath.Join(dir, remoteBaseName(rawURL))
	f, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("creating staged file: %w", err)
	}

	_, err = s.fetcher.Download(ctx, rawURL, f)
	closeErr := f.Close()
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", rawURL, err)
	}
	if closeErr != nil {
		return "", fmt.Errorf("writing staged file: %w", closeErr)
	}
	return target, nil
}

// remoteBaseName derives a staged file name from the URL path.
func remoteBaseName(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
			return base
		}
	}
	return "input"
}

// convert fans the listing out to a fresh worker pool and collects
// every terminal result. It returns an error only for pool failures;
// per-file failures are counted in the run stats.
func (s *RunService) convert(ctx context.Context, run *Run, mgr *progress.OperationManager, log *slog.Logger, listing *scanner.Listing) error {
	convertStage := mgr.StartStage(stageConvert)
	convertStart := time.Now()
	total := listing.Len()

	proc := newConvertProcessor(s.backend, s.store, run.ID, run.Format, run.Compression, s.cfg.Output.Overwrite, log)
	if s.router != nil {
		proc = proc.withRouter(s.router)
	}
	pool, err := dispatch.NewPool(dispatch.PoolConfig{
		Workers:    s.cfg.Pool.Workers,
		QueueSize:  s.cfg.Pool.QueueSize,
		JobTimeout: s.cfg.Pool.JobTimeout,
		Processor:  proc,
		Logger:     log,
	})
	if err != nil {
		convertStage.Fail(err)
		return fmt.Errorf("creating worker pool: %w", err)
	}
	if err := pool.Start(ctx); err != nil {
		convertStage.Fail(err)
		return fmt.Errorf("starting worker pool: %w", err)
	}

	s.mu.RLock()
	act := s.active[run.ID]
	s.mu.RUnlock()
	if act != nil {
		act.setPool(pool)
	}

	// Collect results concurrently with submission. Exactly-once
	// delivery means the consumer can stop after one result per
	// submitted job, even when a worker is stuck past its timeout.
	expectedCh := make(chan int, 1)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		received := 0
		want := -1
		for {
			if want >= 0 && received >= want {
				return
			}
			select {
			case res, ok := <-pool.Results():
				if !ok {
					return
				}
				received++
				s.recordResult(run, mgr, convertStage, log, res, received, total, convertStart)
			case n := <-expectedCh:
				want = n
			}
		}
	}()

	submitted := 0
	iterErr := listing.For(func(_ int, c *scanner.Candidate) bool {
		job := dispatch.NewJob(c.Path, outputName(c.RelPath, run.Format), run.Options)
		if !s.submitJob(ctx, pool, log, job) {
			return false
		}
		submitted++
		return true
	})

	s.mu.Lock()
	run.Stats.Submitted = submitted
	s.mu.Unlock()

	expectedCh <- submitted
	<-consumerDone

	// The queue is empty and every result is in; the deadline only
	// matters when a worker is stuck in a job past its timeout.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer drainCancel()
	if err := pool.Shutdown(drainCtx); err != nil {
		log.Warn("worker pool released with workers still busy", slog.String("error", err.Error()))
	}

	if iterErr != nil {
		convertStage.Fail(iterErr)
		return fmt.Errorf("iterating scan listing: %w", iterErr)
	}
	if err := ctx.Err(); err != nil {
		convertStage.Fail(err)
		return err
	}

	convertStage.Complete()
	return nil
}

// submitJob submits with backpressure: a full queue waits for workers
// to drain instead of failing the run.
func (s *RunService) submitJob(ctx context.Context, pool *dispatch.Pool, log *slog.Logger, job *dispatch.Job) bool {
	for {
		err := pool.Submit(job)
		if err == nil {
			return true
		}
		if !errors.Is(err, dispatch.ErrQueueFull) {
			log.Error("submitting job failed",
				slog.String("job_id", job.ID.String()),
				slog.String("error", err.Error()))
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// recordResult folds one terminal job result into the run stats and
// progress stream.
func (s *RunService) recordResult(run *Run, mgr *progress.OperationManager, stage *progress.StageUpdater, log *slog.Logger, res dispatch.Result, done, total int, started time.Time) {
	s.mu.Lock()
	switch res.State {
	case dispatch.JobStateCompleted:
		run.Stats.Converted++
		if res.Outcome != nil {
			run.Stats.InputBytes += res.Outcome.InputBytes
			run.Stats.OutputBytes += res.Outcome.OutputBytes
		}
	case dispatch.JobStateTimedOut:
		run.Stats.TimedOut++
	default:
		run.Stats.Failed++
	}
	s.mu.Unlock()

	item := ""
	if res.Job != nil {
		item = res.Job.OutputPath
	}
	stage.SetItemProgress(done, total, item)

	if done%etaInterval == 0 || done == total {
		if eta, ok := estimateRemaining(started, done, total); ok {
			mgr.SetMetadata("eta_seconds", int(eta.Seconds()))
		}
	}

	switch res.State {
	case dispatch.JobStateCompleted:
		output := item
		if res.Outcome != nil {
			output = res.Outcome.OutputPath
		}
		log.Debug("file converted",
			slog.String("job_id", res.JobID.String()),
			slog.String("output", output),
			slog.Duration("duration", res.Duration))
	case dispatch.JobStateTimedOut:
		log.Warn("file conversion timed out",
			slog.String("job_id", res.JobID.String()),
			slog.String("item", item),
			slog.Duration("duration", res.Duration))
	default:
		log.Warn("file conversion failed",
			slog.String("job_id", res.JobID.String()),
			slog.String("item", item),
			slog.String("error", res.Err.Error()))
	}
}

// estimateRemaining projects the time left from the average pace so
// far.
func estimateRemaining(started time.Time, done, total int) (time.Duration, bool) {
	if done <= 0 || total <= done {
		return 0, false
	}
	elapsed := time.Since(started)
	perItem := elapsed / time.Duration(done)
	return perItem * time.Duration(total-done), true
}

// setState transitions a run to a non-terminal state.
func (s *RunService) setState(run *Run, state RunState) {
	s.mu.Lock()
	run.State = state
	s.mu.Unlock()
}

// finish drives the run to its terminal state, reports it to the
// progress operation and releases the run's active entry. A cancelled
// run's partial outputs are removed so the output tree never holds
// half a run. The run state flips last: once GetRun reports a
// terminal state every side effect has already landed.
func (s *RunService) finish(ctx context.Context, run *Run, mgr *progress.OperationManager, log *slog.Logger, err error) {
	cancelled := errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled)

	s.mu.RLock()
	stats := run.Stats
	s.mu.RUnlock()

	if cancelled {
		if rmErr := s.store.RemoveRun(run.ID); rmErr != nil {
			log.Warn("removing partial outputs failed", slog.String("error", rmErr.Error()))
		}
	}

	mgr.SetMetadata("converted", stats.Converted)
	mgr.SetMetadata("failed", stats.Failed)
	mgr.SetMetadata("timed_out", stats.TimedOut)
	mgr.SetMetadata("output_bytes", stats.OutputBytes)

	switch {
	case cancelled:
		mgr.Cancel()
	case err != nil:
		mgr.Fail(err)
	default:
		mgr.Complete(fmt.Sprintf("Converted %d of %d images", stats.Converted, stats.Matched))
	}

	now := time.Now()
	s.mu.Lock()
	run.CompletedAt = &now
	switch {
	case cancelled:
		run.State = RunStateCancelled
	case err != nil:
		run.State = RunStateFailed
		run.Error = err.Error()
	default:
		run.State = RunStateCompleted
	}
	delete(s.active, run.ID)
	s.mu.Unlock()

	switch {
	case cancelled:
		log.Info("run cancelled",
			slog.Int("converted", stats.Converted),
			slog.Int("submitted", stats.Submitted))
	case err != nil:
		log.Error("run failed", slog.String("error", err.Error()))
	default:
		log.Info("run completed",
			slog.Int("scanned", stats.Scanned),
			slog.Int("matched", stats.Matched),
			slog.Int("converted", stats.Converted),
			slog.Int("failed", stats.Failed),
			slog.Int("timed_out", stats.TimedOut),
			slog.Int64("input_bytes", stats.InputBytes),
			slog.Int64("output_bytes", stats.OutputBytes),
			slog.Duration("duration", now.Sub(run.StartedAt)))
	}
}
