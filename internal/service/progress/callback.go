package progress

// ProgressReporter is what run stages hand to workers: a narrow
// reporting surface that hides the service and stage bookkeeping.
type ProgressReporter interface {
	// ReportProgress reports fractional progress (0 to 1) and an
	// optional message.
	ReportProgress(progress float64, message string)

	// ReportItemProgress reports progress as a count of items done.
	ReportItemProgress(current, total int, itemName string)
}

// stageReporter adapts a StageUpdater to the ProgressReporter shape.
type stageReporter struct {
	updater *StageUpdater
}

func (r *stageReporter) ReportProgress(progress float64, message string) {
	if r.updater != nil {
		r.updater.SetProgress(progress, message)
	}
}

func (r *stageReporter) ReportItemProgress(current, total int, itemName string) {
	if r.updater != nil {
		r.updater.SetItemProgress(current, total, itemName)
	}
}

// NilReporter discards all reports. Used where a run executes without
// progress tracking, such as one-shot CLI conversions with --quiet.
type NilReporter struct{}

func (NilReporter) ReportProgress(float64, string) {}

func (NilReporter) ReportItemProgress(int, int, string) {}

var (
	_ ProgressReporter = (*stageReporter)(nil)
	_ ProgressReporter = NilReporter{}
)
