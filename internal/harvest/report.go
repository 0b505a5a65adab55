package harvest

import (
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/cordis-cli/internal/fault"
	"github.com/sells-group/cordis-cli/internal/programme"
)

// Outcome is what a run did with one programme.
type Outcome string

const (
	// Processed means records were extracted and outputs written.
	Processed Outcome = "processed"
	// Skipped means both outputs already existed.
	Skipped Outcome = "skipped"
	// Staged means flat files are present and published.
	Staged Outcome = "staged"
	// Failed means the programme could not be completed this run.
	Failed Outcome = "failed"
)

// Result is the outcome for one programme.
type Result struct {
	Programme     string
	Kind          programme.Kind
	Outcome       Outcome
	Projects      int
	Organisations int
	Files         []string
	// RecordErrors holds files skipped during extraction.
	RecordErrors []error
	Err          error
	Elapsed      time.Duration
}

func (r Result) fail(log *zap.Logger, err error) Result {
	r.Outcome = Failed
	r.Err = err
	log.Error("programme failed",
		zap.String("kind", fault.KindOf(err).String()),
		zap.Bool("retryable", fault.Retryable(err)),
		zap.Error(err),
	)
	return r
}

// Report collects per-programme results of one run, in selection order.
type Report struct {
	RunID   string
	Results []Result
}

// Count returns how many programmes ended with outcome o.
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// MalformedRecords returns the number of record files skipped across the run.
func (r *Report) MalformedRecords() int {
	n := 0
	for _, res := range r.Results {
		n += len(res.RecordErrors)
	}
	return n
}
