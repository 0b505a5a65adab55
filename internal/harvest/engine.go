// Package harvest runs the CORDIS pipeline across programme generations.
package harvest

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/cordis-cli/internal/extract"
	"github.com/sells-group/cordis-cli/internal/fault"
	"github.com/sells-group/cordis-cli/internal/fetcher"
	"github.com/sells-group/cordis-cli/internal/programme"
	"github.com/sells-group/cordis-cli/internal/sink"
	"github.com/sells-group/cordis-cli/internal/staging"
)

// Engine orchestrates fetch, extraction and output for each programme.
type Engine struct {
	reg      *programme.Registry
	stager   *staging.Stager
	rawDir   string
	outDir   string
	sinkOpts sink.Options
}

// RunOpts configures which programmes to process and how.
type RunOpts struct {
	Programmes []string // restrict to these ids, in this order
	Parallel   int      // programmes processed at once; <= 1 is sequential
}

// NewEngine creates an engine staging raw data in rawDir and writing
// outputs to outDir.
func NewEngine(reg *programme.Registry, f fetcher.Fetcher, rawDir, outDir string, sinkOpts sink.Options) *Engine {
	return &Engine{
		reg:      reg,
		stager:   staging.New(f, rawDir),
		rawDir:   rawDir,
		outDir:   outDir,
		sinkOpts: sinkOpts,
	}
}

// Run processes every selected programme. A programme's failure is recorded
// in the report and never stops the others; the returned error is non-nil
// only if ctx was cancelled.
func (e *Engine) Run(ctx context.Context, opts RunOpts) (*Report, error) {
	report := &Report{RunID: uuid.New().String()}
	log := zap.L().With(zap.String("component", "harvest.engine"), zap.String("run_id", report.RunID))

	ids := uniqueIDs(opts.Programmes)
	if len(ids) == 0 {
		ids = e.reg.IDs()
	}
	report.Results = make([]Result, len(ids))

	log.Info("selected programmes", zap.Strings("programmes", ids), zap.Int("parallel", opts.Parallel))

	g, gctx := errgroup.WithContext(ctx)
	if opts.Parallel > 1 {
		g.SetLimit(opts.Parallel)
	} else {
		g.SetLimit(1)
	}

	for i, id := range ids {
		g.Go(func() error {
			start := time.Now()
			res := e.runOne(gctx, id, log.With(zap.String("programme", id)))
			res.Elapsed = time.Since(start)
			report.Results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	log.Info("harvest run complete",
		zap.Int("processed", report.Count(Processed)),
		zap.Int("staged", report.Count(Staged)),
		zap.Int("skipped", report.Count(Skipped)),
		zap.Int("failed", report.Count(Failed)),
	)

	if err := ctx.Err(); err != nil {
		return report, eris.Wrap(err, "harvest: run cancelled")
	}
	return report, nil
}

// uniqueIDs drops repeated ids, keeping first occurrences in order. A
// programme owns its raw and output paths, so it must run at most once.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (e *Engine) runOne(ctx context.Context, id string, log *zap.Logger) Result {
	res := Result{Programme: id}

	if err := ctx.Err(); err != nil {
		return res.fail(log, err)
	}

	d, err := e.reg.Describe(id)
	if err != nil {
		return res.fail(log, err)
	}
	res.Kind = d.Kind

	switch d.Kind {
	case programme.ArchiveOfXML:
		return e.harvestArchive(ctx, d, res, log)
	case programme.FlatCSVList:
		return e.stageFlat(ctx, d, res, log)
	default:
		return res.fail(log, eris.Errorf("harvest: unsupported kind %q", d.Kind))
	}
}

func (e *Engine) harvestArchive(ctx context.Context, d programme.Descriptor, res Result, log *zap.Logger) Result {
	dir, err := e.stager.EnsureArchiveExtracted(ctx, d)
	if err != nil {
		return res.fail(log, err)
	}

	done, err := sink.Exists(d.ID, e.outDir)
	if err != nil {
		return res.fail(log, err)
	}
	if done {
		log.Info("outputs present, skipping extraction")
		res.Outcome = Skipped
		return res
	}

	ex, err := extract.New(d.Namespaces, d.FieldPrefix)
	if err != nil {
		return res.fail(log, err)
	}

	records, recordErrs, err := extractDir(ctx, ex, dir, log)
	if err != nil {
		return res.fail(log, err)
	}
	res.RecordErrors = recordErrs

	sum, err := sink.WriteProgrammeOutputs(d.ID, records, e.outDir, e.sinkOpts)
	if err != nil {
		return res.fail(log, err)
	}

	res.Outcome = Processed
	res.Projects = sum.Projects
	res.Organisations = sum.Organisations
	log.Info("programme processed",
		zap.Int("projects", sum.Projects),
		zap.Int("organisations", sum.Organisations),
		zap.Int("malformed_records", len(recordErrs)),
	)
	return res
}

// extractDir extracts every file under dir in lexical order. Files that
// fail are reported and skipped.
func extractDir(ctx context.Context, ex *extract.Extractor, dir string, log *zap.Logger) ([]extract.Record, []error, error) {
	var (
		records []extract.Record
		errs    []error
	)
	err := filepath.WalkDir(dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return eris.Wrapf(err, "harvest: walk %s", path)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !de.Type().IsRegular() {
			return nil
		}
		rec, err := ex.ExtractFile(path)
		if err != nil {
			log.Warn("skipping record", zap.String("path", path), zap.String("kind", fault.KindOf(err).String()), zap.Error(err))
			errs = append(errs, err)
			return nil
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return records, errs, nil
}

func (e *Engine) stageFlat(ctx context.Context, d programme.Descriptor, res Result, log *zap.Logger) Result {
	paths, fetchErr := e.stager.EnsureFilesPresent(ctx, d.URLs, e.rawDir)

	published, err := staging.Publish(paths, e.outDir)
	res.Files = published
	if err = multierr.Append(fetchErr, err); err != nil {
		return res.fail(log, err)
	}

	res.Outcome = Staged
	log.Info("flat files staged", zap.Strings("files", published))
	return res
}
