package harvest

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cordis-cli/internal/fault"
	"github.com/sells-group/cordis-cli/internal/fetcher"
	"github.com/sells-group/cordis-cli/internal/programme"
	"github.com/sells-group/cordis-cli/internal/sink"
)

const cordisNS = "http://cordis.europa.eu"

func projectXML(rcn, acronym string, orders ...int) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<?xml version="1.0" encoding="UTF-8"?><project xmlns=%q><rcn>%s</rcn><acronym>%s</acronym><relations><associations>`, cordisNS, rcn, acronym)
	for _, o := range orders {
		fmt.Fprintf(&b, `<organization type="participant" order="%d"><id>org-%s-%d</id><legalName>Org %d</legalName></organization>`, o, rcn, o, o)
	}
	b.WriteString(`</associations></relations></project>`)
	return b.String()
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

type fixture struct {
	srv    *httptest.Server
	hits   atomic.Int64
	rawDir string
	outDir string
}

func newFixture(t *testing.T, bodies map[string][]byte) *fixture {
	t.Helper()
	fx := &fixture{rawDir: t.TempDir(), outDir: t.TempDir()}
	fx.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fx.hits.Add(1)
		body, ok := bodies[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(fx.srv.Close)
	return fx
}

func (fx *fixture) archive(id, file string) programme.Descriptor {
	return programme.Descriptor{
		ID:           id,
		Kind:         programme.ArchiveOfXML,
		URLs:         []string{fx.srv.URL + "/data/" + file},
		Namespaces:   map[string]string{"c": cordisNS},
		FieldPrefix:  "c",
		MetadataFile: "metadata.xml",
	}
}

func (fx *fixture) flat(id string, files ...string) programme.Descriptor {
	d := programme.Descriptor{ID: id, Kind: programme.FlatCSVList}
	for _, f := range files {
		d.URLs = append(d.URLs, fx.srv.URL+"/data/"+strings.ToUpper(id)+"/"+f)
	}
	return d
}

func (fx *fixture) engine(t *testing.T, descs ...programme.Descriptor) *Engine {
	t.Helper()
	reg, err := programme.NewRegistry(descs...)
	require.NoError(t, err)
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{Timeout: 5 * time.Second, RatePerSec: 1000})
	return NewEngine(reg, f, fx.rawDir, fx.outDir, sink.Options{})
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func resultFor(t *testing.T, r *Report, id string) Result {
	t.Helper()
	for _, res := range r.Results {
		if res.Programme == id {
			return res
		}
	}
	t.Fatalf("no result for %s", id)
	return Result{}
}

func TestRun_ArchiveProgramme(t *testing.T) {
	fx := newFixture(t, map[string][]byte{
		"/data/cordis-h2020projects-xml.zip": zipBytes(t, map[string]string{
			"project-a.xml": projectXML("100", "ALPHA", 1, 2, 3),
			"project-b.xml": projectXML("200", "BETA"),
			"metadata.xml":  `<dataset><title>CORDIS H2020</title></dataset>`,
		}),
	})
	e := fx.engine(t, fx.archive("h2020", "cordis-h2020projects-xml.zip"))

	report, err := e.Run(context.Background(), RunOpts{})
	require.NoError(t, err)
	require.Len(t, report.Results, 1)

	res := report.Results[0]
	assert.Equal(t, Processed, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Equal(t, 2, res.Projects, "metadata file is not a project")
	assert.Equal(t, 3, res.Organisations)
	assert.Empty(t, res.RecordErrors)
	assert.NotEmpty(t, report.RunID)

	projects, organisations := sink.Paths("h2020", fx.outDir)
	assert.Equal(t, "100\t\\N\talpha\t\\N\t\\N\t\\N\t\\N\t\\N\t\\N\t\\N\t\\N\n"+
		"200\t\\N\tbeta\t\\N\t\\N\t\\N\t\\N\t\\N\t\\N\t\\N\t\\N\n", readFile(t, projects))

	lines := strings.Split(strings.TrimSpace(readFile(t, organisations)), "\n")
	require.Len(t, lines, 3)
	for i, line := range lines {
		cols := strings.Split(line, "\t")
		assert.Equal(t, "100", cols[0], "every organisation keyed to its project")
		assert.Equal(t, fmt.Sprint(i+1), cols[2], "document order preserved")
	}
}

func TestRun_IdempotentSecondRun(t *testing.T) {
	fx := newFixture(t, map[string][]byte{
		"/data/cordis-fp7projects-xml.zip": zipBytes(t, map[string]string{
			"p1.xml": projectXML("1", "ONE", 1),
			"p2.xml": projectXML("2", "TWO", 1, 2),
		}),
		"/data/FP6/cordis-fp6projects.csv":      []byte("rcn;title\n"),
		"/data/FP6/cordis-fp6organizations.csv": []byte("rcn;name\n"),
	})
	e := fx.engine(t,
		fx.archive("fp7", "cordis-fp7projects-xml.zip"),
		fx.flat("fp6", "cordis-fp6projects.csv", "cordis-fp6organizations.csv"),
	)

	first, err := e.Run(context.Background(), RunOpts{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Count(Processed))
	assert.Equal(t, 1, first.Count(Staged))
	hits := fx.hits.Load()
	assert.Equal(t, int64(3), hits)

	projects, organisations := sink.Paths("fp7", fx.outDir)
	before := readFile(t, projects) + readFile(t, organisations)

	second, err := e.Run(context.Background(), RunOpts{})
	require.NoError(t, err)
	assert.Equal(t, hits, fx.hits.Load(), "second run performs no network requests")
	assert.Equal(t, Skipped, resultFor(t, second, "fp7").Outcome)
	assert.Equal(t, Staged, resultFor(t, second, "fp6").Outcome)
	assert.Equal(t, before, readFile(t, projects)+readFile(t, organisations))
}

func TestRun_MalformedRecordIsSkipped(t *testing.T) {
	fx := newFixture(t, map[string][]byte{
		"/data/cordis-fp7projects-xml.zip": zipBytes(t, map[string]string{
			"good.xml": projectXML("1", "GOOD", 1),
			"bad.xml":  `<project xmlns="http://cordis.europa.eu"><rcn>2</acronym></project>`,
		}),
	})
	e := fx.engine(t, fx.archive("fp7", "cordis-fp7projects-xml.zip"))

	report, err := e.Run(context.Background(), RunOpts{})
	require.NoError(t, err)

	res := report.Results[0]
	assert.Equal(t, Processed, res.Outcome)
	assert.Equal(t, 1, res.Projects)
	require.Len(t, res.RecordErrors, 1)
	assert.ErrorIs(t, res.RecordErrors[0], fault.ErrMalformedRecord)
	assert.Equal(t, 1, report.MalformedRecords())
}

func TestRun_ExistingOutputsSkipExtraction(t *testing.T) {
	fx := newFixture(t, map[string][]byte{
		"/data/cordis-fp7projects-xml.zip": zipBytes(t, map[string]string{
			"p.xml": projectXML("7", "SEVEN"),
		}),
	})
	// fp6 is already extracted and has outputs; a malformed record would be
	// reported if it were extracted again.
	require.NoError(t, os.MkdirAll(filepath.Join(fx.rawDir, "cordis-fp6projects-xml"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(fx.rawDir, "cordis-fp6projects-xml", "x.xml"), []byte("<broken"), 0o644))
	projects, organisations := sink.Paths("fp6", fx.outDir)
	require.NoError(t, os.WriteFile(projects, []byte("keep\n"), 0o644))
	require.NoError(t, os.WriteFile(organisations, []byte("keep\n"), 0o644))

	e := fx.engine(t,
		fx.archive("fp6", "cordis-fp6projects-xml.zip"),
		fx.archive("fp7", "cordis-fp7projects-xml.zip"),
	)
	report, err := e.Run(context.Background(), RunOpts{})
	require.NoError(t, err)

	fp6 := resultFor(t, report, "fp6")
	assert.Equal(t, Skipped, fp6.Outcome)
	assert.Empty(t, fp6.RecordErrors)
	assert.Equal(t, "keep\n", readFile(t, projects))
	assert.Equal(t, "keep\n", readFile(t, organisations))

	assert.Equal(t, Processed, resultFor(t, report, "fp7").Outcome)
	assert.Equal(t, int64(1), fx.hits.Load(), "only fp7 was downloaded")
}

func TestRun_HalfPairIsReprocessed(t *testing.T) {
	fx := newFixture(t, map[string][]byte{
		"/data/cordis-fp7projects-xml.zip": zipBytes(t, map[string]string{"p.xml": projectXML("7", "SEVEN", 1)}),
	})
	projects, organisations := sink.Paths("fp7", fx.outDir)
	require.NoError(t, os.WriteFile(projects, []byte("stale\n"), 0o644))

	report, err := fx.engine(t, fx.archive("fp7", "cordis-fp7projects-xml.zip")).Run(context.Background(), RunOpts{})
	require.NoError(t, err)
	assert.Equal(t, Processed, report.Results[0].Outcome)
	assert.True(t, strings.HasPrefix(readFile(t, projects), "7\t"))
	assert.FileExists(t, organisations)
}

func TestRun_FailureDoesNotStopOtherProgrammes(t *testing.T) {
	fx := newFixture(t, map[string][]byte{
		"/data/cordis-fp7projects-xml.zip": zipBytes(t, map[string]string{"p.xml": projectXML("7", "SEVEN")}),
		"/data/corrupt.zip":                []byte("PK\x03\x04 definitely not a zip"),
	})
	e := fx.engine(t,
		fx.archive("horizon", "cordis-HORIZONprojects-xml.zip"),
		fx.archive("h2020", "corrupt.zip"),
		fx.archive("fp7", "cordis-fp7projects-xml.zip"),
	)

	report, err := e.Run(context.Background(), RunOpts{})
	require.NoError(t, err)

	horizon := resultFor(t, report, "horizon")
	assert.Equal(t, Failed, horizon.Outcome)
	assert.ErrorIs(t, horizon.Err, fault.ErrFetchFailed)

	h2020 := resultFor(t, report, "h2020")
	assert.Equal(t, Failed, h2020.Outcome)
	assert.ErrorIs(t, h2020.Err, fault.ErrExtractionFailed)

	assert.Equal(t, Processed, resultFor(t, report, "fp7").Outcome)

	for _, id := range []string{"horizon", "h2020"} {
		ok, err := sink.Exists(id, fx.outDir)
		require.NoError(t, err)
		assert.False(t, ok, "failed programme %s leaves no output pair", id)
	}
	assert.NoFileExists(t, filepath.Join(fx.rawDir, "cordis-HORIZONprojects-xml.zip"))
}

func TestRun_UnknownProgrammeSelection(t *testing.T) {
	fx := newFixture(t, map[string][]byte{
		"/data/FP5/cordis-fp5projects.csv": []byte("x"),
	})
	e := fx.engine(t, fx.flat("fp5", "cordis-fp5projects.csv"))

	report, err := e.Run(context.Background(), RunOpts{Programmes: []string{"fp9", "fp5"}})
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	assert.Equal(t, "fp9", report.Results[0].Programme)
	assert.Equal(t, Failed, report.Results[0].Outcome)
	assert.ErrorIs(t, report.Results[0].Err, fault.ErrUnknownProgramme)
	assert.Equal(t, Staged, report.Results[1].Outcome)
}

func TestRun_FlatProgrammePublished(t *testing.T) {
	fx := newFixture(t, map[string][]byte{
		"/data/FP4/cordis-fp4projects.csv": []byte("rcn;title\n1;\"x\"\n"),
	})
	e := fx.engine(t, fx.flat("fp4", "cordis-fp4projects.csv", "cordis-fp4organizations.csv"))

	report, err := e.Run(context.Background(), RunOpts{})
	require.NoError(t, err)

	res := report.Results[0]
	assert.Equal(t, Failed, res.Outcome, "missing organizations file fails the programme")
	assert.ErrorIs(t, res.Err, fault.ErrFetchFailed)
	assert.Equal(t, []string{filepath.Join(fx.outDir, "cordis-fp4projects.csv")}, res.Files)

	assert.Equal(t, "rcn;title\n1;\"x\"\n", readFile(t, filepath.Join(fx.rawDir, "cordis-fp4projects.csv")))
	assert.Equal(t, "rcn;title\n1;\"x\"\n", readFile(t, filepath.Join(fx.outDir, "cordis-fp4projects.csv")))
	assert.NoFileExists(t, filepath.Join(fx.rawDir, "cordis-fp4organizations.csv"))
}

func TestRun_ParallelMatchesSequential(t *testing.T) {
	bodies := map[string][]byte{}
	for _, id := range []string{"a", "b", "c", "d"} {
		file := "cordis-" + id + "projects-xml.zip"
		bodies["/data/"+file] = zipBytes(t, map[string]string{
			"1.xml": projectXML(id+"1", id, 1, 2),
			"2.xml": projectXML(id+"2", id, 1),
		})
	}
	descsFor := func(fx *fixture) []programme.Descriptor {
		var out []programme.Descriptor
		for _, id := range []string{"a", "b", "c", "d"} {
			out = append(out, fx.archive(id, "cordis-"+id+"projects-xml.zip"))
		}
		return out
	}

	seq := newFixture(t, bodies)
	_, err := seq.engine(t, descsFor(seq)...).Run(context.Background(), RunOpts{Parallel: 1})
	require.NoError(t, err)

	par := newFixture(t, bodies)
	report, err := par.engine(t, descsFor(par)...).Run(context.Background(), RunOpts{Parallel: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, report.Count(Processed))

	for _, id := range []string{"a", "b", "c", "d"} {
		sp, so := sink.Paths(id, seq.outDir)
		pp, po := sink.Paths(id, par.outDir)
		assert.Equal(t, readFile(t, sp), readFile(t, pp))
		assert.Equal(t, readFile(t, so), readFile(t, po))
	}
}

func TestRun_Cancelled(t *testing.T) {
	fx := newFixture(t, nil)
	e := fx.engine(t, fx.archive("fp7", "cordis-fp7projects-xml.zip"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := e.Run(ctx, RunOpts{})
	require.Error(t, err)
	require.NotNil(t, report)
	assert.Equal(t, Failed, report.Results[0].Outcome)
	assert.Equal(t, int64(0), fx.hits.Load())
}

func TestRun_DuplicateSelectionRunsOnce(t *testing.T) {
	fx := newFixture(t, map[string][]byte{
		"/data/cordis-fp7projects-xml.zip": zipBytes(t, map[string]string{"p.xml": projectXML("7", "SEVEN", 1)}),
	})
	e := fx.engine(t, fx.archive("fp7", "cordis-fp7projects-xml.zip"))

	report, err := e.Run(context.Background(), RunOpts{Programmes: []string{"fp7", "fp7", "fp7"}, Parallel: 3})
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, Processed, report.Results[0].Outcome)
	assert.Equal(t, int64(1), fx.hits.Load())
}
