// Package sink writes extracted CORDIS rows to per-programme TSV files.
package sink

import (
	"encoding/csv"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cordis-cli/internal/extract"
)

// DefaultAbsentMarker stands in for fields missing from a record.
const DefaultAbsentMarker = `\N`

// Paths returns the projects and organisations file paths for a programme.
func Paths(programmeID, dir string) (projects, organisations string) {
	return filepath.Join(dir, programmeID+"-projects.tsv"),
		filepath.Join(dir, programmeID+"-organisations.tsv")
}

// Exists reports whether both output files of a programme are present.
func Exists(programmeID, dir string) (bool, error) {
	projects, organisations := Paths(programmeID, dir)
	for _, p := range []string{projects, organisations} {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return false, nil
			}
			return false, eris.Wrapf(err, "sink: stat %s", p)
		}
	}
	return true, nil
}

// Summary counts rows written for one programme.
type Summary struct {
	Projects      int
	Organisations int
}

// Options configures row serialization.
type Options struct {
	// AbsentMarker replaces absent fields. Empty means DefaultAbsentMarker.
	AbsentMarker string
}

// ValidateMarker rejects absent markers that would be written quoted and
// so read back differently from the marker itself.
func ValidateMarker(marker string) error {
	if marker == "" {
		return nil
	}
	if strings.ContainsAny(marker, "\t\"\r\n") {
		return eris.Errorf("sink: absent marker %q contains a tab, quote or line break", marker)
	}
	if r, _ := utf8.DecodeRuneInString(marker); unicode.IsSpace(r) {
		return eris.Errorf("sink: absent marker %q starts with whitespace", marker)
	}
	if marker == `\.` {
		return eris.Errorf("sink: absent marker %q is reserved", marker)
	}
	return nil
}

// WriteProgrammeOutputs writes records as tab-delimited rows, each project
// row followed by its organisation rows, in the order given. Existing files
// are overwritten. Both files are written aside and renamed into place,
// organisations last, so the pair only exists once complete.
func WriteProgrammeOutputs(programmeID string, records []extract.Record, dir string, opts Options) (Summary, error) {
	marker := opts.AbsentMarker
	if marker == "" {
		marker = DefaultAbsentMarker
	}
	if err := ValidateMarker(marker); err != nil {
		return Summary{}, err
	}
	projectsPath, organisationsPath := Paths(programmeID, dir)

	projects, err := newTSVFile(projectsPath)
	if err != nil {
		return Summary{}, err
	}
	defer projects.discard()

	organisations, err := newTSVFile(organisationsPath)
	if err != nil {
		return Summary{}, err
	}
	defer organisations.discard()

	var sum Summary
	for _, rec := range records {
		if err := projects.write(rec.Project.Fields(), marker); err != nil {
			return Summary{}, err
		}
		sum.Projects++
		for _, org := range rec.Organisations {
			if err := organisations.write(org.Fields(), marker); err != nil {
				return Summary{}, err
			}
			sum.Organisations++
		}
	}

	// A stale organisations file must not pair with the new projects file.
	if err := os.Remove(organisationsPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Summary{}, eris.Wrapf(err, "sink: remove stale %s", organisationsPath)
	}
	if err := projects.commit(); err != nil {
		return Summary{}, err
	}
	if err := organisations.commit(); err != nil {
		return Summary{}, err
	}

	zap.L().Debug("sink: wrote programme outputs",
		zap.String("programme", programmeID),
		zap.Int("projects", sum.Projects),
		zap.Int("organisations", sum.Organisations),
	)
	return sum, nil
}

// tsvFile is a csv.Writer over a temp file destined for path.
type tsvFile struct {
	path string
	tmp  *os.File
	w    *csv.Writer
	row  []string
	done bool
}

func newTSVFile(path string) (*tsvFile, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".part-*")
	if err != nil {
		return nil, eris.Wrapf(err, "sink: create %s", path)
	}
	w := csv.NewWriter(tmp)
	w.Comma = '\t'
	return &tsvFile{path: path, tmp: tmp, w: w}, nil
}

func (f *tsvFile) write(fields []extract.Value, marker string) error {
	f.row = f.row[:0]
	for _, v := range fields {
		f.row = append(f.row, v.Or(marker))
	}
	if err := f.w.Write(f.row); err != nil {
		return eris.Wrapf(err, "sink: write %s", f.path)
	}
	return nil
}

func (f *tsvFile) commit() error {
	f.w.Flush()
	if err := f.w.Error(); err != nil {
		return eris.Wrapf(err, "sink: flush %s", f.path)
	}
	if err := f.tmp.Close(); err != nil {
		return eris.Wrapf(err, "sink: close %s", f.path)
	}
	if err := os.Rename(f.tmp.Name(), f.path); err != nil {
		return eris.Wrapf(err, "sink: publish %s", f.path)
	}
	f.done = true
	return nil
}

// discard removes the temp file unless it was committed.
func (f *tsvFile) discard() {
	if f.done {
		return
	}
	_ = f.tmp.Close()
	_ = os.Remove(f.tmp.Name())
}
