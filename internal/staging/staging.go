// Package staging makes remote CORDIS exports available on local disk exactly
// once. File existence is the only state: a present file or extraction
// directory is trusted and never re-fetched.
package staging

import (
	"context"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sells-group/cordis-cli/internal/fault"
	"github.com/sells-group/cordis-cli/internal/fetcher"
	"github.com/sells-group/cordis-cli/internal/programme"
)

// ResourceKind selects how a fetched resource is materialised locally.
type ResourceKind int

const (
	// File is kept as downloaded.
	File ResourceKind = iota
	// Archive is unpacked into a directory and the archive removed.
	Archive
)

// Resource is one remote artifact to stage.
type Resource struct {
	URL  string
	Kind ResourceKind
	// Dir overrides the stager's working directory.
	Dir string
	// Discard names files removed from an archive's extraction directory
	// before it is published.
	Discard []string
}

// Stager stages resources into a working directory.
type Stager struct {
	fetcher fetcher.Fetcher
	dir     string
}

// New returns a Stager that downloads with f into dir.
func New(f fetcher.Fetcher, dir string) *Stager {
	return &Stager{fetcher: f, dir: dir}
}

// LocalName derives a local filename from the last path segment of rawURL.
func LocalName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrapf(err, "staging: parse url %q", rawURL)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", eris.Errorf("staging: url %q has no file name", rawURL)
	}
	return name, nil
}

// ArchiveDirName returns the extraction directory name for an archive file,
// which is the file name up to its first dot.
func ArchiveDirName(archiveName string) string {
	base, _, _ := strings.Cut(archiveName, ".")
	return base
}

func exists(p string) (bool, error) {
	_, err := os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, eris.Wrapf(err, "staging: stat %s", p)
}

// Ensure makes res available locally and returns its path: the downloaded
// file for File resources, the extraction directory for Archive resources.
// Nothing is fetched when the target path already exists.
func (s *Stager) Ensure(ctx context.Context, res Resource) (string, error) {
	dir := res.Dir
	if dir == "" {
		dir = s.dir
	}

	name, err := LocalName(res.URL)
	if err != nil {
		return "", fault.New(fault.FetchFailed, res.URL, err)
	}

	log := zap.L().With(zap.String("component", "staging"), zap.String("url", res.URL))

	target := filepath.Join(dir, name)
	if res.Kind == Archive {
		target = filepath.Join(dir, ArchiveDirName(name))
	}

	ok, err := exists(target)
	if err != nil {
		return "", fault.New(fault.FetchFailed, res.URL, err)
	}
	if ok {
		log.Debug("already staged", zap.String("path", target))
		return target, nil
	}

	download := filepath.Join(dir, name)
	if res.Kind == Archive {
		ok, err = exists(download)
		if err != nil {
			return "", fault.New(fault.FetchFailed, res.URL, err)
		}
	}
	if !ok {
		log.Info("downloading", zap.String("path", download))
		n, err := s.fetcher.DownloadToFile(ctx, res.URL, download)
		if err != nil {
			return "", fault.New(fault.FetchFailed, res.URL, err)
		}
		log.Info("downloaded", zap.String("path", download), zap.Int64("bytes", n))
	}

	if res.Kind == File {
		return target, nil
	}

	if err := unpack(download, target, res.Discard); err != nil {
		// A corrupt archive is removed so the next run downloads it again.
		_ = os.Remove(download)
		return "", fault.New(fault.ExtractionFailed, download, err)
	}
	if err := os.Remove(download); err != nil {
		log.Warn("could not remove archive after extraction", zap.Error(err))
	}
	log.Info("extracted", zap.String("dir", target))
	return target, nil
}

// unpack extracts archive into a temp sibling of target and renames it into
// place, so target only ever exists fully extracted.
func unpack(archive, target string, discard []string) error {
	tmp, err := os.MkdirTemp(filepath.Dir(target), "."+filepath.Base(target)+".extract-*")
	if err != nil {
		return eris.Wrap(err, "staging: create extraction dir")
	}

	if _, err := fetcher.ExtractZIP(archive, tmp); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}

	for _, name := range discard {
		if name == "" {
			continue
		}
		if err := os.Remove(filepath.Join(tmp, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			_ = os.RemoveAll(tmp)
			return eris.Wrapf(err, "staging: discard %s", name)
		}
	}

	if err := os.Rename(tmp, target); err != nil {
		_ = os.RemoveAll(tmp)
		return eris.Wrap(err, "staging: publish extraction dir")
	}
	return nil
}

// EnsureArchiveExtracted stages an ArchiveOfXML programme and returns its
// extraction directory. The programme's metadata file is removed from it.
func (s *Stager) EnsureArchiveExtracted(ctx context.Context, d programme.Descriptor) (string, error) {
	if d.Kind != programme.ArchiveOfXML {
		return "", eris.Errorf("staging: programme %s is not an xml archive", d.ID)
	}
	var discard []string
	if d.MetadataFile != "" {
		discard = append(discard, d.MetadataFile)
	}
	return s.Ensure(ctx, Resource{URL: d.SourceURL(), Kind: Archive, Discard: discard})
}

// EnsureFilesPresent downloads every url whose file is missing from dir. A
// failure on one url does not stop the others; all failures are combined.
// Returns the paths that are present afterwards.
func (s *Stager) EnsureFilesPresent(ctx context.Context, urls []string, dir string) ([]string, error) {
	var (
		paths []string
		errs  error
	)
	for _, u := range urls {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, fault.New(fault.FetchFailed, u, ctx.Err()))
			continue
		}
		p, err := s.Ensure(ctx, Resource{URL: u, Kind: File, Dir: dir})
		if err != nil {
			zap.L().Error("flat file fetch failed", zap.String("url", u), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		paths = append(paths, p)
	}
	return paths, errs
}
