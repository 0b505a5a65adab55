package staging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// Publish copies each file verbatim into dir under its own name, skipping
// files already there. Returns the destination paths.
func Publish(files []string, dir string) ([]string, error) {
	out := make([]string, 0, len(files))
	for _, src := range files {
		dst := filepath.Join(dir, filepath.Base(src))
		ok, err := exists(dst)
		if err != nil {
			return out, err
		}
		if !ok {
			if err := copyFile(src, dst); err != nil {
				return out, err
			}
		}
		out = append(out, dst)
	}
	return out, nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "staging: open %s", src)
	}
	defer in.Close() //nolint:errcheck

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".part-*")
	if err != nil {
		return eris.Wrap(err, "staging: create copy")
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, in); err != nil {
		return eris.Wrapf(err, "staging: copy %s", src)
	}
	if err = tmp.Close(); err != nil {
		return eris.Wrap(err, "staging: close copy")
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return eris.Wrap(err, "staging: publish copy")
	}
	return nil
}
