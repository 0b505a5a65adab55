package fetcher

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

// Mux routes each URL to a Fetcher by scheme.
type Mux struct {
	schemes map[string]Fetcher
}

// NewMux returns a Mux serving http and https with h and ftp with f.
func NewMux(h *HTTPFetcher, f *FTPFetcher) *Mux {
	return &Mux{schemes: map[string]Fetcher{
		"http":  h,
		"https": h,
		"ftp":   f,
	}}
}

func (m *Mux) route(rawURL string) (Fetcher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "parse url")
	}
	f, ok := m.schemes[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, eris.Errorf("unsupported scheme %q in %s", u.Scheme, rawURL)
	}
	return f, nil
}

// Download implements Fetcher.
func (m *Mux) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	f, err := m.route(rawURL)
	if err != nil {
		return nil, err
	}
	return f.Download(ctx, rawURL)
}

// DownloadToFile implements Fetcher.
func (m *Mux) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	f, err := m.route(rawURL)
	if err != nil {
		return 0, err
	}
	return f.DownloadToFile(ctx, rawURL, path)
}
