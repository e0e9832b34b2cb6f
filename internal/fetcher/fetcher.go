// Package fetcher downloads adapter output files from HTTP(S) and FTP
// locations so they can be read like local files.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Fetcher downloads a remote resource.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// IsRemote reports whether src is an http, https or ftp URL.
func IsRemote(src string) bool {
	u, err := url.Parse(src)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ftp":
		return true
	}
	return false
}

// Resolver turns an input location into a local file path, downloading
// remote sources into a scratch directory.
type Resolver struct {
	HTTP Fetcher
	FTP  Fetcher
	Dir  string
}

// NewResolver returns a Resolver using dir for downloads.
func NewResolver(httpF, ftpF Fetcher, dir string) *Resolver {
	return &Resolver{HTTP: httpF, FTP: ftpF, Dir: dir}
}

// Resolve returns a local path for src. Local paths are returned as-is.
func (r *Resolver) Resolve(ctx context.Context, src string) (string, error) {
	if !IsRemote(src) {
		if _, err := os.Stat(src); err != nil {
			return "", eris.Wrapf(err, "fetcher: stat %s", src)
		}
		return src, nil
	}

	u, err := url.Parse(src)
	if err != nil {
		return "", eris.Wrap(err, "fetcher: parse url")
	}

	var f Fetcher
	switch strings.ToLower(u.Scheme) {
	case "ftp":
		f = r.FTP
	default:
		f = r.HTTP
	}
	if f == nil {
		return "", eris.Errorf("fetcher: no fetcher configured for %s", u.Scheme)
	}

	dir := r.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrap(err, "fetcher: create download dir")
	}

	dest := filepath.Join(dir, localName(u))
	n, err := f.DownloadToFile(ctx, src, dest)
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: download %s", src)
	}

	zap.L().Info("fetcher: downloaded input",
		zap.String("url", src),
		zap.String("path", dest),
		zap.Int64("bytes", n),
	)
	return dest, nil
}

// localName keeps the URL's file name and extension so format detection
// still works on the downloaded copy.
func localName(u *url.URL) string {
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		base = "download"
	}
	host := strings.NewReplacer(":", "_", ".", "_").Replace(u.Host)
	return host + "_" + base
}
