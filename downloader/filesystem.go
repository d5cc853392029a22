package downloader

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"
)

// Filesystem serves previously saved feeds from a directory, for
// replaying archives. A URL maps to the file named by its last path
// element. The file's modification time stands in for
// Last-Modified and its hash for the ETag.
type Filesystem struct {
	Dir string
}

func NewFilesystem(dir string) (*Filesystem, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	return &Filesystem{Dir: dir}, nil
}

func (f *Filesystem) path(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return "", fmt.Errorf("no file name in %s", rawURL)
	}
	return filepath.Join(f.Dir, name), nil
}

func (f *Filesystem) Head(ctx context.Context, url string, options GetOptions) (*Response, error) {
	resp, err := f.Get(ctx, url, options)
	if err != nil {
		return nil, err
	}
	resp.Body = nil
	return resp, nil
}

func (f *Filesystem) Get(ctx context.Context, url string, options GetOptions) (*Response, error) {
	p, err := f.path(url)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if options.MaxSize > 0 && info.Size() > int64(options.MaxSize) {
		return nil, ErrTooLarge
	}

	body, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading: %w", err)
	}

	return &Response{
		Body:         body,
		ETag:         fmt.Sprintf(`"%x"`, sha256.Sum256(body)),
		LastModified: info.ModTime().UTC().Format(http.TimeFormat),
		RetrievedAt:  time.Now().UTC(),
	}, nil
}
