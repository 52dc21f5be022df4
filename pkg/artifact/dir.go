package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// DirSource serves archives from a local mirror directory.
type DirSource struct {
	root string
}

// NewDirSource creates a source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{root: dir}
}

func (d *DirSource) path(key string) string {
	return filepath.Join(d.root, filepath.FromSlash(key))
}

// Exists reports whether key is a regular file under the root.
func (d *DirSource) Exists(_ context.Context, key string) (bool, error) {
	info, err := os.Stat(d.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// Fetch copies key to w.
func (d *DirSource) Fetch(ctx context.Context, key string, w io.Writer) (int64, error) {
	f, err := os.Open(d.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%s: %w", key, ErrArchiveNotFound)
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return io.Copy(w, readerWithContext(ctx, f))
}

func (d *DirSource) String() string {
	return d.root
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// readerWithContext stops a copy at the next read once ctx is done.
func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
