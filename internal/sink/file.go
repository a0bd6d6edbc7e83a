package sink

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/banshee-data/telemux/internal/fsutil"
)

// File appends to a file opened with O_APPEND.
type File struct {
	path string
	w    io.WriteCloser
}

// OpenFile creates the parent directory if needed and opens path for
// appending. Existing contents are kept.
func OpenFile(fsys fsutil.FileSystem, path string) (*File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sink directory %s: %w", dir, err)
		}
	}
	w, err := fsys.OpenAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open sink %s: %w", path, err)
	}
	return &File{path: path, w: w}, nil
}

func (f *File) Write(p []byte) (int, error) { return f.w.Write(p) }

func (f *File) Close() error { return f.w.Close() }

func (f *File) Target() string {
	abs, err := filepath.Abs(f.path)
	if err != nil {
		abs = filepath.Clean(f.path)
	}
	return KindFile + ":" + abs
}

func (f *File) String() string { return f.path }
