package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalFS is a filesystem-backed Store for dev mode and tests, with no
// network dependency. Keys map directly onto a path under root, with
// "/" segments in the key becoming subdirectories.
type LocalFS struct {
	root    string
	writers *FilePool
	readers *ReaderPool
}

// NewLocalFS creates a filesystem-backed store rooted at dir, creating
// it if necessary. Writer and reader handles are kept in bounded LRU
// pools (FilePool and ReaderPool).
func NewLocalFS(dir string) (*LocalFS, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &LocalFS{
		root:    dir,
		writers: NewFilePool(64),
		readers: NewReaderPool(256),
	}, nil
}

func (fs *LocalFS) path(key string) string {
	clean := filepath.Clean(strings.ReplaceAll(key, "..", "_"))
	return filepath.Join(fs.root, clean)
}

// Put writes data under key. Segment blobs are write-once, so Put
// truncates and rewrites the full object rather than appending.
func (fs *LocalFS) Put(ctx context.Context, key string, data []byte, contentType string) error {
	p := fs.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}

	// The object may have been open for reading under a stale handle;
	// drop it from the reader pool before replacing the file on disk.
	fs.readers.Remove(p)
	fs.writers.Remove(p)

	if err := os.WriteFile(p, data, 0644); err != nil {
		return err
	}
	return fs.writers.Sync(p)
}

// Open returns a pooled read handle positioned at the start of key's
// contents. The returned ReadCloser's Close is a no-op: the underlying
// *os.File stays pooled for reuse and is closed on eviction or Close.
func (fs *LocalFS) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	p := fs.path(key)
	f, err := fs.readers.GetReader(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.NopCloser(io.NewSectionReader(f, 0, fileSize(f))), nil
}

func fileSize(f *os.File) int64 {
	info, err := f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// Delete removes key from disk and from both handle pools.
func (fs *LocalFS) Delete(ctx context.Context, key string) error {
	p := fs.path(key)
	fs.readers.Remove(p)
	fs.writers.Remove(p)
	err := os.Remove(p)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Close releases every pooled file handle.
func (fs *LocalFS) Close() error {
	err1 := fs.writers.Close()
	err2 := fs.readers.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
