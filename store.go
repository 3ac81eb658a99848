package bingest

import (
	"context"
	"io"
	"io/fs"
	"os"

	"github.com/cockroachdb/errors"
)

// Store is the durable storage collaborator that upload parts are
// streamed into. Implementations must not leave partial artifacts behind
// when a write fails or is cancelled.
type Store interface {
	// EnsureDir creates the directory if it does not exist. It must be
	// idempotent and tolerate concurrent calls from parallel requests.
	EnsureDir(ctx context.Context, dir string) error

	// Write streams r to the given path and returns the number of bytes
	// written. Cancelling ctx aborts the write; an aborted or failed
	// write must discard whatever it already wrote.
	Write(ctx context.Context, path string, r io.Reader) (int64, error)

	// Remove deletes the artifact at path. Removing a path that does not
	// exist is not an error.
	Remove(ctx context.Context, path string) error
}

// DiskStore implements [Store] on the local filesystem.
type DiskStore struct {
	dirPerm  os.FileMode
	filePerm os.FileMode
}

// NewDiskStore inits a disk store with restrictive default permissions.
func NewDiskStore() *DiskStore {
	return &DiskStore{dirPerm: 0o750, filePerm: 0o600}
}

// EnsureDir implements [Store]. MkdirAll is idempotent and safe under
// concurrent creation attempts.
func (s *DiskStore) EnsureDir(_ context.Context, dir string) error {
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return errors.Wrapf(err, "create uploads directory %q", dir)
	}

	return nil
}

// Write implements [Store]. The copy checks for cancellation between
// reads so an aborted upload stops promptly instead of draining the
// source to completion.
func (s *DiskStore) Write(ctx context.Context, path string, r io.Reader) (written int64, err error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, s.filePerm)
	if err != nil {
		return 0, errors.Wrapf(err, "create upload file %q", path)
	}

	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "close upload file %q", path)
		}
		if err != nil {
			_ = os.Remove(path) // no partial artifacts
		}
	}()

	written, err = io.Copy(file, &cancelableReader{ctx: ctx, r: r})
	if err != nil {
		return written, errors.Wrapf(err, "stream to upload file %q", path)
	}

	return written, nil
}

// Remove implements [Store].
func (s *DiskStore) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "remove upload file %q", path)
	}

	return nil
}

var _ Store = (*DiskStore)(nil)

// cancelableReader fails the next read once its context is cancelled.
type cancelableReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *cancelableReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}
