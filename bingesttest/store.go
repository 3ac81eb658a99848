package bingesttest

import (
	"context"
	"io"
	"sync"

	"github.com/advdv/bingest"
)

// Store is an in-memory [bingest.Store]. Tests can inject write and
// remove failures and can hold writes open so completions happen after
// other pipeline events, which is how out-of-order interleavings are
// scripted.
type Store struct {
	mu        sync.Mutex
	dirs      []string
	files     map[string][]byte
	removed   []string
	writeErr  error
	removeErr error
	holding   bool
	waiters   []chan struct{}
}

// NewStore inits an empty in-memory store.
func NewStore() *Store {
	return &Store{files: map[string][]byte{}}
}

// FailWrites makes subsequent writes fail with err. Pass nil to restore
// normal behavior.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// FailRemoves makes subsequent removes fail with err. Pass nil to restore
// normal behavior.
func (s *Store) FailRemoves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeErr = err
}

// Hold makes subsequent writes consume their input and then block until
// [Store.Release].
func (s *Store) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holding = true
}

// Release unblocks all held writes and stops holding new ones.
func (s *Store) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holding = false
	for _, w := range s.waiters {
		close(w)
	}
	s.waiters = nil
}

// EnsureDir implements [bingest.Store].
func (s *Store) EnsureDir(_ context.Context, dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirs = append(s.dirs, dir)

	return nil
}

// Write implements [bingest.Store]. The input is always consumed so the
// producing side never stalls; failed or cancelled writes store nothing.
func (s *Store) Write(ctx context.Context, path string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return int64(len(data)), err
	}

	s.mu.Lock()
	if werr := s.writeErr; werr != nil {
		s.mu.Unlock()
		return int64(len(data)), werr
	}
	var wait chan struct{}
	if s.holding {
		wait = make(chan struct{})
		s.waiters = append(s.waiters, wait)
	}
	s.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return int64(len(data)), ctx.Err()
		}
	}

	if err := ctx.Err(); err != nil {
		return int64(len(data)), err
	}

	s.mu.Lock()
	s.files[path] = data
	s.mu.Unlock()

	return int64(len(data)), nil
}

// Remove implements [bingest.Store]. Removing an absent path succeeds,
// matching the disk store.
func (s *Store) Remove(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removeErr != nil {
		return s.removeErr
	}

	delete(s.files, path)
	s.removed = append(s.removed, path)

	return nil
}

// Files returns a copy of the stored artifacts by path.
func (s *Store) Files() map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]byte, len(s.files))
	for k, v := range s.files {
		out[k] = v
	}

	return out
}

// Dirs returns every directory that was ensured, in order.
func (s *Store) Dirs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.dirs...)
}

// Removed returns every path that was successfully removed, in order.
func (s *Store) Removed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.removed...)
}

var _ bingest.Store = (*Store)(nil)
