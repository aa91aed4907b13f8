package lock

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// lockFileName is the advisory lock file pgbackup keeps inside a stanza's
// repository directory, so two orchestrator runs against the same stanza
// can't race each other.
const lockFileName = ".pgbackup.lock"

// FileLock wraps gofrs/flock for one stanza's repository directory.
type FileLock struct {
	fl   *flock.Flock
	path string
}

// New returns a lock at <stanzaDir>/.pgbackup.lock, creating stanzaDir if
// it doesn't exist yet (a backup's first run for a stanza).
func New(stanzaDir string) *FileLock {
	dir := filepath.Clean(stanzaDir)
	_ = os.MkdirAll(dir, 0o750)
	name := filepath.Join(dir, lockFileName)
	return &FileLock{fl: flock.New(name), path: name}
}

// TryLock attempts non-blocking lock.
func (l *FileLock) TryLock() (bool, error) {
	return l.fl.TryLock()
}

// Unlock releases.
func (l *FileLock) Unlock() error {
	// Release the OS-level lock first.
	if err := l.fl.Unlock(); err != nil {
		return err
	}
	// Best-effort cleanup: remove the lock file so it does not linger in the
	// repository directory. Ignore any error (e.g. another process already
	// removed it).
	_ = os.Remove(l.path)
	return nil
}
