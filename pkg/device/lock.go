package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nilfs2/cleanerd"
	"golang.org/x/sys/unix"
)

// CleanerLock is an advisory, exclusive, non-blocking lock taken around
// one GC pass or resize against one file system and released when that
// operation ends, so two cleaners never submit GC transactions against the
// same device at once (§6).
type CleanerLock struct {
	f *os.File
}

// lockDir is where per-device lock files are created. Nothing in this
// module changes it at run time.
var lockDir = "/var/lock/cleanerd"

// LockCleaner takes the exclusive lock for devicePath. The lock file name is
// derived from the device's (major, minor) pair, not its path, so two
// daemons pointed at the same file system through different path spellings
// (a /dev/disk/by-uuid/... symlink vs. /dev/sda1, or two bind paths) still
// collide unconditionally — the at-most-one-cleaner-per-file-system
// invariant of §4.3 cannot depend on the caller having canonicalized the
// path first.
func LockCleaner(devicePath string) (*CleanerLock, error) {
	var st unix.Stat_t
	if err := unix.Stat(devicePath, &st); err != nil {
		return nil, fmt.Errorf("device: stat %s: %w", devicePath, err)
	}
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("device: create lock dir: %w", err)
	}
	name := filepath.Join(lockDir, lockFileName(uint64(st.Dev)))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("device: open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, cleanerd.ErrAlreadyLocked
		}
		return nil, err
	}
	return &CleanerLock{f: f}, nil
}

// Unlock releases the lock and closes the underlying file.
func (l *CleanerLock) Unlock() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

// lockFileName derives a deterministic file name from the device's raw
// dev_t, the same (major, minor) pair two different path spellings for the
// same block device both resolve to.
func lockFileName(dev uint64) string {
	return fmt.Sprintf("%d-%d.lock", unix.Major(dev), unix.Minor(dev))
}
