// Package device implements the file-system handle the cleaner daemon and
// control-plane tools open: super-block discovery, raw segment reads, the
// kernel request family used to query and mutate GC-relevant state, mount
// table lookups, and the cleaner's exclusive lock.
package device

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"unsafe"

	"github.com/nilfs2/cleanerd"
	"golang.org/x/sys/unix"
)

// Handle is an open file-system device or image file plus the geometry
// derived from its super-block. A Handle is safe for concurrent read
// requests; CleanSegments serializes internally via mu because the kernel
// processes at most one GC transaction at a time per handle (§5). Resize
// takes no lock of its own.
type Handle struct {
	path string
	f    *os.File
	fd   int

	geometry cleanerd.Geometry
	sb       superBlock

	mu                   sync.Mutex
	logger               *slog.Logger
	setSuinfoUnsupported bool
}

// SetSuinfoSupported reports whether set_suinfo is still believed to work on
// this handle. Once the kernel has returned ENOTTY/EOPNOTSUPP for it, the
// deferral path permanently stops trying (§4.5 step 6, §7).
func (h *Handle) SetSuinfoSupported() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.setSuinfoUnsupported
}

// DisableSetSuinfo permanently marks set_suinfo unsupported for this handle.
// Idempotent; logs only on the first call.
func (h *Handle) DisableSetSuinfo() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.setSuinfoUnsupported {
		return
	}
	h.setSuinfoUnsupported = true
	h.logger.Warn("set_suinfo unsupported by kernel, disabling for remainder of handle lifetime", "path", h.path)
}

// Open reads both super-block copies, picks whichever validates, and
// returns a Handle ready to serve kernel requests against path. Open does
// not take the cleaner lock; call LockCleaner separately (§6).
func Open(path string, logger *slog.Logger) (*Handle, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}

	sb, err := readSuperBlock(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	h := &Handle{
		path:     path,
		f:        f,
		fd:       int(f.Fd()),
		geometry: sb.geometry(),
		sb:       sb,
		logger:   logger,
	}
	return h, nil
}

// readSuperBlock tries the primary copy first and falls back to the
// secondary copy, following the on-disk redundancy scheme (§4.1).
func readSuperBlock(f *os.File) (superBlock, error) {
	primary := make([]byte, superBlockSize)
	if _, err := f.ReadAt(primary, primarySuperBlockOffset); err == nil {
		if sb, perr := parseSuperBlock(primary); perr == nil {
			return sb, nil
		}
	}

	size, err := deviceSize(f)
	if err != nil {
		return superBlock{}, cleanerd.ErrNoValidSuperblock
	}
	secondaryOff := secondarySuperBlockLocation(size)
	secondary := make([]byte, superBlockSize)
	if _, err := f.ReadAt(secondary, secondaryOff); err == nil {
		if sb, perr := parseSuperBlock(secondary); perr == nil {
			return sb, nil
		}
	}

	return superBlock{}, cleanerd.ErrNoValidSuperblock
}

// secondarySuperBlockLocation mirrors the convention that the backup copy
// sits 4KiB before the end of the device.
func secondarySuperBlockLocation(deviceSize int64) int64 {
	const tailReserve = 4096
	if deviceSize <= tailReserve {
		return secondarySuperBlockOffset
	}
	return deviceSize - tailReserve
}

func deviceSize(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if fi.Size() > 0 {
		return fi.Size(), nil
	}
	// Block devices report a zero regular-file size; ask the kernel for
	// the true size instead.
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, errno
	}
	return int64(size), nil
}

// Geometry returns the geometry derived from the mounted super-block.
func (h *Handle) Geometry() cleanerd.Geometry { return h.geometry }

// Path returns the device or image path this handle was opened against.
func (h *Handle) Path() string { return h.path }

// Close releases the underlying file descriptor.
func (h *Handle) Close() error {
	return h.f.Close()
}

// ReadSegment reads the raw bytes of segment segnum into a freshly
// allocated buffer sized to one full segment, ready to be handed to
// segio.NewPartialSegmentIterator.
func (h *Handle) ReadSegment(segnum uint64) ([]byte, error) {
	buf := make([]byte, h.geometry.SegmentSize)
	off := h.geometry.SegmentOffset(segnum)
	n, err := h.f.ReadAt(buf, int64(off))
	if err != nil && n == 0 {
		return nil, fmt.Errorf("device: read segment %d: %w", segnum, err)
	}
	return buf[:n], nil
}
