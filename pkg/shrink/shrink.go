// Package shrink implements the resize/shrink engine of §4.8: given a new,
// smaller device size, it evicts every segment that would fall outside the
// shrunk range and then issues the kernel resize, reporting progress on a
// cheggaaa/pb/v3 bar the way the teacher reports batch-job progress.
package shrink

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/nilfs2/cleanerd"
	"github.com/nilfs2/cleanerd/pkg/device"
	"github.com/nilfs2/cleanerd/pkg/gc"
)

// secondarySuperBlockTailReserve mirrors pkg/device's convention that the
// backup super-block copy sits 4KiB before the end of the device; the new
// segment count is computed against where that copy would land after the
// shrink (§4.8: "new segment count as floor(SB2_offset(new_size) /
// segment_size)").
const secondarySuperBlockTailReserve = 4096

// secondarySuperBlockOffset is used verbatim from pkg/device for very small
// images where the tail-reserve convention does not apply.
const secondarySuperBlockOffset = 4096

// sb2Offset returns where the secondary super-block would sit for a device
// of the given size, matching device.secondarySuperBlockLocation.
func sb2Offset(deviceSize uint64) uint64 {
	if deviceSize <= secondarySuperBlockTailReserve {
		return secondarySuperBlockOffset
	}
	return deviceSize - secondarySuperBlockTailReserve
}

// NewSegmentCount computes the post-shrink segment count for a device of
// segSize-byte segments shrunk to newSizeBytes (§4.8).
func NewSegmentCount(newSizeBytes uint64, segSize uint64) uint64 {
	return sb2Offset(newSizeBytes) / segSize
}

// defaultReservedPercent is the fraction of the post-shrink segment count
// held back as headroom beyond the minimum constant, absent an explicit
// Params.ReservedPercent (§4.8: "the larger of a minimum constant and
// ceil(new_nsegs * r%)").
const defaultReservedPercent = 0.01

// defaultReservedMinSegments is the minimum constant in the same formula.
const defaultReservedMinSegments = 8

// Reserved computes reserved(newNsegs) per §4.8.
func Reserved(newNsegs uint64, minSegments uint64, percent float64) uint64 {
	if minSegments == 0 {
		minSegments = defaultReservedMinSegments
	}
	if percent <= 0 {
		percent = defaultReservedPercent
	}
	byPercent := uint64(float64(newNsegs)*percent + 0.999999)
	if byPercent > minSegments {
		return byPercent
	}
	return minSegments
}

// unlocker and locker mirror pkg/cleaner's narrow cleaner-lock surface so
// the resize ioctl in step 5 can run under the same mutual-exclusion
// discipline as a GC pass (§5).
type unlocker interface {
	Unlock() error
}

type locker interface {
	LockCleaner(devicePath string) (unlocker, error)
}

type realLocker struct{}

func (realLocker) LockCleaner(path string) (unlocker, error) { return device.LockCleaner(path) }

// Handle is everything the shrink engine needs: the full gc.GCPass
// dependency surface (it migrates segments the same way a regular GC pass
// would) plus allocator-range narrowing, resize, sync, and freeze/thaw.
// *device.Handle satisfies it structurally.
type Handle interface {
	GetSustat() (cleanerd.SegmentUsageStat, error)
	GetSegmentUsage(segnum uint64, out []cleanerd.SegmentUsageInfo) ([]cleanerd.SegmentUsageInfo, error)
	ReadSegment(segnum uint64) ([]byte, error)
	GetVirtualBlockInfo(vdescs []cleanerd.VirtualBlockDescriptor) error
	GetCheckpoints(mode uint32, start uint64, out []cleanerd.CheckpointInfo) ([]cleanerd.CheckpointInfo, error)
	GetCheckpointStat() (cleanerd.CheckpointStat, error)
	GetBlockLiveness(bdescs []cleanerd.BlockDescriptor) error
	SetSuinfoSupported() bool
	TouchSegmentLastMod(segnum uint64, lastMod int64) error
	CleanSegments(req device.CleanSegmentsRequest, protSeq uint64) error
	Geometry() cleanerd.Geometry
	Path() string

	SetAllocRange(startBlock, endBlock uint64) error
	Resize(newSizeBlocks uint64) error
	SyncFs() (uint64, error)
	Freeze() error
	Thaw() error
}

var _ Handle = (*device.Handle)(nil)

// Params configures one shrink run.
type Params struct {
	NewSizeBytes uint64

	// ReservedMinSegments/ReservedPercent feed Reserved; zero selects the
	// package defaults.
	ReservedMinSegments uint64
	ReservedPercent     float64

	// EvictBatchSize bounds how many segments step 4 migrates per
	// clean_segments transaction; defaults to the teacher-style small
	// fixed batch of 4 when zero.
	EvictBatchSize uint32

	// ActiveEvictRetries bounds step 3's retry loop for segments that are
	// still active (being actively written) rather than merely
	// reclaimable; defaults to 8.
	ActiveEvictRetries int
	// ActiveEvictSleep is the pause between step 3 retries.
	ActiveEvictSleep time.Duration

	// ResizeRetries bounds step 5's EBUSY retry loop; defaults to 4 per
	// §4.8.
	ResizeRetries int

	// CursorUnprotectBatch is how many of a failed batch's segments step
	// 4's helper retouches before the freeze+thaw+sync cursor nudge.
	CursorUnprotectBatch int
}

func (p Params) withDefaults() Params {
	if p.EvictBatchSize == 0 {
		p.EvictBatchSize = 4
	}
	if p.ActiveEvictRetries == 0 {
		p.ActiveEvictRetries = 8
	}
	if p.ActiveEvictSleep == 0 {
		p.ActiveEvictSleep = 200 * time.Millisecond
	}
	if p.ResizeRetries == 0 {
		p.ResizeRetries = 4
	}
	if p.CursorUnprotectBatch == 0 {
		p.CursorUnprotectBatch = 2
	}
	return p
}

// Result summarizes a completed shrink.
type Result struct {
	NewNSegments       uint64
	DoomedReclaimable  int
	EvictedActive      int
	EvictedReclaimable int
	ResizeAttempts     int
}

// Run executes the full §4.8 procedure against h, rendering progress to
// progressOut (nil disables the bar).
func Run(h Handle, params Params, logger *slog.Logger, progressOut io.Writer) (Result, error) {
	return run(h, params, logger, progressOut, realLocker{}, time.Sleep)
}

func run(h Handle, params Params, logger *slog.Logger, progressOut io.Writer, lock locker, sleep func(time.Duration)) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	params = params.withDefaults()

	geom := h.Geometry()
	newNsegs := NewSegmentCount(params.NewSizeBytes, geom.SegmentSize)
	if newNsegs >= geom.NSegments {
		return Result{}, fmt.Errorf("shrink: new size yields %d segments, not smaller than current %d", newNsegs, geom.NSegments)
	}

	sustat, err := h.GetSustat()
	if err != nil {
		return Result{}, fmt.Errorf("shrink: get_sustat: %w", err)
	}
	reserved := Reserved(newNsegs, params.ReservedMinSegments, params.ReservedPercent)
	shrinkBy := geom.NSegments - newNsegs
	if sustat.NCleanSegments < shrinkBy+reserved {
		return Result{}, fmt.Errorf("%w: have %d clean, need %d (shrink %d + reserve %d)",
			cleanerd.ErrShrinkInsufficientSpace, sustat.NCleanSegments, shrinkBy+reserved, shrinkBy, reserved)
	}

	result := Result{NewNSegments: newNsegs}

	// Step 1: narrow the allocator's usable range.
	if err := h.SetAllocRange(0, newNsegs*uint64(geom.BlocksPerSegment)); err != nil {
		return result, fmt.Errorf("shrink: set_alloc_range: %w", err)
	}
	// Step 6: restore the allocator range on any exit.
	defer func() {
		if rerr := h.SetAllocRange(0, geom.NSegments*uint64(geom.BlocksPerSegment)); rerr != nil {
			logger.Warn("shrink: failed to restore allocator range", "error", rerr)
		}
	}()

	// Step 2: count reclaimable segments in the doomed range for progress
	// reporting.
	doomed, err := scanDoomedRange(h, newNsegs, geom.NSegments)
	if err != nil {
		return result, fmt.Errorf("shrink: scanning doomed range: %w", err)
	}
	result.DoomedReclaimable = len(doomed.reclaimable)

	bar := newProgressBar(progressOut, len(doomed.active)+len(doomed.reclaimable))
	defer bar.Finish()

	snapshots, err := gc.DetermineSnapshots(h, logger)
	if err != nil {
		return result, fmt.Errorf("shrink: determining snapshots: %w", err)
	}

	// Step 3: evict active segments first, in small batches, retrying.
	evictedActive, err := evictActive(h, geom, doomed.active, snapshots, lock, logger, params, sleep, bar)
	result.EvictedActive = evictedActive
	if err != nil {
		return result, err
	}

	// Step 4: evict reclaimable segments in batches of
	// params.EvictBatchSize (the policy's nsegments_per_clean is not
	// consulted), unprotecting the cursor on failure.
	evictedReclaimable, err := evictReclaimable(h, geom, doomed.reclaimable, snapshots, lock, logger, params, bar)
	result.EvictedReclaimable = evictedReclaimable
	if err != nil {
		return result, err
	}

	// Step 5: resize under the cleaner lock, retrying on EBUSY.
	attempts, err := resizeWithRetry(h, geom, newNsegs, lock, logger, params)
	result.ResizeAttempts = attempts
	if err != nil {
		return result, err
	}

	return result, nil
}

type doomedSegments struct {
	active      []uint64
	reclaimable []uint64
}

// scanDoomedRange classifies every segment in [newNsegs, nsegs) as active
// (must be evacuated before it can be touched) or reclaimable-but-in-use
// (can be migrated directly), skipping ones already clean.
func scanDoomedRange(h Handle, newNsegs, nsegs uint64) (doomedSegments, error) {
	var out doomedSegments
	const batch = 512
	for start := newNsegs; start < nsegs; start += batch {
		n := uint64(batch)
		if start+n > nsegs {
			n = nsegs - start
		}
		buf := make([]cleanerd.SegmentUsageInfo, n)
		usage, err := h.GetSegmentUsage(start, buf)
		if err != nil {
			return out, err
		}
		for _, u := range usage {
			switch {
			case u.Flags&cleanerd.SegmentActive != 0:
				out.active = append(out.active, u.SegmentNumber)
			case u.Reclaimable():
				out.reclaimable = append(out.reclaimable, u.SegmentNumber)
			}
		}
	}
	return out, nil
}

// evictActive implements §4.8 step 3: while any doomed segment is still
// active, run a GC pass over a small batch of it and retry up to
// params.ActiveEvictRetries times, sleeping briefly between tries.
func evictActive(h Handle, geom cleanerd.Geometry, segs []uint64, snapshots []uint64, lock locker, logger *slog.Logger, params Params, sleep func(time.Duration), bar *pb.ProgressBar) (int, error) {
	remaining := append([]uint64(nil), segs...)
	evicted := 0
	for try := 0; len(remaining) > 0 && try < params.ActiveEvictRetries; try++ {
		batch := remaining
		if uint32(len(batch)) > params.EvictBatchSize {
			batch = batch[:params.EvictBatchSize]
		}
		n, err := migrateBatch(h, geom, batch, snapshots, lock, logger)
		if err != nil {
			return evicted, fmt.Errorf("shrink: evicting active segment batch: %w", err)
		}
		evicted += n
		bar.Add(n)

		still, err := stillUndoomed(h, batch)
		if err != nil {
			return evicted, err
		}
		remaining = remaining[len(batch):]
		remaining = append(still, remaining...)
		if len(still) > 0 {
			sleep(params.ActiveEvictSleep)
		}
	}
	if len(remaining) > 0 {
		return evicted, fmt.Errorf("shrink: %d segments still active after %d retries", len(remaining), params.ActiveEvictRetries)
	}
	return evicted, nil
}

// stillUndoomed re-checks which of segs are still active (being written)
// rather than merely dirty, i.e. still need another eviction attempt.
func stillUndoomed(h Handle, segs []uint64) ([]uint64, error) {
	var still []uint64
	for _, s := range segs {
		buf := make([]cleanerd.SegmentUsageInfo, 1)
		usage, err := h.GetSegmentUsage(s, buf)
		if err != nil {
			return nil, err
		}
		if len(usage) > 0 && usage[0].Flags&cleanerd.SegmentActive != 0 {
			still = append(still, s)
		}
	}
	return still, nil
}

// evictReclaimable implements §4.8 step 4: migrate the remaining doomed,
// reclaimable segments out in batches of params.EvictBatchSize. A batch
// that fails for any reason other than a failed lock release is retried
// once after unprotectCursor has nudged the cursor forward.
func evictReclaimable(h Handle, geom cleanerd.Geometry, segs []uint64, snapshots []uint64, lock locker, logger *slog.Logger, params Params, bar *pb.ProgressBar) (int, error) {
	evicted := 0
	for start := 0; start < len(segs); start += int(params.EvictBatchSize) {
		end := start + int(params.EvictBatchSize)
		if end > len(segs) {
			end = len(segs)
		}
		batch := segs[start:end]

		n, err := migrateBatch(h, geom, batch, snapshots, lock, logger)
		if err != nil {
			if !errors.Is(err, cleanerd.ErrLockReleaseFailed) {
				logger.Warn("shrink: batch migration failed, attempting cursor unprotect", "error", err)
				if uerr := unprotectCursor(h, geom, batch, params.CursorUnprotectBatch, logger); uerr != nil {
					return evicted, fmt.Errorf("shrink: unprotecting cursor: %w", uerr)
				}
				n, err = migrateBatch(h, geom, batch, snapshots, lock, logger)
			}
			if err != nil {
				return evicted, fmt.Errorf("shrink: evicting reclaimable segment batch: %w", err)
			}
		}
		evicted += n
		bar.Add(n)
	}
	return evicted, nil
}

// migrateBatch runs a single dry-run-free GC pass over segs, relying on
// gc.GCPass's own accounting to decide which of them actually clean out.
func migrateBatch(h Handle, geom cleanerd.Geometry, segs []uint64, snapshots []uint64, lock locker, logger *slog.Logger) (int, error) {
	if len(segs) == 0 {
		return 0, nil
	}
	sustat, err := h.GetSustat()
	if err != nil {
		return 0, err
	}
	l, err := lock.LockCleaner(h.Path())
	if err != nil {
		return 0, err
	}
	params := gc.Params{
		Candidates: segs,
		ProtSeq:    sustat.ProtSeq,
		ProtCno:    cleanerd.CnoMax,
	}
	res, err := gc.GCPass(h, geom, params, snapshots, l, logger, time.Now)
	if err != nil {
		return 0, err
	}
	return res.Cleaned, nil
}

// unprotectCursor retouches last_mod (to 0) on up to moveCount of the
// batch's lowest-numbered segments when set_suinfo is supported, then
// cycles freeze, thaw and sync to nudge the log cursor forward (§4.8 step
// 4). It migrates no segment itself and looks at no segment outside the
// batch.
func unprotectCursor(h Handle, geom cleanerd.Geometry, batch []uint64, moveCount int, logger *slog.Logger) error {
	movable := append([]uint64(nil), batch...)
	sort.Slice(movable, func(i, j int) bool { return movable[i] < movable[j] })
	if moveCount < len(movable) {
		movable = movable[:moveCount]
	}
	for _, seg := range movable {
		if !h.SetSuinfoSupported() {
			break
		}
		if err := h.TouchSegmentLastMod(seg, 0); err != nil {
			logger.Warn("shrink: touch before cursor unprotect failed", "segnum", seg, "error", err)
		}
	}
	if err := h.Freeze(); err != nil {
		return fmt.Errorf("freeze: %w", err)
	}
	if err := h.Thaw(); err != nil {
		return fmt.Errorf("thaw: %w", err)
	}
	if _, err := h.SyncFs(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// resizeWithRetry implements §4.8 step 5: issue resize under the cleaner
// lock, and on EBUSY refresh sustat and retry the resize alone, up to
// params.ResizeRetries attempts in all; the eviction steps are not
// repeated.
func resizeWithRetry(h Handle, geom cleanerd.Geometry, newNsegs uint64, lock locker, logger *slog.Logger, params Params) (int, error) {
	newSizeBlocks := newNsegs * uint64(geom.BlocksPerSegment)
	attempts := 0
	for attempts < params.ResizeRetries {
		attempts++
		l, err := lock.LockCleaner(h.Path())
		if err != nil {
			return attempts, fmt.Errorf("shrink: acquiring cleaner lock for resize: %w", err)
		}
		resizeErr := h.Resize(newSizeBlocks)
		if uerr := l.Unlock(); uerr != nil {
			return attempts, fmt.Errorf("%w: %v", cleanerd.ErrLockReleaseFailed, uerr)
		}
		if resizeErr == nil {
			return attempts, nil
		}
		if !errors.Is(resizeErr, cleanerd.ErrBusy) {
			return attempts, fmt.Errorf("shrink: resize: %w", resizeErr)
		}
		logger.Warn("shrink: resize busy, refreshing and retrying", "attempt", attempts)
		if _, err := h.GetSustat(); err != nil {
			return attempts, fmt.Errorf("shrink: refreshing sustat after EBUSY: %w", err)
		}
	}
	return attempts, fmt.Errorf("shrink: resize still busy after %d attempts", params.ResizeRetries)
}

// progressTemplate renders "shrink: evicting segments |***---| N/Total",
// redrawing across any log lines interleaved while the bar is up (§4.8's
// final paragraph), in place of a hand-rolled cursor-backspace animation.
const progressTemplate = `shrink: evicting segments {{ bar . }} {{ counters . }}`

// newProgressBar renders a label + bar to out, or a no-op bar when out is
// nil.
func newProgressBar(out io.Writer, total int) *pb.ProgressBar {
	if out == nil {
		out = io.Discard
	}
	bar := pb.ProgressBarTemplate(progressTemplate).Start(total)
	bar.SetWriter(out)
	return bar
}
