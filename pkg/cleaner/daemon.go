// Package cleaner implements the daemon's cooperative main loop: reload a
// reloadable policy on SIGHUP, track whether there is anything to do,
// build a working set of reclaimable segments, advance the protection
// cursor, and drive one gc.GCPass per iteration (§4.6).
package cleaner

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nilfs2/cleanerd"
	"github.com/nilfs2/cleanerd/pkg/config"
	"github.com/nilfs2/cleanerd/pkg/device"
	"github.com/nilfs2/cleanerd/pkg/gc"
)

// Handle is everything the daemon loop needs from an open file-system
// handle: scanning plus the full GC transaction surface gc.GCPass expects.
// Any *device.Handle satisfies it structurally.
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
}

var _ Handle = (*device.Handle)(nil)

// unlocker is the narrow surface gc.GCPass needs from an acquired cleaner
// lock; *device.CleanerLock satisfies it.
type unlocker interface {
	Unlock() error
}

// locker acquires the cleaner lock fresh for each pass, released by
// gc.GCPass before the pass returns (§5 mutual exclusion).
type locker interface {
	LockCleaner(devicePath string) (unlocker, error)
}

// realLocker calls through to device.LockCleaner.
type realLocker struct{}

func (realLocker) LockCleaner(devicePath string) (unlocker, error) {
	return device.LockCleaner(devicePath)
}

// scanBatchSize is the chunk size both the segment scan and the protection
// cursor advance use (§4.6 steps 4 and 7).
const scanBatchSize = 512

// maxEmptyBackoffShift caps the exponential growth of the cleaner-exit wait
// (§4.6 step 5) at 2^10 * clean_check_interval, so a long-idle daemon
// settles at a bounded maximum sleep instead of drifting upward forever
// (§9 open questions: binary-exponential backoff with a cap).
const maxEmptyBackoffShift = 10

// State is the daemon's per-iteration state (§4.6).
type State struct {
	Running        bool
	ProtCno        uint64
	ProtTime       int64
	PrevNongcCtime int64
	TargetTime     time.Time

	// EmptyBackoffShift counts consecutive empty-working-set iterations,
	// doubling the step-5 sleep each time up to maxEmptyBackoffShift.
	EmptyBackoffShift uint
}

// Daemon drives repeated GC passes against one open handle according to a
// reloadable Policy.
type Daemon struct {
	h      Handle
	policy config.Policy
	logger *slog.Logger
	lock   locker

	state State

	now      func() time.Time
	sleep    func(time.Duration)
	snapshot func() ([]uint64, error)

	reloadRequested func() bool
	stopRequested   func() bool
}

// New returns a Daemon ready to run Step in a loop. snapshot resolves the
// current snapshot checkpoint list (gc.DetermineSnapshots bound to h);
// reloadRequested/stopRequested are polled once per iteration and model
// SIGHUP/STOP without this package depending on os/signal or the
// control-plane directly.
func New(h Handle, policy config.Policy, logger *slog.Logger, reloadRequested, stopRequested func() bool) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		h:               h,
		policy:          policy,
		logger:          logger,
		lock:            realLocker{},
		now:             time.Now,
		sleep:           time.Sleep,
		reloadRequested: reloadRequested,
		stopRequested:   stopRequested,
	}
	d.snapshot = func() ([]uint64, error) { return gc.DetermineSnapshots(h, logger) }
	return d
}

// workingSetEntry is one candidate segment and the importance value the
// "timestamp" selection policy ranks it by (§4.6 step 4).
type workingSetEntry struct {
	Segnum     uint64
	Importance int64
}

// Step runs exactly one iteration of the loop described in §4.6, steps
// 1-10, returning false once the caller should stop (StopRequested) or an
// unrecoverable error occurred.
func (d *Daemon) Step(reloadPolicy func() (config.Policy, error)) (bool, error) {
	// Step 1: reload config on SIGHUP.
	if d.reloadRequested != nil && d.reloadRequested() {
		newPolicy, err := reloadPolicy()
		if err != nil {
			d.logger.Warn("policy reload failed, keeping previous policy", "error", err)
		} else {
			if newPolicy.ProtectionPeriod > d.policy.ProtectionPeriod {
				d.state.ProtCno = 0
				d.state.ProtTime = 0
			}
			d.policy = newPolicy
		}
	}

	// Step 2: refresh sustat.
	sustat, err := d.h.GetSustat()
	if err != nil {
		d.logger.Warn("get_sustat failed, retrying next iteration", "error", err)
		d.sleep(d.policy.RetryInterval)
		return true, nil
	}
	if sustat.NongcCtime != d.state.PrevNongcCtime {
		d.state.Running = true
		d.state.PrevNongcCtime = sustat.NongcCtime
	}

	// Step 3: nothing to do.
	if !d.state.Running {
		d.sleep(d.policy.CleanCheckInterval)
		return !d.shouldStop(), nil
	}

	// Step 4: build the working set.
	geom := d.h.Geometry()
	protectionPeriod := d.policy.ProtectionPeriod
	cutoff := d.now().Add(-protectionPeriod).Unix()
	entries, oldestLastMod, err := d.scanWorkingSet(geom.NSegments, cutoff)
	if err != nil {
		d.logger.Warn("segment scan failed", "error", err)
		d.sleep(d.policy.RetryInterval)
		return !d.shouldStop(), nil
	}

	// Step 5: empty working set. Binary-exponential backoff with a cap: each
	// consecutive empty scan doubles the sleep starting from
	// clean_check_interval, capped at the moment the oldest candidate would
	// age out (or protection_period+1 if every segment is still within the
	// protection window) so the daemon never sleeps past the point new work
	// could appear (§9 open questions).
	if len(entries) == 0 {
		d.state.Running = false
		var capWait time.Duration
		if oldestLastMod == 0 {
			capWait = protectionPeriod + time.Second
		} else {
			ageOut := time.Unix(oldestLastMod, 0).Add(protectionPeriod)
			capWait = ageOut.Sub(d.now())
			if capWait <= 0 {
				capWait = time.Second
			}
		}
		shift := d.state.EmptyBackoffShift
		if shift > maxEmptyBackoffShift {
			shift = maxEmptyBackoffShift
		}
		wait := d.policy.CleanCheckInterval << shift
		if wait <= 0 || wait > capWait {
			wait = capWait
		}
		if d.state.EmptyBackoffShift < maxEmptyBackoffShift {
			d.state.EmptyBackoffShift++
		}
		d.sleep(wait)
		return !d.shouldStop(), nil
	}
	d.state.EmptyBackoffShift = 0

	// Step 6: sort ascending by importance, tie-break segnum; clamp to the
	// batch size the current clean-segment count selects.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Importance != entries[j].Importance {
			return entries[i].Importance < entries[j].Importance
		}
		return entries[i].Segnum < entries[j].Segnum
	})
	batchSize := d.policy.NSegmentsPerClean
	if sustat.NCleanSegments < d.policy.MinCleanSegments.Resolve(geom.NSegments) {
		batchSize = d.policy.MCNSegmentsPerClean
	}
	if uint32(len(entries)) < batchSize {
		batchSize = uint32(len(entries))
	}
	candidates := make([]uint64, batchSize)
	for i := uint32(0); i < batchSize; i++ {
		candidates[i] = entries[i].Segnum
	}

	// Step 7: advance the protection cursor.
	newProtCno, newProtTime, err := d.advanceProtectionCursor(d.now().Add(-protectionPeriod).Unix())
	if err != nil {
		d.logger.Warn("protection cursor advance failed", "error", err)
	} else {
		if newProtTime < d.state.ProtTime {
			d.logger.Warn("protection cursor time moved backward, resetting", "old", d.state.ProtTime, "new", newProtTime)
			d.state.ProtCno = 0
		} else {
			d.state.ProtCno = newProtCno
		}
		d.state.ProtTime = newProtTime
	}

	// Step 8: execute the GC pass.
	snapshots, err := d.snapshot()
	if err != nil {
		d.logger.Warn("snapshot enumeration failed", "error", err)
		d.sleep(d.policy.RetryInterval)
		return !d.shouldStop(), nil
	}
	lock, err := d.lock.LockCleaner(d.h.Path())
	if err != nil {
		d.logger.Warn("cleaner lock unavailable this iteration", "error", err)
		d.sleep(d.policy.RetryInterval)
		return !d.shouldStop(), nil
	}
	minReclaimable := d.policy.MinReclaimableBlocks
	if batchSize == d.policy.MCNSegmentsPerClean {
		minReclaimable = d.policy.MCMinReclaimableBlocks
	}
	params := gc.Params{
		Candidates:           candidates,
		ProtSeq:              sustat.ProtSeq,
		ProtCno:              d.state.ProtCno,
		MinReclaimableBlocks: minReclaimable,
	}
	if !d.policy.UseSetSuinfo {
		params.MinReclaimableBlocks = 0
	}
	_, err = gc.GCPass(d.h, geom, params, snapshots, lock, d.logger, d.now)
	if err != nil {
		if errors.Is(err, cleanerd.ErrLockReleaseFailed) {
			return false, fmt.Errorf("cleaner: %w", err)
		}
		d.logger.Warn("gc pass failed", "error", err)
		d.sleep(d.policy.RetryInterval)
		return !d.shouldStop(), nil
	}

	// Step 9: compute sleep duration relative to the planned wake target.
	interval := d.policy.CleaningInterval
	if batchSize == d.policy.MCNSegmentsPerClean {
		interval = d.policy.MCCleaningInterval
	}
	now := d.now()
	if d.state.TargetTime.IsZero() || now.After(d.state.TargetTime) {
		d.state.TargetTime = now.Add(interval)
		return !d.shouldStop(), nil
	}
	d.sleep(d.state.TargetTime.Sub(now))
	d.state.TargetTime = d.state.TargetTime.Add(interval)

	// Step 10 (signal wake clearing running) is handled by the caller via
	// stopRequested/reloadRequested polling at the top of the next Step.
	return !d.shouldStop(), nil
}

func (d *Daemon) shouldStop() bool {
	return d.stopRequested != nil && d.stopRequested()
}

// State returns a copy of the daemon's current per-iteration state, used by
// the control plane's STATUS and RUN handlers.
func (d *Daemon) State() State { return d.state }

// Policy returns the daemon's currently active policy.
func (d *Daemon) Policy() config.Policy { return d.policy }

// SetPolicy replaces the daemon's active policy, used by the control
// plane's TUNE command (§4.7) to apply sparse overrides without waiting for
// a config file reload.
func (d *Daemon) SetPolicy(p config.Policy) { d.policy = p }

// Handle returns the underlying file-system handle, used by the control
// plane to drive an ad hoc GC pass for an explicit RUN request.
func (d *Daemon) Handle() Handle { return d.h }

// scanWorkingSet implements §4.6 step 4: scan every segment in batches of
// scanBatchSize, keeping ones that are reclaimable and whose last_mod
// predates cutoff, and tracking the oldest last_mod observed overall (used
// by step 5 to decide how long to sleep when nothing qualifies).
func (d *Daemon) scanWorkingSet(nsegs uint64, cutoff int64) ([]workingSetEntry, int64, error) {
	var entries []workingSetEntry
	var oldest int64
	haveOldest := false

	for start := uint64(0); start < nsegs; start += scanBatchSize {
		n := uint64(scanBatchSize)
		if start+n > nsegs {
			n = nsegs - start
		}
		buf := make([]cleanerd.SegmentUsageInfo, n)
		usage, err := d.h.GetSegmentUsage(start, buf)
		if err != nil {
			return nil, 0, err
		}
		for _, u := range usage {
			if !u.Reclaimable() {
				continue
			}
			if !haveOldest || u.LastModTime < oldest {
				oldest = u.LastModTime
				haveOldest = true
			}
			if u.LastModTime < cutoff {
				entries = append(entries, workingSetEntry{Segnum: u.SegmentNumber, Importance: u.LastModTime})
			}
		}
	}
	return entries, oldest, nil
}

// advanceProtectionCursor implements §4.6 step 7: find the smallest
// checkpoint whose create_time is at or after prottime, scanning forward
// from the current cursor in batches of scanBatchSize.
func (d *Daemon) advanceProtectionCursor(prottime int64) (cno uint64, newProtTime int64, err error) {
	start := d.state.ProtCno
	if start == 0 {
		start = cleanerd.CnoMin
	}
	buf := make([]cleanerd.CheckpointInfo, scanBatchSize)
	for {
		got, err := d.h.GetCheckpoints(device.CpModeAll, start, buf)
		if err != nil {
			return 0, 0, err
		}
		if len(got) == 0 {
			return start, prottime, nil
		}
		for _, cp := range got {
			if cp.CreateTime >= prottime {
				return cp.Cno, prottime, nil
			}
		}
		last := got[len(got)-1]
		if last.Next == 0 {
			return last.Cno, prottime, nil
		}
		start = last.Next
	}
}
