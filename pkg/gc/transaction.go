package gc

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nilfs2/cleanerd"
	"github.com/nilfs2/cleanerd/pkg/device"
)

// knownReclaimParamBits is the set of reclaim-parameter bits this driver
// understands. Params.ReclaimParamBits carrying anything outside this set
// fails validation (§4.5 step 1); there are currently none defined beyond
// the fields Params already breaks out as typed fields.
const knownReclaimParamBits uint32 = 0

// ErrUnknownReclaimParam marks a Params.ReclaimParamBits value carrying a
// bit this driver does not recognise.
var ErrUnknownReclaimParam = fmt.Errorf("gc: %w: unknown reclaim-parameter bit", cleanerd.ErrIllegalArgument)

// Params is everything one GC pass needs beyond the open handle and the
// snapshot list (§4.5 step 1, §4.6 per-iteration working set).
type Params struct {
	// Candidates is the working set of segment numbers selected by the
	// cleaner daemon loop (or supplied directly by a CLI "run" request).
	Candidates []uint64
	// ProtSeq is the segment sequence number the kernel still references
	// for crash recovery (sustat.ProtSeq): candidates with seqnum >=
	// ProtSeq are dropped before any block accounting (§4.5 step 1,
	// scenario 4). Required.
	ProtSeq uint64
	// ProtCno is the checkpoint-number protection window's upper bound
	// used by the per-vdesc liveness predicate (§4.4.4): a vdesc whose
	// period extends past ProtCno is always live. Distinct from ProtSeq —
	// one gates segments by sequence number, the other gates virtual
	// blocks by checkpoint.
	ProtCno uint64
	// DryRun stops the pass after accounting, before any kernel mutation.
	DryRun bool
	// MinReclaimableBlocks, when non-zero, enables the metadata-only
	// deferral of step 6: a pass whose total reclaimable block count falls
	// below MinReclaimableBlocks times the number of candidates that
	// survive acc_blocks retouches last_mod instead of cleaning.
	MinReclaimableBlocks uint64
	// ReclaimParamBits is an open caller-supplied flags word; unknown bits
	// are rejected rather than silently ignored.
	ReclaimParamBits uint32
}

// Result is the outcome of one pass.
type Result struct {
	Stats     AccumulateStats
	Submitted bool
	Deferred  bool
	Cleaned   int
}

// transactionHandle is the full dependency surface GCPass needs from the
// device handle: segment scanning, the liveness queries, and the
// transaction/deferral calls themselves.
type transactionHandle interface {
	segmentReader
	vinfoResolver
	cpinfoResolver
	bdescResolver
	SetSuinfoSupported() bool
	TouchSegmentLastMod(segnum uint64, lastMod int64) error
	CleanSegments(req device.CleanSegmentsRequest, protSeq uint64) error
}

var _ transactionHandle = (*device.Handle)(nil)

// releaser is the lock interface GCPass releases at the end of a pass,
// narrowed so tests can supply a fake instead of a real flock.
type releaser interface {
	Unlock() error
}

var _ releaser = (*device.CleanerLock)(nil)

// GCPass runs one complete reclamation pass (§4.5): parameter validation,
// acc_blocks, the liveness engine, then either a metadata-only deferral or
// a clean_segments transaction. lock must already be held by the caller
// when GCPass is called and covers the whole pass; GCPass always releases it
// before returning, including on every error path. Failure to release is
// fatal: the caller must treat an ErrLockReleaseFailed return as
// non-recoverable and exit the process (§7).
func GCPass(h transactionHandle, g cleanerd.Geometry, p Params, snapshots []uint64, lock releaser, logger *slog.Logger, now func() time.Time) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}

	release := func() error {
		if err := lock.Unlock(); err != nil {
			return fmt.Errorf("%w: %v", cleanerd.ErrLockReleaseFailed, err)
		}
		return nil
	}

	// Step 1: validate parameters.
	if p.ReclaimParamBits&^knownReclaimParamBits != 0 {
		if err := release(); err != nil {
			return Result{}, err
		}
		return Result{}, ErrUnknownReclaimParam
	}
	if len(p.Candidates) == 0 {
		if err := release(); err != nil {
			return Result{}, err
		}
		return Result{}, nil
	}

	guard := newSignalGuard()
	defer guard.release()

	// Step 2: acc_blocks.
	acc, err := AccumulateBlocks(h, g, p.Candidates, p.ProtSeq, logger)
	if err != nil {
		if rerr := release(); rerr != nil {
			return Result{}, rerr
		}
		return Result{}, err
	}

	// Every candidate was dropped: there is nothing to submit.
	if len(acc.Survivors) == 0 {
		if err := release(); err != nil {
			return Result{Stats: acc.Stats}, err
		}
		return Result{Stats: acc.Stats}, nil
	}

	// Step 3: 4.4.2, 4.4.4, 4.4.5, 4.4.6 in sequence.
	if err := ResolveVBlockLifetimes(h, acc.VDescs); err != nil {
		if rerr := release(); rerr != nil {
			return Result{}, rerr
		}
		return Result{}, err
	}
	partition := PartitionVDescs(acc.VDescs, p.ProtCno, snapshots)
	periods := CoalescePeriods(partition.DeletePeriods)
	liveBDescs, err := ResolveBlockLiveness(h, acc.BDescs)
	if err != nil {
		if rerr := release(); rerr != nil {
			return Result{}, rerr
		}
		return Result{}, err
	}

	result := Result{Stats: acc.Stats}

	// Step 4: dry-run stops here.
	if p.DryRun {
		if err := release(); err != nil {
			return result, err
		}
		return result, nil
	}

	// Step 5: a pending termination signal aborts the pass cleanly; the
	// caller unblocks/redelivers it once the guard releases.
	if guard.pending() {
		logger.Warn("gc pass aborted: termination signal pending before transaction")
		if err := release(); err != nil {
			return result, err
		}
		return result, nil
	}

	// Step 6: metadata-only deferral.
	if p.MinReclaimableBlocks > 0 && h.SetSuinfoSupported() {
		reclaimable := uint64(len(partition.FreeVBlocks))
		threshold := p.MinReclaimableBlocks * uint64(len(acc.Survivors))
		if reclaimable < threshold {
			deferred, err := deferViaMetadata(h, acc.Survivors, now(), logger)
			if err != nil {
				if rerr := release(); rerr != nil {
					return result, rerr
				}
				return result, err
			}
			if deferred {
				result.Deferred = true
				if err := release(); err != nil {
					return result, err
				}
				return result, nil
			}
			// set_suinfo turned out unsupported mid-loop: fall through
			// to step 7, which cleans every survivor, including any whose
			// last_mod was already retouched.
		}
	}

	// Step 7: submit clean_segments with the five arrays.
	req := device.CleanSegmentsRequest{
		Segments:    acc.Survivors,
		VDescs:      partition.LiveVDescs,
		BDescs:      liveBDescs,
		Periods:     periods,
		FreeVBlocks: partition.FreeVBlocks,
	}
	if err := h.CleanSegments(req, p.ProtSeq); err != nil {
		if rerr := release(); rerr != nil {
			return result, rerr
		}
		return result, err
	}
	result.Submitted = true
	result.Cleaned = len(acc.Survivors)

	// Step 8: release lock, restore signal mask (guard.release via defer).
	if err := release(); err != nil {
		return result, err
	}
	return result, nil
}

// deferViaMetadata retouches last_mod on every surviving candidate instead
// of cleaning it, so the daemon's time-based selection policy
// de-prioritises them next iteration (§4.5 step 6). It reports false,
// nil if the kernel turns out not to support the request at all, so the
// caller can fall through to a real clean_segments instead.
func deferViaMetadata(h transactionHandle, segnums []uint64, at time.Time, logger *slog.Logger) (bool, error) {
	for _, segnum := range segnums {
		if err := h.TouchSegmentLastMod(segnum, at.Unix()); err != nil {
			if !h.SetSuinfoSupported() {
				logger.Warn("set_suinfo unsupported, falling back to clean_segments this pass")
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}
