package gc

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/nilfs2/cleanerd"
	"github.com/nilfs2/cleanerd/internal/vector"
	"github.com/nilfs2/cleanerd/pkg/device"
)

// vinfoBatchSize is the chunk size every batched kernel request in this
// engine uses (§4.4.2, §4.4.3, §4.4.6).
const vinfoBatchSize = 512

// vinfoResolver is the subset of *device.Handle that ResolveVBlockLifetimes
// needs.
type vinfoResolver interface {
	GetVirtualBlockInfo(vdescs []cleanerd.VirtualBlockDescriptor) error
}

var _ vinfoResolver = (*device.Handle)(nil)

// ResolveVBlockLifetimes sorts vdescs by VBlockNr, queries the kernel in
// batches of 512, and fills each entry's Period in place (§4.4.2).
func ResolveVBlockLifetimes(h vinfoResolver, vdescs []cleanerd.VirtualBlockDescriptor) error {
	sort.Slice(vdescs, func(i, j int) bool { return vdescs[i].VBlockNr < vdescs[j].VBlockNr })

	for lo := 0; lo < len(vdescs); lo += vinfoBatchSize {
		hi := lo + vinfoBatchSize
		if hi > len(vdescs) {
			hi = len(vdescs)
		}
		if err := h.GetVirtualBlockInfo(vdescs[lo:hi]); err != nil {
			return err
		}
	}
	return nil
}

// cpinfoResolver is the subset of *device.Handle that DetermineSnapshots
// needs.
type cpinfoResolver interface {
	GetCheckpoints(mode uint32, start uint64, out []cleanerd.CheckpointInfo) ([]cleanerd.CheckpointInfo, error)
	GetCheckpointStat() (cleanerd.CheckpointStat, error)
}

var _ cpinfoResolver = (*device.Handle)(nil)

// DetermineSnapshots retrieves every snapshot checkpoint number, following
// ci_next chains in batches of 512 (§4.4.3). The result is strictly
// increasing; a violation means the kernel reply is corrupt.
func DetermineSnapshots(h cpinfoResolver, logger *slog.Logger) ([]uint64, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vec := vector.New[uint64]()
	buf := make([]cleanerd.CheckpointInfo, vinfoBatchSize)
	next := cleanerd.CnoMin

	for {
		got, err := h.GetCheckpoints(device.CpModeSnapshot, next, buf)
		if err != nil {
			return nil, err
		}
		if len(got) == 0 {
			break
		}
		for _, cp := range got {
			p, err := vec.Append()
			if err != nil {
				return nil, err
			}
			*p = cp.Cno
			if vec.Len() > 1 {
				prev := *vec.At(vec.Len() - 2)
				if cp.Cno <= prev {
					return nil, fmt.Errorf("gc: %w: snapshot list not strictly increasing", cleanerd.ErrCorrupt)
				}
			}
		}
		last := got[len(got)-1]
		if last.Next == 0 {
			break
		}
		next = last.Next
	}

	stat, err := h.GetCheckpointStat()
	if err == nil && uint64(vec.Len()) != stat.NSnapshots {
		logger.Warn("snapshot enumeration count mismatch", "enumerated", vec.Len(), "cpstat", stat.NSnapshots)
	}

	out := make([]uint64, vec.Len())
	copy(out, vec.Data())
	return out, nil
}

// livenessCache is the rolling "last-hit" snapshot cache §4.4.4 describes:
// the most recently matched snapshot checkpoint number, reused to shortcut
// the binary search for vdescs whose period happens to still cover it.
type livenessCache struct {
	lastHit    uint64
	hasLastHit bool
}

// VDescLive evaluates the per-vdesc liveness predicate of §4.4.4 against
// protcno and the sorted snapshot array, consulting and updating cache.
func VDescLive(v cleanerd.VirtualBlockDescriptor, protcno uint64, snapshots []uint64, cache *livenessCache) bool {
	if v.IsMetaFile() {
		return v.Period.End == cleanerd.CnoMax
	}
	if v.Period.End == v.Checkpoint {
		return false
	}
	if v.Period.End == cleanerd.CnoMax || v.Period.End > protcno {
		return true
	}
	if len(snapshots) == 0 || v.Period.Start > snapshots[len(snapshots)-1] || v.Period.End <= snapshots[0] {
		return false
	}
	if cache.hasLastHit && cache.lastHit >= v.Period.Start && cache.lastHit < v.Period.End {
		return true
	}
	if s, ok := findSnapshotInRange(snapshots, v.Period.Start, v.Period.End); ok {
		cache.lastHit = s
		cache.hasLastHit = true
		return true
	}
	return false
}

// findSnapshotInRange binary-searches the sorted snapshots array for any
// value in [start, end).
func findSnapshotInRange(snapshots []uint64, start, end uint64) (uint64, bool) {
	i := sort.Search(len(snapshots), func(i int) bool { return snapshots[i] >= start })
	if i < len(snapshots) && snapshots[i] < end {
		return snapshots[i], true
	}
	return 0, false
}

// PartitionResult is the outcome of running the liveness predicate over a
// full vdesc set (§4.4.4): which vdescs are retained for the transaction,
// which vblocknrs are now free, and which periods may be deleted.
type PartitionResult struct {
	LiveVDescs   []cleanerd.VirtualBlockDescriptor
	FreeVBlocks  []uint64
	DeletePeriods []cleanerd.Period
}

// PartitionVDescs applies VDescLive to every vdesc, producing the
// retained/freed/delete-period sets (P2: every vdesc ends up in exactly one
// of the retained or freed buckets).
func PartitionVDescs(vdescs []cleanerd.VirtualBlockDescriptor, protcno uint64, snapshots []uint64) PartitionResult {
	cache := &livenessCache{}
	var result PartitionResult
	for _, v := range vdescs {
		if VDescLive(v, protcno, snapshots, cache) {
			result.LiveVDescs = append(result.LiveVDescs, v)
			continue
		}
		result.FreeVBlocks = append(result.FreeVBlocks, v.VBlockNr)
		if !v.IsMetaFile() {
			result.DeletePeriods = append(result.DeletePeriods, v.Period)
		}
	}
	return result
}

// CoalescePeriods sorts periods by Start and folds any period whose Start
// falls within or right after the current span into it, producing a
// minimal disjoint cover (§4.4.5, P3).
func CoalescePeriods(periods []cleanerd.Period) []cleanerd.Period {
	if len(periods) == 0 {
		return nil
	}
	sorted := make([]cleanerd.Period, len(periods))
	copy(sorted, periods)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := []cleanerd.Period{sorted[0]}
	for _, p := range sorted[1:] {
		last := &out[len(out)-1]
		if p.Start <= last.End {
			if p.End > last.End {
				last.End = p.End
			}
			continue
		}
		out = append(out, p)
	}
	return out
}

// bdescResolver is the subset of *device.Handle that ResolveBlockLiveness
// needs.
type bdescResolver interface {
	GetBlockLiveness(bdescs []cleanerd.BlockDescriptor) error
}

var _ bdescResolver = (*device.Handle)(nil)

// ResolveBlockLiveness sorts bdescs by (inode, level, offset), queries the
// kernel in batches of 512, and returns only the ones still live
// (pblocknr == oblocknr) (§4.4.6).
func ResolveBlockLiveness(h bdescResolver, bdescs []cleanerd.BlockDescriptor) ([]cleanerd.BlockDescriptor, error) {
	sort.Slice(bdescs, func(i, j int) bool {
		if bdescs[i].Inode != bdescs[j].Inode {
			return bdescs[i].Inode < bdescs[j].Inode
		}
		if bdescs[i].Level != bdescs[j].Level {
			return bdescs[i].Level < bdescs[j].Level
		}
		return bdescs[i].Offset < bdescs[j].Offset
	})

	for lo := 0; lo < len(bdescs); lo += vinfoBatchSize {
		hi := lo + vinfoBatchSize
		if hi > len(bdescs) {
			hi = len(bdescs)
		}
		if err := h.GetBlockLiveness(bdescs[lo:hi]); err != nil {
			return nil, err
		}
	}

	live := bdescs[:0]
	for _, b := range bdescs {
		if b.Live() {
			live = append(live, b)
		}
	}
	return live, nil
}
