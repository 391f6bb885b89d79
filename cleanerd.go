// Package cleanerd holds the data model and shared primitives for the
// segment reclamation subsystem of a log-structured file system: geometry
// derived from the super-block, the on-disk record shapes scanned out of a
// segment, and the sequence/checkpoint-number comparisons used throughout
// the liveness engine and cleaner daemon.
package cleanerd

// CNO_MIN is the first valid checkpoint number; CNO_MAX is the sentinel
// meaning "still live" / "no upper bound".
const (
	CnoMin uint64 = 1
	CnoMax uint64 = ^uint64(0)
)

// Geometry is derived once from the super-block and held read-only for the
// lifetime of an open file-system handle (§3).
type Geometry struct {
	BlockSize        uint32
	BlocksPerSegment uint32
	SegmentSize       uint64
	NSegments        uint64
	FirstDataBlock   uint64
	CRCSeed          uint32
	FeatureCompat    uint64
	FeatureIncompat  uint64
}

// SegmentOffset returns the byte offset of segment segnum, honouring the
// rule that segment 0's usable area starts at FirstDataBlock (§3).
func (g Geometry) SegmentOffset(segnum uint64) uint64 {
	block := segnum * uint64(g.BlocksPerSegment)
	if block < g.FirstDataBlock {
		block = g.FirstDataBlock
	}
	return block * uint64(g.BlockSize)
}

// Segment usage flags (§3 suinfo).
const (
	SegmentDirty  uint32 = 1 << 0
	SegmentActive uint32 = 1 << 1
	SegmentError  uint32 = 1 << 2
)

// SegmentUsageInfo is a single segment's (last_modification_time, n_blocks,
// flags) record.
type SegmentUsageInfo struct {
	SegmentNumber  uint64
	LastModTime    int64
	NumBlocks      uint32
	Flags          uint32
}

// Reclaimable reports whether the segment is dirty, not active, and not in
// error — the sole eligibility condition for a GC candidate (§3).
func (s SegmentUsageInfo) Reclaimable() bool {
	return s.Flags&SegmentDirty != 0 && s.Flags&SegmentActive == 0 && s.Flags&SegmentError == 0
}

// SegmentUsageStat is the file-system-wide usage summary (§3 sustat).
type SegmentUsageStat struct {
	NSegments     uint64
	NCleanSegments uint64
	NongcCtime    int64
	ProtSeq       uint64
}

// CheckpointStat is the file-system-wide checkpoint summary (§6 cpstat).
type CheckpointStat struct {
	Cno          uint64
	NCheckpoints uint64
	NSnapshots   uint64
}

// Checkpoint flags (§3 cpinfo).
const (
	CheckpointSnapshot uint32 = 1 << 0
)

// CheckpointInfo is a single checkpoint record (§3 cpinfo).
type CheckpointInfo struct {
	Cno        uint64
	CreateTime int64
	Next       uint64
	Flags      uint32
}

// Snapshot reports whether this checkpoint has been promoted to a
// user-visible, undeletable snapshot.
func (c CheckpointInfo) Snapshot() bool {
	return c.Flags&CheckpointSnapshot != 0
}

// Period is a half-open checkpoint-number interval [Start, End) describing
// the lifetime during which a virtual block pointed at some physical block,
// or the range of checkpoint metadata a GC pass is about to delete (§3).
type Period struct {
	Start uint64
	End   uint64
}

// VirtualBlockFlags (§3 vdesc flags).
const (
	VBlockNode uint32 = 1 << 0
	VBlockData uint32 = 1 << 1
)

// VirtualBlockDescriptor (vdesc, §3): one block's identity, the physical
// block it currently resolves to, and the checkpoint period over which that
// mapping held. Exists only for the duration of a single GC pass.
type VirtualBlockDescriptor struct {
	Inode      uint64
	Checkpoint uint64
	VBlockNr   uint64
	PBlockNr   uint64
	FileOffset uint64
	Flags      uint32
	Period     Period
}

// IsMetaFile reports whether this descriptor belongs to one of the
// checkpoint/segment-usage meta-files rather than a regular file, per the
// convention that meta-file blocks carry Checkpoint == 0 (§4.4.4).
func (v VirtualBlockDescriptor) IsMetaFile() bool { return v.Checkpoint == 0 }

// BlockDescriptor (bdesc, §3): one physical block belonging to the DAT
// meta-file, identified by (inode, level, offset). Live iff PBlockNr ==
// OBlockNr after the kernel's liveness query.
type BlockDescriptor struct {
	Inode    uint64
	Level    uint8
	Offset   uint64
	PBlockNr uint64
	OBlockNr uint64
}

// Live reports whether the DAT meta-file block this descriptor names is
// still the one the allocator currently owns (§4.4.6).
func (b BlockDescriptor) Live() bool { return b.PBlockNr == b.OBlockNr }
