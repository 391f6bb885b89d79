// Package gc implements the liveness engine and GC transaction driver: the
// intellectual core that turns a set of candidate segment numbers into the
// five input arrays a clean-segments transaction submits to the kernel
// (§4.4, §4.5).
package gc

import (
	"log/slog"

	"github.com/nilfs2/cleanerd"
	"github.com/nilfs2/cleanerd/internal/segio"
	"github.com/nilfs2/cleanerd/internal/vector"
	"github.com/nilfs2/cleanerd/pkg/device"
)

// segmentReader is the subset of *device.Handle that acc_blocks needs,
// narrowed so tests can supply a fake without a real device.
type segmentReader interface {
	GetSegmentUsage(segnum uint64, out []cleanerd.SegmentUsageInfo) ([]cleanerd.SegmentUsageInfo, error)
	ReadSegment(segnum uint64) ([]byte, error)
}

var _ segmentReader = (*device.Handle)(nil)

// AccumulateStats counts what happened to each candidate during acc_blocks,
// surfaced in the pass's final statistics (§4.5 scenario 4).
type AccumulateStats struct {
	CandidatesScanned    int
	DroppedUnreclaimable int
	ProtectedSegs        int
	CorruptSegs          int
}

// AccumulateResult is the output of acc_blocks: the segments that survived
// every drop rule, plus the vdescs and bdescs their logs yielded.
type AccumulateResult struct {
	Survivors []uint64
	VDescs    []cleanerd.VirtualBlockDescriptor
	BDescs    []cleanerd.BlockDescriptor
	Stats     AccumulateStats
}

// AccumulateBlocks implements acc_blocks (§4.4.1): for each candidate
// segment, drop it if it is not reclaimable or still protected by protSeq,
// otherwise walk its logs and emit a vdesc per regular-file block or a
// bdesc per DAT meta-file block.
func AccumulateBlocks(h segmentReader, g cleanerd.Geometry, candidates []uint64, protSeq uint64, logger *slog.Logger) (AccumulateResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	candVec := vector.New[uint64]()
	for _, c := range candidates {
		p, err := candVec.Append()
		if err != nil {
			return AccumulateResult{}, err
		}
		*p = c
	}

	var stats AccumulateStats
	var vdescs []cleanerd.VirtualBlockDescriptor
	var bdescs []cleanerd.BlockDescriptor

	i := 0
	for i < candVec.Len() {
		stats.CandidatesScanned++
		segnum := *candVec.At(i)

		usageBuf := make([]cleanerd.SegmentUsageInfo, 1)
		usage, err := h.GetSegmentUsage(segnum, usageBuf)
		if err != nil {
			return AccumulateResult{}, err
		}
		if len(usage) == 0 || !usage[0].Reclaimable() {
			stats.DroppedUnreclaimable++
			candVec.SwapDelete(i)
			continue
		}

		buf, err := h.ReadSegment(segnum)
		if err != nil {
			return AccumulateResult{}, err
		}

		seq, segVDescs, segBDescs, err := scanSegment(buf, g)
		if err != nil {
			logger.Warn("dropping corrupt candidate segment", "segnum", segnum, "error", err)
			stats.CorruptSegs++
			candVec.SwapDelete(i)
			continue
		}

		if cleanerd.SeqGE(seq, protSeq) {
			stats.ProtectedSegs++
			candVec.SwapDelete(i)
			continue
		}

		vdescs = append(vdescs, segVDescs...)
		bdescs = append(bdescs, segBDescs...)
		i++
	}

	survivors := make([]uint64, candVec.Len())
	copy(survivors, candVec.Data())

	return AccumulateResult{
		Survivors: survivors,
		VDescs:    vdescs,
		BDescs:    bdescs,
		Stats:     stats,
	}, nil
}

// scanSegment walks every log in buf, returning the first log's sequence
// number and the vdescs/bdescs every file record yielded.
func scanSegment(buf []byte, g cleanerd.Geometry) (firstSeq uint64, vdescs []cleanerd.VirtualBlockDescriptor, bdescs []cleanerd.BlockDescriptor, err error) {
	it := segio.NewPartialSegmentIterator(buf, g.BlockSize, g.BlocksPerSegment, g.CRCSeed)
	haveSeq := false

	for {
		sum, ok := it.Next()
		if !ok {
			break
		}
		if !haveSeq {
			firstSeq = sum.Seq
			haveSeq = true
		}

		fit := segio.NewFileIterator(buf, int(g.BlockSize), sum)
		for {
			rec, ok := fit.Next()
			if !ok {
				break
			}
			bit := segio.NewBlockIterator(rec)
			for {
				blk, ok := bit.Next()
				if !ok {
					break
				}
				if rec.IsDAT {
					bdescs = append(bdescs, cleanerd.BlockDescriptor{
						Inode:  rec.Inode,
						Level:  blk.Level,
						Offset: blk.FileOffset,
					})
				} else {
					vdescs = append(vdescs, cleanerd.VirtualBlockDescriptor{
						Inode:      rec.Inode,
						Checkpoint: rec.Checkpoint,
						VBlockNr:   blk.VBlockNr,
						FileOffset: blk.FileOffset,
					})
				}
			}
		}
		if fit.Err() != nil {
			return firstSeq, vdescs, bdescs, fit.Err()
		}
	}
	if it.Err() != nil {
		return firstSeq, vdescs, bdescs, it.Err()
	}
	return firstSeq, vdescs, bdescs, nil
}
