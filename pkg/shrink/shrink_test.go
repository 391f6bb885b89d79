package shrink

import (
	"testing"
	"time"

	"github.com/nilfs2/cleanerd"
	"github.com/nilfs2/cleanerd/internal/segio"
	"github.com/nilfs2/cleanerd/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildEmptySegment(seq uint64) []byte {
	buf := make([]byte, 8*64)
	segio.EncodeSummary(buf, 0, seq, 7, 0, nil, segio.LogBegin|segio.LogEnd, 0)
	return buf
}

func TestNewSegmentCount(t *testing.T) {
	// A 1MiB segment size, device shrunk to 10MiB: SB2 sits 4KiB before
	// the end, so it still lands inside segment 9.
	assert.Equal(t, uint64(9), NewSegmentCount(10*1<<20, 1<<20))
}

func TestReservedUsesLargerOfMinAndPercent(t *testing.T) {
	assert.Equal(t, uint64(8), Reserved(100, 0, 0))
	assert.Equal(t, uint64(50), Reserved(1000, 10, 0.05))
}

type fakeUnlocker struct{ unlockErr error }

func (f *fakeUnlocker) Unlock() error { return f.unlockErr }

type fakeLocker struct {
	lockErr error
	u       *fakeUnlocker
}

func (f *fakeLocker) LockCleaner(path string) (unlocker, error) {
	if f.lockErr != nil {
		return nil, f.lockErr
	}
	if f.u == nil {
		f.u = &fakeUnlocker{}
	}
	return f.u, nil
}

type fakeHandle struct {
	geom        cleanerd.Geometry
	usage       map[uint64]cleanerd.SegmentUsageInfo
	segments    map[uint64][]byte
	sustat      cleanerd.SegmentUsageStat
	allocCalls  [][2]uint64
	resizeErrs  []error
	resizeCalls int
	freezeCalls int
	thawCalls   int
	syncCalls   int
	cleanReqs   []device.CleanSegmentsRequest
}

func (f *fakeHandle) GetSustat() (cleanerd.SegmentUsageStat, error) { return f.sustat, nil }

func (f *fakeHandle) GetSegmentUsage(segnum uint64, out []cleanerd.SegmentUsageInfo) ([]cleanerd.SegmentUsageInfo, error) {
	n := 0
	for i := range out {
		s := segnum + uint64(i)
		if s >= f.geom.NSegments {
			break
		}
		out[i] = f.usage[s]
		out[i].SegmentNumber = s
		n++
	}
	return out[:n], nil
}

func (f *fakeHandle) ReadSegment(segnum uint64) ([]byte, error) { return f.segments[segnum], nil }

func (f *fakeHandle) GetVirtualBlockInfo(vdescs []cleanerd.VirtualBlockDescriptor) error {
	for i := range vdescs {
		vdescs[i].Period = cleanerd.Period{Start: vdescs[i].Checkpoint, End: cleanerd.CnoMax}
	}
	return nil
}

func (f *fakeHandle) GetCheckpoints(mode uint32, start uint64, out []cleanerd.CheckpointInfo) ([]cleanerd.CheckpointInfo, error) {
	return nil, nil
}

func (f *fakeHandle) GetCheckpointStat() (cleanerd.CheckpointStat, error) {
	return cleanerd.CheckpointStat{}, nil
}

func (f *fakeHandle) GetBlockLiveness(bdescs []cleanerd.BlockDescriptor) error {
	for i := range bdescs {
		bdescs[i].OBlockNr = bdescs[i].PBlockNr
	}
	return nil
}

func (f *fakeHandle) SetSuinfoSupported() bool { return false }

func (f *fakeHandle) TouchSegmentLastMod(segnum uint64, lastMod int64) error { return nil }

func (f *fakeHandle) CleanSegments(req device.CleanSegmentsRequest, protSeq uint64) error {
	f.cleanReqs = append(f.cleanReqs, req)
	return nil
}

func (f *fakeHandle) Geometry() cleanerd.Geometry { return f.geom }
func (f *fakeHandle) Path() string                { return "/dev/fake" }

func (f *fakeHandle) SetAllocRange(start, end uint64) error {
	f.allocCalls = append(f.allocCalls, [2]uint64{start, end})
	return nil
}

func (f *fakeHandle) Resize(newSizeBlocks uint64) error {
	idx := f.resizeCalls
	f.resizeCalls++
	if idx < len(f.resizeErrs) {
		return f.resizeErrs[idx]
	}
	return nil
}

func (f *fakeHandle) SyncFs() (uint64, error) { f.syncCalls++; return 0, nil }
func (f *fakeHandle) Freeze() error           { f.freezeCalls++; return nil }
func (f *fakeHandle) Thaw() error             { f.thawCalls++; return nil }

func baseHandle() *fakeHandle {
	return &fakeHandle{
		geom:     cleanerd.Geometry{BlockSize: 64, BlocksPerSegment: 8, SegmentSize: 512, NSegments: 10},
		usage:    map[uint64]cleanerd.SegmentUsageInfo{},
		segments: map[uint64][]byte{},
		sustat: cleanerd.SegmentUsageStat{
			NSegments: 10, NCleanSegments: 10, ProtSeq: 100,
		},
	}
}

func TestRunRejectsInsufficientCleanSegments(t *testing.T) {
	h := baseHandle()
	h.sustat.NCleanSegments = 0
	_, err := run(h, Params{NewSizeBytes: 5 * 512}, nil, nil, &fakeLocker{}, func(time.Duration) {})
	assert.ErrorIs(t, err, cleanerd.ErrShrinkInsufficientSpace)
}

func TestRunAllSegmentsAlreadyCleanResizesDirectly(t *testing.T) {
	h := baseHandle()
	locker := &fakeLocker{}
	res, err := run(h, Params{NewSizeBytes: 5 * 512, ReservedMinSegments: 1}, nil, nil, locker, func(time.Duration) {})
	require.NoError(t, err)
	assert.Equal(t, 0, res.EvictedActive)
	assert.Equal(t, 0, res.EvictedReclaimable)
	assert.Equal(t, 1, res.ResizeAttempts)
	require.Len(t, h.allocCalls, 2)
	assert.Equal(t, uint64(10*8), h.allocCalls[1][1], "allocator range restored to full size on exit")
}

func TestRunMigratesReclaimableDoomedSegments(t *testing.T) {
	h := baseHandle()
	h.usage[8] = cleanerd.SegmentUsageInfo{Flags: cleanerd.SegmentDirty}
	h.segments[8] = buildEmptySegment(1)
	locker := &fakeLocker{}

	res, err := run(h, Params{NewSizeBytes: 5 * 512, ReservedMinSegments: 1}, nil, nil, locker, func(time.Duration) {})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DoomedReclaimable)
	assert.Equal(t, 1, res.EvictedReclaimable)
	require.Len(t, h.cleanReqs, 1)
}

func TestRunRetriesResizeOnBusy(t *testing.T) {
	h := baseHandle()
	h.resizeErrs = []error{cleanerd.ErrBusy, cleanerd.ErrBusy, nil}
	locker := &fakeLocker{}

	res, err := run(h, Params{NewSizeBytes: 5 * 512, ReservedMinSegments: 1}, nil, nil, locker, func(time.Duration) {})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ResizeAttempts)
	assert.Equal(t, 3, h.resizeCalls)
}

func TestRunGivesUpAfterResizeRetriesExhausted(t *testing.T) {
	h := baseHandle()
	h.resizeErrs = []error{cleanerd.ErrBusy, cleanerd.ErrBusy, cleanerd.ErrBusy, cleanerd.ErrBusy}
	locker := &fakeLocker{}

	_, err := run(h, Params{NewSizeBytes: 5 * 512, ReservedMinSegments: 1, ResizeRetries: 4}, nil, nil, locker, func(time.Duration) {})
	assert.Error(t, err)
}
