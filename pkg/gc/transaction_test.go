package gc

import (
	"testing"
	"time"

	"github.com/nilfs2/cleanerd"
	"github.com/nilfs2/cleanerd/internal/segio"
	"github.com/nilfs2/cleanerd/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildEmptySegment encodes a single, valid, file-record-free log filling
// 7 of 8 blocks, so the partial-segment iterator yields exactly one
// summary and then stops cleanly (not corrupt) once remaining blocks drop
// below segio.MinPartialSegmentBlocks.
func buildEmptySegment(seq uint64) []byte {
	buf := make([]byte, 8*64)
	segio.EncodeSummary(buf, 0, seq, 7, 0, nil, segio.LogBegin|segio.LogEnd, 0)
	return buf
}

type fakeLock struct {
	unlockErr error
	unlocked  bool
}

func (f *fakeLock) Unlock() error {
	f.unlocked = true
	return f.unlockErr
}

type fakeHandle struct {
	usage           map[uint64]cleanerd.SegmentUsageInfo
	segments        map[uint64][]byte
	suinfoSupported bool
	touched         []uint64
	cleanReq        *device.CleanSegmentsRequest
}

func (f *fakeHandle) GetSegmentUsage(segnum uint64, out []cleanerd.SegmentUsageInfo) ([]cleanerd.SegmentUsageInfo, error) {
	u := f.usage[segnum]
	out[0] = u
	return out[:1], nil
}

func (f *fakeHandle) ReadSegment(segnum uint64) ([]byte, error) {
	return f.segments[segnum], nil
}

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

func (f *fakeHandle) SetSuinfoSupported() bool { return f.suinfoSupported }

func (f *fakeHandle) TouchSegmentLastMod(segnum uint64, lastMod int64) error {
	f.touched = append(f.touched, segnum)
	return nil
}

func (f *fakeHandle) CleanSegments(req device.CleanSegmentsRequest, protSeq uint64) error {
	f.cleanReq = &req
	return nil
}

func TestGCPassNoCandidatesIsNoop(t *testing.T) {
	lock := &fakeLock{}
	h := &fakeHandle{}
	res, err := GCPass(h, cleanerd.Geometry{}, Params{ProtSeq: 10}, nil, lock, nil, nil)
	require.NoError(t, err)
	assert.False(t, res.Submitted)
	assert.True(t, lock.unlocked)
}

func TestGCPassUnreclaimableSegmentDropped(t *testing.T) {
	lock := &fakeLock{}
	h := &fakeHandle{
		usage: map[uint64]cleanerd.SegmentUsageInfo{
			1: {Flags: cleanerd.SegmentActive},
		},
	}
	res, err := GCPass(h, cleanerd.Geometry{BlockSize: 64, BlocksPerSegment: 8}, Params{Candidates: []uint64{1}, ProtSeq: 10}, nil, lock, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.DroppedUnreclaimable)
	assert.False(t, res.Submitted)
	assert.True(t, lock.unlocked)
}

func TestGCPassDryRunStopsBeforeTransaction(t *testing.T) {
	lock := &fakeLock{}
	h := &fakeHandle{
		usage: map[uint64]cleanerd.SegmentUsageInfo{
			1: {Flags: cleanerd.SegmentDirty},
		},
		segments: map[uint64][]byte{1: buildEmptySegment(1)},
	}
	res, err := GCPass(h, cleanerd.Geometry{BlockSize: 64, BlocksPerSegment: 8}, Params{Candidates: []uint64{1}, ProtSeq: 10, DryRun: true}, nil, lock, nil, nil)
	require.NoError(t, err)
	assert.False(t, res.Submitted)
	assert.Nil(t, h.cleanReq)
	assert.True(t, lock.unlocked)
}

func TestGCPassUnknownReclaimParamRejected(t *testing.T) {
	lock := &fakeLock{}
	h := &fakeHandle{}
	_, err := GCPass(h, cleanerd.Geometry{}, Params{Candidates: []uint64{1}, ProtSeq: 10, ReclaimParamBits: 0x8000}, nil, lock, nil, nil)
	assert.ErrorIs(t, err, ErrUnknownReclaimParam)
	assert.True(t, lock.unlocked)
}

func TestGCPassLockReleaseFailureIsFatal(t *testing.T) {
	lock := &fakeLock{unlockErr: assert.AnError}
	h := &fakeHandle{}
	_, err := GCPass(h, cleanerd.Geometry{}, Params{}, nil, lock, nil, nil)
	assert.ErrorIs(t, err, cleanerd.ErrLockReleaseFailed)
}

func TestGCPassDeferralPathSkipsTransaction(t *testing.T) {
	lock := &fakeLock{}
	h := &fakeHandle{
		usage: map[uint64]cleanerd.SegmentUsageInfo{
			1: {Flags: cleanerd.SegmentDirty},
		},
		segments:        map[uint64][]byte{1: buildEmptySegment(1)},
		suinfoSupported: true,
	}
	fixedNow := func() time.Time { return time.Unix(1000, 0) }
	res, err := GCPass(h, cleanerd.Geometry{BlockSize: 64, BlocksPerSegment: 8}, Params{
		Candidates:           []uint64{1},
		ProtSeq:              10,
		MinReclaimableBlocks: 1000,
	}, nil, lock, nil, fixedNow)
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.False(t, res.Submitted)
	assert.Equal(t, []uint64{1}, h.touched)
	assert.Nil(t, h.cleanReq)
}
