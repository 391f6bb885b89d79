package cleaner

import (
	"testing"
	"time"

	"github.com/nilfs2/cleanerd"
	"github.com/nilfs2/cleanerd/internal/segio"
	"github.com/nilfs2/cleanerd/pkg/config"
	"github.com/nilfs2/cleanerd/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUnlocker struct{ unlocked bool }

func (f *fakeUnlocker) Unlock() error { f.unlocked = true; return nil }

type fakeLocker struct{ lock *fakeUnlocker }

func (f *fakeLocker) LockCleaner(devicePath string) (unlocker, error) { return f.lock, nil }

type fakeHandle struct {
	sustat   cleanerd.SegmentUsageStat
	usage    map[uint64]cleanerd.SegmentUsageInfo
	nsegs    uint64
	cpinfo   []cleanerd.CheckpointInfo
	geometry cleanerd.Geometry
	cleaned  []uint64
}

func (f *fakeHandle) GetSustat() (cleanerd.SegmentUsageStat, error) { return f.sustat, nil }

func (f *fakeHandle) GetSegmentUsage(segnum uint64, out []cleanerd.SegmentUsageInfo) ([]cleanerd.SegmentUsageInfo, error) {
	n := 0
	for i := range out {
		sn := segnum + uint64(i)
		if sn >= f.nsegs {
			break
		}
		out[i] = f.usage[sn]
		out[i].SegmentNumber = sn
		n++
	}
	return out[:n], nil
}

func (f *fakeHandle) ReadSegment(segnum uint64) ([]byte, error) {
	buf := make([]byte, 8*64)
	segio.EncodeSummary(buf, 0, segnum+1, 7, 0, nil, segio.LogBegin|segio.LogEnd, 0)
	return buf, nil
}

func (f *fakeHandle) GetVirtualBlockInfo(vdescs []cleanerd.VirtualBlockDescriptor) error { return nil }

func (f *fakeHandle) GetCheckpoints(mode uint32, start uint64, out []cleanerd.CheckpointInfo) ([]cleanerd.CheckpointInfo, error) {
	var got []cleanerd.CheckpointInfo
	for _, cp := range f.cpinfo {
		if cp.Cno >= start {
			got = append(got, cp)
		}
		if len(got) == len(out) {
			break
		}
	}
	return got, nil
}

func (f *fakeHandle) GetCheckpointStat() (cleanerd.CheckpointStat, error) { return cleanerd.CheckpointStat{}, nil }
func (f *fakeHandle) GetBlockLiveness(bdescs []cleanerd.BlockDescriptor) error {
	for i := range bdescs {
		bdescs[i].OBlockNr = bdescs[i].PBlockNr
	}
	return nil
}
func (f *fakeHandle) SetSuinfoSupported() bool                            { return true }
func (f *fakeHandle) TouchSegmentLastMod(segnum uint64, lastMod int64) error { return nil }
func (f *fakeHandle) CleanSegments(req device.CleanSegmentsRequest, protSeq uint64) error {
	f.cleaned = append(f.cleaned, req.Segments...)
	return nil
}
func (f *fakeHandle) Geometry() cleanerd.Geometry { return f.geometry }
func (f *fakeHandle) Path() string                { return "/dev/fake" }

func TestScanWorkingSetFiltersByReclaimableAndAge(t *testing.T) {
	h := &fakeHandle{
		nsegs: 3,
		usage: map[uint64]cleanerd.SegmentUsageInfo{
			0: {Flags: cleanerd.SegmentDirty, LastModTime: 100},
			1: {Flags: cleanerd.SegmentDirty | cleanerd.SegmentActive, LastModTime: 50},
			2: {Flags: cleanerd.SegmentDirty, LastModTime: 900},
		},
	}
	d := &Daemon{h: h}
	entries, oldest, err := d.scanWorkingSet(3, 500)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(0), entries[0].Segnum)
	assert.Equal(t, int64(100), oldest)
}

func TestAdvanceProtectionCursorFindsFirstAtOrAfter(t *testing.T) {
	h := &fakeHandle{
		cpinfo: []cleanerd.CheckpointInfo{
			{Cno: 1, CreateTime: 10},
			{Cno: 2, CreateTime: 20},
			{Cno: 3, CreateTime: 30},
		},
	}
	d := &Daemon{h: h}
	cno, protTime, err := d.advanceProtectionCursor(20)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cno)
	assert.Equal(t, int64(20), protTime)
}

func TestStepNotRunningSleepsCleanCheckInterval(t *testing.T) {
	h := &fakeHandle{geometry: cleanerd.Geometry{NSegments: 0}}
	var slept time.Duration
	d := New(h, config.Policy{CleanCheckInterval: 7 * time.Second}, nil, nil, nil)
	d.sleep = func(dur time.Duration) { slept = dur }
	d.now = func() time.Time { return time.Unix(1000, 0) }

	more, err := d.Step(nil)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, 7*time.Second, slept)
}

func TestStepRunsGCPassWhenWorkingSetNonEmpty(t *testing.T) {
	h := &fakeHandle{
		sustat:   cleanerd.SegmentUsageStat{NongcCtime: 5, ProtSeq: 100},
		nsegs:    2,
		geometry: cleanerd.Geometry{NSegments: 2, BlockSize: 64, BlocksPerSegment: 8},
		usage: map[uint64]cleanerd.SegmentUsageInfo{
			0: {Flags: cleanerd.SegmentDirty, LastModTime: 0},
		},
	}
	lock := &fakeUnlocker{}
	d := New(h, config.Policy{
		NSegmentsPerClean:  5,
		MCNSegmentsPerClean: 5,
		CleaningInterval:   time.Second,
		ProtectionPeriod:   time.Hour,
	}, nil, nil, nil)
	d.lock = &fakeLocker{lock: lock}
	d.sleep = func(time.Duration) {}
	d.now = func() time.Time { return time.Unix(100000, 0) }
	d.snapshot = func() ([]uint64, error) { return nil, nil }

	more, err := d.Step(nil)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Contains(t, h.cleaned, uint64(0))
	assert.True(t, lock.unlocked)
}
