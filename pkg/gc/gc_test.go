package gc

import (
	"testing"

	"github.com/nilfs2/cleanerd"
	"github.com/nilfs2/cleanerd/internal/segio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoalescePeriods(t *testing.T) {
	in := []cleanerd.Period{
		{Start: 10, End: 20},
		{Start: 5, End: 11},
		{Start: 25, End: 30},
		{Start: 19, End: 26},
	}
	out := CoalescePeriods(in)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(5), out[0].Start)
	assert.Equal(t, uint64(30), out[0].End)
}

func TestCoalescePeriodsDisjoint(t *testing.T) {
	in := []cleanerd.Period{{Start: 0, End: 5}, {Start: 10, End: 15}}
	out := CoalescePeriods(in)
	require.Len(t, out, 2)
	assert.Equal(t, in, out)
}

func TestVDescLiveMetaFile(t *testing.T) {
	cache := &livenessCache{}
	v := cleanerd.VirtualBlockDescriptor{Checkpoint: 0, Period: cleanerd.Period{End: cleanerd.CnoMax}}
	assert.True(t, VDescLive(v, 100, nil, cache))

	v.Period.End = 50
	assert.False(t, VDescLive(v, 100, nil, cache))
}

func TestVDescLiveSameCheckpointRewriteIsDead(t *testing.T) {
	cache := &livenessCache{}
	v := cleanerd.VirtualBlockDescriptor{Checkpoint: 5, Period: cleanerd.Period{Start: 5, End: 5}}
	assert.False(t, VDescLive(v, 100, nil, cache))
}

func TestVDescLiveAboveProtcnoIsLive(t *testing.T) {
	cache := &livenessCache{}
	v := cleanerd.VirtualBlockDescriptor{Checkpoint: 5, Period: cleanerd.Period{Start: 5, End: cleanerd.CnoMax}}
	assert.True(t, VDescLive(v, 100, nil, cache))

	v2 := cleanerd.VirtualBlockDescriptor{Checkpoint: 5, Period: cleanerd.Period{Start: 5, End: 150}}
	assert.True(t, VDescLive(v2, 100, nil, cache))
}

func TestVDescLiveSnapshotProtects(t *testing.T) {
	cache := &livenessCache{}
	snapshots := []uint64{7}
	v := cleanerd.VirtualBlockDescriptor{Checkpoint: 5, Period: cleanerd.Period{Start: 5, End: 10}}
	assert.True(t, VDescLive(v, 100, snapshots, cache))
	assert.True(t, cache.hasLastHit)
	assert.Equal(t, uint64(7), cache.lastHit)
}

func TestVDescLiveNoSnapshotInRangeIsDead(t *testing.T) {
	cache := &livenessCache{}
	snapshots := []uint64{20}
	v := cleanerd.VirtualBlockDescriptor{Checkpoint: 5, Period: cleanerd.Period{Start: 5, End: 10}}
	assert.False(t, VDescLive(v, 100, snapshots, cache))
}

func TestVDescLiveCacheHitShortcuts(t *testing.T) {
	cache := &livenessCache{lastHit: 8, hasLastHit: true}
	// No listed snapshot falls in [5, 10), so only the cached hit can make
	// this vdesc live.
	snapshots := []uint64{3, 12}
	v := cleanerd.VirtualBlockDescriptor{Checkpoint: 5, Period: cleanerd.Period{Start: 5, End: 10}}
	assert.True(t, VDescLive(v, 100, snapshots, cache))
}

func TestPartitionVDescsTotality(t *testing.T) {
	vdescs := []cleanerd.VirtualBlockDescriptor{
		{Inode: 1, Checkpoint: 5, VBlockNr: 1, Period: cleanerd.Period{Start: 5, End: 5}},
		{Inode: 1, Checkpoint: 5, VBlockNr: 2, Period: cleanerd.Period{Start: 5, End: cleanerd.CnoMax}},
	}
	result := PartitionVDescs(vdescs, 100, nil)
	assert.Len(t, result.LiveVDescs, 1)
	assert.Len(t, result.FreeVBlocks, 1)
	assert.Equal(t, uint64(1), result.FreeVBlocks[0])
}

func TestResolveBlockLivenessFiltersDead(t *testing.T) {
	fake := &fakeBdescResolver{
		fill: func(bdescs []cleanerd.BlockDescriptor) error {
			for i := range bdescs {
				if bdescs[i].Inode == segio.DatIno {
					bdescs[i].OBlockNr = bdescs[i].PBlockNr
				} else {
					bdescs[i].OBlockNr = bdescs[i].PBlockNr + 1
				}
			}
			return nil
		},
	}
	in := []cleanerd.BlockDescriptor{
		{Inode: segio.DatIno, PBlockNr: 10},
		{Inode: 99, PBlockNr: 20},
	}
	out, err := ResolveBlockLiveness(fake, in)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, segio.DatIno, out[0].Inode)
}

type fakeBdescResolver struct {
	fill func([]cleanerd.BlockDescriptor) error
}

func (f *fakeBdescResolver) GetBlockLiveness(bdescs []cleanerd.BlockDescriptor) error {
	return f.fill(bdescs)
}
