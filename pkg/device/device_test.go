package device

import (
	"testing"

	"github.com/nilfs2/cleanerd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockFileName(t *testing.T) {
	// dev_t 0x0801 is (major=8, minor=1) on Linux, e.g. /dev/sda1.
	assert.Equal(t, "8-1.lock", lockFileName(0x0801))
}

func TestSecondarySuperBlockLocation(t *testing.T) {
	assert.Equal(t, int64(secondarySuperBlockOffset), secondarySuperBlockLocation(100))
	assert.Equal(t, int64(1<<20-4096), secondarySuperBlockLocation(1<<20))
}

func TestSuperBlockGeometry(t *testing.T) {
	sb := superBlock{
		blockSizeLog2:    2, // 4096-byte blocks
		blocksPerSegment: 2048,
		nSegments:        100,
		firstDataBlock:   1,
		crcSeed:          0x1234,
		featureCompat:    0,
		featureIncompat:  0,
	}
	g := sb.geometry()
	require.Equal(t, uint32(4096), g.BlockSize)
	assert.Equal(t, uint64(2048*4096), g.SegmentSize)
	assert.Equal(t, uint64(100), g.NSegments)
}

func TestParseSuperBlockRejectsBadMagic(t *testing.T) {
	buf := make([]byte, superBlockSize)
	_, err := parseSuperBlock(buf)
	assert.ErrorIs(t, err, cleanerd.ErrNoValidSuperblock)
}

func TestParseSuperBlockRejectsTooShort(t *testing.T) {
	_, err := parseSuperBlock(make([]byte, 10))
	assert.ErrorIs(t, err, cleanerd.ErrNoValidSuperblock)
}

func TestIocEncodingIsStable(t *testing.T) {
	// Distinct (nr, dir, size) triples must never collide, or two kernel
	// requests would alias onto the same ioctl number.
	seen := map[uintptr]string{}
	cmds := map[string]uintptr{
		"sustat":   iocGetSustat,
		"suinfo":   iocGetSuinfo,
		"setsu":    iocSetSuinfo,
		"cpinfo":   iocGetCpinfo,
		"cpstat":   iocGetCpstat,
		"deletecp": iocDeleteCp,
		"syncfs":   iocSyncFs,
		"clean":    iocCleanSegments,
		"vinfo":    iocGetVinfo,
		"bdescs":   iocGetBdescs,
		"resize":   iocResize,
	}
	for name, cmd := range cmds {
		if other, ok := seen[cmd]; ok {
			t.Fatalf("ioctl command collision between %s and %s", name, other)
		}
		seen[cmd] = name
	}
}
