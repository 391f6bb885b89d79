package device

import (
	"encoding/binary"

	"github.com/nilfs2/cleanerd"
	"github.com/nilfs2/cleanerd/internal/crc"
)

// superBlockMagic identifies a valid super-block.
const superBlockMagic uint16 = 0x3434

// Primary and secondary super-block byte offsets from the start of the
// device, and the fixed on-disk size of one copy.
const (
	primarySuperBlockOffset   = 1024
	superBlockSize            = 1024
	secondarySuperBlockOffset = 4096 // relative to the second segment in small images; recomputed from device size in Open
)

// Feature bits a handle refuses to mount (§7).
const (
	FeatureIncompatSupported uint64 = 0 // no incompatible bits are understood beyond the base format
)

// superBlock is the decoded fields of one on-disk super-block copy needed to
// derive cleanerd.Geometry and to locate checkpoints (§3).
type superBlock struct {
	blockSizeLog2    uint32
	blocksPerSegment uint32
	nSegments        uint64
	firstDataBlock   uint64
	crcSeed          uint32
	featureCompat    uint64
	featureIncompat  uint64
	lastCno          uint64
	createTime       int64
	uuid             [16]byte
}

// Layout: magic(2) pad(2) rev_level(4)
// checksum_seed(4) bytes_per_inode(4) blocks_per_segment(4)
// r_segments_percentage(4) nsegments(8) dev_size(8) first_data_block(8)
// feature_compat(8) feature_compat_ro(8) feature_incompat(8)
// checkpoint_frequency(4) block_count_max(4) watermark(4) log_block_size(4)
// ... last_checkpoint(8) state(2) errors(2) mtime(8) wtime(8) mnt_count(2)
// max_mnt_count(2) uuid(16) volume_name(80) last_mount_time(8)
// crc(4, at a fixed tail offset)
//
// Only the fields the cleaner daemon actually consumes are decoded; unused
// bytes are skipped rather than modeled as named fields, matching how the
// on-disk format reserves space for tooling this daemon does not implement.
const (
	sbOffMagic           = 0
	sbOffChecksumSeed    = 8
	sbOffBlocksPerSeg    = 16
	sbOffNSegments       = 24
	sbOffFirstDataBlock  = 40
	sbOffFeatureCompat   = 48
	sbOffFeatureCompatRO = 56
	sbOffFeatureIncompat = 64
	sbOffLogBlockSize    = 84
	sbOffLastCno         = 96
	sbOffCTime           = 104
	sbOffUUID            = 128
	sbOffCRC             = 1020
)

// parseSuperBlock decodes and validates one 1024-byte super-block copy.
// Validation is magic + CRC plus rejection of unknown incompatible feature
// bits; anything else that parses and checksums is trusted (§7,
// ErrNoValidSuperblock / ErrIncompatibleFeature).
func parseSuperBlock(buf []byte) (superBlock, error) {
	if len(buf) < superBlockSize {
		return superBlock{}, cleanerd.ErrNoValidSuperblock
	}
	magic := binary.LittleEndian.Uint16(buf[sbOffMagic:])
	if magic != superBlockMagic {
		return superBlock{}, cleanerd.ErrNoValidSuperblock
	}

	wantCRC := binary.LittleEndian.Uint32(buf[sbOffCRC:])
	gotCRC := crc.Checksum(0, buf[:sbOffCRC])
	if gotCRC != wantCRC {
		return superBlock{}, cleanerd.ErrNoValidSuperblock
	}

	var sb superBlock
	sb.crcSeed = binary.LittleEndian.Uint32(buf[sbOffChecksumSeed:])
	sb.blocksPerSegment = binary.LittleEndian.Uint32(buf[sbOffBlocksPerSeg:])
	sb.nSegments = binary.LittleEndian.Uint64(buf[sbOffNSegments:])
	sb.firstDataBlock = binary.LittleEndian.Uint64(buf[sbOffFirstDataBlock:])
	sb.featureCompat = binary.LittleEndian.Uint64(buf[sbOffFeatureCompat:])
	sb.featureIncompat = binary.LittleEndian.Uint64(buf[sbOffFeatureIncompat:])
	sb.blockSizeLog2 = binary.LittleEndian.Uint32(buf[sbOffLogBlockSize:])
	sb.lastCno = binary.LittleEndian.Uint64(buf[sbOffLastCno:])
	sb.createTime = int64(binary.LittleEndian.Uint64(buf[sbOffCTime:]))
	copy(sb.uuid[:], buf[sbOffUUID:sbOffUUID+16])

	if sb.featureIncompat & ^FeatureIncompatSupported != 0 {
		return superBlock{}, cleanerd.ErrIncompatibleFeature
	}

	return sb, nil
}

func (sb superBlock) blockSize() uint32 {
	return 1 << (10 + sb.blockSizeLog2)
}

func (sb superBlock) geometry() cleanerd.Geometry {
	return cleanerd.Geometry{
		BlockSize:        sb.blockSize(),
		BlocksPerSegment: sb.blocksPerSegment,
		SegmentSize:      uint64(sb.blocksPerSegment) * uint64(sb.blockSize()),
		NSegments:        sb.nSegments,
		FirstDataBlock:   sb.firstDataBlock,
		CRCSeed:          sb.crcSeed,
		FeatureCompat:    sb.featureCompat,
		FeatureIncompat:  sb.featureIncompat,
	}
}
