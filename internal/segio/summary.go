// Package segio implements the lazy cursors over a raw segment buffer that
// surface logs (partial segments) -> files -> blocks (§4.2). The cursors
// fail soft: a malformed buffer sets an error and the iterator reports
// end-of-data, it never panics, because segment contents may be corrupt
// (§7).
package segio

import (
	"errors"

	"github.com/nilfs2/cleanerd/internal/crc"
)

// ErrCorrupt marks a segment summary, file record, or block record that
// failed structural or CRC validation.
var ErrCorrupt = errors.New("segio: corrupt on-disk structure")

// SummaryMagic identifies a valid segment summary header.
const SummaryMagic uint32 = 0x574E4C31 // "1LNW"

// Summary flag bits (§3).
const (
	LogBegin uint32 = 1 << 0 // first log in a segment
	LogEnd   uint32 = 1 << 1 // last log in a segment
	LogSR    uint32 = 1 << 2 // this log carries the super-root
)

// summaryHeaderLen is the fixed, marshaled size of a segment summary
// header, in bytes. Layout (little-endian):
//
//	0  magic    uint32
//	4  seq      uint64
//	12 nblocks  uint32  declared partial-segment length, in blocks
//	16 nfinfo   uint32  number of file records
//	20 sumbytes uint32  declared byte length of the finfo/binfo table
//	24 crc      uint32  checksum of [28 : headerLen+sumbytes)
//	28 datacrc  uint32  checksum of this log's written data blocks
//	32 flags    uint32
const summaryHeaderLen = 36

// MinPartialSegmentBlocks is the minimum number of blocks a partial segment
// can occupy (header plus at least one data block). Once fewer blocks than
// this remain in a segment, the partial-segment iterator stops (§4.2).
const MinPartialSegmentBlocks = 2

// Summary is a decoded segment summary header plus the byte range of the
// finfo/binfo table that follows it, ready to be walked by a FileIterator.
type Summary struct {
	Seq      uint64
	NFinfo   uint32
	SumBytes uint32
	Flags    uint32

	tableStart int // absolute offset of the first finfo record
	tableEnd   int // absolute offset one past the finfo/binfo table
}

func (s Summary) IsBegin() bool     { return s.Flags&LogBegin != 0 }
func (s Summary) IsEnd() bool       { return s.Flags&LogEnd != 0 }
func (s Summary) CarriesRoot() bool { return s.Flags&LogSR != 0 }

func decodeSummary(buf []byte, pos int, crcSeed uint32) (Summary, uint32, error) {
	if pos+summaryHeaderLen > len(buf) {
		return Summary{}, 0, ErrCorrupt
	}
	hdr := buf[pos : pos+summaryHeaderLen]
	magic := crc.DecodeLE32(hdr[0:4])
	if magic != SummaryMagic {
		return Summary{}, 0, ErrCorrupt
	}
	seq := crc.DecodeLE64(hdr[4:12])
	nblocks := crc.DecodeLE32(hdr[12:16])
	nfinfo := crc.DecodeLE32(hdr[16:20])
	sumbytes := crc.DecodeLE32(hdr[20:24])
	wantCRC := crc.DecodeLE32(hdr[24:28])
	flags := crc.DecodeLE32(hdr[32:36])

	tableStart := pos + summaryHeaderLen
	tableEnd := tableStart + int(sumbytes)
	if tableEnd > len(buf) || tableEnd < tableStart {
		return Summary{}, 0, ErrCorrupt
	}

	region := buf[pos+28 : tableEnd]
	gotCRC := crc.Checksum(crcSeed, region)
	if gotCRC != wantCRC {
		return Summary{}, 0, ErrCorrupt
	}

	return Summary{
		Seq:        seq,
		NFinfo:     nfinfo,
		SumBytes:   sumbytes,
		Flags:      flags,
		tableStart: tableStart,
		tableEnd:   tableEnd,
	}, nblocks, nil
}

// EncodeSummary is the inverse of decodeSummary, exported for tests and for
// the mkfs/resize helpers that must fabricate a summary seed. It does not
// belong to the production read path.
func EncodeSummary(buf []byte, pos int, seq uint64, nblocks, nfinfo uint32, table []byte, flags uint32, crcSeed uint32) {
	putLE32(buf[pos+0:], SummaryMagic)
	putLE64(buf[pos+4:], seq)
	putLE32(buf[pos+12:], nblocks)
	putLE32(buf[pos+16:], nfinfo)
	putLE32(buf[pos+20:], uint32(len(table)))
	// CRC written after the table is known.
	putLE32(buf[pos+28:], 0) // datacrc: unused by this component
	putLE32(buf[pos+32:], flags)
	copy(buf[pos+summaryHeaderLen:], table)

	region := buf[pos+28 : pos+summaryHeaderLen+len(table)]
	sum := crc.Checksum(crcSeed, region)
	putLE32(buf[pos+24:], sum)
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
