package segio

// PartialSegmentIterator walks the logs (partial segments) written back to
// back inside one segment buffer. buf must already be sliced to the
// segment's usable area, so offset 0 is the segment's first usable block
// (§4.2).
type PartialSegmentIterator struct {
	buf              []byte
	blockSize        uint32
	blocksPerSegment uint32
	crcSeed          uint32

	pos       int    // byte offset of the next summary to read
	remaining uint32 // blocks left between pos and the end of the segment
	done      bool
	err       error
}

// NewPartialSegmentIterator returns an iterator over a single segment's
// worth of bytes, geometry taken from the open file-system handle.
func NewPartialSegmentIterator(buf []byte, blockSize, blocksPerSegment, crcSeed uint32) *PartialSegmentIterator {
	return &PartialSegmentIterator{
		buf:              buf,
		blockSize:        blockSize,
		blocksPerSegment: blocksPerSegment,
		crcSeed:          crcSeed,
		remaining:        blocksPerSegment,
	}
}

// Err returns the validation error that stopped iteration, or nil if the
// iterator simply ran out of logs to read.
func (it *PartialSegmentIterator) Err() error { return it.err }

func (it *PartialSegmentIterator) fail(err error) (Summary, bool) {
	it.done = true
	it.err = err
	return Summary{}, false
}

// Next decodes and validates the next log's summary header, then advances
// past its declared block length. It returns false once the segment is
// exhausted or a structural/CRC check fails; callers distinguish the two by
// checking Err() afterwards.
func (it *PartialSegmentIterator) Next() (Summary, bool) {
	if it.done {
		return Summary{}, false
	}
	if it.remaining < MinPartialSegmentBlocks {
		it.done = true
		return Summary{}, false
	}
	if it.pos%int(it.blockSize) != 0 {
		return it.fail(ErrCorrupt)
	}

	sum, nblocks, err := decodeSummary(it.buf, it.pos, it.crcSeed)
	if err != nil {
		return it.fail(err)
	}
	if nblocks == 0 || nblocks > it.remaining || nblocks > it.blocksPerSegment {
		return it.fail(ErrCorrupt)
	}
	logBytes := int(nblocks) * int(it.blockSize)
	if sum.tableEnd-it.pos > logBytes {
		return it.fail(ErrCorrupt)
	}

	it.pos += logBytes
	it.remaining -= nblocks
	return sum, true
}
