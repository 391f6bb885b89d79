package segio

// BlockInfo is one decoded binfo record: a data block's or node block's
// identity as recorded in the log, in whichever of the four shapes its
// owning file and block kind dictate (§4.2).
type BlockInfo struct {
	Index      int
	IsData     bool
	VBlockNr   uint64 // regular files only; 0 for DAT records
	FileOffset uint64
	Level      uint8 // DAT node records only
}

// BlockIterator walks the binfo records belonging to one FileRecord.
type BlockIterator struct {
	rec FileRecord
	i   int
}

// NewBlockIterator returns an iterator over rec's block records, data
// records first, in the order they appear in the log.
func NewBlockIterator(rec FileRecord) *BlockIterator {
	return &BlockIterator{rec: rec}
}

// Next decodes the next block record. It returns false once every record
// named by the owning finfo has been consumed.
func (it *BlockIterator) Next() (BlockInfo, bool) {
	if it.i >= len(it.rec.recordStart) {
		return BlockInfo{}, false
	}
	off := it.rec.recordStart[it.i]
	isData := uint32(it.i) < it.rec.NDataBlocks
	info := BlockInfo{Index: it.i, IsData: isData}

	switch {
	case it.rec.IsDAT && isData:
		info.FileOffset = leU64(it.rec.buf[off : off+8])
	case it.rec.IsDAT && !isData:
		info.FileOffset = leU64(it.rec.buf[off : off+8])
		info.Level = it.rec.buf[off+8]
	case !it.rec.IsDAT && isData:
		info.VBlockNr = leU64(it.rec.buf[off : off+8])
		info.FileOffset = leU64(it.rec.buf[off+8 : off+16])
	default: // regular file, node block
		info.VBlockNr = leU64(it.rec.buf[off : off+8])
	}

	it.i++
	return info, true
}
