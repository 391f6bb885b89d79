package segio

// DatIno is the reserved inode number of the DAT (disk address translation)
// meta-file. A file record's info-block layout depends on whether its inode
// matches this constant (§4.2).
const DatIno uint64 = 2

// finfoLen is the fixed, marshaled size of one file record header:
// inode(8) + checkpoint(8) + nblocks(4) + ndatablocks(4).
const finfoLen = 24

// Binfo record sizes (§4.2). A DAT file's data blocks carry only a physical
// offset; its node blocks carry an offset plus a B-tree level. A regular
// file's data blocks carry a virtual block number plus a file offset; its
// node blocks carry only a virtual block number.
const (
	datDataBinfoLen = 8
	datNodeBinfoLen = 16
	regDataBinfoLen = 16
	regNodeBinfoLen = 8
)

// FileIterator walks the finfo/binfo table of a single log (§4.2).
type FileIterator struct {
	buf       []byte
	blockSize int

	pos       int
	end       int
	remaining uint32
	done      bool
	err       error
}

// NewFileIterator returns an iterator over the file-record table described
// by sum.
func NewFileIterator(buf []byte, blockSize int, sum Summary) *FileIterator {
	return &FileIterator{
		buf:       buf,
		blockSize: blockSize,
		pos:       sum.tableStart,
		end:       sum.tableEnd,
		remaining: sum.NFinfo,
	}
}

func (it *FileIterator) Err() error { return it.err }

func (it *FileIterator) fail(err error) (FileRecord, bool) {
	it.done = true
	it.err = err
	return FileRecord{}, false
}

// FileRecord is one decoded finfo entry plus the block-record layout needed
// to construct a BlockIterator over its binfo table.
type FileRecord struct {
	Inode       uint64
	Checkpoint  uint64
	NBlocks     uint32
	NDataBlocks uint32
	IsDAT       bool

	buf         []byte
	blockSize   int
	recordStart []int // absolute byte offset of each binfo record, data first
}

// Next decodes the next finfo header and the binfo table that follows it,
// honouring the rule that a binfo record never straddles a block boundary
// (§4.2). It returns false at the end of the table or on a structural
// failure; Err distinguishes the two.
func (it *FileIterator) Next() (FileRecord, bool) {
	if it.done || it.remaining == 0 {
		it.done = true
		return FileRecord{}, false
	}
	if it.pos+finfoLen > it.end {
		return it.fail(ErrCorrupt)
	}

	hdr := it.buf[it.pos : it.pos+finfoLen]
	inode := leU64(hdr[0:8])
	checkpoint := leU64(hdr[8:16])
	nblocks := leU32(hdr[16:20])
	ndata := leU32(hdr[20:24])
	if ndata > nblocks {
		return it.fail(ErrCorrupt)
	}

	isDAT := inode == DatIno
	dataSize, nodeSize := regDataBinfoLen, regNodeBinfoLen
	if isDAT {
		dataSize, nodeSize = datDataBinfoLen, datNodeBinfoLen
	}

	cur := it.pos + finfoLen
	offsets := make([]int, 0, nblocks)
	nnode := nblocks - ndata
	for i := uint32(0); i < ndata; i++ {
		cur = alignForRecord(cur, it.blockSize, dataSize)
		if cur+dataSize > it.end {
			return it.fail(ErrCorrupt)
		}
		offsets = append(offsets, cur)
		cur += dataSize
	}
	for i := uint32(0); i < nnode; i++ {
		cur = alignForRecord(cur, it.blockSize, nodeSize)
		if cur+nodeSize > it.end {
			return it.fail(ErrCorrupt)
		}
		offsets = append(offsets, cur)
		cur += nodeSize
	}

	it.pos = cur
	it.remaining--

	return FileRecord{
		Inode:       inode,
		Checkpoint:  checkpoint,
		NBlocks:     nblocks,
		NDataBlocks: ndata,
		IsDAT:       isDAT,
		buf:         it.buf,
		blockSize:   it.blockSize,
		recordStart: offsets,
	}, true
}

// alignForRecord advances pos to the next block boundary if a record of
// size bytes starting at pos would otherwise straddle one.
func alignForRecord(pos, blockSize, size int) int {
	within := pos % blockSize
	if within+size > blockSize {
		return pos + (blockSize - within)
	}
	return pos
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
