package device

import (
	"errors"
	"unsafe"

	"github.com/nilfs2/cleanerd"
	"golang.org/x/sys/unix"
)

// Kernel request command numbers, following the Linux ioctl encoding
// convention (direction, size, magic, sequence). The magic byte and
// sequence numbers mirror the reserved range a log-structured file system
// driver registers for its cleaner ioctls; they are not reused by any other
// subsystem on the running kernel.
const iocMagic = 0x98

func ioc(dir, nr, size uintptr) uintptr {
	const (
		dirShift  = 30
		sizeShift = 16
		typeShift = 8
	)
	return dir<<dirShift | size<<sizeShift | iocMagic<<typeShift | nr
}

func iocR(nr int, size uintptr) uintptr  { return ioc(2, uintptr(nr), size) }
func iocW(nr int, size uintptr) uintptr  { return ioc(1, uintptr(nr), size) }
func iocRW(nr int, size uintptr) uintptr { return ioc(3, uintptr(nr), size) }

// Kernel request command numbers, computed once at package init since ioc
// is not a constant expression.
var (
	iocGetSustat     = iocRW(1, unix.SizeofPtr)
	iocGetSuinfo     = iocRW(2, unix.SizeofPtr)
	iocSetSuinfo     = iocW(3, 40)
	iocGetCpinfo     = iocRW(4, unix.SizeofPtr)
	iocGetCpstat     = iocR(12, 24)
	iocDeleteCp      = iocW(5, 16)
	iocSyncFs        = iocR(6, 8)
	iocCleanSegments = iocW(7, unix.SizeofPtr*6)
	iocGetVinfo      = iocRW(8, unix.SizeofPtr)
	iocGetBdescs     = iocRW(9, unix.SizeofPtr)
	iocResize        = iocW(10, 8)
	iocSetAllocRange = iocW(11, 16)
	iocFreeze        = iocW(13, 0)
	iocThaw          = iocW(14, 0)
)

// argp is a (pointer, count) pair, the shape every variable-length kernel
// request in this family passes: a buffer of fixed-size records plus how
// many the caller wants or the kernel wrote.
type argp struct {
	ptr   uintptr
	count uint32
	_     uint32
}

func (h *Handle) ioctl(cmd uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(h.fd), cmd, uintptr(arg))
	if errno != 0 {
		return translateErrno(errno)
	}
	return nil
}

func translateErrno(errno unix.Errno) error {
	switch errno {
	case unix.ENOTTY, unix.EOPNOTSUPP:
		return cleanerd.ErrUnsupported
	case unix.EBUSY:
		return cleanerd.ErrBusy
	case unix.ENOENT:
		return cleanerd.ErrNotFound
	case unix.EINVAL:
		return cleanerd.ErrIllegalArgument
	default:
		return errno
	}
}

// GetSustat issues the file-system-wide segment usage summary request.
func (h *Handle) GetSustat() (cleanerd.SegmentUsageStat, error) {
	var raw struct {
		nsegs      uint64
		nclean     uint64
		nongcCtime int64
		protSeq    uint64
	}
	if err := h.ioctl(iocGetSustat, unsafe.Pointer(&raw)); err != nil {
		return cleanerd.SegmentUsageStat{}, err
	}
	return cleanerd.SegmentUsageStat{
		NSegments:      raw.nsegs,
		NCleanSegments: raw.nclean,
		NongcCtime:     raw.nongcCtime,
		ProtSeq:        raw.protSeq,
	}, nil
}

// rawSuinfo mirrors the kernel's per-segment usage record layout.
type rawSuinfo struct {
	lastModTime int64
	nblocks     uint32
	flags       uint32
}

// GetSegmentUsage fetches usage info for up to len(out) segments starting
// at segnum, filling out in place and returning it whole: every entry is
// overwritten and the slice is not trimmed to however many the kernel
// actually filled in. Large requests are the caller's responsibility to
// chunk; this method issues exactly one ioctl (§4.1).
func (h *Handle) GetSegmentUsage(segnum uint64, out []cleanerd.SegmentUsageInfo) ([]cleanerd.SegmentUsageInfo, error) {
	raw := make([]rawSuinfo, len(out))
	req := struct {
		segnum uint64
		argp
	}{
		segnum: segnum,
		argp:   argp{ptr: uintptr(unsafe.Pointer(&raw[0])), count: uint32(len(raw))},
	}
	if err := h.ioctl(iocGetSuinfo, unsafe.Pointer(&req)); err != nil {
		return nil, err
	}
	for i := range raw {
		out[i] = cleanerd.SegmentUsageInfo{
			SegmentNumber: segnum + uint64(i),
			LastModTime:   raw[i].lastModTime,
			NumBlocks:     raw[i].nblocks,
			Flags:         raw[i].flags,
		}
	}
	return out, nil
}

// suinfoUpdate requests clearing or setting specific usage flags on one
// segment, or retouching its last-modification time. The metadata-only
// deferral path (§4.5 step 6) uses the retouch; the GC pass never sets or
// clears flags.
type suinfoUpdate struct {
	segnum      uint64
	set         uint32
	clear       uint32
	lastModTime int64
	touchMod    uint32
	_           uint32
}

// SetSegmentUsage updates the dirty/active/error flags of one segment.
func (h *Handle) SetSegmentUsage(segnum uint64, set, clear uint32) error {
	req := suinfoUpdate{segnum: segnum, set: set, clear: clear}
	return h.ioctl(iocSetSuinfo, unsafe.Pointer(&req))
}

// TouchSegmentLastMod rewrites only a segment's last-modification time,
// leaving its flags untouched. This is the metadata-only deferral §4.5 step
// 6 uses to re-date a barely-reclaimable candidate instead of cleaning it.
// If the kernel reports the request unsupported, the feature is
// permanently disabled for this handle (§7 "Kernel-not-supported").
func (h *Handle) TouchSegmentLastMod(segnum uint64, lastMod int64) error {
	req := suinfoUpdate{segnum: segnum, lastModTime: lastMod, touchMod: 1}
	if err := h.ioctl(iocSetSuinfo, unsafe.Pointer(&req)); err != nil {
		if errors.Is(err, cleanerd.ErrUnsupported) {
			h.DisableSetSuinfo()
		}
		return err
	}
	return nil
}

type rawCpinfo struct {
	cno        uint64
	createTime int64
	next       uint64
	flags      uint32
	_          uint32
}

// Checkpoint enumeration modes for get_cpinfo (§4.4.3).
const (
	CpModeAll      uint32 = 0
	CpModeSnapshot uint32 = 1
)

// GetCheckpoints fetches up to len(out) checkpoint records at or after
// start, in the given enumeration mode.
func (h *Handle) GetCheckpoints(mode uint32, start uint64, out []cleanerd.CheckpointInfo) ([]cleanerd.CheckpointInfo, error) {
	raw := make([]rawCpinfo, len(out))
	req := struct {
		start uint64
		mode  uint32
		_     uint32
		argp
	}{
		start: start,
		mode:  mode,
		argp:  argp{ptr: uintptr(unsafe.Pointer(&raw[0])), count: uint32(len(raw))},
	}
	if err := h.ioctl(iocGetCpinfo, unsafe.Pointer(&req)); err != nil {
		return nil, err
	}
	n := 0
	for ; n < len(raw) && raw[n].cno != 0; n++ {
		out[n] = cleanerd.CheckpointInfo{
			Cno:        raw[n].cno,
			CreateTime: raw[n].createTime,
			Next:       raw[n].next,
			Flags:      raw[n].flags,
		}
	}
	return out[:n], nil
}

// GetCheckpointStat issues the cpstat summary request.
func (h *Handle) GetCheckpointStat() (cleanerd.CheckpointStat, error) {
	var raw struct {
		cno         uint64
		nCheckpoint uint64
		nSnapshot   uint64
	}
	if err := h.ioctl(iocGetCpstat, unsafe.Pointer(&raw)); err != nil {
		return cleanerd.CheckpointStat{}, err
	}
	return cleanerd.CheckpointStat{
		Cno:          raw.cno,
		NCheckpoints: raw.nCheckpoint,
		NSnapshots:   raw.nSnapshot,
	}, nil
}

// DeleteCheckpoint removes a single checkpoint. ErrBusy means the
// checkpoint is a protected snapshot or is still in use; ErrNotFound means
// it was already gone (§4.4.5, §7).
func (h *Handle) DeleteCheckpoint(cno uint64) error {
	req := struct{ start, end uint64 }{start: cno, end: cno + 1}
	return h.ioctl(iocDeleteCp, unsafe.Pointer(&req))
}

// SyncFs forces the file system to write back a checkpoint, returning the
// checkpoint number that was just committed.
func (h *Handle) SyncFs() (uint64, error) {
	var cno uint64
	if err := h.ioctl(iocSyncFs, unsafe.Pointer(&cno)); err != nil {
		return 0, err
	}
	return cno, nil
}

type rawVinfo struct {
	vblocknr uint64
	start    uint64
	end      uint64
}

// GetVirtualBlockInfo resolves the checkpoint lifetime of up to len(out)
// virtual block numbers, writing the (start, end) period back into vdescs
// in place. The caller is responsible for chunking large requests (§4.4.2
// uses batches of 512); this method issues exactly one ioctl per call.
func (h *Handle) GetVirtualBlockInfo(vdescs []cleanerd.VirtualBlockDescriptor) error {
	if len(vdescs) == 0 {
		return nil
	}
	raw := make([]rawVinfo, len(vdescs))
	for i, v := range vdescs {
		raw[i].vblocknr = v.VBlockNr
	}
	req := argp{ptr: uintptr(unsafe.Pointer(&raw[0])), count: uint32(len(raw))}
	if err := h.ioctl(iocGetVinfo, unsafe.Pointer(&req)); err != nil {
		return err
	}
	for i := range raw {
		vdescs[i].Period = cleanerd.Period{Start: raw[i].start, End: raw[i].end}
	}
	return nil
}

type rawBdesc struct {
	inode    uint64
	offset   uint64
	pblocknr uint64
	oblocknr uint64
	level    uint8
	_        [7]byte
}

// GetBlockLiveness resolves, for each DAT meta-file block descriptor, the
// allocator's current owner block number (OBlockNr), in place (§4.4.6).
func (h *Handle) GetBlockLiveness(bdescs []cleanerd.BlockDescriptor) error {
	if len(bdescs) == 0 {
		return nil
	}
	raw := make([]rawBdesc, len(bdescs))
	for i, b := range bdescs {
		raw[i] = rawBdesc{inode: b.Inode, offset: b.Offset, pblocknr: b.PBlockNr, level: b.Level}
	}
	req := argp{ptr: uintptr(unsafe.Pointer(&raw[0])), count: uint32(len(raw))}
	if err := h.ioctl(iocGetBdescs, unsafe.Pointer(&req)); err != nil {
		return err
	}
	for i := range raw {
		bdescs[i].OBlockNr = raw[i].oblocknr
	}
	return nil
}

// CleanSegmentsRequest is the atomic reclaim transaction the kernel
// applies in one go: move every still-live block named by vdescs/bdescs to
// a new location, then mark segnums reusable (§4.4.7, P2).
type CleanSegmentsRequest struct {
	Segments    []uint64
	VDescs      []cleanerd.VirtualBlockDescriptor
	BDescs      []cleanerd.BlockDescriptor
	Periods     []cleanerd.Period
	FreeVBlocks []uint64
}

type rawCleanSegments struct {
	segnums     argp
	vdescs      argp
	bdescs      argp
	periods     argp
	freeVBlocks argp
	protSeq     uint64
}

// CleanSegments submits a reclaim transaction. The kernel either applies
// the whole thing or rejects it outright; there is no partial application
// to roll back (§4.4.7, §6).
func (h *Handle) CleanSegments(req CleanSegmentsRequest, protSeq uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	rawVD := make([]rawVinfo, len(req.VDescs))
	for i, v := range req.VDescs {
		rawVD[i] = rawVinfo{vblocknr: v.VBlockNr, start: v.Period.Start, end: v.Period.End}
	}
	rawBD := make([]rawBdesc, len(req.BDescs))
	for i, b := range req.BDescs {
		rawBD[i] = rawBdesc{inode: b.Inode, offset: b.Offset, pblocknr: b.PBlockNr, level: b.Level}
	}
	rawPeriods := make([]struct{ start, end uint64 }, len(req.Periods))
	for i, p := range req.Periods {
		rawPeriods[i] = struct{ start, end uint64 }{p.Start, p.End}
	}

	call := rawCleanSegments{protSeq: protSeq}
	if len(req.Segments) > 0 {
		call.segnums = argp{ptr: uintptr(unsafe.Pointer(&req.Segments[0])), count: uint32(len(req.Segments))}
	}
	if len(rawVD) > 0 {
		call.vdescs = argp{ptr: uintptr(unsafe.Pointer(&rawVD[0])), count: uint32(len(rawVD))}
	}
	if len(rawBD) > 0 {
		call.bdescs = argp{ptr: uintptr(unsafe.Pointer(&rawBD[0])), count: uint32(len(rawBD))}
	}
	if len(rawPeriods) > 0 {
		call.periods = argp{ptr: uintptr(unsafe.Pointer(&rawPeriods[0])), count: uint32(len(rawPeriods))}
	}
	if len(req.FreeVBlocks) > 0 {
		call.freeVBlocks = argp{ptr: uintptr(unsafe.Pointer(&req.FreeVBlocks[0])), count: uint32(len(req.FreeVBlocks))}
	}

	return h.ioctl(iocCleanSegments, unsafe.Pointer(&call))
}

// Resize requests the kernel shrink or grow the file system to newSize
// blocks. Kernel errors come back through translateErrno; EBUSY, which the
// shrink engine retries (§4.8), arrives as ErrBusy.
func (h *Handle) Resize(newSizeBlocks uint64) error {
	return h.ioctl(iocResize, unsafe.Pointer(&newSizeBlocks))
}

// SetAllocRange narrows (or restores) the block allocator's usable range
// to [startBlock, endBlock), used by the shrink engine to keep the
// allocator from handing out blocks in the doomed range while it
// evacuates it (§4.8 steps 1 and 6).
func (h *Handle) SetAllocRange(startBlock, endBlock uint64) error {
	req := struct{ start, end uint64 }{startBlock, endBlock}
	return h.ioctl(iocSetAllocRange, unsafe.Pointer(&req))
}

// Freeze suspends new writes so the log cursor stops advancing.
func (h *Handle) Freeze() error { return h.ioctl(iocFreeze, nil) }

// Thaw resumes writes after Freeze. The shrink engine uses freeze+thaw
// back to back to coax the log cursor past segments that were protected
// only because the cursor itself still pointed at them (§4.8 step 4).
func (h *Handle) Thaw() error { return h.ioctl(iocThaw, nil) }
