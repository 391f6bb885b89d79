// Package controlplane implements the daemon's client-facing command
// channel (§4.7): a well-known Unix-domain socket per device, length-
// prefixed framed requests/replies, and the fixed command catalogue. This
// is the portable substitute the design notes call for in place of named
// POSIX message queues (§9).
package controlplane

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Command identifies one request type from the fixed catalogue (§4.7).
type Command int32

const (
	CmdGetStatus Command = iota
	CmdRun
	CmdSuspend
	CmdResume
	CmdTune
	CmdReload
	CmdWait
	CmdStop
	CmdShutdown
)

func (c Command) String() string {
	switch c {
	case CmdGetStatus:
		return "GET_STATUS"
	case CmdRun:
		return "RUN"
	case CmdSuspend:
		return "SUSPEND"
	case CmdResume:
		return "RESUME"
	case CmdTune:
		return "TUNE"
	case CmdReload:
		return "RELOAD"
	case CmdWait:
		return "WAIT"
	case CmdStop:
		return "STOP"
	case CmdShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("Command(%d)", int32(c))
	}
}

// Priority mirrors §4.7's two request priorities. Over a Unix-domain
// socket there is no kernel-level priority queue, and Server has a single
// listener that handles each connection as it is accepted; nothing in this
// package orders requests by these values.
type Priority int

const (
	PriorityNormal Priority = 9
	PriorityHigh   Priority = 1
)

// maxBodyLen bounds a request body (§6: "fixed structs up to 4096 bytes").
const maxBodyLen = 4096

// maxReloadPathLen bounds RELOAD's path argument (§6: "up to 4064 bytes").
const maxReloadPathLen = 4064

// Request is one client command, always carrying the client's UUID
// (§4.7). The server answers on the connection the request arrived on and
// does not use the UUID.
type Request struct {
	Cmd    Command
	Client uuid.UUID
	Body   []byte
}

// RunArgs is RUN's body: an explicit segment list cleaned in place of the
// daemon's own working-set selection; cleanerd rejects an empty list.
type RunArgs struct {
	Segments []uint64
	DryRun   bool
}

// TuneArgs is TUNE's body: a sparse set of policy overrides, applied over
// the currently loaded policy without touching the file on disk.
type TuneArgs struct {
	ProtectionPeriodSeconds float64
	CleaningIntervalSeconds float64
	HasProtectionPeriod     bool
	HasCleaningInterval     bool
}

// Status mirrors a GET_STATUS reply's informational payload.
type Status int16

const (
	StatusOK Status = iota
	StatusRunning
	StatusSuspended
	StatusError
)

// Response is the fixed-width reply every command produces (§6): a
// result/status pair, a kernel-equivalent errno, and a job id a later WAIT
// can reference.
type Response struct {
	Result Status
	Status Status
	Errno  int32
	JobID  uint32
}

var (
	// ErrRequestTooLarge marks a request whose body exceeds maxBodyLen.
	ErrRequestTooLarge = errors.New("controlplane: request body too large")
	// ErrPathTooLong marks a RELOAD path exceeding maxReloadPathLen.
	ErrPathTooLong = errors.New("controlplane: reload path too long")
)

// wireHeader is the fixed-width header every framed request carries ahead
// of its variable-length body; responses are written without it (§6: "fixed-width header
// (cmd: i32, argsize: u32, uuid: 16 bytes)").
type wireHeader struct {
	Cmd     int32
	ArgSize uint32
	Client  [16]byte
}

const wireHeaderLen = 4 + 4 + 16

// WriteRequest frames req onto w: header, then body.
func WriteRequest(w io.Writer, req Request) error {
	if len(req.Body) > maxBodyLen {
		return ErrRequestTooLarge
	}
	hdr := wireHeader{Cmd: int32(req.Cmd), ArgSize: uint32(len(req.Body)), Client: req.Client}
	buf := make([]byte, wireHeaderLen+len(req.Body))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(hdr.Cmd))
	binary.LittleEndian.PutUint32(buf[4:8], hdr.ArgSize)
	copy(buf[8:24], hdr.Client[:])
	copy(buf[24:], req.Body)
	_, err := w.Write(buf)
	return err
}

// ReadRequest reads one framed request from r.
func ReadRequest(r io.Reader) (Request, error) {
	hdrBuf := make([]byte, wireHeaderLen)
	if _, err := io.ReadFull(r, hdrBuf); err != nil {
		return Request{}, err
	}
	cmd := Command(binary.LittleEndian.Uint32(hdrBuf[0:4]))
	argSize := binary.LittleEndian.Uint32(hdrBuf[4:8])
	if argSize > maxBodyLen {
		return Request{}, ErrRequestTooLarge
	}
	var client uuid.UUID
	copy(client[:], hdrBuf[8:24])

	body := make([]byte, argSize)
	if argSize > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Request{}, err
		}
	}
	return Request{Cmd: cmd, Client: client, Body: body}, nil
}

// responseWireLen is (result: i16, status: i16, err: i32, jobid: u32, pad: u32) (§6).
const responseWireLen = 2 + 2 + 4 + 4 + 4

// WriteResponse frames resp onto w.
func WriteResponse(w io.Writer, resp Response) error {
	buf := make([]byte, responseWireLen)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(resp.Result))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(resp.Status))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(resp.Errno))
	binary.LittleEndian.PutUint32(buf[8:12], resp.JobID)
	_, err := w.Write(buf)
	return err
}

// ReadResponse reads one framed response from r.
func ReadResponse(r io.Reader) (Response, error) {
	buf := make([]byte, responseWireLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Response{}, err
	}
	return Response{
		Result: Status(binary.LittleEndian.Uint16(buf[0:2])),
		Status: Status(binary.LittleEndian.Uint16(buf[2:4])),
		Errno:  int32(binary.LittleEndian.Uint32(buf[4:8])),
		JobID:  binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// SocketName derives the request channel's well-known name from the
// device's major/minor (or dev+ino as a fallback), mirroring
// "/<prefix>-<major>-<minor>" or "/<prefix>-<dev>-<ino>" (§6), minus the
// leading "/" a filesystem socket path does not want.
func SocketName(prefix string, major, minor uint32) string {
	return fmt.Sprintf("%s-%d-%d.sock", prefix, major, minor)
}

// SocketNameByInode is the dev+ino fallback form.
func SocketNameByInode(prefix string, dev, ino uint64) string {
	return fmt.Sprintf("%s-%d-%d.sock", prefix, dev, ino)
}
