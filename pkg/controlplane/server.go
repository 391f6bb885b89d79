package controlplane

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/nilfs2/cleanerd"
	"golang.org/x/sys/unix"
)

// Handler is the daemon-side implementation every command dispatches to.
// cmd/cleanerd's daemonRunner satisfies this by wrapping a Daemon plus a
// job table.
type Handler interface {
	Status() Response
	Run(args RunArgs) (jobID uint32, err error)
	Suspend() error
	Resume() error
	Tune(args TuneArgs) error
	Reload(path string) error
	Wait(jobID uint32, timeout time.Duration) (Response, error)
	Stop() error
	Shutdown() error
}

// Server accepts client connections on a Unix-domain socket and dispatches
// one framed request per connection to Handler, replying on the same
// connection (§4.7). This folds the original design's separate
// request/reply message queues into one bidirectional stream per request,
// since a stream socket has no stale-response drain problem a message
// queue does.
type Server struct {
	socketPath string
	handler    Handler
	logger     *slog.Logger
	listener   net.Listener
}

// NewServer returns a Server bound to socketPath; any stale socket file
// left behind by a previous crashed daemon is removed first.
func NewServer(socketPath string, handler Handler, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	return &Server{socketPath: socketPath, handler: handler, logger: logger, listener: ln}, nil
}

// Serve accepts connections until the listener is closed (by Close, or by
// a SHUTDOWN command handled internally).
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections and removes the socket file.
func (s *Server) Close() error {
	err := s.listener.Close()
	_ = os.Remove(s.socketPath)
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	req, err := ReadRequest(conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.logger.Warn("controlplane: malformed request", "error", err)
		}
		return
	}

	resp := s.dispatch(req)
	if err := WriteResponse(conn, resp); err != nil {
		s.logger.Warn("controlplane: write response failed", "error", err)
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case CmdGetStatus:
		return s.handler.Status()

	case CmdRun:
		args, err := decodeRunArgs(req.Body)
		if err != nil {
			return errResponse(err)
		}
		jobID, err := s.handler.Run(args)
		if err != nil {
			return errResponse(err)
		}
		return Response{Result: StatusOK, JobID: jobID}

	case CmdSuspend:
		return simpleResponse(s.handler.Suspend())

	case CmdResume:
		return simpleResponse(s.handler.Resume())

	case CmdTune:
		args, err := decodeTuneArgs(req.Body)
		if err != nil {
			return errResponse(err)
		}
		return simpleResponse(s.handler.Tune(args))

	case CmdReload:
		if len(req.Body) > maxReloadPathLen {
			return errResponse(ErrPathTooLong)
		}
		return simpleResponse(s.handler.Reload(string(req.Body)))

	case CmdWait:
		jobID, timeout := decodeWaitArgs(req.Body)
		resp, err := s.handler.Wait(jobID, timeout)
		if err != nil {
			return errResponse(err)
		}
		return resp

	case CmdStop:
		return simpleResponse(s.handler.Stop())

	case CmdShutdown:
		resp := simpleResponse(s.handler.Shutdown())
		go func() { _ = s.Close() }()
		return resp

	default:
		return Response{Result: StatusError, Errno: int32(unix.EINVAL)}
	}
}

func simpleResponse(err error) Response {
	if err != nil {
		return errResponse(err)
	}
	return Response{Result: StatusOK}
}

// errResponse translates a handler error into the kernel-side errno the
// client expects back (§6: "message-queue failures return the kernel-side
// errno echoed back to the client").
func errResponse(err error) Response {
	return Response{Result: StatusError, Status: StatusError, Errno: int32(errnoFor(err))}
}

func errnoFor(err error) unix.Errno {
	switch {
	case errors.Is(err, cleanerd.ErrBusy):
		return unix.EBUSY
	case errors.Is(err, cleanerd.ErrNotFound):
		return unix.ENOENT
	case errors.Is(err, cleanerd.ErrUnsupported):
		return unix.ENOTTY
	case errors.Is(err, cleanerd.ErrIllegalArgument), errors.Is(err, ErrPathTooLong), errors.Is(err, ErrRequestTooLarge):
		return unix.EINVAL
	case errors.Is(err, ErrTimedOut):
		return unix.ETIMEDOUT
	default:
		return unix.EIO
	}
}
