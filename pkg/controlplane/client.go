package controlplane

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// Client sends one command per connection to a daemon's control-plane
// socket (§4.7). Each call dials, writes a framed request, reads the
// framed reply, and closes — the stream equivalent of "create a private
// reply queue, drain stale responses, send".
type Client struct {
	socketPath string
	id         uuid.UUID
	dialTimeout time.Duration
}

// NewClient returns a Client addressing socketPath, carrying a freshly
// generated client id in every request header; the server does not use it.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, id: uuid.New(), dialTimeout: 5 * time.Second}
}

func (c *Client) call(cmd Command, body []byte) (Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.dialTimeout)
	if err != nil {
		return Response{}, fmt.Errorf("controlplane: dial: %w", err)
	}
	defer conn.Close()

	if err := WriteRequest(conn, Request{Cmd: cmd, Client: c.id, Body: body}); err != nil {
		return Response{}, fmt.Errorf("controlplane: write request: %w", err)
	}
	resp, err := ReadResponse(conn)
	if err != nil {
		return Response{}, fmt.Errorf("controlplane: read response: %w", err)
	}
	return resp, nil
}

// GetStatus issues GET_STATUS.
func (c *Client) GetStatus() (Response, error) { return c.call(CmdGetStatus, nil) }

// Run issues RUN with an explicit segment list (cleanerd rejects an empty
// one) and an optional dry-run flag.
func (c *Client) Run(args RunArgs) (Response, error) { return c.call(CmdRun, encodeRunArgs(args)) }

// Suspend issues SUSPEND.
func (c *Client) Suspend() (Response, error) { return c.call(CmdSuspend, nil) }

// Resume issues RESUME.
func (c *Client) Resume() (Response, error) { return c.call(CmdResume, nil) }

// Tune issues TUNE with sparse policy overrides.
func (c *Client) Tune(args TuneArgs) (Response, error) { return c.call(CmdTune, encodeTuneArgs(args)) }

// Reload issues RELOAD with a canonicalized config path.
func (c *Client) Reload(path string) (Response, error) {
	if len(path) > maxReloadPathLen {
		return Response{}, ErrPathTooLong
	}
	return c.call(CmdReload, []byte(path))
}

// Wait issues WAIT for jobID, blocking up to timeout (0 means no timeout).
func (c *Client) Wait(jobID uint32, timeout time.Duration) (Response, error) {
	return c.call(CmdWait, encodeWaitArgs(jobID, timeout))
}

// Stop issues STOP (normal priority: the daemon finishes its current pass
// before honoring it).
func (c *Client) Stop() (Response, error) { return c.call(CmdStop, nil) }

// Shutdown issues SHUTDOWN. This transport carries no request priority;
// the server handles each connection as it is accepted, and cleanerd
// treats SHUTDOWN the same way as STOP.
func (c *Client) Shutdown() (Response, error) { return c.call(CmdShutdown, nil) }
