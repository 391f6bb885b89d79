package controlplane

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return a, b
}

type fakeHandler struct {
	runCalls []RunArgs
	stopped  bool
}

func (f *fakeHandler) Status() Response                    { return Response{Result: StatusOK, Status: StatusRunning} }
func (f *fakeHandler) Run(args RunArgs) (uint32, error)     { f.runCalls = append(f.runCalls, args); return 42, nil }
func (f *fakeHandler) Suspend() error                       { return nil }
func (f *fakeHandler) Resume() error                        { return nil }
func (f *fakeHandler) Tune(args TuneArgs) error              { return nil }
func (f *fakeHandler) Reload(path string) error              { return nil }
func (f *fakeHandler) Wait(jobID uint32, timeout time.Duration) (Response, error) {
	return Response{Result: StatusOK, JobID: jobID}, nil
}
func (f *fakeHandler) Stop() error     { f.stopped = true; return nil }
func (f *fakeHandler) Shutdown() error { return nil }

func TestServerRoundTripRun(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "cleanerd.sock")
	h := &fakeHandler{}
	srv, err := NewServer(sock, h, nil)
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Close()

	// Give the listener goroutine a moment to start accepting.
	time.Sleep(10 * time.Millisecond)

	cl := NewClient(sock)
	resp, err := cl.Run(RunArgs{Segments: []uint64{1, 2, 3}, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Result)
	assert.Equal(t, uint32(42), resp.JobID)
	require.Len(t, h.runCalls, 1)
	assert.Equal(t, []uint64{1, 2, 3}, h.runCalls[0].Segments)
	assert.True(t, h.runCalls[0].DryRun)
}

func TestServerStop(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "cleanerd.sock")
	h := &fakeHandler{}
	srv, err := NewServer(sock, h, nil)
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Close()
	time.Sleep(10 * time.Millisecond)

	cl := NewClient(sock)
	resp, err := cl.Stop()
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Result)
	assert.True(t, h.stopped)
}

func TestRequestResponseWireRoundTrip(t *testing.T) {
	r, w := pipe(t)
	defer r.Close()
	defer w.Close()

	go func() {
		_ = WriteRequest(w, Request{Cmd: CmdGetStatus, Body: []byte("x")})
	}()
	req, err := ReadRequest(r)
	require.NoError(t, err)
	assert.Equal(t, CmdGetStatus, req.Cmd)
	assert.Equal(t, []byte("x"), req.Body)
}
