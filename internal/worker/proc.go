package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/sourcegraph/jsonrpc2"
)

// workerProc is one subordinate inference process. The pool talks to it
// exclusively through this interface so tests can substitute fakes.
type workerProc interface {
	Call(ctx context.Context, method string, params, result any) error
	PID() int
	RSSBytes() (int64, error)
	Kill()
	Done() <-chan struct{}
}

// spawnFunc creates a new workerProc. The default spawns this binary's
// hidden `worker` subcommand and speaks JSON-RPC over its stdio.
type spawnFunc func() (workerProc, error)

type procHandle struct {
	cmd  *exec.Cmd
	conn *jsonrpc2.Conn
	done chan struct{}
}

// stdioPipe adapts the child's stdout/stdin pair into an io.ReadWriteCloser
// for the jsonrpc2 stream.
type stdioPipe struct {
	io.ReadCloser
	io.WriteCloser
}

func (p stdioPipe) Close() error {
	rerr := p.ReadCloser.Close()
	werr := p.WriteCloser.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}

// spawnSubprocess launches `<self> worker` and wires up the RPC connection.
func spawnSubprocess() (workerProc, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}

	cmd := exec.Command(exe, "worker")
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	stream := jsonrpc2.NewBufferedStream(
		stdioPipe{ReadCloser: stdout, WriteCloser: stdin},
		jsonrpc2.VSCodeObjectCodec{},
	)
	conn := jsonrpc2.NewConn(context.Background(), stream, noopHandler{})

	h := &procHandle{cmd: cmd, conn: conn, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		_ = conn.Close()
		close(h.done)
	}()
	return h, nil
}

// noopHandler ignores requests from the worker; the protocol is strictly
// request/response from the pool side.
type noopHandler struct{}

func (noopHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {}

func (h *procHandle) Call(ctx context.Context, method string, params, result any) error {
	return h.conn.Call(ctx, method, params, result)
}

func (h *procHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *procHandle) RSSBytes() (int64, error) {
	return residentSetBytes(h.PID())
}

// Kill terminates the worker: SIGTERM first, SIGKILL if it lingers.
func (h *procHandle) Kill() {
	if h.cmd.Process == nil {
		return
	}
	_ = h.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		_ = h.cmd.Process.Kill()
	}
}

func (h *procHandle) Done() <-chan struct{} {
	return h.done
}
