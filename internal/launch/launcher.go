// Package launch starts interactive shell processes on a pty and wires
// their output to an externally-owned terminal emulation sink.
package launch

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/g960059/muxdock/internal/logging"
)

const outputBufferSize = 32 * 1024

// StartInput describes one child process to launch.
type StartInput struct {
	Argv       []string
	WorkingDir string
	Env        []string
	Cols       uint16
	Rows       uint16

	// Sink receives everything the process writes. Optional.
	Sink io.Writer
}

// Process wraps a running child and its pty. The reader goroutine delivers
// output until the process exits; it never blocks the caller.
type Process struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu       sync.Mutex
	exited   bool
	exitErr  error
	done     chan struct{}
	doneOnce sync.Once
}

// Start spawns argv on a fresh pty. A spawn failure returns an error and no
// Process; there is nothing to clean up on that path.
func Start(in StartInput) (*Process, error) {
	if len(in.Argv) == 0 {
		return nil, fmt.Errorf("launch: empty argv")
	}
	cmd := exec.Command(in.Argv[0], in.Argv[1:]...)
	cmd.Dir = in.WorkingDir
	cmd.Env = in.Env

	size := &pty.Winsize{Cols: in.Cols, Rows: in.Rows}
	if size.Cols == 0 || size.Rows == 0 {
		size = &pty.Winsize{Cols: 80, Rows: 24}
	}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", in.Argv[0], err)
	}

	p := &Process{
		cmd:  cmd,
		ptmx: ptmx,
		done: make(chan struct{}),
	}
	go p.readLoop(in.Sink)
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exited = true
		p.exitErr = err
		p.mu.Unlock()
		_ = ptmx.Close()
		p.doneOnce.Do(func() { close(p.done) })
	}()
	return p, nil
}

func (p *Process) readLoop(sink io.Writer) {
	log := logging.Component("launch")
	buf := make([]byte, outputBufferSize)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			if sink != nil {
				if _, werr := sink.Write(buf[:n]); werr != nil {
					log.WithError(werr).Debug("sink write failed")
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// Pid returns the child process id, or 0 when unavailable.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed once the child has exited and its pty is drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Running reports whether the child has not yet exited.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

// Write feeds keystrokes to the child's terminal.
func (p *Process) Write(data []byte) (int, error) {
	return p.ptmx.Write(data)
}

// Resize updates the pty window size and lets the child observe SIGWINCH.
func (p *Process) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill delivers an unconditional termination signal by pid. Used for
// unresponsive sessions where a graceful exit command did not work.
func (p *Process) Kill() error {
	pid := p.Pid()
	if pid <= 0 {
		return fmt.Errorf("kill: no pid")
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}
