// Package ptyproc owns the PTY lifecycle for a single agent: allocating the
// pseudo-terminal pair, forking/exec'ing the child, and the handful of
// operations the rest of the daemon needs (signal, resize, non-blocking
// read, non-blocking reap).
package ptyproc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// ErrEmptyCommand is returned by Spawn when argv is empty.
var ErrEmptyCommand = errors.New("ptyproc: empty command")

// Env describes the environment to apply to the child, post-fork pre-exec.
type Env struct {
	Clear bool
	Vars  map[string]string
}

// Process owns the PTY master fd and the child pid. The master file and its
// raw descriptor are valid exactly as long as the Process is alive; callers
// must hold a reference to it (normally via the manager lock) for every I/O
// call rather than caching the fd across suspension points.
type Process struct {
	master *os.File
	rawFD  int
	cmd    *exec.Cmd
	rows   int
	cols   int
}

// Spawn opens a PTY pair sized rows x cols and execs argv[0] with argv[1:]
// as arguments, with the slave as its controlling terminal. The master is
// set non-blocking so Read/Write never hang the reaper tick.
func Spawn(argv []string, rows, cols int, env Env) (*Process, error) {
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if env.Clear || len(env.Vars) > 0 {
		base := []string{}
		if !env.Clear {
			base = os.Environ()
		}
		for k, v := range env.Vars {
			base = append(base, k+"="+v)
		}
		cmd.Env = base
	}

	master, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, fmt.Errorf("ptyproc: spawn %v: %w", argv, err)
	}

	rawFD, err := rawDescriptor(master)
	if err != nil {
		_ = master.Close()
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("ptyproc: acquire raw fd: %w", err)
	}
	if err := unix.SetNonblock(rawFD, true); err != nil {
		_ = master.Close()
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("ptyproc: set nonblocking: %w", err)
	}

	return &Process{master: master, rawFD: rawFD, cmd: cmd, rows: rows, cols: cols}, nil
}

// rawDescriptor extracts the integer fd without disabling the runtime's
// bookkeeping via File.Fd (which would force the file into blocking mode).
// Once the raw fd is used directly with package unix, the *os.File is kept
// around only to guarantee the descriptor is closed on Close.
func rawDescriptor(f *os.File) (int, error) {
	sc, err := f.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	ctrlErr := sc.Control(func(rawFD uintptr) {
		fd = int(rawFD)
	})
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	return fd, nil
}

// PID returns the child process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Signal delivers sig to the child.
func (p *Process) Signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return errors.New("ptyproc: no process")
	}
	return p.cmd.Process.Signal(sig)
}

// Resize issues TIOCSWINSZ on the master. It does not touch the virtual
// screen; the caller is responsible for resizing that separately.
func (p *Process) Resize(rows, cols int) error {
	p.rows, p.cols = rows, cols
	return pty.Setsize(p.master, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// TryReap performs a non-blocking wait. It returns (code, true) if the child
// has exited, or (0, false) if it is still running. The exit code encoding
// matches the reference implementation: raw exit code for normal
// termination, 128+signal for signal termination. Callers should treat the
// result as an opaque integer, not decompose it further (see DESIGN.md open
// question 3).
func (p *Process) TryReap() (int, bool, error) {
	var ws syscall.WaitStatus
	pid, err := syscall.Wait4(p.PID(), &ws, syscall.WNOHANG, nil)
	if err != nil {
		if errors.Is(err, syscall.ECHILD) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if pid == 0 {
		return 0, false, nil
	}
	switch {
	case ws.Exited():
		return ws.ExitStatus(), true, nil
	case ws.Signaled():
		return 128 + int(ws.Signal()), true, nil
	default:
		return 0, false, nil
	}
}

// ReadResult distinguishes the three outcomes of a non-blocking read.
type ReadResult int

const (
	// ReadData means n bytes of data were read (n > 0).
	ReadData ReadResult = iota
	// ReadWouldBlock means no data was available right now (EAGAIN).
	ReadWouldBlock
	// ReadClosed means the PTY slave side has hung up (EIO).
	ReadClosed
)

// Read performs one non-blocking read from the master into buf.
func (p *Process) Read(buf []byte) (int, ReadResult, error) {
	n, err := unix.Read(p.rawFD, buf)
	if err != nil {
		switch {
		case errors.Is(err, unix.EAGAIN):
			return 0, ReadWouldBlock, nil
		case errors.Is(err, unix.EIO):
			return 0, ReadClosed, nil
		default:
			return 0, ReadClosed, err
		}
	}
	if n == 0 {
		// EOF on the master read side; treat like a hangup.
		return 0, ReadClosed, nil
	}
	return n, ReadData, nil
}

// Write writes data fully to the master. On EAGAIN it waits for the master
// to become writable and retries; it returns an error only if a single wait
// sees the kernel buffer stay full for the whole 5s poll timeout (the agent
// is presumably not reading its stdin).
func (p *Process) Write(data []byte) (int, error) {
	written := 0
	for written < len(data) {
		n, err := unix.Write(p.rawFD, data[written:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				if werr := p.waitWritable(); werr != nil {
					return written, werr
				}
				continue
			}
			return written, err
		}
		written += n
	}
	return written, nil
}

// waitWritable blocks (via poll, not a busy loop) until the master is
// writable again or a generous timeout elapses, guarding against a hung
// child that never drains its PTY input buffer.
func (p *Process) waitWritable() error {
	fds := []unix.PollFd{{Fd: int32(p.rawFD), Events: unix.POLLOUT}}
	const writeTimeoutMS = 5000
	n, err := unix.Poll(fds, writeTimeoutMS)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return err
	}
	if n == 0 {
		return fmt.Errorf("ptyproc: write timed out waiting for PTY to drain")
	}
	return nil
}

// Close releases the master file descriptor. It does not wait for or
// signal the child; callers are expected to have already reaped it.
func (p *Process) Close() error {
	return p.master.Close()
}
