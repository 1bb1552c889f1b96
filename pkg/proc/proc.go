// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package proc supervises external processes on a pseudo-terminal with
// fully non-blocking parent-side I/O. Every wait the package offers is
// bounded by a timeout.
package proc

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/jontk/gridrun/pkg/errors"
	"github.com/jontk/gridrun/pkg/logging"
)

// fdCreationLock serializes descriptor creation against process spawning;
// without it a concurrently forked child can inherit half-built pipes
var fdCreationLock sync.Mutex

// readBufferSize is the chunk size of the stream drain workers
const readBufferSize = 32 * 1024

// pollInterval is how often the drain workers check for shutdown while
// their descriptor is quiet
const pollInterval = 200 * time.Millisecond

// ExitStatus describes how a child ended: a normal exit carries the exit
// code, a signal termination carries the human-readable signal name
type ExitStatus struct {
	Code   int
	Signal string
}

// Success reports a clean zero exit
func (s *ExitStatus) Success() bool {
	return s.Signal == "" && s.Code == 0
}

// String returns the signal name or the decimal exit code
func (s *ExitStatus) String() string {
	if s.Signal != "" {
		return s.Signal
	}
	return strconv.Itoa(s.Code)
}

// Process is a supervised child on a controlling pseudo-terminal. Stdout
// and stderr are drained into unbounded buffers by background workers; a
// third worker feeds stdin; a reaper collects the exit status.
type Process struct {
	cmd    string
	args   []string
	logger logging.Logger

	execCmd *exec.Cmd
	master  *os.File

	Stdout *ReadStream
	Stderr *ReadStream
	Stdin  *WriteStream

	stdinQ  *byteQueue
	stdoutQ *byteQueue
	stderrQ *byteQueue

	shutdown *event
	finished *event

	statusMu   sync.Mutex
	exitStatus *ExitStatus
}

// Start spawns a child process under supervision. The child receives a
// controlling pseudo-terminal with TERM=vt100; file descriptors beyond
// the standard streams are not inherited. An invalid or non-executable
// command yields a typed process error before anything is spawned.
func Start(logger logging.Logger, cmd string, args ...string) (*Process, error) {
	if logger == nil {
		logger = logging.DefaultLogger
	}
	if cmd == "" {
		return nil, errors.NewProcessError(errors.ErrorCodeUnspawnable,
			"empty command", cmd, nil)
	}
	resolved := cmd
	if !filepath.IsAbs(cmd) {
		path, err := exec.LookPath(cmd)
		if err != nil {
			return nil, errors.NewProcessError(errors.ErrorCodeUnspawnable,
				"unable to resolve executable", cmd, err)
		}
		resolved = path
	}
	if err := unix.Access(resolved, unix.X_OK); err != nil {
		return nil, errors.NewProcessError(errors.ErrorCodeUnspawnable,
			"unable to execute command", resolved, err)
	}

	p := &Process{
		cmd:      resolved,
		args:     args,
		logger:   logger.With("component", "proc", "cmd", filepath.Base(resolved)),
		stdinQ:   newByteQueue(),
		stdoutQ:  newByteQueue(),
		stderrQ:  newByteQueue(),
		shutdown: newEvent(),
		finished: newEvent(),
	}

	fdCreationLock.Lock()
	master, tty, err := pty.Open()
	if err != nil {
		fdCreationLock.Unlock()
		return nil, errors.NewProcessError(errors.ErrorCodeUnspawnable,
			"unable to allocate pseudo-terminal", resolved, err)
	}
	eofToken := setupTerminal(master)
	stderrRead, stderrWrite, err := os.Pipe()
	if err != nil {
		fdCreationLock.Unlock()
		master.Close()
		tty.Close()
		return nil, errors.NewProcessError(errors.ErrorCodeUnspawnable,
			"unable to allocate stderr pipe", resolved, err)
	}

	execCmd := exec.Command(resolved, args...)
	execCmd.Stdin = tty
	execCmd.Stdout = tty
	execCmd.Stderr = stderrWrite
	execCmd.Env = append(os.Environ(), "TERM=vt100")
	execCmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	startErr := execCmd.Start()
	fdCreationLock.Unlock()
	tty.Close()
	stderrWrite.Close()
	if startErr != nil {
		master.Close()
		stderrRead.Close()
		return nil, errors.NewProcessError(errors.ErrorCodeUnspawnable,
			"unable to spawn command", resolved, startErr)
	}

	p.execCmd = execCmd
	p.master = master

	p.Stdout = &ReadStream{name: "stdout", cmd: resolved, queue: p.stdoutQ,
		shutdown: p.shutdown, finished: p.finished}
	p.Stderr = &ReadStream{name: "stderr", cmd: resolved, queue: p.stderrQ,
		shutdown: p.shutdown, finished: p.finished}
	p.Stdin = &WriteStream{queue: p.stdinQ, eofToken: eofToken}

	var workers sync.WaitGroup
	workers.Add(3)
	go p.drain(&workers, master, p.stdoutQ)
	go p.drain(&workers, stderrRead, p.stderrQ)
	go p.feedStdin(&workers)
	go p.reap(&workers, stderrRead)

	p.logger.Debug("external program called", "args", args)
	return p, nil
}

// Call returns the full command line of the supervised process
func (p *Process) Call() string {
	call := p.cmd
	for _, arg := range p.args {
		call += " " + arg
	}
	return call
}

// Status waits up to timeout for the child to finish and returns its exit
// status, or nil while it is still running. With terminate set, a child
// that outlives the timeout is terminated and the resulting status is
// returned.
func (p *Process) Status(timeout time.Duration, terminate bool) *ExitStatus {
	p.finished.Wait(timeout)
	p.statusMu.Lock()
	status := p.exitStatus
	p.statusMu.Unlock()
	if status != nil {
		return status
	}
	if terminate {
		return p.Terminate(time.Second)
	}
	return nil
}

// StatusRaise waits up to timeout for the exit status; a child that is
// still running afterwards is terminated and a typed timeout error raised
func (p *Process) StatusRaise(timeout time.Duration) (*ExitStatus, error) {
	status := p.Status(timeout, false)
	if status == nil {
		p.Terminate(time.Second)
		return nil, errors.NewTimeoutError("process is still running", p.cmd, timeout)
	}
	return status, nil
}

// Terminate ends the child: TERM first, KILL if it does not die within
// the timeout. Returns the final exit status, or nil if the child
// survived even the KILL wait.
func (p *Process) Terminate(timeout time.Duration) *ExitStatus {
	if status := p.Status(0, false); status != nil {
		return status
	}
	p.Kill(syscall.SIGTERM)
	if status := p.Status(timeout, false); status != nil {
		return status
	}
	p.Kill(syscall.SIGKILL)
	return p.Status(timeout, false)
}

// Kill sends a signal to the child. Signalling an already-reaped process
// is a no-op.
func (p *Process) Kill(sig syscall.Signal) {
	if p.finished.IsSet() {
		return
	}
	if err := p.execCmd.Process.Signal(sig); err != nil {
		p.logger.Debug("signal delivery failed", "signal", sig, "error", err)
	}
}

// Finish waits for the exit status and flushes both output streams
func (p *Process) Finish(timeout time.Duration) (*ExitStatus, string, string, error) {
	status, err := p.StatusRaise(timeout)
	return status, p.Stdout.Read(0), p.Stderr.Read(0), err
}

// GetOutput reads stdout for up to timeout and bounds the process
// lifetime by the same deadline. With raiseErrors set, a still-running or
// failed child raises a typed error.
func (p *Process) GetOutput(timeout time.Duration, raiseErrors bool) (string, error) {
	deadline := time.Now().Add(timeout)
	result := p.Stdout.Read(timeout)
	status := p.Status(time.Until(deadline), false)
	if status == nil {
		p.Terminate(time.Second)
		if raiseErrors {
			return result, errors.NewTimeoutError("process is still running", p.cmd, timeout)
		}
		return result, nil
	}
	if raiseErrors && !status.Success() {
		return result, errors.NewProcessError(errors.ErrorCodeProcessFailed,
			"command returned with status "+status.String(), p.cmd, nil)
	}
	return result, nil
}

// Restart spawns a fresh supervised process with the same command line,
// terminating the current child first if it is still running
func (p *Process) Restart() (*Process, error) {
	if p.Status(0, false) == nil {
		p.Terminate(time.Second)
	}
	return Start(p.logger, p.cmd, p.args...)
}

// drain moves bytes from a child descriptor into a stream buffer until
// the descriptor ends. While quiet it polls so a shutdown is noticed.
func (p *Process) drain(workers *sync.WaitGroup, fd *os.File, queue *byteQueue) {
	defer workers.Done()
	defer queue.finish()
	buf := make([]byte, readBufferSize)
	for {
		fd.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := fd.Read(buf)
		if n > 0 {
			queue.put(buf[:n])
		}
		if err == nil {
			continue
		}
		if os.IsTimeout(err) {
			if p.shutdown.IsSet() {
				return
			}
			continue
		}
		// EOF, or EIO once the terminal has gone
		return
	}
}

// feedStdin drains the stdin queue into the child terminal
func (p *Process) feedStdin(workers *sync.WaitGroup) {
	defer workers.Done()
	for {
		data := p.stdinQ.get(time.Second)
		if len(data) > 0 {
			if _, err := p.master.Write(data); err != nil {
				return
			}
			continue
		}
		if p.shutdown.IsSet() {
			return
		}
	}
}

// reap waits for the child, records its exit status, then shuts the
// stream workers down and releases the terminal
func (p *Process) reap(workers *sync.WaitGroup, stderrRead *os.File) {
	err := p.execCmd.Wait()
	status := &ExitStatus{Code: -1}
	if state := p.execCmd.ProcessState; state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signal = signalName(ws.Signal())
		} else {
			status.Code = state.ExitCode()
		}
	} else if err != nil {
		p.logger.Debug("wait failed", "error", err)
	}
	p.statusMu.Lock()
	p.exitStatus = status
	p.statusMu.Unlock()

	p.shutdown.Set()
	p.stdinQ.finish()
	workers.Wait()
	p.master.Close()
	stderrRead.Close()
	p.finished.Set()
}

// setupTerminal disables echo and output newline translation on the
// terminal and returns its VEOF byte
func setupTerminal(master *os.File) byte {
	fd := int(master.Fd())
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return 0x04 // ^D
	}
	termios.Oflag = termios.Oflag&^unix.ONLCR | unix.ONLRET
	termios.Lflag &^= unix.ECHO
	unix.IoctlSetTermios(fd, unix.TCSETS, termios)
	return termios.Cc[unix.VEOF]
}

// signalName resolves a signal to its conventional name
func signalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return "SIG_UNKNOWN"
}
