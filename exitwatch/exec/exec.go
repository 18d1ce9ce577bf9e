// Package exec provides an abstraction around the processes the listener talks
// to, for easier testing.
package exec

import (
	"os"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Process describes a process that can be signaled.
type Process interface {
	PID() int
	Signal(os.Signal) error
}

type process struct {
	pid int
}

var _ Process = process{}

// Parent returns the parent of the calling process. Inside a container, that is
// the supervisor.
func Parent() Process {
	return process{unix.Getppid()}
}

// FindProcess returns a Process for an arbitrary PID. It does not check that
// the process exists.
func FindProcess(pid int) Process {
	return process{pid}
}

func (proc process) PID() int { return proc.pid }

func (proc process) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return errors.Errorf("unsupported signal %v", sig)
	}

	return errors.Wrapf(unix.Kill(proc.pid, s), "failed to send %v to pid %d", sig, proc.pid)
}

// RecordingProcess is a Process that records the signals it receives instead
// of delivering them. It is used for testing. A zero-value instance is a valid
// instance.
type RecordingProcess struct {
	// Err, if not nil, is returned by Signal after recording the signal.
	Err error

	mutex   sync.Mutex
	pid     int
	signals []os.Signal
}

var _ Process = (*RecordingProcess)(nil)

// NewRecordingProcess creates a RecordingProcess with the given PID.
func NewRecordingProcess(pid int) *RecordingProcess {
	return &RecordingProcess{pid: pid}
}

func (proc *RecordingProcess) PID() int { return proc.pid }

func (proc *RecordingProcess) Signal(sig os.Signal) error {
	proc.mutex.Lock()
	defer proc.mutex.Unlock()

	proc.signals = append(proc.signals, sig)
	return proc.Err
}

// Signals returns the signals received so far.
func (proc *RecordingProcess) Signals() []os.Signal {
	proc.mutex.Lock()
	defer proc.mutex.Unlock()

	return append([]os.Signal(nil), proc.signals...)
}
