package exec

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Waiter waits for input to become readable.
type Waiter interface {
	// Wait blocks for at most timeout and returns true if input is readable.
	// End of stream and a hung up peer both count as readable, so that the
	// following read observes them.
	Wait(timeout time.Duration) (bool, error)
}

// FdWaiter is a Waiter polling a file descriptor.
type FdWaiter struct {
	fd int32
}

var _ Waiter = FdWaiter{}

// NewFdWaiter creates a waiter for the given file descriptor, usually
// os.Stdin.Fd().
func NewFdWaiter(fd uintptr) FdWaiter {
	return FdWaiter{int32(fd)}
}

const readable = unix.POLLIN | unix.POLLHUP | unix.POLLERR

func (w FdWaiter) Wait(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: w.fd, Events: unix.POLLIN}}

	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			// Treat as a timeout; the caller loops anyway.
			return false, nil
		}
		return false, errors.Wrap(err, "failed to poll")
	}

	if fds[0].Revents&unix.POLLNVAL != 0 {
		return false, errors.New("file descriptor is not open")
	}

	return n > 0 && fds[0].Revents&readable != 0, nil
}

// ReadyWaiter is a Waiter that never blocks and always reports input as
// readable. It suits inputs that are not file descriptors, such as in-memory
// buffers, where a read never blocks either.
type ReadyWaiter struct{}

var _ Waiter = ReadyWaiter{}

func (ReadyWaiter) Wait(time.Duration) (bool, error) { return true, nil }
