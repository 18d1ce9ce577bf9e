package exitwatch

import (
	"bufio"
	"io"
	"strconv"
	"syscall"
	"time"

	"git.unix.lgbt/diamondburned/exitwatch/exitwatch/exec"
	"git.unix.lgbt/diamondburned/exitwatch/exitwatch/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// WaitTimeout is the longest the listener blocks waiting for an event before
// running a sweep.
var WaitTimeout = time.Second

// AlertInterval is how often a process under alerting is alerted about.
var AlertInterval = time.Minute

// TerminationSignal is sent to the supervisor when a critical process exits
// and auto-restart is enabled.
var TerminationSignal = syscall.SIGTERM

// Clock returns the current logical time. It must never go backwards.
type Clock func() time.Duration

// MonotonicClock returns a Clock measuring monotonic time since the call.
func MonotonicClock() Clock {
	start := time.Now()
	return func() time.Duration { return time.Since(start) }
}

// Listener is a supervisor event listener for a single container. Its state
// carries over between calls to Run.
type Listener struct {
	WaitTimeout   time.Duration
	AlertInterval time.Duration
	Clock         Clock
	Alerter       Alerter
	// Namespace is the namespace label attached to alerts.
	Namespace string

	log        zerolog.Logger
	container  string
	names      *NameSet
	policy     *Policy
	publisher  Publisher
	supervisor exec.Process

	state *State
	hs    *Handshake
	in    *bufio.Reader
}

// NewListener creates a listener for the given container. The supervisor is
// the process signaled on termination, normally exec.Parent().
func NewListener(
	container string, names *NameSet, policy *Policy,
	pub Publisher, supervisor exec.Process, log zerolog.Logger) *Listener {

	return &Listener{
		WaitTimeout:   WaitTimeout,
		AlertInterval: AlertInterval,
		Clock:         MonotonicClock(),
		Alerter:       LogAlerter{log},
		Namespace:     HostNamespace,

		log:        log,
		container:  container,
		names:      names,
		policy:     policy,
		publisher:  pub,
		supervisor: supervisor,
		state:      NewState(),
	}
}

// State returns the listener's alerting and heartbeat state.
func (l *Listener) State() *State { return l.state }

// Run reads events from in and writes the handshake into out until the
// supervisor closes in, in which case nil is returned, or until a critical
// process takes the container down, in which case nil is also returned. Any
// other read error is returned.
//
// The waiter must report when in is readable; exec.ReadyWaiter suits inputs
// that never block.
func (l *Listener) Run(in io.Reader, out io.Writer, waiter exec.Waiter) error {
	l.in = bufio.NewReader(in)
	l.hs = NewHandshake(out, l.log)
	l.hs.OnWriteError = func(error) { metrics.HandshakeWriteErrors.Inc() }

	l.hs.Ready()

	for {
		// Bytes already buffered would not wake the waiter up.
		ready := l.in.Buffered() > 0
		if !ready {
			var err error

			ready, err = waiter.Wait(l.WaitTimeout)
			if err != nil {
				return errors.Wrap(err, "failed to wait for events")
			}
		}

		if ready {
			done, err := l.readAndHandle()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}

		l.sweep(l.Clock())
	}
}

// readAndHandle reads and handles a single event. It returns true once the
// listener should stop.
func (l *Listener) readAndHandle() (bool, error) {
	ev, err := ReadEvent(l.in)
	switch {
	case err == nil:
		// ok
	case errors.Is(err, io.EOF):
		l.log.Info().Msg("supervisor closed the event stream")
		return true, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		l.log.Warn().Msg("event stream ended in the middle of an event")
		return true, nil
	case errors.Is(err, ErrBadLength):
		l.log.Warn().Err(err).Msg("discarding event")
		metrics.EventsDiscarded.Inc()
		return false, nil
	default:
		return true, errors.Wrap(err, "failed to read event")
	}

	l.hs.Busy()
	metrics.EventsReceived.WithLabelValues(ev.Name).Inc()

	if l.dispatch(ev) {
		return true, nil
	}

	l.hs.OK()
	l.hs.Ready()
	return false, nil
}

// dispatch applies the policy to a single event. It returns true if the
// supervisor was told to terminate.
func (l *Listener) dispatch(ev *Event) bool {
	switch ev.Name {
	case EventProcessStateExited:
		return l.handleExited(ev)

	case EventProcessStateRunning:
		if l.state.Clear(ev.ProcessName()) {
			l.log.Info().Str("process", ev.ProcessName()).Msg("process is running again")
			metrics.ProcessesAlerting.Set(float64(l.state.AlertingCount()))
		}

	case EventProcessCommunicationStdout:
		if l.names.IsWatched(ev.ProcessName()) {
			l.state.Beat(ev.ProcessName(), l.Clock())
		}

	default:
		l.log.Warn().Str("event", ev.Name).Msg("unknown event type")
	}

	return false
}

func (l *Listener) handleExited(ev *Event) bool {
	process := ev.ProcessName()

	// A missing or malformed expected field counts as unexpected.
	if expected, _ := strconv.Atoi(ev.PayloadHeaders[keyExpected]); expected != 0 {
		return false
	}

	if !l.names.IsCritical(process, ev.GroupName()) {
		return false
	}

	if l.policy.AutoRestartState(l.container) != AutoRestartEnabled {
		l.log.Error().
			Str("process", process).
			Str("group", ev.GroupName()).
			Msg("critical process exited unexpectedly, auto-restart is disabled")

		l.state.Raise(process, l.Clock())
		metrics.ProcessesAlerting.Set(float64(l.state.AlertingCount()))
		return false
	}

	l.log.Info().
		Str("process", process).
		Str("container", l.container).
		Msg("process exited unexpectedly, terminating supervisor")

	l.terminate(process)
	return true
}

// terminate publishes the exit and signals the supervisor. Failures are logged
// only; the container is going down either way.
func (l *Listener) terminate(process string) {
	metrics.Terminations.Inc()

	err := l.publisher.Publish(TagProcessExitedUnexpectedly, map[string]string{
		ParamProcessName:   process,
		ParamContainerName: l.container,
	})
	if err != nil {
		l.log.Error().Err(err).Msg("failed to publish event")
	}

	if err := l.supervisor.Signal(TerminationSignal); err != nil {
		l.log.Error().Err(err).Int("pid", l.supervisor.PID()).Msg("failed to terminate supervisor")
	}
}

// sweep emits the alerts that are due at now.
func (l *Listener) sweep(now time.Duration) {
	for _, process := range sortedKeys(l.state.alerting) {
		entry := l.state.alerting[process]

		elapsed := now - entry.LastAlerted
		if elapsed < l.AlertInterval {
			continue
		}

		entry.LastAlerted = now
		entry.DeadMinutes += uint64(elapsed / time.Minute)

		l.alert(process, StatusNotRunning, entry.DeadMinutes, zerolog.ErrorLevel)
	}

	for _, process := range sortedKeys(l.state.heartbeats) {
		entry := l.state.heartbeats[process]

		threshold := l.policy.HeartbeatInterval(process)
		if threshold <= 0 {
			continue
		}

		elapsed := now - entry.LastSeen
		if elapsed < threshold {
			continue
		}

		l.alert(process, StatusStuck, uint64(elapsed/time.Minute), zerolog.WarnLevel)
	}
}

func (l *Listener) alert(process, status string, minutes uint64, level zerolog.Level) {
	metrics.AlertsEmitted.WithLabelValues(status).Inc()

	l.Alerter.Alert(Alert{
		Process:   process,
		Status:    status,
		Minutes:   minutes,
		Namespace: l.Namespace,
		Level:     level,
	})
}
