package exitwatch

import (
	"bytes"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"git.unix.lgbt/diamondburned/exitwatch/exitwatch/exec"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testListener struct {
	*Listener
	clock      *fakeClock
	alerter    *mockAlerter
	publisher  *mockPublisher
	supervisor *exec.RecordingProcess
	out        bytes.Buffer
}

func newTestListener(t *testing.T, container string, store mockStore) *testListener {
	t.Helper()

	names := NewNameSet(
		[]string{"snmp"},
		[]string{"orchagent", "snmpd"},
		[]string{"bgpd", "zebra"},
	)

	tl := &testListener{
		clock:      &fakeClock{now: time.Hour},
		alerter:    &mockAlerter{},
		publisher:  &mockPublisher{},
		supervisor: exec.NewRecordingProcess(1),
	}

	policy := NewPolicy(store, zerolog.Nop())

	tl.Listener = NewListener(container, names, policy, tl.publisher, tl.supervisor, zerolog.Nop())
	tl.Listener.Clock = tl.clock.Clock()
	tl.Listener.Alerter = tl.alerter
	tl.Listener.Namespace = "asic0"

	return tl
}

func (tl *testListener) run(t *testing.T, events ...string) {
	t.Helper()

	in := strings.NewReader(strings.Join(events, ""))
	require.NoError(t, tl.Run(in, &tl.out, exec.ReadyWaiter{}))
}

func defaultStore() mockStore {
	return mockStore{
		FeatureTable: Table{
			"swss": {"auto_restart": "enabled"},
			"snmp": {"auto_restart": "disabled"},
		},
		HeartbeatTable: Table{
			"bgpd": {"alert_interval": "30000"},
		},
	}
}

func TestListenerHandshake(t *testing.T) {
	t.Run("end of stream while ready", func(t *testing.T) {
		tl := newTestListener(t, "swss", defaultStore())
		tl.run(t)

		assert.Equal(t, TokenReady, tl.out.String())
		assert.Equal(t, StateReady, tl.hs.State())
	})

	t.Run("every event acknowledged", func(t *testing.T) {
		tl := newTestListener(t, "swss", defaultStore())
		tl.run(t,
			runningEvent("orchagent"),
			stdoutEvent("bgpd"),
			encodeEvent("SUPERVISOR_STATE_CHANGE_RUNNING", nil),
			exitedEvent("orchagent", "swss", 1),
		)

		expect := TokenReady + strings.Repeat(TokenOK+TokenReady, 4)
		assert.Equal(t, expect, tl.out.String())
	})

	t.Run("bad length is discarded", func(t *testing.T) {
		tl := newTestListener(t, "swss", defaultStore())
		tl.run(t, "ver:3.0 eventname:PROCESS_STATE_RUNNING\n", runningEvent("orchagent"))

		assert.Equal(t, TokenReady+TokenOK+TokenReady, tl.out.String())
	})

	t.Run("truncated event", func(t *testing.T) {
		tl := newTestListener(t, "swss", defaultStore())
		ev := runningEvent("orchagent")
		tl.run(t, ev[:len(ev)-3])

		assert.Equal(t, TokenReady, tl.out.String())
	})

	t.Run("read error", func(t *testing.T) {
		tl := newTestListener(t, "swss", defaultStore())

		err := tl.Run(&errReader{syscall.EIO}, &tl.out, exec.ReadyWaiter{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, syscall.EIO))
	})

	t.Run("wait error", func(t *testing.T) {
		tl := newTestListener(t, "swss", defaultStore())

		err := tl.Run(strings.NewReader(""), &tl.out, failingWaiter{})
		require.Error(t, err)
	})
}

func TestListenerCriticalExitAutoRestartEnabled(t *testing.T) {
	tl := newTestListener(t, "swss", defaultStore())
	tl.run(t,
		exitedEvent("orchagent", "swss", 0),
		// Never read: the listener is gone by then.
		exitedEvent("snmpd", "snmp", 0),
	)

	assert.Equal(t, []os.Signal{syscall.SIGTERM}, tl.supervisor.Signals())
	assert.Equal(t, []published{{
		Tag: TagProcessExitedUnexpectedly,
		Params: map[string]string{
			ParamProcessName:   "orchagent",
			ParamContainerName: "swss",
		},
	}}, tl.publisher.Events())

	assert.Equal(t, 0, tl.State().AlertingCount())
	// No acknowledgement for the fatal event.
	assert.Equal(t, TokenReady, tl.out.String())
}

func TestListenerCriticalExitTerminationFailures(t *testing.T) {
	tl := newTestListener(t, "swss", defaultStore())
	tl.publisher.err = errors.New("publisher gone")
	tl.supervisor.Err = syscall.EPERM

	tl.run(t, exitedEvent("orchagent", "swss", 0))

	assert.Len(t, tl.publisher.Events(), 1)
	assert.Equal(t, []os.Signal{syscall.SIGTERM}, tl.supervisor.Signals())
}

func TestListenerCriticalExitFailOpen(t *testing.T) {
	// The store knows nothing about the container.
	tl := newTestListener(t, "radv", mockStore{})
	tl.run(t, exitedEvent("orchagent", "swss", 0))

	assert.Len(t, tl.supervisor.Signals(), 1)
}

func TestListenerCriticalExitAutoRestartDisabled(t *testing.T) {
	tl := newTestListener(t, "snmp", defaultStore())
	tl.run(t, exitedEvent("snmpd", "snmp", 0))

	assert.Empty(t, tl.supervisor.Signals())
	assert.Empty(t, tl.publisher.Events())

	entry, ok := tl.State().Alerting("snmpd")
	require.True(t, ok)
	assert.Equal(t, AlertEntry{LastAlerted: tl.clock.Now(), DeadMinutes: 0}, entry)

	assert.Equal(t, TokenReady+TokenOK+TokenReady, tl.out.String())
}

func TestListenerCriticalGroup(t *testing.T) {
	tl := newTestListener(t, "snmp", defaultStore())
	tl.run(t, exitedEvent("snmp-subagent", "snmp", 0))

	_, ok := tl.State().Alerting("snmp-subagent")
	assert.True(t, ok)
}

func TestListenerExpectedExit(t *testing.T) {
	for _, container := range []string{"swss", "snmp"} {
		t.Run(container, func(t *testing.T) {
			tl := newTestListener(t, container, defaultStore())
			tl.run(t,
				exitedEvent("orchagent", "swss", 1),
				exitedEvent("snmpd", "snmp", 1),
				exitedEvent("snmp-subagent", "snmp", 2),
			)

			assert.Empty(t, tl.supervisor.Signals())
			assert.Equal(t, 0, tl.State().AlertingCount())
		})
	}
}

func TestListenerNonCriticalExit(t *testing.T) {
	tl := newTestListener(t, "swss", defaultStore())
	tl.run(t, exitedEvent("lldpd", "lldp", 0))

	assert.Empty(t, tl.supervisor.Signals())
	assert.Equal(t, 0, tl.State().AlertingCount())
}

func TestListenerAlerting(t *testing.T) {
	tl := newTestListener(t, "snmp", defaultStore())
	tl.run(t, exitedEvent("snmpd", "snmp", 0))

	t0 := tl.clock.Now()

	// Not due yet.
	tl.sweep(t0 + 59*time.Second)
	tl.alerter.Verify(t, true, nil)

	tl.sweep(t0 + 65*time.Second)
	tl.alerter.Verify(t, true, []Alert{{
		Process:   "snmpd",
		Status:    StatusNotRunning,
		Minutes:   1,
		Namespace: "asic0",
		Level:     zerolog.ErrorLevel,
	}})

	entry, _ := tl.State().Alerting("snmpd")
	assert.Equal(t, AlertEntry{LastAlerted: t0 + 65*time.Second, DeadMinutes: 1}, entry)

	// Minutes accumulate from the last alert.
	tl.sweep(t0 + 65*time.Second + 3*time.Minute + 10*time.Second)
	tl.alerter.Verify(t, true, []Alert{{
		Process:   "snmpd",
		Status:    StatusNotRunning,
		Minutes:   4,
		Namespace: "asic0",
		Level:     zerolog.ErrorLevel,
	}})

	t.Run("recovery clears the alarm", func(t *testing.T) {
		tl.run(t, runningEvent("snmpd"))

		_, ok := tl.State().Alerting("snmpd")
		assert.False(t, ok)

		tl.sweep(t0 + time.Hour)
		tl.alerter.Verify(t, true, nil)
	})
}

func TestListenerAlertingResetOnReexit(t *testing.T) {
	tl := newTestListener(t, "snmp", defaultStore())
	tl.run(t, exitedEvent("snmpd", "snmp", 0))

	tl.sweep(tl.clock.Now() + 2*time.Minute)
	tl.alerter.Verify(t, false, nil)

	entry, _ := tl.State().Alerting("snmpd")
	require.Equal(t, uint64(2), entry.DeadMinutes)

	tl.clock.Advance(3 * time.Minute)
	tl.run(t, exitedEvent("snmpd", "snmp", 0))

	entry, _ = tl.State().Alerting("snmpd")
	assert.Equal(t, AlertEntry{LastAlerted: tl.clock.Now()}, entry)
}

func TestListenerHeartbeat(t *testing.T) {
	tl := newTestListener(t, "bgp", defaultStore())
	tl.run(t, stdoutEvent("bgpd"), stdoutEvent("zebra"), stdoutEvent("unwatched"))

	t0 := tl.clock.Now()

	_, ok := tl.State().Heartbeat("unwatched")
	assert.False(t, ok)

	tl.sweep(t0 + 29*time.Second)
	tl.alerter.Verify(t, true, nil)

	stuck := Alert{
		Process:   "bgpd",
		Status:    StatusStuck,
		Minutes:   0,
		Namespace: "asic0",
		Level:     zerolog.WarnLevel,
	}

	// bgpd has a 30s override, zebra the 60s default.
	tl.sweep(t0 + 30*time.Second)
	tl.alerter.Verify(t, true, []Alert{stuck})

	// No suppression while still stale.
	tl.sweep(t0 + 31*time.Second)
	tl.alerter.Verify(t, true, []Alert{stuck})

	tl.sweep(t0 + 2*time.Minute)
	stuck.Minutes = 2
	tl.alerter.Verify(t, true, []Alert{stuck, {
		Process:   "zebra",
		Status:    StatusStuck,
		Minutes:   2,
		Namespace: "asic0",
		Level:     zerolog.WarnLevel,
	}})

	t.Run("heartbeat resets the clock", func(t *testing.T) {
		tl.clock.Set(t0 + 2*time.Minute)
		tl.run(t, stdoutEvent("bgpd"), stdoutEvent("zebra"))
		// Sweeps between the two heartbeats still see zebra as stale.
		tl.alerter.Reset()

		tl.sweep(t0 + 2*time.Minute + 10*time.Second)
		tl.alerter.Verify(t, true, nil)
	})
}

func TestListenerHeartbeatDisabled(t *testing.T) {
	store := defaultStore()
	store[HeartbeatTable]["zebra"] = map[string]string{"alert_interval": "0"}

	tl := newTestListener(t, "bgp", store)
	tl.run(t, stdoutEvent("zebra"))

	tl.sweep(tl.clock.Now() + 24*time.Hour)
	tl.alerter.Verify(t, true, nil)
}

func TestListenerSweepEveryIteration(t *testing.T) {
	tl := newTestListener(t, "snmp", defaultStore())

	// Every read of the clock moves an hour ahead.
	var calls int
	tl.Listener.Clock = func() time.Duration {
		calls++
		return time.Duration(calls) * time.Hour
	}

	tl.run(t,
		exitedEvent("snmpd", "snmp", 0),
		encodeEvent("TICK_60", nil),
		encodeEvent("TICK_60", nil),
	)

	// Raised at 1h, then swept at 2h, 3h and 4h.
	notRunning := func(minutes uint64) Alert {
		return Alert{
			Process:   "snmpd",
			Status:    StatusNotRunning,
			Minutes:   minutes,
			Namespace: "asic0",
			Level:     zerolog.ErrorLevel,
		}
	}
	tl.alerter.Verify(t, true, []Alert{notRunning(60), notRunning(120), notRunning(180)})
}

type failingWaiter struct{}

func (failingWaiter) Wait(time.Duration) (bool, error) {
	return false, errors.New("poll failed")
}
