// Package exitwatch is the core of the exitwatch listener, which sits behind a
// process supervisor inside a multi-process container and watches the
// lifecycle events the supervisor emits for its children.
//
// # Mechanism of Operation
//
// The supervisor speaks a small line protocol to its event listeners over the
// listener's stdin and stdout. The listener announces it is idle by writing
// READY, after which the supervisor writes one event: a header line of
// space-separated key:value tokens, followed by exactly len bytes of payload.
// Once the listener is done with the event, it writes a result frame and
// announces READY again. A listener that never acknowledges an event is never
// sent another one.
//
// Two policies are enforced on top of this stream:
//
// Critical processes. When a process (or any process of a group) listed in the
// critical processes file exits unexpectedly, the container is considered
// broken. If auto-restart is enabled for the container, the listener records
// the exit in its journal and sends SIGTERM to its parent, the supervisor,
// which takes the whole container down so that it can be restarted. If
// auto-restart is disabled, the process is put under alerting instead and an
// error is logged every minute until the process reports that it is running
// again.
//
// Watched processes. A process listed in the watchdog processes file is
// expected to write to its stdout periodically. Each such write arrives as a
// communication event and resets the process' heartbeat clock. Once the clock
// exceeds the process' heartbeat interval, a warning is logged on every loop
// iteration until the process writes again.
//
// The listener is strictly single-threaded: the only place it ever blocks is
// the bounded wait for stdin to become readable, and the periodic sweep runs
// after every wait, whether or not an event arrived.
//
// # Time
//
// All timestamps are logical durations read from a Clock, which by default
// measures monotonic time since the listener started. Tests substitute their
// own Clock to replay long stretches of time instantly.
package exitwatch
