package exitwatch

import (
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// mockStore is an in-memory configuration store. Missing tables are errors,
// like a store that was never populated.
type mockStore map[string]Table

func (m mockStore) GetTable(name string) (Table, error) {
	t, ok := m[name]
	if !ok {
		return nil, errors.Errorf("no table %q", name)
	}
	return t, nil
}

// mockAlerter records alerts. A zero-value instance is a valid instance.
type mockAlerter struct {
	mutex  sync.Mutex
	alerts []Alert
}

var _ Alerter = (*mockAlerter)(nil)

func (m *mockAlerter) Alert(a Alert) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.alerts = append(m.alerts, a)
}

// Verify verifies that the recorded alerts start with the given ones and
// consumes them. If strict is true, then a length check is performed as well.
//
// Consecutive calls to Verify will match the remaining unmatched alerts.
func (m *mockAlerter) Verify(t *testing.T, strict bool, alerts []Alert) []Alert {
	t.Helper()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if strict && len(alerts) != len(m.alerts) {
		t.Errorf("mismatch alert count, got %d, expected %d: %#v", len(m.alerts), len(alerts), m.alerts)
		return nil
	}

	if len(alerts) > len(m.alerts) {
		t.Errorf("got %d alerts, expected at least %d", len(m.alerts), len(alerts))
		return nil
	}

	for i, a := range alerts {
		if !reflect.DeepEqual(m.alerts[i], a) {
			t.Errorf("alert %d mismatch, got %#v, expected %#v", i, m.alerts[i], a)
		}
	}

	m.alerts = m.alerts[len(alerts):]
	return m.alerts
}

// Reset drops all recorded alerts.
func (m *mockAlerter) Reset() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.alerts = nil
}

type published struct {
	Tag    string
	Params map[string]string
}

// mockPublisher records published events.
type mockPublisher struct {
	mutex  sync.Mutex
	err    error
	events []published
}

var _ Publisher = (*mockPublisher)(nil)

func (m *mockPublisher) Publish(tag string, params map[string]string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.events = append(m.events, published{tag, params})
	return m.err
}

func (m *mockPublisher) Events() []published {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return append([]published(nil), m.events...)
}

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	now time.Duration
}

func (c *fakeClock) Now() time.Duration      { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now += d }
func (c *fakeClock) Set(now time.Duration)   { c.now = now }
func (c *fakeClock) Clock() Clock            { return c.Now }

// encodeEvent encodes an event the way the supervisor writes it.
func encodeEvent(name string, payload map[string]string) string {
	body := strings.TrimSuffix(FormatHeaders(payload), "\n")

	return FormatHeaders(map[string]string{
		"ver":        "3.0",
		"server":     "supervisor",
		"serial":     "21",
		"pool":       "listener",
		"poolserial": "10",
		"eventname":  name,
		"len":        strconv.Itoa(len(body)),
	}) + body
}

func exitedEvent(process, group string, expected int) string {
	return encodeEvent(EventProcessStateExited, map[string]string{
		"processname": process,
		"groupname":   group,
		"from_state":  "RUNNING",
		"expected":    strconv.Itoa(expected),
		"pid":         "2766",
	})
}

func runningEvent(process string) string {
	return encodeEvent(EventProcessStateRunning, map[string]string{
		"processname": process,
		"groupname":   process,
		"from_state":  "STARTING",
		"pid":         "2767",
	})
}

func stdoutEvent(process string) string {
	return encodeEvent(EventProcessCommunicationStdout, map[string]string{
		"processname": process,
		"groupname":   process,
		"pid":         "2768",
	})
}
