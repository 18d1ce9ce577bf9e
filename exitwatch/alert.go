package exitwatch

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Alert statuses.
const (
	StatusNotRunning = "not running"
	StatusStuck      = "stuck"
)

// HostNamespace is the namespace label used outside of a network namespace.
const HostNamespace = "host"

// Namespace returns the namespace label for the given prefix and ID, or
// HostNamespace if either is empty.
func Namespace(prefix, id string) string {
	if prefix == "" || id == "" {
		return HostNamespace
	}
	return prefix + id
}

// Alert is a periodic alert about a single process.
type Alert struct {
	Process   string
	Status    string
	Minutes   uint64
	Namespace string
	Level     zerolog.Level
}

// Message formats the alert the way operators grep for it.
func (a Alert) Message() string {
	return fmt.Sprintf("Process '%s' is %s in namespace '%s' (%d minutes).",
		a.Process, a.Status, a.Namespace, a.Minutes)
}

// Alerter emits alerts.
type Alerter interface {
	Alert(Alert)
}

// LogAlerter writes alerts into a logger at the alert's level.
type LogAlerter struct {
	Log zerolog.Logger
}

var _ Alerter = LogAlerter{}

// Alert implements Alerter.
func (a LogAlerter) Alert(alert Alert) {
	a.Log.WithLevel(alert.Level).
		Str("process", alert.Process).
		Str("status", alert.Status).
		Uint64("minutes", alert.Minutes).
		Str("namespace", alert.Namespace).
		Msg(alert.Message())
}
