package exitwatch

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Configuration store tables and fields read by the listener.
const (
	FeatureTable   = "FEATURE"
	HeartbeatTable = "HEARTBEAT"

	fieldAutoRestart   = "auto_restart"
	fieldAlertInterval = "alert_interval"
)

// Auto-restart states of the FEATURE table.
const (
	AutoRestartEnabled  = "enabled"
	AutoRestartDisabled = "disabled"
)

// DefaultHeartbeatInterval is the heartbeat threshold of a watched process
// without a HEARTBEAT entry.
const DefaultHeartbeatInterval = time.Minute

// Table is a configuration store table: row key to field name to value.
type Table map[string]map[string]string

// ConfigStore is the configuration store the listener reads its policy from.
type ConfigStore interface {
	GetTable(name string) (Table, error)
}

// Policy answers the listener's policy questions. Auto-restart is looked up on
// every call; heartbeat intervals are loaded once.
type Policy struct {
	store     ConfigStore
	log       zerolog.Logger
	intervals map[string]time.Duration
}

// NewPolicy creates a policy reading from the given store and loads the
// heartbeat intervals.
func NewPolicy(store ConfigStore, log zerolog.Logger) *Policy {
	p := &Policy{store: store, log: log}
	p.intervals = p.loadHeartbeatIntervals()
	return p
}

// AutoRestartState returns the auto_restart field of the container's FEATURE
// row. Any lookup failure yields AutoRestartEnabled.
func (p *Policy) AutoRestartState(container string) string {
	features, err := p.store.GetTable(FeatureTable)
	if err != nil {
		p.log.Warn().Err(err).Msg("unable to retrieve features table from config store")
		return AutoRestartEnabled
	}

	if len(features) == 0 {
		p.log.Warn().Msg("empty features table")
		return AutoRestartEnabled
	}

	feature, ok := features[container]
	if !ok {
		p.log.Warn().Str("feature", container).Msg("unable to retrieve feature")
		return AutoRestartEnabled
	}

	state, ok := feature[fieldAutoRestart]
	if !ok {
		return AutoRestartEnabled
	}

	return state
}

// HeartbeatInterval returns the heartbeat threshold for the process. A
// threshold of zero or less disables heartbeat alerting for it.
func (p *Policy) HeartbeatInterval(process string) time.Duration {
	if interval, ok := p.intervals[process]; ok {
		return interval
	}
	return DefaultHeartbeatInterval
}

func (p *Policy) loadHeartbeatIntervals() map[string]time.Duration {
	intervals := make(map[string]time.Duration)

	table, err := p.store.GetTable(HeartbeatTable)
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to get HEARTBEAT table")
		return intervals
	}

	for process, fields := range table {
		ms, err := strconv.ParseInt(fields[fieldAlertInterval], 10, 64)
		if err != nil {
			continue
		}
		intervals[process] = time.Duration(ms) * time.Millisecond
	}

	return intervals
}
