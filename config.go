package main

import (
	"io"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Settings are the listener's own settings. The policy it enforces comes from
// the configuration store instead.
type Settings struct {
	CriticalProcessesFile string `koanf:"critical_processes_file"`
	WatchdogProcessesFile string `koanf:"watchdog_processes_file"`

	ConfigDB  ConfigDBSettings  `koanf:"configdb"`
	Journal   JournalSettings   `koanf:"journal"`
	Metrics   MetricsSettings   `koanf:"metrics"`
	Log       LogSettings       `koanf:"log"`
	Namespace NamespaceSettings `koanf:"namespace"`
}

type ConfigDBSettings struct {
	File   string `koanf:"file"`
	Socket string `koanf:"socket"`
}

type JournalSettings struct {
	Dir string `koanf:"dir"`
	// LockTimeout is how long to wait for another listener to release the
	// journal.
	LockTimeout time.Duration `koanf:"lock_timeout"`
}

type MetricsSettings struct {
	// Addr is the listen address of the metrics endpoint. Metrics are not
	// served if empty.
	Addr string `koanf:"addr"`
}

type LogSettings struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type NamespaceSettings struct {
	Prefix string `koanf:"prefix"`
	ID     string `koanf:"id"`
}

func defaultSettings() Settings {
	return Settings{
		CriticalProcessesFile: "/etc/supervisor/critical_processes",
		WatchdogProcessesFile: "/etc/supervisor/watchdog_processes",
		ConfigDB: ConfigDBSettings{
			File:   "/etc/sonic/config_db.json",
			Socket: "/var/run/configdb/configdb.sock",
		},
		Journal: JournalSettings{
			Dir:         "/var/lib/exitwatch",
			LockTimeout: 5 * time.Second,
		},
		Log: LogSettings{
			Level:  "info",
			Format: "json",
		},
	}
}

// envKeys maps environment variables, lowercased, to settings keys.
var envKeys = map[string]string{
	"exitwatch_critical_processes_file": "critical_processes_file",
	"exitwatch_watchdog_processes_file": "watchdog_processes_file",
	"exitwatch_configdb_file":           "configdb.file",
	"exitwatch_configdb_socket":         "configdb.socket",
	"exitwatch_journal_dir":             "journal.dir",
	"exitwatch_journal_lock_timeout":    "journal.lock_timeout",
	"exitwatch_metrics_addr":            "metrics.addr",
	"exitwatch_log_level":               "log.level",
	"exitwatch_log_format":              "log.format",
	"namespace_prefix":                  "namespace.prefix",
	"namespace_id":                      "namespace.id",
}

// envTransform maps an environment variable to its settings key. Unknown and
// empty variables are skipped.
func envTransform(key, value string) (string, interface{}) {
	if value == "" {
		return "", nil
	}
	return envKeys[strings.ToLower(key)], value
}

// loadSettings layers the environment over the defaults.
func loadSettings() (*Settings, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultSettings(), "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load defaults")
	}

	if err := k.Load(env.ProviderWithValue("", ".", envTransform), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load environment variables")
	}

	s := &Settings{}
	if err := k.Unmarshal("", s); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal settings")
	}

	return s, nil
}

// newLogger creates the process logger. stdout belongs to the supervisor, so
// the logger must never write there.
func newLogger(s LogSettings, w io.Writer) zerolog.Logger {
	output := w
	if s.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.TimeOnly,
			NoColor:    true,
		}
	}

	log := zerolog.New(output).With().Timestamp().Logger()

	level, err := zerolog.ParseLevel(strings.ToLower(s.Level))
	if err != nil || s.Level == "" {
		log.Warn().Str("level", s.Level).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}

	return log.Level(level)
}
