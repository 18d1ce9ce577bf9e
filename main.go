package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"git.unix.lgbt/diamondburned/exitwatch/exitwatch"
	"git.unix.lgbt/diamondburned/exitwatch/exitwatch/configdb"
	"git.unix.lgbt/diamondburned/exitwatch/exitwatch/exec"
	"git.unix.lgbt/diamondburned/exitwatch/exitwatch/journal"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	containerName string
	useUnixSocket bool
)

// log is replaced once the settings are loaded.
var log = zerolog.New(os.Stderr).With().Timestamp().Logger()

var rootCmd = &cobra.Command{
	Use:   "exitwatch -c <container>",
	Short: "Supervisor event listener watching critical and heartbeat processes",
	Long: `exitwatch runs as a supervisor event listener inside a container. It takes
the container down when a critical process exits unexpectedly and auto-restart
is enabled, and periodically alerts about critical processes that stay down and
watched processes that stop sending heartbeats.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return start(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&containerName, "container-name", "c", "", "name of the container, as keyed in the FEATURE table")
	rootCmd.Flags().BoolVarP(&useUnixSocket, "use-unix-socket-path", "s", false, "read the configuration store over its unix socket")
	if err := rootCmd.MarkFlagRequired("container-name"); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("fatal")
		os.Exit(exitStatus(err))
	}
}

// exitStatus returns the process exit status for a fatal error.
func exitStatus(err error) int {
	var syntaxErr *exitwatch.SyntaxError
	if errors.As(err, &syntaxErr) {
		return syntaxErr.Code
	}
	return 1
}

func start(ctx context.Context) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	log = newLogger(settings.Log, os.Stderr).With().Str("container", containerName).Logger()

	names, err := exitwatch.LoadNameSet(settings.CriticalProcessesFile, settings.WatchdogProcessesFile)
	if err != nil {
		return errors.Wrap(err, "failed to load process lists")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store := openStore(ctx, settings.ConfigDB)
	policy := exitwatch.NewPolicy(store, log)

	j, err := openJournal(ctx, settings.Journal)
	if err != nil {
		if errors.Is(err, journal.ErrLockedElsewhere) {
			return errors.Wrap(err, "another listener is running for this container")
		}
		return errors.Wrap(err, "failed to open journal")
	}
	defer j.Close()

	reportLastRecord(j.Path())

	if settings.Metrics.Addr != "" {
		go serveMetrics(ctx, settings.Metrics.Addr)
	}

	// The journal is the record; the logger only mirrors it.
	publisher := journal.MultiPublisher(j, exitwatch.NewWriterPublisher(log, exitwatch.PublishSource))

	listener := exitwatch.NewListener(containerName, names, policy, publisher, exec.Parent(), log)
	listener.Namespace = exitwatch.Namespace(settings.Namespace.Prefix, settings.Namespace.ID)

	log.Info().
		Str("namespace", listener.Namespace).
		Int("supervisor_pid", exec.Parent().PID()).
		Msg("listening for supervisor events")

	return listener.Run(os.Stdin, os.Stdout, exec.NewFdWaiter(os.Stdin.Fd()))
}

// openStore never fails: an unreachable store fails open in the policy.
func openStore(ctx context.Context, s ConfigDBSettings) exitwatch.ConfigStore {
	if useUnixSocket {
		return configdb.NewSocketStore(s.Socket)
	}
	return configdb.NewFileStore(ctx, s.File, log)
}

// openJournal waits for the listener of the previous container incarnation to
// let go of the journal.
func openJournal(ctx context.Context, s JournalSettings) (*journal.FileLockJournal, error) {
	ctx, cancel := context.WithTimeout(ctx, s.LockTimeout)
	defer cancel()

	return journal.OpenWait(ctx, journal.Path(s.Dir, containerName), exitwatch.PublishSource)
}

// reportLastRecord logs the last event the previous listener of this container
// published, which is usually why the container was restarted.
func reportLastRecord(path string) {
	rec, err := journal.LastRecordFromFile(path)
	switch {
	case err == nil:
		log.Info().
			Time("time", rec.Time).
			Str("tag", rec.Tag).
			Interface("params", rec.Params).
			Msg("last published event")
	case errors.Is(err, journal.ErrEmpty):
		// first run
	default:
		log.Warn().Err(err).Msg("failed to read journal")
	}
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
	}
}
