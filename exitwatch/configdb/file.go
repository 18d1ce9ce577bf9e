package configdb

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"git.unix.lgbt/diamondburned/exitwatch/exitwatch"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// WatchRetryInterval is how often a FileStore retries watching a database
// directory that could not be watched.
var WatchRetryInterval = 5 * time.Second

// FileStore is a configuration store backed by a JSON database file. The file
// is decoded once and decoded again every time it is written, created or
// renamed over, so lookups see administrative changes without touching the
// disk.
type FileStore struct {
	path  string
	log   zerolog.Logger
	retry time.Duration

	mutex sync.RWMutex
	db    Database
	err   error

	w      *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

var _ exitwatch.ConfigStore = (*FileStore)(nil)

// NewFileStore loads the database file at path and watches it until the
// context is canceled or Close is called. The store never fails to open: while
// the database cannot be loaded, GetTable reports why, and a directory that
// cannot be watched yet is retried every WatchRetryInterval.
func NewFileStore(ctx context.Context, path string, log zerolog.Logger) *FileStore {
	ctx, cancel := context.WithCancel(ctx)

	s := &FileStore{
		path:   path,
		log:    log.With().Str("component", "configdb").Str("path", path).Logger(),
		retry:  WatchRetryInterval,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.reload()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to create watcher, database will not be reloaded")
		close(s.done)
		return s
	}
	s.w = w

	watching := true
	if err := s.tryWatch(); err != nil {
		s.log.Warn().Err(err).Dur("retry", s.retry).Msg("failed to watch database dir, retrying")
		watching = false
	}

	go s.watch(ctx, watching)
	return s
}

// GetTable implements exitwatch.ConfigStore.
func (s *FileStore) GetTable(name string) (exitwatch.Table, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.err != nil {
		return nil, s.err
	}

	return s.db.Table(name), nil
}

// Close stops watching the file.
func (s *FileStore) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// tryWatch watches the directory of the database, since config writers
// replace the file.
func (s *FileStore) tryWatch() error {
	if err := s.w.Add(filepath.Dir(s.path)); err != nil {
		return errors.Wrap(err, "failed to watch database dir")
	}
	return nil
}

func (s *FileStore) watch(ctx context.Context, watching bool) {
	defer close(s.done)
	defer s.w.Close()

	// A nil channel never fires once the directory is watched.
	var retry <-chan time.Time

	if !watching {
		ticker := time.NewTicker(s.retry)
		defer ticker.Stop()
		retry = ticker.C
	}

	name := filepath.Base(s.path)

	for {
		select {
		case <-ctx.Done():
			return

		case <-retry:
			if err := s.tryWatch(); err != nil {
				s.log.Debug().Err(err).Msg("still unable to watch database dir")
				continue
			}

			s.log.Info().Msg("watching database dir")
			retry = nil
			// The file may have appeared before the watch did.
			s.reload()

		case err, ok := <-s.w.Errors:
			if !ok {
				return
			}
			s.log.Warn().Err(err).Msg("inotify error")

		case ev, ok := <-s.w.Events:
			if !ok {
				return
			}

			if filepath.Base(ev.Name) != name {
				continue
			}

			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				s.reload()
			}
		}
	}
}

// reload decodes the file again. A database that fails to decode after a
// successful load keeps the old tables, since a writer may be halfway through.
func (s *FileStore) reload() {
	db, err := loadDatabase(s.path)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err != nil {
		if s.db == nil {
			s.err = err
		}
		s.log.Warn().Err(err).Msg("failed to load database")
		return
	}

	s.db = db
	s.err = nil
	s.log.Debug().Int("tables", len(db)).Msg("loaded database")
}

func loadDatabase(path string) (Database, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read database")
	}

	return ParseDatabase(b)
}
