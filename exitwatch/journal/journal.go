// Package journal provides an implementation of exitwatch's Publisher that
// appends events to a file. It also provides a file locking abstraction so that
// only one listener per container can write to the same journal.
package journal

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"git.unix.lgbt/diamondburned/exitwatch/exitwatch"
	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// Record describes the JSON structure of a published event, one per line.
type Record struct {
	Time   time.Time         `json:"time"`
	Source string            `json:"source"`
	Tag    string            `json:"tag"`
	Params map[string]string `json:"params"`
}

// Path returns the journal path of the container within the directory.
func Path(dir, container string) string {
	return filepath.Join(dir, container+".events")
}

// FileLockJournal is a publisher that holds a file lock (flock) on its file and
// appends records to it. It must be closed by the caller or by the operating
// system when the application exits.
//
// # Reading the Journal
//
// Readers do not need the lock: every record is written with a single
// O_APPEND write, so a reader sees whole lines only. Use LastRecord.
type FileLockJournal struct {
	// Now is the time source of the records.
	Now func() time.Time

	mutex  sync.Mutex
	source string
	path   string
	f      *os.File
	l      *flock.Flock
}

var _ exitwatch.Publisher = (*FileLockJournal)(nil)

// ErrLockedElsewhere is returned if Open can't acquire the file lock.
var ErrLockedElsewhere = errors.New("journal already locked elsewhere")

// Open opens the journal at path for the given publication source. It returns
// ErrLockedElsewhere if another process holds the journal.
func Open(path, source string) (*FileLockJournal, error) {
	return open(nil, path, source)
}

// OpenWait is like Open, but it waits until the lock can be acquired or until
// the context is done, in which case ErrLockedElsewhere is returned. A
// restarted container may briefly overlap with its previous listener.
func OpenWait(ctx context.Context, path, source string) (*FileLockJournal, error) {
	return open(ctx, path, source)
}

func open(ctx context.Context, path, source string) (*FileLockJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, errors.Wrap(err, "failed to create journal directory")
	}

	l := flock.New(path)

	var locked bool
	var err error

	if ctx != nil {
		locked, err = l.TryLockContext(ctx, 25*time.Millisecond)
	} else {
		locked, err = l.TryLock()
	}

	if err != nil {
		if ctx != nil && ctx.Err() != nil {
			return nil, ErrLockedElsewhere
		}
		return nil, errors.Wrap(err, "failed to acquire lock")
	}

	if !locked {
		return nil, ErrLockedElsewhere
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE|os.O_SYNC, 0600)
	if err != nil {
		l.Unlock()
		return nil, errors.Wrap(err, "failed to open file")
	}

	return &FileLockJournal{
		Now:    time.Now,
		source: source,
		path:   path,
		f:      f,
		l:      l,
	}, nil
}

// Path returns the path of the journal file.
func (j *FileLockJournal) Path() string { return j.path }

// Publish appends the event to the journal.
func (j *FileLockJournal) Publish(tag string, params map[string]string) error {
	rec := Record{
		Time:   j.Now(),
		Source: j.source,
		Tag:    tag,
		Params: params,
	}

	buf := bytes.Buffer{}
	buf.Grow(256)

	if err := json.NewEncoder(&buf).Encode(rec); err != nil {
		return errors.Wrap(err, "failed to marshal record")
	}

	j.mutex.Lock()
	defer j.mutex.Unlock()

	if _, err := j.f.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "failed to write record")
	}

	return nil
}

// Close closes the file and releases the flock.
func (j *FileLockJournal) Close() error {
	j.f.Close()
	return j.l.Unlock()
}

type multiPublisher []exitwatch.Publisher

// MultiPublisher creates a publisher that publishes to all the given
// publishers. Every publisher is tried; the first error is returned.
func MultiPublisher(pubs ...exitwatch.Publisher) exitwatch.Publisher {
	return multiPublisher(pubs)
}

func (m multiPublisher) Publish(tag string, params map[string]string) error {
	var firstErr error
	for _, pub := range m {
		if err := pub.Publish(tag, params); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
