package exitwatch

import (
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Publisher is the event publication sink.
type Publisher interface {
	Publish(tag string, params map[string]string) error
}

type writerPublisher struct {
	mutex  sync.Mutex
	w      io.Writer
	source string
}

// NewWriterPublisher creates a publisher that writes one human-readable line per
// event into the writer.
func NewWriterPublisher(w io.Writer, source string) Publisher {
	return &writerPublisher{w: w, source: source}
}

// Publish writes the event as "source tag key=value ..." with sorted keys.
func (p *writerPublisher) Publish(tag string, params map[string]string) error {
	var b strings.Builder
	b.Grow(128)

	b.WriteString(p.source)
	b.WriteByte(' ')
	b.WriteString(tag)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}

	b.WriteByte('\n')

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if _, err := io.WriteString(p.w, b.String()); err != nil {
		return errors.Wrap(err, "failed to write event")
	}

	return nil
}
