package journal

import (
	"io"
	"os"

	"github.com/diamondburned/backwardio"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// ErrEmpty is returned by LastRecord if the journal has no records.
var ErrEmpty = errors.New("journal is empty")

// LastRecordFromFile reads the last record of the journal file at path.
func LastRecordFromFile(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return LastRecord(f)
}

// LastRecord reads r backwards and returns its last record, skipping blank
// lines.
func LastRecord(r io.ReadSeeker) (*Record, error) {
	b := backwardio.NewScanner(r)

	for {
		line, err := b.ReadUntil('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrEmpty
			}
			return nil, errors.Wrap(err, "failed to read journal backwards")
		}

		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, errors.Wrap(err, "failed to decode record")
		}

		return &rec, nil
	}
}
