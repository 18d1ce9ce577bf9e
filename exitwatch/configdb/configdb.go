// Package configdb provides the configuration stores the listener reads its
// policy from: a JSON database file that is reloaded when it changes, and a
// unix socket served by the configuration daemon.
package configdb

import (
	"strings"

	"git.unix.lgbt/diamondburned/exitwatch/exitwatch"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// KeySeparator separates the table name from the row key in flat database keys,
// such as "FEATURE|swss".
const KeySeparator = "|"

// Database is a decoded configuration database: table name to table.
type Database map[string]exitwatch.Table

// Table returns a copy of the named table. A missing table is empty.
func (db Database) Table(name string) exitwatch.Table {
	src := db[name]

	table := make(exitwatch.Table, len(src))
	for row, fields := range src {
		copied := make(map[string]string, len(fields))
		for k, v := range fields {
			copied[k] = v
		}
		table[row] = copied
	}

	return table
}

// ParseDatabase decodes a configuration database. Both the nested form
//
//	{"FEATURE": {"swss": {"auto_restart": "enabled"}}}
//
// and the flat form
//
//	{"FEATURE|swss": {"auto_restart": "enabled"}}
//
// are accepted, and may be mixed. Non-string field values are kept as their
// JSON text.
func ParseDatabase(b []byte) (Database, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(b, &top); err != nil {
		return nil, errors.Wrap(err, "failed to decode database")
	}

	db := make(Database, len(top))

	for key, raw := range top {
		if name, row, ok := strings.Cut(key, KeySeparator); ok {
			fields, err := decodeFields(raw)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to decode %q", key)
			}

			table, ok := db[name]
			if !ok {
				table = make(exitwatch.Table)
				db[name] = table
			}

			table[row] = fields
			continue
		}

		rows, err := decodeRows(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode table %q", key)
		}

		table, ok := db[key]
		if !ok {
			db[key] = rows
			continue
		}

		for row, fields := range rows {
			table[row] = fields
		}
	}

	return db, nil
}

func decodeRows(raw json.RawMessage) (exitwatch.Table, error) {
	var rows map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}

	table := make(exitwatch.Table, len(rows))

	for row, raw := range rows {
		fields, err := decodeFields(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "row %q", row)
		}
		table[row] = fields
	}

	return table, nil
}

func decodeFields(raw json.RawMessage) (map[string]string, error) {
	var values map[string]json.RawMessage
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, err
	}

	fields := make(map[string]string, len(values))

	for k, v := range values {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			fields[k] = s
			continue
		}
		fields[k] = strings.TrimSpace(string(v))
	}

	return fields, nil
}
