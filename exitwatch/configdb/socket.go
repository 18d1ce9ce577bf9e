package configdb

import (
	"context"
	"strings"
	"time"

	"git.unix.lgbt/diamondburned/exitwatch/exitwatch"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ConfigDB is the Redis database index of the configuration database.
const ConfigDB = 4

// DefaultSocketTimeout bounds a single table lookup.
const DefaultSocketTimeout = 2 * time.Second

// SocketStore is a configuration store read from the configuration database's
// Redis server. Every row of a table is a hash keyed "<table>|<row>".
type SocketStore struct {
	Timeout time.Duration
	client  *redis.Client
}

var _ exitwatch.ConfigStore = (*SocketStore)(nil)

// NewSocketStore creates a store talking to the Redis unix socket at path.
func NewSocketStore(path string) *SocketStore {
	return NewRedisStore(&redis.Options{
		Network: "unix",
		Addr:    path,
		DB:      ConfigDB,
	})
}

// NewRedisStore creates a store with arbitrary client options.
func NewRedisStore(opts *redis.Options) *SocketStore {
	return &SocketStore{
		Timeout: DefaultSocketTimeout,
		client:  redis.NewClient(opts),
	}
}

// GetTable implements exitwatch.ConfigStore. A table without rows is empty.
func (s *SocketStore) GetTable(name string) (exitwatch.Table, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()

	prefix := name + KeySeparator
	table := make(exitwatch.Table)

	iter := s.client.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get %q", key)
		}

		table[strings.TrimPrefix(key, prefix)] = fields
	}

	if err := iter.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to scan table %q", name)
	}

	return table, nil
}

// Close closes the client.
func (s *SocketStore) Close() error {
	return s.client.Close()
}
