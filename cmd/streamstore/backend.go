package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/iidesho/streamstore"
	"github.com/iidesho/streamstore/config"
	"github.com/iidesho/streamstore/store"
	"github.com/iidesho/streamstore/store/inmemory"
	"github.com/iidesho/streamstore/store/mysql"
	"github.com/iidesho/streamstore/store/ondisk"
	"github.com/iidesho/streamstore/store/postgres"
	"github.com/iidesho/streamstore/store/sqlite"
	"github.com/iidesho/streamstore/store/sqlstore"
)

// openBackend opens the configured backend. Postgres also returns a push notifier option.
func openBackend(ctx context.Context, c config.Config) (store.Backend, []streamstore.Option, error) {
	var sqlOpts []sqlstore.Option
	if c.GapReloadDelay >= 0 {
		sqlOpts = append(sqlOpts, sqlstore.WithGapReloadDelay(c.GapReloadDelay))
	}
	switch c.Backend {
	case "inmemory":
		return inmemory.New(), nil, nil
	case "ondisk":
		s, err := ondisk.Open(c.Dir)
		return s, nil, err
	case "sqlite":
		path := strings.TrimPrefix(c.DSN, "file:")
		if path == "" {
			path = filepath.Join(c.Dir, "streams.db")
		}
		s, err := sqlite.Open(ctx, path, sqlOpts...)
		return s, nil, err
	case "mysql":
		s, err := mysql.Open(ctx, c.DSN, sqlOpts...)
		return s, nil, err
	case "postgres":
		s, err := postgres.Open(ctx, c.DSN, sqlOpts...)
		if err != nil {
			return nil, nil, err
		}
		n, err := postgres.NewNotifier(ctx, c.DSN, postgres.DefaultChannel)
		if err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, []streamstore.Option{streamstore.WithNotifier(n)}, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", c.Backend)
}

func engineOptions(c config.Config) []streamstore.Option {
	return []streamstore.Option{
		streamstore.WithPollInterval(c.PollInterval),
		streamstore.WithMetadataCacheExpiry(c.CacheExpiry),
		streamstore.WithMetadataCacheMaxSize(c.CacheMaxSize),
		streamstore.WithAppendRetry(c.AppendRetryAttempts, streamstore.DefaultRetryBackoff),
		streamstore.WithScavengeMode(streamstore.ParseScavengeMode(c.ScavengeMode)),
	}
}

func openStore(ctx context.Context, c config.Config) (*streamstore.Store, error) {
	backend, opts, err := openBackend(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("opening %s backend: %w", c.Backend, err)
	}
	return streamstore.New(ctx, backend, append(engineOptions(c), opts...)...)
}
