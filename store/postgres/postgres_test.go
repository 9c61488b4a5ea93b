package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/iidesho/streamstore/store"
	"github.com/iidesho/streamstore/store/sqlstore"
	"github.com/iidesho/streamstore/store/storetest"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dsn(t *testing.T) string {
	dsn := os.Getenv("STREAMSTORE_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STREAMSTORE_POSTGRES_DSN not set")
	}
	return dsn
}

func prefix() string {
	return "t" + strings.ReplaceAll(uuid.Must(uuid.NewV4()).String(), "-", "")[:12] + "_"
}

func TestBackend(t *testing.T) {
	dsn := dsn(t)
	storetest.Run(t, func(t *testing.T) store.Backend {
		s, err := Open(context.Background(), dsn, sqlstore.WithTablePrefix(prefix()))
		require.NoError(t, err)
		return s
	})
}

func TestNotifierSignalsAppends(t *testing.T) {
	dsn := dsn(t)
	ctx := context.Background()
	s, err := Open(ctx, dsn, sqlstore.WithTablePrefix(prefix()))
	require.NoError(t, err)
	defer s.Close()
	n, err := NewNotifier(ctx, dsn, DefaultChannel)
	require.NoError(t, err)
	defer n.Close()
	signal, unsubscribe := n.Subscribe()
	defer unsubscribe()

	_, err = s.AppendToStream(ctx, "notified", store.NoStream, storetest.Messages(1))
	require.NoError(t, err)
	select {
	case <-signal:
	case <-time.After(5 * time.Second):
		t.Fatal("no notification for append")
	}
}

func TestDialect(t *testing.T) {
	d := Dialect{Channel: DefaultChannel}
	assert.Equal(t, "SELECT pg_notify('streamstore_append', '')", d.NotifyStatement())
	assert.Empty(t, Dialect{}.NotifyStatement())
	assert.True(t, d.IsUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.True(t, d.IsTransient(&pq.Error{Code: "40P01"}))
	assert.False(t, d.IsTransient(errors.New("40P01")))
	assert.Equal(t, "SELECT a FROM b WHERE c = $1 AND d > $2", d.Placeholders("SELECT a FROM b WHERE c = ? AND d > ?"))
}
