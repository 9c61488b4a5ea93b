package mysql

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/gofrs/uuid"
	"github.com/iidesho/streamstore/store"
	"github.com/iidesho/streamstore/store/sqlstore"
	"github.com/iidesho/streamstore/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackend(t *testing.T) {
	dsn := os.Getenv("STREAMSTORE_MYSQL_DSN")
	if dsn == "" {
		t.Skip("STREAMSTORE_MYSQL_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) store.Backend {
		prefix := "t" + strings.ReplaceAll(uuid.Must(uuid.NewV4()).String(), "-", "")[:12] + "_"
		s, err := Open(context.Background(), dsn, sqlstore.WithTablePrefix(prefix))
		require.NoError(t, err)
		return s
	})
}

func TestDialect(t *testing.T) {
	d := Dialect{}
	assert.True(t, d.IsUniqueViolation(fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1062})))
	assert.True(t, d.IsTransient(&mysql.MySQLError{Number: 1213}))
	assert.False(t, d.IsTransient(&mysql.MySQLError{Number: 1062}))
	assert.False(t, d.IsUniqueViolation(errors.New("Duplicate entry")))
	assert.Equal(t, " FOR UPDATE", d.ForUpdate())
}
