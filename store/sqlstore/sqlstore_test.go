package sqlstore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/iidesho/streamstore/store"
)

type testDialect struct{ dollar bool }

func (testDialect) Name() string                   { return "test" }
func (testDialect) Schema(string, string) []string { return nil }

func (d testDialect) Placeholders(query string) string {
	if d.dollar {
		return Dollar(query)
	}
	return query
}

func (d testDialect) Returning() bool             { return d.dollar }
func (testDialect) ForUpdate() string             { return " FOR UPDATE" }
func (testDialect) IsUniqueViolation(error) bool  { return false }
func (testDialect) IsTransient(error) bool        { return false }
func (testDialect) GapReloadDelay() time.Duration { return 0 }

func TestDollar(t *testing.T) {
	got := Dollar("SELECT ? FROM t WHERE a = ? AND b IN (?, ?)")
	if got != "SELECT $1 FROM t WHERE a = $2 AND b IN ($3, $4)" {
		t.Error("unexpected rewrite", got)
	}
}

func TestLikeEscape(t *testing.T) {
	if got := likeEscape("a_b%c!d"); got != "a!_b!%c!!d" {
		t.Error("unexpected escape", got)
	}
}

func TestQueries(t *testing.T) {
	q := buildQueries(testDialect{dollar: true}, "p_streams", "p_messages")
	if !strings.HasSuffix(q.selectStreamWrite, " FOR UPDATE") {
		t.Error("write lookup does not lock", q.selectStreamWrite)
	}
	if strings.Contains(q.selectStream, "FOR UPDATE") {
		t.Error("read lookup locks", q.selectStream)
	}
	if !strings.HasSuffix(q.insertMessage, "RETURNING position") {
		t.Error("insert does not return position", q.insertMessage)
	}
	if strings.Contains(q.readAllForwards, "?") {
		t.Error("placeholders not rewritten", q.readAllForwards)
	}
	if got := q.contains(testDialect{dollar: true}, 3); !strings.HasSuffix(got, "IN ($2, $3, $4)") {
		t.Error("unexpected membership query", got)
	}

	plain := buildQueries(testDialect{}, "streams", "messages")
	if strings.Contains(plain.insertStream, "RETURNING") {
		t.Error("returning used without support", plain.insertStream)
	}
	if !strings.Contains(plain.readAllLazyBwd, "''") || !strings.Contains(plain.readAllLazyBwd, "DESC") {
		t.Error("lazy backward read selects payload", plain.readAllLazyBwd)
	}
}

func TestRerunStopsAtBound(t *testing.T) {
	ctx := context.Background()
	calls := 0
	_, err := rerun(ctx, 3, func() (store.AppendResult, error) {
		calls++
		return store.AppendResult{}, store.Transient(errors.New("deadlock"))
	})
	if calls != 4 {
		t.Error("expected 4 transactions, got", calls)
	}
	if !errors.Is(err, store.ErrRetriesExhausted) || !store.IsTransient(err) {
		t.Error("unexpected error", err)
	}

	calls = 0
	res, err := rerun(ctx, 3, func() (store.AppendResult, error) {
		calls++
		if calls < 3 {
			return store.AppendResult{}, store.Transient(errors.New("deadlock"))
		}
		return store.AppendResult{CurrentVersion: 7}, nil
	})
	if err != nil || calls != 3 || res.CurrentVersion != 7 {
		t.Error("expected success on third transaction", calls, res, err)
	}

	calls = 0
	boom := errors.New("boom")
	_, err = rerun(ctx, 3, func() (store.AppendResult, error) {
		calls++
		return store.AppendResult{}, boom
	})
	if calls != 1 || !errors.Is(err, boom) {
		t.Error("non transient errors are not rerun", calls, err)
	}
}
