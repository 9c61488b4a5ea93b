package ondisk

import (
	"context"
	"testing"
	"time"

	"github.com/iidesho/streamstore/store"
	"github.com/iidesho/streamstore/store/storetest"
)

func TestBackend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		s, err := Open(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		return s
	})
}

func TestReopenKeepsMessages(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s, err := Open(dir, WithClock(func() time.Time { return created }))
	if err != nil {
		t.Fatal(err)
	}
	messages := storetest.Messages(3)
	res, err := s.AppendToStream(ctx, "durable", store.NoStream, messages)
	if err != nil {
		t.Fatal(err)
	}
	if err = s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err = s.ReadHeadPosition(ctx); err != store.ErrClosed {
		t.Error("expected closed error, got", err)
	}

	s, err = Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	head, err := s.ReadHeadPosition(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if head != res.CurrentPosition {
		t.Error("head position changed after reopen", head, res.CurrentPosition)
	}
	page, err := s.ReadStreamForwards(ctx, "durable", store.StreamVersionStart, 10, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 3 {
		t.Fatal("expected 3 messages after reopen, got", len(page.Messages))
	}
	for i, m := range page.Messages {
		if m.MessageID != messages[i].MessageID || m.JSONData != messages[i].JSONData {
			t.Error("message changed after reopen", i)
		}
		if !m.CreatedUTC.Equal(created) {
			t.Error("created time changed after reopen", m.CreatedUTC)
		}
	}
	res2, err := s.AppendToStream(ctx, "durable", store.NoStream, messages)
	if err != nil {
		t.Fatal("idempotent append after reopen failed", err)
	}
	if res2 != res {
		t.Error("idempotent append after reopen returned", res2, "expected", res)
	}
}

func TestKeysDoNotOverlap(t *testing.T) {
	short := versionScope("a")
	long := versionKey("a\x00\x00\x00", 0)
	if len(long) > len(short) && string(long[:len(short)]) == string(short) {
		t.Error("version scope of one stream is a prefix of another stream's key")
	}
	if v, p := decodeIDValue(encodeIDValue(42, 7)); v != 42 || p != 7 {
		t.Error("id value not read back", v, p)
	}
}
