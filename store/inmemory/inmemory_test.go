package inmemory

import (
	"context"
	"testing"
	"time"

	"github.com/iidesho/streamstore/store"
	"github.com/iidesho/streamstore/store/storetest"
)

func TestBackend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		return New()
	})
}

func TestPositionsStartAtZero(t *testing.T) {
	s := New()
	defer s.Close()
	res, err := s.AppendToStream(context.Background(), "first", store.NoStream, storetest.Messages(1))
	if err != nil {
		t.Error(err)
		return
	}
	if res.CurrentPosition != 0 {
		t.Errorf("expected first position to be 0, got %d", res.CurrentPosition)
	}
}

func TestCreatedUsesClock(t *testing.T) {
	created := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	s := New(WithClock(func() time.Time { return created }))
	defer s.Close()
	_, err := s.AppendToStream(context.Background(), "clock", store.NoStream, storetest.Messages(1))
	if err != nil {
		t.Error(err)
		return
	}
	page, err := s.ReadStreamForwards(context.Background(), "clock", 0, 1, true)
	if err != nil {
		t.Error(err)
		return
	}
	if !page.Messages[0].CreatedUTC.Equal(created) {
		t.Errorf("expected created %s, got %s", created, page.Messages[0].CreatedUTC)
	}
}

func TestClosed(t *testing.T) {
	s := New()
	s.Close()
	_, err := s.AppendToStream(context.Background(), "closed", store.NoStream, storetest.Messages(1))
	if err != store.ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	_, err = s.ReadHeadPosition(context.Background())
	if err != store.ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
