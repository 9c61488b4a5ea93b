package notifier

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterCoalescesSignals(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()
	signal, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Notify()
	b.Notify()
	b.Notify()

	select {
	case <-signal:
	default:
		t.Fatal("expected a signal")
	}
	select {
	case <-signal:
		t.Fatal("signals should be coalesced")
	default:
	}
}

func TestBroadcasterUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	_, unsubscribe := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())
	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, b.Subscribers())
	b.Notify()
}

func TestPollingSignalsWhenHeadAdvances(t *testing.T) {
	var head atomic.Int64
	head.Store(-1)
	p := NewPolling(context.Background(), func(ctx context.Context) (int64, error) {
		return head.Load(), nil
	}, 5*time.Millisecond)
	defer p.Close()
	signal, unsubscribe := p.Subscribe()
	defer unsubscribe()

	select {
	case <-signal:
		t.Fatal("no signal expected for an empty store")
	case <-time.After(30 * time.Millisecond):
	}

	head.Store(3)
	select {
	case <-signal:
	case <-time.After(time.Second):
		t.Fatal("expected a signal after head advanced")
	}
}

func TestPollingSurvivesReadErrors(t *testing.T) {
	var calls atomic.Int64
	p := NewPolling(context.Background(), func(ctx context.Context) (int64, error) {
		if calls.Add(1) < 3 {
			return 0, errors.New("database unavailable")
		}
		return 1, nil
	}, 5*time.Millisecond)
	defer p.Close()
	signal, unsubscribe := p.Subscribe()
	defer unsubscribe()

	select {
	case <-signal:
	case <-time.After(time.Second):
		t.Fatal("polling should keep going after failed reads")
	}
	require.GreaterOrEqual(t, calls.Load(), int64(3))
}

func TestPollingCloseClosesSubscribers(t *testing.T) {
	p := NewPolling(context.Background(), func(ctx context.Context) (int64, error) {
		return -1, nil
	}, time.Millisecond)
	signal, _ := p.Subscribe()
	require.NoError(t, p.Close())
	_, ok := <-signal
	assert.False(t, ok)
}
