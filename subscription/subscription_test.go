package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iidesho/streamstore/notifier"
	"github.com/iidesho/streamstore/store"
	"github.com/iidesho/streamstore/store/inmemory"
	"github.com/iidesho/streamstore/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	lock     sync.Mutex
	messages []store.Message
	events   []string
	dropped  chan DropReason
	err      error
}

func newRecorder() *recorder {
	return &recorder{dropped: make(chan DropReason, 1)}
}

func (r *recorder) message(m store.Message) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.messages = append(r.messages, m)
	r.events = append(r.events, "message")
}

func (r *recorder) caughtUp(caughtUp bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if caughtUp {
		r.events = append(r.events, "caught_up")
	} else {
		r.events = append(r.events, "falling_behind")
	}
}

func (r *recorder) onDropped(reason DropReason, err error) {
	r.lock.Lock()
	r.err = err
	r.lock.Unlock()
	r.dropped <- reason
}

func (r *recorder) count() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.messages)
}

func (r *recorder) snapshot() ([]store.Message, []string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]store.Message{}, r.messages...), append([]string{}, r.events...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestAllCatchUpThenLive(t *testing.T) {
	ctx := context.Background()
	backend := inmemory.New()
	defer backend.Close()
	b := notifier.NewBroadcaster()
	defer b.Close()

	const n = 4
	for i := 0; i < n; i++ {
		_, err := backend.AppendToStream(ctx, "catchup", store.Any, storetest.Messages(1))
		require.NoError(t, err)
	}

	r := newRecorder()
	sub := SubscribeToAll(ctx, ctx, backend, b, store.PositionStart,
		func(ctx context.Context, sub *All, m store.Message) error {
			r.message(m)
			return nil
		},
		WithCaughtUp(r.caughtUp),
		WithDropped(r.onDropped),
		WithPageSize(3),
	)
	<-sub.Started()
	waitFor(t, func() bool { return sub.IsCaughtUp() })
	assert.Equal(t, Live, sub.State())

	_, err := backend.AppendToStream(ctx, "catchup", store.Any, storetest.Messages(1))
	require.NoError(t, err)
	b.Notify()
	waitFor(t, func() bool { return r.count() == n+1 })
	waitFor(t, func() bool { return sub.IsCaughtUp() })

	require.NoError(t, sub.Close())
	assert.Equal(t, Disposed, <-r.dropped)
	assert.NoError(t, r.err)
	assert.Equal(t, Dropped, sub.State())

	messages, events := r.snapshot()
	require.Len(t, messages, n+1)
	for i := 1; i < len(messages); i++ {
		assert.Greater(t, messages[i].Position, messages[i-1].Position)
	}
	assert.Equal(t, messages[n].Position, sub.LastPosition())
	assert.Equal(t, []string{
		"message", "message", "message", "message",
		"caught_up",
		"falling_behind",
		"message",
		"caught_up",
	}, events)
}

func TestAllFromEndOnlyDeliversNewMessages(t *testing.T) {
	ctx := context.Background()
	backend := inmemory.New()
	defer backend.Close()
	b := notifier.NewBroadcaster()
	defer b.Close()
	_, err := backend.AppendToStream(ctx, "old", store.NoStream, storetest.Messages(3))
	require.NoError(t, err)

	r := newRecorder()
	sub := SubscribeToAll(ctx, ctx, backend, b, store.PositionEnd,
		func(ctx context.Context, sub *All, m store.Message) error {
			r.message(m)
			return nil
		})
	defer sub.Close()
	<-sub.Started()
	waitFor(t, func() bool { return sub.IsCaughtUp() })

	fresh := storetest.Messages(1)
	_, err = backend.AppendToStream(ctx, "new", store.NoStream, fresh)
	require.NoError(t, err)
	b.Notify()
	waitFor(t, func() bool { return r.count() == 1 })
	messages, _ := r.snapshot()
	assert.Equal(t, fresh[0].MessageID, messages[0].MessageID)
}

func TestSubscriberErrorDrops(t *testing.T) {
	ctx := context.Background()
	backend := inmemory.New()
	defer backend.Close()
	b := notifier.NewBroadcaster()
	defer b.Close()
	_, err := backend.AppendToStream(ctx, "boom", store.NoStream, storetest.Messages(3))
	require.NoError(t, err)

	boom := errors.New("boom")
	r := newRecorder()
	sub := SubscribeToStream(ctx, ctx, backend, b, "boom", store.StreamVersionStart,
		func(ctx context.Context, sub *Stream, m store.Message) error {
			r.message(m)
			if m.StreamVersion == 1 {
				return boom
			}
			return nil
		},
		WithDropped(r.onDropped),
	)
	assert.Equal(t, SubscriberError, <-r.dropped)
	assert.ErrorIs(t, r.err, boom)
	<-sub.Done()
	assert.Equal(t, 2, r.count())
	assert.Equal(t, 0, sub.LastVersion())
	assert.Equal(t, Dropped, sub.State())
	require.NoError(t, sub.Close())
	select {
	case reason := <-r.dropped:
		t.Fatalf("dropped reported twice, second reason %s", reason)
	default:
	}
}

func TestCloseFromHandler(t *testing.T) {
	ctx := context.Background()
	backend := inmemory.New()
	defer backend.Close()
	b := notifier.NewBroadcaster()
	defer b.Close()
	_, err := backend.AppendToStream(ctx, "self-close", store.NoStream, storetest.Messages(3))
	require.NoError(t, err)

	r := newRecorder()
	closed := make(chan error, 1)
	sub := SubscribeToStream(ctx, ctx, backend, b, "self-close", store.StreamVersionStart,
		func(ctx context.Context, sub *Stream, m store.Message) error {
			r.message(m)
			closed <- sub.Close()
			return nil
		},
		WithDropped(r.onDropped),
	)
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("close from handler did not return")
	}
	assert.Equal(t, Disposed, <-r.dropped)
	<-sub.Done()
	assert.Equal(t, 1, r.count())
	assert.Equal(t, Dropped, sub.State())
	require.NoError(t, sub.Close())
}

type failingReader struct {
	err error
}

func (f failingReader) ReadAllForwards(context.Context, int64, int, bool) (store.AllStreamsPage, error) {
	return store.AllStreamsPage{}, f.err
}

func (f failingReader) ReadHeadPosition(context.Context) (int64, error) {
	return -1, nil
}

func TestStoreErrorDrops(t *testing.T) {
	ctx := context.Background()
	b := notifier.NewBroadcaster()
	defer b.Close()
	fatal := errors.New("corrupt page")
	r := newRecorder()
	sub := SubscribeToAll(ctx, ctx, failingReader{err: fatal}, b, store.PositionStart,
		func(ctx context.Context, sub *All, m store.Message) error { return nil },
		WithDropped(r.onDropped),
	)
	assert.Equal(t, StoreError, <-r.dropped)
	assert.ErrorIs(t, r.err, fatal)
	<-sub.Done()
}

func TestStoreClosingDisposes(t *testing.T) {
	ctx := context.Background()
	storeCtx, closeStore := context.WithCancel(ctx)
	backend := inmemory.New()
	defer backend.Close()
	b := notifier.NewBroadcaster()
	defer b.Close()

	r := newRecorder()
	sub := SubscribeToStream(ctx, storeCtx, backend, b, "quiet", store.StreamVersionEnd,
		func(ctx context.Context, sub *Stream, m store.Message) error { return nil },
		WithDropped(r.onDropped),
	)
	<-sub.Started()
	closeStore()
	assert.Equal(t, Disposed, <-r.dropped)
	<-sub.Done()
}

func TestStreamSubscriptionDeliversOnlyItsStream(t *testing.T) {
	ctx := context.Background()
	backend := inmemory.New()
	defer backend.Close()
	b := notifier.NewBroadcaster()
	defer b.Close()

	r := newRecorder()
	sub := SubscribeToStream(ctx, ctx, backend, b, "mine", store.StreamVersionStart,
		func(ctx context.Context, sub *Stream, m store.Message) error {
			r.message(m)
			return nil
		})
	defer sub.Close()
	<-sub.Started()

	_, err := backend.AppendToStream(ctx, "other", store.NoStream, storetest.Messages(2))
	require.NoError(t, err)
	_, err = backend.AppendToStream(ctx, "mine", store.NoStream, storetest.Messages(2))
	require.NoError(t, err)
	b.Notify()
	waitFor(t, func() bool { return r.count() == 2 })
	messages, _ := r.snapshot()
	for i, m := range messages {
		assert.Equal(t, "mine", m.StreamID)
		assert.Equal(t, i, m.StreamVersion)
	}
	assert.Equal(t, "mine", sub.StreamID())
}

type memoryCheckpoints struct {
	lock   sync.Mutex
	values map[string]int64
}

func (m *memoryCheckpoints) Load(_ context.Context, name string) (int64, bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	v, ok := m.values[name]
	return v, ok, nil
}

func (m *memoryCheckpoints) Save(_ context.Context, name string, cursor int64) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.values[name] = cursor
	return nil
}

func TestCheckpointResumes(t *testing.T) {
	ctx := context.Background()
	backend := inmemory.New()
	defer backend.Close()
	b := notifier.NewBroadcaster()
	defer b.Close()
	checkpoints := &memoryCheckpoints{values: map[string]int64{}}
	_, err := backend.AppendToStream(ctx, "resume", store.NoStream, storetest.Messages(3))
	require.NoError(t, err)

	first := newRecorder()
	sub := SubscribeToAll(ctx, ctx, backend, b, store.PositionStart,
		func(ctx context.Context, sub *All, m store.Message) error {
			first.message(m)
			return nil
		}, WithName("projection"), WithCheckpoints(checkpoints))
	waitFor(t, func() bool { return sub.IsCaughtUp() })
	require.NoError(t, sub.Close())

	_, err = backend.AppendToStream(ctx, "resume", store.Exact(2), storetest.Messages(1))
	require.NoError(t, err)

	second := newRecorder()
	sub = SubscribeToAll(ctx, ctx, backend, b, store.PositionStart,
		func(ctx context.Context, sub *All, m store.Message) error {
			second.message(m)
			return nil
		}, WithName("projection"), WithCheckpoints(checkpoints))
	defer sub.Close()
	waitFor(t, func() bool { return sub.IsCaughtUp() })
	messages, _ := second.snapshot()
	require.Len(t, messages, 1)
	assert.Equal(t, 3, messages[0].StreamVersion)
}
