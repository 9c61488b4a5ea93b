package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/streamstore/mergedcontext"
	"github.com/iidesho/streamstore/notifier"
	"github.com/iidesho/streamstore/store"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

const DefaultPageSize = 10

type State int32

const (
	Starting State = iota
	CatchingUp
	Live
	Dropped
)

func (s State) String() string {
	switch s {
	case CatchingUp:
		return "catching_up"
	case Live:
		return "live"
	case Dropped:
		return "dropped"
	}
	return "starting"
}

type DropReason uint8

const (
	Disposed DropReason = iota
	SubscriberError
	StoreError
)

func (r DropReason) String() string {
	switch r {
	case SubscriberError:
		return "subscriber_error"
	case StoreError:
		return "store_error"
	}
	return "disposed"
}

// DroppedHandler is called exactly once when a subscription stops. err is nil for Disposed.
type DroppedHandler func(reason DropReason, err error)

// CaughtUpHandler is called on every change of the caught up state.
type CaughtUpHandler func(caughtUp bool)

// Checkpoints persists the last delivered cursor of a named subscription.
type Checkpoints interface {
	Load(ctx context.Context, name string) (cursor int64, ok bool, err error)
	Save(ctx context.Context, name string, cursor int64) error
}

type options struct {
	name          string
	pageSize      int
	prefetch      bool
	onDropped     DroppedHandler
	onCaughtUp    CaughtUpHandler
	checkpoints   Checkpoints
	retryInterval time.Duration
}

type Option func(*options)

func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithPrefetch controls whether pages are read with their payloads.
func WithPrefetch(prefetch bool) Option {
	return func(o *options) { o.prefetch = prefetch }
}

func WithDropped(fn DroppedHandler) Option {
	return func(o *options) { o.onDropped = fn }
}

func WithCaughtUp(fn CaughtUpHandler) Option {
	return func(o *options) { o.onCaughtUp = fn }
}

// WithCheckpoints resumes a named subscription after its last saved cursor and saves the
// cursor after every delivered message.
func WithCheckpoints(c Checkpoints) Option {
	return func(o *options) { o.checkpoints = c }
}

// WithRetryInterval sets the pause before a pull is retried after a transient store error.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) { o.retryInterval = d }
}

func buildOptions(opts []Option) options {
	o := options{
		pageSize:      DefaultPageSize,
		prefetch:      true,
		retryInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// cursor is what differs between all stream and single stream subscriptions.
type cursor interface {
	// init resolves the starting point. It runs before the first pull.
	init(ctx context.Context) error
	// pull reads the next page after the cursor.
	pull(ctx context.Context) (messages []store.Message, isEnd bool, err error)
	// advance moves the cursor past a delivered message and returns the value to checkpoint.
	advance(m store.Message) int64
	// settle moves the cursor to the end of the last pulled page.
	settle()
}

type base struct {
	opts     options
	cursor   cursor
	deliver  func(ctx context.Context, m store.Message) error
	notifier notifier.Notifier

	ctx      context.Context
	cancel   context.CancelFunc
	started  chan struct{}
	done     chan struct{}
	state    atomic.Int32
	caughtUp atomic.Bool
	// delivering is set while the handler runs on the delivery goroutine.
	delivering atomic.Bool
	dropOnce   sync.Once
}

func newBase(
	ctx, storeCtx context.Context,
	n notifier.Notifier,
	c cursor,
	deliver func(ctx context.Context, m store.Message) error,
	opts options,
) *base {
	merged, cancelMerged := mergedcontext.MergeContexts(ctx, storeCtx)
	subCtx, cancel := context.WithCancel(merged)
	return &base{
		opts:     opts,
		cursor:   c,
		deliver:  deliver,
		notifier: n,
		ctx:      subCtx,
		cancel: func() {
			cancel()
			cancelMerged()
		},
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (b *base) run() {
	defer close(b.done)
	defer b.cancel()
	signal, unsubscribe := b.notifier.Subscribe()
	defer unsubscribe()

	err := b.cursor.init(b.ctx)
	close(b.started)
	if err != nil {
		b.fail(err)
		return
	}
	b.state.Store(int32(CatchingUp))
	for {
		if !b.catchUp() {
			return
		}
		select {
		case <-b.ctx.Done():
			b.drop(Disposed, nil)
			return
		case _, ok := <-signal:
			if !ok {
				b.fail(store.ErrClosed)
				return
			}
		}
	}
}

// catchUp pulls pages until the cursor reaches the end. It returns false once dropped.
func (b *base) catchUp() bool {
	for {
		messages, isEnd, err := b.cursor.pull(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil {
				b.drop(Disposed, nil)
				return false
			}
			if store.IsTransient(err) {
				log.WithError(err).Warning("transient error pulling page, retrying", "subscription", b.opts.name)
				select {
				case <-b.ctx.Done():
					b.drop(Disposed, nil)
					return false
				case <-time.After(b.opts.retryInterval):
					continue
				}
			}
			b.fail(err)
			return false
		}
		if len(messages) > 0 && b.caughtUp.Load() {
			b.setCaughtUp(false)
		}
		for _, m := range messages {
			if b.ctx.Err() != nil {
				b.drop(Disposed, nil)
				return false
			}
			b.delivering.Store(true)
			err := b.deliver(b.ctx, m)
			b.delivering.Store(false)
			if err != nil {
				if b.ctx.Err() != nil {
					b.drop(Disposed, nil)
				} else {
					b.drop(SubscriberError, err)
				}
				return false
			}
			checkpoint := b.cursor.advance(m)
			if b.opts.checkpoints != nil && b.opts.name != "" {
				if err := b.opts.checkpoints.Save(b.ctx, b.opts.name, checkpoint); err != nil {
					log.WithError(err).Warning("saving checkpoint", "subscription", b.opts.name)
				}
			}
		}
		b.cursor.settle()
		if isEnd {
			if !b.caughtUp.Load() {
				b.setCaughtUp(true)
			}
			return true
		}
	}
}

func (b *base) setCaughtUp(caughtUp bool) {
	b.caughtUp.Store(caughtUp)
	if caughtUp {
		b.state.Store(int32(Live))
	} else {
		b.state.Store(int32(CatchingUp))
	}
	log.Debug("caught up changed", "subscription", b.opts.name, "caught_up", caughtUp)
	if b.opts.onCaughtUp != nil {
		b.opts.onCaughtUp(caughtUp)
	}
}

func (b *base) fail(err error) {
	if b.ctx.Err() != nil {
		b.drop(Disposed, nil)
		return
	}
	b.drop(StoreError, err)
}

func (b *base) drop(reason DropReason, err error) {
	b.dropOnce.Do(func() {
		b.state.Store(int32(Dropped))
		if reason == Disposed {
			log.Info("subscription dropped", "subscription", b.opts.name, "reason", reason)
		} else {
			log.WithError(err).Info("subscription dropped", "subscription", b.opts.name, "reason", reason)
		}
		if b.opts.onDropped != nil {
			b.opts.onDropped(reason, err)
		}
	})
}

func (b *base) loadCheckpoint(ctx context.Context) (int64, bool, error) {
	if b.opts.checkpoints == nil || b.opts.name == "" {
		return 0, false, nil
	}
	cursor, ok, err := b.opts.checkpoints.Load(ctx, b.opts.name)
	if err != nil {
		return 0, false, fmt.Errorf("loading checkpoint of %q: %w", b.opts.name, err)
	}
	return cursor, ok, nil
}

func (b *base) Name() string {
	return b.opts.name
}

func (b *base) State() State {
	return State(b.state.Load())
}

func (b *base) IsCaughtUp() bool {
	return b.caughtUp.Load()
}

// Started is closed once the starting point is resolved and the first pull is about to run.
func (b *base) Started() <-chan struct{} {
	return b.started
}

// Done is closed when the subscription stopped.
func (b *base) Done() <-chan struct{} {
	return b.done
}

// Close disposes the subscription and waits for the delivery goroutine to stop.
// While a message is being handled Close only cancels, so a handler can close its own
// subscription. Wait on Done to observe the stop in that case.
func (b *base) Close() error {
	b.cancel()
	if b.delivering.Load() {
		return nil
	}
	<-b.done
	return nil
}

var ErrStreamDeleted = errors.New("subscribed stream was deleted")
