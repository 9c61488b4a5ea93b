// Package streamstore is an append-only store of named message streams over pluggable backends.
//
// Store wraps a store.Backend and adds what every backend shares: input validation, read time
// filtering of expired messages, stream metadata, tombstones for deletions, bounded retries of
// transient failures, change notification, subscriptions and retention scavenging.
package streamstore

import (
	"context"
	"sync"
	"time"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/streamstore/metadatacache"
	"github.com/iidesho/streamstore/notifier"
	"github.com/iidesho/streamstore/scavenger"
	"github.com/iidesho/streamstore/store"
	"github.com/iidesho/streamstore/taskqueue"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

type ScavengeMode uint8

const (
	// ScavengeAsync runs scavenging on the task queue after the triggering write returns.
	ScavengeAsync ScavengeMode = iota
	// ScavengeSync runs scavenging inline before the triggering write returns.
	ScavengeSync
)

func (m ScavengeMode) String() string {
	if m == ScavengeSync {
		return "sync"
	}
	return "async"
}

func ParseScavengeMode(s string) ScavengeMode {
	if s == "sync" {
		return ScavengeSync
	}
	return ScavengeAsync
}

const (
	DefaultPollInterval  = time.Second
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = 10 * time.Millisecond
	DefaultQueueSize     = 1024
)

type options struct {
	now           func() time.Time
	cacheExpiry   time.Duration
	cacheMaxSize  int
	notifier      notifier.Notifier
	pollInterval  time.Duration
	scavengeMode  ScavengeMode
	retryAttempts int
	retryBackoff  time.Duration
	queueSize     int
}

type Option func(*options)

// WithClock sets the clock used for expiry decisions. Backends stamp messages with their own
// clock, so tests set both.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithMetadataCacheExpiry(d time.Duration) Option {
	return func(o *options) { o.cacheExpiry = d }
}

func WithMetadataCacheMaxSize(n int) Option {
	return func(o *options) { o.cacheMaxSize = n }
}

// WithNotifier replaces the polling notifier, for example with a backend push notifier.
// The store takes ownership and closes it.
func WithNotifier(n notifier.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

func WithScavengeMode(mode ScavengeMode) Option {
	return func(o *options) { o.scavengeMode = mode }
}

// WithAppendRetry bounds how often an append failing with a transient error is retried.
// The pause doubles after every attempt starting at backoff.
func WithAppendRetry(attempts int, backoff time.Duration) Option {
	return func(o *options) {
		o.retryAttempts = attempts
		o.retryBackoff = backoff
	}
}

func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

type Store struct {
	backend   store.Backend
	opts      options
	cache     *metadatacache.Cache
	queue     *taskqueue.Queue
	notifier  notifier.Notifier
	scavenger *scavenger.Scavenger
	// selfRetrying backends own the append retry loop.
	selfRetrying bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New wraps backend. The store lives until ctx is done or Close is called.
func New(ctx context.Context, backend store.Backend, opts ...Option) (*Store, error) {
	o := options{
		now:           time.Now,
		cacheExpiry:   metadatacache.DefaultExpiry,
		cacheMaxSize:  metadatacache.DefaultMaxSize,
		pollInterval:  DefaultPollInterval,
		retryAttempts: DefaultRetryAttempts,
		retryBackoff:  DefaultRetryBackoff,
		queueSize:     DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := initMetrics(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Store{
		backend: backend,
		opts:    o,
		queue:   taskqueue.New(o.queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.cache = metadatacache.New(s.readMetadata, o.cacheExpiry, o.cacheMaxSize, o.now)
	s.scavenger = scavenger.New(backend, s.deleteMessage, o.now)
	s.notifier = o.notifier
	if r, ok := backend.(store.SelfRetrying); ok {
		r.SetAppendRetries(o.retryAttempts)
		s.selfRetrying = true
	}
	if s.notifier == nil {
		s.notifier = notifier.NewPolling(ctx, backend.ReadHeadPosition, o.pollInterval)
	}
	trackStore(s, true)
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	log.Info("stream store started", "scavenge_mode", o.scavengeMode, "poll_interval", o.pollInterval)
	return s, nil
}

// Close cancels subscriptions and queued tasks, then closes the notifier and the backend.
func (s *Store) Close() (err error) {
	s.closeOnce.Do(func() {
		s.cancel()
		trackStore(s, false)
		s.queue.Close()
		s.notifier.Close()
		err = s.backend.Close()
		log.Info("stream store closed")
	})
	return
}

func (s *Store) closed() bool {
	return s.ctx.Err() != nil
}

// Backend exposes the wrapped backend for tooling that must bypass retention filtering.
func (s *Store) Backend() store.Backend {
	return s.backend
}

// MetadataCache exposes the cache for inspection of its hit and miss counts.
func (s *Store) MetadataCache() *metadatacache.Cache {
	return s.cache
}

// signal wakes subscribers of an in-process notifier without waiting for the next poll.
func (s *Store) signal() {
	if sig, ok := s.notifier.(notifier.Signaller); ok {
		sig.Notify()
	}
}
