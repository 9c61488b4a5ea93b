package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/iidesho/bragi/sbragi"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

// Notifier fans out a "something changed" signal. Signals are coalesced: a subscriber that is
// busy sees at most one pending signal.
type Notifier interface {
	Subscribe() (signal <-chan struct{}, unsubscribe func())
	Close() error
}

// Signaller is implemented by notifiers that accept an explicit change signal from writers in
// the same process.
type Signaller interface {
	Notify()
}

type Broadcaster struct {
	lock   sync.Mutex
	subs   map[uint64]chan struct{}
	next   uint64
	closed bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan struct{})}
}

func (b *Broadcaster) Subscribe() (<-chan struct{}, func()) {
	b.lock.Lock()
	defer b.lock.Unlock()
	c := make(chan struct{}, 1)
	if b.closed {
		close(c)
		return c, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = c
	var once sync.Once
	return c, func() {
		once.Do(func() {
			b.lock.Lock()
			defer b.lock.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Broadcaster) Notify() {
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, c := range b.subs {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

func (b *Broadcaster) Subscribers() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, c := range b.subs {
		close(c)
		delete(b.subs, id)
	}
	return nil
}

// HeadReader reads the current head position of the store, -1 when empty.
type HeadReader func(ctx context.Context) (int64, error)

// Polling checks the head position on a fixed interval and signals when it advanced.
type Polling struct {
	*Broadcaster
	read     HeadReader
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

func NewPolling(ctx context.Context, read HeadReader, interval time.Duration) *Polling {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Polling{
		Broadcaster: NewBroadcaster(),
		read:        read,
		interval:    interval,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go p.poll(ctx)
	return p
}

func (p *Polling) poll(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	head := int64(-1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		current, err := p.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("reading head position, will retry")
			continue
		}
		if current > head {
			log.Trace("head advanced", "from", head, "to", current)
			head = current
			p.Notify()
		}
	}
}

func (p *Polling) Close() error {
	p.once.Do(func() {
		p.cancel()
		<-p.done
		p.Broadcaster.Close()
	})
	return nil
}
