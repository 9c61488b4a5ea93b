package postgres

import (
	"context"
	"time"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/streamstore/notifier"
	"github.com/lib/pq"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

// Notifier wakes subscribers on the notifications appends send inside their transaction.
// Reconnects also signal, since notifications sent while disconnected are lost.
type Notifier struct {
	*notifier.Broadcaster
	listener *pq.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewNotifier(ctx context.Context, dsn, channel string) (*Notifier, error) {
	listener := pq.NewListener(dsn, 100*time.Millisecond, 10*time.Second, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			if err != nil {
				log.WithError(err).Warning("notification listener disconnected", "channel", channel)
			}
		case pq.ListenerEventReconnected:
			log.Info("notification listener reconnected", "channel", channel)
		case pq.ListenerEventConnectionAttemptFailed:
			log.WithError(err).Debug("notification listener reconnect failed", "channel", channel)
		}
	})
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	n := &Notifier{
		Broadcaster: notifier.NewBroadcaster(),
		listener:    listener,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go n.run(ctx)
	return n, nil
}

func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)
	// Ping keeps a silent connection from being dropped unnoticed.
	ping := time.NewTicker(time.Minute)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-n.listener.Notify:
			if !ok {
				return
			}
			n.Broadcaster.Notify()
		case <-ping.C:
			log.WithError(n.listener.Ping()).Debug("pinging notification listener")
		}
	}
}

func (n *Notifier) Close() error {
	n.cancel()
	err := n.listener.Close()
	<-n.done
	n.Broadcaster.Close()
	return err
}
