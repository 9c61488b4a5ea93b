package mergedcontext

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// MergeContexts returns a context that is done as soon as either ctx1 or ctx2 is done.
// Values are looked up in ctx1 first. cancel releases the watcher on ctx2 and must be called.
func MergeContexts(ctx1, ctx2 context.Context) (ctxOut context.Context, cancel context.CancelFunc) {
	inner, cancelInner := context.WithCancel(ctx1)
	stop := context.AfterFunc(ctx2, cancelInner)
	ctxOut = &mergedContexts{
		Context: inner,
		ctx1:    ctx1,
		ctx2:    ctx2,
	}
	cancel = func() {
		stop()
		cancelInner()
	}
	return
}

type mergedContexts struct {
	context.Context
	ctx1 context.Context
	ctx2 context.Context
}

func (c *mergedContexts) Deadline() (deadline time.Time, ok bool) {
	d1, ok1 := c.ctx1.Deadline()
	d2, ok2 := c.ctx2.Deadline()
	if !ok2 {
		return d1, ok1
	}
	if !ok1 {
		return d2, ok2
	}
	if d1.Before(d2) {
		return d1, ok1
	}
	return d2, ok2
}

func (c *mergedContexts) Err() error {
	err1, err2 := c.ctx1.Err(), c.ctx2.Err()
	switch {
	case err1 != nil && err2 != nil:
		return errors.Wrap(err1, err2.Error())
	case err1 != nil:
		return err1
	case err2 != nil:
		return err2
	}
	return c.Context.Err()
}

func (c *mergedContexts) Value(key any) (val any) {
	val = c.ctx1.Value(key)
	if val != nil {
		return
	}
	return c.ctx2.Value(key)
}
