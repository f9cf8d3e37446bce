package watcher

import (
	"context"
	"sort"
	"time"
)

// coalescer merges changes per path on a single goroutine and hands them to
// deliver in path order once the stream has been quiet for window, once the
// oldest pending change has waited maxWait, or as soon as limit distinct
// paths are pending.
type coalescer struct {
	window  time.Duration
	maxWait time.Duration
	limit   int
	in      chan Change
	deliver func([]Change)
}

func newCoalescer(window, maxWait time.Duration, limit int, deliver func([]Change)) *coalescer {
	if limit <= 0 {
		limit = 1
	}
	if maxWait < window {
		maxWait = window
	}
	return &coalescer{
		window:  window,
		maxWait: maxWait,
		limit:   limit,
		in:      make(chan Change, 64),
		deliver: deliver,
	}
}

// push blocks until the change is queued or ctx is done.
func (c *coalescer) push(ctx context.Context, change Change) {
	select {
	case c.in <- change:
	case <-ctx.Done():
	}
}

// run owns the pending set until ctx is done, then delivers what is left.
func (c *coalescer) run(ctx context.Context) {
	pending := make(map[string]Change)
	var deadline time.Time
	timer := time.NewTimer(c.window)
	timer.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := make([]Change, 0, len(pending))
		for _, change := range pending {
			batch = append(batch, change)
		}
		sort.Slice(batch, func(i, j int) bool { return batch[i].Path < batch[j].Path })
		pending = make(map[string]Change)
		c.deliver(batch)
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			flush()
			return

		case change := <-c.in:
			if len(pending) == 0 {
				deadline = time.Now().Add(c.maxWait)
			}
			if prev, ok := pending[change.Path]; ok {
				change.Op |= prev.Op
			}
			pending[change.Path] = change

			if len(pending) >= c.limit {
				timer.Stop()
				flush()
				continue
			}
			timer.Reset(max(0, min(c.window, time.Until(deadline))))

		case <-timer.C:
			flush()
		}
	}
}
