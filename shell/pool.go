package shell

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/ckoons/Tekton-sub017/tekerr"
)

// Pool bounds concurrent requests per target endpoint. Each target gets its
// own semaphore; callers beyond the concurrency limit queue up to QueueDepth
// and are rejected with overloaded past that. The pool is shared between the
// shell and the orchestrator.
type Pool struct {
	concurrency int64
	queueDepth  int64

	mu      sync.Mutex
	targets map[string]*targetSlot
}

type targetSlot struct {
	sem     *semaphore.Weighted
	pending atomic.Int64
}

// NewPool builds a pool with the given per-target bounds.
func NewPool(concurrency, queueDepth int) *Pool {
	if concurrency <= 0 {
		concurrency = 5
	}
	if queueDepth <= 0 {
		queueDepth = 100
	}
	return &Pool{
		concurrency: int64(concurrency),
		queueDepth:  int64(queueDepth),
		targets:     make(map[string]*targetSlot),
	}
}

func (p *Pool) slot(target string) *targetSlot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.targets[target]
	if !ok {
		s = &targetSlot{sem: semaphore.NewWeighted(p.concurrency)}
		p.targets[target] = s
	}
	return s
}

// Do runs fn holding one of the target's slots. Requests beyond the queue
// bound fail fast with overloaded; a context expiring while queued raises
// timeout.
func (p *Pool) Do(ctx context.Context, target string, fn func(context.Context) error) error {
	s := p.slot(target)

	if s.pending.Add(1) > p.concurrency+p.queueDepth {
		s.pending.Add(-1)
		return tekerr.New(tekerr.CodeOverloaded, "request queue full for %s", target)
	}
	defer s.pending.Add(-1)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return tekerr.Wrap(tekerr.CodeTimeout, err)
	}
	defer s.sem.Release(1)

	return fn(ctx)
}

// Pending reports the in-flight plus queued count for a target.
func (p *Pool) Pending(target string) int {
	p.mu.Lock()
	s, ok := p.targets[target]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	return int(s.pending.Load())
}
