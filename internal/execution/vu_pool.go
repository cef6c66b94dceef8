package execution

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// nextFunc decides whether a VU starts iteration iter. It may block
// (arrival-rate modes wait for a start token) and must honour ctx.
type nextFunc func(ctx context.Context, iter int) bool

type vuHandle struct {
	id       int
	cancel   context.CancelFunc
	retiring bool
	exited   bool
}

// vuPool runs VU goroutines for a mode and keeps ModeState current.
// Retiring VUs finish their current iteration and then exit; cancelled VUs
// see their context done at the next blocking call.
type vuPool struct {
	base   *BaseMode
	config *ModeConfig

	wg      sync.WaitGroup
	mu      sync.Mutex
	vus     map[int]*vuHandle
	active  int
	closed  bool
	maxLive int

	iterations atomic.Int64
}

func newVUPool(base *BaseMode, config *ModeConfig) *vuPool {
	return &vuPool{
		base:   base,
		config: config,
		vus:    make(map[int]*vuHandle),
	}
}

// start launches VU id. It returns false when the pool is closed or the
// id is already running.
func (p *vuPool) start(ctx context.Context, id int, next nextFunc) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	if _, ok := p.vus[id]; ok {
		p.mu.Unlock()
		return false
	}
	vuCtx, cancel := context.WithCancel(ctx)
	h := &vuHandle{id: id, cancel: cancel}
	p.vus[id] = h
	p.active++
	if len(p.vus) > p.maxLive {
		p.maxLive = len(p.vus)
	}
	p.wg.Add(1)
	p.publishLocked()
	p.mu.Unlock()

	if p.config.OnVUStart != nil {
		p.config.OnVUStart(id)
	}
	go p.run(vuCtx, h, next)
	return true
}

// startFree launches a VU on the lowest free ID.
func (p *vuPool) startFree(ctx context.Context, next nextFunc) bool {
	for id := 0; ; id++ {
		p.mu.Lock()
		_, taken := p.vus[id]
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return false
		}
		if !taken && p.start(ctx, id, next) {
			return true
		}
	}
}

func (p *vuPool) run(ctx context.Context, h *vuHandle, next nextFunc) {
	defer p.exit(h)

	for iter := 0; ; iter++ {
		if ctx.Err() != nil || p.base.IsStopped() || p.retireNow(h) {
			return
		}
		if !next(ctx, iter) {
			return
		}
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		err := p.config.IterationFunc(ctx, h.id, iter)
		duration := time.Since(start)

		completed := p.iterations.Add(1)
		p.base.SetState(func(s *ModeState) {
			s.CompletedIterations = completed
		})
		if p.config.OnIterationComplete != nil {
			p.config.OnIterationComplete(h.id, iter, duration, err)
		}
		if errors.Is(err, ErrStopVU) {
			return
		}
	}
}

// retireNow is checked at every iteration boundary.
func (p *vuPool) retireNow(h *vuHandle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h.retiring {
		h.exited = true
		return true
	}
	return false
}

func (p *vuPool) exit(h *vuHandle) {
	h.cancel()

	p.mu.Lock()
	h.exited = true
	if p.vus[h.id] == h {
		delete(p.vus, h.id)
	}
	if !h.retiring {
		p.active--
	}
	p.publishLocked()
	p.mu.Unlock()

	if p.config.OnVUStop != nil {
		p.config.OnVUStop(h.id)
	}
	p.wg.Done()
}

// scaleTo makes the number of active VUs equal target. Scale-down marks the
// highest IDs for retirement; scale-up first revives retiring VUs still in
// flight, then starts new VUs on the lowest free IDs.
func (p *vuPool) scaleTo(ctx context.Context, target int, next nextFunc) {
	if target < 0 {
		target = 0
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	ids := make([]int, 0, len(p.vus))
	for id := range p.vus {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		if p.active >= target {
			break
		}
		if h := p.vus[id]; h.retiring && !h.exited {
			h.retiring = false
			p.active++
		}
	}
	for i := len(ids) - 1; i >= 0 && p.active > target; i-- {
		if h := p.vus[ids[i]]; !h.retiring {
			h.retiring = true
			p.active--
		}
	}
	missing := target - p.active
	p.publishTargetLocked(target)
	p.mu.Unlock()

	for id := 0; missing > 0; id++ {
		if p.start(ctx, id, next) {
			missing--
		} else if p.isClosed() {
			return
		}
	}
}

// retireAll marks every VU for retirement after its current iteration.
func (p *vuPool) retireAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.vus {
		if !h.retiring {
			h.retiring = true
			p.active--
		}
	}
	p.publishLocked()
}

// cancelAll interrupts every VU at its next blocking call.
func (p *vuPool) cancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.vus {
		h.cancel()
	}
}

// close prevents new VUs from starting.
func (p *vuPool) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *vuPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// wait blocks until every VU goroutine has exited.
func (p *vuPool) wait() {
	p.wg.Wait()
}

// waitTimeout waits up to d for all VUs; it reports whether they finished.
func (p *vuPool) waitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	if d <= 0 {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

// shutdown stops the pool: no new iterations, gracefulStop for the ones in
// flight, then hard cancellation.
func (p *vuPool) shutdown(gracefulStop time.Duration) {
	p.close()
	p.retireAll()
	if !p.waitTimeout(gracefulStop) {
		p.cancelAll()
	}
	p.wait()
}

// abort cancels every VU immediately and waits for them to unwind.
func (p *vuPool) abort() {
	p.close()
	p.cancelAll()
	p.wait()
}

func (p *vuPool) live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.vus)
}

func (p *vuPool) activeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *vuPool) publishLocked() {
	p.publishTargetLocked(-1)
}

// publishTargetLocked 同时更新目标数，target < 0 时保持不变
func (p *vuPool) publishTargetLocked(target int) {
	active, retiring, maxLive := p.active, len(p.vus)-p.active, p.maxLive
	p.base.SetState(func(s *ModeState) {
		s.ActiveVUs = active
		s.RetiringVUs = retiring
		s.MaxVUs = maxLive
		if target >= 0 {
			s.TargetVUs = target
		}
	})
}
