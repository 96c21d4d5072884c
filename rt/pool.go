package rt

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// pool runs the nodes of a snapshot on the calling goroutine plus a fixed set
// of helper goroutines. Helpers sleep on the wake channel between cycles; in a
// cycle everyone pulls ready nodes from the snapshot's lock-free queue until
// every node has completed. With one worker, everything runs on the calling
// goroutine.
type pool struct {
	helpers int
	wake    chan struct{}
	quit    chan struct{}
	cur     atomic.Pointer[Snapshot]
	active  atomic.Int32
	wg      sync.WaitGroup
}

const spinsBeforeYield = 64

func newPool(workers int) *pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &pool{
		helpers: workers - 1,
		wake:    make(chan struct{}, workers),
		quit:    make(chan struct{}),
	}
	for i := 0; i < p.helpers; i++ {
		p.wg.Add(1)
		go p.helper()
	}
	return p
}

func (p *pool) helper() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case <-p.wake:
		}
		p.active.Add(1)
		if s := p.cur.Load(); s != nil {
			p.work(s)
		}
		p.active.Add(-1)
	}
}

// run executes one cycle of s. The snapshot's counters must have been reset.
func (p *pool) run(s *Snapshot) {
	p.cur.Store(s)
	for _, i := range s.sources {
		s.ready.Push(i)
	}
	for i := 0; i < p.helpers && i < len(s.nodes)-1; i++ {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
	p.work(s)
	for spins := 0; p.active.Load() != 0; spins++ {
		if spins > spinsBeforeYield {
			runtime.Gosched()
		}
	}
}

func (p *pool) work(s *Snapshot) {
	n := int32(len(s.nodes))
	spins := 0
	for s.completed.Load() < n {
		i, ok := s.ready.Pop()
		if !ok {
			if spins++; spins > spinsBeforeYield {
				runtime.Gosched()
			}
			continue
		}
		spins = 0
		for i >= 0 {
			i = s.runNode(i)
		}
	}
}

func (p *pool) close() {
	close(p.quit)
	p.wg.Wait()
}
