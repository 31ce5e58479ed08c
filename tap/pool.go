package tap

import (
	"context"
	"sync"
)

// dispatchPool fans events out to a bounded set of workers while keeping
// events that share a key in strict arrival order. Events with distinct
// keys may be processed concurrently.
type dispatchPool struct {
	do func(*Event)

	feeder chan *task

	lk     sync.Mutex
	active map[string][]*task

	wg sync.WaitGroup
}

type task struct {
	key string
	ev  *Event
}

func newDispatchPool(workers int, do func(*Event)) *dispatchPool {
	p := &dispatchPool{
		do:     do,
		feeder: make(chan *task),
		active: make(map[string][]*task),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

// Add enqueues an event under the given ordering key. If another event
// with the same key is in flight, the new event is parked behind it and
// picked up by whichever worker finishes the predecessor.
func (p *dispatchPool) Add(ctx context.Context, key string, ev *Event) error {
	t := &task{key: key, ev: ev}

	p.lk.Lock()
	pending, inflight := p.active[key]
	if inflight {
		p.active[key] = append(pending, t)
		p.lk.Unlock()
		return nil
	}
	p.active[key] = nil
	p.lk.Unlock()

	select {
	case p.feeder <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting new work and blocks until in-flight and
// parked events have been processed.
func (p *dispatchPool) Shutdown() {
	close(p.feeder)
	p.wg.Wait()
}

func (p *dispatchPool) worker() {
	defer p.wg.Done()
	for t := range p.feeder {
		for t != nil {
			p.do(t.ev)

			p.lk.Lock()
			parked := p.active[t.key]
			if len(parked) > 0 {
				next := parked[0]
				p.active[t.key] = parked[1:]
				p.lk.Unlock()
				t = next
				continue
			}
			delete(p.active, t.key)
			p.lk.Unlock()
			t = nil
		}
	}
}
