package workers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrPoolFull   = errors.New("workers: pool is full")
	ErrPoolClosed = errors.New("workers: pool is closed")
)

// Task is a unit of deferred work. The context is cancelled when the pool
// is stopped and its drain deadline expires.
type Task func(ctx context.Context)

// Pool runs delayed tasks on a fixed number of workers. Tasks waiting on
// their timer and tasks waiting for a worker both count against maxPending.
type Pool struct {
	workers    int
	maxPending int

	mu      sync.Mutex
	timers  map[uint64]*time.Timer
	seq     uint64
	closed  bool
	started bool

	queue    chan Task
	stopping chan struct{}
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewPool(workers, maxPending int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if maxPending <= 0 {
		maxPending = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:    workers,
		maxPending: maxPending,
		timers:     make(map[uint64]*time.Timer),
		queue:      make(chan Task, maxPending),
		stopping:   make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the workers. Calling it more than once is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopping:
			return
		case task := <-p.queue:
			select {
			case <-p.stopping:
				return
			default:
			}
			p.run(task)
		}
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("workers: task panicked")
		}
	}()
	task(p.ctx)
}

// Schedule runs task on a worker once delay has elapsed.
func (p *Pool) Schedule(delay time.Duration, task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if len(p.timers)+len(p.queue) >= p.maxPending {
		return ErrPoolFull
	}

	id := p.seq
	p.seq++
	p.timers[id] = time.AfterFunc(delay, func() { p.fire(id, task) })
	return nil
}

func (p *Pool) fire(id uint64, task Task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.timers[id]; !ok {
		return
	}
	delete(p.timers, id)
	if p.closed {
		return
	}

	select {
	case p.queue <- task:
	default:
		log.Warn().Msg("workers: queue full, dropping task")
	}
}

// Pending reports tasks that have been scheduled but not yet picked up.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers) + len(p.queue)
}

// Stop discards every pending task and waits for running tasks to finish.
// If ctx expires first, running tasks see their context cancelled.
// It returns the number of discarded tasks.
func (p *Pool) Stop(ctx context.Context) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, nil
	}
	p.closed = true

	discarded := p.discardLocked()
	close(p.stopping)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return discarded, nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return discarded, ctx.Err()
	}
}

// discardLocked drops every timer and queued task. A timer whose callback
// already fired but is still waiting on mu counts too: fire finds its id gone
// and the task never runs.
func (p *Pool) discardLocked() int {
	discarded := 0
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
		discarded++
	}
	for {
		select {
		case <-p.queue:
			discarded++
		default:
			return discarded
		}
	}
}
