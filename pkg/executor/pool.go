// Package executor provides the fixed-size shared worker pool on which
// scheduled callables and completion continuations run. All asynchronous
// work in the coordination core is funneled through one pool so that the
// number of goroutines stays bounded regardless of how many transactions
// are in flight.
package executor

import (
	"errors"
	"sync"
	"time"
)

// ErrPoolShutDown is returned by Submit after Shutdown has been called.
var ErrPoolShutDown = errors.New("executor: pool is shut down")

const (
	defaultWorkers    = 8
	defaultQueueDepth = 256
)

// Config controls the pool's size.
type Config struct {
	// Workers is the number of goroutines executing tasks.
	Workers int `yaml:"workers"`
	// QueueDepth is the capacity of the task queue. Submit blocks once the
	// queue is full, providing backpressure to producers.
	QueueDepth int `yaml:"queue_depth"`
}

// Pool is a fixed-size worker pool with a bounded task queue.
type Pool struct {
	tasks chan func()
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewPool starts a pool according to config, applying defaults for zero
// fields.
func NewPool(config Config) *Pool {
	if config.Workers <= 0 {
		config.Workers = defaultWorkers
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = defaultQueueDepth
	}

	p := &Pool{
		tasks: make(chan func(), config.QueueDepth),
		quit:  make(chan struct{}),
	}

	p.wg.Add(config.Workers)
	for i := 0; i < config.Workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			task()
		case <-p.quit:
			// Drain whatever was queued before shutdown so submitted work is
			// never silently dropped.
			for {
				select {
				case task := <-p.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// Submit enqueues a task, blocking while the queue is full. It fails only
// once the pool has been shut down.
func (p *Pool) Submit(task func()) error {
	select {
	case <-p.quit:
		return ErrPoolShutDown
	default:
	}

	select {
	case p.tasks <- task:
		return nil
	case <-p.quit:
		return ErrPoolShutDown
	}
}

// Now returns the pool's notion of the current time. Remote command latency
// measurements are taken against this clock.
func (p *Pool) Now() time.Time {
	return time.Now()
}

// Shutdown stops accepting tasks, runs anything already queued, and waits
// for the workers to exit. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}
