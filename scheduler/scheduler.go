// Package scheduler runs flash engine jobs on a fixed worker pool with
// cooperative per-key serialization: jobs sharing a key hash execute in
// FIFO submission order and never concurrently, jobs with distinct hashes
// run in parallel. Keys map onto shard queues; a shard count well above the
// worker count keeps collisions rare.
package scheduler

import (
	"errors"
	"sync"

	"go.uber.org/atomic"

	"github.com/igchor/Cachelib/log"
)

// ExitCode tells the scheduler what to do with a job that just ran.
type ExitCode int

const (
	// Done completes the job.
	Done ExitCode = iota
	// Reschedule re-queues the job behind later arrivals for its key.
	Reschedule
)

// Job is a unit of work. It must not block on other jobs of the same key.
type Job func() ExitCode

// ErrStopped rejects submissions after Finish.
var ErrStopped = errors.New("scheduler: stopped")

const defaultShardsPerWorker = 64

// Config sizes the scheduler.
type Config struct {
	NumWorkers uint32
	// NumShards defaults to NumWorkers * 64.
	NumShards uint32
}

// OrderedScheduler is the cooperative job scheduler of the flash engines.
type OrderedScheduler struct {
	log    log.Logger
	shards []*shard
	ready  chan *shard
	// submitMu orders Enqueue's pending.Add against Finish's Wait.
	submitMu sync.RWMutex
	stopped  atomic.Bool
	pending  sync.WaitGroup
	workers  sync.WaitGroup
}

type task struct {
	name string
	job  Job
}

type shard struct {
	mu sync.Mutex
	// queue is FIFO; rescheduled jobs go to the back.
	queue []task
	// active means some worker owns this shard right now. A shard never
	// runs on two workers.
	active bool
}

// New starts the worker pool.
func New(l log.Logger, cfg Config) *OrderedScheduler {
	if cfg.NumWorkers == 0 {
		cfg.NumWorkers = 1
	}
	if cfg.NumShards == 0 {
		cfg.NumShards = cfg.NumWorkers * defaultShardsPerWorker
	}
	s := &OrderedScheduler{
		log:    l,
		shards: make([]*shard, cfg.NumShards),
		ready:  make(chan *shard, cfg.NumShards),
	}
	for i := range s.shards {
		s.shards[i] = &shard{}
	}
	s.workers.Add(int(cfg.NumWorkers))
	for i := uint32(0); i < cfg.NumWorkers; i++ {
		go s.workerLoop()
	}
	l.Debugf("scheduler: %d workers, %d shards", cfg.NumWorkers, cfg.NumShards)
	return s
}

// EnqueueWithKey submits a job ordered by keyHash. The name is for
// diagnostics only.
func (s *OrderedScheduler) EnqueueWithKey(keyHash uint64, name string, job Job) error {
	s.submitMu.RLock()
	if s.stopped.Load() {
		s.submitMu.RUnlock()
		return ErrStopped
	}
	s.pending.Add(1)
	s.submitMu.RUnlock()
	sh := s.shards[keyHash%uint64(len(s.shards))]
	sh.mu.Lock()
	sh.queue = append(sh.queue, task{name: name, job: job})
	wake := !sh.active
	if wake {
		sh.active = true
	}
	sh.mu.Unlock()
	if wake {
		// Buffered to shard count and guarded by active, so this never
		// blocks.
		s.ready <- sh
	}
	return nil
}

func (s *OrderedScheduler) workerLoop() {
	defer s.workers.Done()
	for sh := range s.ready {
		s.drainShard(sh)
	}
}

func (s *OrderedScheduler) drainShard(sh *shard) {
	for {
		sh.mu.Lock()
		if len(sh.queue) == 0 {
			sh.active = false
			sh.mu.Unlock()
			return
		}
		t := sh.queue[0]
		sh.queue = sh.queue[1:]
		sh.mu.Unlock()

		switch t.job() {
		case Done:
			s.pending.Done()
		case Reschedule:
			if s.stopped.Load() {
				// Cooperative cancellation point: drop instead of spin.
				s.log.Debugf("job %s dropped at reschedule on shutdown", t.name)
				s.pending.Done()
				continue
			}
			sh.mu.Lock()
			sh.queue = append(sh.queue, t)
			sh.mu.Unlock()
		}
	}
}

// Drain waits until all submitted jobs completed. The scheduler stays
// usable; the caller quiesces its own submissions first.
func (s *OrderedScheduler) Drain() {
	s.pending.Wait()
}

// Finish blocks further submissions, drains all outstanding work and stops
// the workers. A job that returns Reschedule once Finish has begun is
// dropped instead of re-queued.
func (s *OrderedScheduler) Finish() {
	s.submitMu.Lock()
	alreadyStopped := s.stopped.Swap(true)
	s.submitMu.Unlock()
	if alreadyStopped {
		return
	}
	s.pending.Wait()
	close(s.ready)
	s.workers.Wait()
}
