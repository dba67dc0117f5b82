package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"nexuschat/internal/models"
	"nexuschat/internal/turn"
)

const (
	defaultMinWorkers = 2
	defaultMaxWorkers = 8
	defaultQueueSize  = 64
)

// ErrQueueFull is returned when the inbound turn queue has no room left.
var ErrQueueFull = errors.New("turn queue full")

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher schedules queued turns fairly across users: each user holds one
// slot in a round-robin list no matter how many turns they have pending, so a
// single chatty user cannot starve the rest. Execution happens on an elastic
// worker pool that caps how many model streams run at once.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job

	mu        sync.Mutex
	queues    map[int64]*userQueue // pending jobs per user
	ready     *list.List           // round-robin over user ids with pending jobs
	positions map[int64]*list.Element
}

// NewDispatcher builds a dispatcher over the executor. Zero sizing arguments
// fall back to the package defaults.
func NewDispatcher(minWorkers, maxWorkers, queueSize int, executor TurnExecutor, idleTimeout time.Duration) *Dispatcher {
	if minWorkers <= 0 {
		minWorkers = defaultMinWorkers
	}
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	d := &Dispatcher{
		pool:      newJobChannelPool(minWorkers, maxWorkers, idleTimeout, executor),
		jobQueue:  make(chan Job, queueSize),
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
	}

	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.loop()
	return d
}

// Run submits one turn and blocks until it completes or ctx expires. Fragments
// still flow through req.Emit on the worker goroutine while Run waits.
func (d *Dispatcher) Run(ctx context.Context, req turn.TurnRequest) (*models.Message, error) {
	job := Job{
		ctx:      ctx,
		req:      req,
		resultCh: make(chan jobResult, 1),
	}
	select {
	case d.jobQueue <- job:
	default:
		return nil, ErrQueueFull
	}

	select {
	case res := <-job.resultCh:
		return res.message, res.err
	case <-ctx.Done():
		// The worker may still be inside the turn and calling req.Emit.
		// Returning now would let those emits race the caller's writer,
		// so wait for the worker to observe the cancellation and report.
		res := <-job.resultCh
		if res.err != nil {
			return nil, res.err
		}
		return nil, ctx.Err()
	}
}

// CancelUser drops the user's pending jobs. A turn already running finishes
// under its own context.
func (d *Dispatcher) CancelUser(userID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if q, ok := d.queues[userID]; ok {
		for _, job := range q.jobs {
			job.resultCh <- jobResult{err: context.Canceled}
		}
	}
	delete(d.queues, userID)
	if elem, ok := d.positions[userID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, userID)
	}
}

func (d *Dispatcher) loop() {
	for {
		if !d.dispatchOne() {
			// Nothing pending, block for the next job.
			job := <-d.jobQueue
			d.enqueueJob(job)
			continue
		}
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		default:
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	userID := job.req.UserID

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[userID] = d.ready.PushBack(userID)
}

// dispatchOne hands the front user's oldest job to a worker. Users with more
// jobs pending rotate to the back of the round-robin.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	userID := elem.Value.(int64)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, userID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	debugLog("[dispatcher] assign turn on thread %s for user %d", job.req.ThreadID, userID)
	workerChan <- job
	return true
}
