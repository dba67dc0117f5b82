package worker

import "context"

type worker struct {
	pool       *jobChannelPool
	jobChannel chan Job
}

func newWorker(pool *jobChannelPool) *worker {
	return &worker{
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *worker) start() {
	go func() {
		for {
			job, ok := <-w.jobChannel
			if !ok || job.isStop() {
				w.pool.retire(w.jobChannel)
				return
			}
			w.run(job)
			w.pool.release(w.jobChannel)
		}
	}()
	w.pool.release(w.jobChannel)
}

func (w *worker) run(job Job) {
	ctx := job.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	// The caller may have gone away while the job sat in a queue.
	if err := ctx.Err(); err != nil {
		job.resultCh <- jobResult{err: err}
		return
	}
	message, err := w.pool.executor.Run(ctx, job.req)
	job.resultCh <- jobResult{message: message, err: err}
}
