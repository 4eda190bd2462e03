package worker

import (
	"context"
	"sync"
	"time"

	"podsim/internal/database"
	"podsim/internal/model"

	"github.com/rs/zerolog/log"
)

// defaultWatchInterval paces the per-job status polls behind the abort
// channels. Cancellation latency is one interval in the worst case.
const defaultWatchInterval = 5 * time.Second

// cancelWatch raises a per-job abort signal when the job's status flips to
// CANCELLED. One poller runs per job with in-flight simulations on this
// worker, refcounted so ten containers of one job share one poll loop.
type cancelWatch struct {
	store    database.JobStore
	interval time.Duration

	mu   sync.Mutex
	jobs map[string]*jobWatch
}

type jobWatch struct {
	refs  int
	abort chan struct{}
	stop  chan struct{}
}

func newCancelWatch(store database.JobStore, interval time.Duration) *cancelWatch {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	return &cancelWatch{
		store:    store,
		interval: interval,
		jobs:     make(map[string]*jobWatch),
	}
}

// Acquire registers one more simulation of the job and returns its abort
// channel. The first acquisition starts the status poller.
func (w *cancelWatch) Acquire(jobID string) <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	jw, ok := w.jobs[jobID]
	if !ok {
		jw = &jobWatch{
			abort: make(chan struct{}),
			stop:  make(chan struct{}),
		}
		w.jobs[jobID] = jw
		go w.watch(jobID, jw)
	}
	jw.refs++
	return jw.abort
}

// Release drops one registration; the last one stops the poller.
func (w *cancelWatch) Release(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	jw, ok := w.jobs[jobID]
	if !ok {
		return
	}
	jw.refs--
	if jw.refs <= 0 {
		close(jw.stop)
		delete(w.jobs, jobID)
	}
}

// ActiveJob returns the job id when exactly one job has in-flight
// simulations here, which is what the heartbeat's currentJobId reports.
func (w *cancelWatch) ActiveJob() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.jobs) != 1 {
		return ""
	}
	for id := range w.jobs {
		return id
	}
	return ""
}

func (w *cancelWatch) watch(jobID string, jw *jobWatch) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-jw.stop:
			return
		case <-ticker.C:
			job, err := w.store.GetJob(context.Background(), jobID)
			if err != nil {
				log.Debug().Err(err).Str("jobID", jobID).Msg("Failed to poll job for cancellation")
				continue
			}
			if job.Status == model.JobCancelled {
				log.Info().Str("jobID", jobID).Msg("Job cancelled, aborting its containers")
				close(jw.abort)
				return
			}
		}
	}
}
