package analysis

import (
	"context"

	"github.com/xelth-com/healthsync/internal/models"
)

// watcher is a latest-value subscription: a slow reader skips intermediate
// states but always sees the newest one
type watcher struct {
	ch     chan models.AnalysisJob
	done   chan struct{}
	closed bool
}

func newWatcher() *watcher {
	return &watcher{
		ch:   make(chan models.AnalysisJob, 1),
		done: make(chan struct{}),
	}
}

// offer replaces any unread value. Callers hold Poller.mu.
func (w *watcher) offer(job models.AnalysisJob) {
	if w.closed {
		return
	}
	select {
	case <-w.ch:
	default:
	}
	w.ch <- job
}

// close ends the stream. Callers hold Poller.mu.
func (w *watcher) close() {
	if w.closed {
		return
	}
	w.closed = true
	close(w.ch)
	close(w.done)
}

// Observe streams state changes of a job. The current state is delivered
// first; the channel closes after the terminal state, when ctx ends, or
// immediately when no poll loop is running for the job.
func (p *Poller) Observe(ctx context.Context, jobID string) (<-chan models.AnalysisJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, ok := p.latest[jobID]
	if !ok {
		stored, err := p.jobs.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		job = stored
	}

	w := newWatcher()
	w.offer(*job.Clone())

	if _, running := p.active[jobID]; !running || job.Status.Terminal() {
		w.close()
		return w.ch, nil
	}
	p.watchers[jobID] = append(p.watchers[jobID], w)

	go func() {
		select {
		case <-ctx.Done():
			p.unwatch(jobID, w)
		case <-w.done:
		}
	}()
	return w.ch, nil
}

func (p *Poller) unwatch(jobID string, w *watcher) {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.watchers[jobID]
	for i, x := range list {
		if x == w {
			p.watchers[jobID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	w.close()
}

func (p *Poller) publish(job *models.AnalysisJob) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, running := p.active[job.JobID]; running {
		p.latest[job.JobID] = job.Clone()
	}
	for _, w := range p.watchers[job.JobID] {
		w.offer(*job.Clone())
	}
}
