package push

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/matst80/busbridge/internal/obs"
)

const (
	DefaultPollInterval = 10 * time.Millisecond
	// DefaultBacklogWarn is the batch size above which a drain is reported
	// as backpressure. Nothing is rejected.
	DefaultBacklogWarn = 1000
)

// Broadcaster sends one packet to every admitted external client.
type Broadcaster interface {
	Broadcast(p []byte)
}

// Worker drains a Queue into a Broadcaster.
type Worker struct {
	q           *Queue
	out         Broadcaster
	interval    time.Duration
	backlogWarn int

	sent     atomic.Int64
	dropped  atomic.Int64
	warnings atomic.Int64
}

type Option func(*Worker)

func WithPollInterval(d time.Duration) Option { return func(w *Worker) { w.interval = d } }
func WithBacklogWarn(n int) Option            { return func(w *Worker) { w.backlogWarn = n } }

func NewWorker(q *Queue, out Broadcaster, opts ...Option) *Worker {
	w := &Worker{q: q, out: out, interval: DefaultPollInterval, backlogWarn: DefaultBacklogWarn}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run drains the queue until ctx is cancelled. Packets still queued at
// cancellation are broadcast before Run returns.
func (w *Worker) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			w.flush()
			obs.Info("push.worker.stopped", obs.Fields{"sent": w.sent.Load(), "dropped": w.dropped.Load()})
			return
		case <-w.q.wake:
		case <-t.C:
		}
		w.flush()
	}
}

func (w *Worker) flush() {
	batch := w.q.drain()
	if len(batch) == 0 {
		return
	}
	obs.BatchSize.Observe(float64(len(batch)))
	obs.Debug("push.batch", obs.Fields{"size": len(batch)})
	if len(batch) > w.backlogWarn {
		w.warnings.Add(1)
		obs.BackpressureTotal.Inc()
		obs.Warn("push.backlog", obs.Fields{"size": len(batch), "threshold": w.backlogWarn})
	}
	for i, p := range batch {
		batch[i] = nil
		if len(p) == 0 {
			w.dropped.Add(1)
			obs.DroppedTotal.WithLabelValues("empty_packet").Inc()
			obs.Error("push.empty_packet", obs.Fields{"index": i})
			continue
		}
		w.out.Broadcast(p)
		w.sent.Add(1)
		obs.BroadcastTotal.Inc()
	}
}

// Stats reports packets broadcast, packets dropped and backlog warnings.
func (w *Worker) Stats() (sent, dropped, warnings int64) {
	return w.sent.Load(), w.dropped.Load(), w.warnings.Load()
}
