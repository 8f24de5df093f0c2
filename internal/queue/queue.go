// Package queue implements the bounded dual-priority request queue (spec
// §4.5): two FIFO lanes (high, normal) drained by a single background task
// that wakes on completion events, a coarse tick, or shutdown.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/nexus-gateway/nexus/internal/gatewayerrors"
	"github.com/nexus-gateway/nexus/internal/logging"
	"github.com/nexus-gateway/nexus/internal/pipeline"
)

// Item is one parked request, exclusively owned by the queue until drained
// (spec §3: "QueuedRequest... Owned by the queue; moved out on drain").
type Item struct {
	Intent     *pipeline.RoutingIntent
	EnqueuedAt time.Time
	Priority   pipeline.QueuePriority

	// Result is sent exactly once: either a final RoutingDecision (Route or
	// Reject) when the drain loop resolves this item, or an error if the
	// item timed out or the queue is shutting down.
	Result chan Outcome
}

// Outcome is what the drain loop hands back to the waiting request handler.
type Outcome struct {
	Decision *pipeline.RoutingDecision
	Err      error
}

// Runner re-evaluates one item's pipeline with fresh candidate state; wired
// to pipeline.Pipeline.Run by the caller so this package stays decoupled
// from how candidates are rebuilt.
type Runner func(ctx context.Context, intent *pipeline.RoutingIntent) error

const tickInterval = 1 * time.Second

// Queue is the bounded dual-priority request queue.
type Queue struct {
	mu       sync.Mutex
	high    []*Item
	normal  []*Item
	maxSize int
	maxWait time.Duration

	runner Runner
	log    logging.Logger

	completions chan struct{}
	stop        chan struct{}
	stopped     chan struct{}
	stopOnce    sync.Once
}

// Config mirrors config.QueueConfig.
type Config struct {
	MaxSize        int
	MaxWaitSeconds int
}

// New builds a Queue. A MaxSize of 0 means queueing is disabled; callers
// should check Enabled() and rewrite Queue decisions to Reject at the call
// site rather than calling Enqueue (spec §4.5).
func New(cfg Config, runner Runner, log logging.Logger) *Queue {
	maxWait := time.Duration(cfg.MaxWaitSeconds) * time.Second
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &Queue{
		maxSize:     cfg.MaxSize,
		maxWait:     maxWait,
		runner:      runner,
		log:         log.WithComponent("queue"),
		completions: make(chan struct{}, 1),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// Enabled reports whether queueing is configured on (max_size > 0).
func (q *Queue) Enabled() bool { return q.maxSize > 0 }

// Depth returns the current (high, normal) lane depths for metrics.
func (q *Queue) Depth() (high, normal int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high), len(q.normal)
}

// Enqueue admits item if size(high)+size(normal) < max_size, else returns
// ErrQueueFull immediately (spec §4.5 Enqueue policy).
func (q *Queue) Enqueue(item *Item) error {
	q.mu.Lock()
	if len(q.high)+len(q.normal) >= q.maxSize {
		q.mu.Unlock()
		return gatewayerrors.New("queue.Enqueue", gatewayerrors.KindQueueFull, "", "queue at capacity", gatewayerrors.ErrQueueFull)
	}
	item.EnqueuedAt = time.Now()
	if item.Priority == pipeline.PriorityHigh {
		q.high = append(q.high, item)
	} else {
		q.normal = append(q.normal, item)
	}
	q.mu.Unlock()
	return nil
}

// NotifyCompletion wakes the drain loop promptly after a backend's pending
// counter decrements, rather than waiting for the next coarse tick.
func (q *Queue) NotifyCompletion() {
	select {
	case q.completions <- struct{}{}:
	default:
	}
}

// Run drives the drain loop until the context is canceled or Stop is
// called. Intended to run in its own goroutine for the process lifetime.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	defer close(q.stopped)

	for {
		select {
		case <-ctx.Done():
			q.drainAllWithError(ctx.Err())
			return
		case <-q.stop:
			q.drainAllWithError(gatewayerrors.New("queue.Run", gatewayerrors.KindInternalInvariant, "", "queue shutting down", nil))
			return
		case <-q.completions:
			q.drainOnce(ctx)
		case <-ticker.C:
			q.drainOnce(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to finish.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	<-q.stopped
}

// drainOnce runs high-then-normal FIFO drain passes once (spec §4.5 Drain
// order). Each head item is re-evaluated; Route resolves it, Queue requeues
// it at the head (unless it has exceeded max_wait, in which case it times
// out), and Reject resolves it with the rejection.
func (q *Queue) drainOnce(ctx context.Context) {
	for {
		item, ok := q.popHead()
		if !ok {
			return
		}
		if !q.processItem(ctx, item) {
			// processItem requeued it at the head; nothing more to drain
			// this pass without risking a busy-loop on a backend that's
			// still saturated.
			return
		}
	}
}

// popHead pops the oldest high-priority item if any, else the oldest
// normal-priority item.
func (q *Queue) popHead() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.high) > 0 {
		item := q.high[0]
		q.high = q.high[1:]
		return item, true
	}
	if len(q.normal) > 0 {
		item := q.normal[0]
		q.normal = q.normal[1:]
		return item, true
	}
	return nil, false
}

// pushHead puts item back at the front of its priority lane (requeue).
func (q *Queue) pushHead(item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item.Priority == pipeline.PriorityHigh {
		q.high = append([]*Item{item}, q.high...)
	} else {
		q.normal = append([]*Item{item}, q.normal...)
	}
}

// processItem re-runs the pipeline for one item. Returns true if the item
// was resolved (Route/Reject/timeout) and drain should continue to the next
// head item; false if it was requeued and drain should pause.
func (q *Queue) processItem(ctx context.Context, item *Item) bool {
	if err := q.runner(ctx, item.Intent); err != nil {
		q.resolve(item, Outcome{Err: err})
		return true
	}

	decision := item.Intent.Decision
	if decision == nil {
		q.resolve(item, Outcome{Err: gatewayerrors.New("queue.processItem", gatewayerrors.KindInternalInvariant, "", "pipeline produced no decision", nil)})
		return true
	}

	switch decision.Kind {
	case pipeline.DecisionRoute, pipeline.DecisionReject:
		q.resolve(item, Outcome{Decision: decision})
		return true
	case pipeline.DecisionQueue:
		if time.Since(item.EnqueuedAt) >= q.maxWait {
			q.resolve(item, Outcome{
				Err: gatewayerrors.New("queue.processItem", gatewayerrors.KindQueueTimeout, "", "queue wait exceeded max_wait_seconds", gatewayerrors.ErrQueueTimeout),
			})
			return true
		}
		q.pushHead(item)
		return false
	default:
		q.resolve(item, Outcome{Err: gatewayerrors.New("queue.processItem", gatewayerrors.KindInternalInvariant, "", "unknown decision kind", nil)})
		return true
	}
}

func (q *Queue) resolve(item *Item, outcome Outcome) {
	select {
	case item.Result <- outcome:
	default:
		q.log.Warn("queue: result channel not ready, dropping outcome", map[string]interface{}{})
	}
}

// drainAllWithError resolves every still-parked item with err, used on
// shutdown so no caller blocks on Result forever.
func (q *Queue) drainAllWithError(err error) {
	q.mu.Lock()
	all := make([]*Item, 0, len(q.high)+len(q.normal))
	all = append(all, q.high...)
	all = append(all, q.normal...)
	q.high = nil
	q.normal = nil
	q.mu.Unlock()

	for _, item := range all {
		q.resolve(item, Outcome{Err: err})
	}
}
