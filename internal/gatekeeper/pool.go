package gatekeeper

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/developingchet/keygate/internal/metrics"
	"github.com/developingchet/keygate/internal/sink"
)

// eventPool delivers events to the notification sinks off the request path.
// It implements sink.Publisher.
type eventPool struct {
	jobCh       chan *sink.Event
	wg          sync.WaitGroup
	activeCount atomic.Int64
	sinks       []sink.Sink

	mu      sync.RWMutex
	stopped bool
}

var _ sink.Publisher = (*eventPool)(nil)

// newEventPool creates a pool with a queue of capacity buf. No worker runs
// until start is called; events published before that wait in the queue.
func newEventPool(buf int, sinks []sink.Sink) *eventPool {
	return &eventPool{
		jobCh: make(chan *sink.Event, buf),
		sinks: sinks,
	}
}

// start launches count workers. Workers exit when stop closes the queue;
// ctx bounds each delivery.
func (p *eventPool) start(ctx context.Context, count int) {
	for i := 0; i < count; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx)
	}
}

// Publish enqueues e without blocking. The event is dropped when the queue is
// full, the pool is stopped or no sink is configured.
func (p *eventPool) Publish(e *sink.Event) {
	if len(p.sinks) == 0 || e == nil {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return
	}
	select {
	case p.jobCh <- e:
	default:
		metrics.EventsDropped.Inc()
		log.Debug().Str("kind", string(e.Kind)).Msg("event dropped: notification queue full")
	}
}

// stop closes the queue and waits for the workers to drain it.
func (p *eventPool) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobCh)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *eventPool) runWorker(ctx context.Context) {
	defer p.wg.Done()
	for e := range p.jobCh {
		p.deliver(ctx, e)
	}
}

func (p *eventPool) deliver(ctx context.Context, e *sink.Event) {
	p.activeCount.Add(1)
	defer p.activeCount.Add(-1)

	for _, s := range p.sinks {
		if err := s.Notify(ctx, e); err != nil {
			log.Error().Err(err).Str("sink", s.Name()).Str("kind", string(e.Kind)).Msg("notification failed")
			continue
		}
		log.Debug().Str("sink", s.Name()).Str("kind", string(e.Kind)).Str("id", e.ID).Msg("notified")
	}
}
