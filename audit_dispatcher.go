package keygate

import (
	"context"
	"sync"
	"sync/atomic"
)

// auditDispatcher decouples credential flows from sink latency. Login and
// code-redemption paths hand events off to a buffered channel and move on;
// a single pump goroutine forwards them to the sink. When the buffer is
// full, behavior follows AuditConfig: count-and-drop, or block until the
// caller's context expires.
type auditDispatcher struct {
	sink       AuditSink
	events     chan AuditEvent
	stop       chan struct{}
	dropIfFull bool

	dropped  atomic.Uint64
	stopOnce sync.Once
	drained  sync.WaitGroup
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = 1
	}

	d := &auditDispatcher{
		sink:       sink,
		events:     make(chan AuditEvent, buffer),
		stop:       make(chan struct{}),
		dropIfFull: cfg.DropIfFull,
	}
	d.drained.Add(1)
	go d.pump()
	return d
}

// pump forwards events until the dispatcher stops, then flushes whatever the
// buffer still holds: every event accepted before Close reaches the sink.
func (d *auditDispatcher) pump() {
	defer d.drained.Done()
	for {
		select {
		case event := <-d.events:
			d.sink.Emit(context.Background(), event)
		case <-d.stop:
			d.flush()
			return
		}
	}
}

func (d *auditDispatcher) flush() {
	for {
		select {
		case event := <-d.events:
			d.sink.Emit(context.Background(), event)
		default:
			return
		}
	}
}

// Emit queues one event. Events offered after Close are discarded without
// counting as drops; only buffer pressure moves the dropped counter.
func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil {
		return
	}
	select {
	case <-d.stop:
		return
	default:
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.dropIfFull {
		select {
		case d.events <- event:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.events <- event:
	case <-ctx.Done():
	case <-d.stop:
	}
}

// Close stops the pump and blocks until the buffer drained. Safe to call
// more than once.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() {
		close(d.stop)
		d.drained.Wait()
	})
}

// Dropped reports how many events buffer pressure discarded since start.
func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
