package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prebid/prebid-exchange/openrtb_ext"
)

// AsyncMetricsEngine forwards records to a delegate engine from a single background worker.
//
// Record calls never block: when the queue is full the record is dropped and counted.
type AsyncMetricsEngine struct {
	// dropped is first to keep it 64-bit aligned for atomic access.
	dropped  uint64
	delegate MetricsEngine
	queue    chan func(MetricsEngine)

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncMetricsEngine starts the worker draining a queue of at most queueSize pending records.
func NewAsyncMetricsEngine(delegate MetricsEngine, queueSize int) *AsyncMetricsEngine {
	if queueSize < 1 {
		queueSize = 1
	}
	e := &AsyncMetricsEngine{
		delegate: delegate,
		queue:    make(chan func(MetricsEngine), queueSize),
		done:     make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *AsyncMetricsEngine) run() {
	defer close(e.done)
	for record := range e.queue {
		record(e.delegate)
	}
}

func (e *AsyncMetricsEngine) submit(record func(MetricsEngine)) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		atomic.AddUint64(&e.dropped, 1)
		return
	}
	select {
	case e.queue <- record:
	default:
		atomic.AddUint64(&e.dropped, 1)
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (e *AsyncMetricsEngine) Dropped() uint64 {
	return atomic.LoadUint64(&e.dropped)
}

// Shutdown stops accepting records and waits until the queued ones reach the delegate.
// Records submitted after Shutdown are dropped.
func (e *AsyncMetricsEngine) Shutdown() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()
	<-e.done
}

func (e *AsyncMetricsEngine) RecordConnectionAccept(success bool) {
	e.submit(func(me MetricsEngine) { me.RecordConnectionAccept(success) })
}

func (e *AsyncMetricsEngine) RecordConnectionClose(success bool) {
	e.submit(func(me MetricsEngine) { me.RecordConnectionClose(success) })
}

func (e *AsyncMetricsEngine) RecordRequest(labels Labels) {
	e.submit(func(me MetricsEngine) { me.RecordRequest(labels) })
}

func (e *AsyncMetricsEngine) RecordImps(labels Labels, numImps int) {
	e.submit(func(me MetricsEngine) { me.RecordImps(labels, numImps) })
}

func (e *AsyncMetricsEngine) RecordRequestTime(labels Labels, length time.Duration) {
	e.submit(func(me MetricsEngine) { me.RecordRequestTime(labels, length) })
}

func (e *AsyncMetricsEngine) RecordAdapterRequest(labels AdapterLabels) {
	e.submit(func(me MetricsEngine) { me.RecordAdapterRequest(labels) })
}

func (e *AsyncMetricsEngine) RecordAdapterPanic(labels AdapterLabels) {
	e.submit(func(me MetricsEngine) { me.RecordAdapterPanic(labels) })
}

func (e *AsyncMetricsEngine) RecordAdapterBidReceived(labels AdapterLabels, bidType openrtb_ext.BidType, hasAdm bool) {
	e.submit(func(me MetricsEngine) { me.RecordAdapterBidReceived(labels, bidType, hasAdm) })
}

func (e *AsyncMetricsEngine) RecordAdapterPrice(labels AdapterLabels, cpm float64) {
	e.submit(func(me MetricsEngine) { me.RecordAdapterPrice(labels, cpm) })
}

func (e *AsyncMetricsEngine) RecordAdapterTime(labels AdapterLabels, length time.Duration) {
	e.submit(func(me MetricsEngine) { me.RecordAdapterTime(labels, length) })
}

func (e *AsyncMetricsEngine) RecordPrebidCacheRequestTime(success bool, length time.Duration) {
	e.submit(func(me MetricsEngine) { me.RecordPrebidCacheRequestTime(success, length) })
}
