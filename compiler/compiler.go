// Package compiler models the external work-queue contract named, but not
// implemented, by the core: a bounded queue of trace descriptors consumed
// by a native-code backend. The backend itself is out of scope; this
// package provides enough of a worker to drive descriptors from
// enqueue through to jittab.InstallCode end to end.
package compiler

import (
	"context"
	"errors"
	"runtime"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sirupsen/logrus"

	"tracevm/bytecode"
	"tracevm/jittab"
	"tracevm/trace"
)

// ErrQueueFull is returned by Enqueue when the queue is already at
// capacity; the trace assembler treats this the same as a descriptor
// allocation failure (§7).
var ErrQueueFull = errors.New("compiler: work queue full")

// WorkOrder is the unit the queue carries; Dalvik's kWorkOrderTrace is the
// only kind this core ever produces.
type WorkOrder struct {
	PC   interface{} // opaque to the queue; Enqueue leaves it unset
	Desc *trace.Descriptor
}

// Queue is the compiler work queue: a bounded channel guarded by a weighted
// semaphore sized to capacity, which Enqueue must acquire before sending.
// The request gate's "queue length >= high water" check reads the channel
// length, not the semaphore.
type Queue struct {
	orders    chan WorkOrder
	sem       *semaphore.Weighted
	highWater int64

	table  *jittab.Table
	log    *logrus.Entry
	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewQueue constructs a queue of the given capacity, installing compiled
// (here: placeholder) code addresses into table as orders are drained.
func NewQueue(capacity int, table *jittab.Table, log *logrus.Entry) *Queue {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Queue{
		orders:    make(chan WorkOrder, capacity),
		sem:       semaphore.NewWeighted(int64(capacity)),
		highWater: int64(capacity),
		table:     table,
		log:       log,
	}
}

// Len reports the current queue length.
func (q *Queue) Len() int { return len(q.orders) }

// HighWater reports the queue's configured high-water capacity.
func (q *Queue) HighWater() int64 { return q.highWater }

// AboveHighWater reports whether the queue is currently at or above its
// high-water mark, the first check the request gate's abort gate performs
// (§4.4 rule 1).
func (q *Queue) AboveHighWater() bool {
	return int64(q.Len()) >= q.highWater
}

// Enqueue implements trace.Enqueuer: it submits a descriptor for
// compilation, returning ErrQueueFull if the queue has no room.
func (q *Queue) Enqueue(desc *trace.Descriptor) error {
	if !q.sem.TryAcquire(1) {
		return ErrQueueFull
	}
	select {
	case q.orders <- WorkOrder{Desc: desc}:
		return nil
	default:
		q.sem.Release(1)
		return ErrQueueFull
	}
}

// DrainQueue blocks until the queue holds no orders, used by the assembler
// in blocking mode (§4.3 TSelectEnd). An order the worker has already taken
// off the queue may still be compiling when it returns.
func (q *Queue) DrainQueue() {
	for q.Len() > 0 {
		runtime.Gosched()
	}
}

// Start launches the single compiler worker goroutine under an errgroup, so
// its terminal error (if any) propagates cleanly into Shutdown.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	q.group = g
	g.Go(func() error {
		return q.run(gctx)
	})
}

func (q *Queue) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case order := <-q.orders:
			q.compile(order)
			q.sem.Release(1)
		}
	}
}

// compile stands in for the native backend: it installs a placeholder
// address so jittab.InstallCode's exactly-once publication is exercised by
// something other than a test double.
func (q *Queue) compile(order WorkOrder) {
	if order.Desc == nil || order.Desc.Method == nil || len(order.Desc.Runs) == 0 {
		return
	}
	pc := firstPC(order.Desc)
	addr := placeholderAddr(order.Desc)
	q.table.InstallCode(pc, addr)
	q.log.WithFields(logrus.Fields{
		"runs":  len(order.Desc.Runs),
		"insts": order.Desc.TotalInsts(),
	}).Debug("compiler: installed translation")
}

func firstPC(desc *trace.Descriptor) bytecode.PC {
	return bytecode.PC{Method: desc.Method, Offset: desc.Runs[0].StartOffset}
}

// placeholderAddr derives a distinct, stable-looking native address from
// the descriptor's own allocation, standing in for whatever address a real
// backend would hand back. It carries no meaning beyond "non-zero and
// distinct per descriptor."
func placeholderAddr(desc *trace.Descriptor) uintptr {
	return uintptr(unsafe.Pointer(desc))
}

// Stop cancels the worker and waits for it to exit.
func (q *Queue) Stop() error {
	if q.cancel == nil {
		return nil
	}
	q.cancel()
	err := q.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
