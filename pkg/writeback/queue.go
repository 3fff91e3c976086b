// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT
//
// A Queue buffers block writes in a ring and drains them to the device in
// FIFO order on a single background goroutine.

package writeback

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/wback/internal/core"
	"github.com/westerndigitalcorporation/wback/internal/server"
	"github.com/westerndigitalcorporation/wback/pkg/device"
)

var (
	// OpMetric to record counts and latencies of queue ops. Enqueue time
	// includes waiting for ring space.
	opm = server.NewOpMetric("wback_queue", "queue", "op")

	// Other metrics.
	metricOccupied = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "wback",
		Name:      "ring_occupied",
		Help:      "ring buffer blocks in use",
	}, []string{"queue"})
	metricWaiters = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "wback",
		Name:      "space_waiters",
		Help:      "producers blocked waiting for ring space",
	}, []string{"queue"})
	metricReadOnly = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "wback",
		Name:      "read_only",
		Help:      "whether the queue has entered read-only mode",
	}, []string{"queue"})
	metricQueueLength = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Subsystem: "wback",
		Name:      "queue_length",
		Help:      "length of the work list at enqueue time",
	}, []string{"queue"})
)

// State is the queue lifecycle state.
type State int

const (
	// StateInit is a queue that has not finished construction.
	StateInit = State(iota)

	// StateReady is a constructed queue whose consumer hasn't started yet.
	StateReady

	// StateRunning is the normal operating state.
	StateRunning

	// StateReadOnly means a device write failed irrecoverably. The queue
	// keeps draining so callbacks fire, but rejects all new work.
	StateReadOnly
)

// String returns the state name for logs and status pages.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateReadOnly:
		return "read-only"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config encapsulates parameters for a writeback queue.
type Config struct {
	// Ring capacity in filesystem blocks. One transaction can never exceed
	// this; producers asking for more fail with ErrTooBig.
	Blocks uint64

	// Filesystem block size in bytes. Must be a multiple of the device block
	// size.
	BlockSize uint32

	// Label distinguishes this queue in logs and metrics.
	Label string
}

// Validate validates the configuration object has reasonable (not obviously
// wrong) values.
func (c Config) Validate() error {
	if c.Blocks == 0 {
		return fmt.Errorf("writeback ring cannot be empty")
	}
	if c.BlockSize == 0 {
		return fmt.Errorf("block size cannot be zero")
	}
	if c.Label == "" {
		return fmt.Errorf("queue label cannot be empty")
	}
	return nil
}

// DefaultConfig specifies the default values for Config used in production:
// a 64 MB ring of 8 KB blocks.
var DefaultConfig = Config{
	Blocks:    8192,
	BlockSize: core.BlockSize,
	Label:     "writeback",
}

// spaceWaiter is one producer blocked in Enqueue waiting for ring space.
// Waiters are served strictly in arrival order; a small request never jumps
// a larger one at the head of the line.
type spaceWaiter struct {
	blocks   uint64
	granted  bool
	signaled bool
	ready    chan struct{}
}

// Queue owns a ring buffer and a background consumer goroutine. Producers
// call Enqueue concurrently; the consumer drains work items to the device in
// FIFO order and runs their callbacks. Enqueue returning NoError means
// "safely buffered", not "durable" — durability is what the work's sync
// callback reports.
//
// This is the set of errors Enqueue can return and the implied semantics:
//
// core.NoError -- the work is buffered and will be resolved via its callback.
// core.ErrReadOnly -- a previous device failure stopped the queue; nothing was buffered.
// core.ErrTooBig -- the transaction exceeds the whole ring; waiting would never help.
// core.ErrCanceled -- the queue is shutting down.
type Queue struct {
	dev device.Device
	cfg Config

	lock      sync.Mutex
	workAdded *sync.Cond // consumer wakeup: new work, kick, state change
	ring      *RingBuffer
	work      []*Work
	waiters   []*spaceWaiter
	state     State
	stopping  bool

	consumerDone chan struct{}
}

// NewQueue builds the ring (fatal to construction if the transfer buffer
// cannot be registered) and starts the consumer.
func NewQueue(dev device.Device, cfg Config) (*Queue, core.Error) {
	if err := cfg.Validate(); err != nil {
		log.Errorf("Bad writeback config: %s", err)
		return nil, core.ErrInvalidArgument
	}
	if cfg.BlockSize%dev.BlockSize() != 0 {
		log.Errorf("Block size %d is not a multiple of the device's %d",
			cfg.BlockSize, dev.BlockSize())
		return nil, core.ErrInvalidArgument
	}
	ring, err := NewRingBuffer(dev, cfg.Blocks, cfg.BlockSize, cfg.Label)
	if err != core.NoError {
		log.Errorf("Failed to create %d block ring for queue %q: %s", cfg.Blocks, cfg.Label, err)
		return nil, err
	}

	q := &Queue{
		dev:          dev,
		cfg:          cfg,
		ring:         ring,
		state:        StateReady,
		consumerDone: make(chan struct{}),
	}
	q.workAdded = sync.NewCond(&q.lock)
	metricOccupied.WithLabelValues(cfg.Label).Set(0)
	metricWaiters.WithLabelValues(cfg.Label).Set(0)
	metricReadOnly.WithLabelValues(cfg.Label).Set(0)
	go q.consume()

	log.Infof("writeback queue %q: ring of %d blocks of %d bytes", cfg.Label, cfg.Blocks, cfg.BlockSize)
	return q, core.NoError
}

// NewWork returns an empty work unit matched to this queue's device and
// block size.
func (q *Queue) NewWork() *Work {
	return NewWork(q.dev, q.cfg.BlockSize)
}

// Device returns the device this queue submits to.
func (q *Queue) Device() device.Device {
	return q.dev
}

// BlockSize returns the filesystem block size the queue is addressed in.
func (q *Queue) BlockSize() uint32 {
	return q.cfg.BlockSize
}

// Capacity returns the ring capacity in filesystem blocks.
func (q *Queue) Capacity() uint64 {
	return q.cfg.Blocks
}

// State returns the current lifecycle state.
func (q *Queue) State() State {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.state
}

// IsReadOnly reports whether the queue has stopped accepting writes.
func (q *Queue) IsReadOnly() bool {
	return q.State() == StateReadOnly
}

// Enqueue buffers w and schedules it for FIFO completion. If the ring lacks
// space for w's payload the call blocks, joining a strict arrival-order line
// of waiting producers, until enough older work has drained. Works carrying
// no payload blocks (pure barriers, trims) skip the line since they consume
// no ring space.
func (q *Queue) Enqueue(w *Work) core.Error {
	op := opm.Start(q.cfg.Label, "enqueue")
	var err core.Error
	defer op.EndWithError(&err)

	blocks := w.BlockCount()

	q.lock.Lock()
	if q.state == StateReadOnly {
		q.lock.Unlock()
		err = core.ErrReadOnly
		return err
	}
	if q.stopping {
		q.lock.Unlock()
		err = core.ErrCanceled
		return err
	}
	if blocks > q.ring.Capacity() {
		q.lock.Unlock()
		err = core.ErrTooBig
		return err
	}
	if blocks > 0 {
		if err = q.waitForSpace(blocks); err != core.NoError {
			q.lock.Unlock()
			return err
		}
		q.ring.CopyTransaction(&w.Txn)
		metricOccupied.WithLabelValues(q.cfg.Label).Set(float64(q.ring.Length()))
	}
	q.work = append(q.work, w)
	metricQueueLength.WithLabelValues(q.cfg.Label).Observe(float64(len(q.work)))
	q.workAdded.Signal()
	// Our copy may still leave room for the next producer in line.
	q.admitNext()
	q.lock.Unlock()
	return core.NoError
}

// waitForSpace blocks until blocks fit in the ring and it is our turn. Called
// and returns with q.lock held; drops the lock while waiting.
func (q *Queue) waitForSpace(blocks uint64) core.Error {
	if len(q.waiters) == 0 && q.ring.IsSpaceAvailable(blocks) {
		return core.NoError
	}

	w := &spaceWaiter{blocks: blocks, ready: make(chan struct{})}
	q.waiters = append(q.waiters, w)
	metricWaiters.WithLabelValues(q.cfg.Label).Set(float64(len(q.waiters)))
	q.admitNext()

	q.lock.Unlock()
	<-w.ready
	q.lock.Lock()

	q.popWaiter(w)
	metricWaiters.WithLabelValues(q.cfg.Label).Set(float64(len(q.waiters)))
	if q.stopping {
		return core.ErrCanceled
	}
	if q.state == StateReadOnly {
		return core.ErrReadOnly
	}
	if !w.granted {
		log.Fatalf("space waiter woke without a grant or a shutdown")
	}
	return core.NoError
}

// admitNext grants the head waiter if its blocks fit now. Space freed is
// handed out in arrival order only; later waiters stay blocked even if they
// are smaller and would fit.
func (q *Queue) admitNext() {
	if len(q.waiters) == 0 {
		return
	}
	head := q.waiters[0]
	if !head.signaled && q.ring.IsSpaceAvailable(head.blocks) {
		head.granted = true
		head.signaled = true
		close(head.ready)
	}
}

// wakeWaiterForShutdown fails a waiter out of the line.
func (q *Queue) wakeWaiterForShutdown(w *spaceWaiter) {
	if w.signaled {
		return
	}
	w.signaled = true
	close(w.ready)
}

func (q *Queue) popWaiter(w *spaceWaiter) {
	for i, x := range q.waiters {
		if x == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
	log.Fatalf("space waiter missing from the line")
}

// Kick wakes the consumer to re-check the front item's readiness. Whoever
// completes a dependency that a ready callback watches should call this.
func (q *Queue) Kick() {
	q.lock.Lock()
	q.workAdded.Signal()
	q.lock.Unlock()
}

// consume is the single background consumer. It owns all device submission:
// items leave the queue strictly in arrival order, their callbacks run here,
// and ring space is freed here, which in turn unblocks waiting producers.
func (q *Queue) consume() {
	q.lock.Lock()
	if q.state == StateReady {
		q.state = StateRunning
	}
	for {
		for len(q.work) == 0 && !q.stopping {
			q.workAdded.Wait()
		}
		if len(q.work) == 0 {
			// Stopping and fully drained.
			break
		}
		w := q.work[0]

		if q.state == StateReadOnly {
			// No more I/O will be attempted; fail the item out so its
			// callbacks still fire.
			q.finishFront(w, core.ErrReadOnly)
			continue
		}
		if !w.IsReady() {
			if q.stopping {
				q.finishFront(w, core.ErrCanceled)
				continue
			}
			// Leave it at the front: FIFO order is the contract even when
			// the head is gated. Readiness changes are signaled via Kick.
			q.workAdded.Wait()
			continue
		}

		q.work = q.work[1:]
		blocks := w.BlockCount()
		if blocks > 0 && !q.ring.VerifyTransaction(&w.Txn) {
			log.Fatalf("queue %q: work does not match the oldest ring blocks", q.cfg.Label)
		}
		q.lock.Unlock()

		op := opm.Start(q.cfg.Label, "complete")
		status := w.Complete()
		if status != core.NoError {
			op.Failed()
		}
		op.End()

		q.lock.Lock()
		q.release(blocks)
		if status != core.NoError && q.state != StateReadOnly {
			q.setReadOnlyLocked(status)
		}
	}
	q.lock.Unlock()
	close(q.consumerDone)
}

// finishFront resets the front item without I/O, with the lock held on entry
// and exit. Callbacks run unlocked.
func (q *Queue) finishFront(w *Work, reason core.Error) {
	q.work = q.work[1:]
	blocks := w.BlockCount()
	if blocks > 0 && !q.ring.VerifyTransaction(&w.Txn) {
		log.Fatalf("queue %q: work does not match the oldest ring blocks", q.cfg.Label)
	}
	q.lock.Unlock()

	op := opm.Start(q.cfg.Label, "reset")
	w.Reset(reason)
	op.Failed()
	op.End()

	q.lock.Lock()
	q.release(blocks)
}

// release frees an item's ring blocks and hands the space down the line.
func (q *Queue) release(blocks uint64) {
	if blocks == 0 {
		return
	}
	q.ring.FreeSpace(blocks)
	metricOccupied.WithLabelValues(q.cfg.Label).Set(float64(q.ring.Length()))
	q.admitNext()
}

// setReadOnlyLocked records a fatal device error. New work is rejected from
// here on; queued work is failed out with callbacks so nothing is stranded.
func (q *Queue) setReadOnlyLocked(cause core.Error) {
	log.Errorf("writeback queue %q entering read-only mode: %s", q.cfg.Label, cause)
	q.state = StateReadOnly
	metricReadOnly.WithLabelValues(q.cfg.Label).Set(1)
	// Space will never help the waiting producers now; fail them out.
	for _, w := range q.waiters {
		q.wakeWaiterForShutdown(w)
	}
	q.workAdded.Signal()
}

// Close drains and stops the queue. Every queued item is resolved: ready
// work is completed, work still gated by a ready callback is reset with
// ErrCanceled, and blocked producers fail out with ErrCanceled. Returns
// NoError after a clean drain, or ErrReadOnly if the queue died of a device
// error at any point. Producers must have stopped submitting by the time the
// drain is expected to finish.
func (q *Queue) Close() core.Error {
	q.lock.Lock()
	if !q.stopping {
		q.stopping = true
		for _, w := range q.waiters {
			q.wakeWaiterForShutdown(w)
		}
		q.workAdded.Signal()
	}
	q.lock.Unlock()

	<-q.consumerDone

	q.lock.Lock()
	state := q.state
	q.lock.Unlock()
	q.ring.Release()
	if state == StateReadOnly {
		return core.ErrReadOnly
	}
	return core.NoError
}
