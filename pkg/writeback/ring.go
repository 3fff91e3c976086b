// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package writeback

import (
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/wback/internal/core"
	"github.com/westerndigitalcorporation/wback/pkg/device"
)

// RingBuffer is a bounded circular staging area for pending device writes,
// layered over a registered transfer buffer. It tracks a logical window
// [start, start+length) of occupied blocks out of capacity; producers grow
// the window by copying transactions in, the consumer shrinks it as writes
// complete, strictly in FIFO order.
//
// RingBuffer does no locking of its own. Every method assumes the owning
// queue's lock is held; the single mutation points for growth and shrink are
// CopyTransaction and FreeSpace respectively.
type RingBuffer struct {
	buf      *device.Buffer
	capacity uint64
	start    uint64
	length   uint64
}

// NewRingBuffer allocates a ring of the given geometry and registers it with
// dev. Fails with ErrNoResources if the transfer buffer cannot be registered;
// the caller must treat that as fatal to construction of whatever owns the
// ring.
func NewRingBuffer(dev device.Device, blocks uint64, blockSize uint32, label string) (*RingBuffer, core.Error) {
	buf, err := device.NewBuffer(dev, blocks, blockSize, label)
	if err != core.NoError {
		return nil, err
	}
	return &RingBuffer{buf: buf, capacity: blocks}, core.NoError
}

// Capacity returns the total ring size in blocks.
func (r *RingBuffer) Capacity() uint64 {
	return r.capacity
}

// Length returns the number of occupied blocks.
func (r *RingBuffer) Length() uint64 {
	return r.length
}

// Start returns the block index of the oldest occupied block.
func (r *RingBuffer) Start() uint64 {
	return r.start
}

// ReserveIndex returns the index the next copied block will land at.
func (r *RingBuffer) ReserveIndex() uint64 {
	return (r.start + r.length) % r.capacity
}

// Buffer returns the underlying registered transfer buffer.
func (r *RingBuffer) Buffer() *device.Buffer {
	return r.buf
}

// IsSpaceAvailable reports whether n more blocks fit right now. Pure query.
func (r *RingBuffer) IsSpaceAvailable(n uint64) bool {
	return r.length+n <= r.capacity
}

// CopyTransaction copies every write request of t into the ring at the next
// free slots, wrapping at capacity, and rewrites t's requests to reference
// ring positions instead of the original sources. Trim and flush requests
// pass through untouched. The caller must have confirmed IsSpaceAvailable
// for t's block count while holding the queue lock; violating that is a
// programming error, not a runtime condition.
func (r *RingBuffer) CopyTransaction(t *Txn) {
	reserved := t.BlockCount()
	if !r.IsSpaceAvailable(reserved) {
		log.Fatalf("CopyTransaction of %d blocks without space (%d/%d used)",
			reserved, r.length, r.capacity)
	}

	rewritten := make([]WriteRequest, 0, len(t.requests))
	idx := r.ReserveIndex()
	for _, req := range t.requests {
		if req.Op != device.OpWrite {
			rewritten = append(rewritten, req)
			continue
		}
		src, dev, remaining := req.BufBlock, req.DevBlock, req.Blocks
		for remaining > 0 {
			run := remaining
			if idx+run > r.capacity {
				// The copy wraps; split it at the ring edge.
				run = r.capacity - idx
			}
			copy(r.buf.Data(idx, run), req.Src.Data(src, run))
			rewritten = append(rewritten, WriteRequest{
				Op:       device.OpWrite,
				Src:      r.buf,
				BufBlock: idx,
				DevBlock: dev,
				Blocks:   run,
			})
			idx = (idx + run) % r.capacity
			src += run
			dev += run
			remaining -= run
		}
	}
	t.requests = rewritten
	t.SetBuffer(r.buf.Handle())
	r.length += reserved
}

// AddTransaction appends to work's transaction a write of length blocks that
// already reside in the ring at start, destined for diskStart on the device.
// This is for callers that stage bytes into the ring themselves (via Buffer
// and ReserveIndex) instead of going through CopyTransaction; the blocks must
// be within the occupied window.
func (r *RingBuffer) AddTransaction(start, diskStart, length uint64, work *Work) {
	if start >= r.capacity {
		log.Fatalf("AddTransaction start %d outside ring of %d blocks", start, r.capacity)
	}
	work.enqueueBuffered(r.buf, start, diskStart, length)
	work.SetBuffer(r.buf.Handle())
}

// FreeSpace advances start past n completed blocks and shrinks the window.
// Only the consumer calls this, after the device has acknowledged the
// corresponding writes.
func (r *RingBuffer) FreeSpace(n uint64) {
	if n > r.length {
		log.Fatalf("FreeSpace of %d blocks with only %d occupied", n, r.length)
	}
	r.start = (r.start + n) % r.capacity
	r.length -= n
}

// VerifyTransaction confirms that t is bound to this ring and that its write
// requests cover exactly the oldest occupied blocks, in order. The consumer
// checks this before freeing space so that any break in FIFO draining shows
// up immediately.
func (r *RingBuffer) VerifyTransaction(t *Txn) bool {
	if t.BlockCount() > 0 && !t.CheckBuffer(r.buf.Handle()) {
		return false
	}
	expect := r.start
	total := uint64(0)
	for _, req := range t.requests {
		if req.Op != device.OpWrite {
			continue
		}
		if req.BufBlock != expect {
			return false
		}
		expect = (expect + req.Blocks) % r.capacity
		total += req.Blocks
	}
	return total <= r.length
}

// Release unregisters the ring's transfer buffer. The owning queue calls this
// once the consumer has stopped.
func (r *RingBuffer) Release() core.Error {
	return r.buf.Release()
}
