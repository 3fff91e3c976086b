// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package writeback

import (
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/wback/internal/core"
	"github.com/westerndigitalcorporation/wback/pkg/device"
)

// WriteRequest is one entry of a transaction: count blocks from a source (or
// from the ring, once buffered) headed for an absolute device position. All
// fields are in filesystem blocks; conversion to device blocks happens only
// when the transaction is flushed.
type WriteRequest struct {
	Op       device.OpCode
	Src      Source
	BufBlock uint64 // offset into Src before buffering, into the ring after
	DevBlock uint64 // absolute destination, filesystem blocks
	Blocks   uint64
}

// Txn is an ordered batch of block requests built up by a producer and
// consumed exactly once by the queue. It is not safe for concurrent mutation;
// ownership passes from the producer to the queue at Enqueue.
type Txn struct {
	dev       device.Device
	blockSize uint32
	requests  []WriteRequest
	handle    device.Handle // ring binding, zero while unbuffered
	blocks    uint64        // cached write payload block count
}

// Enqueue appends a write of count blocks read from src at relBlock, headed
// for absolute device block absBlock. No I/O happens and no merging is
// attempted here; coalescing is flush's job. Requests cannot be added once
// the transaction has been buffered into a ring.
func (t *Txn) Enqueue(src Source, relBlock, absBlock, count uint64) {
	if count == 0 || relBlock+count > src.Blocks() {
		log.Fatalf("Enqueue of blocks [%d, %d) outside source of %d blocks",
			relBlock, relBlock+count, src.Blocks())
	}
	if t.IsBuffered() {
		log.Fatalf("Enqueue on a transaction already bound to a ring")
	}
	t.requests = append(t.requests, WriteRequest{
		Op:       device.OpWrite,
		Src:      src,
		BufBlock: relBlock,
		DevBlock: absBlock,
		Blocks:   count,
	})
	t.blocks += count
}

// enqueueBuffered appends a write request whose payload already sits in ring
// (or other registered buffer) blocks. Used by RingBuffer.AddTransaction.
func (t *Txn) enqueueBuffered(src Source, bufBlock, absBlock, count uint64) {
	if count == 0 || bufBlock+count > src.Blocks() {
		log.Fatalf("buffered enqueue of blocks [%d, %d) outside region of %d blocks",
			bufBlock, bufBlock+count, src.Blocks())
	}
	t.requests = append(t.requests, WriteRequest{
		Op:       device.OpWrite,
		Src:      src,
		BufBlock: bufBlock,
		DevBlock: absBlock,
		Blocks:   count,
	})
	t.blocks += count
}

// EnqueueTrim appends a trim of count blocks at absolute device block
// absBlock. Trims carry no payload and consume no ring space.
func (t *Txn) EnqueueTrim(absBlock, count uint64) {
	if count == 0 {
		log.Fatalf("EnqueueTrim of zero blocks")
	}
	t.requests = append(t.requests, WriteRequest{
		Op:       device.OpTrim,
		DevBlock: absBlock,
		Blocks:   count,
	})
}

// EnqueueFlush appends a write barrier: everything before it in this
// transaction (and in transactions flushed earlier) is durable before
// anything after it starts.
func (t *Txn) EnqueueFlush() {
	t.requests = append(t.requests, WriteRequest{Op: device.OpFlush})
}

// BlockCount returns the write payload size in blocks. Trims and barriers
// don't count; they occupy no ring space.
func (t *Txn) BlockCount() uint64 {
	return t.blocks
}

// Requests returns the request list for inspection, in issue order. Callers
// must not modify it; wrapping layers use this to read the payload before
// the transaction is handed to a queue.
func (t *Txn) Requests() []WriteRequest {
	return t.requests
}

// Empty reports whether the transaction carries no requests at all.
func (t *Txn) Empty() bool {
	return len(t.requests) == 0
}

// IsBuffered reports whether the transaction has been bound to a ring.
func (t *Txn) IsBuffered() bool {
	return t.handle != 0
}

// SetBuffer binds the transaction to the ring identified by h. Binding twice
// to different rings is a programming error.
func (t *Txn) SetBuffer(h device.Handle) {
	if t.handle != 0 && t.handle != h {
		log.Fatalf("transaction rebound from buffer %d to %d", t.handle, h)
	}
	t.handle = h
}

// CheckBuffer reports whether the transaction is bound to the ring
// identified by h. A false result where the caller expected true is a
// programming contract violation on the caller's side.
func (t *Txn) CheckBuffer(h device.Handle) bool {
	return t.handle == h
}

// Flush issues all requests as one ordered device batch and blocks until the
// device acknowledges, returning its status. Adjacent write requests that
// are contiguous in both the ring and on the device are merged into single
// submissions here. A transaction with write payload must be buffered first.
func (t *Txn) Flush() core.Error {
	if t.blocks > 0 && !t.IsBuffered() {
		log.Fatalf("Flush of an unbuffered transaction holding %d blocks", t.blocks)
	}
	if len(t.requests) == 0 {
		return core.NoError
	}
	return t.dev.Submit(t.deviceRequests())
}

// deviceRequests converts the filesystem-block requests into device-block
// requests, coalescing contiguous writes.
func (t *Txn) deviceRequests() []device.Request {
	ratio := uint64(t.blockSize / t.dev.BlockSize())
	reqs := make([]device.Request, 0, len(t.requests))
	for _, r := range t.requests {
		switch r.Op {
		case device.OpWrite:
			dr := device.Request{
				Op:     device.OpWrite,
				Handle: t.handle,
				Buffer: r.BufBlock * ratio,
				Device: r.DevBlock * ratio,
				Blocks: r.Blocks * ratio,
			}
			if n := len(reqs); n > 0 {
				last := &reqs[n-1]
				if last.Op == device.OpWrite &&
					last.Buffer+last.Blocks == dr.Buffer &&
					last.Device+last.Blocks == dr.Device {
					last.Blocks += dr.Blocks
					continue
				}
			}
			reqs = append(reqs, dr)
		case device.OpTrim:
			reqs = append(reqs, device.Request{
				Op:     device.OpTrim,
				Device: r.DevBlock * ratio,
				Blocks: r.Blocks * ratio,
			})
		case device.OpFlush:
			reqs = append(reqs, device.Request{Op: device.OpFlush})
		default:
			log.Fatalf("transaction holds unexpected opcode %s", r.Op)
		}
	}
	return reqs
}

// reset drops all requests and bindings so the transaction can be reused.
func (t *Txn) reset() {
	t.requests = nil
	t.handle = 0
	t.blocks = 0
}
