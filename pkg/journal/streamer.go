// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package journal

import (
	"sync"

	"github.com/westerndigitalcorporation/wback/internal/core"
	"github.com/westerndigitalcorporation/wback/pkg/writeback"
)

// UnbufferedOp describes a write whose bytes still live in caller memory:
// Blocks filesystem blocks read from src starting at SrcBlock, destined for
// DevBlock on the device. The source must stay alive until a Flush covering
// the op resolves.
type UnbufferedOp struct {
	Src      writeback.Source
	SrcBlock uint64
	DevBlock uint64
	Blocks   uint64
}

// Streamer feeds arbitrarily large data writes through the journal's
// writeback path in ring-sized chunks. Contiguous ops accumulate into one
// pending work, so many small sequential writes become a single device
// request, while a chunk is cut loose as soon as it reaches threshold, which
// is 3/4 of the ring so one stream can never monopolize the buffer.
//
// StreamData blocks when the ring is full; that is the backpressure working,
// not a defect. A Streamer is meant for one producer: StreamData and Flush
// must not be called concurrently. Completion callbacks may race with them
// and are synchronized internally.
type Streamer struct {
	j        *Journal
	maxChunk uint64

	// Owned by the producer between calls.
	cur       *writeback.Work
	curBlocks uint64
	nextDev   uint64

	// Shared with the queue's completion callbacks.
	mu         sync.Mutex
	pending    int
	status     core.Error
	completers []*writeback.Promise
}

// NewStreamer returns a streamer issuing through j.
func NewStreamer(j *Journal) *Streamer {
	max := 3 * j.queue.Capacity() / 4
	if max == 0 {
		max = 1
	}
	return &Streamer{j: j, maxChunk: max, status: core.NoError}
}

// StreamData appends op to the stream. Ops contiguous on the device with the
// previous one keep filling the same chunk; a gap seals the chunk and starts
// another. Oversized ops are split at the chunk threshold. Returns the first
// error the stream has seen; once failed, further ops are dropped.
func (s *Streamer) StreamData(op UnbufferedOp) core.Error {
	if op.Blocks == 0 {
		return core.ErrInvalidArgument
	}
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	if st != core.NoError {
		return st
	}

	if s.cur != nil && op.DevBlock != s.nextDev {
		if err := s.seal(); err != core.NoError {
			return err
		}
	}
	consumed := uint64(0)
	for consumed < op.Blocks {
		if s.cur == nil {
			s.cur = s.j.NewWork()
		}
		take := op.Blocks - consumed
		if room := s.maxChunk - s.curBlocks; take > room {
			take = room
		}
		s.cur.Enqueue(op.Src, op.SrcBlock+consumed, op.DevBlock+consumed, take)
		s.curBlocks += take
		consumed += take
		s.nextDev = op.DevBlock + consumed
		if s.curBlocks >= s.maxChunk {
			if err := s.seal(); err != core.NoError {
				return err
			}
		}
	}
	return core.NoError
}

// Flush seals whatever is pending and returns a promise that resolves after
// every chunk this streamer has ever issued completes, with the stream's
// first failure if there was one. Dropping the promise is fine; the writes
// are scheduled either way.
func (s *Streamer) Flush() *writeback.Promise {
	if s.cur != nil {
		s.seal()
	}
	p := writeback.NewPromise()
	s.mu.Lock()
	if s.pending == 0 {
		st := s.status
		s.mu.Unlock()
		p.Resolve(st)
		return p
	}
	s.completers = append(s.completers, p)
	s.mu.Unlock()
	return p
}

// seal hands the accumulated chunk to the queue. May block for ring space.
func (s *Streamer) seal() core.Error {
	w := s.cur
	s.cur = nil
	s.curBlocks = 0

	s.mu.Lock()
	s.pending++
	s.mu.Unlock()
	w.SetSyncCallback(s.chunkDone)
	if err := s.j.EnqueueData(w); err != core.NoError {
		// The queue never took the work, so no callback is coming; settle
		// the accounting here.
		s.chunkDone(err)
		return err
	}
	return core.NoError
}

// chunkDone runs on the queue's consumer for accepted chunks. First failure
// sticks; the last chunk out resolves everyone waiting on Flush.
func (s *Streamer) chunkDone(status core.Error) {
	s.mu.Lock()
	if status != core.NoError && s.status == core.NoError {
		s.status = status
	}
	s.pending--
	var settle []*writeback.Promise
	st := s.status
	if s.pending == 0 {
		settle = s.completers
		s.completers = nil
	}
	s.mu.Unlock()
	for _, p := range settle {
		p.Resolve(st)
	}
}
