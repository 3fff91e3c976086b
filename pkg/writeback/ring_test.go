// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package writeback

import (
	"bytes"
	"testing"

	"github.com/westerndigitalcorporation/wback/internal/core"
	"github.com/westerndigitalcorporation/wback/pkg/device"
)

func newTestRing(t *testing.T, blocks uint64) (*RingBuffer, *device.MemDevice) {
	dev := device.NewMemDevice(256, testBlockSize)
	ring, err := NewRingBuffer(dev, blocks, testBlockSize, "test")
	if err != core.NoError {
		t.Fatalf("Failed to create %d block ring: %s", blocks, err)
	}
	return ring, dev
}

// stage builds a work of count blocks from a fresh patterned source destined
// for dst and copies it into the ring.
func stage(t *testing.T, ring *RingBuffer, dev device.Device, dst, count uint64, seed byte) *Work {
	src := NewMemSource(count, testBlockSize)
	fillSource(src, seed)
	w := NewWork(dev, testBlockSize)
	w.Enqueue(src, 0, dst, count)
	if !ring.IsSpaceAvailable(count) {
		t.Fatalf("no space to stage %d blocks", count)
	}
	ring.CopyTransaction(&w.Txn)
	return w
}

func TestRingSpaceAccounting(t *testing.T) {
	ring, dev := newTestRing(t, 8)
	defer dev.Close()
	defer ring.Release()

	if !ring.IsSpaceAvailable(8) {
		t.Errorf("empty ring should hold its full capacity")
	}
	if ring.IsSpaceAvailable(9) {
		t.Errorf("ring should never claim space beyond capacity")
	}

	stage(t, ring, dev, 10, 6, 1)
	if ring.Length() != 6 || ring.Start() != 0 {
		t.Errorf("expected window {0, 6}, got {%d, %d}", ring.Start(), ring.Length())
	}
	if ring.ReserveIndex() != 6 {
		t.Errorf("expected reserve index 6, got %d", ring.ReserveIndex())
	}
	if !ring.IsSpaceAvailable(2) || ring.IsSpaceAvailable(3) {
		t.Errorf("space accounting is off with 6 of 8 blocks in use")
	}

	ring.FreeSpace(6)
	if ring.Length() != 0 || ring.Start() != 6 {
		t.Errorf("expected window {6, 0} after free, got {%d, %d}", ring.Start(), ring.Length())
	}
	if !ring.IsSpaceAvailable(8) {
		t.Errorf("fully drained ring should hold its full capacity again")
	}
}

func TestRingCopyWraparound(t *testing.T) {
	ring, dev := newTestRing(t, 8)
	defer dev.Close()
	defer ring.Release()

	// Advance the window so the next copy starts at block 6 of 8.
	w0 := stage(t, ring, dev, 100, 6, 1)
	if err := w0.Complete(); err != core.NoError {
		t.Fatalf("Failed to complete the filler work: %s", err)
	}
	ring.FreeSpace(6)

	src := NewMemSource(4, testBlockSize)
	fillSource(src, 50)
	w := NewWork(dev, testBlockSize)
	w.Enqueue(src, 0, 40, 4)
	ring.CopyTransaction(&w.Txn)

	// The copy wraps at the ring edge: two requests, ring blocks [6, 8) and
	// [0, 2), still contiguous on the device.
	if len(w.requests) != 2 {
		t.Fatalf("expected the wrapped copy to split into 2 requests, got %d", len(w.requests))
	}
	r0, r1 := w.requests[0], w.requests[1]
	if r0.BufBlock != 6 || r0.Blocks != 2 || r0.DevBlock != 40 {
		t.Errorf("bad first chunk: %+v", r0)
	}
	if r1.BufBlock != 0 || r1.Blocks != 2 || r1.DevBlock != 42 {
		t.Errorf("bad second chunk: %+v", r1)
	}
	if ring.Length() != 4 {
		t.Errorf("expected length 4 after the wrapped copy, got %d", ring.Length())
	}

	if err := w.Flush(); err != core.NoError {
		t.Fatalf("Failed to flush the wrapped work: %s", err)
	}
	got := readBack(t, dev, testBlockSize, 40, 4)
	if !bytes.Equal(got, src.Bytes()) {
		t.Errorf("device contents do not match the source after a wrapped copy")
	}
}

func TestRingVerifyTransaction(t *testing.T) {
	ring, dev := newTestRing(t, 8)
	defer dev.Close()
	defer ring.Release()

	w1 := stage(t, ring, dev, 10, 3, 1)
	w2 := stage(t, ring, dev, 20, 3, 2)

	if !ring.VerifyTransaction(&w1.Txn) {
		t.Errorf("the oldest work should verify")
	}
	if ring.VerifyTransaction(&w2.Txn) {
		t.Errorf("a newer work must not verify while older blocks remain")
	}

	// Draining w1 makes w2 the oldest.
	ring.FreeSpace(3)
	if !ring.VerifyTransaction(&w2.Txn) {
		t.Errorf("w2 should verify once it holds the oldest blocks")
	}

	// A transaction that was never buffered here has no business verifying.
	src := NewMemSource(1, testBlockSize)
	stray := NewWork(dev, testBlockSize)
	stray.Enqueue(src, 0, 30, 1)
	if ring.VerifyTransaction(&stray.Txn) {
		t.Errorf("an unbuffered transaction must not verify")
	}
}

func TestRingAddTransaction(t *testing.T) {
	ring, dev := newTestRing(t, 8)
	defer dev.Close()
	defer ring.Release()

	// Stage two blocks by hand at the reserve position, the way a caller
	// assembling an entry in place does, then bind them to a work.
	idx := ring.ReserveIndex()
	payload := make([]byte, 2*testBlockSize)
	for i := range payload {
		payload[i] = byte(90 + i/int(testBlockSize))
	}
	copy(ring.Buffer().Data(idx, 2), payload)

	w := NewWork(dev, testBlockSize)
	ring.AddTransaction(idx, 40, 2, w)

	if !w.IsBuffered() || !w.CheckBuffer(ring.Buffer().Handle()) {
		t.Fatalf("AddTransaction should bind the work to the ring")
	}
	if w.BlockCount() != 2 {
		t.Errorf("expected 2 payload blocks, got %d", w.BlockCount())
	}
	if err := w.Flush(); err != core.NoError {
		t.Fatalf("Failed to flush: %s", err)
	}
	got := readBack(t, dev, testBlockSize, 40, 2)
	if !bytes.Equal(got, payload) {
		t.Errorf("device contents do not match the staged bytes")
	}
}

func TestRingRegistrationFailureIsFatal(t *testing.T) {
	dev := device.NewMemDevice(16, testBlockSize)
	dev.Close()

	if _, err := NewRingBuffer(dev, 8, testBlockSize, "dead"); err == core.NoError {
		t.Errorf("creating a ring on a closed device should fail")
	}
}
