// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package writeback

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/wback/internal/core"
	"github.com/westerndigitalcorporation/wback/pkg/device"
)

func newTestQueue(t *testing.T, blocks uint64) (*Queue, *device.MemDevice) {
	dev := device.NewMemDevice(4096, testBlockSize)
	q, err := NewQueue(dev, Config{Blocks: blocks, BlockSize: testBlockSize, Label: t.Name()})
	if err != core.NoError {
		t.Fatalf("Failed to create queue: %s", err)
	}
	return q, dev
}

// payloadWork builds a work of count patterned blocks destined for dst whose
// final status lands on the returned channel.
func payloadWork(q *Queue, dst, count uint64, seed byte) (*Work, chan core.Error) {
	src := NewMemSource(count, testBlockSize)
	fillSource(src, seed)
	w := q.NewWork()
	w.Enqueue(src, 0, dst, count)
	w.Own(src)
	done := make(chan core.Error, 1)
	w.SetSyncCallback(func(err core.Error) {
		done <- err
	})
	return w, done
}

func ringLength(q *Queue) uint64 {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.ring.Length()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestQueueConfigValidate(t *testing.T) {
	if err := DefaultConfig.Validate(); err != nil {
		t.Errorf("default config should validate: %s", err)
	}
	bad := []Config{
		{Blocks: 0, BlockSize: testBlockSize, Label: "x"},
		{Blocks: 8, BlockSize: 0, Label: "x"},
		{Blocks: 8, BlockSize: testBlockSize, Label: ""},
	}
	for i, cfg := range bad {
		if cfg.Validate() == nil {
			t.Errorf("config %d should not validate", i)
		}
	}

	// A block size that isn't a multiple of the device's is rejected.
	dev := device.NewMemDevice(16, testBlockSize)
	defer dev.Close()
	if _, err := NewQueue(dev, Config{Blocks: 8, BlockSize: testBlockSize + 1, Label: "x"}); err != core.ErrInvalidArgument {
		t.Errorf("expected ErrInvalidArgument for a misaligned block size, got %s", err)
	}
}

func TestQueueWritesReachDevice(t *testing.T) {
	q, dev := newTestQueue(t, 8)
	defer dev.Close()

	src := NewMemSource(3, testBlockSize)
	fillSource(src, 3)
	w := q.NewWork()
	w.Enqueue(src, 0, 20, 3)
	w.Own(src)
	done := make(chan core.Error, 1)
	w.SetSyncCallback(func(err core.Error) {
		done <- err
	})

	if err := q.Enqueue(w); err != core.NoError {
		t.Fatalf("Failed to enqueue: %s", err)
	}
	if err := <-done; err != core.NoError {
		t.Fatalf("writeback failed: %s", err)
	}

	got := readBack(t, dev, testBlockSize, 20, 3)
	for i := range got {
		if got[i] != 3+byte(i/int(testBlockSize)) {
			t.Fatalf("device byte %d corrupt after writeback", i)
		}
	}
	if err := q.Close(); err != core.NoError {
		t.Errorf("Failed to close: %s", err)
	}
}

func TestQueueFIFOOrdering(t *testing.T) {
	q, dev := newTestQueue(t, 64)
	defer dev.Close()

	// Gate the head so every item is queued before any completes.
	const n = 16
	var release int32
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		w, _ := payloadWork(q, uint64(100+i), 1, byte(i))
		if i == 0 {
			w.SetReadyCallback(func() bool {
				return atomic.LoadInt32(&release) != 0
			})
		}
		i := i
		wg.Add(1)
		w.ChainSyncCallback(func(err core.Error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
		if err := q.Enqueue(w); err != core.NoError {
			t.Fatalf("Failed to enqueue work %d: %s", i, err)
		}
	}

	atomic.StoreInt32(&release, 1)
	q.Kick()
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("completion order %v is not the enqueue order", order)
		}
	}
	if err := q.Close(); err != core.NoError {
		t.Errorf("Failed to close: %s", err)
	}
}

func TestQueueFIFOOrderingConcurrentProducers(t *testing.T) {
	// A small ring and many single-block works force producers through the
	// space waiter line while completions race on.
	q, dev := newTestQueue(t, 8)
	defer dev.Close()

	const producers = 4
	const each = 32
	var mu sync.Mutex
	seen := make(map[int][]int)
	var wg sync.WaitGroup

	var pwg sync.WaitGroup
	for p := 0; p < producers; p++ {
		p := p
		pwg.Add(1)
		go func() {
			defer pwg.Done()
			for i := 0; i < each; i++ {
				w, _ := payloadWork(q, uint64(1000+p*each+i), 1, byte(p))
				p, i := p, i
				wg.Add(1)
				w.ChainSyncCallback(func(err core.Error) {
					if err != core.NoError {
						t.Errorf("work %d/%d failed: %s", p, i, err)
					}
					mu.Lock()
					seen[p] = append(seen[p], i)
					mu.Unlock()
					wg.Done()
				})
				if err := q.Enqueue(w); err != core.NoError {
					t.Errorf("Failed to enqueue %d/%d: %s", p, i, err)
					wg.Done()
					return
				}
			}
		}()
	}
	pwg.Wait()
	wg.Wait()

	// One producer's works must complete in that producer's issue order.
	for p := 0; p < producers; p++ {
		if len(seen[p]) != each {
			t.Fatalf("producer %d completed %d of %d works", p, len(seen[p]), each)
		}
		for i, v := range seen[p] {
			if v != i {
				t.Fatalf("producer %d completion order %v is not its issue order", p, seen[p])
			}
		}
	}
	if err := q.Close(); err != core.NoError {
		t.Errorf("Failed to close: %s", err)
	}
}

func TestQueueBackpressure(t *testing.T) {
	q, dev := newTestQueue(t, 8)
	defer dev.Close()

	// Producer 1 fills 6 of 8 blocks and holds them by staying not-ready.
	var ready1, ready2 int32
	w1, done1 := payloadWork(q, 100, 6, 1)
	w1.SetReadyCallback(func() bool {
		return atomic.LoadInt32(&ready1) != 0
	})
	if err := q.Enqueue(w1); err != core.NoError {
		t.Fatalf("Failed to enqueue 6 blocks into an empty ring: %s", err)
	}
	if got := ringLength(q); got != 6 {
		t.Fatalf("expected length 6, got %d", got)
	}

	// Producer 2 wants 4 blocks; only 2 are free, so it must suspend.
	w2, done2 := payloadWork(q, 200, 4, 2)
	w2.SetReadyCallback(func() bool {
		return atomic.LoadInt32(&ready2) != 0
	})
	enq2 := make(chan core.Error, 1)
	go func() {
		enq2 <- q.Enqueue(w2)
	}()
	select {
	case err := <-enq2:
		t.Fatalf("enqueue of 4 blocks should have blocked, returned %s", err)
	case <-time.After(100 * time.Millisecond):
	}

	// Freeing producer 1's blocks must unblock producer 2, exactly then.
	atomic.StoreInt32(&ready1, 1)
	q.Kick()
	if err := <-done1; err != core.NoError {
		t.Fatalf("producer 1's writeback failed: %s", err)
	}
	if err := <-enq2; err != core.NoError {
		t.Fatalf("producer 2's enqueue failed after space was freed: %s", err)
	}
	if got := ringLength(q); got != 4 {
		t.Errorf("expected length 4 with producer 2 buffered, got %d", got)
	}

	atomic.StoreInt32(&ready2, 1)
	q.Kick()
	if err := <-done2; err != core.NoError {
		t.Fatalf("producer 2's writeback failed: %s", err)
	}
	if err := q.Close(); err != core.NoError {
		t.Errorf("Failed to close: %s", err)
	}
}

func TestQueueTooBig(t *testing.T) {
	q, dev := newTestQueue(t, 8)
	defer dev.Close()

	w, _ := payloadWork(q, 10, 9, 1)
	if err := q.Enqueue(w); err != core.ErrTooBig {
		t.Errorf("expected ErrTooBig for 9 blocks on an 8 block ring, got %s", err)
	}
	if got := ringLength(q); got != 0 {
		t.Errorf("a rejected enqueue must not touch the ring, length %d", got)
	}
	if err := q.Close(); err != core.NoError {
		t.Errorf("Failed to close: %s", err)
	}
}

func TestQueueReadOnlyAfterDeviceFailure(t *testing.T) {
	q, dev := newTestQueue(t, 8)
	defer dev.Close()

	dev.FailAll(core.ErrIO)
	w1, done1 := payloadWork(q, 10, 1, 1)
	if err := q.Enqueue(w1); err != core.NoError {
		t.Fatalf("Failed to enqueue: %s", err)
	}
	if err := <-done1; err != core.ErrIO {
		t.Fatalf("expected the device error through the sync callback, got %s", err)
	}
	waitFor(t, "read-only transition", q.IsReadOnly)

	w2, _ := payloadWork(q, 20, 1, 2)
	if err := q.Enqueue(w2); err != core.ErrReadOnly {
		t.Errorf("expected ErrReadOnly, got %s", err)
	}
	if got := ringLength(q); got != 0 {
		t.Errorf("a rejected enqueue must not touch the ring, length %d", got)
	}
	if err := q.Close(); err != core.ErrReadOnly {
		t.Errorf("closing a read-only queue should report ErrReadOnly, got %s", err)
	}
}

func TestQueueReadOnlyFailsWaiters(t *testing.T) {
	q, dev := newTestQueue(t, 8)
	defer dev.Close()

	// Fill the whole ring with a gated work, then queue up a producer that
	// can't fit.
	var ready1 int32
	w1, done1 := payloadWork(q, 10, 8, 1)
	w1.SetReadyCallback(func() bool {
		return atomic.LoadInt32(&ready1) != 0
	})
	if err := q.Enqueue(w1); err != core.NoError {
		t.Fatalf("Failed to enqueue: %s", err)
	}

	enq2 := make(chan core.Error, 1)
	w2, _ := payloadWork(q, 20, 2, 2)
	go func() {
		enq2 <- q.Enqueue(w2)
	}()
	select {
	case err := <-enq2:
		t.Fatalf("enqueue should have blocked, returned %s", err)
	case <-time.After(100 * time.Millisecond):
	}

	// The device dies as w1 goes down. The waiter must be failed out, not
	// left hanging on space that will never matter again.
	dev.FailAll(core.ErrIO)
	atomic.StoreInt32(&ready1, 1)
	q.Kick()
	if err := <-done1; err != core.ErrIO {
		t.Fatalf("expected ErrIO for w1, got %s", err)
	}
	if err := <-enq2; err != core.ErrReadOnly {
		t.Errorf("expected ErrReadOnly for the blocked producer, got %s", err)
	}
	if err := q.Close(); err != core.ErrReadOnly {
		t.Errorf("closing a read-only queue should report ErrReadOnly, got %s", err)
	}
}

func TestQueueZeroBlockWorkSkipsSpaceLine(t *testing.T) {
	q, dev := newTestQueue(t, 4)
	defer dev.Close()

	// Ring completely full and held.
	var ready1 int32
	w1, done1 := payloadWork(q, 10, 4, 1)
	w1.SetReadyCallback(func() bool {
		return atomic.LoadInt32(&ready1) != 0
	})
	if err := q.Enqueue(w1); err != core.NoError {
		t.Fatalf("Failed to enqueue: %s", err)
	}

	// A flush barrier carries no payload, so it must be admitted without
	// waiting for space.
	wf := q.NewWork()
	wf.EnqueueFlush()
	donef := make(chan core.Error, 1)
	wf.SetSyncCallback(func(err core.Error) {
		donef <- err
	})
	enqf := make(chan core.Error, 1)
	go func() {
		enqf <- q.Enqueue(wf)
	}()
	select {
	case err := <-enqf:
		if err != core.NoError {
			t.Fatalf("Failed to enqueue the flush work: %s", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("a zero-block work should not block on a full ring")
	}

	atomic.StoreInt32(&ready1, 1)
	q.Kick()
	if err := <-done1; err != core.NoError {
		t.Fatalf("w1 failed: %s", err)
	}
	if err := <-donef; err != core.NoError {
		t.Fatalf("flush work failed: %s", err)
	}
	if dev.Flushes() == 0 {
		t.Errorf("the flush work should have hit the device")
	}
	if err := q.Close(); err != core.NoError {
		t.Errorf("Failed to close: %s", err)
	}
}

func TestQueueCloseDrains(t *testing.T) {
	q, dev := newTestQueue(t, 16)
	defer dev.Close()

	// Three completable works and one that will never become ready.
	var dones []chan core.Error
	for i := 0; i < 3; i++ {
		w, done := payloadWork(q, uint64(10+i), 1, byte(i))
		dones = append(dones, done)
		if err := q.Enqueue(w); err != core.NoError {
			t.Fatalf("Failed to enqueue %d: %s", i, err)
		}
	}
	wStuck, doneStuck := payloadWork(q, 50, 1, 9)
	wStuck.SetReadyCallback(func() bool { return false })
	if err := q.Enqueue(wStuck); err != core.NoError {
		t.Fatalf("Failed to enqueue the gated work: %s", err)
	}

	if err := q.Close(); err != core.NoError {
		t.Fatalf("Failed to close: %s", err)
	}
	for i, done := range dones {
		if err := <-done; err != core.NoError {
			t.Errorf("drained work %d should have completed, got %s", i, err)
		}
	}
	// The never-ready work is resolved, not leaked.
	if err := <-doneStuck; err != core.ErrCanceled {
		t.Errorf("expected ErrCanceled for the gated work, got %s", err)
	}
}

func TestQueueCloseCancelsBlockedProducer(t *testing.T) {
	q, dev := newTestQueue(t, 4)
	defer dev.Close()

	w1, done1 := payloadWork(q, 10, 4, 1)
	w1.SetReadyCallback(func() bool { return false })
	if err := q.Enqueue(w1); err != core.NoError {
		t.Fatalf("Failed to enqueue: %s", err)
	}

	enq2 := make(chan core.Error, 1)
	w2, _ := payloadWork(q, 20, 1, 2)
	go func() {
		enq2 <- q.Enqueue(w2)
	}()
	select {
	case err := <-enq2:
		t.Fatalf("enqueue should have blocked, returned %s", err)
	case <-time.After(100 * time.Millisecond):
	}

	if err := q.Close(); err != core.NoError {
		t.Fatalf("Failed to close: %s", err)
	}
	if err := <-enq2; err != core.ErrCanceled {
		t.Errorf("expected ErrCanceled for the blocked producer, got %s", err)
	}
	if err := <-done1; err != core.ErrCanceled {
		t.Errorf("expected ErrCanceled for the gated work, got %s", err)
	}
}

func TestQueueEnqueueAfterClose(t *testing.T) {
	q, dev := newTestQueue(t, 4)
	defer dev.Close()

	if err := q.Close(); err != core.NoError {
		t.Fatalf("Failed to close: %s", err)
	}
	w, _ := payloadWork(q, 10, 1, 1)
	if err := q.Enqueue(w); err != core.ErrCanceled {
		t.Errorf("expected ErrCanceled after close, got %s", err)
	}
}
