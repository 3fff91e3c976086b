// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package writeback

import (
	"testing"

	"github.com/westerndigitalcorporation/wback/internal/core"
	"github.com/westerndigitalcorporation/wback/pkg/device"
)

func TestWorkReadyCallbackOnce(t *testing.T) {
	dev := device.NewMemDevice(16, testBlockSize)
	defer dev.Close()

	calls := 0
	answer := false
	w := NewWork(dev, testBlockSize)
	w.SetReadyCallback(func() bool {
		calls++
		return answer
	})

	if w.IsReady() || w.IsReady() {
		t.Fatalf("work should not be ready while the callback says no")
	}
	if calls != 2 {
		t.Errorf("expected 2 callback invocations, got %d", calls)
	}

	answer = true
	if !w.IsReady() {
		t.Fatalf("work should be ready once the callback says yes")
	}
	// The first true result retires the callback for good.
	if !w.IsReady() || calls != 3 {
		t.Errorf("readiness should be permanent without re-invoking the callback (calls=%d)", calls)
	}
}

func TestWorkNoCallbackAlwaysReady(t *testing.T) {
	dev := device.NewMemDevice(16, testBlockSize)
	defer dev.Close()

	w := NewWork(dev, testBlockSize)
	if !w.IsReady() {
		t.Errorf("work without a ready callback should always be ready")
	}
}

func TestWorkCompleteRunsSyncOnce(t *testing.T) {
	dev := device.NewMemDevice(16, testBlockSize)
	defer dev.Close()

	var got []core.Error
	w := NewWork(dev, testBlockSize)
	w.EnqueueFlush()
	w.SetSyncCallback(func(err core.Error) {
		got = append(got, err)
	})

	if err := w.Complete(); err != core.NoError {
		t.Fatalf("Failed to complete: %s", err)
	}
	if !w.IsSyncComplete() {
		t.Errorf("work should be sync-complete after Complete")
	}
	// Resetting after completion must not fire the callback again.
	w.Reset(core.ErrCanceled)
	w.Reset(core.ErrCanceled)
	if len(got) != 1 || got[0] != core.NoError {
		t.Errorf("expected exactly one NoError callback, got %v", got)
	}
}

func TestWorkResetDeliversReason(t *testing.T) {
	dev := device.NewMemDevice(16, testBlockSize)
	defer dev.Close()

	var got []core.Error
	w := NewWork(dev, testBlockSize)
	w.SetSyncCallback(func(err core.Error) {
		got = append(got, err)
	})

	w.Reset(core.ErrCanceled)
	w.Reset(core.ErrCanceled)
	if len(got) != 1 || got[0] != core.ErrCanceled {
		t.Errorf("expected exactly one ErrCanceled callback, got %v", got)
	}
	if !w.IsSyncComplete() {
		t.Errorf("reset work should read as sync-complete")
	}
}

func TestWorkResetWithoutCallback(t *testing.T) {
	dev := device.NewMemDevice(16, testBlockSize)
	defer dev.Close()

	// Nothing to observe; just must not blow up or leave state behind.
	w := NewWork(dev, testBlockSize)
	w.Reset(core.ErrIO)
	w.Reset(core.ErrIO)
	if !w.IsSyncComplete() {
		t.Errorf("reset work should read as sync-complete")
	}
}

func TestWorkChainSyncCallback(t *testing.T) {
	dev := device.NewMemDevice(16, testBlockSize)
	defer dev.Close()

	var order []string
	w := NewWork(dev, testBlockSize)
	w.SetSyncCallback(func(err core.Error) {
		order = append(order, "first")
	})
	w.ChainSyncCallback(func(err core.Error) {
		order = append(order, "second")
	})

	w.Complete()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("chained callbacks ran in order %v", order)
	}
}

func TestWorkCompleteFailurePropagates(t *testing.T) {
	dev := device.NewMemDevice(64, testBlockSize)
	defer dev.Close()

	ring, err := NewRingBuffer(dev, 8, testBlockSize, "failing")
	if err != core.NoError {
		t.Fatalf("Failed to create ring: %s", err)
	}
	defer ring.Release()

	var got core.Error
	src := NewMemSource(1, testBlockSize)
	w := NewWork(dev, testBlockSize)
	w.Enqueue(src, 0, 5, 1)
	w.SetSyncCallback(func(err core.Error) {
		got = err
	})
	ring.CopyTransaction(&w.Txn)

	dev.FailNext(core.ErrIO)
	if err := w.Complete(); err != core.ErrIO {
		t.Fatalf("expected ErrIO from a failing device, got %s", err)
	}
	if got != core.ErrIO {
		t.Errorf("sync callback should see the device error, got %s", got)
	}
}

func TestWorkOwnReleasesOnComplete(t *testing.T) {
	dev := device.NewMemDevice(16, testBlockSize)
	defer dev.Close()

	w := NewWork(dev, testBlockSize)
	w.Own(NewMemSource(1, testBlockSize))
	w.Own(NewMemSource(1, testBlockSize))
	if len(w.owned) != 2 {
		t.Fatalf("expected 2 owned refs, got %d", len(w.owned))
	}
	w.Complete()
	if len(w.owned) != 0 {
		t.Errorf("completion should drop owned refs, %d left", len(w.owned))
	}
}
