// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package writeback

import (
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/wback/internal/core"
	"github.com/westerndigitalcorporation/wback/pkg/device"
)

// ReadyFn tells the consumer whether a work item may be issued yet. It must
// be cheap and must not call back into the queue; the consumer polls it under
// the queue lock. Once it returns true it is never asked again.
type ReadyFn func() bool

// SyncFn is invoked exactly once with the final status of a work item, after
// its writes are on stable storage or once it is known they never will be.
type SyncFn func(core.Error)

// Work is one logical unit of buffered I/O: a transaction decorated with a
// readiness gate, a completion callback, and owned references that keep
// payload sources alive while the item is in flight.
//
// A Work is built by one producer, handed to the queue, and finished exactly
// once by the consumer via Complete or Reset. After that the callbacks and
// owned references are gone and the embedded transaction is empty.
type Work struct {
	Txn

	ready    ReadyFn
	syncCb   SyncFn
	syncDone bool
	owned    []interface{}
}

// NewWork returns an empty work unit whose transaction will submit to dev in
// filesystem blocks of blockSize bytes.
func NewWork(dev device.Device, blockSize uint32) *Work {
	return &Work{Txn: Txn{dev: dev, blockSize: blockSize}}
}

// SetReadyCallback installs the readiness gate. Installing a second gate is a
// programming error.
func (w *Work) SetReadyCallback(fn ReadyFn) {
	if w.ready != nil {
		log.Fatalf("work already has a ready callback")
	}
	w.ready = fn
}

// TakeReadyCallback removes and returns the readiness gate, nil if none.
// The journal uses this to move a caller's data dependency onto the journal
// entry that must respect it.
func (w *Work) TakeReadyCallback() ReadyFn {
	fn := w.ready
	w.ready = nil
	return fn
}

// SetSyncCallback installs the completion callback. Installing a second one
// is a programming error; use ChainSyncCallback to compose.
func (w *Work) SetSyncCallback(fn SyncFn) {
	if w.syncCb != nil {
		log.Fatalf("work already has a sync callback")
	}
	w.syncCb = fn
}

// ChainSyncCallback arranges for fn to run after any callback already
// installed, with the same status.
func (w *Work) ChainSyncCallback(fn SyncFn) {
	if w.syncCb == nil {
		w.syncCb = fn
		return
	}
	prev := w.syncCb
	w.syncCb = func(err core.Error) {
		prev(err)
		fn(err)
	}
}

// Own records a reference the work must keep alive until it is finished,
// typically the object backing a payload Source.
func (w *Work) Own(ref interface{}) {
	w.owned = append(w.owned, ref)
}

// IsReady reports whether the item may be issued. A true result from the
// gate clears it permanently, so later calls stay true without re-invoking
// the callback.
func (w *Work) IsReady() bool {
	if w.ready == nil {
		return true
	}
	if w.ready() {
		w.ready = nil
		return true
	}
	return false
}

// SetSyncComplete marks that the item's completion has been delivered.
func (w *Work) SetSyncComplete() {
	w.syncDone = true
}

// IsSyncComplete reports whether the item's completion has been delivered.
func (w *Work) IsSyncComplete() bool {
	return w.syncDone
}

// Complete flushes the transaction to the device and, whatever the outcome,
// delivers the status through the sync callback exactly once, then strips
// the item down to an empty shell. Returns the flush status.
func (w *Work) Complete() core.Error {
	status := w.Flush()
	w.finish(status)
	return status
}

// Reset abandons the item without issuing I/O, delivering reason through the
// sync callback instead. Resetting an already finished item is a no-op, so
// teardown paths may call it unconditionally.
func (w *Work) Reset(reason core.Error) {
	if w.IsSyncComplete() && w.syncCb == nil && w.Empty() {
		return
	}
	w.finish(reason)
}

// finish delivers the status and strips callbacks, owned references and the
// transaction. Runs at most one sync callback no matter how often it's hit.
func (w *Work) finish(status core.Error) {
	if cb := w.syncCb; cb != nil {
		w.syncCb = nil
		cb(status)
	}
	w.SetSyncComplete()
	w.ready = nil
	w.owned = nil
	w.reset()
}
