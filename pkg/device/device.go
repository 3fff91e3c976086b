// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package device defines the block transport that the writeback and journal
// layers issue I/O through, along with memory- and file-backed
// implementations used by servers, tools and tests.
//
// A device speaks device blocks (its own sector size); the layers above speak
// filesystem blocks and convert on the way down. Data moves through transfer
// buffers registered with the device up front, so a submission names a
// (handle, offset, length) triple rather than carrying byte slices.
package device

import (
	"fmt"

	"github.com/westerndigitalcorporation/wback/internal/core"
)

// Handle identifies a transfer buffer registered with a device. The zero
// value is never a valid registration.
type Handle uint32

// OpCode is the kind of a block request.
type OpCode int

const (
	// OpRead copies blocks from the device into a transfer buffer.
	OpRead = OpCode(iota)

	// OpWrite copies blocks from a transfer buffer onto the device.
	OpWrite

	// OpTrim discards a device block range. Reading trimmed blocks returns
	// zeroes until they are rewritten.
	OpTrim

	// OpFlush is a write barrier: all device writes submitted before it are
	// durable before any request after it is started.
	OpFlush
)

// String returns a short human readable opcode name for logs and tools.
func (o OpCode) String() string {
	switch o {
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	case OpTrim:
		return "TRIM"
	case OpFlush:
		return "FLUSH"
	}
	return fmt.Sprintf("OPCODE(%d)", int(o))
}

// Request is one entry in a submitted batch. All offsets and lengths are in
// device blocks. Handle and Buffer are meaningful for OpRead/OpWrite only;
// Device and Blocks are ignored for OpFlush.
type Request struct {
	Op     OpCode
	Handle Handle
	Buffer uint64 // offset into the transfer buffer
	Device uint64 // offset on the device
	Blocks uint64 // length
}

// Device is a block device accepting ordered batches of requests.
//
// Submit is a single blocking call: it executes the batch entries strictly in
// order and returns once every entry has completed (or one has failed, in
// which case later entries are not started). Devices are safe for concurrent
// use, but callers wanting ordering across batches must serialize their own
// Submit calls; the writeback queue's single consumer does exactly that.
type Device interface {
	// BlockSize returns the device block size in bytes.
	BlockSize() uint32

	// BlockCount returns the device capacity in device blocks.
	BlockCount() uint64

	// RegisterBuffer registers a memory region for transfers and returns its
	// handle. The region must stay alive until released; the device reads and
	// writes it directly during Submit.
	RegisterBuffer(data []byte) (Handle, core.Error)

	// ReleaseBuffer forgets a registered buffer.
	ReleaseBuffer(h Handle) core.Error

	// Submit executes a batch of requests in order, blocking until done.
	Submit(reqs []Request) core.Error

	// Close releases device resources. All subsequent calls except Close
	// return ErrDeviceRemoved.
	Close() core.Error
}
