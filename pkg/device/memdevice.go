// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package device

import (
	"sync"

	"github.com/westerndigitalcorporation/wback/internal/core"
)

// MemDevice is a memory-only implementation of the Device interface that is
// useful for testing and load generation. Contents live in one flat slice.
type MemDevice struct {
	lock      sync.Mutex
	blockSize uint32
	data      []byte
	buffers   map[Handle][]byte
	nextH     Handle
	flushes   uint64
	submits   uint64
	nextErr   core.Error
	stickyErr core.Error
}

// NewMemDevice returns a MemDevice of the given geometry, zero-filled.
func NewMemDevice(blocks uint64, blockSize uint32) *MemDevice {
	return &MemDevice{
		blockSize: blockSize,
		data:      make([]byte, blocks*uint64(blockSize)),
		buffers:   make(map[Handle][]byte),
	}
}

// BlockSize returns the device block size in bytes.
func (m *MemDevice) BlockSize() uint32 {
	return m.blockSize
}

// BlockCount returns the device capacity in device blocks.
func (m *MemDevice) BlockCount() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return uint64(len(m.data)) / uint64(m.blockSize)
}

// RegisterBuffer registers a transfer region.
func (m *MemDevice) RegisterBuffer(data []byte) (Handle, core.Error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.buffers == nil {
		return 0, core.ErrDeviceRemoved
	}
	m.nextH++
	m.buffers[m.nextH] = data
	return m.nextH, core.NoError
}

// ReleaseBuffer forgets a registered region.
func (m *MemDevice) ReleaseBuffer(h Handle) core.Error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.buffers == nil {
		return core.ErrDeviceRemoved
	}
	if _, ok := m.buffers[h]; !ok {
		return core.ErrInvalidArgument
	}
	delete(m.buffers, h)
	return core.NoError
}

// Submit executes the batch in order against the in-memory contents.
func (m *MemDevice) Submit(reqs []Request) core.Error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.buffers == nil {
		return core.ErrDeviceRemoved
	}
	m.submits++
	if m.stickyErr != core.NoError {
		return m.stickyErr
	}
	if m.nextErr != core.NoError {
		err := m.nextErr
		m.nextErr = core.NoError
		return err
	}

	bs := uint64(m.blockSize)
	for _, r := range reqs {
		switch r.Op {
		case OpFlush:
			m.flushes++
			continue
		case OpTrim:
			if err := m.checkRange(r.Device, r.Blocks); err != core.NoError {
				return err
			}
			zero := m.data[r.Device*bs : (r.Device+r.Blocks)*bs]
			for i := range zero {
				zero[i] = 0
			}
			continue
		}

		buf, ok := m.buffers[r.Handle]
		if !ok {
			return core.ErrInvalidArgument
		}
		if err := m.checkRange(r.Device, r.Blocks); err != core.NoError {
			return err
		}
		if (r.Buffer+r.Blocks)*bs > uint64(len(buf)) {
			return core.ErrInvalidArgument
		}
		switch r.Op {
		case OpRead:
			copy(buf[r.Buffer*bs:(r.Buffer+r.Blocks)*bs], m.data[r.Device*bs:])
		case OpWrite:
			copy(m.data[r.Device*bs:(r.Device+r.Blocks)*bs], buf[r.Buffer*bs:])
		default:
			return core.ErrInvalidArgument
		}
	}
	return core.NoError
}

func (m *MemDevice) checkRange(block, count uint64) core.Error {
	if (block+count)*uint64(m.blockSize) > uint64(len(m.data)) {
		return core.ErrInvalidArgument
	}
	return core.NoError
}

// Close releases the contents. Subsequent calls return ErrDeviceRemoved.
func (m *MemDevice) Close() core.Error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.buffers == nil {
		return core.ErrDeviceRemoved
	}
	m.data = nil
	m.buffers = nil
	return core.NoError
}

// Flushes returns how many flush barriers the device has executed.
func (m *MemDevice) Flushes() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.flushes
}

// Submits returns how many Submit batches the device has seen, including
// failed ones. Lets tests assert on batching behavior.
func (m *MemDevice) Submits() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.submits
}

// FailNext makes the next Submit call fail with err without touching the
// contents. Used to provoke the read-only transition in tests.
func (m *MemDevice) FailNext(err core.Error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.nextErr = err
}

// FailAll makes every subsequent Submit call fail with err. Pass NoError to
// heal the device again.
func (m *MemDevice) FailAll(err core.Error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.stickyErr = err
}
