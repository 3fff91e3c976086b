// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package device

import (
	"github.com/ncw/directio"

	"github.com/westerndigitalcorporation/wback/internal/core"
)

// Buffer is a fixed-capacity, block-addressable memory region registered with
// a device for transfers. Offsets into it are counted in filesystem blocks;
// conversion to device blocks happens when requests are built.
//
// The backing memory is allocated page-aligned so the same buffer works
// against an O_DIRECT file device.
type Buffer struct {
	dev       Device
	data      []byte
	blocks    uint64
	blockSize uint32
	handle    Handle
	label     string
}

// NewBuffer allocates a region of blocks*blockSize bytes and registers it
// with dev. blockSize must be a multiple of the device block size. Fails with
// ErrNoResources if the device refuses the registration.
func NewBuffer(dev Device, blocks uint64, blockSize uint32, label string) (*Buffer, core.Error) {
	if blocks == 0 || blockSize == 0 || blockSize%dev.BlockSize() != 0 {
		return nil, core.ErrInvalidArgument
	}
	data := directio.AlignedBlock(int(blocks) * int(blockSize))
	handle, err := dev.RegisterBuffer(data)
	if err != core.NoError {
		if err == core.ErrDeviceRemoved {
			return nil, err
		}
		return nil, core.ErrNoResources
	}
	return &Buffer{
		dev:       dev,
		data:      data,
		blocks:    blocks,
		blockSize: blockSize,
		handle:    handle,
		label:     label,
	}, core.NoError
}

// Blocks returns the buffer capacity in filesystem blocks.
func (b *Buffer) Blocks() uint64 {
	return b.blocks
}

// BlockSize returns the filesystem block size this buffer is addressed in.
func (b *Buffer) BlockSize() uint32 {
	return b.blockSize
}

// Handle returns the device transfer handle for this buffer.
func (b *Buffer) Handle() Handle {
	return b.handle
}

// Label returns the debugging label given at construction.
func (b *Buffer) Label() string {
	return b.label
}

// DeviceRatio returns how many device blocks make up one buffer block.
func (b *Buffer) DeviceRatio() uint64 {
	return uint64(b.blockSize / b.dev.BlockSize())
}

// Data returns the byte range covering count blocks starting at block. The
// slice aliases the registered region; writes to it are what the device
// transfers. Out-of-range access is a caller bug.
func (b *Buffer) Data(block, count uint64) []byte {
	bs := uint64(b.blockSize)
	return b.data[block*bs : (block+count)*bs]
}

// Release unregisters the buffer from the device. The buffer must not be
// referenced by in-flight requests.
func (b *Buffer) Release() core.Error {
	return b.dev.ReleaseBuffer(b.handle)
}
