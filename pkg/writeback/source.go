// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package writeback

// Source is a block-addressable region that write payloads are copied out of.
// Offsets are in filesystem blocks of the same size the owning queue uses.
// device.Buffer satisfies Source; MemSource covers producers that assemble
// payloads in plain slices.
//
// A Source must stay stable from the moment its blocks are enqueued until the
// owning work's sync callback has run; work items hold owned references for
// exactly this reason.
type Source interface {
	// Blocks returns the region capacity in blocks.
	Blocks() uint64

	// Data returns the bytes of count blocks starting at block. The returned
	// slice may alias the region's memory.
	Data(block, count uint64) []byte
}

// MemSource is an in-memory Source.
type MemSource struct {
	data      []byte
	blockSize uint32
}

// NewMemSource returns a zero-filled MemSource of the given geometry.
func NewMemSource(blocks uint64, blockSize uint32) *MemSource {
	return &MemSource{
		data:      make([]byte, blocks*uint64(blockSize)),
		blockSize: blockSize,
	}
}

// Blocks returns the region capacity in blocks.
func (s *MemSource) Blocks() uint64 {
	return uint64(len(s.data)) / uint64(s.blockSize)
}

// Data returns the bytes of count blocks starting at block.
func (s *MemSource) Data(block, count uint64) []byte {
	bs := uint64(s.blockSize)
	return s.data[block*bs : (block+count)*bs]
}

// Bytes returns the whole backing slice, for callers filling in payloads.
func (s *MemSource) Bytes() []byte {
	return s.data
}
