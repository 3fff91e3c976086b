// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package journal

import (
	"encoding/binary"
	"hash/crc32"

	log "github.com/golang/glog"
)

// The journal region is a circular log of entries preceded by one info
// block. Every structure is padded to a full filesystem block and all values
// are little endian.
//
// Info block (block 0 of the region):
// ---------------------------------------------------------------------
// | magic (8) | start_block (8) | num_blocks (8) | timestamp (8) | csum (4) |
// ---------------------------------------------------------------------
// start_block is relative to the entry area, num_blocks is the size of the
// entry area, timestamp is the sequence number of the entry expected at
// start_block, and csum covers the 32 bytes preceding it.
//
// Entry header block:
// ---------------------------------------------------------------------
// | magic (8) | timestamp (8) | reserved (8) | num_blocks (8) | targets... |
// ---------------------------------------------------------------------
// followed by num_blocks target block numbers (8 bytes each), the absolute
// device block each payload block must be applied to.
//
// Entry commit block:
// ---------------------------------------------------------------------
// | magic (8) | timestamp (8) | csum (4)                                 |
// ---------------------------------------------------------------------
// csum is computed over the serialized header block and all payload blocks.

const (
	infoMagic   uint64 = 0x77626a6f75726e6c // "wbjournl"
	headerMagic uint64 = 0x7762686561646572 // "wbheader"
	commitMagic uint64 = 0x7762636f6d6d6974 // "wbcommit"

	infoLen         = 36
	headerPrefixLen = 32
	commitLen       = 20
)

// This is opaque, pre-calculated data used by the hash/crc32 package
// to speed up CRC calculations.
var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// maxTargets returns how many payload target blocks a single header block
// can describe.
func maxTargets(blockSize uint32) uint64 {
	return uint64(blockSize-headerPrefixLen) / 8
}

// infoBlock is the decoded form of the journal's info block.
type infoBlock struct {
	// Entry-area-relative block of the oldest live entry.
	StartBlock uint64

	// Size of the entry area in blocks.
	NumBlocks uint64

	// Sequence number of the entry expected at StartBlock.
	Timestamp uint64
}

// encodeInfo serializes info into buf, which must be at least one block.
func encodeInfo(buf []byte, info infoBlock) {
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint64(buf[0:8], infoMagic)
	binary.LittleEndian.PutUint64(buf[8:16], info.StartBlock)
	binary.LittleEndian.PutUint64(buf[16:24], info.NumBlocks)
	binary.LittleEndian.PutUint64(buf[24:32], info.Timestamp)
	binary.LittleEndian.PutUint32(buf[32:36], crc32.Checksum(buf[0:32], crc32Table))
}

// decodeInfo deserializes and validates an info block. A false result means
// the block is torn or foreign; the caller decides whether that is fatal.
func decodeInfo(buf []byte) (infoBlock, bool) {
	if len(buf) < infoLen {
		return infoBlock{}, false
	}
	if binary.LittleEndian.Uint64(buf[0:8]) != infoMagic {
		log.V(2).Infof("journal info magic mismatch")
		return infoBlock{}, false
	}
	csum := crc32.Checksum(buf[0:32], crc32Table)
	if csum != binary.LittleEndian.Uint32(buf[32:36]) {
		log.Errorf("journal info checksum mismatch: %d != %d",
			csum, binary.LittleEndian.Uint32(buf[32:36]))
		return infoBlock{}, false
	}
	return infoBlock{
		StartBlock: binary.LittleEndian.Uint64(buf[8:16]),
		NumBlocks:  binary.LittleEndian.Uint64(buf[16:24]),
		Timestamp:  binary.LittleEndian.Uint64(buf[24:32]),
	}, true
}

// encodeHeader serializes an entry header block into buf, which must be a
// full block. The caller guarantees len(targets) fits, per maxTargets.
func encodeHeader(buf []byte, timestamp uint64, targets []uint64) {
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint64(buf[0:8], headerMagic)
	binary.LittleEndian.PutUint64(buf[8:16], timestamp)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(len(targets)))
	for i, tgt := range targets {
		binary.LittleEndian.PutUint64(buf[headerPrefixLen+8*i:headerPrefixLen+8*i+8], tgt)
	}
}

// decodeHeader deserializes an entry header block. A false result means the
// block is not a valid header: replay treats that as the end of the log, not
// an error.
func decodeHeader(buf []byte) (timestamp uint64, targets []uint64, ok bool) {
	if len(buf) < headerPrefixLen {
		return 0, nil, false
	}
	if binary.LittleEndian.Uint64(buf[0:8]) != headerMagic {
		return 0, nil, false
	}
	timestamp = binary.LittleEndian.Uint64(buf[8:16])

	// The checksum hasn't been verified yet, so num_blocks might be
	// gibberish. Be careful.
	n := binary.LittleEndian.Uint64(buf[24:32])
	if n == 0 || n > uint64((len(buf)-headerPrefixLen)/8) {
		log.V(2).Infof("journal header declares %d payload blocks, out of range", n)
		return 0, nil, false
	}
	targets = make([]uint64, n)
	for i := range targets {
		targets[i] = binary.LittleEndian.Uint64(buf[headerPrefixLen+8*i : headerPrefixLen+8*i+8])
	}
	return timestamp, targets, true
}

// encodeCommit serializes an entry commit block into buf, which must be a
// full block. csum covers the header block and payload preceding the commit.
func encodeCommit(buf []byte, timestamp uint64, csum uint32) {
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint64(buf[0:8], commitMagic)
	binary.LittleEndian.PutUint64(buf[8:16], timestamp)
	binary.LittleEndian.PutUint32(buf[16:20], csum)
}

// decodeCommit deserializes an entry commit block. A false result ends
// replay at this entry.
func decodeCommit(buf []byte) (timestamp uint64, csum uint32, ok bool) {
	if len(buf) < commitLen {
		return 0, 0, false
	}
	if binary.LittleEndian.Uint64(buf[0:8]) != commitMagic {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint64(buf[8:16]), binary.LittleEndian.Uint32(buf[16:20]), true
}
