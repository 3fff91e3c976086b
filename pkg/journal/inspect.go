// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package journal

import (
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/wback/internal/core"
	"github.com/westerndigitalcorporation/wback/pkg/device"
)

// EntryInfo describes one committed entry found by Inspect.
type EntryInfo struct {
	// Sequence number stamped in the entry's header and commit blocks.
	Sequence uint64

	// Entry-area-relative block of the entry's header.
	Position uint64

	// Absolute device block each payload block applies to.
	Targets []uint64
}

// RegionInfo is Inspect's summary of a journal region.
type RegionInfo struct {
	// Entry-area-relative block of the oldest live entry, per the info
	// block.
	StartBlock uint64

	// Size of the entry area in blocks.
	EntryBlocks uint64

	// Sequence number of the entry expected at StartBlock.
	Sequence uint64

	// Committed entries found walking forward from StartBlock, in log
	// order. A fresh or fully checkpointed journal has none.
	Entries []EntryInfo
}

// Inspect reads the journal region from dev and walks its committed entries
// without applying or modifying anything, the same walk Open performs before
// replaying. Tools use it to show what a replay would do. It fails with
// ErrCorruptData if the info block is torn or names impossible geometry.
func Inspect(dev device.Device, cfg Config) (*RegionInfo, core.Error) {
	if verr := cfg.Validate(); verr != nil {
		log.Errorf("invalid journal config: %s", verr)
		return nil, core.ErrInvalidArgument
	}

	scratch, info, err := readRegion(dev, cfg)
	if err != core.NoError {
		return nil, err
	}
	defer scratch.Release()

	ri := &RegionInfo{
		StartBlock:  info.StartBlock,
		EntryBlocks: info.NumBlocks,
		Sequence:    info.Timestamp,
	}
	_, _, _, err = walkCommitted(scratch, info, cfg.Label,
		func(pos, seq uint64, targets []uint64) core.Error {
			ri.Entries = append(ri.Entries, EntryInfo{
				Sequence: seq,
				Position: pos,
				Targets:  append([]uint64(nil), targets...),
			})
			return core.NoError
		})
	if err != core.NoError {
		return nil, err
	}
	return ri, core.NoError
}
