// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package wbload

import (
	"fmt"
	"time"

	"github.com/westerndigitalcorporation/wback/internal/core"
)

// Config specifies various parameters for a load run.
type Config struct {
	// Path to the backing image file. An empty path runs the load
	// against an in-memory device.
	Image string

	// Device size in filesystem blocks.
	DeviceBlocks uint64

	// Filesystem block size in bytes.
	BlockSize uint32

	// Writeback ring size in blocks.
	RingBlocks uint64

	// Journal region geometry on the device.
	RegionStart  uint64
	RegionBlocks uint64

	// Number of concurrent producers.
	Producers int

	// For how long to inject load.
	Duration time.Duration

	// Aggregate block rate across all producers. Zero means unpaced.
	Rate float64

	// Blocks per streamed operation.
	WriteBlocks uint64

	// Streamed operations per flush batch.
	BurstOps int

	// Journal one metadata update every this many batches. Zero
	// disables metadata traffic.
	MetadataEvery int

	// Read back and verify one durable batch every this many batches.
	// Zero disables verification.
	VerifyEvery int

	// Bound on unresolved flush batches per producer.
	MaxPending int

	// Address for the status page and metrics. Empty disables the
	// embedded HTTP server.
	Addr string

	// File backing the sqlite run history. Empty disables history.
	HistoryFile string
}

// DefaultConfig includes default configuration parameters.
var DefaultConfig = Config{
	DeviceBlocks:  16384,
	BlockSize:     core.BlockSize,
	RingBlocks:    256,
	RegionStart:   1,
	RegionBlocks:  1025,
	Producers:     4,
	Duration:      30 * time.Second,
	Rate:          0,
	WriteBlocks:   4,
	BurstOps:      8,
	MetadataEvery: 4,
	VerifyEvery:   16,
	MaxPending:    4,
	Addr:          "localhost:4080",
	HistoryFile:   "wbload.db",
}

// Validate returns an error if the configuration cannot drive a run.
func (c Config) Validate() error {
	if c.Producers < 1 {
		return fmt.Errorf("need at least one producer, got %d", c.Producers)
	}
	if c.WriteBlocks < 1 || c.BurstOps < 1 {
		return fmt.Errorf("write_blocks (%d) and burst (%d) must be positive", c.WriteBlocks, c.BurstOps)
	}
	if c.MaxPending < 1 {
		return fmt.Errorf("max_pending must be positive, got %d", c.MaxPending)
	}
	if c.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %s", c.Duration)
	}
	jcfg := c.journalConfig()
	if err := jcfg.Validate(); err != nil {
		return err
	}

	// Producers walk disjoint bands between the journal region and the
	// verify bands at the end of the device. Every band must hold at
	// least one full batch so bursts stay contiguous.
	verify := uint64(c.Producers) * c.WriteBlocks
	dataStart := c.RegionStart + c.RegionBlocks
	if c.DeviceBlocks < dataStart+verify {
		return fmt.Errorf("device of %d blocks has no room past the journal region", c.DeviceBlocks)
	}
	span := (c.DeviceBlocks - verify - dataStart) / uint64(c.Producers)
	if span < c.WriteBlocks*uint64(c.BurstOps) {
		return fmt.Errorf("%d producers with %d-block bursts need a larger device than %d blocks",
			c.Producers, c.WriteBlocks*uint64(c.BurstOps), c.DeviceBlocks)
	}
	return nil
}
