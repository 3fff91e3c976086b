// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"flag"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/wback/internal/wbload"
)

func main() {
	flag.Set("logtostderr", "true")

	// Parse the flags.
	cfg := wbload.DefaultConfig
	blockSize := flag.Uint("block_size", uint(cfg.BlockSize), "filesystem block size in bytes")
	flag.StringVar(&cfg.Image, "image", cfg.Image, "backing image file, empty runs in memory")
	flag.Uint64Var(&cfg.DeviceBlocks, "device_blocks", cfg.DeviceBlocks, "device size in blocks")
	flag.Uint64Var(&cfg.RingBlocks, "ring", cfg.RingBlocks, "writeback ring size in blocks")
	flag.Uint64Var(&cfg.RegionStart, "region_start", cfg.RegionStart, "first block of the journal region")
	flag.Uint64Var(&cfg.RegionBlocks, "region_blocks", cfg.RegionBlocks, "size of the journal region in blocks")
	flag.IntVar(&cfg.Producers, "producers", cfg.Producers, "number of concurrent producers")
	flag.DurationVar(&cfg.Duration, "duration", cfg.Duration, "duration to inject load")
	flag.Float64Var(&cfg.Rate, "rate", cfg.Rate, "aggregate block rate, 0 means unpaced")
	flag.Uint64Var(&cfg.WriteBlocks, "write_blocks", cfg.WriteBlocks, "blocks per streamed operation")
	flag.IntVar(&cfg.BurstOps, "burst", cfg.BurstOps, "operations per flush batch")
	flag.IntVar(&cfg.MetadataEvery, "metadata_every", cfg.MetadataEvery, "journal a metadata update every this many batches, 0 disables")
	flag.IntVar(&cfg.VerifyEvery, "verify_every", cfg.VerifyEvery, "verify a durable batch every this many batches, 0 disables")
	flag.IntVar(&cfg.MaxPending, "max_pending", cfg.MaxPending, "unresolved batches allowed per producer")
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "status and metrics address, empty disables")
	flag.StringVar(&cfg.HistoryFile, "history_file", cfg.HistoryFile, "persistent file backing the run history, empty disables")
	flag.Parse()
	cfg.BlockSize = uint32(*blockSize)

	loader, err := wbload.NewLoader(cfg)
	if err != nil {
		log.Fatalf("failed to create loader: %s", err)
	}
	stats, runerr := loader.Run()
	if runerr == nil {
		log.Infof("load run passed...")
		log.Infof("\n====== stats ======\n%s", stats)
	} else {
		log.Errorf("load run failed...: %s", runerr)
	}
}
