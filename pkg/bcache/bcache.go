// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package bcache is a read-through block cache in front of a device. The
// writeback engine itself never reads, so this sits beside it serving the
// read paths (tooling, the filesystem layer above) and stays coherent by
// having writes pass through and invalidate.
package bcache

import (
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/wback/internal/core"
	"github.com/westerndigitalcorporation/wback/pkg/device"
)

var (
	metricHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "wback",
		Name:      "bcache_hits_total",
		Help:      "block reads served from cache",
	}, []string{"cache"})
	metricMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "wback",
		Name:      "bcache_misses_total",
		Help:      "block reads that went to the device",
	}, []string{"cache"})
	metricEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "wback",
		Name:      "bcache_entries",
		Help:      "blocks currently cached",
	}, []string{"cache"})
)

// scratchBlocks sizes the registered transfer buffer; longer runs are read
// and written in pieces of this many blocks.
const scratchBlocks = 64

// Cache is an LRU of single filesystem blocks keyed by absolute block
// number. Device I/O never runs under the cache lock, so concurrent readers
// only contend on the map itself; a racing double-read of the same block is
// possible and harmless.
type Cache struct {
	dev       device.Device
	blockSize uint32
	label     string

	ioMu    sync.Mutex // serializes use of the scratch buffer
	scratch *device.Buffer

	mu  sync.Mutex
	lru *lru.Cache
}

// NewCache returns a cache holding at most maxBlocks blocks over dev.
func NewCache(dev device.Device, blockSize uint32, maxBlocks int, label string) (*Cache, core.Error) {
	if maxBlocks <= 0 {
		return nil, core.ErrInvalidArgument
	}
	scratch, err := device.NewBuffer(dev, scratchBlocks, blockSize, label+"-bcache")
	if err != core.NoError {
		return nil, err
	}
	return &Cache{
		dev:       dev,
		blockSize: blockSize,
		label:     label,
		scratch:   scratch,
		lru:       lru.New(maxBlocks),
	}, core.NoError
}

// ReadBlocks returns count blocks starting at block, reading whatever isn't
// cached from the device in contiguous runs.
func (c *Cache) ReadBlocks(block, count uint64) ([]byte, core.Error) {
	if count == 0 {
		return nil, core.ErrInvalidArgument
	}
	bs := uint64(c.blockSize)
	out := make([]byte, count*bs)
	missing := make([]bool, count)

	misses := uint64(0)
	c.mu.Lock()
	for i := uint64(0); i < count; i++ {
		if v, ok := c.lru.Get(block + i); ok {
			copy(out[i*bs:(i+1)*bs], v.([]byte))
		} else {
			missing[i] = true
			misses++
		}
	}
	c.mu.Unlock()
	metricHits.WithLabelValues(c.label).Add(float64(count - misses))
	metricMisses.WithLabelValues(c.label).Add(float64(misses))
	if misses == 0 {
		return out, core.NoError
	}

	for i := uint64(0); i < count; {
		if !missing[i] {
			i++
			continue
		}
		run := uint64(1)
		for i+run < count && missing[i+run] {
			run++
		}
		if err := c.fill(block+i, out[i*bs:(i+run)*bs]); err != core.NoError {
			return nil, err
		}
		i += run
	}
	return out, core.NoError
}

// fill reads a run of blocks from the device into dst and caches each one.
func (c *Cache) fill(block uint64, dst []byte) core.Error {
	bs := uint64(c.blockSize)
	blocks := uint64(len(dst)) / bs

	c.ioMu.Lock()
	ratio := c.scratch.DeviceRatio()
	for done := uint64(0); done < blocks; {
		n := blocks - done
		if n > scratchBlocks {
			n = scratchBlocks
		}
		err := c.dev.Submit([]device.Request{
			{Op: device.OpRead, Handle: c.scratch.Handle(), Buffer: 0, Device: (block + done) * ratio, Blocks: n * ratio},
		})
		if err != core.NoError {
			c.ioMu.Unlock()
			log.Errorf("bcache %q: read of %d blocks at %d failed: %s", c.label, n, block+done, err)
			return err
		}
		copy(dst[done*bs:(done+n)*bs], c.scratch.Data(0, n))
		done += n
	}
	c.ioMu.Unlock()

	c.mu.Lock()
	for i := uint64(0); i < blocks; i++ {
		b := make([]byte, bs)
		copy(b, dst[i*bs:(i+1)*bs])
		c.lru.Add(block+i, b)
	}
	metricEntries.WithLabelValues(c.label).Set(float64(c.lru.Len()))
	c.mu.Unlock()
	return core.NoError
}

// Write sends data to the device and drops any cached copies of the range.
// len(data) must be a whole number of blocks.
func (c *Cache) Write(block uint64, data []byte) core.Error {
	bs := uint64(c.blockSize)
	if len(data) == 0 || uint64(len(data))%bs != 0 {
		return core.ErrInvalidArgument
	}
	blocks := uint64(len(data)) / bs

	c.ioMu.Lock()
	ratio := c.scratch.DeviceRatio()
	for done := uint64(0); done < blocks; {
		n := blocks - done
		if n > scratchBlocks {
			n = scratchBlocks
		}
		copy(c.scratch.Data(0, n), data[done*bs:(done+n)*bs])
		err := c.dev.Submit([]device.Request{
			{Op: device.OpWrite, Handle: c.scratch.Handle(), Buffer: 0, Device: (block + done) * ratio, Blocks: n * ratio},
		})
		if err != core.NoError {
			c.ioMu.Unlock()
			log.Errorf("bcache %q: write of %d blocks at %d failed: %s", c.label, n, block+done, err)
			// The device may hold any mix of old and new now; don't serve
			// stale copies on top of that.
			c.Invalidate(block, blocks)
			return err
		}
		done += n
	}
	c.ioMu.Unlock()

	c.Invalidate(block, blocks)
	return core.NoError
}

// Invalidate drops cached copies of count blocks starting at block.
func (c *Cache) Invalidate(block, count uint64) {
	c.mu.Lock()
	for i := uint64(0); i < count; i++ {
		c.lru.Remove(block + i)
	}
	metricEntries.WithLabelValues(c.label).Set(float64(c.lru.Len()))
	c.mu.Unlock()
}

// Len returns how many blocks are cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Close releases the cache's device buffer. The cache must not be used
// after.
func (c *Cache) Close() {
	c.scratch.Release()
}
