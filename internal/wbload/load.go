// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package wbload injects sustained write traffic into a writeback engine and
// verifies that acknowledged data actually survives. It drives the full
// stack: data streamed around the journal, metadata journaled through it,
// read-back verification through the block cache, and a status page plus
// prometheus metrics while the run is in flight. Results are appended to a
// sqlite history so runs can be compared over time.
package wbload

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/westerndigitalcorporation/wback/internal/core"
	"github.com/westerndigitalcorporation/wback/internal/server"
	"github.com/westerndigitalcorporation/wback/pkg/bcache"
	"github.com/westerndigitalcorporation/wback/pkg/device"
	"github.com/westerndigitalcorporation/wback/pkg/journal"
	"github.com/westerndigitalcorporation/wback/pkg/tokenbucket"
	"github.com/westerndigitalcorporation/wback/pkg/writeback"
)

// Per-op metrics, shared across loaders in the process because prometheus
// collectors register globally.
var opm = server.NewOpMetric("wbload", "op")

func (c Config) journalConfig() journal.Config {
	return journal.Config{
		RegionStart:  c.RegionStart,
		RegionBlocks: c.RegionBlocks,
		BlockSize:    c.BlockSize,
		Label:        "wbload",
	}
}

func (c Config) queueConfig() writeback.Config {
	return writeback.Config{
		Blocks:    c.RingBlocks,
		BlockSize: c.BlockSize,
		Label:     "wbload",
	}
}

// runStats accumulates raw counters across producers for the history row.
type runStats struct {
	ops       int64
	failures  int64
	blocks    int64
	latencyNs int64
	maxNs     int64
}

// Loader owns one device, queue and journal and a set of producers that
// hammer them until the run winds down.
type Loader struct {
	cfg Config

	dev   device.Device
	q     *writeback.Queue
	j     *journal.Journal
	cache *bcache.Cache
	tb    *tokenbucket.TokenBucket

	status *server.StatusPage

	// Closed exactly once by Run when the duration elapses or an
	// operator hits /_quit. Producers watch it everywhere they can
	// block.
	quit chan struct{}

	stats runStats
}

// NewLoader builds the full writeback stack described by cfg. The journal
// region is formatted from scratch, so anything in an existing image is
// destroyed.
func NewLoader(cfg Config) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var dev device.Device
	if cfg.Image == "" {
		dev = device.NewMemDevice(cfg.DeviceBlocks, cfg.BlockSize)
	} else {
		fd, err := device.OpenFileDevice(cfg.Image, cfg.DeviceBlocks, cfg.BlockSize, false)
		if err != core.NoError {
			return nil, fmt.Errorf("failed to open image %s: %s", cfg.Image, err)
		}
		dev = fd
	}

	jcfg := cfg.journalConfig()
	if err := journal.Format(dev, jcfg); err != core.NoError {
		dev.Close()
		return nil, fmt.Errorf("failed to format journal region: %s", err)
	}
	q, err := writeback.NewQueue(dev, cfg.queueConfig())
	if err != core.NoError {
		dev.Close()
		return nil, fmt.Errorf("failed to create writeback queue: %s", err)
	}
	j, err := journal.Open(q, jcfg)
	if err != core.NoError {
		q.Close()
		dev.Close()
		return nil, fmt.Errorf("failed to open journal: %s", err)
	}

	// The cache only serves verification read-back, one batch at a time
	// per producer.
	cacheBlocks := cfg.Producers * int(cfg.WriteBlocks) * 2
	cache, err := bcache.NewCache(dev, cfg.BlockSize, cacheBlocks, "wbload")
	if err != core.NoError {
		j.Close()
		q.Close()
		dev.Close()
		return nil, fmt.Errorf("failed to create block cache: %s", err)
	}

	var tb *tokenbucket.TokenBucket
	if cfg.Rate > 0 {
		tb = tokenbucket.New(cfg.Rate, cfg.Rate/4+1)
	}

	l := &Loader{
		cfg:   cfg,
		dev:   dev,
		q:     q,
		j:     j,
		cache: cache,
		tb:    tb,
		quit:  make(chan struct{}),
	}

	l.status = server.NewStatusPage("wbload")
	l.status.SetField("device", fmt.Sprintf("%d blocks of %d bytes", cfg.DeviceBlocks, cfg.BlockSize))
	l.status.SetField("ring", fmt.Sprintf("%d blocks", cfg.RingBlocks))
	l.status.SetField("journal region", fmt.Sprintf("[%d, %d)", cfg.RegionStart, cfg.RegionStart+cfg.RegionBlocks))
	l.status.SetField("producers", strconv.Itoa(cfg.Producers))
	l.status.AddTable("operations", func() map[string]string {
		return opm.Strings("data", "metadata", "verify")
	})
	l.status.AddTable("journal", func() map[string]string {
		return map[string]string{
			"live blocks": strconv.FormatUint(l.j.LiveBlocks(), 10),
			"capacity":    strconv.FormatUint(l.j.Capacity(), 10),
			"sequence":    strconv.FormatUint(l.j.Sequence(), 10),
		}
	})
	return l, nil
}

// dataStart returns the first device block past the journal region.
func (l *Loader) dataStart() uint64 {
	return l.cfg.RegionStart + l.cfg.RegionBlocks
}

// verifyStart returns the first block of the per-producer verify bands at
// the end of the device. Only verification batches write there, so a
// read-back never races with another lap of data traffic.
func (l *Loader) verifyStart() uint64 {
	return l.cfg.DeviceBlocks - uint64(l.cfg.Producers)*l.cfg.WriteBlocks
}

// producerBand returns the half-open range of device blocks producer id
// walks with its data batches.
func (l *Loader) producerBand(id int) (base, span uint64) {
	span = (l.verifyStart() - l.dataStart()) / uint64(l.cfg.Producers)
	base = l.dataStart() + uint64(id)*span
	return base, span
}

// Run injects load until the configured duration elapses or an operator hits
// /_quit, tears the stack down, records the run in the history db, and
// returns a printable summary. A non-nil error means the engine failed or
// lost operations during the run.
func (l *Loader) Run() (string, error) {
	started := time.Now()

	quitReq := make(chan struct{})
	if l.cfg.Addr != "" {
		http.Handle("/", l.status)
		http.Handle("/metrics", promhttp.Handler())
		http.HandleFunc("/_quit", server.QuitHandler(quitReq))
		go func() {
			log.Infof("http status server listening on %s", l.cfg.Addr)
			log.Errorf("http listener returned error: %v", http.ListenAndServe(l.cfg.Addr, nil))
		}()
	}

	var wg sync.WaitGroup
	for i := 0; i < l.cfg.Producers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			l.producer(id)
		}(i)
	}

	select {
	case <-time.After(l.cfg.Duration):
		log.Infof("run duration reached, winding down")
	case <-quitReq:
		log.Infof("quit requested, winding down")
	}
	close(l.quit)
	wg.Wait()
	elapsed := time.Since(started)

	var runErr error
	if l.j.IsFailed() {
		runErr = fmt.Errorf("journal entered failed state during the run")
	}
	if err := l.j.Close(); err != core.NoError {
		log.Errorf("journal close: %s", err)
		if runErr == nil {
			runErr = err.Error()
		}
	}
	if err := l.q.Close(); err != core.NoError {
		log.Errorf("queue close: %s", err)
		if runErr == nil {
			runErr = err.Error()
		}
	}
	l.cache.Close()
	if err := l.dev.Close(); err != core.NoError {
		log.Errorf("device close: %s", err)
		if runErr == nil {
			runErr = err.Error()
		}
	}

	ops := atomic.LoadInt64(&l.stats.ops)
	failures := atomic.LoadInt64(&l.stats.failures)
	blocks := atomic.LoadInt64(&l.stats.blocks)
	if failures > 0 && runErr == nil {
		runErr = fmt.Errorf("%d operations failed", failures)
	}

	var mean time.Duration
	if ops > 0 {
		mean = time.Duration(atomic.LoadInt64(&l.stats.latencyNs) / ops)
	}
	max := time.Duration(atomic.LoadInt64(&l.stats.maxNs))
	mbps := float64(blocks) * float64(l.cfg.BlockSize) / (1 << 20) / elapsed.Seconds()

	stats := fmt.Sprintf("ran %d producers for %s: %d batches (%d failed), %d blocks, %.1f MB/s, mean batch latency %s, max %s",
		l.cfg.Producers, elapsed.Round(time.Millisecond), ops, failures, blocks, mbps,
		mean.Round(time.Microsecond), max.Round(time.Microsecond))

	if l.cfg.HistoryFile != "" {
		db := NewRunDB(l.cfg.HistoryFile)
		rec := RunRecord{
			Started:     started,
			Duration:    elapsed,
			Producers:   l.cfg.Producers,
			BlockSize:   l.cfg.BlockSize,
			WriteBlocks: l.cfg.WriteBlocks,
			Rate:        l.cfg.Rate,
			Ops:         ops,
			Failures:    failures,
			Blocks:      blocks,
			MBPerSec:    mbps,
			MeanLatency: mean,
			MaxLatency:  max,
		}
		if err := db.Put(rec); err != nil {
			log.Errorf("failed to record run history: %s", err)
		} else if prev, err := db.Recent(4); err == nil {
			for _, r := range prev[1:] {
				log.Infof("previous run %s", r)
			}
		}
		if err := db.Close(); err != nil {
			log.Errorf("failed to close run history: %s", err)
		}
	}
	return stats, runErr
}

// producer drives one stream of batches through its own band of the device
// until the run winds down or the engine fails.
func (l *Loader) producer(id int) {
	s := journal.NewStreamer(l.j)
	sem := server.NewSemaphore(l.cfg.MaxPending)
	src := writeback.NewMemSource(l.cfg.WriteBlocks*uint64(l.cfg.BurstOps), l.cfg.BlockSize)
	metaSrc := writeback.NewMemSource(1, l.cfg.BlockSize)

	base, span := l.producerBand(id)
	next := base
	batch := 0
	var inflight sync.WaitGroup

loop:
	for {
		select {
		case <-l.quit:
			break loop
		default:
		}
		batch++

		if l.cfg.VerifyEvery > 0 && batch%l.cfg.VerifyEvery == 0 {
			if !l.verify(s, id, uint64(batch)) {
				break loop
			}
			continue
		}

		if !sem.AcquireOrQuit(l.quit) {
			break loop
		}
		if !l.streamBatch(s, src, id, batch, &next, base, span, sem, &inflight) {
			break loop
		}

		if l.cfg.MetadataEvery > 0 && batch%l.cfg.MetadataEvery == 0 {
			if !sem.AcquireOrQuit(l.quit) {
				break loop
			}
			if !l.writeMetadata(metaSrc, id, batch, sem, &inflight) {
				break loop
			}
		}
	}

	// Push out whatever the streamer still holds and wait for every
	// outstanding batch before reporting done.
	s.Flush().Wait(context.Background())
	inflight.Wait()
}

// streamBatch streams one burst of contiguous writes and flushes them as a
// single tracked batch. The caller's semaphore permit travels with the batch
// and is released when it resolves. Returns false once streaming reports a
// sticky failure, meaning the journal has stopped accepting work.
func (l *Loader) streamBatch(s *journal.Streamer, src *writeback.MemSource, id, batch int, next *uint64, base, span uint64, sem server.Semaphore, inflight *sync.WaitGroup) bool {
	op := opm.Start("data")
	fillBytes(id, uint64(batch), src.Bytes())

	blocks := uint64(0)
	for k := 0; k < l.cfg.BurstOps; k++ {
		if *next+l.cfg.WriteBlocks > base+span {
			*next = base
		}
		l.pace(l.cfg.WriteBlocks)
		err := s.StreamData(journal.UnbufferedOp{
			Src:      src,
			SrcBlock: uint64(k) * l.cfg.WriteBlocks,
			DevBlock: *next,
			Blocks:   l.cfg.WriteBlocks,
		})
		if err != core.NoError {
			log.Errorf("producer %d: stream failed: %s", id, err)
			op.Failed()
			op.End()
			atomic.AddInt64(&l.stats.failures, 1)
			sem.Release()
			return false
		}
		*next += l.cfg.WriteBlocks
		blocks += l.cfg.WriteBlocks
	}

	flushed := time.Now()
	p := s.Flush()
	inflight.Add(1)
	go func() {
		if status := p.Wait(context.Background()); status != core.NoError {
			op.Failed()
			atomic.AddInt64(&l.stats.failures, 1)
		} else {
			l.observe(flushed, blocks)
		}
		op.End()
		sem.Release()
		inflight.Done()
	}()
	return true
}

// writeMetadata journals one small update the way filesystem metadata rides
// along with data traffic. The target is the producer's first verify block,
// which the next verification pass overwrites anyway.
func (l *Loader) writeMetadata(src *writeback.MemSource, id, batch int, sem server.Semaphore, inflight *sync.WaitGroup) bool {
	op := opm.Start("metadata")
	fillBytes(id, uint64(batch), src.Bytes())

	w := l.j.NewWork()
	w.Enqueue(src, 0, l.verifyStart()+uint64(id)*l.cfg.WriteBlocks, 1)
	issued := time.Now()
	p, err := l.j.WriteMetadata(w)
	if err != core.NoError {
		log.Errorf("producer %d: metadata write failed: %s", id, err)
		op.Failed()
		op.End()
		atomic.AddInt64(&l.stats.failures, 1)
		sem.Release()
		return false
	}
	inflight.Add(1)
	go func() {
		if status := p.Wait(context.Background()); status != core.NoError {
			op.Failed()
			atomic.AddInt64(&l.stats.failures, 1)
		} else {
			l.observe(issued, 1)
		}
		op.End()
		sem.Release()
		inflight.Done()
	}()
	return true
}

// verify writes a recognizable pattern to the producer's private verify
// band, waits until the engine acknowledges it durable, and reads it back
// through the cache. A mismatch means acknowledged data was lost, which is
// worth dying for.
func (l *Loader) verify(s *journal.Streamer, id int, round uint64) bool {
	op := opm.Start("verify")
	defer op.End()

	// The fill pattern is offset by the producer count so verify bands
	// never carry the same bytes as data bands.
	src := writeback.NewMemSource(l.cfg.WriteBlocks, l.cfg.BlockSize)
	fillBytes(id+l.cfg.Producers, round, src.Bytes())
	base := l.verifyStart() + uint64(id)*l.cfg.WriteBlocks

	if err := s.StreamData(journal.UnbufferedOp{Src: src, DevBlock: base, Blocks: l.cfg.WriteBlocks}); err != core.NoError {
		log.Errorf("producer %d: verify stream failed: %s", id, err)
		op.Failed()
		atomic.AddInt64(&l.stats.failures, 1)
		return false
	}
	if status := s.Flush().Wait(context.Background()); status != core.NoError {
		log.Errorf("producer %d: verify flush failed: %s", id, status)
		op.Failed()
		atomic.AddInt64(&l.stats.failures, 1)
		return false
	}

	// Streamed writes bypass the cache, so drop any stale copy first.
	l.cache.Invalidate(base, l.cfg.WriteBlocks)
	data, err := l.cache.ReadBlocks(base, l.cfg.WriteBlocks)
	if err != core.NoError {
		log.Errorf("producer %d: verify read failed: %s", id, err)
		op.Failed()
		atomic.AddInt64(&l.stats.failures, 1)
		return false
	}
	if !verifyBytes(id+l.cfg.Producers, round, data) {
		log.Fatalf("mismatched data on producer %d verify band, data corruption?", id)
	}
	return true
}

// pace blocks until the token bucket grants n blocks, watching quit so a
// winding-down producer doesn't sleep through its own shutdown.
func (l *Loader) pace(n uint64) {
	if l.tb == nil {
		return
	}
	d := l.tb.TakeAndUpdate(float64(n), time.Now())
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-l.quit:
	}
}

func (l *Loader) observe(start time.Time, blocks uint64) {
	atomic.AddInt64(&l.stats.ops, 1)
	atomic.AddInt64(&l.stats.blocks, int64(blocks))
	d := int64(time.Since(start))
	atomic.AddInt64(&l.stats.latencyNs, d)
	for {
		cur := atomic.LoadInt64(&l.stats.maxNs)
		if d <= cur || atomic.CompareAndSwapInt64(&l.stats.maxNs, cur, d) {
			return
		}
	}
}

// fillBytes fills buf with deterministic bytes. The first byte comes from
// computeBase and each following byte is the previous one plus one.
func fillBytes(producer int, round uint64, buf []byte) {
	base := computeBase(producer, round)
	for i := range buf {
		buf[i] = base
		base++
	}
}

// verifyBytes checks that buf was produced by fillBytes with the same
// arguments.
func verifyBytes(producer int, round uint64, buf []byte) bool {
	base := computeBase(producer, round)
	for _, b := range buf {
		if b != base {
			return false
		}
		base++
	}
	return true
}

// A deterministic mapping from (producer, round) to a starting byte.
func computeBase(producer int, round uint64) byte {
	x := uint32(producer+1) * 2654435761
	x ^= uint32(round) + uint32(round>>32)
	return byte(x) ^ byte(x>>8) ^ byte(x>>16) ^ byte(x>>24)
}
