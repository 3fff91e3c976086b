// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package journal makes metadata block writes crash-atomic. Each metadata
// transaction is wrapped in a journal entry (header, payload, commit) that
// must be durable in a circular on-device region before the payload is
// written to its final location. After a crash, Open replays every fully
// committed entry and discards the first torn one and everything after it.
//
// Bulk data writes don't get the envelope; they flow through EnqueueData
// straight to the writeback queue and are expected to be verifiable by the
// layer above.
package journal

import (
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/wback/internal/core"
	"github.com/westerndigitalcorporation/wback/internal/server"
	"github.com/westerndigitalcorporation/wback/pkg/device"
	"github.com/westerndigitalcorporation/wback/pkg/writeback"
)

var (
	// OpMetric to record counts and latencies of journal ops.
	opm = server.NewOpMetric("wback_journal", "op")

	metricLiveBlocks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "wback",
		Name:      "journal_live_blocks",
		Help:      "entry area blocks occupied by live journal entries",
	}, []string{"journal"})
	metricSequence = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "wback",
		Name:      "journal_sequence",
		Help:      "sequence number the next journal entry will carry",
	}, []string{"journal"})
)

// Config encapsulates parameters for a journal.
type Config struct {
	// Absolute filesystem block of the journal info block. The entry area
	// is the RegionBlocks-1 blocks that follow it.
	RegionStart uint64

	// Total size of the journal region in blocks, info block included.
	RegionBlocks uint64

	// Filesystem block size in bytes. Must match the writeback queue's.
	BlockSize uint32

	// Label distinguishes this journal in logs and metrics.
	Label string
}

// Validate validates the configuration object has reasonable (not obviously
// wrong) values.
func (c Config) Validate() error {
	if c.RegionBlocks < 4 {
		return fmt.Errorf("journal region of %d blocks cannot hold the info block and a minimal entry", c.RegionBlocks)
	}
	if c.BlockSize < 64 {
		return fmt.Errorf("block size %d cannot hold the journal structures", c.BlockSize)
	}
	if c.Label == "" {
		return fmt.Errorf("journal label cannot be empty")
	}
	return nil
}

// DefaultConfig specifies the default values for Config used in production:
// an 8 MB journal region right after the superblock.
var DefaultConfig = Config{
	RegionStart:  1,
	RegionBlocks: 1025,
	BlockSize:    core.BlockSize,
	Label:        "journal",
}

// retirement reports that one entry's payload has become durable at its
// final location (or never will be).
type retirement struct {
	blocks uint64
	seq    uint64
	status core.Error
}

// Journal layers crash-atomicity for metadata on top of a writeback queue.
//
// An entry moves through two queue works. The first writes the envelope,
// [header | payload | commit], into the entry area and ends with a flush, so
// the commit is durable before anything later in the queue is issued. The
// second is the caller's own transaction, which lands the payload at its
// final location and ends with another flush. Only when that completes is
// the entry retired: a background loop checkpoints the info block past it
// and hands its region space out again. Replay can therefore always redo
// any live entry, and the info block never points into reclaimed space.
//
// All sizing and positions are in filesystem blocks.
type Journal struct {
	queue *writeback.Queue
	dev   device.Device
	cfg   Config

	infoBuf *device.Buffer

	lock       sync.Mutex
	spaceFreed *sync.Cond
	start      uint64 // entry-area index of the oldest live entry
	length     uint64 // entry area blocks not yet checkpointed away
	seq        uint64 // sequence the next entry will carry
	failed     bool
	closed     bool

	retireCh chan retirement
	quit     chan struct{}
	done     chan struct{}
}

// Format initializes the journal region on dev: a fresh info block naming an
// empty entry area. Run once when the volume is laid out; the entry area
// itself is left as is, replay stops at the first block that doesn't parse.
func Format(dev device.Device, cfg Config) core.Error {
	if err := cfg.Validate(); err != nil {
		log.Errorf("Bad journal config: %s", err)
		return core.ErrInvalidArgument
	}
	buf, err := device.NewBuffer(dev, 1, cfg.BlockSize, cfg.Label+"-format")
	if err != core.NoError {
		return err
	}
	defer buf.Release()

	encodeInfo(buf.Data(0, 1), infoBlock{
		StartBlock: 0,
		NumBlocks:  cfg.RegionBlocks - 1,
		Timestamp:  1,
	})
	ratio := buf.DeviceRatio()
	err = dev.Submit([]device.Request{
		{Op: device.OpWrite, Handle: buf.Handle(), Buffer: 0, Device: cfg.RegionStart * ratio, Blocks: ratio},
		{Op: device.OpFlush},
	})
	if err != core.NoError {
		log.Errorf("Failed to format journal region at block %d: %s", cfg.RegionStart, err)
		return err
	}
	log.Infof("formatted journal %q: %d entry blocks at block %d", cfg.Label, cfg.RegionBlocks-1, cfg.RegionStart)
	return core.NoError
}

// Open replays any committed entries left in the region and returns a
// running journal on top of q. The queue must be fresh: nothing may be
// enqueued on it before Open returns.
func Open(q *writeback.Queue, cfg Config) (*Journal, core.Error) {
	if err := cfg.Validate(); err != nil {
		log.Errorf("Bad journal config: %s", err)
		return nil, core.ErrInvalidArgument
	}
	if cfg.BlockSize != q.BlockSize() {
		log.Errorf("journal block size %d does not match the queue's %d", cfg.BlockSize, q.BlockSize())
		return nil, core.ErrInvalidArgument
	}

	j := &Journal{
		queue:    q,
		dev:      q.Device(),
		cfg:      cfg,
		retireCh: make(chan retirement, cfg.RegionBlocks),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	j.spaceFreed = sync.NewCond(&j.lock)

	if err := j.replay(); err != core.NoError {
		return nil, err
	}

	infoBuf, err := device.NewBuffer(j.dev, 1, cfg.BlockSize, cfg.Label+"-info")
	if err != core.NoError {
		return nil, err
	}
	j.infoBuf = infoBuf

	metricLiveBlocks.WithLabelValues(cfg.Label).Set(0)
	metricSequence.WithLabelValues(cfg.Label).Set(float64(j.seq))
	go j.retireLoop()

	log.Infof("journal %q open: start %d, next sequence %d", cfg.Label, j.start, j.seq)
	return j, core.NoError
}

// entryBlocks returns the entry area capacity.
func (j *Journal) entryBlocks() uint64 {
	return j.cfg.RegionBlocks - 1
}

// absBlock maps an entry-area index to an absolute device block.
func (j *Journal) absBlock(idx uint64) uint64 {
	return j.cfg.RegionStart + 1 + idx
}

// Capacity returns the entry area size in blocks.
func (j *Journal) Capacity() uint64 {
	return j.entryBlocks()
}

// LiveBlocks returns how many entry area blocks hold live entries.
func (j *Journal) LiveBlocks() uint64 {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.length
}

// Sequence returns the sequence number the next entry will carry.
func (j *Journal) Sequence() uint64 {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.seq
}

// IsFailed reports whether the journal has seen a failure it cannot recover
// from. A failed journal rejects new metadata; replay at next mount is the
// recovery path.
func (j *Journal) IsFailed() bool {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.failed
}

// NewWork returns an empty work unit matched to the underlying queue.
func (j *Journal) NewWork() *writeback.Work {
	return j.queue.NewWork()
}

// EnqueueData hands bulk data work straight to the writeback queue, no
// journal envelope. Content written this way must be verifiable or
// recomputable by the caller after a crash; the journal only guarantees
// ordering relative to entries enqueued around it.
func (j *Journal) EnqueueData(w *writeback.Work) core.Error {
	op := opm.Start("enqueue_data")
	err := j.queue.Enqueue(w)
	op.EndWithError(&err)
	return err
}

// Sync enqueues a barrier behind everything already queued and returns a
// promise that resolves once the device has acknowledged the flush. This is
// the fsync building block for the layer above.
func (j *Journal) Sync() (*writeback.Promise, core.Error) {
	op := opm.Start("sync")
	var err core.Error
	defer op.EndWithError(&err)

	w := j.queue.NewWork()
	w.EnqueueFlush()
	p := writeback.NewPromise()
	w.SetSyncCallback(func(status core.Error) {
		p.Resolve(status)
	})
	if err = j.queue.Enqueue(w); err != core.NoError {
		return nil, err
	}
	return p, core.NoError
}

// WriteMetadata wraps w's writes in a journal entry and schedules both
// stages: the entry into the journal region, then w itself to the final
// locations, strictly after the entry's commit is durable. The returned
// promise resolves when the payload is stable at its final location, which
// is also when the caller may consider the operation durable.
//
// Any ready callback on w is moved to the entry stage, so a caller can gate
// the whole pipeline on, say, a data flush promise. Blocks until the entry
// area has room, which is the journal's backpressure point. Trim and flush
// requests on w are not journaled; they ride along in the second stage.
func (j *Journal) WriteMetadata(w *writeback.Work) (*writeback.Promise, core.Error) {
	op := opm.Start("write_metadata")
	var err core.Error
	defer op.EndWithError(&err)

	payload := w.BlockCount()
	if payload == 0 {
		// Nothing needs the redo envelope; pass the work straight through.
		p := writeback.NewPromise()
		w.ChainSyncCallback(func(status core.Error) {
			p.Resolve(status)
		})
		if err = j.queue.Enqueue(w); err != core.NoError {
			return nil, err
		}
		return p, core.NoError
	}
	if w.IsBuffered() {
		log.Fatalf("WriteMetadata on a transaction already bound to a ring")
	}

	// Snapshot the payload before anything rewrites the transaction: one
	// target per payload block, in request order.
	var writes []writeback.WriteRequest
	var targets []uint64
	for _, r := range w.Requests() {
		if r.Op != device.OpWrite {
			continue
		}
		writes = append(writes, r)
		for k := uint64(0); k < r.Blocks; k++ {
			targets = append(targets, r.DevBlock+k)
		}
	}
	if uint64(len(targets)) > maxTargets(j.cfg.BlockSize) {
		err = core.ErrTooBig
		return nil, err
	}
	entryBlocks := payload + 2

	j.lock.Lock()
	if entryBlocks > j.entryBlocks() {
		j.lock.Unlock()
		err = core.ErrTooBig
		return nil, err
	}
	for j.length+entryBlocks > j.entryBlocks() && !j.failed && !j.closed {
		j.spaceFreed.Wait()
	}
	if j.closed {
		j.lock.Unlock()
		err = core.ErrCanceled
		return nil, err
	}
	if j.failed {
		j.lock.Unlock()
		err = core.ErrReadOnly
		return nil, err
	}

	writePos := (j.start + j.length) % j.entryBlocks()
	seq := j.seq
	j.seq++
	j.length += entryBlocks
	metricLiveBlocks.WithLabelValues(j.cfg.Label).Set(float64(j.length))
	metricSequence.WithLabelValues(j.cfg.Label).Set(float64(j.seq))

	// Serialize the envelope around the snapshot.
	headerSrc := writeback.NewMemSource(1, j.cfg.BlockSize)
	encodeHeader(headerSrc.Bytes(), seq, targets)
	csum := crc32.Update(0, crc32Table, headerSrc.Bytes())
	for _, r := range writes {
		csum = crc32.Update(csum, crc32Table, r.Src.Data(r.BufBlock, r.Blocks))
	}
	commitSrc := writeback.NewMemSource(1, j.cfg.BlockSize)
	encodeCommit(commitSrc.Bytes(), seq, csum)

	// First stage: [header | payload | commit] laid out circularly in the
	// entry area, then a barrier making the whole entry durable.
	entry := j.queue.NewWork()
	entry.Enqueue(headerSrc, 0, j.absBlock(writePos), 1)
	pos := uint64(1)
	for _, r := range writes {
		consumed := uint64(0)
		for consumed < r.Blocks {
			idx := (writePos + pos) % j.entryBlocks()
			run := r.Blocks - consumed
			if idx+run > j.entryBlocks() {
				// The entry wraps; split it at the area's edge.
				run = j.entryBlocks() - idx
			}
			entry.Enqueue(r.Src, r.BufBlock+consumed, j.absBlock(idx), run)
			consumed += run
			pos += run
		}
	}
	entry.Enqueue(commitSrc, 0, j.absBlock((writePos+pos)%j.entryBlocks()), 1)
	entry.EnqueueFlush()
	entry.Own(headerSrc)
	entry.Own(commitSrc)
	if ready := w.TakeReadyCallback(); ready != nil {
		entry.SetReadyCallback(ready)
	}

	// Second stage: the caller's transaction with its own trailing barrier,
	// so retirement means the payload is stable at its final location.
	w.EnqueueFlush()
	p := writeback.NewPromise()
	enqueued := false
	w.ChainSyncCallback(func(status core.Error) {
		if enqueued {
			j.retireCh <- retirement{blocks: entryBlocks, seq: seq, status: status}
		}
		p.Resolve(status)
	})

	// Both stages go in under the journal lock: region allocation order and
	// queue order must agree or retirement would free the wrong blocks.
	if err = j.queue.Enqueue(entry); err != core.NoError {
		// Nothing of the entry is in flight; roll the allocation back.
		j.seq = seq
		j.length -= entryBlocks
		metricLiveBlocks.WithLabelValues(j.cfg.Label).Set(float64(j.length))
		metricSequence.WithLabelValues(j.cfg.Label).Set(float64(j.seq))
		j.lock.Unlock()
		return nil, err
	}
	enqueued = true
	if err = j.queue.Enqueue(w); err != core.NoError {
		// The entry is already with the queue, so its allocation stands and
		// nothing will ever retire it. The journal can't make progress past
		// a committed entry whose apply stage was never issued; fail it and
		// resolve the caller here.
		enqueued = false
		j.failed = true
		j.spaceFreed.Broadcast()
		j.lock.Unlock()
		w.Reset(err)
		return nil, err
	}
	j.lock.Unlock()
	return p, core.NoError
}

// retireLoop runs retirements in arrival order, which the queue's FIFO makes
// the same as allocation order. Runs until Close.
func (j *Journal) retireLoop() {
	defer close(j.done)
	for {
		select {
		case r := <-j.retireCh:
			rs := []retirement{r}
			for more := true; more; {
				select {
				case r2 := <-j.retireCh:
					rs = append(rs, r2)
				default:
					more = false
				}
			}
			j.processRetirements(rs)
		case <-j.quit:
			for {
				select {
				case r := <-j.retireCh:
					j.processRetirements([]retirement{r})
				default:
					return
				}
			}
		}
	}
}

// processRetirements checkpoints the info block past a batch of retired
// entries and then releases their region space. The order matters: replay
// must never be pointed at blocks that have been handed out again.
func (j *Journal) processRetirements(rs []retirement) {
	freed := uint64(0)
	nextSeq := uint64(0)
	failed := false
	for _, r := range rs {
		if r.status != core.NoError {
			log.Errorf("journal %q: entry %d failed writeback: %s", j.cfg.Label, r.seq, r.status)
			failed = true
			break
		}
		freed += r.blocks
		nextSeq = r.seq + 1
	}

	if freed > 0 {
		j.lock.Lock()
		newStart := (j.start + freed) % j.entryBlocks()
		j.lock.Unlock()

		encodeInfo(j.infoBuf.Data(0, 1), infoBlock{
			StartBlock: newStart,
			NumBlocks:  j.entryBlocks(),
			Timestamp:  nextSeq,
		})
		ratio := j.infoBuf.DeviceRatio()
		err := j.dev.Submit([]device.Request{
			{Op: device.OpWrite, Handle: j.infoBuf.Handle(), Buffer: 0, Device: j.cfg.RegionStart * ratio, Blocks: ratio},
			{Op: device.OpFlush},
		})

		j.lock.Lock()
		if err != core.NoError {
			log.Errorf("journal %q: info checkpoint failed: %s", j.cfg.Label, err)
			j.failed = true
		} else {
			j.start = newStart
			j.length -= freed
			metricLiveBlocks.WithLabelValues(j.cfg.Label).Set(float64(j.length))
		}
		j.spaceFreed.Broadcast()
		j.lock.Unlock()
	}

	if failed {
		j.lock.Lock()
		j.failed = true
		j.spaceFreed.Broadcast()
		j.lock.Unlock()
	}
}

// Close waits for live entries to retire, then stops the journal. Producers
// must have stopped calling WriteMetadata/EnqueueData first. The underlying
// queue stays open; closing it is the owner's job, after this returns.
// Returns ErrReadOnly if the journal saw a device failure at any point.
func (j *Journal) Close() core.Error {
	j.lock.Lock()
	if j.closed {
		j.lock.Unlock()
		return core.ErrInvalidArgument
	}
	for j.length > 0 && !j.failed {
		j.spaceFreed.Wait()
	}
	j.closed = true
	failed := j.failed
	j.spaceFreed.Broadcast()
	j.lock.Unlock()

	close(j.quit)
	<-j.done
	j.infoBuf.Release()
	if failed {
		return core.ErrReadOnly
	}
	return core.NoError
}
