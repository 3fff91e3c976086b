// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package journal

import (
	"bytes"
	"hash/crc32"
	"sync/atomic"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/wback/internal/core"
	"github.com/westerndigitalcorporation/wback/pkg/device"
	"github.com/westerndigitalcorporation/wback/pkg/writeback"
)

const testBlockSize = 512

func testConfig(regionBlocks uint64, label string) Config {
	return Config{RegionStart: 1, RegionBlocks: regionBlocks, BlockSize: testBlockSize, Label: label}
}

// newTestJournal formats a region on a fresh MemDevice and opens a journal
// over a queue of queueBlocks ring blocks.
func newTestJournal(t *testing.T, regionBlocks, queueBlocks uint64) (*Journal, *writeback.Queue, *device.MemDevice) {
	t.Helper()
	dev := device.NewMemDevice(4096, testBlockSize)
	cfg := testConfig(regionBlocks, t.Name())
	if err := Format(dev, cfg); err != core.NoError {
		t.Fatalf("Format: %s", err)
	}
	q, err := writeback.NewQueue(dev, writeback.Config{Blocks: queueBlocks, BlockSize: testBlockSize, Label: t.Name()})
	if err != core.NoError {
		t.Fatalf("NewQueue: %s", err)
	}
	j, err := Open(q, cfg)
	if err != core.NoError {
		t.Fatalf("Open: %s", err)
	}
	return j, q, dev
}

// pattern returns the recognizable per-block fill used throughout: every
// byte of block i is seed+i.
func pattern(seed byte, blocks uint64) []byte {
	b := make([]byte, blocks*testBlockSize)
	for i := range b {
		b[i] = seed + byte(uint64(i)/uint64(testBlockSize))
	}
	return b
}

func fillSource(src *writeback.MemSource, seed byte) {
	copy(src.Bytes(), pattern(seed, src.Blocks()))
}

// readBack reads count filesystem blocks at absBlock through a scratch
// buffer.
func readBack(t *testing.T, dev device.Device, absBlock, count uint64) []byte {
	t.Helper()
	buf, err := device.NewBuffer(dev, count, testBlockSize, "readback")
	if err != core.NoError {
		t.Fatalf("NewBuffer: %s", err)
	}
	defer buf.Release()
	ratio := buf.DeviceRatio()
	err = dev.Submit([]device.Request{
		{Op: device.OpRead, Handle: buf.Handle(), Buffer: 0, Device: absBlock * ratio, Blocks: count * ratio},
	})
	if err != core.NoError {
		t.Fatalf("read back %d blocks at %d: %s", count, absBlock, err)
	}
	out := make([]byte, count*uint64(testBlockSize))
	copy(out, buf.Data(0, count))
	return out
}

func readInfo(t *testing.T, dev device.Device, cfg Config) infoBlock {
	t.Helper()
	info, ok := decodeInfo(readBack(t, dev, cfg.RegionStart, 1))
	if !ok {
		t.Fatalf("on-disk info block does not decode")
	}
	return info
}

// writeInfo overwrites the on-disk info block, bypassing the journal.
func writeInfo(t *testing.T, dev device.Device, cfg Config, info infoBlock) {
	t.Helper()
	buf, err := device.NewBuffer(dev, 1, testBlockSize, "info")
	if err != core.NoError {
		t.Fatalf("NewBuffer: %s", err)
	}
	defer buf.Release()
	encodeInfo(buf.Data(0, 1), info)
	err = dev.Submit([]device.Request{
		{Op: device.OpWrite, Handle: buf.Handle(), Buffer: 0, Device: cfg.RegionStart, Blocks: 1},
	})
	if err != core.NoError {
		t.Fatalf("write info: %s", err)
	}
}

// writeEntry lays a committed entry into the region by hand, the way a
// writer that crashed right after its commit flush would have left it.
// Payload block i carries pattern(seed)[i]. Returns the next area position
// and sequence.
func writeEntry(t *testing.T, dev device.Device, cfg Config, pos, seq uint64, targets []uint64, seed byte) (uint64, uint64) {
	t.Helper()
	area := cfg.RegionBlocks - 1
	nb := uint64(len(targets))
	buf, err := device.NewBuffer(dev, nb+2, testBlockSize, "entry")
	if err != core.NoError {
		t.Fatalf("NewBuffer: %s", err)
	}
	defer buf.Release()

	encodeHeader(buf.Data(0, 1), seq, targets)
	copy(buf.Data(1, nb), pattern(seed, nb))
	csum := crc32.Update(0, crc32Table, buf.Data(0, 1))
	csum = crc32.Update(csum, crc32Table, buf.Data(1, nb))
	encodeCommit(buf.Data(nb+1, 1), seq, csum)

	for k := uint64(0); k < nb+2; k++ {
		idx := (pos + k) % area
		err = dev.Submit([]device.Request{
			{Op: device.OpWrite, Handle: buf.Handle(), Buffer: k, Device: cfg.RegionStart + 1 + idx, Blocks: 1},
		})
		if err != core.NoError {
			t.Fatalf("write entry block %d: %s", k, err)
		}
	}
	return (pos + nb + 2) % area, seq + 1
}

// corruptBlock flips one byte of the named block in place.
func corruptBlock(t *testing.T, dev device.Device, absBlock uint64, offset int) {
	t.Helper()
	buf, err := device.NewBuffer(dev, 1, testBlockSize, "corrupt")
	if err != core.NoError {
		t.Fatalf("NewBuffer: %s", err)
	}
	defer buf.Release()
	if err = dev.Submit([]device.Request{{Op: device.OpRead, Handle: buf.Handle(), Buffer: 0, Device: absBlock, Blocks: 1}}); err != core.NoError {
		t.Fatalf("read for corruption: %s", err)
	}
	buf.Data(0, 1)[offset] ^= 0xff
	if err = dev.Submit([]device.Request{{Op: device.OpWrite, Handle: buf.Handle(), Buffer: 0, Device: absBlock, Blocks: 1}}); err != core.NoError {
		t.Fatalf("write corruption: %s", err)
	}
}

// metadataWork builds an unbuffered work carrying count blocks destined for
// dst.
func metadataWork(j *Journal, dst, count uint64, seed byte) (*writeback.Work, *writeback.MemSource) {
	src := writeback.NewMemSource(count, testBlockSize)
	fillSource(src, seed)
	w := j.NewWork()
	w.Enqueue(src, 0, dst, count)
	return w, src
}

// await fails the test if p does not resolve within the deadline.
func await(t *testing.T, what string, p *writeback.Promise) core.Error {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	return p.Err()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJournalOpenEmpty(t *testing.T) {
	j, q, _ := newTestJournal(t, 64, 16)
	if got := j.Capacity(); got != 63 {
		t.Errorf("Capacity() = %d, want 63", got)
	}
	if got := j.Sequence(); got != 1 {
		t.Errorf("Sequence() = %d, want 1", got)
	}
	if got := j.LiveBlocks(); got != 0 {
		t.Errorf("LiveBlocks() = %d, want 0", got)
	}
	if err := j.Close(); err != core.NoError {
		t.Errorf("Close: %s", err)
	}
	if err := j.Close(); err != core.ErrInvalidArgument {
		t.Errorf("second Close = %s, want ErrInvalidArgument", err)
	}
	if err := q.Close(); err != core.NoError {
		t.Errorf("queue Close: %s", err)
	}
}

func TestJournalWriteMetadataDurable(t *testing.T) {
	j, q, dev := newTestJournal(t, 64, 16)
	cfg := testConfig(64, t.Name())

	w, src := metadataWork(j, 200, 2, 9)
	p, err := j.WriteMetadata(w)
	if err != core.NoError {
		t.Fatalf("WriteMetadata: %s", err)
	}
	if st := await(t, "metadata write", p); st != core.NoError {
		t.Fatalf("metadata write resolved %s", st)
	}
	if got := readBack(t, dev, 200, 2); !bytes.Equal(got, src.Bytes()) {
		t.Errorf("payload not at its final location")
	}

	// The entry is persisted in the region: header at area index 0 names
	// the two targets.
	ts, targets, ok := decodeHeader(readBack(t, dev, cfg.RegionStart+1, 1))
	if !ok || ts != 1 {
		t.Fatalf("journal header missing (ok=%v ts=%d)", ok, ts)
	}
	if len(targets) != 2 || targets[0] != 200 || targets[1] != 201 {
		t.Errorf("header targets = %v, want [200 201]", targets)
	}

	// Retirement checkpoints the info block past the 4-block entry.
	waitFor(t, "checkpoint", func() bool { return j.LiveBlocks() == 0 })
	info := readInfo(t, dev, cfg)
	if info.StartBlock != 4 || info.Timestamp != 2 {
		t.Errorf("info = %+v, want start 4 sequence 2", info)
	}
	if got := j.Sequence(); got != 2 {
		t.Errorf("Sequence() = %d, want 2", got)
	}

	if err := j.Close(); err != core.NoError {
		t.Errorf("Close: %s", err)
	}
	if err := q.Close(); err != core.NoError {
		t.Errorf("queue Close: %s", err)
	}
}

func TestJournalWriteMetadataInheritsReadyGate(t *testing.T) {
	j, q, dev := newTestJournal(t, 64, 16)

	w, src := metadataWork(j, 300, 1, 4)
	var ready int32
	w.SetReadyCallback(func() bool { return atomic.LoadInt32(&ready) != 0 })
	p, err := j.WriteMetadata(w)
	if err != core.NoError {
		t.Fatalf("WriteMetadata: %s", err)
	}

	// The gate moved to the entry stage, so nothing may land anywhere.
	time.Sleep(50 * time.Millisecond)
	if p.Resolved() {
		t.Fatalf("metadata completed before its gate opened")
	}
	if got := readBack(t, dev, 300, 1); bytes.Equal(got, src.Bytes()) {
		t.Fatalf("payload landed before the gate opened")
	}

	atomic.StoreInt32(&ready, 1)
	q.Kick()
	if st := await(t, "gated metadata", p); st != core.NoError {
		t.Fatalf("gated metadata resolved %s", st)
	}
	if got := readBack(t, dev, 300, 1); !bytes.Equal(got, src.Bytes()) {
		t.Errorf("payload not at its final location after the gate opened")
	}

	if err := j.Close(); err != core.NoError {
		t.Errorf("Close: %s", err)
	}
	if err := q.Close(); err != core.NoError {
		t.Errorf("queue Close: %s", err)
	}
}

func TestJournalRegionBackpressure(t *testing.T) {
	// Area of 7 blocks. The first entry takes 3 and is held live by its
	// gate; the second needs 5 and must wait for the first to retire.
	j, q, dev := newTestJournal(t, 8, 16)
	cfg := testConfig(8, t.Name())

	var ready int32
	w1, src1 := metadataWork(j, 400, 1, 11)
	w1.SetReadyCallback(func() bool { return atomic.LoadInt32(&ready) != 0 })
	p1, err := j.WriteMetadata(w1)
	if err != core.NoError {
		t.Fatalf("first WriteMetadata: %s", err)
	}
	if got := j.LiveBlocks(); got != 3 {
		t.Fatalf("LiveBlocks() = %d after first entry, want 3", got)
	}

	w2, src2 := metadataWork(j, 500, 3, 12)
	enq := make(chan core.Error, 1)
	var p2 *writeback.Promise
	go func() {
		var perr core.Error
		p2, perr = j.WriteMetadata(w2)
		enq <- perr
	}()
	select {
	case e := <-enq:
		t.Fatalf("second entry admitted with the region full: %s", e)
	case <-time.After(100 * time.Millisecond):
	}

	atomic.StoreInt32(&ready, 1)
	q.Kick()
	if e := <-enq; e != core.NoError {
		t.Fatalf("second WriteMetadata: %s", e)
	}
	if st := await(t, "first entry", p1); st != core.NoError {
		t.Fatalf("first entry resolved %s", st)
	}
	if st := await(t, "second entry", p2); st != core.NoError {
		t.Fatalf("second entry resolved %s", st)
	}
	waitFor(t, "region drain", func() bool { return j.LiveBlocks() == 0 })

	if got := readBack(t, dev, 400, 1); !bytes.Equal(got, src1.Bytes()) {
		t.Errorf("first payload not at its final location")
	}
	if got := readBack(t, dev, 500, 3); !bytes.Equal(got, src2.Bytes()) {
		t.Errorf("second payload not at its final location")
	}

	// 3 + 5 blocks retired through a 7-block area: the second entry
	// wrapped and the checkpoint followed it around.
	info := readInfo(t, dev, cfg)
	if info.StartBlock != 1 || info.Timestamp != 3 {
		t.Errorf("info = %+v, want start 1 sequence 3", info)
	}

	if err := j.Close(); err != core.NoError {
		t.Errorf("Close: %s", err)
	}
	if err := q.Close(); err != core.NoError {
		t.Errorf("queue Close: %s", err)
	}
}

func TestJournalWriteMetadataTooBig(t *testing.T) {
	j, q, _ := newTestJournal(t, 8, 64)

	// 6 payload blocks need an 8-block entry; the area holds 7.
	w, _ := metadataWork(j, 600, 6, 1)
	p, err := j.WriteMetadata(w)
	if err != core.ErrTooBig || p != nil {
		t.Fatalf("WriteMetadata = (%v, %s), want (nil, ErrTooBig)", p, err)
	}
	if j.Sequence() != 1 || j.LiveBlocks() != 0 {
		t.Errorf("rejected entry leaked state: seq %d live %d", j.Sequence(), j.LiveBlocks())
	}

	if err := j.Close(); err != core.NoError {
		t.Errorf("Close: %s", err)
	}
	if err := q.Close(); err != core.NoError {
		t.Errorf("queue Close: %s", err)
	}
}

func TestJournalWriteMetadataTooManyTargets(t *testing.T) {
	// 512-byte blocks index at most 60 targets per header; the region is
	// big enough that only the target limit can reject this.
	j, q, _ := newTestJournal(t, 128, 16)

	w, _ := metadataWork(j, 600, 61, 1)
	if p, err := j.WriteMetadata(w); err != core.ErrTooBig || p != nil {
		t.Fatalf("WriteMetadata = (%v, %s), want (nil, ErrTooBig)", p, err)
	}
	if j.Sequence() != 1 || j.LiveBlocks() != 0 {
		t.Errorf("rejected entry leaked state: seq %d live %d", j.Sequence(), j.LiveBlocks())
	}

	if err := j.Close(); err != core.NoError {
		t.Errorf("Close: %s", err)
	}
	if err := q.Close(); err != core.NoError {
		t.Errorf("queue Close: %s", err)
	}
}

func TestJournalZeroPayloadPassthrough(t *testing.T) {
	j, q, dev := newTestJournal(t, 64, 16)

	w := j.NewWork()
	w.EnqueueFlush()
	p, err := j.WriteMetadata(w)
	if err != core.NoError {
		t.Fatalf("WriteMetadata: %s", err)
	}
	if st := await(t, "flush-only work", p); st != core.NoError {
		t.Fatalf("flush-only work resolved %s", st)
	}
	if dev.Flushes() == 0 {
		t.Errorf("no flush reached the device")
	}
	if j.Sequence() != 1 || j.LiveBlocks() != 0 {
		t.Errorf("flush-only work consumed journal state: seq %d live %d", j.Sequence(), j.LiveBlocks())
	}

	if err := j.Close(); err != core.NoError {
		t.Errorf("Close: %s", err)
	}
	if err := q.Close(); err != core.NoError {
		t.Errorf("queue Close: %s", err)
	}
}

func TestJournalSyncBarrier(t *testing.T) {
	j, q, dev := newTestJournal(t, 64, 16)

	src := writeback.NewMemSource(2, testBlockSize)
	fillSource(src, 21)
	w := j.NewWork()
	w.Enqueue(src, 0, 700, 2)
	if err := j.EnqueueData(w); err != core.NoError {
		t.Fatalf("EnqueueData: %s", err)
	}
	p, err := j.Sync()
	if err != core.NoError {
		t.Fatalf("Sync: %s", err)
	}
	if st := await(t, "sync", p); st != core.NoError {
		t.Fatalf("sync resolved %s", st)
	}
	if got := readBack(t, dev, 700, 2); !bytes.Equal(got, src.Bytes()) {
		t.Errorf("data enqueued before the barrier is not durable")
	}
	if dev.Flushes() == 0 {
		t.Errorf("sync issued no flush")
	}

	if err := j.Close(); err != core.NoError {
		t.Errorf("Close: %s", err)
	}
	if err := q.Close(); err != core.NoError {
		t.Errorf("queue Close: %s", err)
	}
}

func TestJournalReplayTruncation(t *testing.T) {
	dev := device.NewMemDevice(4096, testBlockSize)
	cfg := testConfig(64, t.Name())
	if err := Format(dev, cfg); err != core.NoError {
		t.Fatalf("Format: %s", err)
	}

	pos, seq := uint64(0), uint64(1)
	pos, seq = writeEntry(t, dev, cfg, pos, seq, []uint64{800, 801}, 31)
	pos, seq = writeEntry(t, dev, cfg, pos, seq, []uint64{810}, 32)
	pos, seq = writeEntry(t, dev, cfg, pos, seq, []uint64{820, 821, 822}, 33)
	endPos := pos
	writeEntry(t, dev, cfg, pos, seq, []uint64{830}, 34)
	// Tear the fourth entry: flip a byte of its commit checksum.
	corruptBlock(t, dev, cfg.RegionStart+1+endPos+2, 16)

	q, err := writeback.NewQueue(dev, writeback.Config{Blocks: 16, BlockSize: testBlockSize, Label: t.Name()})
	if err != core.NoError {
		t.Fatalf("NewQueue: %s", err)
	}
	j, err := Open(q, cfg)
	if err != core.NoError {
		t.Fatalf("Open: %s", err)
	}

	// Exactly the first three entries are applied.
	if got := readBack(t, dev, 800, 2); !bytes.Equal(got, pattern(31, 2)) {
		t.Errorf("entry 1 not replayed")
	}
	if got := readBack(t, dev, 810, 1); !bytes.Equal(got, pattern(32, 1)) {
		t.Errorf("entry 2 not replayed")
	}
	if got := readBack(t, dev, 820, 3); !bytes.Equal(got, pattern(33, 3)) {
		t.Errorf("entry 3 not replayed")
	}
	if got := readBack(t, dev, 830, 1); !bytes.Equal(got, make([]byte, testBlockSize)) {
		t.Errorf("torn entry 4 was applied")
	}
	if got := j.Sequence(); got != 4 {
		t.Errorf("Sequence() = %d, want 4", got)
	}
	info := readInfo(t, dev, cfg)
	if info.StartBlock != endPos || info.Timestamp != 4 {
		t.Errorf("info = %+v, want start %d sequence 4", info, endPos)
	}

	if err := j.Close(); err != core.NoError {
		t.Errorf("Close: %s", err)
	}
	if err := q.Close(); err != core.NoError {
		t.Errorf("queue Close: %s", err)
	}
}

func TestJournalReplayWrappedEntry(t *testing.T) {
	dev := device.NewMemDevice(4096, testBlockSize)
	cfg := testConfig(8, t.Name())
	if err := Format(dev, cfg); err != core.NoError {
		t.Fatalf("Format: %s", err)
	}

	// Entry at position 5 of a 7-block area: header 5, payload 6 and 0,
	// commit 1.
	writeInfo(t, dev, cfg, infoBlock{StartBlock: 5, NumBlocks: 7, Timestamp: 1})
	writeEntry(t, dev, cfg, 5, 1, []uint64{900, 901}, 41)

	q, err := writeback.NewQueue(dev, writeback.Config{Blocks: 16, BlockSize: testBlockSize, Label: t.Name()})
	if err != core.NoError {
		t.Fatalf("NewQueue: %s", err)
	}
	j, err := Open(q, cfg)
	if err != core.NoError {
		t.Fatalf("Open: %s", err)
	}

	if got := readBack(t, dev, 900, 2); !bytes.Equal(got, pattern(41, 2)) {
		t.Errorf("wrapped entry not replayed")
	}
	if got := j.Sequence(); got != 2 {
		t.Errorf("Sequence() = %d, want 2", got)
	}
	if info := readInfo(t, dev, cfg); info.StartBlock != 2 {
		t.Errorf("info start = %d, want 2", info.StartBlock)
	}

	if err := j.Close(); err != core.NoError {
		t.Errorf("Close: %s", err)
	}
	if err := q.Close(); err != core.NoError {
		t.Errorf("queue Close: %s", err)
	}
}

func TestJournalReplayStaleSequence(t *testing.T) {
	// An entry left over from a previous cycle of the area carries an old
	// sequence; replay must not resurrect it.
	dev := device.NewMemDevice(4096, testBlockSize)
	cfg := testConfig(64, t.Name())
	if err := Format(dev, cfg); err != core.NoError {
		t.Fatalf("Format: %s", err)
	}
	writeEntry(t, dev, cfg, 0, 7, []uint64{940}, 13)

	q, err := writeback.NewQueue(dev, writeback.Config{Blocks: 16, BlockSize: testBlockSize, Label: t.Name()})
	if err != core.NoError {
		t.Fatalf("NewQueue: %s", err)
	}
	j, err := Open(q, cfg)
	if err != core.NoError {
		t.Fatalf("Open: %s", err)
	}
	if got := readBack(t, dev, 940, 1); !bytes.Equal(got, make([]byte, testBlockSize)) {
		t.Errorf("stale entry was applied")
	}
	if got := j.Sequence(); got != 1 {
		t.Errorf("Sequence() = %d, want 1", got)
	}

	if err := j.Close(); err != core.NoError {
		t.Errorf("Close: %s", err)
	}
	if err := q.Close(); err != core.NoError {
		t.Errorf("queue Close: %s", err)
	}
}

func TestJournalOpenCorruptInfo(t *testing.T) {
	dev := device.NewMemDevice(4096, testBlockSize)
	cfg := testConfig(64, t.Name())
	if err := Format(dev, cfg); err != core.NoError {
		t.Fatalf("Format: %s", err)
	}
	corruptBlock(t, dev, cfg.RegionStart, 32)

	q, err := writeback.NewQueue(dev, writeback.Config{Blocks: 16, BlockSize: testBlockSize, Label: t.Name()})
	if err != core.NoError {
		t.Fatalf("NewQueue: %s", err)
	}
	if _, err := Open(q, cfg); err != core.ErrCorruptData {
		t.Fatalf("Open on corrupt info = %s, want ErrCorruptData", err)
	}
	if err := q.Close(); err != core.NoError {
		t.Errorf("queue Close: %s", err)
	}
}

func TestJournalOpenBadGeometry(t *testing.T) {
	// A well-formed info block naming a start outside the area means the
	// region doesn't belong to this configuration.
	dev := device.NewMemDevice(4096, testBlockSize)
	cfg := testConfig(64, t.Name())
	if err := Format(dev, cfg); err != core.NoError {
		t.Fatalf("Format: %s", err)
	}
	writeInfo(t, dev, cfg, infoBlock{StartBlock: 99, NumBlocks: 63, Timestamp: 1})

	q, err := writeback.NewQueue(dev, writeback.Config{Blocks: 16, BlockSize: testBlockSize, Label: t.Name()})
	if err != core.NoError {
		t.Fatalf("NewQueue: %s", err)
	}
	if _, err := Open(q, cfg); err != core.ErrCorruptData {
		t.Fatalf("Open with bad geometry = %s, want ErrCorruptData", err)
	}
	if err := q.Close(); err != core.NoError {
		t.Errorf("queue Close: %s", err)
	}
}

func TestJournalDeviceFailureGoesReadOnly(t *testing.T) {
	j, q, dev := newTestJournal(t, 64, 16)
	dev.FailAll(core.ErrIO)

	w, _ := metadataWork(j, 950, 1, 5)
	p, err := j.WriteMetadata(w)
	if err == core.NoError {
		if st := await(t, "doomed metadata", p); st == core.NoError {
			t.Fatalf("metadata reported durable on a dead device")
		}
	} else if err != core.ErrReadOnly && err != core.ErrCanceled {
		t.Fatalf("WriteMetadata on dead device: %s", err)
	}
	waitFor(t, "journal failure", j.IsFailed)

	if _, err := j.WriteMetadata(j.NewWork()); err == core.NoError {
		t.Errorf("failed journal accepted new metadata")
	}
	if err := j.Close(); err != core.ErrReadOnly {
		t.Errorf("Close = %s, want ErrReadOnly", err)
	}
	if err := q.Close(); err != core.ErrReadOnly {
		t.Errorf("queue Close = %s, want ErrReadOnly", err)
	}
}

func TestJournalCloseWaitsForRetirement(t *testing.T) {
	j, q, dev := newTestJournal(t, 64, 16)

	w, src := metadataWork(j, 960, 1, 6)
	p, err := j.WriteMetadata(w)
	if err != core.NoError {
		t.Fatalf("WriteMetadata: %s", err)
	}
	if err := j.Close(); err != core.NoError {
		t.Fatalf("Close: %s", err)
	}
	if st := await(t, "metadata", p); st != core.NoError {
		t.Errorf("metadata resolved %s", st)
	}
	if got := readBack(t, dev, 960, 1); !bytes.Equal(got, src.Bytes()) {
		t.Errorf("payload not durable after Close")
	}
	if got := j.LiveBlocks(); got != 0 {
		t.Errorf("LiveBlocks() = %d after Close, want 0", got)
	}
	if err := q.Close(); err != core.NoError {
		t.Errorf("queue Close: %s", err)
	}
}

func TestJournalInspect(t *testing.T) {
	dev := device.NewMemDevice(4096, testBlockSize)
	cfg := testConfig(16, t.Name())
	if err := Format(dev, cfg); err != core.NoError {
		t.Fatalf("Format: %s", err)
	}
	pos, seq := writeEntry(t, dev, cfg, 0, 1, []uint64{700, 701}, 41)
	writeEntry(t, dev, cfg, pos, seq, []uint64{710}, 42)

	ri, err := Inspect(dev, cfg)
	if err != core.NoError {
		t.Fatalf("Inspect: %s", err)
	}
	if ri.StartBlock != 0 || ri.EntryBlocks != 15 || ri.Sequence != 1 {
		t.Fatalf("region = {start %d, area %d, seq %d}, want {0, 15, 1}",
			ri.StartBlock, ri.EntryBlocks, ri.Sequence)
	}
	if len(ri.Entries) != 2 {
		t.Fatalf("found %d entries, want 2", len(ri.Entries))
	}
	e := ri.Entries[0]
	if e.Sequence != 1 || e.Position != 0 || len(e.Targets) != 2 || e.Targets[0] != 700 || e.Targets[1] != 701 {
		t.Errorf("entry 0 = %+v", e)
	}
	e = ri.Entries[1]
	if e.Sequence != 2 || e.Position != 4 || len(e.Targets) != 1 || e.Targets[0] != 710 {
		t.Errorf("entry 1 = %+v", e)
	}

	// Inspect is read only: nothing may have been applied.
	if got := readBack(t, dev, 700, 1); !bytes.Equal(got, make([]byte, testBlockSize)) {
		t.Errorf("Inspect applied entry payload")
	}

	// After a real replay the walk finds an empty log at the new start.
	q, qerr := writeback.NewQueue(dev, writeback.Config{Blocks: 16, BlockSize: testBlockSize, Label: t.Name()})
	if qerr != core.NoError {
		t.Fatalf("NewQueue: %s", qerr)
	}
	j, jerr := Open(q, cfg)
	if jerr != core.NoError {
		t.Fatalf("Open: %s", jerr)
	}
	j.Close()
	q.Close()

	ri, err = Inspect(dev, cfg)
	if err != core.NoError {
		t.Fatalf("Inspect after replay: %s", err)
	}
	if ri.StartBlock != 7 || ri.Sequence != 3 || len(ri.Entries) != 0 {
		t.Errorf("post-replay region = {start %d, seq %d, %d entries}, want {7, 3, 0}",
			ri.StartBlock, ri.Sequence, len(ri.Entries))
	}

	corruptBlock(t, dev, cfg.RegionStart, 8)
	if _, err := Inspect(dev, cfg); err != core.ErrCorruptData {
		t.Errorf("Inspect of corrupt info = %s, want ErrCorruptData", err)
	}
}
