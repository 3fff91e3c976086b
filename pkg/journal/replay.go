// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package journal

import (
	"hash/crc32"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/wback/internal/core"
	"github.com/westerndigitalcorporation/wback/pkg/device"
)

// readRegion reads the whole journal region into a freshly allocated scratch
// buffer and validates the info block against the configured geometry. The
// caller owns the returned buffer and must Release it. Runs outside the
// queue, so it talks to the device directly.
func readRegion(dev device.Device, cfg Config) (*device.Buffer, infoBlock, core.Error) {
	area := cfg.RegionBlocks - 1
	scratch, err := device.NewBuffer(dev, cfg.RegionBlocks, cfg.BlockSize, cfg.Label+"-scan")
	if err != core.NoError {
		return nil, infoBlock{}, err
	}

	ratio := scratch.DeviceRatio()
	err = dev.Submit([]device.Request{
		{Op: device.OpRead, Handle: scratch.Handle(), Buffer: 0, Device: cfg.RegionStart * ratio, Blocks: cfg.RegionBlocks * ratio},
	})
	if err != core.NoError {
		log.Errorf("journal %q: failed to read region at block %d: %s", cfg.Label, cfg.RegionStart, err)
		scratch.Release()
		return nil, infoBlock{}, err
	}

	info, ok := decodeInfo(scratch.Data(0, 1))
	if !ok {
		log.Errorf("journal %q: info block is corrupt", cfg.Label)
		scratch.Release()
		return nil, infoBlock{}, core.ErrCorruptData
	}
	if info.NumBlocks != area || info.StartBlock >= area {
		log.Errorf("journal %q: info names {start %d, blocks %d} but the region has %d entry blocks",
			cfg.Label, info.StartBlock, info.NumBlocks, area)
		scratch.Release()
		return nil, infoBlock{}, core.ErrCorruptData
	}
	return scratch, info, core.NoError
}

// walkCommitted iterates the committed entries in a scratch copy of the
// region, starting from the state the info block names. visit runs once per
// entry that passes header, sequence, and commit validation; a non-NoError
// result stops the walk and is returned. The walk otherwise ends at the
// first entry that fails a check: wrong header magic, a sequence gap, a
// commit that doesn't match. That's the normal end of the log, not an error,
// since a crash mid-entry leaves exactly such a tail. It returns the
// entry-area position past the last committed entry, the sequence number the
// next entry would carry, and the number of entries visited.
func walkCommitted(scratch *device.Buffer, info infoBlock, label string, visit func(pos, seq uint64, targets []uint64) core.Error) (uint64, uint64, int, core.Error) {
	area := info.NumBlocks

	// entry returns the scratch bytes of one entry-area block.
	entry := func(idx uint64) []byte {
		return scratch.Data(1+idx%area, 1)
	}

	pos := info.StartBlock
	expect := info.Timestamp
	found := 0
	walked := uint64(0)
	for walked < area {
		ts, targets, ok := decodeHeader(entry(pos))
		if !ok || ts != expect {
			break
		}
		nb := uint64(len(targets))
		if nb+2 > area-walked {
			// A real entry can't reach past the unexamined window; this
			// header is leftover garbage that happens to parse.
			break
		}
		csum := crc32.Update(0, crc32Table, entry(pos))
		for k := uint64(0); k < nb; k++ {
			csum = crc32.Update(csum, crc32Table, entry(pos+1+k))
		}
		cts, ccsum, ok := decodeCommit(entry(pos + 1 + nb))
		if !ok || cts != expect || ccsum != csum {
			log.Infof("journal %q: entry %d fails commit validation, ending walk", label, expect)
			break
		}

		if err := visit(pos, expect, targets); err != core.NoError {
			return pos, expect, found, err
		}
		pos = (pos + nb + 2) % area
		expect++
		walked += nb + 2
		found++
	}
	return pos, expect, found, core.NoError
}

// replay walks the entry area from the position the info block names,
// applying each committed entry to its final location. A crash mid-entry
// leaves an invalid tail; the walk simply stops there. Only an unreadable
// region or a corrupt info block fail the open.
//
// Runs before the journal accepts work, so it reads and writes the device
// directly instead of going through the queue.
func (j *Journal) replay() core.Error {
	op := opm.Start("replay")
	var err core.Error
	defer op.EndWithError(&err)

	area := j.entryBlocks()
	scratch, info, err := readRegion(j.dev, j.cfg)
	if err != core.NoError {
		return err
	}
	defer scratch.Release()

	pos, expect, applied, err := walkCommitted(scratch, info, j.cfg.Label,
		func(pos, seq uint64, targets []uint64) core.Error {
			return j.applyEntry(scratch, pos, targets)
		})
	if err != core.NoError {
		return err
	}

	if applied > 0 {
		// The payloads must be durable before the info block moves past
		// them, or a second crash could skip entries it still needs.
		if err = j.dev.Submit([]device.Request{{Op: device.OpFlush}}); err != core.NoError {
			log.Errorf("journal %q: flush after replay failed: %s", j.cfg.Label, err)
			return err
		}
		ratio := scratch.DeviceRatio()
		encodeInfo(scratch.Data(0, 1), infoBlock{StartBlock: pos, NumBlocks: area, Timestamp: expect})
		err = j.dev.Submit([]device.Request{
			{Op: device.OpWrite, Handle: scratch.Handle(), Buffer: 0, Device: j.cfg.RegionStart * ratio, Blocks: ratio},
			{Op: device.OpFlush},
		})
		if err != core.NoError {
			log.Errorf("journal %q: info rewrite after replay failed: %s", j.cfg.Label, err)
			return err
		}
		log.Infof("journal %q: replayed %d entries, next sequence %d", j.cfg.Label, applied, expect)
	} else {
		log.V(2).Infof("journal %q: nothing to replay", j.cfg.Label)
	}

	j.start = pos
	j.length = 0
	j.seq = expect
	return core.NoError
}

// applyEntry writes one committed entry's payload blocks to their final
// locations, coalescing runs that are contiguous both in the entry area and
// on the device.
func (j *Journal) applyEntry(scratch *device.Buffer, pos uint64, targets []uint64) core.Error {
	area := j.entryBlocks()
	ratio := scratch.DeviceRatio()
	var reqs []device.Request
	for k, tgt := range targets {
		idx := (pos + 1 + uint64(k)) % area
		r := device.Request{
			Op:     device.OpWrite,
			Handle: scratch.Handle(),
			Buffer: (1 + idx) * ratio,
			Device: tgt * ratio,
			Blocks: ratio,
		}
		if n := len(reqs); n > 0 {
			last := &reqs[n-1]
			if last.Buffer+last.Blocks == r.Buffer && last.Device+last.Blocks == r.Device {
				last.Blocks += r.Blocks
				continue
			}
		}
		reqs = append(reqs, r)
	}
	if err := j.dev.Submit(reqs); err != core.NoError {
		log.Errorf("journal %q: failed to apply entry at %d: %s", j.cfg.Label, pos, err)
		return err
	}
	return core.NoError
}
