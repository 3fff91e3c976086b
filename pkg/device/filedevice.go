// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package device

import (
	"os"
	"sync"

	log "github.com/golang/glog"
	"github.com/ncw/directio"

	"github.com/westerndigitalcorporation/wback/internal/core"
)

// FileDevice is a Device backed by a regular file or raw block device node.
//
// With direct=true the file is opened O_DIRECT and all transfers bypass the
// page cache, which is the production configuration; OpFlush then only has to
// order writes already on their way to media. With direct=false it falls back
// to buffered I/O with fsync barriers, which is what tests running on tmpfs
// use, since tmpfs rejects O_DIRECT.
type FileDevice struct {
	lock      sync.Mutex
	f         *os.File
	blockSize uint32
	blocks    uint64
	buffers   map[Handle][]byte
	nextH     Handle
}

// OpenFileDevice opens (creating if needed) path as a block device of the
// given block size and device block count. An existing file is grown to the
// requested size if it is smaller; it is never shrunk.
func OpenFileDevice(path string, blocks uint64, blockSize uint32, direct bool) (*FileDevice, core.Error) {
	var f *os.File
	var err error
	if direct {
		f, err = directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	} else {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	}
	if err != nil {
		log.Errorf("Failed to open device file %q: %v", path, err)
		return nil, core.FromError(err)
	}

	size := int64(blocks) * int64(blockSize)
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		log.Errorf("Failed to stat device file %q: %v", path, err)
		return nil, core.FromError(err)
	}
	if fi.Size() < size {
		if err = f.Truncate(size); err != nil {
			f.Close()
			log.Errorf("Failed to size device file %q to %d bytes: %v", path, size, err)
			return nil, core.FromError(err)
		}
	} else if fi.Size() > size {
		// Respect whatever is already there; a bigger file just means more
		// blocks than asked for.
		blocks = uint64(fi.Size()) / uint64(blockSize)
	}

	log.Infof("Opened device file %q: %d blocks of %d bytes, direct=%v", path, blocks, blockSize, direct)
	return &FileDevice{
		f:         f,
		blockSize: blockSize,
		blocks:    blocks,
		buffers:   make(map[Handle][]byte),
	}, core.NoError
}

// BlockSize returns the device block size in bytes.
func (d *FileDevice) BlockSize() uint32 {
	return d.blockSize
}

// BlockCount returns the device capacity in device blocks.
func (d *FileDevice) BlockCount() uint64 {
	return d.blocks
}

// RegisterBuffer registers a transfer region. For O_DIRECT operation the
// region must be page-aligned; NewBuffer allocations always are.
func (d *FileDevice) RegisterBuffer(data []byte) (Handle, core.Error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.buffers == nil {
		return 0, core.ErrDeviceRemoved
	}
	d.nextH++
	d.buffers[d.nextH] = data
	return d.nextH, core.NoError
}

// ReleaseBuffer forgets a registered region.
func (d *FileDevice) ReleaseBuffer(h Handle) core.Error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.buffers == nil {
		return core.ErrDeviceRemoved
	}
	if _, ok := d.buffers[h]; !ok {
		return core.ErrInvalidArgument
	}
	delete(d.buffers, h)
	return core.NoError
}

// Submit executes the batch in order against the file, blocking until every
// entry has completed.
func (d *FileDevice) Submit(reqs []Request) core.Error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.buffers == nil {
		return core.ErrDeviceRemoved
	}

	bs := uint64(d.blockSize)
	for _, r := range reqs {
		switch r.Op {
		case OpFlush:
			if err := d.f.Sync(); err != nil {
				log.Errorf("Failed to sync %q: %v", d.f.Name(), err)
				return core.ErrIO
			}
			continue
		case OpTrim:
			if err := d.zeroRange(r.Device, r.Blocks); err != core.NoError {
				return err
			}
			continue
		}

		buf, ok := d.buffers[r.Handle]
		if !ok {
			return core.ErrInvalidArgument
		}
		if r.Device+r.Blocks > d.blocks || (r.Buffer+r.Blocks)*bs > uint64(len(buf)) {
			return core.ErrInvalidArgument
		}
		data := buf[r.Buffer*bs : (r.Buffer+r.Blocks)*bs]
		off := int64(r.Device * bs)
		switch r.Op {
		case OpRead:
			if n, err := d.f.ReadAt(data, off); err != nil {
				log.Errorf("Read of %d blocks at %d on %q failed after %d bytes: %v",
					r.Blocks, r.Device, d.f.Name(), n, err)
				return core.ErrIO
			}
		case OpWrite:
			if n, err := d.f.WriteAt(data, off); err != nil {
				log.Errorf("Write of %d blocks at %d on %q failed after %d bytes: %v",
					r.Blocks, r.Device, d.f.Name(), n, err)
				return core.ErrIO
			}
		default:
			return core.ErrInvalidArgument
		}
	}
	return core.NoError
}

// zeroRange implements trim by writing zeroes, one aligned chunk at a time.
func (d *FileDevice) zeroRange(block, count uint64) core.Error {
	if block+count > d.blocks {
		return core.ErrInvalidArgument
	}
	bs := uint64(d.blockSize)
	// A fixed scratch chunk bounds memory while keeping the number of write
	// calls reasonable for large trims.
	const chunkBlocks = 256
	zero := directio.AlignedBlock(int(bs) * chunkBlocks)
	for count > 0 {
		n := count
		if n > chunkBlocks {
			n = chunkBlocks
		}
		if _, err := d.f.WriteAt(zero[:n*bs], int64(block*bs)); err != nil {
			log.Errorf("Trim of %d blocks at %d on %q failed: %v", n, block, d.f.Name(), err)
			return core.ErrIO
		}
		block += n
		count -= n
	}
	return core.NoError
}

// Close syncs and closes the file. Subsequent calls return ErrDeviceRemoved.
func (d *FileDevice) Close() core.Error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.buffers == nil {
		return core.ErrDeviceRemoved
	}
	d.buffers = nil
	if err := d.f.Sync(); err != nil {
		log.Errorf("Failed to sync %q on close: %v", d.f.Name(), err)
		d.f.Close()
		return core.ErrIO
	}
	if err := d.f.Close(); err != nil {
		log.Errorf("Failed to close %q: %v", d.f.Name(), err)
		return core.ErrIO
	}
	return core.NoError
}
