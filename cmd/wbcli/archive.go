// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/golang/snappy"
)

// archiveVersion defines the version of a region archive file.
type archiveVersion uint32

const (
	invalidVersion archiveVersion = iota
	rawSnappyVer                  // raw region blocks with snappy compression
)

const (
	// The magic number that validates if an archive file is valid.
	archiveMagic uint32 = 0x57424A44 // "WBJD"
)

// archiveHeader records the geometry the region was dumped with, so restore
// can check it against the target image.
type archiveHeader struct {
	BlockSize    uint32
	RegionStart  uint64
	RegionBlocks uint64
}

// The archive file has the following format:
//
//      4 bytes        4 bytes         4 bytes        8 bytes         8 bytes              the rest
// ------------------------------------------------------------------------------------------------------------
// | magic number | archive version | block size | region start | region blocks | ...compressed region data... |
// ------------------------------------------------------------------------------------------------------------
//
func writeArchive(writer io.Writer, hdr archiveHeader, region []byte) error {
	// ------- Write headers of the archive in uncompressed format -------

	if err := binary.Write(writer, binary.BigEndian, archiveMagic); err != nil {
		return err
	}
	if err := binary.Write(writer, binary.BigEndian, rawSnappyVer); err != nil {
		return err
	}
	if err := binary.Write(writer, binary.BigEndian, hdr.BlockSize); err != nil {
		return err
	}
	if err := binary.Write(writer, binary.BigEndian, hdr.RegionStart); err != nil {
		return err
	}
	if err := binary.Write(writer, binary.BigEndian, hdr.RegionBlocks); err != nil {
		return err
	}

	// ------ Write the region blocks in compressed format ---------

	sw := snappy.NewBufferedWriter(writer)
	if _, err := sw.Write(region); err != nil {
		return err
	}
	return sw.Flush()
}

// readArchive reads back what writeArchive wrote, validating the framing and
// that the payload length matches the recorded geometry.
func readArchive(reader io.Reader) (archiveHeader, []byte, error) {
	var hdr archiveHeader
	var m uint32
	var ver archiveVersion

	if err := binary.Read(reader, binary.BigEndian, &m); err != nil {
		return hdr, nil, err
	}
	if m != archiveMagic {
		return hdr, nil, fmt.Errorf("mismatch on magic number, probably not a region archive")
	}
	if err := binary.Read(reader, binary.BigEndian, &ver); err != nil {
		return hdr, nil, err
	}
	if ver != rawSnappyVer {
		return hdr, nil, fmt.Errorf("archive with version %d can not be handled", ver)
	}
	if err := binary.Read(reader, binary.BigEndian, &hdr.BlockSize); err != nil {
		return hdr, nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &hdr.RegionStart); err != nil {
		return hdr, nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &hdr.RegionBlocks); err != nil {
		return hdr, nil, err
	}
	if hdr.BlockSize == 0 || hdr.RegionBlocks == 0 {
		return hdr, nil, fmt.Errorf("archive names impossible geometry: %d blocks of %d bytes", hdr.RegionBlocks, hdr.BlockSize)
	}

	// The region blocks were compressed by snappy.
	region, err := ioutil.ReadAll(snappy.NewReader(reader))
	if err != nil {
		return hdr, nil, err
	}
	if uint64(len(region)) != hdr.RegionBlocks*uint64(hdr.BlockSize) {
		return hdr, nil, fmt.Errorf("archive holds %d region bytes, geometry says %d",
			len(region), hdr.RegionBlocks*uint64(hdr.BlockSize))
	}
	return hdr, region, nil
}
