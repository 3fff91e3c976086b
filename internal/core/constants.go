// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Global constants that several components need to agree on are defined here.
// If a constant is only needed for a single component, probably it should not
// be placed here.
const (
	// BlockSize is the fixed filesystem block size of 8 KB. All offsets and
	// lengths in the writeback and journal layers are counted in these blocks
	// unless explicitly converted to device blocks.
	BlockSize = 8192

	// DeviceBlockSize is the default device sector size. Real devices report
	// their own via Device.BlockSize; BlockSize must be a multiple of it.
	DeviceBlockSize = 512
)
