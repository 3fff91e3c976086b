// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"io"
	"os"
)

// Error is our own defined error type so that status codes can cross package
// and process boundaries (status pages, tools, on-disk dumps) without losing
// their identity the way wrapped strings do.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Errors from the device level ------//

	// ErrNoResources is returned when a transfer buffer or handle cannot be
	// allocated or registered with the device.
	ErrNoResources

	// ErrDeviceRemoved is returned for all device calls after Close has been
	// called on the device.
	ErrDeviceRemoved

	// ErrShortRead is returned if we get less data than we wanted, in a
	// context where that is unexpected/disallowed.
	ErrShortRead

	// ErrIO is returned if there is an OS-level IO error.
	// The underlying storage is suspect in this case.
	ErrIO

	// ErrNoSpace is returned when a region is too small to hold what must be
	// written to it.
	ErrNoSpace

	//------ Errors from the writeback level ------//

	// ErrInvalidArgument is returned if an argument is bad or confusing
	// (eg a zero-length transaction, an unregistered buffer).
	ErrInvalidArgument

	// ErrTooBig is returned if a single transaction asks for more blocks than
	// the writeback buffer can ever hold. Waiting would never help, so this
	// fails immediately.
	ErrTooBig

	// ErrReadOnly is returned when the writeback queue has entered read-only
	// mode after a storage failure and no further mutations are accepted.
	ErrReadOnly

	// ErrCanceled is returned for work that was abandoned before it could be
	// issued, e.g. during teardown.
	ErrCanceled

	//------ Errors from the journal level ------//

	// ErrCorruptData is returned if a journal block fails validation when
	// read, or if the journal info block checksum does not match.
	ErrCorruptData

	// ErrEOF is returned when we reach the end of a file or region.
	ErrEOF

	//------ Meta-error ------//

	// ErrUnknown is an error that we're not really sure about.
	ErrUnknown
)

var description = map[Error]string{
	NoError: "no error",

	// Errors from the device level.
	ErrNoResources:   "out of resources registering transfer buffer",
	ErrDeviceRemoved: "operation on device after it has been closed",
	ErrShortRead:     "short read in unexpected context",
	ErrIO:            "I/O level error",
	ErrNoSpace:       "region too small for required data",

	// Errors from the writeback level.
	ErrInvalidArgument: "invalid argument",
	ErrTooBig:          "transaction exceeds writeback capacity",
	ErrReadOnly:        "writeback is in read-only mode",
	ErrCanceled:        "request canceled",

	// Errors from the journal level.
	ErrCorruptData: "journal block is invalid, data is corrupt",
	ErrEOF:         "end of file",

	// Meta-error.
	ErrUnknown: "unknown error!!!! contact a programming professional to diagnose",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "NO DESCRIPTION FOR ERROR FIX THIS"
}

// Error returns a golang error object with an error message corresponding to
// this core.Error.
func (e Error) Error() error {
	if e == NoError {
		return nil
	} else if e == ErrEOF {
		// io.EOF is treated specially by the Go standard library and is
		// required to make device readers satisfy the Reader interface.
		return io.EOF
	}
	return goError(e)
}

// Is checks whether the generic Go error 'g' is actually the receiver error
// underneath.
func (e Error) Is(g error) bool {
	b, ok := g.(goError)
	return ok && (Error)(b) == e
}

// goError is a wrapper type to make our Error act like Go's 'error'
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

// WbError gets the underlying core.Error from an error.
func WbError(err error) (Error, bool) {
	e, ok := err.(goError)
	return Error(e), ok
}

// FromError translates a generic Go error, typically from the os layer, to a
// core.Error to be carried through completion callbacks.
func FromError(err error) Error {
	switch err {
	case nil:
		return NoError
	case io.EOF, io.ErrUnexpectedEOF:
		return ErrEOF
	}
	if e, ok := WbError(err); ok {
		return e
	}
	if os.IsNotExist(err) || os.IsPermission(err) {
		return ErrInvalidArgument
	}
	return ErrIO
}
