// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

// Semaphore bounds how many of something may be in flight at once, counting
// permits on a channel. The zero value is unusable; call NewSemaphore.
type Semaphore chan struct{}

// NewSemaphore returns a semaphore with max permits, all free.
func NewSemaphore(max int) Semaphore {
	return make(Semaphore, max)
}

// Acquire takes a permit, blocking until one is free.
func (s Semaphore) Acquire() {
	s <- struct{}{}
}

// AcquireOrQuit takes a permit, giving up if quit closes first, and reports
// whether a permit was taken. Load generators use this so a run can wind
// down while its producers are parked at the in-flight limit.
func (s Semaphore) AcquireOrQuit(quit <-chan struct{}) bool {
	select {
	case s <- struct{}{}:
		return true
	case <-quit:
		return false
	}
}

// TryAcquire takes a permit only if one is free right now, and reports
// whether it did.
func (s Semaphore) TryAcquire() bool {
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a permit.
func (s Semaphore) Release() {
	<-s
}
