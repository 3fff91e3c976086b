// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package writeback

import (
	"context"
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/wback/internal/core"
)

// Promise is a one-shot completion signal carrying a status. Enqueue-style
// calls hand these back so callers can learn, later and without polling, when
// buffered work has actually reached stable storage.
//
// A Promise may be dropped without waiting on it; the work it describes is
// already scheduled either way, dropping only discards the notification.
type Promise struct {
	mu   sync.Mutex
	done chan struct{}
	err  core.Error
}

// NewPromise returns an unresolved Promise.
func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Resolve completes the promise with the given status. Resolving twice is a
// programming error.
func (p *Promise) Resolve(err core.Error) {
	p.mu.Lock()
	select {
	case <-p.done:
		log.Fatalf("Promise resolved twice (first %s, now %s)", p.err, err)
	default:
	}
	p.err = err
	close(p.done)
	p.mu.Unlock()
}

// Done returns a channel closed once the promise is resolved.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Resolved reports whether the promise has been resolved, without blocking.
func (p *Promise) Resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err returns the resolution status. Only meaningful after Done is closed;
// before that it returns NoError.
func (p *Promise) Err() core.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Wait blocks until the promise resolves or ctx is done, returning the
// resolution status or ErrCanceled.
func (p *Promise) Wait(ctx context.Context) core.Error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return core.ErrCanceled
	}
}
