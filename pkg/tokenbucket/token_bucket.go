// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package tokenbucket provides a small token bucket rate limiter, used to
// pace block traffic generators.
package tokenbucket

import (
	"sync"
	"time"
)

// TokenBucket fills at a fixed rate up to a fixed capacity. Callers take
// tokens out and are told how long to wait when they overdraw. Safe for
// concurrent use.
type TokenBucket struct {
	mu       sync.Mutex
	rate     float64 // tokens per second
	capacity float64
	balance  float64 // negative balance means callers owe sleep time
	updated  time.Time
}

// New returns a full bucket that refills at rate tokens per second up to
// capacity tokens.
func New(rate, capacity float64) *TokenBucket {
	return &TokenBucket{
		rate:     rate,
		capacity: capacity,
		balance:  capacity,
		updated:  time.Now(),
	}
}

// refill credits the time elapsed since the last update. Caller holds mu.
func (tb *TokenBucket) refill(now time.Time) {
	tb.balance += tb.rate * now.Sub(tb.updated).Seconds()
	if tb.balance > tb.capacity {
		tb.balance = tb.capacity
	}
	tb.updated = now
}

// Take removes n tokens and sleeps until the balance is whole again.
func (tb *TokenBucket) Take(n float64) {
	time.Sleep(tb.TakeAndUpdate(n, time.Now()))
}

// TakeAndUpdate advances the bucket to now, removes n tokens even if that
// overdraws it, and returns how long the caller must sleep for the balance
// to come back to zero. A non-positive result means no waiting is needed.
func (tb *TokenBucket) TakeAndUpdate(n float64, now time.Time) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(now)
	tb.balance -= n
	return time.Duration(-tb.balance / tb.rate * float64(time.Second))
}

// TryTake removes n tokens only if the bucket holds at least that many
// right now, reporting whether it did. Never sleeps and never overdraws.
func (tb *TokenBucket) TryTake(n float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(time.Now())
	if tb.balance < n {
		return false
	}
	tb.balance -= n
	return true
}

// SetRate changes the refill rate and capacity of a running bucket.
func (tb *TokenBucket) SetRate(rate, capacity float64) {
	tb.mu.Lock()
	tb.rate = rate
	tb.capacity = capacity
	tb.mu.Unlock()
}
