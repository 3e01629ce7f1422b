// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package sync2

import (
	"context"
	"sync"
)

// Limiter implements concurrent goroutine limiting.
//
// After calling Wait or Close, no new goroutines are allowed
// to start.
type Limiter struct {
	noCopy noCopy //nolint:structcheck

	limit   chan struct{}
	close   sync.Once
	closed  chan struct{}
	working sync.WaitGroup
}

// NewLimiter creates a new limiter with limit set to n.
func NewLimiter(n int) *Limiter {
	limiter := &Limiter{}
	limiter.limit = make(chan struct{}, n)
	limiter.closed = make(chan struct{})
	return limiter
}

// Go tries to start fn as a goroutine.
// When the limit is reached it will wait until it can run it
// or the context is canceled.
func (limiter *Limiter) Go(ctx context.Context, fn func()) bool {
	if ctx.Err() != nil {
		return false
	}

	select {
	case limiter.limit <- struct{}{}:
	case <-limiter.closed:
		return false
	case <-ctx.Done():
		return false
	}

	limiter.working.Add(1)
	go func() {
		defer func() {
			<-limiter.limit
			limiter.working.Done()
		}()

		fn()
	}()

	return true
}

// Wait waits for all running goroutines to finish and
// disallows any new goroutines to start.
func (limiter *Limiter) Wait() { limiter.Close() }

// Close waits for all running goroutines to finish and
// disallows any new goroutines to start.
func (limiter *Limiter) Close() {
	limiter.close.Do(func() {
		close(limiter.closed)
	})
	limiter.working.Wait()
}

// noCopy is used to ensure that we don't copy things that shouldn't
// be copied.
//
// See https://golang.org/issues/8005#issuecomment-190753527 for details.
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
