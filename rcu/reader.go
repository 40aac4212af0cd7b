// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rcu

// Reader is a pre-registered handle through which one logical reader
// (typically one real-time audio callback thread) reads an RCU's
// current value. See RCU.Register.
type Reader[T any] struct {
	rcu  *RCU[T]
	node *readerNode

	// depth tracks reentrant Read calls from the same reader so that a
	// nested call doesn't clear the node's last-seen generation when it
	// returns while an outer call is still in its read section. depth is
	// only ever touched by the single goroutine that owns this Reader,
	// so it needs no synchronization.
	depth int
}

// Read invokes fn with a stable pointer to the RCU's current value.
// The pointer is valid for the duration of fn and must not be retained
// beyond it. Read is reentrant: fn may call Read again on the same
// Reader (e.g. to read a nested RCU-protected structure), but must not
// call Update on the same underlying RCU, which would deadlock on the
// writer mutex.
//
// Read never allocates, never blocks, and never takes a lock: it is
// safe to call from a real-time thread.
func (rd *Reader[T]) Read(fn func(v *T)) {
	if rd.depth == 0 {
		rd.node.gen.Store(rd.rcu.gen.Load())
	}
	rd.depth++
	defer func() {
		rd.depth--
		if rd.depth == 0 {
			rd.node.gen.Store(0)
		}
	}()
	fn(rd.rcu.current.Load())
}

// ReadValueWith is Read for a closure that computes and returns a
// result.
func ReadValueWith[T, R any](rd *Reader[T], fn func(v *T) R) (result R) {
	rd.Read(func(v *T) {
		result = fn(v)
	})
	return result
}

// Close marks this reader as no longer in use. It must be called
// exactly once, after the owning thread has stopped calling Read, so
// that a future writer cleanup can unlink and reclaim the reader node.
// It is the Go-idiomatic stand-in for this package's originating
// design's thread-exit hook, which Go has no equivalent of.
//
// Close itself performs no allocation or locking and is safe to call
// from a real-time thread as its very last RCU-related action (e.g.
// when a subscriber is being torn down).
func (rd *Reader[T]) Close() {
	rd.node.dead.Store(true)
}
