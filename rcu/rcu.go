// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rcu implements a generic Read-Copy-Update container. Readers
// observe an immutable snapshot of a value without ever taking a lock
// or allocating; writers publish new snapshots with copy-on-write
// semantics and defer reclamation of old snapshots until no reader can
// still observe them.
//
// The motivating use case is a real-time audio callback thread that
// must read data shared with control threads (subscriber lists,
// parameters) without risking a priority inversion on a mutex or an
// allocation in the audio I/O path. A control thread updates the data
// by cloning the current value, mutating the clone, and publishing it;
// readers already in flight keep observing the old value until they
// finish, at which point it becomes eligible for reclamation.
//
// Per the design notes in this package's originating specification,
// reader-list and retire-list state is kept per RCU instance, not in
// shared static storage: this bounds cleanup scan time to the number
// of readers of a single instance and lets independent RCUs make
// progress under independent writer locks.
package rcu

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/audiocore/must"
)

const (
	// DefaultSoftThreshold is the retire-list length at which the writer
	// performs extra opportunistic cleanup passes.
	DefaultSoftThreshold = 8
	// DefaultHardThreshold is the retire-list length at which the writer
	// blocks synchronously until readers drain, to bound memory growth.
	DefaultHardThreshold = 32
)

// RCU is a lock-free-read, copy-on-write container holding a value of
// type T. The zero value is not usable; construct one with New.
//
// T must be safe to shallow-copy by assignment (spec: "copy
// constructible"). If T contains pointers to mutable shared state, the
// mutator passed to Update must not retain aliases into the previous
// version's substructures that it then mutates in place -- the whole
// point of CoW is that the previous version is immutable once
// published.
type RCU[T any] struct {
	current atomic.Pointer[T]
	gen     atomic.Uint64

	writerMu sync.Mutex // serializes writers and retire/reader-list structure
	retired  []retiredEntry[T]

	readers atomic.Pointer[readerNode] // head of the reader list

	softThreshold int
	hardThreshold int
}

type retiredEntry[T any] struct {
	ptr *T
	gen uint64
}

// readerNode is one per registered Reader. last-seen generation 0
// means the reader is not currently inside a read section.
type readerNode struct {
	gen  atomic.Uint64
	dead atomic.Bool
	next atomic.Pointer[readerNode]
}

// Option configures an RCU at construction time.
type Option func(*config)

type config struct {
	softThreshold int
	hardThreshold int
}

// WithThresholds overrides the default soft/hard retire-list cleanup
// thresholds (see package doc and the Update method for their
// meaning).
func WithThresholds(soft, hard int) Option {
	return func(c *config) {
		c.softThreshold = soft
		c.hardThreshold = hard
	}
}

// New constructs an RCU whose initial published value is v.
func New[T any](v T, opts ...Option) *RCU[T] {
	cfg := config{softThreshold: DefaultSoftThreshold, hardThreshold: DefaultHardThreshold}
	for _, opt := range opts {
		opt(&cfg)
	}
	must.Truef(cfg.softThreshold > 0 && cfg.hardThreshold >= cfg.softThreshold,
		"rcu.New: invalid thresholds %d/%d", cfg.softThreshold, cfg.hardThreshold)
	c := &RCU[T]{softThreshold: cfg.softThreshold, hardThreshold: cfg.hardThreshold}
	clone := v
	c.current.Store(&clone)
	c.gen.Store(1)
	return c
}

// Register pre-registers a new Reader for this RCU. Pre-registration
// is the only real-time-safe way to read: it performs the single
// allocation and the CAS push onto the reader list up front, so that
// every subsequent call to the returned Reader's Read method is a
// bounded sequence of atomic loads with no allocation and no lock.
//
// The returned Reader must be used by a single logical reader (e.g.
// one audio callback thread) at a time; it is not itself safe for
// concurrent use by multiple goroutines. Call Close when the reader
// will never read again (e.g. the owning thread is exiting), so that
// the next writer cleanup can reclaim the node. Go has no thread-exit
// hook to do this automatically, unlike the TLS-destructor mechanism
// this package's design is modeled on; callers are responsible for
// calling Close themselves.
func (c *RCU[T]) Register() *Reader[T] {
	n := &readerNode{}
	for {
		head := c.readers.Load()
		n.next.Store(head)
		if c.readers.CompareAndSwap(head, n) {
			break
		}
	}
	return &Reader[T]{rcu: c, node: n}
}

// Read performs a single ad-hoc read without a pre-registered Reader.
// It is for control-thread callers that don't mind the cost of
// registering (and later abandoning) a reader node on every call; it
// must never be used from a real-time thread. Real-time readers
// should call Register once and reuse the returned Reader.
func (c *RCU[T]) Read(fn func(v *T)) {
	rd := c.Register()
	defer rd.Close()
	rd.Read(fn)
}

// ReadValue is Read, but for closures that compute a result.
func ReadValue[T, R any](c *RCU[T], fn func(v *T) R) R {
	rd := c.Register()
	defer rd.Close()
	return ReadValueWith(rd, fn)
}

// Update acquires the writer lock, clones the current version, runs
// mutate on the clone, and -- if mutate succeeds -- atomically
// publishes the clone as the new current version and retires the
// previous one. If mutate returns an error, the published state is
// left unchanged (strong guarantee) and the error is returned as-is.
//
// Update may block on the writer mutex and, rarely, on readers
// draining during emergency cleanup; it must never be called from a
// real-time thread.
func (c *RCU[T]) Update(mutate func(v *T) error) error {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	old := c.current.Load()
	clone := *old
	if err := mutate(&clone); err != nil {
		return err
	}

	oldGen := c.gen.Load()
	c.current.Store(&clone)
	c.gen.Store(oldGen + 1)

	c.retired = append(c.retired, retiredEntry[T]{ptr: old, gen: oldGen})
	c.cleanupLocked()
	return nil
}

// Replace is Update with a mutator that unconditionally overwrites the
// content with v.
func (c *RCU[T]) Replace(v T) error {
	return c.Update(func(cur *T) error {
		*cur = v
		return nil
	})
}

// Len reports the current retire-list length. It is intended for
// tests and diagnostics (spec.md property 4, "retire-list bound").
func (c *RCU[T]) Len() int {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()
	return len(c.retired)
}

// Generation reports the current publish generation. Exposed for
// tests; application code should not need to observe it directly.
func (c *RCU[T]) Generation() uint64 {
	return c.gen.Load()
}

// Synchronize blocks the calling goroutine until every reader that was
// active when Synchronize was called has either exited its read
// section or moved on to a newer generation. It is a grace-period
// barrier for callers that must not proceed until no in-flight reader
// can still be observing a value from before this call -- for
// example, before releasing a resource that an Update just stopped
// referencing. Synchronize must only be called from a control thread;
// like Update, it may block.
func (c *RCU[T]) Synchronize() {
	c.synchronize(c.gen.Load())
}

// cleanupLocked performs tiered deferred reclamation. Caller must hold
// writerMu.
func (c *RCU[T]) cleanupLocked() {
	c.reapDeadReaders()
	c.opportunisticCleanupLocked()

	if len(c.retired) >= c.softThreshold {
		for i := 0; i < 3 && len(c.retired) > c.softThreshold/2; i++ {
			before := len(c.retired)
			c.opportunisticCleanupLocked()
			if len(c.retired) == before {
				break
			}
		}
	}

	if len(c.retired) >= c.hardThreshold {
		c.emergencyCleanupLocked()
	}
}

// opportunisticCleanupLocked drops every retired entry that no live
// reader can still observe. Caller must hold writerMu.
func (c *RCU[T]) opportunisticCleanupLocked() {
	minGen, anyActive := c.minReaderGen()
	if !anyActive {
		c.retired = c.retired[:0]
		return
	}
	kept := c.retired[:0]
	for _, e := range c.retired {
		if e.gen >= minGen {
			kept = append(kept, e)
		}
	}
	c.retired = kept
}

// emergencyCleanupLocked synchronously waits for every reader that
// might still observe a retired entry to drain, then reclaims
// everything. This is the only path in this package that blocks the
// writer on readers; it is never reached on a read path, since reads
// never retire anything. Caller must hold writerMu.
func (c *RCU[T]) emergencyCleanupLocked() {
	if len(c.retired) == 0 {
		return
	}
	newest := c.retired[len(c.retired)-1].gen
	c.synchronize(newest)
	c.opportunisticCleanupLocked()
}

// synchronize blocks until no live reader's last-seen generation is
// <= asOfGen. It polls rather than waiting on a condition variable
// because readers must remain lock-free: they cannot signal a cond
// without taking its mutex.
func (c *RCU[T]) synchronize(asOfGen uint64) {
	const spinIters = 1000
	backoff := time.Microsecond
	for i := 0; ; i++ {
		minGen, anyActive := c.minReaderGen()
		if !anyActive || minGen > asOfGen {
			return
		}
		if i < spinIters {
			runtime.Gosched()
			continue
		}
		time.Sleep(backoff)
		if backoff < time.Millisecond {
			backoff *= 2
		}
	}
}

// minReaderGen returns the smallest non-zero last-seen generation
// across all live (non-dead) reader nodes, and whether any such
// reader exists.
func (c *RCU[T]) minReaderGen() (min uint64, anyActive bool) {
	node := c.readers.Load()
	for node != nil {
		if !node.dead.Load() {
			if g := node.gen.Load(); g != 0 {
				if !anyActive || g < min {
					min = g
				}
				anyActive = true
			}
		}
		node = node.next.Load()
	}
	return min, anyActive
}

// reapDeadReaders unlinks dead reader nodes from the list so future
// scans don't have to skip them. Caller must hold writerMu; this is
// the only code that mutates next-pointers of nodes other than the
// one being freshly pushed by Register.
func (c *RCU[T]) reapDeadReaders() {
	var prev *readerNode
	node := c.readers.Load()
	for node != nil {
		next := node.next.Load()
		if node.dead.Load() {
			if prev == nil {
				if !c.readers.CompareAndSwap(node, next) {
					// A concurrent Register pushed a new head; restart the
					// walk from the (new) head rather than risk dropping it.
					prev = nil
					node = c.readers.Load()
					continue
				}
			} else {
				prev.next.Store(next)
			}
		} else {
			prev = node
		}
		node = next
	}
}
