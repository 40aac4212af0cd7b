// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package audio

import "github.com/grailbio/audiocore/rcu"

// SubscriberSet is a specialisation of rcu.RCU holding an ordered
// sequence of subscriber handles (spec.md §4.3). Duplicates are
// permitted; ordering is registration order. Reads of a SubscriberSet
// happen on the driver's real-time thread via a pre-registered
// rcu.Reader; adds and removes happen on control threads via CoW
// updates.
type SubscriberSet struct {
	c *rcu.RCU[[]Subscriber]
}

func newSubscriberSet() *SubscriberSet {
	return &SubscriberSet{c: rcu.New[[]Subscriber](nil)}
}

// Lifecycle carries the parameters needed to invoke Prepare
// immediately and Release after a grace-period sync, for adds/removes
// that happen while the owning role is running. A nil Lifecycle means
// the role isn't running: Add and Remove then skip Prepare/Release
// entirely, since there is no dispatch in flight to order against.
type Lifecycle struct {
	SampleRate   uint32
	BufferFrames uint32
}

// Register returns a new rcu.Reader bound to this set's underlying
// RCU, for use by the driver trampoline.
func (s *SubscriberSet) Register() *rcu.Reader[[]Subscriber] {
	return s.c.Register()
}

// Add appends sub to the back of the set, preserving insertion order,
// and returns the new length. If lc is non-nil, sub.Prepare(lc.SampleRate,
// lc.BufferFrames) is called before the new version is published, so
// that Prepare strictly precedes sub's first possible Process call
// (spec.md property 5).
func (s *SubscriberSet) Add(sub Subscriber, lc *Lifecycle) (length int, err error) {
	if lc != nil {
		if err := sub.Prepare(lc.SampleRate, lc.BufferFrames); err != nil {
			return s.len(), err
		}
	}
	err = s.c.Update(func(v *[]Subscriber) error {
		next := make([]Subscriber, 0, len(*v)+1)
		next = append(next, *v...)
		next = append(next, sub)
		*v = next
		return nil
	})
	if err != nil {
		return 0, err
	}
	return s.len(), nil
}

// Remove deletes the first occurrence of sub, a no-op if absent, and
// returns the new length and whether anything was removed. If lc is
// non-nil and sub was present, Remove blocks on a grace-period sync
// after publishing the shorter list and before calling sub.Release, so
// that Release strictly follows sub's last possible Process call
// (spec.md property 5, the "remove followed by release" ordering
// guarantee in spec.md §5).
func (s *SubscriberSet) Remove(sub Subscriber, lc *Lifecycle) (length int, removed bool, err error) {
	err = s.c.Update(func(v *[]Subscriber) error {
		for i, existing := range *v {
			if existing == sub {
				next := make([]Subscriber, 0, len(*v)-1)
				next = append(next, (*v)[:i]...)
				next = append(next, (*v)[i+1:]...)
				*v = next
				removed = true
				return nil
			}
		}
		return nil
	})
	if err != nil || !removed {
		return s.len(), removed, err
	}
	if lc != nil {
		s.c.Synchronize()
		sub.Release()
	}
	return s.len(), true, nil
}

func (s *SubscriberSet) len() int {
	var n int
	s.c.Read(func(v *[]Subscriber) { n = len(*v) })
	return n
}

// Snapshot returns a copy of the currently registered subscribers, in
// registration order. It is for control-thread bulk lifecycle
// operations (e.g. a role start batch-Preparing every already-added
// subscriber); the real-time dispatch path uses a pre-registered
// rcu.Reader instead (see Register).
func (s *SubscriberSet) Snapshot() []Subscriber {
	var out []Subscriber
	s.c.Read(func(v *[]Subscriber) {
		out = append(out, *v...)
	})
	return out
}
