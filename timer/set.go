// File: timer/set.go
// Author: momentics <momentics@gmail.com>
//
// Bucketed timer set. Timers land in a bucket chosen by the highest bit
// in which their expiry differs from the last expiry point, so inserting
// and cancelling are O(1) and advancing time expires whole buckets at
// once. One extra bucket collects timers armed at or before the last
// expiry point.

package timer

import (
	"math"
	"math/bits"
)

const (
	// 64 bit-position buckets plus the overdue bucket.
	nBuckets      = 65
	overdueBucket = nBuckets - 1

	maxTimestamp = math.MaxInt64
)

// Set holds the armed timers of one (shard, clock) pair.
type Set struct {
	buckets  [nBuckets]timerList
	nonEmpty uint64 // bitmap of buckets 0..63; the overdue bucket checks its list
	last     int64  // time point of the last expiry round
	next     int64  // earliest armed expiry, maxTimestamp when unknown/empty
	size     int
}

// NewSet creates an empty set anchored at now.
func NewSet(now int64) *Set {
	return &Set{last: now, next: maxTimestamp}
}

func (s *Set) index(t int64) int {
	if t <= s.last {
		return overdueBucket
	}
	return bits.LeadingZeros64(uint64(t) ^ uint64(s.last))
}

// Insert adds an armed timer. It returns true when the timer became the
// new earliest expiry, meaning the kernel timer must be re-armed.
func (s *Set) Insert(t *Timer) bool {
	idx := s.index(t.expiry)
	s.buckets[idx].pushBack(t)
	t.bucket = idx
	t.queued = true
	if idx != overdueBucket {
		s.nonEmpty |= 1 << uint(63-idx)
	}
	s.size++
	if t.expiry < s.next {
		s.next = t.expiry
		return true
	}
	return false
}

// Remove unlinks a queued timer in O(1).
func (s *Set) Remove(t *Timer) {
	idx := t.bucket
	s.buckets[idx].remove(t)
	t.bucket = -1
	s.size--
	if idx != overdueBucket && s.buckets[idx].empty() {
		s.nonEmpty &^= 1 << uint(63-idx)
	}
	// next may now be stale; it only ever errs on the early side, which
	// costs a spurious wakeup, never a missed one.
}

// Expire advances the set to now and returns every timer whose expiry is
// at or before it. Buckets whose distinguishing bit lies below now's are
// drained wholesale; the boundary bucket is partitioned and its
// remainder re-bucketed against the new anchor.
func (s *Set) Expire(now int64) []*Timer {
	if now < s.last {
		now = s.last
	}
	var expired []*Timer

	boundary := nBuckets - 1
	if now > s.last {
		boundary = bits.LeadingZeros64(uint64(now) ^ uint64(s.last))
	}

	// Every bucket strictly beyond the boundary differs from the old
	// anchor at a lower bit than now does, so all of it is due.
	for bm := s.nonEmpty; bm != 0; {
		idx := bits.LeadingZeros64(bm)
		bm &^= 1 << uint(63-idx)
		if idx <= boundary {
			continue
		}
		expired = s.buckets[idx].drainInto(expired)
		s.nonEmpty &^= 1 << uint(63-idx)
	}
	expired = s.buckets[overdueBucket].drainInto(expired)

	// Partition the boundary bucket.
	var keep []*Timer
	if boundary < overdueBucket && s.nonEmpty&(1<<uint(63-boundary)) != 0 {
		all := s.buckets[boundary].drainInto(nil)
		s.nonEmpty &^= 1 << uint(63-boundary)
		for _, t := range all {
			if t.expiry <= now {
				expired = append(expired, t)
			} else {
				keep = append(keep, t)
			}
		}
	}

	s.last = now
	s.size -= len(expired) + len(keep)
	s.next = maxTimestamp
	for _, t := range keep {
		s.Insert(t)
	}
	for _, t := range expired {
		t.bucket = -1
	}
	s.recomputeNext()
	return expired
}

// Next returns the earliest armed expiry, or maxTimestamp when the set
// is empty. The value may be earlier than the true minimum after a
// Remove; that is harmless.
func (s *Set) Next() int64 {
	return s.next
}

// Empty reports whether no timer is queued.
func (s *Set) Empty() bool {
	return s.size == 0
}

// Size returns the number of queued timers.
func (s *Set) Size() int {
	return s.size
}

func (s *Set) recomputeNext() {
	for bm := s.nonEmpty; bm != 0; {
		idx := bits.LeadingZeros64(bm)
		bm &^= 1 << uint(63-idx)
		for t := s.buckets[idx].head; t != nil; t = t.next {
			if t.expiry < s.next {
				s.next = t.expiry
			}
		}
	}
	for t := s.buckets[overdueBucket].head; t != nil; t = t.next {
		if t.expiry < s.next {
			s.next = t.expiry
		}
	}
}

// timerList is an intrusive doubly-linked list over Timer.next/prev.
type timerList struct {
	head, tail *Timer
}

func (l *timerList) empty() bool { return l.head == nil }

func (l *timerList) pushBack(t *Timer) {
	t.next = nil
	t.prev = l.tail
	if l.tail != nil {
		l.tail.next = t
	} else {
		l.head = t
	}
	l.tail = t
}

func (l *timerList) remove(t *Timer) {
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		l.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else {
		l.tail = t.prev
	}
	t.next, t.prev = nil, nil
}

func (l *timerList) drainInto(dst []*Timer) []*Timer {
	for t := l.head; t != nil; {
		next := t.next
		t.next, t.prev = nil, nil
		dst = append(dst, t)
		t = next
	}
	l.head, l.tail = nil, nil
	return dst
}
