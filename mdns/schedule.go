// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2024 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package mdns

import (
	"container/heap"
	"time"

	"github.com/snapcore/mdnsd/testtime"
)

// taskID identifies a scheduled callback; zero is never a valid id.
type taskID uint64

type task struct {
	id        taskID
	when      time.Time
	seq       uint64
	f         func(now time.Time)
	index     int
	cancelled bool
}

// scheduler orders the responder's timed work on a single timer. It is
// only ever touched from the event loop goroutine: callbacks run there,
// and may schedule or cancel further tasks.
type scheduler struct {
	timer  testtime.Timer
	tasks  taskHeap
	byID   map[taskID]*task
	lastID taskID
	seq    uint64
}

func newScheduler() *scheduler {
	return &scheduler{
		timer: testtime.NewTimer(time.Hour),
		byID:  make(map[taskID]*task),
	}
}

// at schedules f to run once `when` is reached. Equal deadlines run in
// scheduling order.
func (s *scheduler) at(when time.Time, f func(now time.Time)) taskID {
	s.lastID++
	s.seq++
	t := &task{
		id:   s.lastID,
		when: when,
		seq:  s.seq,
		f:    f,
	}
	heap.Push(&s.tasks, t)
	s.byID[t.id] = t
	return t.id
}

// cancel drops a pending task. Cancelling an already fired or unknown
// task is not an error.
func (s *scheduler) cancel(id taskID) {
	if t, ok := s.byID[id]; ok {
		// the heap entry is skipped lazily when it surfaces
		t.cancelled = true
		delete(s.byID, id)
	}
}

// when reports the deadline of a pending task.
func (s *scheduler) when(id taskID) (time.Time, bool) {
	if t, ok := s.byID[id]; ok {
		return t.when, true
	}
	return time.Time{}, false
}

// next reports the earliest pending deadline.
func (s *scheduler) next() (time.Time, bool) {
	for s.tasks.Len() > 0 {
		t := s.tasks[0]
		if t.cancelled {
			heap.Pop(&s.tasks)
			continue
		}
		return t.when, true
	}
	return time.Time{}, false
}

// fire runs every task due at now, including tasks those tasks schedule
// at or before now.
func (s *scheduler) fire(now time.Time) {
	for {
		when, ok := s.next()
		if !ok || when.After(now) {
			return
		}
		t := heap.Pop(&s.tasks).(*task)
		delete(s.byID, t.id)
		t.f(now)
	}
}

// rearm points the timer at the earliest pending deadline. The event
// loop calls this once per iteration, after any handler ran.
func (s *scheduler) rearm(now time.Time) {
	when, ok := s.next()
	if !ok {
		s.timer.Stop()
		return
	}
	s.timer.Reset(when.Sub(now))
}

// pending reports how many tasks are scheduled.
func (s *scheduler) pending() int {
	return len(s.byID)
}

// taskHeap is a min-heap on (when, seq).
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].when.Equal(h[j].when) {
		return h[i].when.Before(h[j].when)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
