// Copyright (c) 2023 The Unio Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package unio

import (
	"container/heap"
	"time"
)

// timerEntry is one reactor-owned deadline. The readiness and IOCP
// backends have no native timeout operation, so their Timeout pendings
// live here and bound every kernel wait.
type timerEntry struct {
	p    *pending
	when time.Time
	idx  int
}

// timerQueue is a min-heap over deadlines, accessed only by the reactor
// goroutine.
type timerQueue []*timerEntry

func (tq timerQueue) Len() int { return len(tq) }

func (tq timerQueue) Less(i, j int) bool { return tq[i].when.Before(tq[j].when) }

func (tq timerQueue) Swap(i, j int) {
	tq[i], tq[j] = tq[j], tq[i]
	tq[i].idx = i
	tq[j].idx = j
}

func (tq *timerQueue) Push(x interface{}) {
	e := x.(*timerEntry)
	e.idx = len(*tq)
	*tq = append(*tq, e)
}

func (tq *timerQueue) Pop() interface{} {
	old := *tq
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*tq = old[:n-1]
	return e
}

func (tq *timerQueue) add(p *pending, when time.Time) {
	e := &timerEntry{p: p, when: when}
	p.timer = e
	heap.Push(tq, e)
}

func (tq *timerQueue) remove(e *timerEntry) {
	if e.idx >= 0 && e.idx < len(*tq) && (*tq)[e.idx] == e {
		heap.Remove(tq, e.idx)
	}
	e.p.timer = nil
}

// next returns the earliest pending deadline.
func (tq timerQueue) next() (time.Time, bool) {
	if len(tq) == 0 {
		return time.Time{}, false
	}
	return tq[0].when, true
}

// popExpired removes and returns the earliest entry if it is due.
func (tq *timerQueue) popExpired(now time.Time) *timerEntry {
	if len(*tq) == 0 || (*tq)[0].when.After(now) {
		return nil
	}
	e := heap.Pop(tq).(*timerEntry)
	e.p.timer = nil
	return e
}
