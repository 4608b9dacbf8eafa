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
	"context"
	"hash/crc32"
	"net"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/unio-io/unio/pkg/bs"
	errorx "github.com/unio-io/unio/pkg/errors"
)

// maxGroupSize caps how many reactors one group may drive.
const maxGroupSize = 10000

// LoadBalancing represents the type of load-balancing algorithm.
type LoadBalancing int

const (
	// RoundRobin assigns submissions to the reactors in rotation.
	RoundRobin LoadBalancing = iota

	// LeastInflight assigns submissions to the reactor that has the
	// fewest unresolved operations at the current time.
	LeastInflight

	// SourceAddrHash assigns submissions by hashing the peer address,
	// keeping one peer's traffic on one reactor.
	SourceAddrHash
)

// loadBalancer is an interface which manipulates the reactor set.
type loadBalancer interface {
	register(*Reactor)
	next(net.Addr) *Reactor
	iterate(func(int, *Reactor) bool)
	len() int
}

// Group drives several reactors at once and spreads work across them.
// It is the multi-core shape of the driver: one reactor per core, each
// run by its own goroutine, submissions steered by a load balancer.
type Group struct {
	reactors loadBalancer
	running  int32
}

// NewGroup builds size reactors sharing the given options. A size of
// zero or less means one reactor per CPU. The balancing algorithm comes
// from WithLoadBalancing and defaults to round-robin.
func NewGroup(size int, options ...Option) (*Group, error) {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if size > maxGroupSize {
		return nil, errorx.ErrTooManyReactors
	}
	opts := initOptions(options...)

	var lb loadBalancer
	switch opts.LB {
	case LeastInflight:
		lb = new(leastInflightLoadBalancer)
	case SourceAddrHash:
		lb = new(sourceAddrHashLoadBalancer)
	default:
		lb = new(roundRobinLoadBalancer)
	}

	g := &Group{reactors: lb}
	for i := 0; i < size; i++ {
		r, err := NewReactor(options...)
		if err != nil {
			g.reactors.iterate(func(_ int, built *Reactor) bool {
				_ = built.Close()
				return true
			})
			return nil, err
		}
		g.reactors.register(r)
	}
	return g, nil
}

// Run drives every reactor in its own goroutine until ctx ends, the
// group is shut down, or one reactor fails. A failure cancels the
// sibling loops and is the error Run returns.
func (g *Group) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&g.running, 0, 1) {
		return errorx.ErrConcurrentPoll
	}
	defer atomic.StoreInt32(&g.running, 0)

	eg, ctx := errgroup.WithContext(ctx)
	g.reactors.iterate(func(_ int, r *Reactor) bool {
		eg.Go(func() error {
			return r.Run(ctx)
		})
		return true
	})
	return eg.Wait()
}

// Next picks a reactor for the given peer address, which may be nil for
// algorithms that do not use it.
func (g *Group) Next(addr net.Addr) *Reactor {
	return g.reactors.next(addr)
}

// Len reports how many reactors the group holds.
func (g *Group) Len() int {
	return g.reactors.len()
}

// Iterate visits the reactors in registration order until f returns false.
func (g *Group) Iterate(f func(int, *Reactor) bool) {
	g.reactors.iterate(f)
}

// Shutdown drains and closes every reactor. The first error is kept and
// the remaining reactors are still closed.
func (g *Group) Shutdown(ctx context.Context) (err error) {
	g.reactors.iterate(func(_ int, r *Reactor) bool {
		if e := r.Shutdown(ctx); e != nil && err == nil {
			err = e
		}
		return true
	})
	return
}

type (
	// roundRobinLoadBalancer with Round-Robin algorithm.
	roundRobinLoadBalancer struct {
		nextIndex int
		reactors  []*Reactor
		size      int
	}

	// leastInflightLoadBalancer with Least-Inflight algorithm.
	leastInflightLoadBalancer struct {
		reactors []*Reactor
		size     int
	}

	// sourceAddrHashLoadBalancer with Hash algorithm.
	sourceAddrHashLoadBalancer struct {
		reactors []*Reactor
		size     int
	}
)

// ==================================== Implementation of Round-Robin load-balancer ====================================

func (lb *roundRobinLoadBalancer) register(r *Reactor) {
	lb.reactors = append(lb.reactors, r)
	lb.size++
}

// next returns the eligible reactor based on Round-Robin algorithm.
func (lb *roundRobinLoadBalancer) next(_ net.Addr) (r *Reactor) {
	r = lb.reactors[lb.nextIndex]
	if lb.nextIndex++; lb.nextIndex >= lb.size {
		lb.nextIndex = 0
	}
	return
}

func (lb *roundRobinLoadBalancer) iterate(f func(int, *Reactor) bool) {
	for i, r := range lb.reactors {
		if !f(i, r) {
			break
		}
	}
}

func (lb *roundRobinLoadBalancer) len() int {
	return lb.size
}

// ================================= Implementation of Least-Inflight load-balancer ==================================

func (lb *leastInflightLoadBalancer) register(r *Reactor) {
	lb.reactors = append(lb.reactors, r)
	lb.size++
}

// next returns the reactor carrying the fewest unresolved operations.
func (lb *leastInflightLoadBalancer) next(_ net.Addr) (r *Reactor) {
	r = lb.reactors[0]
	minN := r.Inflight()
	for _, v := range lb.reactors[1:] {
		if n := v.Inflight(); n < minN {
			minN = n
			r = v
		}
	}
	return
}

func (lb *leastInflightLoadBalancer) iterate(f func(int, *Reactor) bool) {
	for i, r := range lb.reactors {
		if !f(i, r) {
			break
		}
	}
}

func (lb *leastInflightLoadBalancer) len() int {
	return lb.size
}

// ======================================= Implementation of Hash load-balancer ========================================

func (lb *sourceAddrHashLoadBalancer) register(r *Reactor) {
	lb.reactors = append(lb.reactors, r)
	lb.size++
}

// hash converts a string to a unique hash code.
func (lb *sourceAddrHashLoadBalancer) hash(s string) int {
	v := int(crc32.ChecksumIEEE(bs.StringToBytes(s)))
	if v >= 0 {
		return v
	}
	return -v
}

// next returns the eligible reactor by taking the remainder of a hash code
// as the index of the reactor list. A nil address falls back to the first.
func (lb *sourceAddrHashLoadBalancer) next(addr net.Addr) *Reactor {
	if addr == nil {
		return lb.reactors[0]
	}
	return lb.reactors[lb.hash(addr.String())%lb.size]
}

func (lb *sourceAddrHashLoadBalancer) iterate(f func(int, *Reactor) bool) {
	for i, r := range lb.reactors {
		if !f(i, r) {
			break
		}
	}
}

func (lb *sourceAddrHashLoadBalancer) len() int {
	return lb.size
}
