/*
 * Copyright 2026 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package fla implements a coalescing free-list allocator over a virtual
// range reserved once at creation and committed in OS-page increments as
// allocations demand it. Each region (free or used) is bounded by an inline
// head and tail boundary tag; free regions are additionally threaded onto an
// intrusive doubly-linked list through their own payload bytes.
package fla

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/cloudwego/gopkg/bufiox"
	"github.com/cloudwego/gopkg/cache/mempool"
	"github.com/cloudwego/gopkg/unsafex"
)

// head is the boundary tag placed at the start of every region, used or
// free. size is the payload size in bytes, excluding head and tail.
type head struct {
	size   uint64
	isFree uint32
	_      uint32
}

// tail mirrors head.size so a region can be walked backwards from its end.
type tail struct {
	size uint64
}

// freeNode overlays the first bytes of a free region's payload. It is only
// valid while a region's isFree bit is set; once a region is allocated its
// payload bytes belong to the caller again.
type freeNode struct {
	next *freeNode
	prev *freeNode
}

const (
	headSize = unsafe.Sizeof(head{})
	tailSize = unsafe.Sizeof(tail{})

	// nodeMargin is the fixed per-region overhead paid by every allocation:
	// one head plus one tail.
	nodeMargin = headSize + tailSize

	// minAlign is the strictest alignment required by any boundary-tag or
	// free-list struct; payload sizes are rounded up to a multiple of it.
	minAlign = unsafe.Alignof(head{})

	// minAllocation is the smallest payload a region can have: large enough
	// that a free region can always host a freeNode.
	minAllocation = unsafe.Sizeof(freeNode{})
)

const lineTemplate = ": size: "
const totalSizeTemplate = ", total size: "
const freeTemplate = ", free: "
const nextTemplate = " (next: "

// Option configures an Allocator at construction time.
type Option func(*Allocator)

// WithAssert overrides the function invoked when a boundary-tag integrity
// check fails. The default panics with msg.
func WithAssert(fn func(ok bool, msg string)) Option {
	return func(a *Allocator) {
		if fn != nil {
			a.assert = func(ok bool, msg string) {
				if !ok {
					fn(ok, msg)
				}
			}
		}
	}
}

// Allocator manages a single reserved virtual range, committing pages into
// it on demand and carving committed pages into boundary-tagged regions.
type Allocator struct {
	memory   unsafe.Pointer
	reserved pageReservation
	maxSize  uint64
	pageSize uint64
	size     uint64 // bytes committed so far, always a prefix of the reservation
	first    *freeNode
	last     *freeNode
	assert   func(ok bool, msg string)
}

// New reserves a virtual range of maxSize bytes with no access permissions.
// No pages are committed until the first Allocate call demands them.
func New(maxSize int, opts ...Option) (*Allocator, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("fla: max size must be positive, got %d", maxSize)
	}

	a := &Allocator{}
	for _, opt := range opts {
		opt(a)
	}
	if a.assert == nil {
		a.assert = func(ok bool, msg string) {
			if !ok {
				panic("fla: " + msg)
			}
		}
	}

	base, reservation, err := reservePages(uintptr(maxSize))
	if err != nil {
		return nil, fmt.Errorf("fla: reserve %d bytes: %w", maxSize, err)
	}

	a.memory = base
	a.reserved = reservation
	a.maxSize = uint64(maxSize)
	a.pageSize = uint64(osPageSize())
	return a, nil
}

// Close releases the reserved virtual range back to the OS. The Allocator
// must not be used afterwards.
func (a *Allocator) Close() error {
	return releasePages(a.reserved)
}

// Stats is a point-in-time snapshot of region occupancy, derived by the same
// address-order traversal DumpNodes performs.
type Stats struct {
	Committed uint64
	Free      uint64
	Used      uint64
	Regions   int
}

// Stats walks the committed range and reports aggregate occupancy.
func (a *Allocator) Stats() Stats {
	s := Stats{Committed: a.size}
	for h := a.firstHead(); h != nil; h = a.nextHeadOf(h) {
		s.Regions++
		if h.isFree != 0 {
			s.Free += h.size
		} else {
			s.Used += h.size
		}
	}
	return s
}

// Allocate returns a payload of at least size bytes, or nil if size is zero
// or the request cannot be satisfied even after committing more pages (the
// commit itself is capped at the range passed to New).
func (a *Allocator) Allocate(size int) []byte {
	if size <= 0 {
		return nil
	}

	want := roundUpTo(uint64(size), uint64(minAlign))
	if want < uint64(minAllocation) {
		want = uint64(minAllocation)
	}

	h := a.findAtLeastBestFit(want)
	if h == nil {
		h = a.requestMoreMemory(want)
		if h == nil {
			return nil
		}
	}
	a.assert(h.size >= want, "allocate: selected region is smaller than requested")

	node := freeNodeOf(h)
	a.freeListRemove(node)

	if h.size >= want+uint64(nodeMargin)+uint64(minAllocation) {
		total := h.size
		h = a.newNode(unsafe.Pointer(h), want, false)
		next := a.nextHeadOf(h)
		a.assert(next != nil, "allocate: split left no room for a trailing region")
		a.newNode(unsafe.Pointer(next), total-want-uint64(nodeMargin), true)
	} else {
		h.isFree = 0
	}

	ptr := payloadPtr(h)
	return unsafe.Slice((*byte)(ptr), int(h.size))[:size]
}

// Free releases a payload previously returned by Allocate, coalescing it
// with an immediately adjacent free region on either side.
func (a *Allocator) Free(block []byte) {
	if len(block) == 0 {
		return
	}

	h := headOfPtr(unsafe.Pointer(&block[0]))
	t := tailOf(h)
	a.assert(h.size == t.size, "free: head/tail size mismatch")
	a.assert(h.isFree == 0, "free: region is already free")

	start := unsafe.Pointer(h)
	size := h.size

	if prev := a.prevHeadOf(h); prev != nil && prev.isFree != 0 {
		a.freeListRemove(freeNodeOf(prev))
		start = unsafe.Pointer(prev)
		size += prev.size + uint64(nodeMargin)
	}

	if next := a.nextHeadOf(h); next != nil && next.isFree != 0 {
		a.freeListRemove(freeNodeOf(next))
		size += next.size + uint64(nodeMargin)
	}

	a.newNode(start, size, true)
}

// DumpNodes writes one diagnostic line per committed region, in address
// order, to w: "ADDRESS: size: PAYLOAD, total size: TOTAL, free: 0|1", with
// a " (next: ADDRESS)" suffix for free regions showing their free-list
// successor.
func (a *Allocator) DumpNodes(w io.Writer) error {
	bw := bufiox.NewDefaultWriter(w)
	scratch := mempool.Malloc(256)
	defer mempool.Free(scratch)

	for h := a.firstHead(); h != nil; h = a.nextHeadOf(h) {
		line := scratch[:0]
		line = appendPointer(line, unsafe.Pointer(h))
		line = append(line, unsafex.StringToBinary(lineTemplate)...)
		line = appendUint(line, h.size)
		line = append(line, unsafex.StringToBinary(totalSizeTemplate)...)
		line = appendUint(line, h.size+uint64(nodeMargin))
		line = append(line, unsafex.StringToBinary(freeTemplate)...)
		if h.isFree != 0 {
			line = append(line, '1')
			line = append(line, unsafex.StringToBinary(nextTemplate)...)
			line = appendPointer(line, unsafe.Pointer(freeNodeOf(h).next))
			line = append(line, ')')
		} else {
			line = append(line, '0')
		}
		line = append(line, '\n')

		if _, err := bw.WriteBinary(line); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func roundUpTo(n, to uint64) uint64 {
	mask := to - 1
	return (n + mask) &^ mask
}

func appendUint(dst []byte, v uint64) []byte {
	if v == 0 {
		return append(dst, '0')
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return append(dst, buf[i:]...)
}

func appendPointer(dst []byte, p unsafe.Pointer) []byte {
	dst = append(dst, '0', 'x')
	v := uint64(uintptr(p))
	if v == 0 {
		return append(dst, '0')
	}
	var buf [16]byte
	i := len(buf)
	const hex = "0123456789abcdef"
	for v > 0 {
		i--
		buf[i] = hex[v&0xF]
		v >>= 4
	}
	return append(dst, buf[i:]...)
}

func headOfPtr(ptr unsafe.Pointer) *head {
	return (*head)(unsafe.Add(ptr, -int(headSize)))
}

func payloadPtr(h *head) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(h), int(headSize))
}

func tailOf(h *head) *tail {
	return (*tail)(unsafe.Add(unsafe.Pointer(h), int(headSize)+int(h.size)))
}

func freeNodeOf(h *head) *freeNode {
	return (*freeNode)(payloadPtr(h))
}

func headOfFreeNode(n *freeNode) *head {
	return (*head)(unsafe.Add(unsafe.Pointer(n), -int(headSize)))
}

func (a *Allocator) firstHead() *head {
	if a.size == 0 {
		return nil
	}
	return (*head)(a.memory)
}

func (a *Allocator) lastHead() *head {
	if a.size == 0 {
		return nil
	}
	end := unsafe.Add(a.memory, int(a.size))
	t := (*tail)(unsafe.Add(end, -int(tailSize)))
	h := (*head)(unsafe.Add(unsafe.Pointer(t), -int(t.size)-int(headSize)))
	a.assert(h.size == t.size, "lastHead: head/tail size mismatch")
	return h
}

func (a *Allocator) nextHeadOf(h *head) *head {
	addr := unsafe.Add(unsafe.Pointer(h), int(h.size)+int(nodeMargin))
	if uintptr(addr) >= uintptr(a.memory)+uintptr(a.size) {
		return nil
	}
	return (*head)(addr)
}

func (a *Allocator) prevHeadOf(h *head) *head {
	prevTailAddr := unsafe.Add(unsafe.Pointer(h), -int(tailSize))
	if uintptr(prevTailAddr) < uintptr(a.memory) {
		return nil
	}
	prevTail := (*tail)(prevTailAddr)
	addr := unsafe.Add(unsafe.Pointer(h), -int(prevTail.size)-int(nodeMargin))
	a.assert(uintptr(addr) >= uintptr(a.memory), "prevHeadOf: computed address precedes the reservation")
	return (*head)(addr)
}

func (a *Allocator) newNode(start unsafe.Pointer, size uint64, isFree bool) *head {
	h := (*head)(start)
	h.size = size
	if isFree {
		h.isFree = 1
	} else {
		h.isFree = 0
	}
	tailOf(h).size = size
	if isFree {
		a.freeListInsert(h)
	}
	return h
}

func (a *Allocator) freeListInsert(h *head) *freeNode {
	node := freeNodeOf(h)
	node.next = a.first
	if a.first != nil {
		a.first.prev = node
	}
	node.prev = nil
	a.first = node
	if a.last == nil {
		a.last = node
	}
	return node
}

func (a *Allocator) freeListRemove(node *freeNode) {
	if a.first == node {
		a.first = node.next
	} else {
		node.prev.next = node.next
	}
	if a.last == node {
		a.last = node.prev
	} else {
		node.next.prev = node.prev
	}
}

// findAtLeastBestFit walks the free list and returns the smallest region
// whose payload is at least size, short-circuiting on an exact match.
func (a *Allocator) findAtLeastBestFit(size uint64) *head {
	var best *head
	var bestSize uint64
	for current := a.first; current != nil; current = current.next {
		h := headOfFreeNode(current)
		if h.size == size {
			return h
		}
		if h.size > size && (best == nil || h.size < bestSize) {
			best = h
			bestSize = h.size
		}
	}
	return best
}

// requestMoreMemory commits additional pages, extending the last committed
// region if it is free or creating a new trailing free region otherwise.
func (a *Allocator) requestMoreMemory(size uint64) *head {
	last := a.lastHead()

	var required uint64
	if last != nil && last.isFree != 0 {
		required = size - last.size
	} else {
		required = size + uint64(nodeMargin)
	}

	rounded := roundUpTo(required, a.pageSize)
	minNodeSize := uint64(nodeMargin) + uint64(minAllocation)
	added := rounded - required
	if added != 0 && added < minNodeSize {
		rounded += a.pageSize
	}
	required = rounded

	if a.size+required > a.maxSize {
		return nil
	}

	end := unsafe.Add(a.memory, int(a.size))
	if err := commitPages(end, uintptr(required)); err != nil {
		return nil
	}
	a.size += required

	t := (*tail)(unsafe.Add(end, int(required)-int(tailSize)))
	if last != nil && last.isFree != 0 {
		last.size += required
		t.size = last.size
		return last
	}

	fresh := (*head)(end)
	fresh.size = required - uint64(headSize) - uint64(tailSize)
	fresh.isFree = 1
	t.size = fresh.size
	a.freeListInsert(fresh)
	return fresh
}
