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

package fla

import (
	"bytes"
	"fmt"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInvalidSize(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)
	_, err = New(-1)
	assert.Error(t, err)
}

func TestNewReservesWithoutCommitting(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	assert.Equal(t, uint64(0), a.size)
}

// TestEmptyArenaDumpNodes transcribes spec.md §8 scenario 3.
func TestEmptyArenaDumpNodes(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	var buf bytes.Buffer
	require.NoError(t, a.DumpNodes(&buf))
	assert.Empty(t, buf.Bytes())
}

// TestFirstAllocationCommitsPages transcribes spec.md §8 scenario 4.
func TestFirstAllocationCommitsPages(t *testing.T) {
	a := newTestAllocator(t, 1<<20)

	b := a.Allocate(20)
	require.NotNil(t, b)
	assert.GreaterOrEqual(t, len(b), 20)

	assert.True(t, a.size > 0)
	assert.Equal(t, uint64(0), a.size%a.pageSize)

	s := a.Stats()
	assert.Equal(t, 2, s.Regions)
	assert.True(t, s.Used >= 20)
	assert.True(t, s.Free > 0)

	var buf bytes.Buffer
	require.NoError(t, a.DumpNodes(&buf))
	lines := bytes.Count(buf.Bytes(), []byte("\n"))
	assert.Equal(t, 2, lines)
}

// TestCoalesceBothNeighbours transcribes spec.md §8 scenario 5. It checks
// the coalesce outcome through Stats() rather than a literal
// sizeA+sizeB+sizeC+2*nodeMargin formula: the first Allocate commits a
// full OS page and leaves a free tail that B and C are carved from, so the
// region B ends up merged with on its far side is that leftover tail, not
// just C. What the scenario actually promises is that freeing B, the
// middle block, merges it with both now-free neighbours into one region
// spanning the whole committed range.
func TestCoalesceBothNeighbours(t *testing.T) {
	a := newTestAllocator(t, 1<<20)

	blockA := a.Allocate(32)
	blockB := a.Allocate(48)
	blockC := a.Allocate(64)
	require.NotNil(t, blockA)
	require.NotNil(t, blockB)
	require.NotNil(t, blockC)

	a.Free(blockA)
	a.Free(blockC)
	a.Free(blockB)

	s := a.Stats()
	assert.Equal(t, 1, s.Regions)
	assert.Equal(t, uint64(0), s.Used)
	assert.Equal(t, s.Committed-uint64(nodeMargin), s.Free)

	h := a.firstHead()
	require.NotNil(t, h)
	assert.NotZero(t, h.isFree)
	assert.Equal(t, s.Free, h.size)
	assert.Nil(t, a.nextHeadOf(h))
}

// TestCapacityCap transcribes spec.md §8 scenario 6.
func TestCapacityCap(t *testing.T) {
	a := newTestAllocator(t, int(defaultPageSize()))

	assert.Nil(t, a.Allocate(2*int(defaultPageSize())))

	b := a.Allocate(64)
	assert.NotNil(t, b)
}

func TestAllocateZeroOrNegative(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	assert.Nil(t, a.Allocate(0))
	assert.Nil(t, a.Allocate(-1))
}

func TestFreeDoubleFreePanics(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	b := a.Allocate(32)
	require.NotNil(t, b)
	a.Free(b)
	assert.Panics(t, func() { a.Free(b) })
}

func TestFreeRestoresSingleFreeRegion(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	b := a.Allocate(200)
	require.NotNil(t, b)
	before := a.size

	a.Free(b)

	assert.Equal(t, before, a.size)
	h := a.firstHead()
	require.NotNil(t, h)
	assert.NotZero(t, h.isFree)
	assert.Nil(t, a.nextHeadOf(h))
}

// TestFindAtLeastBestFitPrefersSmallest exercises the §9 open-question
// decision directly: among several qualifying free regions, the smallest
// one is chosen, not the largest.
func TestFindAtLeastBestFitPrefersSmallest(t *testing.T) {
	a := newTestAllocator(t, 1<<20)

	small := a.Allocate(32)
	mid := a.Allocate(128) // stays allocated, keeps the two freed regions apart
	large := a.Allocate(512)
	require.NotNil(t, small)
	require.NotNil(t, mid)
	require.NotNil(t, large)

	smallSize := headOfPtr(unsafe.Pointer(&small[0])).size

	// Freeing large merges it with the committed-but-unused tail region,
	// making it larger than the freed small region. A worst-fit search
	// would pick this one; true best-fit must not.
	a.Free(large)
	a.Free(small)

	h := a.findAtLeastBestFit(16)
	require.NotNil(t, h)
	assert.Equal(t, smallSize, h.size)
}

func TestRoundUpTo(t *testing.T) {
	assert.Equal(t, uint64(8), roundUpTo(1, 8))
	assert.Equal(t, uint64(8), roundUpTo(8, 8))
	assert.Equal(t, uint64(16), roundUpTo(9, 8))
}

func TestStatsAccountsForEveryRegion(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	b := a.Allocate(100)
	require.NotNil(t, b)

	s := a.Stats()
	assert.Equal(t, s.Committed, s.Used+s.Free+uint64(s.Regions)*uint64(nodeMargin))
}

func ExampleAllocator_Allocate() {
	a, err := New(1 << 20)
	if err != nil {
		panic(err)
	}
	defer a.Close()

	block := a.Allocate(100)
	s := a.Stats()
	fmt.Println("used:", s.Used)
	fmt.Println("accounted for:", s.Committed == s.Used+s.Free+uint64(s.Regions)*uint64(nodeMargin))

	a.Free(block)
	s = a.Stats()
	fmt.Println("used after free:", s.Used)

	// Output:
	// used: 104
	// accounted for: true
	// used after free: 0
}

func BenchmarkFindAtLeastBestFit(b *testing.B) {
	a, err := New(1 << 20)
	require.NoError(b, err)
	defer a.Close()
	for i := 0; i < 16; i++ {
		blk := a.Allocate(64 * (i + 1))
		if i%2 == 0 {
			a.Free(blk)
		}
	}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		a.findAtLeastBestFit(96)
	}
}

func BenchmarkAllocateFreeCoalesce(b *testing.B) {
	a, err := New(1 << 20)
	require.NoError(b, err)
	defer a.Close()

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		blk := a.Allocate(128)
		a.Free(blk)
	}
}

// helpers

func newTestAllocator(t *testing.T, maxSize int) *Allocator {
	t.Helper()
	a, err := New(maxSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func defaultPageSize() uintptr {
	return osPageSize()
}
