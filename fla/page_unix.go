//go:build unix

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
	"unsafe"

	"golang.org/x/sys/unix"
)

// pageReservation holds the slice returned by the initial Mmap call so it
// can be passed back to Munmap verbatim on Close.
type pageReservation struct {
	mapping []byte
}

// reservePages maps size bytes with no access permissions, reserving the
// address range without committing any physical pages.
func reservePages(size uintptr) (unsafe.Pointer, pageReservation, error) {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, pageReservation{}, err
	}
	return unsafe.Pointer(&b[0]), pageReservation{mapping: b}, nil
}

// commitPages grants read/write access to a sub-range of an existing
// reservation. The kernel backs the pages with physical memory lazily, on
// first touch.
func commitPages(addr unsafe.Pointer, size uintptr) error {
	region := unsafe.Slice((*byte)(addr), int(size))
	return unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE)
}

func releasePages(r pageReservation) error {
	if r.mapping == nil {
		return nil
	}
	return unix.Munmap(r.mapping)
}

func osPageSize() uintptr {
	return uintptr(unix.Getpagesize())
}
