//go:build windows

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

	"golang.org/x/sys/windows"
)

// pageReservation holds the base address returned by the reserving
// VirtualAlloc call, needed by VirtualFree on Close.
type pageReservation struct {
	base uintptr
}

func reservePages(size uintptr) (unsafe.Pointer, pageReservation, error) {
	addr, err := windows.VirtualAlloc(0, size, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return nil, pageReservation{}, err
	}
	return unsafe.Pointer(addr), pageReservation{base: addr}, nil
}

// commitPages grants read/write access to a sub-range of an existing
// reservation by committing it in place.
func commitPages(addr unsafe.Pointer, size uintptr) error {
	_, err := windows.VirtualAlloc(uintptr(addr), size, windows.MEM_COMMIT, windows.PAGE_READWRITE)
	return err
}

func releasePages(r pageReservation) error {
	if r.base == 0 {
		return nil
	}
	return windows.VirtualFree(r.base, 0, windows.MEM_RELEASE)
}

func osPageSize() uintptr {
	var info windows.SystemInfo
	windows.GetSystemInfo(&info)
	return uintptr(info.PageSize)
}
