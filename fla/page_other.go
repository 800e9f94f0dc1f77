//go:build !unix && !windows

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
	"errors"
	"unsafe"
)

// pageReservation is empty: this platform has nothing to release.
type pageReservation struct{}

var errUnsupportedPlatform = errors.New("fla: OS page reservation is not supported on this platform")

func reservePages(size uintptr) (unsafe.Pointer, pageReservation, error) {
	return nil, pageReservation{}, errUnsupportedPlatform
}

func commitPages(addr unsafe.Pointer, size uintptr) error {
	return errUnsupportedPlatform
}

func releasePages(r pageReservation) error {
	return nil
}

func osPageSize() uintptr {
	return 4096
}
