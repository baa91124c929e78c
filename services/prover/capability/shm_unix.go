// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package capability

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

type mmapBuffer struct {
	data []byte
}

func newSharedBuffer(size int) (sharedBuffer, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	return &mmapBuffer{data: data}, nil
}

func (b *mmapBuffer) word(i int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b.data[i*4]))
}

func (b *mmapBuffer) Close() error {
	return unix.Munmap(b.data)
}
