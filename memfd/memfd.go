// Copyright 2025 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package memfd creates sealed, read-only memory file descriptors and maps them
copy-on-write.

Sealed memfds can be safely shared across process boundaries: neither the
creator nor any receiver can change their contents anymore.
*/
package memfd

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const createFlags = unix.MFD_CLOEXEC | unix.MFD_ALLOW_SEALING
const roSeals = unix.F_SEAL_SEAL | unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE

// New returns a new (unsealed) memfd with the given name. The caller is
// responsible for closing it.
func New(name string) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, createFlags)
	if err != nil {
		return nil, fmt.Errorf("memfd_create failed, reason: %w", err)
	}
	f := os.NewFile(uintptr(fd), name)
	if f == nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("invalid memfd for %q", name)
	}
	return f, nil
}

// Sealed returns a new memfd with the contents read from r, sealed so that
// its contents cannot be changed anymore. The file offset of the returned
// memfd is at its start.
func Sealed(name string, r io.Reader) (*os.File, error) {
	f, err := New(name)
	if err != nil {
		return nil, err
	}
	if _, err := f.ReadFrom(r); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("cannot fill memfd %q, reason: %w", name, err)
	}
	if _, err := unix.FcntlInt(f.Fd(), unix.F_ADD_SEALS, roSeals); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("cannot seal memfd %q, reason: %w", name, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("cannot rewind memfd %q, reason: %w", name, err)
	}
	return f, nil
}

// FromBytes returns a new sealed memfd with the passed contents.
func FromBytes(name string, b []byte) (*os.File, error) {
	return Sealed(name, bytes.NewReader(b))
}

// Map the complete contents of the file referenced by the passed file
// descriptor read-only and copy-on-write into memory. Empty files map to an
// empty (non-nil) slice. The mapping stays valid after closing fd; unmap it
// using [Unmap].
func Map(fd int) ([]byte, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, err
	}
	if st.Size == 0 {
		return []byte{}, nil
	}
	b, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("cannot map fd %d, reason: %w", fd, err)
	}
	return b, nil
}

// Unmap a mapping returned by [Map].
func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}
