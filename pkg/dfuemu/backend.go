// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Emberfield Labs

package dfuemu

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/emberfield/dfutool/pkg/dfu"
)

// RAMBackend stores the firmware image in memory. Blocks must arrive in
// order starting at zero; out-of-order writes fail with an address fault.
// A FaultConfig can inject failures for testing host-side recovery.
type RAMBackend struct {
	Capacity int // 0 means unbounded
	Faults   FaultConfig

	image      []byte
	manifested []byte
	blockSize  int
}

// NewRAMBackend creates an empty in-memory store.
func NewRAMBackend(capacity int, faults FaultConfig) *RAMBackend {
	return &RAMBackend{Capacity: capacity, Faults: faults}
}

// Image returns the bytes received in the current download.
func (b *RAMBackend) Image() []byte { return b.image }

// Manifested returns the image as of the last completed manifestation.
func (b *RAMBackend) Manifested() []byte { return b.manifested }

// Preload seeds the manifested image, for upload sessions.
func (b *RAMBackend) Preload(image []byte) {
	b.manifested = append([]byte(nil), image...)
}

func (b *RAMBackend) WriteBlock(block uint16, data []byte) error {
	if fb := b.Faults.FailBlock; fb != nil && *fb == block {
		return &dfu.BackendError{
			Fault: faultKinds[b.Faults.Fault],
			Err:   fmt.Errorf("injected failure at block %d", block),
		}
	}
	if block == 0 {
		b.image = nil
		b.blockSize = len(data)
	}
	off := blockOffset(block, b.blockSize)
	if off != len(b.image) {
		return &dfu.BackendError{
			Fault: dfu.FaultAddress,
			Err:   fmt.Errorf("block %d out of sequence (have %d bytes)", block, len(b.image)),
		}
	}
	if b.Capacity > 0 && off+len(data) > b.Capacity {
		return &dfu.BackendError{
			Fault: dfu.FaultAddress,
			Err:   fmt.Errorf("image exceeds %d byte capacity", b.Capacity),
		}
	}
	b.image = append(b.image, data...)
	return nil
}

func (b *RAMBackend) ReadBlock(block uint16, maxLen int) ([]byte, error) {
	return sliceBlock(b.manifested, block, maxLen), nil
}

func (b *RAMBackend) CommitManifestation() error {
	if b.Faults.FailCommit {
		return &dfu.BackendError{Fault: dfu.FaultFirmware, Err: errors.New("injected manifestation failure")}
	}
	b.manifested = b.image
	b.image = nil
	return nil
}

// FileBackend stores the firmware image on disk. Downloads accumulate in a
// staging file next to the target; manifestation renames it into place, so
// a torn session never corrupts the previous image.
type FileBackend struct {
	Path   string
	Faults FaultConfig

	staging   *os.File
	written   int
	blockSize int
}

// NewFileBackend creates a file-backed store at path.
func NewFileBackend(path string, faults FaultConfig) *FileBackend {
	return &FileBackend{Path: path, Faults: faults}
}

func (b *FileBackend) stagingPath() string {
	return filepath.Join(filepath.Dir(b.Path), filepath.Base(b.Path)+".staging")
}

func (b *FileBackend) WriteBlock(block uint16, data []byte) error {
	if fb := b.Faults.FailBlock; fb != nil && *fb == block {
		return &dfu.BackendError{
			Fault: faultKinds[b.Faults.Fault],
			Err:   fmt.Errorf("injected failure at block %d", block),
		}
	}
	if block == 0 {
		b.discardStaging()
		f, err := os.Create(b.stagingPath())
		if err != nil {
			return &dfu.BackendError{Fault: dfu.FaultWrite, Err: err}
		}
		b.staging = f
		b.written = 0
		b.blockSize = len(data)
	}
	if b.staging == nil {
		return &dfu.BackendError{
			Fault: dfu.FaultAddress,
			Err:   fmt.Errorf("block %d without a block 0", block),
		}
	}
	if off := blockOffset(block, b.blockSize); off != b.written {
		return &dfu.BackendError{
			Fault: dfu.FaultAddress,
			Err:   fmt.Errorf("block %d out of sequence (have %d bytes)", block, b.written),
		}
	}
	n, err := b.staging.Write(data)
	b.written += n
	if err != nil {
		return &dfu.BackendError{Fault: dfu.FaultWrite, Err: err}
	}
	return nil
}

func (b *FileBackend) ReadBlock(block uint16, maxLen int) ([]byte, error) {
	f, err := os.Open(b.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &dfu.BackendError{Fault: dfu.FaultAddress, Err: err}
	}
	defer f.Close()

	buf := make([]byte, maxLen)
	n, err := f.ReadAt(buf, int64(block)*int64(maxLen))
	if err != nil && n == 0 {
		return nil, nil
	}
	return buf[:n], nil
}

func (b *FileBackend) CommitManifestation() error {
	if b.Faults.FailCommit {
		b.discardStaging()
		return &dfu.BackendError{Fault: dfu.FaultFirmware, Err: errors.New("injected manifestation failure")}
	}
	if b.staging == nil {
		return nil
	}
	if err := b.staging.Sync(); err != nil {
		b.discardStaging()
		return &dfu.BackendError{Fault: dfu.FaultFirmware, Err: err}
	}
	if err := b.staging.Close(); err != nil {
		b.staging = nil
		return &dfu.BackendError{Fault: dfu.FaultFirmware, Err: err}
	}
	b.staging = nil
	if err := os.Rename(b.stagingPath(), b.Path); err != nil {
		return &dfu.BackendError{Fault: dfu.FaultFirmware, Err: err}
	}
	return nil
}

// Close discards any staged download.
func (b *FileBackend) Close() error {
	b.discardStaging()
	return nil
}

func (b *FileBackend) discardStaging() {
	if b.staging != nil {
		b.staging.Close()
		b.staging = nil
	}
	os.Remove(b.stagingPath())
}

func blockOffset(block uint16, blockSize int) int {
	return int(block) * blockSize
}

func sliceBlock(image []byte, block uint16, maxLen int) []byte {
	off := int(block) * maxLen
	if off >= len(image) {
		return nil
	}
	end := off + maxLen
	if end > len(image) {
		end = len(image)
	}
	return image[off:end]
}
