// Package partition models a flash OTA target: a fixed-size,
// block-aligned backing store with a separate "mark bootable" step so
// a bad image never becomes the next-boot target.
package partition

import (
	"fmt"
	"os"
)

// BlockSize is the flash erase/program granularity OTA writes are
// aligned to.
const BlockSize = 4096

// Partition is a block-addressable OTA target backed by a plain file,
// standing in for a raw flash partition on hardware. Writes are only
// ever appended one BlockSize block at a time, mirroring the
// constraint a real flash partition imposes.
type Partition struct {
	path string
	f    *os.File
}

// Open creates/truncates the partition's backing file for a fresh OTA
// write sequence.
func Open(path string) (*Partition, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("partition: open %s: %w", path, err)
	}
	return &Partition{path: path, f: f}, nil
}

// WriteBlock writes one BlockSize-aligned block at blockIndex. block
// must be exactly BlockSize bytes (callers pad the final, partial
// block with 0xFF before calling).
func (p *Partition) WriteBlock(blockIndex int, block []byte) error {
	if len(block) != BlockSize {
		return fmt.Errorf("partition: block must be %d bytes, got %d", BlockSize, len(block))
	}
	if _, err := p.f.WriteAt(block, int64(blockIndex)*BlockSize); err != nil {
		return fmt.Errorf("partition: write block %d: %w", blockIndex, err)
	}
	return nil
}

// Abort discards the partial write without marking it bootable.
func (p *Partition) Abort() error {
	return p.f.Close()
}

// MarkBootable closes the partition and records it as the next-boot
// target. The device does not restart itself; a subsequent, separate
// reset command is expected to apply it.
func (p *Partition) MarkBootable() error {
	if err := p.f.Close(); err != nil {
		return fmt.Errorf("partition: close %s: %w", p.path, err)
	}
	marker := p.path + ".bootable"
	if err := os.WriteFile(marker, []byte(p.path), 0o644); err != nil {
		return fmt.Errorf("partition: mark bootable: %w", err)
	}
	return nil
}
