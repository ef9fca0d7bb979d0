// Package safeboot reads and writes the 4-byte reboot-arbitration
// good-magic marker that an external watchdog/bootloader collaborator
// consults to decide whether the currently running image is considered
// good. It is a small interface onto that collaborator, not a
// reimplementation of the watchdog/bootloader itself.
package safeboot

import (
	"encoding/binary"
	"fmt"
	"os"
)

// GoodMagic is the little-endian marker value an external bootloader
// reads to decide the running image booted cleanly.
const GoodMagic uint32 = 0x0DF0EFBE

// Read returns true if the 4 bytes at path equal GoodMagic.
func Read(path string) (bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("safeboot: read %s: %w", path, err)
	}
	if len(b) != 4 {
		return false, fmt.Errorf("safeboot: %s is %d bytes, want 4", path, len(b))
	}
	return binary.LittleEndian.Uint32(b) == GoodMagic, nil
}

// Write stamps GoodMagic at path, marking the running image good.
func Write(path string) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], GoodMagic)
	if err := os.WriteFile(path, b[:], 0o644); err != nil {
		return fmt.Errorf("safeboot: write %s: %w", path, err)
	}
	return nil
}
