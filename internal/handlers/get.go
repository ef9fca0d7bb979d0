package handlers

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileRoot bounds where Get/Put may read and write, so a command
// can't escape the device's intended file area via "../" segments.
type FileRoot string

func (r FileRoot) resolve(tail string) (string, error) {
	if tail == "" {
		return "", fmt.Errorf("missing path")
	}
	clean := filepath.Clean("/" + tail)
	return filepath.Join(string(r), clean), nil
}

// Get opens tail (a path relative to root) and returns it as a stream
// for the dispatcher to chunk out.
func (r FileRoot) Get(tail string, payload []byte, seq int, last bool) ([]byte, io.Reader, error) {
	path, err := r.resolve(tail)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("get %s: %w", tail, err)
	}
	return nil, f, nil
}
