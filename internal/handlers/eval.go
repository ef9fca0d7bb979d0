// Package handlers implements the device's remote command handlers:
// eval/exec, get, put, and ota. Each matches the mqrepl.Handler
// signature and is registered with a Dispatcher by the device's
// command wiring (cmd/mqdevice).
package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// EvalTimeout bounds how long a single eval/exec command may run
// before it is killed and reported as a command error.
const EvalTimeout = 10 * time.Second

// Eval runs payload as a shell command line and replies with its
// combined stdout+stderr. eval and exec share this implementation:
// there is no Go equivalent of a runtime expression compiler with a
// statement-sequence fallback, so both commands get the same
// "arbitrary one-liner in, captured output out" shape via the shell
// rather than a bespoke expression interpreter.
func Eval(tail string, payload []byte, seq int, last bool) ([]byte, io.Reader, error) {
	line := strings.TrimSpace(string(payload))
	if line == "" {
		return []byte{}, nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), EvalTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", line)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return nil, nil, fmt.Errorf("eval %q: %w", line, err)
	}
	return out.Bytes(), nil, nil
}
