package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tve/mqboard/internal/testutils"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mqboard.yaml")
	testutils.CheckNotError(os.WriteFile(path, []byte(body), 0o644), t)
	return path
}

func Test_Load_fills_defaults(t *testing.T) {
	path := writeConfig(t, "server: broker.local\nprefix: dev/abc\nresponse_time: 5\n")
	c, err := Load(path)
	testutils.CheckNotError(err, t)
	testutils.CheckEqual(1883, c.Port, t)
	testutils.CheckEqual(8, c.WorkerPool, t)
	testutils.CheckEqual("info", c.LogLevel, t)
}

func Test_Load_tls_defaults_port_8883(t *testing.T) {
	path := writeConfig(t, "server: broker.local\nprefix: dev/abc\ntls: true\n")
	c, err := Load(path)
	testutils.CheckNotError(err, t)
	testutils.CheckEqual(8883, c.Port, t)
}

func Test_Load_rejects_keepalive_invariant_violation(t *testing.T) {
	path := writeConfig(t, "server: broker.local\nprefix: dev/abc\nresponse_time: 10\nkeepalive: 5\n")
	_, err := Load(path)
	testutils.CheckTrue(err != nil, t)
}

func Test_Load_accepts_keepalive_zero(t *testing.T) {
	path := writeConfig(t, "server: broker.local\nprefix: dev/abc\nresponse_time: 10\nkeepalive: 0\n")
	_, err := Load(path)
	testutils.CheckNotError(err, t)
}

func Test_Load_requires_server(t *testing.T) {
	path := writeConfig(t, "prefix: dev/abc\n")
	_, err := Load(path)
	testutils.CheckTrue(err != nil, t)
}
