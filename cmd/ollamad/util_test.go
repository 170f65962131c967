package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "n/a", formatBytes(-1))
	assert.Equal(t, "0 B", formatBytes(0))
	assert.Equal(t, "1023 B", formatBytes(1023))
	assert.Equal(t, "1.0 KiB", formatBytes(1024))
	assert.Equal(t, "1.5 MiB", formatBytes(1536*1024))
	assert.Equal(t, "2.0 GiB", formatBytes(2<<30))
}

func TestDialAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:11435", dialAddr(":11435"))
	assert.Equal(t, "127.0.0.1:80", dialAddr("0.0.0.0:80"))
	assert.Equal(t, "127.0.0.1:80", dialAddr("[::]:80"))
	assert.Equal(t, "10.0.0.2:9000", dialAddr("10.0.0.2:9000"))
	assert.Equal(t, "garbage", dialAddr("garbage"))
}

func TestDaemonArgs(t *testing.T) {
	in := []string{"serve", "--daemonize", "--config", "x.toml", "--logfile", "out.log", "--pidfile", "d.pid", "--logfile=y"}
	assert.Equal(t, []string{"serve", "--config", "x.toml", "--pidfile", "d.pid"}, daemonArgs(in))
}

func TestPidFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "d.pid")
	require.NoError(t, writePidFile(p, 4242))
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "4242", string(b))
	require.NoError(t, removePidFile(p))
	assert.NoFileExists(t, p)
	assert.NoError(t, removePidFile(""))
}

func TestAPIURL(t *testing.T) {
	c := &command{flags: &GlobalFlags{}}
	u, ca, err := c.apiURL()
	require.NoError(t, err)
	assert.Equal(t, defaultAPIUrl, u)
	assert.Empty(t, ca)

	c.flags.APIUrl = "http://remote:1/api"
	u, _, err = c.apiURL()
	require.NoError(t, err)
	assert.Equal(t, "http://remote:1/api", u)

	dir := t.TempDir()
	path := filepath.Join(dir, "ollamad.toml")
	data := "[server]\nlisten = \"0.0.0.0:12000\"\nbase_path = \"/ctl\"\n[server.tls]\nenabled = true\ndir = \"certs\"\nauto_generate = true\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	c = &command{flags: &GlobalFlags{ConfigPath: path}}
	u, ca, err = c.apiURL()
	require.NoError(t, err)
	assert.Equal(t, "https://127.0.0.1:12000/ctl", u)
	assert.Equal(t, filepath.Join(dir, "certs", "tls_ca.crt"), ca)
}
