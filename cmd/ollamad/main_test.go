package main

import (
	"bytes"
	"strings"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/ollamad/internal/config"
)

func TestRootHasCommands(t *testing.T) {
	root := buildRoot()
	want := []string{"serve", "start", "stop", "restart", "status", "input", "log", "clear", "stats", "init-config", "hash-token"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	for _, flag := range []string{"config", "api-url", "api-timeout", "ca-cert", "insecure", "token"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestHelp(t *testing.T) {
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--help"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "ollamad")
}

func TestInitConfigWritesLoadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ollamad.toml")
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"init-config", path})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "wrote "+path)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 11434, cfg.Ollama.Port)

	root = buildRoot()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"init-config", path})
	assert.Error(t, root.Execute(), "existing file is not overwritten")
}

func TestInputRequiresText(t *testing.T) {
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"input"})
	assert.Error(t, root.Execute())
}

func TestUnreachableDaemon(t *testing.T) {
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--api-url", "http://127.0.0.1:1/api", "--api-timeout", "500ms", "status"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestHashToken(t *testing.T) {
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"hash-token", "--cost", "4", "s3cret"})
	require.NoError(t, root.Execute())
	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))
}
