//go:build !windows

package scripts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScripts(t *testing.T, manifest string, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0600))
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0700))
	}
	return dir
}

const testManifest = `
[[script]]
name = "hello"
description = "prints hello"
file = "hello.sh"
timeout_seconds = 5

[[script]]
name = "fail"
description = "exits 3"
file = "fail.sh"
requires_approval = true

[[script]]
name = "slow"
description = "sleeps past its timeout"
file = "slow.sh"
timeout_seconds = 1
`

func testFiles() map[string]string {
	return map[string]string{
		"hello.sh": "#!/bin/sh\necho hello\n",
		"fail.sh":  "#!/bin/sh\necho broken >&2\nexit 3\n",
		"slow.sh":  "#!/bin/sh\nsleep 30\n",
	}
}

func TestLoadManifest(t *testing.T) {
	dir := writeScripts(t, testManifest, testFiles())
	m, err := LoadManifest(dir)
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"fail", "hello", "slow"}, []string{list[0].Name, list[1].Name, list[2].Name})

	s, err := m.Lookup("fail")
	require.NoError(t, err)
	assert.True(t, s.RequiresApproval)
	assert.Equal(t, DefaultTimeout, s.Timeout())
	assert.Equal(t, filepath.Join(m.Dir(), "fail.sh"), s.Path())

	_, err = m.Lookup("rm -rf /")
	assert.ErrorIs(t, err, ErrUnknownScript)
}

func TestLoadManifestMissingIsEmpty(t *testing.T) {
	m, err := LoadManifest(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, m.List())
}

func TestLoadManifestRejects(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
	}{
		{"traversal", "[[script]]\nname = \"x\"\nfile = \"../../bin/sh\"\n"},
		{"absolute", "[[script]]\nname = \"x\"\nfile = \"/bin/sh\"\n"},
		{"bad name", "[[script]]\nname = \"Run Me\"\nfile = \"x.sh\"\n"},
		{"duplicate", "[[script]]\nname = \"x\"\nfile = \"x.sh\"\n[[script]]\nname = \"x\"\nfile = \"y.sh\"\n"},
		{"syntax", "[[script]\nname = "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeScripts(t, tt.manifest, nil)
			_, err := LoadManifest(dir)
			assert.ErrorIs(t, err, ErrInvalidManifest)
		})
	}
}

func TestRun(t *testing.T) {
	dir := writeScripts(t, testManifest, testFiles())
	m, err := LoadManifest(dir)
	require.NoError(t, err)
	r := NewRunner(m)
	ctx := context.Background()

	res, err := r.Run(ctx, "hello")
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "hello\n", res.Output)

	res, err = r.Run(ctx, "fail")
	require.NoError(t, err, "a non-zero exit is a result, not an error")
	assert.False(t, res.OK())
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Output, "broken")

	_, err = r.Run(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownScript)
}

func TestRunTimeoutKillsScript(t *testing.T) {
	dir := writeScripts(t, testManifest, testFiles())
	m, err := LoadManifest(dir)
	require.NoError(t, err)

	start := time.Now()
	res, err := NewRunner(m).Run(context.Background(), "slow")
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.False(t, res.OK())
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestTailBufferKeepsEnd(t *testing.T) {
	b := &tailBuffer{limit: 4}
	_, _ = b.Write([]byte("abcdef"))
	assert.Equal(t, "...\ncdef", b.String())
}
