package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.log")
	l, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, l.Append(Entry{Identity: "telegram:1", Command: "/health", Result: ResultOK}))
	require.NoError(t, l.Append(Entry{
		Identity:   "telegram:1",
		Command:    "/restart",
		Approval:   ApprovalApproved,
		ApprovalID: "abc123",
		ApprovedBy: "matrix:@me:x",
		Result:     ResultOK,
	}))
	require.NoError(t, l.Close())

	entries, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ApprovalNone, entries[0].Approval)
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].Timestamp.IsZero())
	assert.Equal(t, "matrix:@me:x", entries[1].ApprovedBy)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestAppendOnlyAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	for i := 0; i < 3; i++ {
		l, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, l.Append(Entry{Identity: "cli:local", Command: "/help", Result: ResultOK}))
		require.NoError(t, l.Close())
	}

	entries, err := Tail(path, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	all, err := ReadAll(path)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAppendAfterClose(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "audit.log"))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	assert.Error(t, l.Append(Entry{Command: "/help"}))
}

func TestReadMissing(t *testing.T) {
	entries, err := ReadAll(filepath.Join(t.TempDir(), "nope.log"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
