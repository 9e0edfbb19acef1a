package loopback

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSparse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.img")
	require.NoError(t, CreateSparse(path, 64))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024*1024), fi.Size())
}

func TestCreateSparseTruncatesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.img")
	require.NoError(t, os.WriteFile(path, []byte("leftover"), 0o644))

	require.NoError(t, CreateSparse(path, 1))
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1024*1024), fi.Size())

	head := make([]byte, 8)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Read(head)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8), head)
}

func TestCreateSparseMissingParent(t *testing.T) {
	err := CreateSparse(filepath.Join(t.TempDir(), "no/such/dir/raw.img"), 1)
	assert.Error(t, err)
}

func TestPartitionPath(t *testing.T) {
	h := &Handle{Path: "/dev/loop3"}
	assert.Equal(t, "/dev/loop3p1", h.PartitionPath(1))
	assert.Equal(t, "/dev/loop3p12", h.PartitionPath(12))
}
