package imgcompress_test

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/osbuild/raw-image-builder/internal/imgcompress"
)

func TestParseCodec(t *testing.T) {
	for in, want := range map[string]imgcompress.Codec{
		"none": imgcompress.None,
		"xz":   imgcompress.Xz,
		"ZSTD": imgcompress.Zstd,
	} {
		got, err := imgcompress.ParseCodec(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := imgcompress.ParseCodec("lz4")
	assert.Error(t, err)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, ".img", imgcompress.None.Extension())
	assert.Equal(t, ".xz", imgcompress.Xz.Extension())
	assert.Equal(t, ".zst", imgcompress.Zstd.Extension())
}

// rawImage writes a compressible but non-trivial test payload.
func rawImage(t *testing.T) (string, []byte) {
	t.Helper()
	payload := bytes.Repeat([]byte("raw image builder test payload\x00"), 32*1024)
	path := filepath.Join(t.TempDir(), "raw.img")
	require.NoError(t, os.WriteFile(path, payload, 0o644))
	return path, payload
}

func TestCompressRoundTripZstd(t *testing.T) {
	rawPath, payload := rawImage(t)
	dest := filepath.Join(t.TempDir(), "image.zst")

	require.NoError(t, imgcompress.Compress(rawPath, dest, imgcompress.Zstd, false))

	f, err := os.Open(dest)
	require.NoError(t, err)
	defer f.Close()
	dec, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer dec.Close()
	got, err := io.ReadAll(dec)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got), "decompressed artifact must match the raw image byte for byte")
}

func TestCompressRoundTripXz(t *testing.T) {
	rawPath, payload := rawImage(t)
	dest := filepath.Join(t.TempDir(), "image.xz")

	require.NoError(t, imgcompress.Compress(rawPath, dest, imgcompress.Xz, false))

	f, err := os.Open(dest)
	require.NoError(t, err)
	defer f.Close()
	dec, err := xz.NewReader(f)
	require.NoError(t, err)
	got, err := io.ReadAll(dec)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func TestCompressPassthrough(t *testing.T) {
	rawPath, payload := rawImage(t)
	dest := filepath.Join(t.TempDir(), "image.img")

	require.NoError(t, imgcompress.Compress(rawPath, dest, imgcompress.None, false))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func TestChecksumLine(t *testing.T) {
	line := imgcompress.ChecksumLine("image.zst", "abc123")
	assert.Equal(t, "SHA256 (image.zst) = abc123\n", line)
}

func TestWriteChecksum(t *testing.T) {
	rawPath, payload := rawImage(t)

	sum, err := imgcompress.WriteChecksum(rawPath)
	require.NoError(t, err)
	want := fmt.Sprintf("%x", sha256.Sum256(payload))
	assert.Equal(t, want, sum)

	sidecar, err := os.ReadFile(rawPath + ".sha256")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("SHA256 (raw.img) = %s\n", want), string(sidecar))
}

func TestCompressMissingInput(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "image.zst")
	err := imgcompress.Compress(filepath.Join(t.TempDir(), "absent.img"), dest, imgcompress.Zstd, false)
	require.Error(t, err)
	var cerr *imgcompress.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, imgcompress.Zstd, cerr.Codec)
	assert.Equal(t, "open", cerr.Stage)
}
