// Package imgcompress streams the finished raw image through the selected
// codec and emits the companion checksum file.
package imgcompress

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/cheggaaa/pb/v3"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	"github.com/osbuild/raw-image-builder/internal/builderr"
)

// Codec selects the output compression.
type Codec string

const (
	None Codec = "none"
	Xz   Codec = "xz"
	Zstd Codec = "zstd"
)

// Images are pumped through the codec in fixed blocks; 4 MiB keeps the
// multithreaded encoders fed without ballooning memory.
const copyBlockSize = 4 * 1024 * 1024

func ParseCodec(s string) (Codec, error) {
	switch c := Codec(strings.ToLower(s)); c {
	case None, Xz, Zstd:
		return c, nil
	}
	return "", fmt.Errorf("unknown compression codec %q (expected none, xz or zstd)", s)
}

// Extension returns the artifact suffix for the codec, including the raw
// image extension for the passthrough case.
func (c Codec) Extension() string {
	switch c {
	case Xz:
		return ".xz"
	case Zstd:
		return ".zst"
	}
	return ".img"
}

// Error reports a codec failure and the stage it happened in.
type Error struct {
	Codec Codec
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s compression failed during %s: %v", e.Codec, e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func compressionFailed(c Codec, stage string, err error) error {
	return builderr.New(builderr.KindCompressionFailed, &Error{Codec: c, Stage: stage, Err: err})
}

// Compress streams rawPath into destPath through the codec. With
// showProgress a byte progress bar is rendered on the terminal.
func Compress(rawPath, destPath string, codec Codec, showProgress bool) error {
	in, err := os.Open(rawPath)
	if err != nil {
		return compressionFailed(codec, "open", err)
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return compressionFailed(codec, "stat", err)
	}
	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return compressionFailed(codec, "create", err)
	}
	defer out.Close()

	var reader io.Reader = in
	var bar *pb.ProgressBar
	if showProgress {
		bar = pb.Full.Start64(fi.Size())
		reader = bar.NewProxyReader(in)
		defer bar.Finish()
	}

	logrus.Infof("writing %s (%s)", destPath, codec)
	if err := encode(codec, out, reader); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return compressionFailed(codec, "sync", err)
	}
	return nil
}

func encode(codec Codec, out io.Writer, in io.Reader) error {
	buf := make([]byte, copyBlockSize)
	switch codec {
	case None:
		if _, err := io.CopyBuffer(out, in, buf); err != nil {
			return compressionFailed(codec, "copy", err)
		}
		return nil
	case Xz:
		// Preset 6; the pure-Go LZMA2 encoder runs one stream.
		w, err := xz.NewWriter(out)
		if err != nil {
			return compressionFailed(codec, "init", err)
		}
		if _, err := io.CopyBuffer(w, in, buf); err != nil {
			return compressionFailed(codec, "encode", err)
		}
		if err := w.Close(); err != nil {
			return compressionFailed(codec, "finish", err)
		}
		return nil
	case Zstd:
		w, err := zstd.NewWriter(out,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(19)),
			zstd.WithEncoderConcurrency(runtime.NumCPU()))
		if err != nil {
			return compressionFailed(codec, "init", err)
		}
		if _, err := io.CopyBuffer(w, in, buf); err != nil {
			w.Close()
			return compressionFailed(codec, "encode", err)
		}
		if err := w.Close(); err != nil {
			return compressionFailed(codec, "finish", err)
		}
		return nil
	}
	return compressionFailed(codec, "init", fmt.Errorf("unknown codec"))
}

// ChecksumLine renders a checksum in the BSD form used for the sidecar
// file.
func ChecksumLine(filename, hexsum string) string {
	return fmt.Sprintf("SHA256 (%s) = %s\n", filename, hexsum)
}

// WriteChecksum hashes the artifact and writes <artifact>.sha256 next to
// it, returning the hex digest.
func WriteChecksum(artifactPath string) (string, error) {
	f, err := os.Open(artifactPath)
	if err != nil {
		return "", builderr.Errorf(builderr.KindChecksumFailed, "cannot open %q: %w", artifactPath, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", builderr.Errorf(builderr.KindChecksumFailed, "cannot hash %q: %w", artifactPath, err)
	}
	hexsum := fmt.Sprintf("%x", h.Sum(nil))
	line := ChecksumLine(filepath.Base(artifactPath), hexsum)
	if err := os.WriteFile(artifactPath+".sha256", []byte(line), 0o644); err != nil {
		return "", builderr.Errorf(builderr.KindChecksumFailed, "cannot write checksum file: %w", err)
	}
	return hexsum, nil
}
