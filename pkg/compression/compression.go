// Package compression handles the codecs used for layer blobs on the
// wire: gzip and zstd, detected either from the manifest media type or
// from magic bytes, and applied as streaming readers and writers.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Type identifies a compression format.
type Type string

const (
	Gzip    Type = "gzip"
	Zstd    Type = "zstd"
	None    Type = "none"
	Unknown Type = "unknown"
)

// Docker layer and config media types. The OCI equivalents come from
// the image-spec module.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerConfig       = "application/vnd.docker.container.image.v1+json"
	MediaTypeDockerLayerGzip    = "application/vnd.docker.image.rootfs.diff.tar.gzip"
	MediaTypeDockerLayerZstd    = "application/vnd.docker.image.rootfs.diff.tar.zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// DetectBytes sniffs the compression format from the first bytes of a
// blob.
func DetectBytes(b []byte) Type {
	if len(b) >= 2 && bytes.Equal(b[:2], gzipMagic) {
		return Gzip
	}
	if len(b) >= 4 && bytes.Equal(b[:4], zstdMagic) {
		return Zstd
	}
	return Unknown
}

// Detect sniffs the compression format of a seekable stream and
// restores the stream position. An uncompressed tar is recognized from
// the ustar magic at offset 257.
func Detect(r io.ReadSeeker) (Type, error) {
	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return Unknown, err
	}
	defer r.Seek(pos, io.SeekStart)

	magic := make([]byte, 4)
	n, err := io.ReadFull(r, magic)
	if err != nil && err != io.ErrUnexpectedEOF {
		return Unknown, err
	}
	if t := DetectBytes(magic[:n]); t != Unknown {
		return t, nil
	}

	if _, err := r.Seek(257, io.SeekStart); err == nil {
		tarMagic := make([]byte, 5)
		if n, _ := io.ReadFull(r, tarMagic); n == 5 && string(tarMagic) == "ustar" {
			return None, nil
		}
	}
	return Unknown, nil
}

// FromMediaType maps a manifest layer media type to its compression
// format.
func FromMediaType(mediaType string) Type {
	switch {
	case mediaType == "":
		return Unknown
	case strings.HasSuffix(mediaType, "+gzip"), strings.HasSuffix(mediaType, ".gzip"):
		return Gzip
	case strings.HasSuffix(mediaType, "+zstd"), strings.HasSuffix(mediaType, ".zstd"):
		return Zstd
	case strings.HasSuffix(mediaType, ".tar") && !strings.Contains(mediaType, "+"):
		return None
	}
	return Unknown
}

// LayerMediaType returns the layer media type for a compression format
// in the given schema family.
func LayerMediaType(t Type, oci bool) (string, error) {
	switch t {
	case Gzip:
		if oci {
			return "application/vnd.oci.image.layer.v1.tar+gzip", nil
		}
		return MediaTypeDockerLayerGzip, nil
	case Zstd:
		if oci {
			return "application/vnd.oci.image.layer.v1.tar+zstd", nil
		}
		return MediaTypeDockerLayerZstd, nil
	}
	return "", fmt.Errorf("no layer media type for compression %q", t)
}

type nopCloser struct{ io.Reader }

func (nopCloser) Close() error { return nil }

type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

// NewReader wraps r in a streaming decompressor for the given format.
// None and Unknown pass the stream through untouched.
func NewReader(t Type, r io.Reader) (io.ReadCloser, error) {
	switch t {
	case Gzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		return gz, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		return zstdReadCloser{zr}, nil
	case None, Unknown:
		return nopCloser{r}, nil
	}
	return nil, fmt.Errorf("unsupported compression type %q", t)
}

// NewWriter wraps w in a streaming compressor for the given format.
// Output is deterministic: the gzip header carries no timestamp or
// name, and zstd frames depend only on the input.
func NewWriter(t Type, w io.Writer) (io.WriteCloser, error) {
	switch t {
	case Gzip:
		// pgzip compresses blocks on parallel goroutines, which
		// matters for multi-hundred-megabyte layers.
		return pgzip.NewWriterLevel(w, pgzip.BestCompression)
	case Zstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	}
	return nil, fmt.Errorf("unsupported compression type %q", t)
}

// ParseType validates a user-supplied compression name.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "", "gzip":
		return Gzip, nil
	case "zstd":
		return Zstd, nil
	}
	return Unknown, fmt.Errorf("unsupported compression %q (want gzip or zstd)", s)
}
