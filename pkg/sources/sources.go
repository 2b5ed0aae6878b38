// Package sources implements the image sources: a registry client, a
// Docker/Podman daemon client, a saved-tarball reader, and a reader
// for the shared directory layout the directory sink produces.
package sources

import (
	"errors"
	"io"
	"os"
	"path"
	"strings"
)

var (
	// ErrNoMatchingPlatform means a manifest list had no entry for
	// the requested os/architecture/variant.
	ErrNoMatchingPlatform = errors.New("no manifest matches the requested platform")

	// ErrDigestMismatch means a blob's content did not hash to its
	// declared digest. Never retried.
	ErrDigestMismatch = errors.New("digest verification failed")

	// ErrUnsupportedTarballFormat means a pre-1.10 docker save
	// tarball (parent-chain format) was presented.
	ErrUnsupportedTarballFormat = errors.New(
		"legacy pre-1.10 docker save format is not supported; " +
			"convert with: docker load < old.tar && docker save image:tag > new.tar")
)

// layerDigestFromPath derives a layer's element name from its tarball
// member path. Content-addressable layouts use <id>/layer.tar, where
// the directory name is a v1-compat ID rather than the diff ID; OCI
// layouts use blobs/sha256/<digest>, which yields the digest hex.
func layerDigestFromPath(layerPath string) string {
	if strings.HasPrefix(layerPath, "blobs/") {
		return path.Base(layerPath)
	}
	return path.Dir(layerPath)
}

// scratchFile copies r into a new scratch file in dir and returns its
// path.
func scratchFile(dir string, r io.Reader) (string, error) {
	tf, err := os.CreateTemp(dir, "occystrap-")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tf, r); err != nil {
		tf.Close()
		os.Remove(tf.Name())
		return "", err
	}
	if err := tf.Close(); err != nil {
		os.Remove(tf.Name())
		return "", err
	}
	return tf.Name(), nil
}

// emitScratch opens a scratch file, hands it to emit, and removes it
// afterwards.
func emitScratch(path string, emit func(f *os.File) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		f.Close()
		os.Remove(path)
	}()
	return emit(f)
}
