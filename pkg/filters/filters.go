// Package filters implements the pipeline filters. A filter wraps the
// next consumer in the chain and delegates whatever it does not
// transform, so filters and sinks compose freely.
//
// Filters that rewrite layer bytes share the mutating base: it
// re-tars the layer in the narrowest format that fits, recomputes the
// content digest, and holds the config element back until every layer
// has passed so the patched config is the last element the sink sees.
package filters

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/shakenfist/occystrap/pkg/element"
	"github.com/shakenfist/occystrap/pkg/tarformat"
)

// rewriteLayer streams a layer tar through skip and transform into a
// scratch file, and returns the scratch path and the new digest hex of
// the rewritten bytes. The tar format is chosen by pre-scanning the
// transformed member list.
func rewriteLayer(scratchDir string, data io.ReadSeeker, skip func(*tar.Header) bool, transform func(*tar.Header)) (string, string, error) {
	format, err := tarformat.Select(data, transform, skip)
	if err != nil {
		return "", "", err
	}

	tf, err := os.CreateTemp(scratchDir, "occystrap-rewrite-")
	if err != nil {
		return "", "", err
	}

	digester := digest.SHA256.Digester()
	tw := tar.NewWriter(io.MultiWriter(tf, digester.Hash()))

	fail := func(err error) (string, string, error) {
		tf.Close()
		os.Remove(tf.Name())
		return "", "", err
	}

	if _, err := data.Seek(0, io.SeekStart); err != nil {
		return fail(err)
	}
	tr := tar.NewReader(data)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fail(err)
		}

		if skip != nil && skip(hdr) {
			continue
		}

		clone := *hdr
		if transform != nil {
			transform(&clone)
		}
		clone.Format = format
		if err := tw.WriteHeader(&clone); err != nil {
			return fail(err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.Copy(tw, tr); err != nil {
				return fail(err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		return fail(err)
	}
	if err := tf.Close(); err != nil {
		os.Remove(tf.Name())
		return "", "", err
	}
	return tf.Name(), digester.Digest().Encoded(), nil
}

// mutating is the shared base for filters that rewrite layer bytes. It
// tracks diff ID renames, buffers the config element, and emits the
// patched config after the final layer.
type mutating struct {
	element.Passthrough
	Log        *logrus.Entry
	ScratchDir string

	renames    map[string]string
	configName string
	configData []byte
}

// Want is always true for a mutating filter: rewritten layers get new
// digests, so the sink's dedup check against the incoming digest does
// not apply.
func (m *mutating) Want(digest string) bool { return true }

// diffIDOf hashes a layer's uncompressed bytes, which is what the
// config's rootfs.diff_ids records. The element name cannot stand in
// for it: registry sources name layers by the compressed blob digest
// and saved tarballs by a content-addressable directory name.
func diffIDOf(data io.ReadSeeker) (string, error) {
	if _, err := data.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	digester := digest.SHA256.Digester()
	if _, err := io.Copy(digester.Hash(), data); err != nil {
		return "", err
	}
	return digester.Digest().Encoded(), nil
}

// acceptLayer rewrites one layer and forwards it under its new digest,
// recording the old diff ID -> new diff ID rename for the config
// patch.
func (m *mutating) acceptLayer(name string, data io.ReadSeeker, skip func(*tar.Header) bool, transform func(*tar.Header)) error {
	oldHex, err := diffIDOf(data)
	if err != nil {
		return err
	}

	scratch, newHex, err := rewriteLayer(m.ScratchDir, data, skip, transform)
	if err != nil {
		return err
	}
	defer os.Remove(scratch)

	if m.renames == nil {
		m.renames = map[string]string{}
	}
	m.renames[oldHex] = newHex

	f, err := os.Open(scratch)
	if err != nil {
		return err
	}
	defer f.Close()
	return m.Passthrough.Accept(element.ImageLayer, newHex, f)
}

// holdConfig buffers the config element until finalizeConfig.
func (m *mutating) holdConfig(name string, data io.ReadSeeker) error {
	configData, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.configName = name
	m.configData = configData
	return nil
}

// finalizeConfig patches the held config, renames it for its new
// digest, emits it, and finalizes the rest of the chain. patch may be
// nil when only diff IDs need rewriting.
func (m *mutating) finalizeConfig(patch func(config map[string]interface{})) error {
	if m.configData != nil {
		var config map[string]interface{}
		if err := json.Unmarshal(m.configData, &config); err != nil {
			return fmt.Errorf("decoding image config: %w", err)
		}

		m.patchDiffIDs(config)
		if patch != nil {
			patch(config)
		}

		patched, err := json.Marshal(config)
		if err != nil {
			return err
		}

		newHex := digest.FromBytes(patched).Encoded()
		newName := newHex + ".json"
		if isBlobName(m.configName) {
			newName = "blobs/sha256/" + newHex
		}
		m.Log.WithField("config", newName).Info("emitting rewritten config")
		if err := m.Passthrough.Accept(element.ConfigFile, newName, bytes.NewReader(patched)); err != nil {
			return err
		}
	}
	return m.Passthrough.Finalize()
}

func (m *mutating) patchDiffIDs(config map[string]interface{}) {
	rootfs, ok := config["rootfs"].(map[string]interface{})
	if !ok {
		return
	}
	diffIDs, ok := rootfs["diff_ids"].([]interface{})
	if !ok {
		return
	}
	for i, d := range diffIDs {
		old, ok := d.(string)
		if !ok {
			continue
		}
		hex := old
		if len(old) > 7 && old[:7] == "sha256:" {
			hex = old[7:]
		}
		if newHex, renamed := m.renames[hex]; renamed {
			diffIDs[i] = "sha256:" + newHex
		}
	}
}

func isBlobName(name string) bool {
	return len(name) > 6 && name[:6] == "blobs/"
}

func formatTimestamp(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
