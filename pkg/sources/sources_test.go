package sources

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/shakenfist/occystrap/pkg/element"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type capturedElement struct {
	kind element.Kind
	name string
	data []byte
	nil_ bool
}

// captureConsumer records everything it accepts. wants can veto
// layers to exercise the skip path.
type captureConsumer struct {
	elements  []capturedElement
	wants     func(string) bool
	finalized bool
}

func (c *captureConsumer) Want(digest string) bool {
	if c.wants == nil {
		return true
	}
	return c.wants(digest)
}

func (c *captureConsumer) Accept(kind element.Kind, name string, data io.ReadSeeker) error {
	captured := capturedElement{kind: kind, name: name, nil_: data == nil}
	if data != nil {
		buf, err := io.ReadAll(data)
		if err != nil {
			return err
		}
		captured.data = buf
	}
	c.elements = append(c.elements, captured)
	return nil
}

func (c *captureConsumer) Finalize() error {
	c.finalized = true
	return nil
}

func buildLayerTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func buildImageConfig(t *testing.T, diffIDHexes []string) []byte {
	t.Helper()
	diffIDs := make([]string, len(diffIDHexes))
	for i, hex := range diffIDHexes {
		diffIDs[i] = "sha256:" + hex
	}
	config := map[string]interface{}{
		"architecture": "amd64",
		"os":           "linux",
		"config":       map[string]interface{}{"Cmd": []string{"sh"}},
		"rootfs":       map[string]interface{}{"type": "layers", "diff_ids": diffIDs},
	}
	encoded, err := json.Marshal(config)
	require.NoError(t, err)
	return encoded
}

// tarEntry is a helper for composing docker save tar fixtures.
type tarEntry struct {
	name string
	data []byte
}

func buildSaveTar(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: e.name,
			Mode: 0o644,
			Size: int64(len(e.data)),
		}))
		_, err := tw.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	encoded, err := json.Marshal(v)
	require.NoError(t, err)
	return encoded
}

func layerHex(layer []byte) string {
	return digest.FromBytes(layer).Encoded()
}
