package sinks

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

type layerFile struct {
	name     string
	content  string
	typeflag byte
}

func buildLayerTar(t *testing.T, files []layerFile) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		typeflag := f.typeflag
		if typeflag == 0 {
			typeflag = tar.TypeReg
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     f.name,
			Mode:     0o644,
			Typeflag: typeflag,
			Size:     int64(len(f.content)),
		}))
		if typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(f.content))
			require.NoError(t, err)
		}
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
		"config":       map[string]interface{}{"Cmd": []string{"sh"}, "WorkingDir": "/app", "Entrypoint": []string{"/bin/run"}},
		"rootfs":       map[string]interface{}{"type": "layers", "diff_ids": diffIDs},
	}
	encoded, err := json.Marshal(config)
	require.NoError(t, err)
	return encoded
}

func layerHex(layer []byte) string {
	return digest.FromBytes(layer).Encoded()
}

// recordingConsumer captures element names and bytes in arrival order.
type recordingConsumer struct {
	names    *[]string
	contents *[][]byte
}

func (c *recordingConsumer) Want(digest string) bool { return true }

func (c *recordingConsumer) Accept(kind element.Kind, name string, data io.ReadSeeker) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	*c.names = append(*c.names, name)
	*c.contents = append(*c.contents, buf)
	return nil
}

func (c *recordingConsumer) Finalize() error { return nil }

// readTarEntries returns member name -> content for an on-disk tar.
func readTarEntries(t *testing.T, r io.Reader) (map[string][]byte, []*tar.Header) {
	t.Helper()
	entries := map[string][]byte{}
	var headers []*tar.Header
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		entries[hdr.Name] = data
		clone := *hdr
		headers = append(headers, &clone)
	}
	return entries, headers
}
