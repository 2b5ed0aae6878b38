package filters

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
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
}

// captureSink records everything it accepts.
type captureSink struct {
	elements  []capturedElement
	finalized bool
}

func (s *captureSink) Want(digest string) bool { return true }

func (s *captureSink) Accept(kind element.Kind, name string, data io.ReadSeeker) error {
	var buf []byte
	if data != nil {
		var err error
		buf, err = io.ReadAll(data)
		if err != nil {
			return err
		}
	}
	s.elements = append(s.elements, capturedElement{kind: kind, name: name, data: buf})
	return nil
}

func (s *captureSink) Finalize() error {
	s.finalized = true
	return nil
}

type layerMember struct {
	name     string
	content  string
	mtime    time.Time
	typeflag byte
}

func buildLayer(t *testing.T, members []layerMember) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, m := range members {
		typeflag := m.typeflag
		if typeflag == 0 {
			typeflag = tar.TypeReg
		}
		hdr := &tar.Header{
			Name:     m.name,
			Mode:     0o644,
			Typeflag: typeflag,
			ModTime:  m.mtime,
			Size:     int64(len(m.content)),
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(m.content))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func buildConfig(t *testing.T, diffIDs []string) []byte {
	t.Helper()
	config := map[string]interface{}{
		"created":      "2023-06-01T10:00:00Z",
		"architecture": "amd64",
		"os":           "linux",
		"config": map[string]interface{}{
			"Cmd": []string{"sh"},
		},
		"rootfs": map[string]interface{}{
			"type":     "layers",
			"diff_ids": diffIDs,
		},
		"history": []map[string]interface{}{
			{"created": "2023-06-01T10:00:00Z", "created_by": "ADD rootfs.tar /"},
		},
	}
	encoded, err := json.Marshal(config)
	require.NoError(t, err)
	return encoded
}

func layerMembers(t *testing.T, layer []byte) map[string]*tar.Header {
	t.Helper()
	members := map[string]*tar.Header{}
	tr := tar.NewReader(bytes.NewReader(layer))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		clone := *hdr
		members[hdr.Name] = &clone
	}
	return members
}

func runFilterPipeline(t *testing.T, consumer element.Consumer, layers [][]byte, config []byte) {
	t.Helper()
	for _, layer := range layers {
		hex := digest.FromBytes(layer).Encoded()
		require.NoError(t, consumer.Accept(element.ImageLayer, hex, bytes.NewReader(layer)))
	}
	configName := digest.FromBytes(config).Encoded() + ".json"
	require.NoError(t, consumer.Accept(element.ConfigFile, configName, bytes.NewReader(config)))
	require.NoError(t, consumer.Finalize())
}

func TestNormalizeTimestamps(t *testing.T) {
	mtime := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	layer := buildLayer(t, []layerMember{
		{name: "bin", typeflag: tar.TypeDir, mtime: mtime},
		{name: "bin/sh", content: "#!/bin/sh", mtime: mtime},
	})
	oldHex := digest.FromBytes(layer).Encoded()
	config := buildConfig(t, []string{"sha256:" + oldHex})

	sink := &captureSink{}
	filter := NewNormalizeTimestamps(testLogger(), sink, 0, t.TempDir())
	runFilterPipeline(t, filter, [][]byte{layer}, config)

	require.Len(t, sink.elements, 2)
	assert.True(t, sink.finalized)

	// The layer comes through first, renamed to its new digest, with
	// every timestamp at the epoch.
	got := sink.elements[0]
	assert.Equal(t, element.ImageLayer, got.kind)
	newHex := digest.FromBytes(got.data).Encoded()
	assert.Equal(t, newHex, got.name)
	assert.NotEqual(t, oldHex, newHex)
	for name, hdr := range layerMembers(t, got.data) {
		assert.Equal(t, int64(0), hdr.ModTime.Unix(), name)
	}

	// The config arrives last, with the diff ID and timestamps
	// patched, renamed to its own new digest.
	gotConfig := sink.elements[1]
	assert.Equal(t, element.ConfigFile, gotConfig.kind)
	assert.Equal(t, digest.FromBytes(gotConfig.data).Encoded()+".json", gotConfig.name)

	var patched map[string]interface{}
	require.NoError(t, json.Unmarshal(gotConfig.data, &patched))
	rootfs := patched["rootfs"].(map[string]interface{})
	diffIDs := rootfs["diff_ids"].([]interface{})
	assert.Equal(t, "sha256:"+newHex, diffIDs[0])
	assert.Equal(t, "1970-01-01T00:00:00Z", patched["created"])
	history := patched["history"].([]interface{})
	assert.Equal(t, "1970-01-01T00:00:00Z",
		history[0].(map[string]interface{})["created"])
}

func TestNormalizeTimestampsFixedPoint(t *testing.T) {
	mtime := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	layer := buildLayer(t, []layerMember{
		{name: "etc/hostname", content: "box", mtime: mtime},
	})
	config := buildConfig(t, []string{"sha256:" + digest.FromBytes(layer).Encoded()})

	first := &captureSink{}
	runFilterPipeline(t, NewNormalizeTimestamps(testLogger(), first, 0, t.TempDir()),
		[][]byte{layer}, config)

	// Feed the normalized output back through: nothing changes.
	second := &captureSink{}
	filter := NewNormalizeTimestamps(testLogger(), second, 0, t.TempDir())
	require.NoError(t, filter.Accept(element.ImageLayer, first.elements[0].name,
		bytes.NewReader(first.elements[0].data)))
	require.NoError(t, filter.Accept(element.ConfigFile, first.elements[1].name,
		bytes.NewReader(first.elements[1].data)))
	require.NoError(t, filter.Finalize())

	assert.Equal(t, first.elements[0].name, second.elements[0].name)
	assert.Equal(t, first.elements[0].data, second.elements[0].data)
	assert.Equal(t, first.elements[1].data, second.elements[1].data)
}

func TestNormalizeTimestampsCustomEpoch(t *testing.T) {
	layer := buildLayer(t, []layerMember{
		{name: "f", content: "x", mtime: time.Unix(99, 0)},
	})
	config := buildConfig(t, []string{"sha256:" + digest.FromBytes(layer).Encoded()})

	sink := &captureSink{}
	runFilterPipeline(t, NewNormalizeTimestamps(testLogger(), sink, 1000000000, t.TempDir()),
		[][]byte{layer}, config)

	for _, hdr := range layerMembers(t, sink.elements[0].data) {
		assert.Equal(t, int64(1000000000), hdr.ModTime.Unix())
	}
}

func TestNormalizeTimestampsPreservesOCIConfigNaming(t *testing.T) {
	layer := buildLayer(t, []layerMember{
		{name: "f", content: "x", mtime: time.Unix(99, 0)},
	})
	config := buildConfig(t, []string{"sha256:" + digest.FromBytes(layer).Encoded()})

	sink := &captureSink{}
	filter := NewNormalizeTimestamps(testLogger(), sink, 0, t.TempDir())
	hex := digest.FromBytes(layer).Encoded()
	require.NoError(t, filter.Accept(element.ImageLayer, hex, bytes.NewReader(layer)))
	require.NoError(t, filter.Accept(element.ConfigFile,
		"blobs/sha256/"+digest.FromBytes(config).Encoded(), bytes.NewReader(config)))
	require.NoError(t, filter.Finalize())

	gotConfig := sink.elements[1]
	assert.Equal(t, "blobs/sha256/"+digest.FromBytes(gotConfig.data).Encoded(), gotConfig.name)
}

func TestExclude(t *testing.T) {
	layer := buildLayer(t, []layerMember{
		{name: "app/main.py", content: "print()"},
		{name: "app/main.pyc", content: "\x00\x01"},
		{name: "app/.git", typeflag: tar.TypeDir},
		{name: "app/.git/config", content: "[core]"},
		{name: "app/sub/.git/HEAD", content: "ref"},
	})
	oldHex := digest.FromBytes(layer).Encoded()
	config := buildConfig(t, []string{"sha256:" + oldHex})

	sink := &captureSink{}
	filter, err := NewExclude(testLogger(), sink,
		[]string{"**/.git/**", "**/*.pyc"}, t.TempDir())
	require.NoError(t, err)
	runFilterPipeline(t, filter, [][]byte{layer}, config)

	require.Len(t, sink.elements, 2)
	got := sink.elements[0]
	members := layerMembers(t, got.data)
	assert.Contains(t, members, "app/main.py")
	assert.NotContains(t, members, "app/main.pyc")
	assert.NotContains(t, members, "app/.git/config")
	assert.NotContains(t, members, "app/sub/.git/HEAD")

	// Digest renamed and config patched.
	newHex := digest.FromBytes(got.data).Encoded()
	assert.Equal(t, newHex, got.name)
	var patched map[string]interface{}
	require.NoError(t, json.Unmarshal(sink.elements[1].data, &patched))
	diffIDs := patched["rootfs"].(map[string]interface{})["diff_ids"].([]interface{})
	assert.Equal(t, "sha256:"+newHex, diffIDs[0])
}

func TestExcludeMultipleLayers(t *testing.T) {
	var layers [][]byte
	var diffIDs []string
	for i := 0; i < 3; i++ {
		layer := buildLayer(t, []layerMember{
			{name: fmt.Sprintf("file-%d.txt", i), content: "keep"},
			{name: fmt.Sprintf("junk-%d.pyc", i), content: "drop"},
		})
		layers = append(layers, layer)
		diffIDs = append(diffIDs, "sha256:"+digest.FromBytes(layer).Encoded())
	}
	config := buildConfig(t, diffIDs)

	sink := &captureSink{}
	filter, err := NewExclude(testLogger(), sink, []string{"**/*.pyc", "*.pyc"}, t.TempDir())
	require.NoError(t, err)
	runFilterPipeline(t, filter, layers, config)

	// Three layers then the config, in order.
	require.Len(t, sink.elements, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, element.ImageLayer, sink.elements[i].kind)
		members := layerMembers(t, sink.elements[i].data)
		assert.Contains(t, members, fmt.Sprintf("file-%d.txt", i))
		assert.NotContains(t, members, fmt.Sprintf("junk-%d.pyc", i))
	}
	assert.Equal(t, element.ConfigFile, sink.elements[3].kind)

	var patched map[string]interface{}
	require.NoError(t, json.Unmarshal(sink.elements[3].data, &patched))
	got := patched["rootfs"].(map[string]interface{})["diff_ids"].([]interface{})
	for i := 0; i < 3; i++ {
		assert.Equal(t, "sha256:"+sink.elements[i].name, got[i])
	}
}

// Registry sources name layers by the compressed blob digest and
// tarball sources by a directory name, neither of which matches the
// uncompressed diff ID in the config. The rename map must key on the
// hashed layer bytes, not the element name.
func TestMutatingFilterKeysRenamesOnDiffID(t *testing.T) {
	layer := buildLayer(t, []layerMember{
		{name: "srv/junk.pyc", content: "\x00", mtime: time.Unix(50, 0)},
		{name: "srv/app.py", content: "print()", mtime: time.Unix(50, 0)},
	})
	diffHex := digest.FromBytes(layer).Encoded()
	config := buildConfig(t, []string{"sha256:" + diffHex})

	for _, tc := range []struct {
		name  string
		build func(sink element.Consumer) element.Consumer
	}{
		{
			name: "normalize-timestamps",
			build: func(sink element.Consumer) element.Consumer {
				return NewNormalizeTimestamps(testLogger(), sink, 0, t.TempDir())
			},
		},
		{
			name: "exclude",
			build: func(sink element.Consumer) element.Consumer {
				f, err := NewExclude(testLogger(), sink, []string{"**/*.pyc"}, t.TempDir())
				require.NoError(t, err)
				return f
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sink := &captureSink{}
			filter := tc.build(sink)

			// The element name is the compressed blob digest, not
			// the diff ID.
			compressedName := "1111111111111111111111111111111111111111111111111111111111111111"
			require.NoError(t, filter.Accept(element.ImageLayer, compressedName, bytes.NewReader(layer)))
			require.NoError(t, filter.Accept(element.ConfigFile, "cfg.json", bytes.NewReader(config)))
			require.NoError(t, filter.Finalize())

			require.Len(t, sink.elements, 2)
			newHex := digest.FromBytes(sink.elements[0].data).Encoded()
			assert.Equal(t, newHex, sink.elements[0].name)

			var patched map[string]interface{}
			require.NoError(t, json.Unmarshal(sink.elements[1].data, &patched))
			diffIDs := patched["rootfs"].(map[string]interface{})["diff_ids"].([]interface{})
			assert.Equal(t, "sha256:"+newHex, diffIDs[0],
				"diff_ids must track the rewritten layer even when the element name is not the diff ID")
		})
	}
}

func TestMutatingFilterAlwaysWants(t *testing.T) {
	sink := &captureSink{}
	filter := NewNormalizeTimestamps(testLogger(), sink, 0, t.TempDir())
	assert.True(t, filter.Want("anything"))
}
