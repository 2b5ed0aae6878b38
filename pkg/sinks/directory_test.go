package sinks

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shakenfist/occystrap/pkg/element"
)

func acceptImage(t *testing.T, sink element.Consumer, config []byte, layers [][]byte) {
	t.Helper()
	configName := layerHex(config) + ".json"
	require.NoError(t, sink.Accept(element.ConfigFile, configName, bytes.NewReader(config)))
	for _, layer := range layers {
		require.NoError(t, sink.Accept(element.ImageLayer, layerHex(layer), bytes.NewReader(layer)))
	}
	require.NoError(t, sink.Finalize())
}

func TestDirectorySinkBasic(t *testing.T) {
	layer := buildLayerTar(t, []layerFile{{name: "bin/sh", content: "#!/bin/sh"}})
	hex := layerHex(layer)
	config := buildImageConfig(t, []string{hex})

	dir := t.TempDir()
	sink, err := NewDirectory(testLogger(), "img", "v1", dir, false, false)
	require.NoError(t, err)
	acceptImage(t, sink, config, [][]byte{layer})

	got, err := os.ReadFile(filepath.Join(dir, hex, "layer.tar"))
	require.NoError(t, err)
	assert.Equal(t, layer, got)

	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	require.NoError(t, err)
	var manifest []manifestEntry
	require.NoError(t, json.Unmarshal(raw, &manifest))
	assert.Equal(t, []string{hex + "/layer.tar"}, manifest[0].Layers)

	// Without expand there are no extracted views.
	_, err = os.Stat(filepath.Join(dir, hex, "extracted"))
	assert.True(t, os.IsNotExist(err))
}

func TestDirectorySinkUniqueNamesAndCatalog(t *testing.T) {
	layer := buildLayerTar(t, []layerFile{{name: "f", content: "shared"}})
	hex := layerHex(layer)

	dir := t.TempDir()

	// Two images sharing one layer blob.
	for _, tag := range []string{"v1", "v2"} {
		config := buildImageConfig(t, []string{hex})
		sink, err := NewDirectory(testLogger(), "owner/img", tag, dir, true, false)
		require.NoError(t, err)

		if tag == "v2" {
			// The blob landed on the first pass; the sink
			// declines a second copy.
			assert.False(t, sink.Want(hex))
			configName := layerHex(config) + ".json"
			require.NoError(t, sink.Accept(element.ConfigFile, configName, bytes.NewReader(config)))
			require.NoError(t, sink.Accept(element.ImageLayer, hex, nil))
			require.NoError(t, sink.Finalize())
		} else {
			assert.True(t, sink.Want(hex))
			acceptImage(t, sink, config, [][]byte{layer})
		}
	}

	raw, err := os.ReadFile(filepath.Join(dir, "catalog.json"))
	require.NoError(t, err)
	var catalog map[string]map[string]string
	require.NoError(t, json.Unmarshal(raw, &catalog))
	assert.Equal(t, "manifest-owner_img-v1.json", catalog["owner/img"]["v1"])
	assert.Equal(t, "manifest-owner_img-v2.json", catalog["owner/img"]["v2"])

	// Both manifests reference the shared blob.
	for _, manifestName := range []string{"manifest-owner_img-v1.json", "manifest-owner_img-v2.json"} {
		raw, err := os.ReadFile(filepath.Join(dir, manifestName))
		require.NoError(t, err)
		var manifest []manifestEntry
		require.NoError(t, json.Unmarshal(raw, &manifest))
		assert.Equal(t, []string{hex + "/layer.tar"}, manifest[0].Layers)
		assert.Equal(t, "owner/img", manifest[0].ImageName)
	}
}

// A whiteout in an upper layer removes the path from the merged view
// while both per-layer views keep their literal contents.
func TestDirectoryExpandWhiteoutSemantics(t *testing.T) {
	lower := buildLayerTar(t, []layerFile{
		{name: "dir", typeflag: tar.TypeDir},
		{name: "dir/foo", content: "delete me"},
		{name: "dir/bar", content: "keep me"},
	})
	upper := buildLayerTar(t, []layerFile{
		{name: "dir/.wh.foo", content: ""},
		{name: "dir/baz", content: "new file"},
	})

	config := buildImageConfig(t, []string{layerHex(lower), layerHex(upper)})

	dir := t.TempDir()
	sink, err := NewDirectory(testLogger(), "img", "v1", dir, false, true)
	require.NoError(t, err)
	acceptImage(t, sink, config, [][]byte{lower, upper})

	merged := filepath.Join(dir, "manifest")

	_, err = os.Stat(filepath.Join(merged, "dir/foo"))
	assert.True(t, os.IsNotExist(err), "whiteout must remove dir/foo from the merged view")

	got, err := os.ReadFile(filepath.Join(merged, "dir/bar"))
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(got))

	got, err = os.ReadFile(filepath.Join(merged, "dir/baz"))
	require.NoError(t, err)
	assert.Equal(t, "new file", string(got))

	// No whiteout marker survives in the merged view.
	_, err = os.Stat(filepath.Join(merged, "dir/.wh.foo"))
	assert.True(t, os.IsNotExist(err))

	// The per-layer views keep their literal contents.
	lowerView := filepath.Join(dir, layerHex(lower), "extracted")
	_, err = os.Stat(filepath.Join(lowerView, "dir/foo"))
	assert.NoError(t, err)

	upperView := filepath.Join(dir, layerHex(upper), "extracted")
	_, err = os.Stat(filepath.Join(upperView, "dir/.wh.foo"))
	assert.NoError(t, err)
}

func TestDirectoryExpandOpaqueWhiteout(t *testing.T) {
	lower := buildLayerTar(t, []layerFile{
		{name: "cache", typeflag: tar.TypeDir},
		{name: "cache/stale-a", content: "old"},
		{name: "cache/stale-b", content: "old"},
	})
	upper := buildLayerTar(t, []layerFile{
		{name: "cache", typeflag: tar.TypeDir},
		{name: "cache/.wh..wh..opq", content: ""},
		{name: "cache/fresh", content: "new"},
	})

	config := buildImageConfig(t, []string{layerHex(lower), layerHex(upper)})

	dir := t.TempDir()
	sink, err := NewDirectory(testLogger(), "img", "v1", dir, false, true)
	require.NoError(t, err)
	acceptImage(t, sink, config, [][]byte{lower, upper})

	merged := filepath.Join(dir, "manifest")
	_, err = os.Stat(filepath.Join(merged, "cache/stale-a"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(merged, "cache/stale-b"))
	assert.True(t, os.IsNotExist(err))

	got, err := os.ReadFile(filepath.Join(merged, "cache/fresh"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestDirectoryExpandUpperLayerReplacesFiles(t *testing.T) {
	lower := buildLayerTar(t, []layerFile{{name: "etc/conf", content: "v1"}})
	upper := buildLayerTar(t, []layerFile{{name: "etc/conf", content: "v2"}})
	config := buildImageConfig(t, []string{layerHex(lower), layerHex(upper)})

	dir := t.TempDir()
	sink, err := NewDirectory(testLogger(), "img", "v1", dir, false, true)
	require.NoError(t, err)
	acceptImage(t, sink, config, [][]byte{lower, upper})

	got, err := os.ReadFile(filepath.Join(dir, "manifest", "etc/conf"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func TestDirectoryRejectsUnsafePaths(t *testing.T) {
	layer := buildLayerTar(t, []layerFile{
		{name: "../escape", content: "nope"},
		{name: "ok", content: "fine"},
	})
	config := buildImageConfig(t, []string{layerHex(layer)})

	dir := t.TempDir()
	sink, err := NewDirectory(testLogger(), "img", "v1", dir, false, true)
	require.NoError(t, err)
	acceptImage(t, sink, config, [][]byte{layer})

	_, err = os.Stat(filepath.Join(filepath.Dir(dir), "escape"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "manifest", "ok"))
	assert.NoError(t, err)
}
