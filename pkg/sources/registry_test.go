package sources

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shakenfist/occystrap/pkg/compression"
	"github.com/shakenfist/occystrap/pkg/element"
	"github.com/shakenfist/occystrap/pkg/registry"
)

// fakeRegistry serves one image over the V2 protocol for tests.
type fakeRegistry struct {
	t *testing.T

	manifest     []byte
	manifestType string
	index        []byte
	blobs        map[digest.Digest][]byte
}

func (f *fakeRegistry) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/v2/library/busybox/manifests/"):
			ref := strings.TrimPrefix(r.URL.Path, "/v2/library/busybox/manifests/")
			if f.index != nil && ref == "latest" {
				w.Header().Set("Content-Type", v1.MediaTypeImageIndex)
				w.Write(f.index)
				return
			}
			w.Header().Set("Content-Type", f.manifestType)
			w.Write(f.manifest)

		case strings.HasPrefix(r.URL.Path, "/v2/library/busybox/blobs/"):
			dgst := digest.Digest(strings.TrimPrefix(r.URL.Path, "/v2/library/busybox/blobs/"))
			blob, ok := f.blobs[dgst]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(blob)

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := compression.NewWriter(compression.Gzip, &buf)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// buildFakeImage assembles a gzip-compressed schema2 image with the
// given layer contents.
func buildFakeImage(t *testing.T, layerCount int) (*fakeRegistry, []string) {
	t.Helper()
	fake := &fakeRegistry{
		t:            t,
		manifestType: compression.MediaTypeDockerManifest,
		blobs:        map[digest.Digest][]byte{},
	}

	var layers []v1.Descriptor
	var diffIDHexes []string
	for i := 0; i < layerCount; i++ {
		layer := buildLayerTar(t, map[string]string{
			fmt.Sprintf("file-%d", i): fmt.Sprintf("content-%d", i),
		})
		diffIDHexes = append(diffIDHexes, layerHex(layer))

		compressed := gzipBytes(t, layer)
		dgst := digest.FromBytes(compressed)
		fake.blobs[dgst] = compressed
		layers = append(layers, v1.Descriptor{
			MediaType: compression.MediaTypeDockerLayerGzip,
			Size:      int64(len(compressed)),
			Digest:    dgst,
		})
	}

	config := buildImageConfig(t, diffIDHexes)
	configDigest := digest.FromBytes(config)
	fake.blobs[configDigest] = config

	fake.manifest = mustJSON(t, map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     compression.MediaTypeDockerManifest,
		"config": map[string]interface{}{
			"mediaType": compression.MediaTypeDockerConfig,
			"size":      len(config),
			"digest":    configDigest.String(),
		},
		"layers": layers,
	})

	return fake, diffIDHexes
}

func newRegistrySource(t *testing.T, srv *httptest.Server, workers int) *Registry {
	t.Helper()
	host := strings.TrimPrefix(srv.URL, "http://")
	client := registry.New(testLogger(), host, "library/busybox", false, "", "", "pull")
	client.HTTP = srv.Client()
	return NewRegistry(testLogger(), client, "library/busybox", "latest",
		Platform{OS: "linux", Architecture: "amd64"}, workers, t.TempDir())
}

func TestRegistrySourceEmitsConfigThenOrderedLayers(t *testing.T) {
	fake, diffIDHexes := buildFakeImage(t, 5)
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	src := newRegistrySource(t, srv, 4)
	sink := &captureConsumer{}
	require.NoError(t, src.Emit(context.Background(), sink))

	require.Len(t, sink.elements, 6)
	assert.Equal(t, element.ConfigFile, sink.elements[0].kind)
	assert.True(t, strings.HasSuffix(sink.elements[0].name, ".json"))

	// Layers arrive decompressed, in manifest order, even with a
	// parallel download pool; each layer's bytes hash to its
	// uncompressed diff ID.
	for i, wantHex := range diffIDHexes {
		got := sink.elements[i+1]
		assert.Equal(t, element.ImageLayer, got.kind)
		assert.Equal(t, wantHex, digest.FromBytes(got.data).Encoded())
	}
}

func TestRegistrySourcePlatformSelection(t *testing.T) {
	fake, _ := buildFakeImage(t, 1)

	armManifestDigest := digest.FromBytes(fake.manifest)
	fake.index = mustJSON(t, map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     v1.MediaTypeImageIndex,
		"manifests": []map[string]interface{}{
			{
				"mediaType": compression.MediaTypeDockerManifest,
				"digest":    "sha256:0000000000000000000000000000000000000000000000000000000000000000",
				"size":      1,
				"platform":  map[string]string{"os": "linux", "architecture": "amd64"},
			},
			{
				"mediaType": compression.MediaTypeDockerManifest,
				"digest":    armManifestDigest.String(),
				"size":      len(fake.manifest),
				"platform":  map[string]string{"os": "linux", "architecture": "arm64", "variant": "v8"},
			},
		},
	})

	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	client := registry.New(testLogger(), host, "library/busybox", false, "", "", "pull")
	client.HTTP = srv.Client()
	src := NewRegistry(testLogger(), client, "library/busybox", "latest",
		Platform{OS: "linux", Architecture: "arm64", Variant: "v8"}, 2, t.TempDir())

	sink := &captureConsumer{}
	require.NoError(t, src.Emit(context.Background(), sink))
	assert.Len(t, sink.elements, 2)
}

func TestRegistrySourceNoMatchingPlatform(t *testing.T) {
	fake, _ := buildFakeImage(t, 1)
	fake.index = mustJSON(t, map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     v1.MediaTypeImageIndex,
		"manifests": []map[string]interface{}{
			{
				"mediaType": compression.MediaTypeDockerManifest,
				"digest":    "sha256:0000000000000000000000000000000000000000000000000000000000000000",
				"size":      1,
				"platform":  map[string]string{"os": "linux", "architecture": "s390x"},
			},
		},
	})

	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	src := newRegistrySource(t, srv, 2)
	err := src.Emit(context.Background(), &captureConsumer{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoMatchingPlatform)
	// The error lists what was available.
	assert.Contains(t, err.Error(), "linux/s390x")
}

func TestRegistrySourceDigestMismatch(t *testing.T) {
	fake, _ := buildFakeImage(t, 1)
	// Swap the config blob for different bytes: still valid JSON,
	// but it no longer hashes to the declared digest.
	for dgst, blob := range fake.blobs {
		if len(blob) > 0 && blob[0] == '{' {
			fake.blobs[dgst] = append([]byte(`{"tampered": true, "was": `), append(blob, '}')...)
		}
	}

	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	src := newRegistrySource(t, srv, 2)
	err := src.Emit(context.Background(), &captureConsumer{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestRegistrySourceSkipsUnwantedLayers(t *testing.T) {
	fake, diffIDHexes := buildFakeImage(t, 2)
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	src := newRegistrySource(t, srv, 2)
	sink := &captureConsumer{wants: func(string) bool { return false }}
	require.NoError(t, src.Emit(context.Background(), sink))

	require.Len(t, sink.elements, 3)
	for i := range diffIDHexes {
		assert.True(t, sink.elements[i+1].nil_)
	}
}
