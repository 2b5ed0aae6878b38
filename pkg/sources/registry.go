package sources

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shakenfist/occystrap/pkg/compression"
	"github.com/shakenfist/occystrap/pkg/element"
	"github.com/shakenfist/occystrap/pkg/registry"

	units "github.com/docker/go-units"
)

// Platform selects one entry from a manifest list or OCI index.
type Platform struct {
	OS           string
	Architecture string
	Variant      string
}

func (p Platform) String() string {
	if p.Variant == "" {
		return p.OS + "/" + p.Architecture
	}
	return p.OS + "/" + p.Architecture + "/" + p.Variant
}

// Registry fetches an image from a Docker Registry API V2 server. The
// config is emitted first, then layers in manifest order. Layer blobs
// download on a bounded worker pool and are released to the consumer
// strictly in sequence, decompressed.
type Registry struct {
	Log      *logrus.Entry
	Client   *registry.Client
	Platform Platform

	// Workers bounds the number of concurrent layer downloads.
	Workers int

	// ScratchDir is where in-flight layers are staged. Empty means
	// the system temp dir.
	ScratchDir string

	image string
	tag   string
}

// NewRegistry builds a registry source for one image reference.
func NewRegistry(log *logrus.Entry, client *registry.Client, image, tag string, platform Platform, workers int, scratchDir string) *Registry {
	if workers < 1 {
		workers = 4
	}
	if platform.OS == "" {
		platform.OS = "linux"
	}
	if platform.Architecture == "" {
		platform.Architecture = "amd64"
	}
	return &Registry{
		Log:        log.WithFields(logrus.Fields{"image": image, "tag": tag}),
		Client:     client,
		Platform:   platform,
		Workers:    workers,
		ScratchDir: scratchDir,
		image:      image,
		tag:        tag,
	}
}

func (s *Registry) Image() string { return s.image }
func (s *Registry) Tag() string   { return s.tag }

var manifestAccept = strings.Join([]string{
	compression.MediaTypeDockerManifest,
	v1.MediaTypeImageManifest,
	compression.MediaTypeDockerManifestList,
	v1.MediaTypeImageIndex,
}, ",")

func (s *Registry) getManifest(ctx context.Context, ref string) (*v1.Manifest, string, error) {
	hdr := http.Header{}
	hdr.Set("Accept", manifestAccept)

	resp, err := s.Client.Do(ctx, http.MethodGet, s.Client.URL("/manifests/%s", ref), hdr, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", &registry.APIError{Method: "GET", URL: ref,
			StatusCode: resp.StatusCode, Body: string(body)}
	}

	contentType := resp.Header.Get("Content-Type")
	switch contentType {
	case compression.MediaTypeDockerManifest, v1.MediaTypeImageManifest:
		var manifest v1.Manifest
		if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
			return nil, "", fmt.Errorf("decoding manifest: %w", err)
		}
		return &manifest, contentType, nil

	case compression.MediaTypeDockerManifestList, v1.MediaTypeImageIndex:
		var index v1.Index
		if err := json.NewDecoder(resp.Body).Decode(&index); err != nil {
			return nil, "", fmt.Errorf("decoding manifest index: %w", err)
		}
		return s.selectFromIndex(ctx, &index)

	default:
		return nil, "", fmt.Errorf("unknown manifest content type %q", contentType)
	}
}

func (s *Registry) selectFromIndex(ctx context.Context, index *v1.Index) (*v1.Manifest, string, error) {
	for _, m := range index.Manifests {
		if m.Platform == nil {
			continue
		}
		s.Log.WithFields(logrus.Fields{
			"os": m.Platform.OS, "architecture": m.Platform.Architecture,
			"variant": m.Platform.Variant,
		}).Info("found platform manifest")
	}

	match, found := lo.Find(index.Manifests, func(m v1.Descriptor) bool {
		return m.Platform != nil &&
			m.Platform.OS == s.Platform.OS &&
			m.Platform.Architecture == s.Platform.Architecture &&
			m.Platform.Variant == s.Platform.Variant
	})
	if !found {
		available := lo.Map(index.Manifests, func(m v1.Descriptor, _ int) string {
			if m.Platform == nil {
				return "unknown"
			}
			return Platform{m.Platform.OS, m.Platform.Architecture, m.Platform.Variant}.String()
		})
		return nil, "", fmt.Errorf("%w: want %s, registry has %s",
			ErrNoMatchingPlatform, s.Platform, strings.Join(available, ", "))
	}

	s.Log.WithField("digest", match.Digest.String()).Info("fetching matching platform manifest")
	return s.getManifest(ctx, match.Digest.String())
}

// Emit fetches the manifest, then the config, then the layers.
func (s *Registry) Emit(ctx context.Context, to element.Consumer) error {
	s.Log.Info("fetching manifest")
	manifest, contentType, err := s.getManifest(ctx, s.tag)
	if err != nil {
		return err
	}
	oci := contentType == v1.MediaTypeImageManifest

	s.Log.Info("fetching config file")
	config, err := s.fetchConfig(ctx, manifest.Config.Digest)
	if err != nil {
		return err
	}

	configName := manifest.Config.Digest.Encoded() + ".json"
	if oci {
		configName = "blobs/sha256/" + manifest.Config.Digest.Encoded()
	}
	if err := to.Accept(element.ConfigFile, configName, bytes.NewReader(config)); err != nil {
		return err
	}

	s.Log.WithField("layers", len(manifest.Layers)).Info("fetching image layers")
	return s.emitLayers(ctx, manifest.Layers, to)
}

func (s *Registry) fetchConfig(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	resp, err := s.Client.Do(ctx, http.MethodGet, s.Client.URL("/blobs/%s", dgst), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &registry.APIError{Method: "GET", URL: dgst.String(),
			StatusCode: resp.StatusCode, Body: string(body)}
	}

	config, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if digest.FromBytes(config) != dgst {
		return nil, fmt.Errorf("%w: config blob %s", ErrDigestMismatch, dgst)
	}
	return config, nil
}

func (s *Registry) emitLayers(ctx context.Context, layers []v1.Descriptor, to element.Consumer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Downloads run concurrently on a bounded pool, but completed
	// layers are parked on their ordered channels and released to
	// the consumer strictly in manifest order. The group context
	// aborts outstanding downloads on the first failure.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Workers)

	futures := make([]chan string, len(layers))
	for i, layer := range layers {
		if !to.Want(layer.Digest.Encoded()) {
			continue
		}
		ch := make(chan string, 1)
		futures[i] = ch
		layer := layer
		g.Go(func() error {
			scratch, err := s.downloadLayer(gctx, layer)
			if err != nil {
				return err
			}
			ch <- scratch
			return nil
		})
	}

	var emitErr error
	for i, layer := range layers {
		hex := layer.Digest.Encoded()
		if futures[i] == nil {
			s.Log.WithField("digest", hex).Info("sink says skip layer")
			if emitErr = to.Accept(element.ImageLayer, hex, nil); emitErr != nil {
				break
			}
			continue
		}

		var scratch string
		select {
		case scratch = <-futures[i]:
		case <-gctx.Done():
			emitErr = gctx.Err()
		}
		if emitErr != nil {
			break
		}

		emitErr = emitScratch(scratch, func(f *os.File) error {
			return to.Accept(element.ImageLayer, hex, f)
		})
		if emitErr != nil {
			break
		}
	}
	if emitErr != nil {
		cancel()
	}

	waitErr := g.Wait()

	// Downloads that completed but were never consumed still own
	// scratch files.
	for _, ch := range futures {
		if ch == nil {
			continue
		}
		select {
		case scratch := <-ch:
			os.Remove(scratch)
		default:
		}
	}

	// A failed Accept is the first error; a cancellation the emit
	// loop observed is just the echo of a worker's failure, which
	// Wait holds.
	if emitErr != nil && !errors.Is(emitErr, context.Canceled) {
		return emitErr
	}
	if waitErr != nil {
		return waitErr
	}
	if emitErr != nil {
		return emitErr
	}
	s.Log.Info("done")
	return nil
}

// downloadLayer fetches one blob, retrying downloads that die
// mid-stream. Integrity failures are never retried.
func (s *Registry) downloadLayer(ctx context.Context, layer v1.Descriptor) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		scratch, err := s.fetchLayerBlob(ctx, layer)
		if err == nil {
			return scratch, nil
		}
		if errors.Is(err, ErrDigestMismatch) || ctx.Err() != nil {
			return "", err
		}
		var apiErr *registry.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return "", err
		}
		lastErr = err
		s.Log.WithFields(logrus.Fields{
			"digest": layer.Digest.String(), "attempt": attempt + 1,
		}).WithError(err).Warn("layer download failed, retrying")
	}
	return "", fmt.Errorf("layer download failed after retries: %w", lastErr)
}

// fetchLayerBlob streams one blob to a scratch file, decompressing on
// the way and verifying the compressed bytes against the declared
// digest.
func (s *Registry) fetchLayerBlob(ctx context.Context, layer v1.Descriptor) (string, error) {
	s.Log.WithFields(logrus.Fields{
		"digest": layer.Digest.String(),
		"size":   units.BytesSize(float64(layer.Size)),
	}).Info("fetching layer")

	resp, err := s.Client.Do(ctx, http.MethodGet, s.Client.URL("/blobs/%s", layer.Digest), nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &registry.APIError{Method: "GET", URL: layer.Digest.String(),
			StatusCode: resp.StatusCode, Body: string(body)}
	}

	verifier := layer.Digest.Verifier()
	buffered := bufio.NewReaderSize(io.TeeReader(resp.Body, verifier), 1<<20)

	compType := compression.FromMediaType(layer.MediaType)
	if compType == compression.Unknown {
		// 262 bytes reaches the ustar magic of an uncompressed tar.
		magic, _ := buffered.Peek(262)
		compType = compression.DetectBytes(magic)
		if compType == compression.Unknown {
			if len(magic) >= 262 && string(magic[257:262]) == "ustar" {
				compType = compression.None
			} else {
				compType = compression.Gzip
			}
		}
	}
	s.Log.WithField("compression", compType).Debug("layer compression detected")

	decomp, err := compression.NewReader(compType, buffered)
	if err != nil {
		return "", err
	}
	defer decomp.Close()

	scratch, err := scratchFile(s.ScratchDir, decomp)
	if err != nil {
		return "", err
	}

	if !verifier.Verified() {
		os.Remove(scratch)
		return "", fmt.Errorf("%w: layer blob %s", ErrDigestMismatch, layer.Digest)
	}
	return scratch, nil
}
