package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/boz/go-throttle"
	"github.com/docker/distribution/manifest/schema2"
	units "github.com/docker/go-units"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shakenfist/occystrap/pkg/compression"
	"github.com/shakenfist/occystrap/pkg/element"
	"github.com/shakenfist/occystrap/pkg/registry"
)

// Registry pushes an image to a Docker/OCI registry.
//
// Layers are compressed and uploaded on a bounded worker pool; the
// manifest is assembled in Finalize by resolving the per-layer futures
// in submission order, which preserves apply order no matter how the
// workers interleave. A HEAD per blob skips uploads the registry
// already holds.
//
// The schema family of the incoming config (Docker or OCI) is
// preserved in the pushed manifest and media types.
type Registry struct {
	Log    *logrus.Entry
	Client *registry.Client

	Compression compression.Type
	Workers     int
	ScratchDir  string

	tag string

	// ctx lives for the whole push; upCtx is the upload group's
	// context, cancelled on the first worker failure.
	ctx   context.Context
	upCtx context.Context
	group *errgroup.Group

	futures []chan v1.Descriptor

	configData   []byte
	configDigest digest.Digest
	sawConfig    bool
	oci          bool

	completed int32
	submitted int32
	progress  throttle.ThrottleDriver
	started   time.Time
}

// NewRegistry builds a registry pusher. compType chooses the layer
// compression (gzip unless told otherwise).
func NewRegistry(ctx context.Context, log *logrus.Entry, client *registry.Client, tag string, compType compression.Type, workers int, scratchDir string) *Registry {
	if workers < 1 {
		workers = 4
	}
	if compType == "" || compType == compression.Unknown {
		compType = compression.Gzip
	}
	group, upCtx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	s := &Registry{
		Log:         log.WithFields(logrus.Fields{"repo": client.Repo, "tag": tag}),
		Client:      client,
		Compression: compType,
		Workers:     workers,
		ScratchDir:  scratchDir,
		tag:         tag,
		ctx:         ctx,
		upCtx:       upCtx,
		group:       group,
		started:     time.Now(),
	}
	s.progress = throttle.ThrottleFunc(10*time.Second, false, func() {
		done := atomic.LoadInt32(&s.completed)
		total := atomic.LoadInt32(&s.submitted)
		s.Log.WithFields(logrus.Fields{"complete": done, "submitted": total}).
			Info("upload progress")
	})
	return s
}

func (s *Registry) Want(digest string) bool { return true }

func (s *Registry) Accept(kind element.Kind, name string, data io.ReadSeeker) error {
	if data == nil {
		return fmt.Errorf("registry sink cannot represent a skipped element %q", name)
	}
	if _, err := data.Seek(0, io.SeekStart); err != nil {
		return err
	}

	switch kind {
	case element.ConfigFile:
		configData, err := io.ReadAll(data)
		if err != nil {
			return err
		}
		s.configData = configData
		s.configDigest = digest.FromBytes(configData)
		s.sawConfig = true
		s.oci = isOCIConfigName(name)

		s.Log.WithField("digest", s.configDigest.String()).Info("uploading config")
		s.group.Go(func() error {
			err := s.uploadBlob(s.configDigest, int64(len(configData)), func() (io.Reader, int64, error) {
				return bytes.NewReader(configData), int64(len(configData)), nil
			})
			if err != nil {
				s.Log.WithError(err).Error("config upload failed")
				return fmt.Errorf("config upload: %w", err)
			}
			return nil
		})

	case element.ImageLayer:
		// The element's stream is only live for this call, so the
		// layer is staged to a scratch file for the worker.
		scratch, err := os.CreateTemp(s.ScratchDir, "occystrap-push-")
		if err != nil {
			return err
		}
		if _, err := io.Copy(scratch, data); err != nil {
			scratch.Close()
			os.Remove(scratch.Name())
			return err
		}
		if err := scratch.Close(); err != nil {
			os.Remove(scratch.Name())
			return err
		}

		s.Log.WithField("digest", name).Info("queueing layer for compression and upload")
		atomic.AddInt32(&s.submitted, 1)
		idx := len(s.futures)
		ch := make(chan v1.Descriptor, 1)
		s.futures = append(s.futures, ch)
		s.group.Go(func() error {
			desc, err := s.compressAndUpload(scratch.Name())
			os.Remove(scratch.Name())
			if err != nil {
				s.Log.WithField("layer", idx).WithError(err).Error("layer upload failed")
				return fmt.Errorf("layer %d: %w", idx, err)
			}
			atomic.AddInt32(&s.completed, 1)
			s.progress.Trigger()
			ch <- desc
			return nil
		})
	}
	return nil
}

// compressAndUpload compresses a staged layer into a second scratch
// file, computes the compressed digest, and uploads unless the
// registry already has the blob.
func (s *Registry) compressAndUpload(layerPath string) (v1.Descriptor, error) {
	in, err := os.Open(layerPath)
	if err != nil {
		return v1.Descriptor{}, err
	}
	defer in.Close()

	out, err := os.CreateTemp(s.ScratchDir, "occystrap-blob-")
	if err != nil {
		return v1.Descriptor{}, err
	}
	defer func() {
		out.Close()
		os.Remove(out.Name())
	}()

	digester := digest.SHA256.Digester()
	comp, err := compression.NewWriter(s.Compression, io.MultiWriter(out, digester.Hash()))
	if err != nil {
		return v1.Descriptor{}, err
	}
	if _, err := io.Copy(comp, in); err != nil {
		return v1.Descriptor{}, err
	}
	if err := comp.Close(); err != nil {
		return v1.Descriptor{}, err
	}

	size, err := out.Seek(0, io.SeekEnd)
	if err != nil {
		return v1.Descriptor{}, err
	}
	blobDigest := digester.Digest()

	mediaType, err := compression.LayerMediaType(s.Compression, s.oci)
	if err != nil {
		return v1.Descriptor{}, err
	}
	desc := v1.Descriptor{
		MediaType: mediaType,
		Size:      size,
		Digest:    blobDigest,
	}

	err = s.uploadBlob(blobDigest, size, func() (io.Reader, int64, error) {
		f, err := os.Open(out.Name())
		if err != nil {
			return nil, 0, err
		}
		return f, size, nil
	})
	if err != nil {
		return v1.Descriptor{}, err
	}
	return desc, nil
}

// uploadBlob runs the HEAD / POST / PATCH / PUT blob upload dance. A
// HEAD hit means the blob is already present and nothing is uploaded.
func (s *Registry) uploadBlob(dgst digest.Digest, size int64, body registry.BodyFunc) error {
	resp, err := s.Client.Do(s.upCtx, http.MethodHead, s.Client.URL("/blobs/%s", dgst), nil, nil)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		s.Log.WithField("digest", dgst.String()).Info("blob already present, skipping upload")
		return nil
	}

	s.Log.WithFields(logrus.Fields{
		"digest": dgst.String(),
		"size":   units.BytesSize(float64(size)),
	}).Info("uploading blob")

	resp, err = s.Client.Do(s.upCtx, http.MethodPost, s.Client.URL("/blobs/uploads/"), nil, nil)
	if err != nil {
		return err
	}
	location := resp.Header.Get("Location")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("initiating blob upload: unexpected status %d", resp.StatusCode)
	}
	if location == "" {
		return fmt.Errorf("initiating blob upload: no Location header")
	}
	location = s.absoluteLocation(location)

	hdr := http.Header{}
	hdr.Set("Content-Type", "application/octet-stream")
	resp, err = s.Client.Do(s.upCtx, http.MethodPatch, location, hdr, body)
	if err != nil {
		return err
	}
	patched := resp.Header.Get("Location")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("uploading blob chunk: unexpected status %d", resp.StatusCode)
	}
	if patched != "" {
		location = s.absoluteLocation(patched)
	}

	putURL := location
	if strings.Contains(putURL, "?") {
		putURL += "&digest=" + url.QueryEscape(dgst.String())
	} else {
		putURL += "?digest=" + url.QueryEscape(dgst.String())
	}
	resp, err = s.Client.Do(s.upCtx, http.MethodPut, putURL, nil, nil)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK &&
		resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("finalizing blob upload: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (s *Registry) absoluteLocation(location string) string {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return location
	}
	return s.Client.BaseURL() + location
}

// dockerManifest is the schema2 manifest document. The layer and
// config descriptors reuse the OCI descriptor shape, which marshals
// identically.
type dockerManifest struct {
	SchemaVersion int             `json:"schemaVersion"`
	MediaType     string          `json:"mediaType"`
	Config        v1.Descriptor   `json:"config"`
	Layers        []v1.Descriptor `json:"layers"`
}

// Finalize waits for the uploads, assembles the manifest in submission
// order, and PUTs it.
func (s *Registry) Finalize() error {
	defer s.progress.Stop()

	if !s.sawConfig {
		return fmt.Errorf("no config file was processed")
	}

	// Workers log their own failures; the first error wins and the
	// group context has already cancelled the rest.
	s.Log.WithField("layers", len(s.futures)).Info("waiting for layer uploads")
	if err := s.group.Wait(); err != nil {
		return err
	}

	layers := make([]v1.Descriptor, 0, len(s.futures))
	for _, ch := range s.futures {
		layers = append(layers, <-ch)
	}

	configMediaType := compression.MediaTypeDockerConfig
	manifestMediaType := schema2.MediaTypeManifest
	if s.oci {
		configMediaType = v1.MediaTypeImageConfig
		manifestMediaType = v1.MediaTypeImageManifest
	}

	configDesc := v1.Descriptor{
		MediaType: configMediaType,
		Size:      int64(len(s.configData)),
		Digest:    s.configDigest,
	}

	var encoded []byte
	var err error
	if s.oci {
		encoded, err = json.Marshal(v1.Manifest{
			Versioned: specs.Versioned{SchemaVersion: 2},
			MediaType: manifestMediaType,
			Config:    configDesc,
			Layers:    layers,
		})
	} else {
		encoded, err = json.Marshal(dockerManifest{
			SchemaVersion: 2,
			MediaType:     manifestMediaType,
			Config:        configDesc,
			Layers:        layers,
		})
	}
	if err != nil {
		return err
	}

	s.Log.Info("pushing manifest")
	hdr := http.Header{}
	hdr.Set("Content-Type", manifestMediaType)
	resp, err := s.Client.Do(s.ctx, http.MethodPut, s.Client.URL("/manifests/%s", s.tag), hdr,
		func() (io.Reader, int64, error) {
			return bytes.NewReader(encoded), int64(len(encoded)), nil
		})
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK &&
		resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("pushing manifest: unexpected status %d", resp.StatusCode)
	}

	total := int64(len(s.configData))
	for _, l := range layers {
		total += l.Size
	}
	s.Log.WithFields(logrus.Fields{
		"bytes":   units.BytesSize(float64(total)),
		"layers":  len(layers),
		"elapsed": time.Since(s.started).Round(time.Second).String(),
	}).Info("image pushed")
	return nil
}
