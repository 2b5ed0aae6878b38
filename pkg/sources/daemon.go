package sources

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/shakenfist/occystrap/pkg/element"
)

// Engine is the slice of the Docker Engine API the daemon source
// needs. Podman's compatibility socket satisfies it too.
type Engine interface {
	ImageInspect(ctx context.Context, ref string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImageSave(ctx context.Context, images []string, opts ...client.ImageSaveOption) (io.ReadCloser, error)
}

// Daemon fetches an image from a local Docker or Podman daemon over
// its unix socket.
//
// The engine API only exports whole images (GET /images/<ref>/get), so
// the saved tar is parsed as it streams. An inspect call beforehand
// records the config digest and the layer diff-IDs; for OCI layout
// exports (Docker 25+) that is enough to pre-compute the manifest and
// emit each blob as soon as the config and every earlier layer in apply
// order have gone out; a layer that arrives ahead of its turn is staged
// in a scratch file until then. Content-addressable
// exports (1.10-24.x) name their layer directories unpredictably, so
// layers are staged in scratch files until manifest.json turns up near
// the end of the stream.
type Daemon struct {
	Log        *logrus.Entry
	Engine     Engine
	ScratchDir string

	image string
	tag   string
}

// NewDaemon connects to the daemon socket and builds a daemon source.
func NewDaemon(log *logrus.Entry, image, tag, socketPath, scratchDir string) (*Daemon, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socketPath),
		client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon at %s: %w", socketPath, err)
	}
	return &Daemon{
		Log:        log.WithFields(logrus.Fields{"image": image, "tag": tag, "socket": socketPath}),
		Engine:     cli,
		ScratchDir: scratchDir,
		image:      image,
		tag:        tag,
	}, nil
}

func (s *Daemon) Image() string { return s.image }
func (s *Daemon) Tag() string   { return s.tag }

func (s *Daemon) ref() string {
	return s.image + ":" + s.tag
}

// inspectIDs returns the config digest hex and the layer diff-ID hexes
// in apply order, as reported by the inspect API.
func (s *Daemon) inspectIDs(ctx context.Context) (string, []string, error) {
	info, err := s.Engine.ImageInspect(ctx, s.ref())
	if err != nil {
		return "", nil, fmt.Errorf("inspecting image %s: %w", s.ref(), err)
	}

	configHex := strings.TrimPrefix(info.ID, "sha256:")
	if configHex == info.ID {
		return "", nil, nil
	}

	var diffIDs []string
	for _, d := range info.RootFS.Layers {
		diffIDs = append(diffIDs, strings.TrimPrefix(d, "sha256:"))
	}
	return configHex, diffIDs, nil
}

// manifestEntry is one image in a docker save manifest.json.
type manifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

type daemonStream struct {
	src *Daemon
	to  element.Consumer

	configName      string
	expectedLayers  []string
	manifestSeen    bool
	precomputed     bool
	configEmitted   bool
	nextLayer       int
	sawRepositories bool

	// scratch paths keyed by tarball member name
	buffered map[string]string
}

// Emit inspects the image, then streams and parses the saved tar.
func (s *Daemon) Emit(ctx context.Context, to element.Consumer) error {
	configHex, diffIDs, err := s.inspectIDs(ctx)
	if err != nil {
		return err
	}
	if configHex != "" {
		s.Log.WithFields(logrus.Fields{
			"config": configHex[:12], "layers": len(diffIDs),
		}).Info("pre-computed identities from inspect")
	}

	s.Log.Info("requesting image tarball from daemon")
	rc, err := s.Engine.ImageSave(ctx, []string{s.ref()})
	if err != nil {
		return fmt.Errorf("exporting image %s: %w", s.ref(), err)
	}
	defer rc.Close()

	st := &daemonStream{
		src:      s,
		to:       to,
		buffered: map[string]string{},
	}
	defer st.cleanup()

	tr := tar.NewReader(rc)
	first := true
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading daemon tar stream: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		if first {
			first = false
			st.detectLayout(hdr.Name, configHex, diffIDs)
		}

		if err := st.entry(hdr.Name, tr); err != nil {
			return err
		}
	}

	return st.finish()
}

// detectLayout classifies the export from its first member name. OCI
// layouts start with blobs/ (or index.json/oci-layout); anything else
// is the content-addressable layout.
func (st *daemonStream) detectLayout(name, configHex string, diffIDs []string) {
	ociShaped := strings.HasPrefix(name, "blobs/") || name == "index.json" || name == "oci-layout"

	if ociShaped && configHex != "" && len(diffIDs) > 0 {
		st.precomputed = true
		st.configName = "blobs/sha256/" + configHex
		for _, d := range diffIDs {
			st.expectedLayers = append(st.expectedLayers, "blobs/sha256/"+d)
		}
		st.src.Log.WithField("layers", len(st.expectedLayers)).
			Info("OCI layout detected, manifest pre-computed from inspect")
	} else if configHex != "" {
		st.configName = configHex + ".json"
		st.src.Log.WithField("config", st.configName).
			Info("content-addressable layout, config identified from inspect")
	}
}

func (st *daemonStream) entry(name string, r io.Reader) error {
	switch {
	case name == "manifest.json":
		return st.manifest(r)

	case name == "repositories":
		st.sawRepositories = true
		return nil

	case name == st.configName && !st.configEmitted:
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		st.src.Log.WithField("config", name).Info("emitting config")
		if err := st.to.Accept(element.ConfigFile, name, bytes.NewReader(data)); err != nil {
			return err
		}
		st.configEmitted = true
		return st.flushReady()

	case st.configEmitted && st.nextLayer < len(st.expectedLayers) &&
		name == st.expectedLayers[st.nextLayer]:
		// The next layer in apply order: stage and emit directly.
		scratch, err := scratchFile(st.src.ScratchDir, r)
		if err != nil {
			return err
		}
		st.buffered[name] = scratch
		return st.flushReady()

	default:
		// Out of order, or not yet identifiable. Stage it.
		scratch, err := scratchFile(st.src.ScratchDir, r)
		if err != nil {
			return err
		}
		st.buffered[name] = scratch
		return nil
	}
}

func (st *daemonStream) manifest(r io.Reader) error {
	var entries []manifestEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return fmt.Errorf("decoding manifest.json: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("manifest.json lists no images")
	}
	actual := entries[0]
	st.manifestSeen = true

	if st.precomputed {
		if equalStrings(actual.Layers, st.expectedLayers) && actual.Config == st.configName {
			st.src.Log.Info("pre-computed manifest verified against actual")
			return nil
		}
		st.src.Log.Warn("pre-computed manifest differs from actual manifest.json, using actual")
	}

	st.configName = actual.Config
	st.expectedLayers = actual.Layers

	if !st.configEmitted {
		if scratch, ok := st.buffered[st.configName]; ok {
			delete(st.buffered, st.configName)
			data, err := os.ReadFile(scratch)
			os.Remove(scratch)
			if err != nil {
				return err
			}
			if err := st.to.Accept(element.ConfigFile, st.configName, bytes.NewReader(data)); err != nil {
				return err
			}
			st.configEmitted = true
		}
	}
	return st.flushReady()
}

// flushReady emits staged layers while the next expected one is on
// hand. Layers never pass the config out the door first.
func (st *daemonStream) flushReady() error {
	if !st.configEmitted {
		return nil
	}
	for st.nextLayer < len(st.expectedLayers) {
		layerPath := st.expectedLayers[st.nextLayer]
		scratch, ok := st.buffered[layerPath]
		if !ok {
			return nil
		}
		delete(st.buffered, layerPath)
		hex := layerDigestFromPath(layerPath)

		if !st.to.Want(hex) {
			st.src.Log.WithField("digest", hex).Info("sink says skip layer")
			os.Remove(scratch)
			if err := st.to.Accept(element.ImageLayer, hex, nil); err != nil {
				return err
			}
		} else {
			err := emitScratch(scratch, func(f *os.File) error {
				return st.to.Accept(element.ImageLayer, hex, f)
			})
			if err != nil {
				return err
			}
		}
		st.nextLayer++
	}
	return nil
}

func (st *daemonStream) finish() error {
	if !st.manifestSeen && !st.precomputed {
		if st.sawRepositories {
			return ErrUnsupportedTarballFormat
		}
		return fmt.Errorf("daemon export contained no manifest.json")
	}

	if err := st.flushReady(); err != nil {
		return err
	}
	if !st.configEmitted {
		return fmt.Errorf("config %s not found in daemon export", st.configName)
	}
	if st.nextLayer < len(st.expectedLayers) {
		return fmt.Errorf("layer %s not found in daemon export",
			st.expectedLayers[st.nextLayer])
	}
	st.src.Log.Info("done")
	return nil
}

func (st *daemonStream) cleanup() {
	for _, scratch := range st.buffered {
		os.Remove(scratch)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
