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

	"github.com/distribution/reference"
	"github.com/sirupsen/logrus"

	"github.com/shakenfist/occystrap/pkg/compression"
	"github.com/shakenfist/occystrap/pkg/element"
)

// Tarball reads an image from a docker save tarball on disk. Both the
// content-addressable layout (1.10-24.x) and the OCI-compatible layout
// (25.0+) are handled; the legacy parent-chain format is rejected.
type Tarball struct {
	Log        *logrus.Entry
	Path       string
	ScratchDir string

	manifest manifestEntry
	image    string
	tag      string
}

// NewTarball opens and classifies a saved tarball, reading its
// manifest up front.
func NewTarball(log *logrus.Entry, path, scratchDir string) (*Tarball, error) {
	s := &Tarball{
		Log:        log.WithField("tarball", path),
		Path:       path,
		ScratchDir: scratchDir,
	}
	if err := s.loadManifest(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Tarball) loadManifest() error {
	f, err := os.Open(s.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	sawRepositories := false
	var entries []manifestEntry

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tarball %s: %w", s.Path, err)
		}
		switch hdr.Name {
		case "manifest.json":
			if err := json.NewDecoder(tr).Decode(&entries); err != nil {
				return fmt.Errorf("decoding manifest.json: %w", err)
			}
		case "repositories":
			sawRepositories = true
		}
	}

	if len(entries) == 0 {
		if sawRepositories {
			return ErrUnsupportedTarballFormat
		}
		return fmt.Errorf("no manifest.json found: %s is not a docker save tarball", s.Path)
	}
	s.manifest = entries[0]

	s.image, s.tag = "unknown", "unknown"
	if len(s.manifest.RepoTags) > 0 {
		if named, err := reference.ParseNormalizedNamed(s.manifest.RepoTags[0]); err == nil {
			s.image = reference.FamiliarName(named)
			s.tag = "latest"
			if tagged, ok := named.(reference.Tagged); ok {
				s.tag = tagged.Tag()
			}
		}
	}
	return nil
}

func (s *Tarball) Image() string { return s.image }
func (s *Tarball) Tag() string   { return s.tag }

// Emit re-reads the tarball, staging the referenced blobs, then hands
// them to the consumer in manifest order: config first, then layers.
func (s *Tarball) Emit(ctx context.Context, to element.Consumer) error {
	s.Log.Info("reading image from tarball")

	f, err := os.Open(s.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	wanted := map[string]bool{s.manifest.Config: true}
	for _, l := range s.manifest.Layers {
		wanted[l] = true
	}

	var configData []byte
	staged := map[string]string{}
	defer func() {
		for _, scratch := range staged {
			os.Remove(scratch)
		}
	}()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tarball %s: %w", s.Path, err)
		}
		if hdr.Typeflag != tar.TypeReg || !wanted[hdr.Name] {
			continue
		}

		if hdr.Name == s.manifest.Config {
			configData, err = io.ReadAll(tr)
			if err != nil {
				return err
			}
			continue
		}

		scratch, err := s.stageLayer(hdr.Name, tr)
		if err != nil {
			return err
		}
		staged[hdr.Name] = scratch
	}

	if configData == nil {
		return fmt.Errorf("config %s not found in tarball", s.manifest.Config)
	}
	if err := to.Accept(element.ConfigFile, s.manifest.Config, bytes.NewReader(configData)); err != nil {
		return err
	}

	s.Log.WithField("layers", len(s.manifest.Layers)).Info("emitting image layers")
	for _, layerPath := range s.manifest.Layers {
		hex := layerDigestFromPath(layerPath)
		scratch, ok := staged[layerPath]
		if !ok {
			return fmt.Errorf("layer %s not found in tarball", layerPath)
		}
		delete(staged, layerPath)

		if !to.Want(hex) {
			s.Log.WithField("digest", hex).Info("sink says skip layer")
			os.Remove(scratch)
			if err := to.Accept(element.ImageLayer, hex, nil); err != nil {
				return err
			}
			continue
		}

		err := emitScratch(scratch, func(lf *os.File) error {
			return to.Accept(element.ImageLayer, hex, lf)
		})
		if err != nil {
			return err
		}
	}

	s.Log.Info("done")
	return nil
}

// stageLayer copies a layer blob to a scratch file. OCI layout blobs
// may be compressed on disk; they are staged uncompressed.
func (s *Tarball) stageLayer(name string, r io.Reader) (string, error) {
	scratch, err := scratchFile(s.ScratchDir, r)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(name, "blobs/") {
		return scratch, nil
	}

	f, err := os.Open(scratch)
	if err != nil {
		os.Remove(scratch)
		return "", err
	}
	compType, err := compression.Detect(f)
	if err != nil {
		f.Close()
		os.Remove(scratch)
		return "", err
	}
	if compType != compression.Gzip && compType != compression.Zstd {
		f.Close()
		return scratch, nil
	}

	s.Log.WithFields(logrus.Fields{"layer": name, "compression": compType}).
		Info("decompressing layer blob")
	decomp, err := compression.NewReader(compType, f)
	if err != nil {
		f.Close()
		os.Remove(scratch)
		return "", err
	}
	expanded, err := scratchFile(s.ScratchDir, decomp)
	decomp.Close()
	f.Close()
	os.Remove(scratch)
	if err != nil {
		return "", err
	}
	return expanded, nil
}
