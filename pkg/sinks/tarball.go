package sinks

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/shakenfist/occystrap/pkg/element"
)

// Tarball writes a docker-load-compatible v1.2 image tarball:
// manifest.json, the config JSON, and one <digest>/layer.tar per
// layer, uncompressed. The outer tarball's member names are short
// hash-derived paths, so it is always plain USTAR.
//
// https://github.com/moby/docker-image-spec/blob/v1.2.0/v1.2.md
type Tarball struct {
	Log *logrus.Entry

	image string
	tag   string
	file  *os.File
	tw    *tar.Writer

	manifest manifestEntry
}

// NewTarball creates the output file and the sink that writes it.
func NewTarball(log *logrus.Entry, image, tag, path string) (*Tarball, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &Tarball{
		Log:   log.WithFields(logrus.Fields{"image": image, "tag": tag, "path": path}),
		image: image,
		tag:   tag,
		file:  f,
		tw:    tar.NewWriter(f),
		manifest: manifestEntry{
			RepoTags: []string{repoTag(image, tag)},
		},
	}, nil
}

func (s *Tarball) Want(digest string) bool { return true }

func (s *Tarball) addFile(name string, size int64, data io.Reader) error {
	hdr := &tar.Header{
		Name:   name,
		Mode:   0o644,
		Size:   size,
		Format: tar.FormatUSTAR,
	}
	if err := s.tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := io.Copy(s.tw, data)
	return err
}

func (s *Tarball) Accept(kind element.Kind, name string, data io.ReadSeeker) error {
	if data == nil {
		return fmt.Errorf("tarball sink cannot represent a skipped element %q", name)
	}
	size, err := data.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err := data.Seek(0, io.SeekStart); err != nil {
		return err
	}

	switch kind {
	case element.ConfigFile:
		s.Log.Info("writing config file to tarball")
		fileName := configFileName(name)
		if err := s.addFile(fileName, size, data); err != nil {
			return err
		}
		s.manifest.Config = fileName

	case element.ImageLayer:
		s.Log.WithField("digest", name).Info("writing layer to tarball")
		layerName := name + "/layer.tar"
		if err := s.addFile(layerName, size, data); err != nil {
			return err
		}
		s.manifest.Layers = append(s.manifest.Layers, layerName)
	}
	return nil
}

func (s *Tarball) Finalize() error {
	s.Log.Info("writing manifest file to tarball")
	encoded, err := json.Marshal([]manifestEntry{s.manifest})
	if err != nil {
		return err
	}
	if err := s.addFile("manifest.json", int64(len(encoded)), bytes.NewReader(encoded)); err != nil {
		return err
	}
	if err := s.tw.Close(); err != nil {
		return err
	}
	return s.file.Close()
}
