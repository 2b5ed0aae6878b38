package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/shakenfist/occystrap/pkg/element"
)

// ErrNoSuchImage means a shared directory's catalog has no entry for
// the requested image and tag.
type ErrNoSuchImage struct {
	Image string
	Tag   string
}

func (e *ErrNoSuchImage) Error() string {
	return fmt.Sprintf("image %s:%s not present in directory catalog", e.Image, e.Tag)
}

// Directory reads an image back out of a shared directory written by
// the directory sink with unique_names, using catalog.json to find the
// manifest.
type Directory struct {
	Log  *logrus.Entry
	Path string

	image        string
	tag          string
	manifestName string
}

// NewDirectory looks the image up in the directory's catalog.
func NewDirectory(log *logrus.Entry, path, image, tag string) (*Directory, error) {
	raw, err := os.ReadFile(filepath.Join(path, "catalog.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrNoSuchImage{Image: image, Tag: tag}
		}
		return nil, err
	}

	var catalog map[string]map[string]string
	if err := json.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("decoding catalog.json: %w", err)
	}

	tags, ok := catalog[image]
	if !ok {
		return nil, &ErrNoSuchImage{Image: image, Tag: tag}
	}
	manifestName, ok := tags[tag]
	if !ok {
		return nil, &ErrNoSuchImage{Image: image, Tag: tag}
	}

	return &Directory{
		Log:          log.WithFields(logrus.Fields{"directory": path, "image": image, "tag": tag}),
		Path:         path,
		image:        image,
		tag:          tag,
		manifestName: manifestName,
	}, nil
}

func (s *Directory) Image() string { return s.image }
func (s *Directory) Tag() string   { return s.tag }

// Emit reads the manifest and hands over the config and layer files.
func (s *Directory) Emit(ctx context.Context, to element.Consumer) error {
	raw, err := os.ReadFile(filepath.Join(s.Path, s.manifestName))
	if err != nil {
		return err
	}
	var entries []manifestEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("decoding %s: %w", s.manifestName, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("manifest %s lists no images", s.manifestName)
	}
	manifest := entries[0]

	config, err := os.ReadFile(filepath.Join(s.Path, manifest.Config))
	if err != nil {
		return err
	}
	if err := to.Accept(element.ConfigFile, manifest.Config, bytes.NewReader(config)); err != nil {
		return err
	}

	for _, layerPath := range manifest.Layers {
		hex := layerDigestFromPath(layerPath)
		if !to.Want(hex) {
			s.Log.WithField("digest", hex).Info("sink says skip layer")
			if err := to.Accept(element.ImageLayer, hex, nil); err != nil {
				return err
			}
			continue
		}

		f, err := os.Open(filepath.Join(s.Path, layerPath))
		if err != nil {
			return err
		}
		err = to.Accept(element.ImageLayer, hex, f)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
