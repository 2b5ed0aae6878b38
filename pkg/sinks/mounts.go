package sinks

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/shakenfist/occystrap/pkg/element"
)

// Mounts extracts each layer into its own directory with
// overlayfs-friendly whiteout metadata, so the result can be mounted
// with mount -t overlay lowerdir=... directly: opaque markers become
// the trusted.overlay.opaque xattr, whiteout files become 0:0
// character devices.
//
// https://www.kernel.org/doc/html/latest/filesystems/overlayfs.html
type Mounts struct {
	Log *logrus.Entry

	Path string

	image    string
	tag      string
	manifest manifestEntry
}

// NewMounts creates the target directory and the sink that fills it.
func NewMounts(log *logrus.Entry, image, tag, path string) (*Mounts, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	return &Mounts{
		Log:   log.WithFields(logrus.Fields{"image": image, "tag": tag, "path": path}),
		Path:  path,
		image: image,
		tag:   tag,
		manifest: manifestEntry{
			RepoTags: []string{repoTag(image, tag)},
		},
	}, nil
}

// Want admits a layer unless it has already been extracted into the
// target directory by an earlier run.
func (s *Mounts) Want(digest string) bool {
	_, err := os.Stat(filepath.Join(s.Path, digest, "layer.tar"))
	return err != nil
}

func (s *Mounts) Accept(kind element.Kind, name string, data io.ReadSeeker) error {
	switch kind {
	case element.ConfigFile:
		if data == nil {
			return fmt.Errorf("config element %q has no data", name)
		}
		fileName := configFileName(name)
		if err := writePrettyJSON(filepath.Join(s.Path, fileName), data); err != nil {
			return err
		}
		s.manifest.Config = fileName
		return nil

	case element.ImageLayer:
		layerFile := name + "/layer.tar"
		s.manifest.Layers = append(s.manifest.Layers, layerFile)
		if data == nil {
			s.Log.WithField("digest", name).Info("layer already extracted, skipping")
			return nil
		}

		if err := os.MkdirAll(filepath.Join(s.Path, name), 0o755); err != nil {
			return err
		}
		layerPath := filepath.Join(s.Path, layerFile)
		f, err := os.Create(layerPath)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, data); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}

		return s.extractLayer(name, layerPath)
	}
	return nil
}

// extractLayer unpacks one layer into <digest>/layer/ with overlay
// whiteout metadata in place of the tar markers.
func (s *Mounts) extractLayer(name, layerPath string) error {
	layerDir := filepath.Join(s.Path, name, "layer")
	if err := os.MkdirAll(layerDir, 0o755); err != nil {
		return err
	}

	f, err := os.Open(layerPath)
	if err != nil {
		return err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading layer %s: %w", name, err)
		}

		cleaned := filepath.Clean(hdr.Name)
		if !filepath.IsLocal(cleaned) {
			s.Log.WithField("member", hdr.Name).Warn("ignoring layer member with unsafe path")
			continue
		}

		dir, base := filepath.Split(cleaned)
		switch {
		case base == whiteoutOpaque:
			// A directory deleted in this layer, but only for
			// the layers below it.
			target := filepath.Join(layerDir, dir)
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			if err := unix.Setxattr(target, "trusted.overlay.opaque", []byte("y"), 0); err != nil {
				return fmt.Errorf("marking %s opaque: %w", target, err)
			}

		case strings.HasPrefix(base, whiteoutPrefix):
			// A single deleted element, which might not be a
			// file.
			target := filepath.Join(layerDir, dir, base[len(whiteoutPrefix):])
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := unix.Mknod(target, unix.S_IFCHR, 0); err != nil {
				return fmt.Errorf("creating whiteout device %s: %w", target, err)
			}

		default:
			if err := extractMember(layerDir, cleaned, hdr, tr); err != nil {
				return err
			}
		}
	}
}

func (s *Mounts) Finalize() error {
	pretty, err := jsonIndent([]manifestEntry{s.manifest})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.Path, "manifest.json"), pretty, 0o644); err != nil {
		return err
	}
	return updateCatalog(s.Path, s.image, s.tag, "manifest.json")
}
