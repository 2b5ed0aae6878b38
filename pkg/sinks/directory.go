package sinks

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/shakenfist/occystrap/pkg/element"
)

// Whiteout marker names, per the OCI layer spec.
// https://github.com/opencontainers/image-spec/blob/main/layer.md
const (
	whiteoutPrefix   = ".wh."
	whiteoutOpaque   = ".wh..wh..opq"
	catalogFileName  = "catalog.json"
	extractedDirName = "extracted"
)

// Directory extracts an image into a directory. With unique names,
// several images share one directory: manifests are stored per image
// and catalog.json maps image references to them, while layer blobs
// are stored by digest and deduplicated. With expand, each layer is
// additionally unpacked into a per-layer view (whiteouts kept
// literally) and applied to a merged view (whiteouts resolved).
type Directory struct {
	Log *logrus.Entry

	Path        string
	UniqueNames bool
	Expand      bool

	// MergedName overrides the merged view's directory name, which
	// otherwise is the manifest filename without its .json extension.
	// The OCI bundle sink points it at rootfs.
	MergedName string

	image    string
	tag      string
	manifest manifestEntry
}

// NewDirectory creates the target directory and the sink that fills
// it.
func NewDirectory(log *logrus.Entry, image, tag, path string, uniqueNames, expand bool) (*Directory, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	s := &Directory{
		Log:         log.WithFields(logrus.Fields{"image": image, "tag": tag, "path": path}),
		Path:        path,
		UniqueNames: uniqueNames,
		Expand:      expand,
		image:       image,
		tag:         tag,
		manifest: manifestEntry{
			RepoTags: []string{repoTag(image, tag)},
		},
	}
	if uniqueNames {
		s.manifest.ImageName = image
	}
	return s, nil
}

func (s *Directory) manifestFileName() string {
	if !s.UniqueNames {
		return "manifest.json"
	}
	return fmt.Sprintf("manifest-%s-%s.json",
		strings.ReplaceAll(s.image, "/", "_"),
		strings.ReplaceAll(s.tag, "/", "_"))
}

// Want admits a layer unless its blob is already present in a shared
// directory.
func (s *Directory) Want(digest string) bool {
	if !s.UniqueNames {
		return true
	}
	_, err := os.Stat(filepath.Join(s.Path, digest, "layer.tar"))
	return err != nil
}

func (s *Directory) Accept(kind element.Kind, name string, data io.ReadSeeker) error {
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
			// Skipped because the blob is already present.
			s.Log.WithField("digest", name).Info("layer already in output directory")
			return nil
		}

		layerDir := filepath.Join(s.Path, name)
		if err := os.MkdirAll(layerDir, 0o755); err != nil {
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

		if s.Expand {
			return s.expandLayer(name, layerPath)
		}
		return nil
	}
	return nil
}

// expandLayer unpacks one layer into its per-layer view and applies it
// to the merged view.
func (s *Directory) expandLayer(name, layerPath string) error {
	perLayer := filepath.Join(s.Path, name, extractedDirName)
	if err := os.MkdirAll(perLayer, 0o755); err != nil {
		return err
	}
	// The merged view is named for the manifest, minus the
	// extension so the manifest file itself can still be written.
	mergedName := s.MergedName
	if mergedName == "" {
		mergedName = strings.TrimSuffix(s.manifestFileName(), ".json")
	}
	merged := filepath.Join(s.Path, mergedName)
	if err := os.MkdirAll(merged, 0o755); err != nil {
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

		// The per-layer view keeps whiteout markers literally.
		if err := extractMember(perLayer, cleaned, hdr, tr); err != nil {
			return err
		}
		// The merged view resolves them instead.
		if err := s.applyToMerged(merged, perLayer, cleaned, hdr); err != nil {
			return err
		}
	}
}

// applyToMerged applies one layer member to the merged rootfs view,
// honoring whiteout semantics: a .wh. file deletes the named path from
// the view, an opaque marker empties its directory.
func (s *Directory) applyToMerged(merged, perLayer, cleaned string, hdr *tar.Header) error {
	dir, base := filepath.Split(cleaned)

	if base == whiteoutOpaque {
		target := filepath.Join(merged, dir)
		entries, err := os.ReadDir(target)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(target, e.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	if strings.HasPrefix(base, whiteoutPrefix) {
		return os.RemoveAll(filepath.Join(merged, dir, base[len(whiteoutPrefix):]))
	}

	target := filepath.Join(merged, cleaned)

	// Later layers replace earlier content wholesale: delete the
	// target before writing so a file can replace a directory and
	// vice versa.
	if hdr.Typeflag != tar.TypeDir {
		if err := os.RemoveAll(target); err != nil {
			return err
		}
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if st, err := os.Lstat(target); err == nil && !st.IsDir() {
			if err := os.RemoveAll(target); err != nil {
				return err
			}
		}
		return os.MkdirAll(target, 0o755)

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		src, err := os.Open(filepath.Join(perLayer, cleaned))
		if err != nil {
			return err
		}
		defer src.Close()
		dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
		if err != nil {
			return err
		}
		if _, err := io.Copy(dst, src); err != nil {
			dst.Close()
			return err
		}
		return dst.Close()

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.Symlink(hdr.Linkname, target)

	case tar.TypeLink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		linkTarget := filepath.Join(merged, filepath.Clean(hdr.Linkname))
		return os.Link(linkTarget, target)

	default:
		// Device nodes and fifos are not materialized in the
		// merged view.
		return nil
	}
}

// extractMember writes one tar member under root. Whiteout markers
// are ordinary empty files in the archive and extract as such.
func extractMember(root, cleaned string, hdr *tar.Header, r io.Reader) error {
	target := filepath.Join(root, cleaned)

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, 0o755)

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return err
		}
		return f.Close()

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		os.Remove(target)
		return os.Symlink(hdr.Linkname, target)

	case tar.TypeLink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		os.Remove(target)
		return os.Link(filepath.Join(root, filepath.Clean(hdr.Linkname)), target)

	default:
		// Devices and fifos are skipped; nothing in an image
		// layer we extract for inspection needs them.
		return nil
	}
}

// writePrettyJSON re-indents a JSON document with sorted keys, which
// keeps directory output diffable.
func writePrettyJSON(path string, data io.Reader) error {
	var doc interface{}
	if err := json.NewDecoder(data).Decode(&doc); err != nil {
		return fmt.Errorf("decoding config JSON: %w", err)
	}
	pretty, err := jsonIndent(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, pretty, 0o644)
}

func (s *Directory) Finalize() error {
	manifestName := s.manifestFileName()
	pretty, err := jsonIndent([]manifestEntry{s.manifest})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.Path, manifestName), pretty, 0o644); err != nil {
		return err
	}
	return updateCatalog(s.Path, s.image, s.tag, manifestName)
}

// updateCatalog records image:tag -> manifest in catalog.json. The
// read-modify-write runs under an exclusive file lock so concurrent
// processes can share the directory.
func updateCatalog(dir, image, tag, manifestName string) error {
	lock := flock.New(filepath.Join(dir, catalogFileName+".lock"))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking catalog: %w", err)
	}
	defer lock.Unlock()

	catalogPath := filepath.Join(dir, catalogFileName)
	catalog := map[string]map[string]string{}
	if raw, err := os.ReadFile(catalogPath); err == nil {
		if err := json.Unmarshal(raw, &catalog); err != nil {
			return fmt.Errorf("decoding catalog.json: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	if catalog[image] == nil {
		catalog[image] = map[string]string{}
	}
	catalog[image][tag] = manifestName

	pretty, err := jsonIndent(catalog)
	if err != nil {
		return err
	}
	return os.WriteFile(catalogPath, pretty, 0o644)
}
