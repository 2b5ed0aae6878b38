// Package sinks implements the image sinks: a docker-load-compatible
// tarball writer, a registry pusher, a daemon loader, and the
// directory family (plain, shared-deduplicated, OCI runtime bundle,
// overlay mounts).
package sinks

import (
	"encoding/json"
	"strings"
)

// manifestEntry is one image in a docker save manifest.json.
type manifestEntry struct {
	Config    string   `json:"Config"`
	RepoTags  []string `json:"RepoTags"`
	Layers    []string `json:"Layers"`
	ImageName string   `json:"ImageName,omitempty"`
}

// repoTag builds the RepoTags entry the way docker save does: the last
// path component of the repository plus the tag.
func repoTag(image, tag string) string {
	parts := strings.Split(image, "/")
	return parts[len(parts)-1] + ":" + tag
}

// configFileName flattens an element name to the v1.2 layout's config
// filename. OCI-layout sources name configs blobs/sha256/<hex>; the
// v1.2 tarball wants <hex>.json.
func configFileName(name string) string {
	if strings.HasPrefix(name, "blobs/") {
		hex := name[strings.LastIndex(name, "/")+1:]
		return hex + ".json"
	}
	return name
}

// isOCIConfigName reports whether the config element was named in the
// OCI blob layout, which marks the image as OCI schema family.
func isOCIConfigName(name string) bool {
	return strings.HasPrefix(name, "blobs/")
}

// jsonIndent marshals v the way the directory sinks write JSON files:
// four-space indent with a trailing newline.
func jsonIndent(v interface{}) ([]byte, error) {
	pretty, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return nil, err
	}
	return append(pretty, '\n'), nil
}
