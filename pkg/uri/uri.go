// Package uri parses the pipeline specification URIs and filter specs
// that the command line hands to the pipeline builder.
//
// Recognized forms:
//
//	registry://[user:pass@]host[:port]/repo[/subrepo...]:tag[?k=v&...]
//	docker://repo:tag[?socket=/path]
//	tar://[/]path.tar        (alias: file://)
//	dir://[/]path            (alias: directory://)
//	oci://[/]path
//	mounts://[/]path
//
// Filter specs are name[:opt1=val1[,opt2=val2...]].
package uri

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ParseError indicates a malformed URI or filter spec. The CLI
// translates it to exit code 2.
type ParseError struct {
	msg string
}

func (e *ParseError) Error() string { return e.msg }

func parseErrorf(format string, args ...interface{}) error {
	return &ParseError{msg: fmt.Sprintf(format, args...)}
}

var schemeAliases = map[string]string{
	"file":      "tar",
	"directory": "dir",
}

var recognizedOptions = map[string]bool{
	"arch":         true,
	"architecture": true,
	"os":           true,
	"variant":      true,
	"insecure":     true,
	"socket":       true,
	"compression":  true,
	"unique_names": true,
	"expand":       true,
	"max_workers":  true,
	"username":     true,
	"password":     true,
}

// Spec is a parsed pipeline endpoint URI.
type Spec struct {
	Scheme  string
	Host    string
	Path    string
	Options map[string]string
}

// Option returns the named query option, or def when absent. The
// "arch" and "architecture" keys are interchangeable.
func (s *Spec) Option(key, def string) string {
	if v, ok := s.Options[key]; ok {
		return v
	}
	switch key {
	case "arch":
		if v, ok := s.Options["architecture"]; ok {
			return v
		}
	case "architecture":
		if v, ok := s.Options["arch"]; ok {
			return v
		}
	}
	return def
}

// BoolOption interprets the named option as a boolean, treating
// true/yes/1 as true.
func (s *Spec) BoolOption(key string) bool {
	switch strings.ToLower(s.Option(key, "")) {
	case "true", "yes", "1":
		return true
	}
	return false
}

// IntOption interprets the named option as an integer, returning def
// when absent or unparseable.
func (s *Spec) IntOption(key string, def int) int {
	v := s.Option(key, "")
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// Parse splits a pipeline URI into its components and validates the
// query options against the recognized set.
//
// Image references put a tag where a URL port would go
// (docker://myapp:v1), which net/url rejects, so the splitting is done
// by hand; only the query string goes through net/url.
func Parse(raw string) (*Spec, error) {
	// Accept scheme:rest shorthand for scheme://rest.
	if !strings.Contains(raw, "://") && strings.Contains(raw, ":") {
		parts := strings.SplitN(raw, ":", 2)
		raw = parts[0] + "://" + parts[1]
	}

	idx := strings.Index(raw, "://")
	if idx <= 0 {
		return nil, parseErrorf("missing scheme in URI %q", raw)
	}
	scheme := strings.ToLower(raw[:idx])
	if alias, ok := schemeAliases[scheme]; ok {
		scheme = alias
	}
	rest := raw[idx+3:]

	options := map[string]string{}
	if qIdx := strings.Index(rest, "?"); qIdx >= 0 {
		q, err := url.ParseQuery(rest[qIdx+1:])
		if err != nil {
			return nil, parseErrorf("cannot parse query in URI %q: %v", raw, err)
		}
		for key, values := range q {
			if !recognizedOptions[key] {
				return nil, parseErrorf("unknown option %q in URI %q", key, raw)
			}
			options[key] = values[len(values)-1]
		}
		rest = rest[:qIdx]
	}

	// Credentials embedded before the host become options.
	if atIdx := strings.Index(rest, "@"); atIdx >= 0 && !strings.Contains(rest[:atIdx], "/") {
		userinfo := rest[:atIdx]
		rest = rest[atIdx+1:]
		if colon := strings.Index(userinfo, ":"); colon >= 0 {
			options["username"] = userinfo[:colon]
			options["password"] = userinfo[colon+1:]
		} else {
			options["username"] = userinfo
		}
	}

	var host, path string
	switch scheme {
	case "tar", "dir", "oci", "mounts":
		// The whole remainder is a filesystem path.
		path = rest
		if strings.HasPrefix(rest, "localhost/") {
			path = rest[len("localhost"):]
		}
		if path == "" {
			return nil, parseErrorf("%s:// URI requires a path", scheme)
		}

	case "docker":
		// The whole remainder is an image reference.
		host = rest

	default:
		// host[:port], then a path.
		if slash := strings.Index(rest, "/"); slash >= 0 {
			host = rest[:slash]
			path = rest[slash:]
		} else {
			host = rest
		}
	}

	return &Spec{Scheme: scheme, Host: host, Path: path, Options: options}, nil
}

// SplitImageTag separates a trailing :tag from a repository path,
// defaulting the tag to latest.
func SplitImageTag(s string) (image string, tag string) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return s, "latest"
	}
	return s[:idx], s[idx+1:]
}

// ParseRegistry extracts (host, repository, tag) from a registry://
// spec.
func ParseRegistry(spec *Spec) (string, string, string, error) {
	if spec.Scheme != "registry" {
		return "", "", "", parseErrorf("expected registry:// URI, got %s://", spec.Scheme)
	}
	if spec.Host == "" {
		return "", "", "", parseErrorf("registry:// URI requires a host")
	}
	path := strings.TrimPrefix(spec.Path, "/")
	if path == "" {
		return "", "", "", parseErrorf("registry:// URI requires a repository path")
	}
	image, tag := SplitImageTag(path)
	return spec.Host, image, tag, nil
}

// DefaultDockerSocket is where the Docker engine listens unless the
// socket option says otherwise. Podman's compatibility socket works
// here too.
const DefaultDockerSocket = "/var/run/docker.sock"

// ParseDocker extracts (image, tag, socket) from a docker:// spec.
func ParseDocker(spec *Spec) (string, string, string, error) {
	if spec.Scheme != "docker" {
		return "", "", "", parseErrorf("expected docker:// URI, got %s://", spec.Scheme)
	}
	imageTag := spec.Host + spec.Path
	if imageTag == "" {
		return "", "", "", parseErrorf("docker:// URI requires an image reference")
	}
	image, tag := SplitImageTag(imageTag)
	socket := spec.Option("socket", DefaultDockerSocket)
	return image, tag, socket, nil
}

// FilterSpec is a parsed filter specification.
type FilterSpec struct {
	Name    string
	Options map[string]string
}

// Option returns the named filter option or def when absent.
func (f *FilterSpec) Option(key, def string) string {
	if v, ok := f.Options[key]; ok {
		return v
	}
	return def
}

// BoolOption interprets the named filter option as a boolean.
func (f *FilterSpec) BoolOption(key string) bool {
	switch strings.ToLower(f.Option(key, "")) {
	case "true", "yes", "1":
		return true
	}
	return false
}

// ParseFilter parses name[:opt=val[,opt=val...]] into a FilterSpec.
// Underscores and dashes in the name are interchangeable.
func ParseFilter(raw string) (*FilterSpec, error) {
	if raw == "" {
		return nil, parseErrorf("empty filter specification")
	}

	name := raw
	options := map[string]string{}

	if idx := strings.Index(raw, ":"); idx >= 0 {
		name = raw[:idx]
		lastKey := ""
		for _, pair := range strings.Split(raw[idx+1:], ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) != 2 {
				// A segment without = continues the previous
				// option's value: pattern=a,b means pattern=a,b.
				if lastKey == "" {
					return nil, parseErrorf("invalid filter option (missing =): %q", pair)
				}
				options[lastKey] += "," + pair
				continue
			}
			lastKey = strings.TrimSpace(kv[0])
			options[lastKey] = strings.TrimSpace(kv[1])
		}
	}

	name = strings.ReplaceAll(strings.TrimSpace(name), "_", "-")
	return &FilterSpec{Name: name, Options: options}, nil
}
