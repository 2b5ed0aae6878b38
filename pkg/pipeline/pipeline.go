// Package pipeline assembles source -> filter chain -> sink pipelines
// from URI specifications and runs them.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/imdario/mergo"
	"github.com/sirupsen/logrus"

	"github.com/shakenfist/occystrap/pkg/compression"
	"github.com/shakenfist/occystrap/pkg/config"
	"github.com/shakenfist/occystrap/pkg/element"
	"github.com/shakenfist/occystrap/pkg/filters"
	"github.com/shakenfist/occystrap/pkg/registry"
	"github.com/shakenfist/occystrap/pkg/sinks"
	"github.com/shakenfist/occystrap/pkg/sources"
	"github.com/shakenfist/occystrap/pkg/uri"
)

// Builder turns URI strings into connected pipelines using the global
// configuration for anything the URIs leave unsaid.
type Builder struct {
	Log    *logrus.Entry
	Config *config.AppConfig
}

// endpointOptions is the per-endpoint view of the configuration: URI
// query options layered over the global defaults.
type endpointOptions struct {
	OS           string
	Architecture string
	Variant      string
	Username     string
	Password     string
	Insecure     bool
	Compression  string
	Workers      int
	UniqueNames  bool
	Expand       bool
}

func (b *Builder) optionsFor(spec *uri.Spec) (endpointOptions, error) {
	opts := endpointOptions{
		OS:           spec.Option("os", ""),
		Architecture: spec.Option("arch", ""),
		Variant:      spec.Option("variant", ""),
		Username:     spec.Option("username", ""),
		Password:     spec.Option("password", ""),
		Compression:  spec.Option("compression", ""),
		Workers:      spec.IntOption("max_workers", 0),
	}

	defaults := endpointOptions{
		OS:           b.Config.OS,
		Architecture: b.Config.Architecture,
		Variant:      b.Config.Variant,
		Username:     b.Config.Username,
		Password:     b.Config.Password,
		Compression:  b.Config.Compression,
		Workers:      b.Config.Parallel,
	}
	if err := mergo.Merge(&opts, defaults); err != nil {
		return endpointOptions{}, err
	}

	// Booleans merge by hand: a false zero value is
	// indistinguishable from unset.
	opts.Insecure = spec.BoolOption("insecure") || b.Config.Insecure
	opts.UniqueNames = spec.BoolOption("unique_names")
	opts.Expand = spec.BoolOption("expand")
	return opts, nil
}

// BuildSource creates an image source from a URI.
func (b *Builder) BuildSource(spec *uri.Spec) (element.Source, error) {
	opts, err := b.optionsFor(spec)
	if err != nil {
		return nil, err
	}

	switch spec.Scheme {
	case "registry":
		host, image, tag, err := uri.ParseRegistry(spec)
		if err != nil {
			return nil, err
		}
		client := registry.New(b.Log, host, image, !opts.Insecure,
			opts.Username, opts.Password, "pull")
		return sources.NewRegistry(b.Log, client, image, tag, sources.Platform{
			OS:           opts.OS,
			Architecture: opts.Architecture,
			Variant:      opts.Variant,
		}, opts.Workers, b.Config.ScratchDir), nil

	case "docker":
		image, tag, socket, err := uri.ParseDocker(spec)
		if err != nil {
			return nil, err
		}
		return sources.NewDaemon(b.Log, image, tag, socket, b.Config.ScratchDir)

	case "tar":
		return sources.NewTarball(b.Log, spec.Path, b.Config.ScratchDir)

	case "dir":
		// Reading back out of a shared directory needs an image
		// reference encoded in the path query; that is a
		// programmatic interface, not a CLI one.
		return nil, fmt.Errorf("dir:// is not usable as a pipeline source URI")

	default:
		return nil, fmt.Errorf("unknown source scheme %s://", spec.Scheme)
	}
}

// BuildSink creates an image sink from a URI. The image and tag come
// from the source end of the pipeline.
func (b *Builder) BuildSink(ctx context.Context, spec *uri.Spec, image, tag string) (element.Consumer, error) {
	opts, err := b.optionsFor(spec)
	if err != nil {
		return nil, err
	}

	switch spec.Scheme {
	case "tar":
		return sinks.NewTarball(b.Log, image, tag, spec.Path)

	case "dir":
		return sinks.NewDirectory(b.Log, image, tag, spec.Path, opts.UniqueNames, opts.Expand)

	case "oci":
		return sinks.NewOCIBundle(b.Log, image, tag, spec.Path)

	case "mounts":
		return sinks.NewMounts(b.Log, image, tag, spec.Path)

	case "docker":
		destImage, destTag, socket, err := uri.ParseDocker(spec)
		if err != nil {
			return nil, err
		}
		return sinks.NewDaemon(ctx, b.Log, destImage, destTag, socket, b.Config.ScratchDir)

	case "registry":
		host, destImage, destTag, err := uri.ParseRegistry(spec)
		if err != nil {
			return nil, err
		}
		compType, err := compression.ParseType(opts.Compression)
		if err != nil {
			return nil, err
		}
		client := registry.New(b.Log, host, destImage, !opts.Insecure,
			opts.Username, opts.Password, "pull,push")
		return sinks.NewRegistry(ctx, b.Log, client, destTag, compType,
			opts.Workers, b.Config.ScratchDir), nil

	default:
		return nil, fmt.Errorf("unknown sink scheme %s://", spec.Scheme)
	}
}

// BuildFilter wraps next with the filter a spec names.
func (b *Builder) BuildFilter(spec *uri.FilterSpec, next element.Consumer, image, tag string) (element.Consumer, error) {
	switch spec.Name {
	case "normalize-timestamps":
		raw := spec.Option("ts", spec.Option("timestamp", "0"))
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("normalize-timestamps: bad timestamp %q", raw)
		}
		return filters.NewNormalizeTimestamps(b.Log, next, ts, b.Config.ScratchDir), nil

	case "exclude":
		raw := spec.Option("pattern", "")
		if raw == "" {
			return nil, fmt.Errorf("exclude filter requires a pattern option")
		}
		var patterns []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, p)
			}
		}
		return filters.NewExclude(b.Log, next, patterns, b.Config.ScratchDir)

	case "search":
		pattern := spec.Option("pattern", "")
		if pattern == "" {
			return nil, fmt.Errorf("search filter requires a pattern option")
		}
		scriptFriendly := spec.BoolOption("script_friendly") || spec.BoolOption("script-friendly")
		return filters.NewSearch(b.Log, next, pattern, spec.BoolOption("regex"),
			image, tag, scriptFriendly, os.Stdout)

	case "inspect":
		file := spec.Option("file", "")
		if file == "" {
			return nil, fmt.Errorf("inspect filter requires a file option")
		}
		return filters.NewInspect(b.Log, next, file, image, tag), nil

	default:
		return nil, fmt.Errorf("unknown filter %q", spec.Name)
	}
}

// Build assembles a complete pipeline. Filters wrap the sink in
// reverse order so the first one named is outermost and sees elements
// first.
func (b *Builder) Build(ctx context.Context, sourceURI, destURI string, filterSpecs []string) (element.Source, element.Consumer, error) {
	sourceSpec, err := uri.Parse(sourceURI)
	if err != nil {
		return nil, nil, err
	}
	destSpec, err := uri.Parse(destURI)
	if err != nil {
		return nil, nil, err
	}

	source, err := b.BuildSource(sourceSpec)
	if err != nil {
		return nil, nil, err
	}

	consumer, err := b.BuildSink(ctx, destSpec, source.Image(), source.Tag())
	if err != nil {
		return nil, nil, err
	}

	for i := len(filterSpecs) - 1; i >= 0; i-- {
		filterSpec, err := uri.ParseFilter(filterSpecs[i])
		if err != nil {
			return nil, nil, err
		}
		consumer, err = b.BuildFilter(filterSpec, consumer, source.Image(), source.Tag())
		if err != nil {
			return nil, nil, err
		}
	}

	return source, consumer, nil
}

// BuildSearch assembles a search-only pipeline: a source feeding a
// terminal search filter.
func (b *Builder) BuildSearch(sourceURI, pattern string, useRegex, scriptFriendly bool) (element.Source, element.Consumer, error) {
	sourceSpec, err := uri.Parse(sourceURI)
	if err != nil {
		return nil, nil, err
	}
	source, err := b.BuildSource(sourceSpec)
	if err != nil {
		return nil, nil, err
	}
	searcher, err := filters.NewSearch(b.Log, nil, pattern, useRegex,
		source.Image(), source.Tag(), scriptFriendly, os.Stdout)
	if err != nil {
		return nil, nil, err
	}
	return source, searcher, nil
}

// Run drives a pipeline to completion: the source emits every element,
// then the chain finalizes outermost first so accumulated state lands
// in the sink before it writes its manifest. Errors abort immediately;
// partial sink output is left for inspection.
func Run(ctx context.Context, source element.Source, consumer element.Consumer) error {
	if err := source.Emit(ctx, consumer); err != nil {
		return err
	}
	return consumer.Finalize()
}
