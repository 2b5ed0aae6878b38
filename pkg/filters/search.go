package filters

import (
	"archive/tar"
	"fmt"
	"io"
	"path"
	"regexp"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/shakenfist/occystrap/pkg/element"
)

// SearchResult is one matching member found in a layer.
type SearchResult struct {
	Layer    string
	Path     string
	Type     string
	Size     int64
	Linkname string
}

// Search scans layer member names for a glob or regex and prints the
// matches in Finalize. Elements pass through unchanged, so a search
// can sit anywhere in a chain, or terminate one (search-only
// pipelines have no sink).
type Search struct {
	element.Passthrough
	Log *logrus.Entry

	Pattern        string
	Image          string
	Tag            string
	ScriptFriendly bool

	// Out receives the report. Defaults to stdout.
	Out io.Writer

	regex   *regexp.Regexp
	Results []SearchResult
}

// NewSearch wraps next (which may be nil) with a search filter. With
// useRegex the pattern is a regular expression, otherwise a glob
// matched against the full path and the basename.
func NewSearch(log *logrus.Entry, next element.Consumer, pattern string, useRegex bool, image, tag string, scriptFriendly bool, out io.Writer) (*Search, error) {
	f := &Search{
		Log:            log.WithField("filter", "search"),
		Pattern:        pattern,
		Image:          image,
		Tag:            tag,
		ScriptFriendly: scriptFriendly,
		Out:            out,
	}
	f.Next = next
	if useRegex {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling search regex: %w", err)
		}
		f.regex = re
	}
	return f, nil
}

// Want is always true: the search needs the layer bytes even when the
// wrapped sink would skip them.
func (f *Search) Want(digest string) bool { return true }

func (f *Search) matches(memberPath string) bool {
	if f.regex != nil {
		return f.regex.MatchString(memberPath)
	}
	if ok, _ := path.Match(f.Pattern, memberPath); ok {
		return true
	}
	ok, _ := path.Match(f.Pattern, path.Base(memberPath))
	return ok
}

func memberType(hdr *tar.Header) string {
	switch hdr.Typeflag {
	case tar.TypeReg:
		return "file"
	case tar.TypeDir:
		return "directory"
	case tar.TypeSymlink:
		return "symlink"
	case tar.TypeLink:
		return "hardlink"
	case tar.TypeFifo:
		return "fifo"
	case tar.TypeChar:
		return "character device"
	case tar.TypeBlock:
		return "block device"
	}
	return "unknown"
}

func (f *Search) searchLayer(name string, data io.ReadSeeker) error {
	if _, err := data.Seek(0, io.SeekStart); err != nil {
		return err
	}
	tr := tar.NewReader(data)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			f.Log.WithField("digest", name).WithError(err).Error("failed to read layer")
			break
		}
		if f.matches(hdr.Name) {
			f.Results = append(f.Results, SearchResult{
				Layer:    name,
				Path:     hdr.Name,
				Type:     memberType(hdr),
				Size:     hdr.Size,
				Linkname: hdr.Linkname,
			})
		}
	}
	_, err := data.Seek(0, io.SeekStart)
	return err
}

func (f *Search) Accept(kind element.Kind, name string, data io.ReadSeeker) error {
	if kind == element.ImageLayer && data != nil {
		f.Log.WithField("digest", name).Info("searching layer")
		if err := f.searchLayer(name, data); err != nil {
			return err
		}
	}
	return f.Passthrough.Accept(kind, name, data)
}

// Finalize prints the collected matches and finalizes the chain.
// Matching nothing is not an error.
func (f *Search) Finalize() error {
	f.report()
	return f.Passthrough.Finalize()
}

func (f *Search) report() {
	out := f.Out
	if out == nil {
		return
	}

	if f.ScriptFriendly {
		for _, r := range f.Results {
			fmt.Fprintf(out, "%s:%s:%s:%s\n", f.Image, f.Tag, r.Layer, r.Path)
		}
		return
	}

	if len(f.Results) == 0 {
		fmt.Fprintln(out, "No matches found.")
		return
	}

	layerColor := color.New(color.FgCyan)
	for _, r := range f.Results {
		fmt.Fprintf(out, "%s %s\n", layerColor.Sprint(r.Layer), r.Path)
	}
	fmt.Fprintf(out, "Found %d match(es).\n", len(f.Results))
}
