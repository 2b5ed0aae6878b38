package filters

import (
	"archive/tar"
	"fmt"
	"io"
	"strings"

	"github.com/moby/patternmatcher"
	"github.com/sirupsen/logrus"

	"github.com/shakenfist/occystrap/pkg/element"
)

// Exclude drops layer members whose paths match any of a set of glob
// patterns (double-star supported). The layer digests change, so the
// config's diff IDs are patched and the config is emitted last.
type Exclude struct {
	mutating

	matcher *patternmatcher.PatternMatcher
}

// NewExclude wraps next with an exclude filter for the given patterns.
func NewExclude(log *logrus.Entry, next element.Consumer, patterns []string, scratchDir string) (*Exclude, error) {
	matcher, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("compiling exclude patterns: %w", err)
	}
	f := &Exclude{matcher: matcher}
	f.Next = next
	f.Log = log.WithField("filter", "exclude")
	f.ScratchDir = scratchDir
	return f, nil
}

func (f *Exclude) skip(hdr *tar.Header) bool {
	name := strings.TrimPrefix(hdr.Name, "./")
	matched, err := f.matcher.MatchesOrParentMatches(name)
	if err != nil {
		return false
	}
	return matched
}

func (f *Exclude) Accept(kind element.Kind, name string, data io.ReadSeeker) error {
	switch {
	case kind == element.ConfigFile && data != nil:
		return f.holdConfig(name, data)
	case kind == element.ImageLayer && data != nil:
		f.Log.WithField("digest", name).Info("filtering layer")
		return f.acceptLayer(name, data, f.skip, nil)
	}
	return f.Passthrough.Accept(kind, name, data)
}

// Finalize patches the held config's diff IDs, emits it, and finalizes
// the chain.
func (f *Exclude) Finalize() error {
	return f.finalizeConfig(nil)
}
