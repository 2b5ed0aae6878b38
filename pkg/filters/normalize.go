package filters

import (
	"archive/tar"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shakenfist/occystrap/pkg/element"
)

// NormalizeTimestamps rewrites every layer member's timestamps to one
// fixed value so the same source image always produces byte-identical
// output. The layer digests change, so the config's diff IDs and
// history timestamps are patched to match and the config is emitted
// last.
type NormalizeTimestamps struct {
	mutating

	// Timestamp is the Unix time every member gets. Zero is the
	// epoch, the reproducible-build convention.
	Timestamp int64
}

// NewNormalizeTimestamps wraps next with a timestamp normalizer.
func NewNormalizeTimestamps(log *logrus.Entry, next element.Consumer, timestamp int64, scratchDir string) *NormalizeTimestamps {
	f := &NormalizeTimestamps{Timestamp: timestamp}
	f.Next = next
	f.Log = log.WithField("filter", "normalize-timestamps")
	f.ScratchDir = scratchDir
	return f
}

func (f *NormalizeTimestamps) transform(hdr *tar.Header) {
	hdr.ModTime = time.Unix(f.Timestamp, 0).UTC()
	// Access and change times cannot be represented in ustar
	// headers, and a normalized layer has no use for them.
	hdr.AccessTime = time.Time{}
	hdr.ChangeTime = time.Time{}
}

func (f *NormalizeTimestamps) Accept(kind element.Kind, name string, data io.ReadSeeker) error {
	switch {
	case kind == element.ConfigFile && data != nil:
		return f.holdConfig(name, data)
	case kind == element.ImageLayer && data != nil:
		f.Log.WithField("digest", name).Info("normalizing timestamps in layer")
		return f.acceptLayer(name, data, nil, f.transform)
	}
	return f.Passthrough.Accept(kind, name, data)
}

// Finalize patches the held config's diff IDs and history timestamps,
// emits it, and finalizes the chain.
func (f *NormalizeTimestamps) Finalize() error {
	created := formatTimestamp(f.Timestamp)
	return f.finalizeConfig(func(config map[string]interface{}) {
		config["created"] = created
		history, ok := config["history"].([]interface{})
		if !ok {
			return
		}
		for _, h := range history {
			entry, ok := h.(map[string]interface{})
			if !ok {
				continue
			}
			if _, present := entry["created"]; present {
				entry["created"] = created
			}
		}
	})
}
