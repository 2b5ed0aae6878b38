package filters

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shakenfist/occystrap/pkg/element"
)

// Inspect is a pure passthrough that records layer digests, sizes and
// config history, and appends one JSON line per image to a file in
// Finalize. Placed between other filters it measures their effect.
type Inspect struct {
	element.Passthrough
	Log *logrus.Entry

	OutputFile string
	Image      string
	Tag        string

	history []historyEntry
	layers  []layerRecord
}

type historyEntry struct {
	Created    string `json:"created"`
	CreatedBy  string `json:"created_by"`
	Comment    string `json:"comment"`
	EmptyLayer bool   `json:"empty_layer"`
}

type layerRecord struct {
	digest string
	size   int64
}

// inspectLayer is one line item in the report, shaped like docker
// history output.
type inspectLayer struct {
	ID        string   `json:"Id"`
	Size      int64    `json:"Size"`
	Created   int64    `json:"Created"`
	CreatedBy string   `json:"CreatedBy"`
	Comment   string   `json:"Comment"`
	Tags      []string `json:"Tags"`
}

type inspectRecord struct {
	Name   string         `json:"name"`
	Layers []inspectLayer `json:"layers"`
}

// NewInspect wraps next with an inspect filter appending to
// outputFile.
func NewInspect(log *logrus.Entry, next element.Consumer, outputFile, image, tag string) *Inspect {
	f := &Inspect{
		Log:        log.WithField("filter", "inspect"),
		OutputFile: outputFile,
		Image:      image,
		Tag:        tag,
	}
	f.Next = next
	return f
}

func (f *Inspect) Accept(kind element.Kind, name string, data io.ReadSeeker) error {
	switch kind {
	case element.ConfigFile:
		if data != nil {
			if err := f.parseConfig(data); err != nil {
				return err
			}
		}

	case element.ImageLayer:
		var size int64
		if data != nil {
			var err error
			size, err = data.Seek(0, io.SeekEnd)
			if err != nil {
				return err
			}
			if _, err := data.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}
		f.layers = append(f.layers, layerRecord{digest: name, size: size})
	}
	return f.Passthrough.Accept(kind, name, data)
}

// parseConfig keeps the history entries that correspond to real
// filesystem layers; no-op Dockerfile steps are marked empty_layer.
func (f *Inspect) parseConfig(data io.ReadSeeker) error {
	var config struct {
		History []historyEntry `json:"history"`
	}
	if err := json.NewDecoder(data).Decode(&config); err != nil {
		f.Log.WithError(err).Warn("failed to parse image config")
	} else {
		for _, h := range config.History {
			if !h.EmptyLayer {
				f.history = append(f.history, h)
			}
		}
	}
	_, err := data.Seek(0, io.SeekStart)
	return err
}

func (f *Inspect) record() inspectRecord {
	imageTag := f.Image
	if f.Tag != "" {
		imageTag = f.Image + ":" + f.Tag
	}

	entries := make([]inspectLayer, 0, len(f.layers))
	for i, l := range f.layers {
		entry := inspectLayer{
			ID:   "sha256:" + l.digest,
			Size: l.size,
		}
		if i < len(f.history) {
			h := f.history[i]
			if created, err := time.Parse(time.RFC3339Nano, h.Created); err == nil {
				entry.Created = created.Unix()
			}
			entry.CreatedBy = h.CreatedBy
			entry.Comment = h.Comment
		}
		entries = append(entries, entry)
	}

	// Newest first, matching docker history, with the image tag on
	// the topmost layer.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if len(entries) > 0 && imageTag != "" {
		entries[0].Tags = []string{imageTag}
	}

	return inspectRecord{Name: imageTag, Layers: entries}
}

// Finalize appends the record as one JSON line and finalizes the
// chain.
func (f *Inspect) Finalize() error {
	record := f.record()
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}

	out, err := os.OpenFile(f.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "%s\n", line); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	f.Log.WithFields(logrus.Fields{
		"image": record.Name, "layers": len(record.Layers), "file": f.OutputFile,
	}).Info("wrote inspect record")
	return f.Passthrough.Finalize()
}
