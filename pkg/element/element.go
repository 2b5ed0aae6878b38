// Package element defines the units that flow through an occystrap
// pipeline and the contracts between the things that produce and
// consume them.
//
// An image is streamed as a sequence of elements: exactly one config
// blob (the image configuration JSON) and zero or more layer blobs
// (uncompressed tar archives, delivered in apply order, base first).
// Sources emit elements, filters transform them, sinks write them out.
package element

import (
	"context"
	"io"
)

// Kind tags an element as a config blob or a layer blob.
type Kind int

const (
	ConfigFile Kind = iota
	ImageLayer
)

func (k Kind) String() string {
	if k == ConfigFile {
		return "config"
	}
	return "layer"
}

// Consumer is implemented by sinks and filters. Filters wrap another
// Consumer and delegate, so chains compose by construction.
//
// Accept is called once per element. The data stream is only valid for
// the duration of the call; consumers needing the bytes later must copy
// them to a scratch file. A nil data stream means the layer was skipped
// because Want returned false for its digest.
//
// Finalize is called exactly once after all elements have been
// accepted. Filters flush accumulated state to their wrapped consumer
// and then delegate, so the innermost sink completes its write-out
// last, after every outer filter has emitted everything it holds.
type Consumer interface {
	// Want reports whether the consumer needs the layer with the
	// given digest. Sources call this before pulling a layer so
	// sinks that already hold the blob can skip the transfer.
	Want(digest string) bool

	Accept(kind Kind, name string, data io.ReadSeeker) error

	Finalize() error
}

// Source emits the elements of one image to a consumer. Layers are
// emitted in apply order; the config may be emitted before, between or
// after the layers.
type Source interface {
	Image() string
	Tag() string
	Emit(ctx context.Context, to Consumer) error
}

// Passthrough is the embeddable base for filters: every method
// delegates to the wrapped consumer. A nil Next makes the filter
// terminal (search-only pipelines).
type Passthrough struct {
	Next Consumer
}

func (p *Passthrough) Want(digest string) bool {
	if p.Next == nil {
		return true
	}
	return p.Next.Want(digest)
}

func (p *Passthrough) Accept(kind Kind, name string, data io.ReadSeeker) error {
	if p.Next == nil {
		return nil
	}
	return p.Next.Accept(kind, name, data)
}

func (p *Passthrough) Finalize() error {
	if p.Next == nil {
		return nil
	}
	return p.Next.Finalize()
}
