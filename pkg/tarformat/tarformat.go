// Package tarformat picks the narrowest tar header format that can
// represent a rewritten layer. USTAR is preferred: every member that
// needs a PAX extended header costs about a kilobyte, which adds up
// over a large layer. The outer tarballs the sinks produce have short
// hash-derived member names and always use USTAR.
package tarformat

import (
	"archive/tar"
	"io"
	"path"
)

// POSIX.1-1988 ustar header limits.
const (
	ustarMaxPath     = 256
	ustarMaxName     = 100
	ustarMaxPrefix   = 155
	ustarMaxLinkname = 100
	ustarMaxSize     = 8*1024*1024*1024 - 1
	ustarMaxID       = 1<<21 - 1
)

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// NeedsPAX reports whether a member cannot be represented in a ustar
// header.
func NeedsPAX(hdr *tar.Header) bool {
	if len(hdr.Name) > ustarMaxPath {
		return true
	}

	// Long paths survive in ustar only when they split at a slash
	// into a prefix and name that fit their fields.
	if len(hdr.Name) > ustarMaxName {
		prefix := path.Dir(hdr.Name)
		name := path.Base(hdr.Name)
		if len(name) > ustarMaxName || len(prefix) > ustarMaxPrefix {
			return true
		}
	}

	if len(hdr.Linkname) > ustarMaxLinkname {
		return true
	}
	if hdr.Size > ustarMaxSize {
		return true
	}
	if hdr.Uid > ustarMaxID || hdr.Gid > ustarMaxID {
		return true
	}
	if !isASCII(hdr.Name) || !isASCII(hdr.Linkname) {
		return true
	}

	// Extended attributes and access/change times only exist as PAX
	// records.
	if len(hdr.PAXRecords) > 0 {
		return true
	}
	if !hdr.AccessTime.IsZero() || !hdr.ChangeTime.IsZero() {
		return true
	}
	return false
}

// Select scans the members of a layer tar, applying the rewriter's
// transform and skip decisions, and returns the format the rewritten
// layer needs. It short-circuits to PAX on the first disqualifying
// member. The stream is rewound to its start before returning.
func Select(layer io.ReadSeeker, transform func(*tar.Header), skip func(*tar.Header) bool) (tar.Format, error) {
	if _, err := layer.Seek(0, io.SeekStart); err != nil {
		return tar.FormatUnknown, err
	}
	defer layer.Seek(0, io.SeekStart)

	tr := tar.NewReader(layer)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return tar.FormatUnknown, err
		}

		if skip != nil && skip(hdr) {
			continue
		}
		if transform != nil {
			clone := *hdr
			transform(&clone)
			hdr = &clone
		}
		if NeedsPAX(hdr) {
			return tar.FormatPAX, nil
		}
	}
	return tar.FormatUSTAR, nil
}
