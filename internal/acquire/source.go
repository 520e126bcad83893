// Package acquire turns a job source (an uploaded byte stream or a remote
// URL) into a verified local video file inside the job's storage scope.
package acquire

import (
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/heimdex/scenesplit/internal/failure"
	"github.com/heimdex/scenesplit/internal/media"
)

// SourceKind distinguishes uploads from remote links.
type SourceKind string

const (
	SourceUpload SourceKind = "upload"
	SourceURL    SourceKind = "url"
)

// Source is where a job's video comes from.
type Source struct {
	Kind SourceKind

	// Upload fields. Reader is consumed exactly once.
	Filename string
	Reader   io.Reader

	// URL field.
	URL string
}

func Upload(filename string, r io.Reader) Source {
	return Source{Kind: SourceUpload, Filename: filename, Reader: r}
}

func URL(u string) Source {
	return Source{Kind: SourceURL, URL: strings.TrimSpace(u)}
}

// Title returns a human title for the source, used to prefix scene names.
func (s Source) Title() string {
	if s.Kind == SourceUpload && s.Filename != "" {
		base := filepath.Base(s.Filename)
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
	return ""
}

// Describe renders the source for logs without leaking URL query tokens.
func (s Source) Describe() string {
	switch s.Kind {
	case SourceUpload:
		return "upload:" + filepath.Base(s.Filename)
	case SourceURL:
		if u, err := url.Parse(s.URL); err == nil {
			return "url:" + u.Scheme + "://" + u.Host + u.Path
		}
		return "url"
	}
	return "unknown"
}

// Validate performs the cheap checks that can reject a source at intake,
// before any bytes are read.
func (s Source) Validate() error {
	switch s.Kind {
	case SourceUpload:
		if s.Reader == nil {
			return failure.New(failure.KindUnsupportedSource, "upload has no data")
		}
		if ext := filepath.Ext(s.Filename); ext != "" && !media.IsSupportedExtension(ext) {
			return failure.New(failure.KindUnsupportedSource, "unsupported video format %q, supported: %s",
				ext, strings.Join(media.SupportedExtensions, ", "))
		}
		return nil
	case SourceURL:
		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return failure.New(failure.KindUnsupportedSource, "not an http(s) link")
		}
		return nil
	}
	return failure.New(failure.KindUnsupportedSource, "unknown source kind %q", s.Kind)
}

// uploadExtension returns the container extension to store an upload under.
func (s Source) uploadExtension() string {
	if ext := strings.ToLower(filepath.Ext(s.Filename)); media.IsSupportedExtension(ext) {
		return ext
	}
	return ".mp4"
}
