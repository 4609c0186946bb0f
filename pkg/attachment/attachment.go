// Package attachment describes image attachments selected by the user and
// resolves them to readable content.
package attachment

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
)

// DefaultFilename is used when the source gives no file name.
const DefaultFilename = "image.jpg"

// DefaultMediaType is used when the source gives no media type.
const DefaultMediaType = "image/jpeg"

// ErrUnsupportedURI is returned for URIs the opener cannot resolve.
var ErrUnsupportedURI = errors.New("attachment: unsupported uri")

// Ref is an opaque reference to a selected image.
type Ref struct {
	URI       string `json:"uri"`
	MediaType string `json:"type,omitempty"`
	Filename  string `json:"fileName,omitempty"`
}

// Name returns the file name to send, falling back to the URI's base name and
// then to DefaultFilename.
func (r Ref) Name() string {
	if r.Filename != "" {
		return r.Filename
	}
	if base := path.Base(r.URI); base != "." && base != "/" && base != "" {
		return base
	}
	return DefaultFilename
}

// Type returns the media type to send.
func (r Ref) Type() string {
	if r.MediaType != "" {
		return r.MediaType
	}
	return DefaultMediaType
}

// Opener resolves a Ref to its binary content.
type Opener interface {
	Open(ref Ref) (io.ReadCloser, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ref Ref) (io.ReadCloser, error)

// Open implements Opener.
func (f OpenerFunc) Open(ref Ref) (io.ReadCloser, error) {
	return f(ref)
}

// FileOpener opens plain paths and file:// URIs from the local filesystem.
type FileOpener struct{}

// Open implements Opener.
func (FileOpener) Open(ref Ref) (io.ReadCloser, error) {
	p := ref.URI
	if strings.Contains(p, "://") {
		u, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("attachment: parse uri: %w", err)
		}
		if u.Scheme != "file" {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedURI, u.Scheme)
		}
		p = u.Path
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("attachment: %w", err)
	}
	return f, nil
}
