// Package media handles image bytes on disk: cover-fit resizing for
// downloads and per-service variants, and the upload directory that holds
// every stored file.
package media

import (
	"bytes"
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // register webp decoder for image.Decode
)

// DefaultMaxDimension is the largest width or height a resize may produce
// unless configured otherwise.
const DefaultMaxDimension = 8192

// Size is a target width and height in pixels.
type Size struct {
	Width  int
	Height int
}

// Valid reports whether both dimensions are positive.
func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

// Within reports whether neither dimension exceeds limit.
func (s Size) Within(limit int) bool {
	return s.Width <= limit && s.Height <= limit
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// AllowedTypes lists the MIME types accepted for upload.
var AllowedTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

// Allowed reports whether contentType (parameters ignored) is an accepted image type.
func Allowed(contentType string) bool {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	for _, t := range AllowedTypes {
		if t == contentType {
			return true
		}
	}
	return false
}

// Fill scales and crops img so that it covers size exactly, keeping the
// centre of the source.
func Fill(img image.Image, size Size) *image.NRGBA {
	return imaging.Fill(img, size.Width, size.Height, imaging.Center, imaging.Lanczos)
}

// ResizePNG opens the image at path, cover-fits it to size and returns it
// encoded as PNG.
func ResizePNG(path string, size Size) ([]byte, error) {
	if !size.Valid() {
		return nil, fmt.Errorf("invalid size %s", size)
	}
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", filepath.Base(path), err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, Fill(img, size), imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// ResizeFile cover-fits the image at src to size and writes it to dst. The
// output format follows dst's extension; use OutputExt to pick one that can
// be encoded.
func ResizeFile(src, dst string, size Size) error {
	if !size.Valid() {
		return fmt.Errorf("invalid size %s", size)
	}
	img, err := imaging.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", filepath.Base(src), err)
	}
	if err := imaging.Save(Fill(img, size), dst); err != nil {
		return fmt.Errorf("save %q: %w", filepath.Base(dst), err)
	}
	return nil
}

// OutputExt returns ext if images can be encoded in that format, and ".png"
// otherwise (webp is decode-only).
func OutputExt(ext string) string {
	if _, err := imaging.FormatFromExtension(ext); err != nil {
		return ".png"
	}
	return ext
}
