// Package validate checks uploaded files against size, type and dimension
// constraints before anything is persisted.
package validate

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"path"
	"strings"

	// Register decoders for every allowed format so image.Decode can verify
	// that the bytes really are a raster image of the claimed type.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/shopimg/shopimg/internal/config"
)

// Reason identifies why validation rejected an upload.
type Reason string

const (
	FileTooLarge      Reason = "file_too_large"
	UnsupportedType   Reason = "unsupported_type"
	CorruptImage      Reason = "corrupt_image"
	DimensionTooLarge Reason = "dimension_too_large"
)

// Error is a user-correctable rejection. No record is created and no bytes
// are written to storage when one of these is returned.
type Error struct {
	Reason Reason
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Reason, e.Detail)
}

// Result carries what validation learned about the image so later stages do
// not have to decode it again for metadata.
type Result struct {
	Width    int
	Height   int
	MimeType string
}

// Validator holds the configured limits.
type Validator struct {
	maxBytes     int64
	allowedExts  map[string]bool
	allowedMimes map[string]bool
	maxDimension int
}

// New builds a Validator from the runtime configuration.
func New(cfg *config.Config) *Validator {
	exts := make(map[string]bool, len(cfg.AllowedTypes))
	mimes := make(map[string]bool, len(cfg.AllowedTypes))
	for _, ext := range cfg.AllowedTypes {
		ext = strings.TrimPrefix(ext, ".")
		exts[ext] = true
		if m, ok := mimeByExt[ext]; ok {
			mimes[m] = true
		}
	}
	return &Validator{
		maxBytes:     cfg.MaxImageBytes,
		allowedExts:  exts,
		allowedMimes: mimes,
		maxDimension: cfg.MaxDimension,
	}
}

// mimeByFormat maps image.Decode format names onto canonical MIME types.
var mimeByFormat = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
}

// mimeByExt maps allowed extensions onto the MIME type a client should declare
// for them.
var mimeByExt = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
}

// Validate runs the checks in order, short-circuiting on the first failure:
// byte size, extension allow-set, real decode, pixel dimension bounds.
func (v *Validator) Validate(filename, declaredMime string, size int64, r io.Reader) (*Result, error) {
	if size > v.maxBytes {
		return nil, &Error{
			Reason: FileTooLarge,
			Detail: fmt.Sprintf("file size %d exceeds maximum of %d bytes", size, v.maxBytes),
		}
	}

	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if !v.allowedExts[ext] {
		return nil, &Error{
			Reason: UnsupportedType,
			Detail: fmt.Sprintf("extension %q is not allowed", ext),
		}
	}

	// Multipart writers that do not sniff send application/octet-stream; only
	// an explicit disallowed declaration is rejected here. The decoded format
	// below is authoritative either way.
	if declared := normalizeMime(declaredMime); declared != "" &&
		declared != "application/octet-stream" && !v.allowedMimes[declared] {
		return nil, &Error{
			Reason: UnsupportedType,
			Detail: fmt.Sprintf("declared content type %q is not allowed", declaredMime),
		}
	}

	data, err := io.ReadAll(io.LimitReader(r, v.maxBytes+1))
	if err != nil {
		return nil, &Error{Reason: CorruptImage, Detail: fmt.Sprintf("read upload: %v", err)}
	}
	if int64(len(data)) > v.maxBytes {
		return nil, &Error{
			Reason: FileTooLarge,
			Detail: fmt.Sprintf("stream exceeds maximum of %d bytes", v.maxBytes),
		}
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		// A spoofed extension or truncated upload lands here.
		return nil, &Error{Reason: CorruptImage, Detail: fmt.Sprintf("decode image: %v", err)}
	}
	mimeType, ok := mimeByFormat[format]
	if !ok {
		return nil, &Error{Reason: UnsupportedType, Detail: fmt.Sprintf("decoded format %q is not allowed", format)}
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width > v.maxDimension || height > v.maxDimension {
		return nil, &Error{
			Reason: DimensionTooLarge,
			Detail: fmt.Sprintf("dimensions %dx%d exceed maximum of %dpx", width, height, v.maxDimension),
		}
	}

	return &Result{Width: width, Height: height, MimeType: mimeType}, nil
}

// normalizeMime strips parameters like "; charset=" and lowercases the base
// type.
func normalizeMime(mime string) string {
	base, _, _ := strings.Cut(mime, ";")
	return strings.ToLower(strings.TrimSpace(base))
}
