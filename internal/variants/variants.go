// Package variants turns an original image into its fixed set of resized,
// re-encoded derivatives and owns the derived-path convention the CDN layer
// relies on.
package variants

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"path"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// Size is a named size class.
type Size string

const (
	Original Size = "original"
	Thumb    Size = "thumb"
	Small    Size = "small"
	Medium   Size = "medium"
	Large    Size = "large"
)

// Sizes lists every derived size class in generation order. Original is
// implicit and never generated.
var Sizes = []Size{Thumb, Small, Medium, Large}

// boxes holds the maximum longer-edge length per size class.
var boxes = map[Size]int{
	Thumb:  150,
	Small:  400,
	Medium: 800,
	Large:  1600,
}

// ErrGenerationFailed means the source could not be decoded or re-encoded;
// the whole batch fails, never a partial set.
var ErrGenerationFailed = errors.New("variants: generation failed")

// Valid reports whether s names a known size class (original included).
func (s Size) Valid() bool {
	if s == Original {
		return true
	}
	_, ok := boxes[s]
	return ok
}

// Box returns the bounding-box edge for a derived size class.
func (s Size) Box() int {
	return boxes[s]
}

// Path derives the storage path for a (original path, size) pair:
// {dir}/{stem}_{size}.{ext} for derived sizes, the original path unchanged
// for Original. The convention is load-bearing: the CDN layer computes it
// without any lookup table, so it must stay bit-exact.
func Path(original string, size Size) string {
	if size == Original || size == "" {
		return original
	}
	ext := path.Ext(original)
	stem := strings.TrimSuffix(original, ext)
	return fmt.Sprintf("%s_%s%s", stem, size, ext)
}

// Paths returns every derived variant path for an original.
func Paths(original string) []string {
	out := make([]string, 0, len(Sizes))
	for _, size := range Sizes {
		out = append(out, Path(original, size))
	}
	return out
}

// Variant is one generated derivative.
type Variant struct {
	Size        Size
	Data        []byte
	Width       int
	Height      int
	ContentType string
}

// Generator resizes and re-encodes originals.
type Generator struct {
	quality int
}

// NewGenerator returns a Generator with the default JPEG quality.
func NewGenerator() *Generator {
	return &Generator{quality: 85}
}

// Generate produces every size class from the original bytes. Aspect ratio is
// preserved and images are never upscaled: a source smaller than a target box
// yields a variant with the source's dimensions. Opaque sources are
// re-encoded as JPEG to bound storage size; sources with transparency keep it
// by encoding PNG.
func (g *Generator) Generate(data []byte, mimeType string) (map[Size]Variant, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode source: %v", ErrGenerationFailed, err)
	}

	opaque := isOpaque(src)
	out := make(map[Size]Variant, len(Sizes))
	for _, size := range Sizes {
		img := fit(src, size.Box())
		encoded, contentType, err := g.encode(img, opaque)
		if err != nil {
			return nil, fmt.Errorf("%w: encode %s: %v", ErrGenerationFailed, size, err)
		}
		bounds := img.Bounds()
		out[size] = Variant{
			Size:        size,
			Data:        encoded,
			Width:       bounds.Dx(),
			Height:      bounds.Dy(),
			ContentType: contentType,
		}
	}
	return out, nil
}

// fit scales the image down so its longer edge is at most box pixels,
// preserving aspect ratio. Images already within the box pass through.
func fit(src image.Image, box int) image.Image {
	bounds := src.Bounds()
	if bounds.Dx() <= box && bounds.Dy() <= box {
		return src
	}
	return imaging.Fit(src, box, box, imaging.Lanczos)
}

func (g *Generator) encode(img image.Image, opaque bool) ([]byte, string, error) {
	var buf bytes.Buffer
	if opaque {
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(g.quality)); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/jpeg", nil
	}
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "image/png", nil
}

// isOpaque reports whether the image has no transparent pixels. Image types
// that cannot report opacity are treated as opaque.
func isOpaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	return true
}
