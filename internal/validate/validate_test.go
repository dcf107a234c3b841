package validate

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/shopimg/shopimg/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxImageBytes: 10 << 20,
		AllowedTypes:  []string{"jpg", "jpeg", "png", "webp", "gif"},
		MaxDimension:  4000,
	}
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func reason(t *testing.T, err error) Reason {
	t.Helper()
	var verr *Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected *validate.Error, got %v", err)
	}
	return verr.Reason
}

func TestValidateAcceptsJPEG(t *testing.T) {
	v := New(testConfig())
	data := encodeJPEG(t, 640, 480)
	res, err := v.Validate("photo.jpg", "image/jpeg", int64(len(data)), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Width != 640 || res.Height != 480 {
		t.Errorf("dimensions = %dx%d, want 640x480", res.Width, res.Height)
	}
	if res.MimeType != "image/jpeg" {
		t.Errorf("mime = %q, want image/jpeg", res.MimeType)
	}
}

func TestValidateRejectsOversizedFile(t *testing.T) {
	cfg := testConfig()
	cfg.MaxImageBytes = 1024
	v := New(cfg)
	_, err := v.Validate("photo.jpg", "image/jpeg", 15<<20, bytes.NewReader(nil))
	if err == nil {
		t.Fatal("expected rejection")
	}
	if r := reason(t, err); r != FileTooLarge {
		t.Errorf("reason = %s, want %s", r, FileTooLarge)
	}
}

func TestValidateRejectsUnsupportedExtension(t *testing.T) {
	v := New(testConfig())
	data := encodeJPEG(t, 10, 10)
	_, err := v.Validate("document.pdf", "application/pdf", int64(len(data)), bytes.NewReader(data))
	if err == nil {
		t.Fatal("expected rejection")
	}
	if r := reason(t, err); r != UnsupportedType {
		t.Errorf("reason = %s, want %s", r, UnsupportedType)
	}
}

func TestValidateRejectsDisallowedDeclaredType(t *testing.T) {
	v := New(testConfig())
	data := encodePNG(t, 10, 10)
	_, err := v.Validate("img.png", "text/plain", int64(len(data)), bytes.NewReader(data))
	if err == nil {
		t.Fatal("expected rejection")
	}
	if r := reason(t, err); r != UnsupportedType {
		t.Errorf("reason = %s, want %s", r, UnsupportedType)
	}
}

func TestValidateIgnoresGenericDeclaredType(t *testing.T) {
	v := New(testConfig())
	data := encodePNG(t, 10, 10)
	for _, declared := range []string{"", "application/octet-stream", "IMAGE/PNG; charset=binary"} {
		if _, err := v.Validate("img.png", declared, int64(len(data)), bytes.NewReader(data)); err != nil {
			t.Errorf("declared %q: unexpected rejection: %v", declared, err)
		}
	}
}

func TestValidateRejectsSpoofedExtension(t *testing.T) {
	v := New(testConfig())
	junk := []byte("this is fifty bytes of text pretending to be jpeg!")
	_, err := v.Validate("photo.jpg", "image/jpeg", int64(len(junk)), bytes.NewReader(junk))
	if err == nil {
		t.Fatal("expected rejection")
	}
	if r := reason(t, err); r != CorruptImage {
		t.Errorf("reason = %s, want %s", r, CorruptImage)
	}
}

func TestValidateRejectsTruncatedImage(t *testing.T) {
	v := New(testConfig())
	data := encodeJPEG(t, 200, 200)
	truncated := data[:len(data)/3]
	_, err := v.Validate("photo.jpg", "image/jpeg", int64(len(truncated)), bytes.NewReader(truncated))
	if err == nil {
		t.Fatal("expected rejection")
	}
	if r := reason(t, err); r != CorruptImage {
		t.Errorf("reason = %s, want %s", r, CorruptImage)
	}
}

func TestValidateRejectsHugeDimensions(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDimension = 1000
	v := New(cfg)
	data := encodePNG(t, 1500, 10)
	_, err := v.Validate("wide.png", "image/png", int64(len(data)), bytes.NewReader(data))
	if err == nil {
		t.Fatal("expected rejection")
	}
	if r := reason(t, err); r != DimensionTooLarge {
		t.Errorf("reason = %s, want %s", r, DimensionTooLarge)
	}
}
