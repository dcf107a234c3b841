package storage

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestLocalBackend(t *testing.T) {
	ctx := context.Background()
	backend, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	key := "products/ab12cd34/sku-1/photo.jpg"
	payload := []byte("not really a jpeg")

	if err := backend.Put(ctx, key, payload, "image/jpeg"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	exists, err := backend.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !exists {
		t.Fatal("object should exist after Put")
	}

	got, err := backend.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Get returned %q, want %q", got, payload)
	}

	if err := backend.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := backend.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Delete: got %v, want ErrNotFound", err)
	}
	if err := backend.Delete(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete: got %v, want ErrNotFound", err)
	}
	exists, err = backend.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists after Delete: %v", err)
	}
	if exists {
		t.Fatal("object should not exist after Delete")
	}
}

func TestLocalBackendRejectsEscapingPaths(t *testing.T) {
	ctx := context.Background()
	backend, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	for _, key := range []string{"../outside.txt", "a/../../outside.txt", "/etc/passwd", ""} {
		if err := backend.Put(ctx, key, []byte("x"), ""); err == nil {
			t.Errorf("Put(%q) should have been rejected", key)
		}
		if _, err := backend.Get(ctx, key); err == nil {
			t.Errorf("Get(%q) should have been rejected", key)
		}
	}
}
