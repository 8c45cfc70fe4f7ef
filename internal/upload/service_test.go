package upload

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"strings"
	"testing"
)

func TestPartitionPath(t *testing.T) {
	path := PartitionPath("2f0a9a0e-3f49-4fbb-a2a3-92d8a0a1b6de", ".png")
	if path != "2f/0a/2f0a9a0e-3f49-4fbb-a2a3-92d8a0a1b6de.png" {
		t.Fatalf("path = %q", path)
	}
}

func TestDetectSniffsContent(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	if got := Detect(buf.Bytes()); got != "image/png" {
		t.Errorf("Detect png = %q", got)
	}
	if got := Detect([]byte("%PDF-1.4 hello")); got != "application/pdf" {
		t.Errorf("Detect pdf = %q", got)
	}
	if got := Detect([]byte("#!/bin/sh\nrm -rf /")); strings.HasPrefix(got, "image/") {
		t.Errorf("Detect script = %q", got)
	}
}

func TestScaleToWidth(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 400, 200))
	scaled := scaleToWidth(src, 100)
	if scaled.Bounds().Dx() != 100 || scaled.Bounds().Dy() != 50 {
		t.Fatalf("scaled bounds = %v", scaled.Bounds())
	}

	small := image.NewRGBA(image.Rect(0, 0, 80, 40))
	if scaleToWidth(small, 100) != small {
		t.Fatal("images narrower than the target should pass through")
	}
}

func TestDiskStoreRejectsEscapingPaths(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	ctx := context.Background()

	if err := s.Put(ctx, "../outside.txt", "text/plain", []byte("x")); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
	if _, err := s.Get(ctx, "../../etc/passwd"); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
}

func TestDiskStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	ctx := context.Background()

	path := "2f/0a/test.txt"
	if err := s.Put(ctx, path, "text/plain", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	reader, err := s.Get(ctx, path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer reader.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		t.Fatalf("read: %v", err)
	}
	if buf.String() != "hello" {
		t.Fatalf("content = %q", buf.String())
	}

	if err := s.Delete(ctx, path); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, path); err == nil {
		t.Fatal("expected missing blob after delete")
	}
	// deleting again is a no-op
	if err := s.Delete(ctx, path); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}
