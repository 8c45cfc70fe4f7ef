// Package upload handles file intake: content sniffing, size limits, hash
// partitioned storage paths, and thumbnail generation for images.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log"
	"net/http"
	"time"

	_ "image/gif"

	"qcat/internal/store"
	"qcat/internal/util"
)

var (
	// ErrTooLarge is returned when an upload exceeds the size limit.
	ErrTooLarge = errors.New("file too large")
	// ErrUnsupportedType is returned for content outside the allow-list.
	ErrUnsupportedType = errors.New("unsupported content type")
)

// allowedTypes is the content allow-list. The type is decided by sniffing
// the bytes, never by the client-provided filename or header.
var allowedTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"application/pdf": ".pdf",
}

// thumbnailWidths are the generated image variants.
var thumbnailWidths = map[string]int{
	"small":  150,
	"medium": 640,
}

type Service struct {
	store   *store.PostgresStore
	blobs   BlobStore
	maxSize int64
}

func NewService(s *store.PostgresStore, blobs BlobStore, maxSize int64) *Service {
	if maxSize <= 0 {
		maxSize = 50 << 20
	}
	return &Service{store: s, blobs: blobs, maxSize: maxSize}
}

// PartitionPath spreads blobs over a two level directory tree derived from
// the uuid, so no single directory grows unbounded.
func PartitionPath(uuid, ext string) string {
	return fmt.Sprintf("%s/%s/%s%s", uuid[0:2], uuid[2:4], uuid, ext)
}

// Detect sniffs the content type from the first bytes.
func Detect(data []byte) string {
	return http.DetectContentType(data)
}

// Save validates and stores an upload, generating thumbnails for images.
// The returned file is the original; thumbnails are reachable through the
// variant lookup.
func (s *Service) Save(ctx context.Context, data []byte) (store.File, error) {
	if int64(len(data)) > s.maxSize {
		return store.File{}, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), s.maxSize)
	}

	contentType := Detect(data)
	ext, ok := allowedTypes[contentType]
	if !ok {
		return store.File{}, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}

	uuid := util.NewUUID()
	path := PartitionPath(uuid, ext)
	if err := s.blobs.Put(ctx, path, contentType, data); err != nil {
		return store.File{}, err
	}

	file, err := s.store.InsertFile(ctx, store.File{
		UUID:        uuid,
		ContentType: contentType,
		Size:        int64(len(data)),
		Path:        path,
	})
	if err != nil {
		return store.File{}, err
	}

	if contentType == "image/jpeg" || contentType == "image/png" {
		if err := s.generateThumbnails(ctx, uuid, contentType, ext, data); err != nil {
			// thumbnails are best effort, the original upload stands
			log.Printf("upload: thumbnails for %s: %v", uuid, err)
		}
	}

	return file, nil
}

func (s *Service) generateThumbnails(ctx context.Context, originalUUID, contentType, ext string, data []byte) error {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}

	for variant, width := range thumbnailWidths {
		scaled := scaleToWidth(src, width)
		var buf bytes.Buffer
		switch contentType {
		case "image/png":
			err = png.Encode(&buf, scaled)
		default:
			err = jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: 85})
		}
		if err != nil {
			return fmt.Errorf("encode %s thumbnail: %w", variant, err)
		}

		uuid := util.NewUUID()
		path := PartitionPath(uuid, ext)
		if err := s.blobs.Put(ctx, path, contentType, buf.Bytes()); err != nil {
			return err
		}
		if _, err := s.store.InsertFile(ctx, store.File{
			UUID:         uuid,
			ContentType:  contentType,
			Size:         int64(buf.Len()),
			Path:         path,
			ThumbnailFor: originalUUID,
			Variant:      variant,
		}); err != nil {
			return err
		}
	}
	return nil
}

// scaleToWidth resizes with nearest neighbour sampling. Images narrower
// than the target are returned unchanged.
func scaleToWidth(src image.Image, width int) image.Image {
	bounds := src.Bounds()
	if bounds.Dx() <= width {
		return src
	}
	height := bounds.Dy() * width / bounds.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		srcY := bounds.Min.Y + y*bounds.Dy()/height
		for x := 0; x < width; x++ {
			srcX := bounds.Min.X + x*bounds.Dx()/width
			dst.Set(x, y, src.At(srcX, srcY))
		}
	}
	return dst
}

// Open returns the blob of a file, or of one of its thumbnails when a
// variant is requested.
func (s *Service) Open(ctx context.Context, uuid, variant string) (store.File, io.ReadCloser, error) {
	file, err := s.store.GetFileVariant(ctx, uuid, variant)
	if err != nil {
		return store.File{}, nil, err
	}
	reader, err := s.blobs.Get(ctx, file.Path)
	if err != nil {
		return store.File{}, nil, err
	}
	return file, reader, nil
}

// Delete removes a file, its thumbnails, and their blobs.
func (s *Service) Delete(ctx context.Context, uuid string) error {
	paths, err := s.store.DeleteFile(ctx, uuid)
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := s.blobs.Delete(ctx, path); err != nil {
			log.Printf("upload: delete blob %s: %v", path, err)
		}
	}
	return nil
}

// CollectGarbage deletes originals older than minAge that no questionnaire
// references. Returns the number of originals removed.
func (s *Service) CollectGarbage(ctx context.Context, minAge time.Duration) (int, error) {
	orphans, err := s.store.OrphanedFiles(ctx, minAge)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, orphan := range orphans {
		if err := s.Delete(ctx, orphan.UUID); err != nil {
			log.Printf("upload: gc %s: %v", orphan.UUID, err)
			continue
		}
		removed++
	}
	return removed, nil
}
