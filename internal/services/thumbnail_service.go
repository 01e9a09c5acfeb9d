package services

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/jdeng/goheif"

	"github.com/photosync/client/internal/models"
)

// ThumbnailSize represents a thumbnail size configuration
type ThumbnailSize struct {
	Name    string
	MaxDim  int // Maximum dimension (width or height)
	Quality int // JPEG quality (1-100)
}

var (
	// ThumbSmall is the grid rendition
	ThumbSmall = ThumbnailSize{Name: "thumb", MaxDim: 200, Quality: 80}
	// ThumbPreview is the full screen rendition
	ThumbPreview = ThumbnailSize{Name: "preview", MaxDim: 1000, Quality: 85}
)

// ThumbnailResult contains paths to generated renditions
type ThumbnailResult struct {
	ThumbPath   string
	PreviewPath string
	Width       int
	Height      int
}

// ThumbnailService renders local renditions of synced images
type ThumbnailService struct {
	basePath string
}

// NewThumbnailService creates a new ThumbnailService rooted at basePath
func NewThumbnailService(basePath string) *ThumbnailService {
	return &ThumbnailService{basePath: basePath}
}

// Path returns where the rendition of an item is stored
func (s *ThumbnailService) Path(source string, item *models.SyncItem, size ThumbnailSize) string {
	return filepath.Join(s.basePath, sanitizeFilename(source), fmt.Sprintf("%s_%s.jpg", item.LUID, size.Name))
}

// Generate renders both renditions of a local item
func (s *ThumbnailService) Generate(source string, item *models.SyncItem) (*ThumbnailResult, error) {
	if item.LUID == "" || item.LocalItemPath == "" {
		return nil, fmt.Errorf("item %d has no local copy", item.ID)
	}
	if !IsSupportedFormat(item.LocalItemPath) {
		return nil, models.NewSyncError(models.KindItemNotSupported, "no renditions for %s", filepath.Ext(item.LocalItemPath))
	}

	imageData, err := os.ReadFile(item.LocalItemPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var img image.Image
	if IsHEIC(item.LocalItemPath) {
		img, err = decodeHEIC(imageData)
	} else {
		img, _, err = image.Decode(bytes.NewReader(imageData))
	}
	if err != nil {
		return nil, models.NewSyncError(models.KindUnknownMediaException, "decode %s: %v", item.Name, err)
	}

	// Apply EXIF orientation correction
	img = applyOrientation(img, item.Format.Orientation)

	dir := filepath.Join(s.basePath, sanitizeFilename(source))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create thumbnail directory: %w", err)
	}

	bounds := img.Bounds()
	result := &ThumbnailResult{Width: bounds.Dx(), Height: bounds.Dy()}

	sizes := []struct {
		size    ThumbnailSize
		pathPtr *string
	}{
		{ThumbSmall, &result.ThumbPath},
		{ThumbPreview, &result.PreviewPath},
	}

	for _, sizeItem := range sizes {
		path := s.Path(source, item, sizeItem.size)
		if err := writeRendition(img, path, sizeItem.size); err != nil {
			return nil, fmt.Errorf("failed to generate %s rendition: %w", sizeItem.size.Name, err)
		}
		*sizeItem.pathPtr = path
	}

	return result, nil
}

// Delete removes the renditions of an item
func (s *ThumbnailService) Delete(source string, item *models.SyncItem) {
	for _, size := range []ThumbnailSize{ThumbSmall, ThumbPreview} {
		os.Remove(s.Path(source, item, size)) // Ignore errors for non-existent files
	}
}

func writeRendition(img image.Image, path string, size ThumbnailSize) error {
	// Fit keeps the aspect ratio and never upscales
	resized := imaging.Fit(img, size.MaxDim, size.MaxDim, imaging.Lanczos)

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create thumbnail file: %w", err)
	}

	if err := jpeg.Encode(out, resized, &jpeg.Options{Quality: size.Quality}); err != nil {
		out.Close()
		os.Remove(path) // Clean up on failure
		return fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return out.Close()
}

// applyOrientation corrects image orientation based on EXIF data
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Rotate270(imaging.FlipH(img))
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Rotate90(imaging.FlipH(img))
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// IsSupportedFormat checks if the file extension is supported for thumbnail generation
func IsSupportedFormat(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff", ".tif", ".heic", ".heif":
		return true
	}
	return false
}

// IsHEIC checks if the file is HEIC/HEIF format (requires special handling)
func IsHEIC(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".heic" || ext == ".heif"
}

// decodeHEIC decodes a HEIC/HEIF image using goheif (pure Go)
func decodeHEIC(data []byte) (image.Image, error) {
	img, err := goheif.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode HEIC image: %w", err)
	}
	return img, nil
}
