package services

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/jdeng/goheif"
	"github.com/rwcarlsen/goexif/exif"

	"github.com/photosync/client/internal/models"
)

// MediaInfo is what inspection learns about a local file
type MediaInfo struct {
	ContentType string
	Format      models.FormatMetadata
}

// MediaService extracts format metadata from local media files
type MediaService struct{}

// NewMediaService creates a new MediaService
func NewMediaService() *MediaService {
	return &MediaService{}
}

func init() {
	exif.RegisterParsers()
}

// Inspect reads the file at path. Files that carry no readable metadata still
// get a content type; probing never fails a sync.
func (s *MediaService) Inspect(path string) MediaInfo {
	info := MediaInfo{ContentType: s.ContentType(path)}
	if !strings.HasPrefix(info.ContentType, "image/") {
		return info
	}

	f, err := os.Open(path)
	if err != nil {
		return info
	}
	defer f.Close()

	var x *exif.Exif
	if IsHEIC(path) {
		raw, err := goheif.ExtractExif(f)
		if err == nil {
			x, _ = exif.Decode(bytes.NewReader(raw))
		}
	} else {
		x, _ = exif.Decode(f)
	}
	if x != nil {
		info.Format = formatFromExif(x)
	}

	if info.Format.Width == 0 || info.Format.Height == 0 {
		if _, err := f.Seek(0, io.SeekStart); err == nil {
			if img, err := imaging.Decode(f, imaging.AutoOrientation(true)); err == nil {
				b := img.Bounds()
				info.Format.Width, info.Format.Height = b.Dx(), b.Dy()
			}
		}
	} else if info.Format.Orientation >= 5 {
		// EXIF dimensions are sensor dimensions; 5..8 are quarter turns
		info.Format.Width, info.Format.Height = info.Format.Height, info.Format.Width
	}

	return info
}

// ContentType guesses the MIME type from the extension, then from the content
func (s *MediaService) ContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return bareMediaType(ct)
	}

	f, err := os.Open(path)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()

	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	return bareMediaType(http.DetectContentType(head[:n]))
}

func bareMediaType(ct string) string {
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

func formatFromExif(x *exif.Exif) models.FormatMetadata {
	fm := models.FormatMetadata{Orientation: 1}

	if tag, err := x.Get(exif.Make); err == nil {
		if val, err := tag.StringVal(); err == nil {
			fm.CameraMake = strings.TrimSpace(val)
		}
	}

	if tag, err := x.Get(exif.Model); err == nil {
		if val, err := tag.StringVal(); err == nil {
			fm.CameraModel = strings.TrimSpace(val)
		}
	}

	if tag, err := x.Get(exif.Orientation); err == nil {
		if val, err := tag.Int(0); err == nil && val >= 1 && val <= 8 {
			fm.Orientation = val
		}
	}

	// Extract image dimensions
	if tag, err := x.Get(exif.PixelXDimension); err == nil {
		if val, err := tag.Int(0); err == nil {
			fm.Width = val
		}
	} else if tag, err := x.Get(exif.ImageWidth); err == nil {
		if val, err := tag.Int(0); err == nil {
			fm.Width = val
		}
	}

	if tag, err := x.Get(exif.PixelYDimension); err == nil {
		if val, err := tag.Int(0); err == nil {
			fm.Height = val
		}
	} else if tag, err := x.Get(exif.ImageLength); err == nil {
		if val, err := tag.Int(0); err == nil {
			fm.Height = val
		}
	}

	if tm, err := x.DateTime(); err == nil {
		fm.DateTaken = tm.UnixMilli()
	}

	return fm
}
