package media

import (
	"errors"
	"fmt"
	"image"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/danphoto/danphoto-api/theme"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

const (
	ThumbnailJpegQuality   = 90
	ThumbnailFileExtension = ".jpg"
)

// Processor derives assets (thumbnails, metadata) from stored photos. Derived
// files are written under thumbDir, never inside the storage root.
type Processor struct {
	thumbDir string
	maxSize  int
	log      *zap.SugaredLogger
}

func NewProcessor(thumbDir string, maxSize int, log *zap.SugaredLogger) (*Processor, error) {
	absThumbDir, err := filepath.Abs(thumbDir)
	if err != nil {
		return nil, fmt.Errorf("invalid thumbnail directory '%s': %w", thumbDir, err)
	}
	if maxSize <= 0 {
		return nil, fmt.Errorf("thumbnail max size must be positive, got %d", maxSize)
	}
	if err := os.MkdirAll(absThumbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create thumbnail directory '%s': %w", absThumbDir, err)
	}
	return &Processor{thumbDir: absThumbDir, maxSize: maxSize, log: log}, nil
}

// ThumbnailPath is the deterministic location of a photo's thumbnail.
func (p *Processor) ThumbnailPath(themeID, name string) (string, error) {
	if _, err := theme.ParseID(themeID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if err := validateName(name); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	base := strings.TrimSuffix(name, filepath.Ext(name))
	full := filepath.Join(p.thumbDir, themeID, base+ThumbnailFileExtension)
	if !within(p.thumbDir, full) {
		return "", fmt.Errorf("%w: thumbnail for '%s/%s' resolves outside thumbnail directory", ErrNotFound, themeID, name)
	}
	return full, nil
}

// thumbnailSize scales so the longest side equals maxSize. Images already
// smaller keep their dimensions.
func thumbnailSize(origWidth, origHeight, maxSize int) (int, int) {
	var newWidth, newHeight int
	if origWidth > origHeight {
		if origWidth <= maxSize {
			newWidth, newHeight = origWidth, origHeight
		} else {
			newWidth = maxSize
			newHeight = int(math.Round(float64(origHeight) * (float64(maxSize) / float64(origWidth))))
		}
	} else {
		if origHeight <= maxSize {
			newWidth, newHeight = origWidth, origHeight
		} else {
			newHeight = maxSize
			newWidth = int(math.Round(float64(origWidth) * (float64(maxSize) / float64(origHeight))))
		}
	}
	return max(1, newWidth), max(1, newHeight)
}

// GenerateThumbnail decodes the photo at srcPath and writes its thumbnail.
// The thumbnail is encoded to a temporary file and renamed into place.
// Returns the thumbnail path and the original dimensions.
func (p *Processor) GenerateThumbnail(srcPath, themeID, name string) (string, int, int, error) {
	target, err := p.ThumbnailPath(themeID, name)
	if err != nil {
		return "", 0, 0, err
	}

	img, err := imaging.Open(srcPath, imaging.AutoOrientation(true))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", 0, 0, fmt.Errorf("%w: %s", ErrNotFound, srcPath)
		}
		return "", 0, 0, fmt.Errorf("%w: failed to decode %s: %v", ErrInvalidContent, srcPath, err)
	}
	bounds := img.Bounds()
	origWidth, origHeight := bounds.Dx(), bounds.Dy()
	if origWidth <= 0 || origHeight <= 0 {
		return "", 0, 0, fmt.Errorf("%w: invalid original image dimensions: %dx%d", ErrInvalidContent, origWidth, origHeight)
	}

	newWidth, newHeight := thumbnailSize(origWidth, origHeight, p.maxSize)
	var thumb image.Image = img
	if newWidth != origWidth || newHeight != origHeight {
		thumb = imaging.Resize(img, newWidth, newHeight, imaging.Lanczos)
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", 0, 0, fmt.Errorf("%w: failed to create thumbnail directory '%s': %v", ErrStorageUnavailable, dir, err)
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return "", 0, 0, fmt.Errorf("%w: failed to create temporary thumbnail: %v", ErrStorageUnavailable, err)
	}
	defer os.Remove(tmp.Name())

	if err := imaging.Encode(tmp, thumb, imaging.JPEG, imaging.JPEGQuality(ThumbnailJpegQuality)); err != nil {
		tmp.Close()
		return "", 0, 0, fmt.Errorf("%w: thumbnail encoding failed: %v", ErrStorageUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, 0, fmt.Errorf("%w: failed to close thumbnail: %v", ErrStorageUnavailable, err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return "", 0, 0, fmt.Errorf("%w: failed to set thumbnail permissions: %v", ErrStorageUnavailable, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", 0, 0, fmt.Errorf("%w: failed to move thumbnail into place: %v", ErrStorageUnavailable, err)
	}

	p.log.Infof("processor: Generated thumbnail for %s/%s at %s (%dx%d)", themeID, name, target, newWidth, newHeight)
	return target, origWidth, origHeight, nil
}
