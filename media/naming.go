package media

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/danphoto/danphoto-api/theme"
	"github.com/google/uuid"
)

// tempPrefix marks in-flight uploads. Names starting with a dot are never
// valid photo names, so listings and reads can't observe them.
const tempPrefix = ".upload-"

const maxNameLength = 255

var contentTypeExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

var extensionContentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// NormalizeContentType strips parameters and folds common aliases, so
// "image/JPG; charset=binary" becomes "image/jpeg".
func NormalizeContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	mediaType = strings.ToLower(mediaType)
	switch mediaType {
	case "image/jpg", "image/pjpeg":
		return "image/jpeg"
	case "image/x-png":
		return "image/png"
	}
	return mediaType
}

// ContentTypeForName maps a stored photo name back to its content type.
// Unknown extensions yield "".
func ContentTypeForName(name string) string {
	return extensionContentTypes[strings.ToLower(filepath.Ext(name))]
}

// newPhotoName is the only source of stored file names: a random token plus
// an extension derived from the content type. Client file names never reach
// the filesystem.
func newPhotoName(contentType string) (string, error) {
	ext, ok := contentTypeExtensions[contentType]
	if !ok {
		return "", fmt.Errorf("%w: '%s'", ErrUnsupportedMediaType, contentType)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("%w: failed to generate photo name: %v", ErrStorageUnavailable, err)
	}
	return id.String() + ext, nil
}

// validateName rejects anything that is not a plain, visible file name with
// a known photo extension.
func validateName(name string) error {
	switch {
	case name == "", len(name) > maxNameLength:
		return fmt.Errorf("invalid photo name length")
	case strings.ContainsAny(name, `/\`+"\x00"):
		return fmt.Errorf("photo name '%s' contains a path separator", name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("photo name '%s' is hidden or a parent reference", name)
	case filepath.Base(name) != name:
		return fmt.Errorf("photo name '%s' is not a base name", name)
	case ContentTypeForName(name) == "":
		return fmt.Errorf("photo name '%s' has no known image extension", name)
	}
	return nil
}

// within reports whether target is strictly below base.
func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// themeDir resolves the directory of a theme inside the storage root.
func (ls *LocalStorage) themeDir(themeID string) (string, error) {
	id, err := theme.ParseID(themeID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	dir := filepath.Join(ls.basePath, id)
	if !within(ls.basePath, dir) {
		return "", fmt.Errorf("%w: theme '%s' resolves outside storage root", ErrNotFound, themeID)
	}
	return dir, nil
}

// photoPath is the single choke point for photo paths: every read and write
// of a photo file goes through it.
func (ls *LocalStorage) photoPath(themeID, name string) (string, error) {
	dir, err := ls.themeDir(themeID)
	if err != nil {
		return "", err
	}
	if err := validateName(name); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	full := filepath.Join(dir, name)
	if filepath.Dir(full) != dir || !within(dir, full) {
		return "", fmt.Errorf("%w: photo '%s' resolves outside theme '%s'", ErrNotFound, name, themeID)
	}
	return full, nil
}
