package media

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/danphoto/danphoto-api/theme"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

const (
	sniffLen      = 3072
	listBatchSize = 128
)

// Store defines the photo persistence operations used by the HTTP layer.
type Store interface {
	// EnsureThemeDir makes sure the directory for a theme exists and returns its path.
	EnsureThemeDir(themeID string) (string, error)
	// Save writes data as a new photo of the theme and returns its reference.
	Save(ctx context.Context, themeID string, data io.Reader, declaredContentType string) (PhotoRef, error)
	// List enumerates the photos of a theme lazily.
	List(themeID string) iter.Seq2[PhotoRef, error]
	// Open returns a reader for a stored photo.
	Open(themeID, name string) (io.ReadSeekCloser, PhotoRef, error)
	// Themes returns the ids of every theme that has a directory, newest first.
	Themes() ([]string, error)
	// CheckContentType normalizes a declared type and checks it against the allow-list.
	CheckContentType(declared string) (string, error)
	// MaxBytes is the largest accepted photo.
	MaxBytes() int64
}

type StoreOptions struct {
	MaxBytes            int64
	AllowedContentTypes []string
}

// LocalStorage implements Store on the local filesystem. The layout is
// <basePath>/<theme id>/<photo name>.
type LocalStorage struct {
	basePath string
	maxBytes int64
	allowed  map[string]bool
	log      *zap.SugaredLogger
}

// NewLocalStorage creates the storage root if needed and returns a store over it.
func NewLocalStorage(basePath string, opts StoreOptions, log *zap.SugaredLogger) (*LocalStorage, error) {
	absBasePath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("invalid base storage path '%s': %w", basePath, err)
	}
	if opts.MaxBytes <= 0 {
		return nil, fmt.Errorf("max upload size must be positive, got %d", opts.MaxBytes)
	}

	allowed := make(map[string]bool, len(opts.AllowedContentTypes))
	for _, ct := range opts.AllowedContentTypes {
		norm := NormalizeContentType(ct)
		if _, ok := contentTypeExtensions[norm]; !ok {
			return nil, fmt.Errorf("content type '%s' cannot be stored: no known file extension", ct)
		}
		allowed[norm] = true
	}
	if len(allowed) == 0 {
		return nil, fmt.Errorf("at least one allowed content type is required")
	}

	if err := os.MkdirAll(absBasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base storage directory '%s': %w", absBasePath, err)
	}

	log.Infof("media.store: Initialized LocalStorage at %s", absBasePath)
	return &LocalStorage{
		basePath: absBasePath,
		maxBytes: opts.MaxBytes,
		allowed:  allowed,
		log:      log,
	}, nil
}

func (ls *LocalStorage) BasePath() string { return ls.basePath }

func (ls *LocalStorage) MaxBytes() int64 { return ls.maxBytes }

// CheckWritable proves the storage root accepts writes by creating and
// removing a probe file.
func (ls *LocalStorage) CheckWritable() error {
	probe, err := os.CreateTemp(ls.basePath, tempPrefix+"probe-*")
	if err != nil {
		return fmt.Errorf("%w: storage root '%s' is not writable: %v", ErrStorageUnavailable, ls.basePath, err)
	}
	name := probe.Name()
	probe.Close()
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("%w: failed to remove probe file '%s': %v", ErrStorageUnavailable, name, err)
	}
	return nil
}

func (ls *LocalStorage) CheckContentType(declared string) (string, error) {
	ct := NormalizeContentType(declared)
	if ct == "" {
		return "", fmt.Errorf("%w: missing content type", ErrUnsupportedMediaType)
	}
	if !ls.allowed[ct] {
		return "", fmt.Errorf("%w: '%s'", ErrUnsupportedMediaType, ct)
	}
	return ct, nil
}

// EnsureThemeDir creates the theme directory if it doesn't exist. Concurrent
// callers racing on first use all succeed.
func (ls *LocalStorage) EnsureThemeDir(themeID string) (string, error) {
	dir, err := ls.themeDir(themeID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: failed to ensure directory '%s': %v", ErrStorageUnavailable, dir, err)
	}
	return dir, nil
}

// Save streams data into a temporary file inside the theme directory and
// renames it into place once complete. Readers never see a partial photo and
// a failed or cancelled upload leaves nothing behind.
func (ls *LocalStorage) Save(ctx context.Context, themeID string, data io.Reader, declaredContentType string) (PhotoRef, error) {
	contentType, err := ls.CheckContentType(declaredContentType)
	if err != nil {
		return PhotoRef{}, err
	}

	dir, err := ls.EnsureThemeDir(themeID)
	if err != nil {
		return PhotoRef{}, err
	}

	name, finalPath, err := ls.reserveName(themeID, contentType)
	if err != nil {
		return PhotoRef{}, err
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return PhotoRef{}, fmt.Errorf("%w: failed to create temporary file in '%s': %v", ErrStorageUnavailable, dir, err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			if rmErr := os.Remove(tmp.Name()); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				ls.log.Warnf("media.store: Failed to remove temporary file %s: %v", tmp.Name(), rmErr)
			}
		}
	}()

	src := bufio.NewReaderSize(&contextReader{ctx: ctx, r: data}, sniffLen)
	head, err := src.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) {
		return PhotoRef{}, ls.readError(ctx, err)
	}
	if len(head) == 0 {
		return PhotoRef{}, fmt.Errorf("%w: empty payload", ErrInvalidContent)
	}
	if detected := mimetype.Detect(head); !detected.Is(contentType) {
		// a body over the limit is too large whatever it contains
		total, err := io.Copy(io.Discard, io.LimitReader(src, ls.maxBytes+1))
		if err != nil {
			return PhotoRef{}, ls.readError(ctx, err)
		}
		if total > ls.maxBytes {
			return PhotoRef{}, fmt.Errorf("%w: limit is %d bytes", ErrPayloadTooLarge, ls.maxBytes)
		}
		return PhotoRef{}, fmt.Errorf("%w: declared '%s' but content is '%s'", ErrInvalidContent, contentType, detected.String())
	}

	hash, _ := blake2b.New256(nil)
	dst := &trackingWriter{w: io.MultiWriter(tmp, hash)}
	n, err := io.Copy(dst, io.LimitReader(src, ls.maxBytes+1))
	if err != nil {
		if dst.err != nil {
			return PhotoRef{}, fmt.Errorf("%w: failed to write '%s': %v", ErrStorageUnavailable, tmp.Name(), dst.err)
		}
		return PhotoRef{}, ls.readError(ctx, err)
	}
	if n > ls.maxBytes {
		return PhotoRef{}, fmt.Errorf("%w: limit is %d bytes", ErrPayloadTooLarge, ls.maxBytes)
	}

	if err := tmp.Chmod(0644); err != nil {
		return PhotoRef{}, fmt.Errorf("%w: failed to set permissions on '%s': %v", ErrStorageUnavailable, tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		return PhotoRef{}, fmt.Errorf("%w: failed to sync '%s': %v", ErrStorageUnavailable, tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return PhotoRef{}, fmt.Errorf("%w: failed to close '%s': %v", ErrStorageUnavailable, tmp.Name(), err)
	}
	// last chance to honour a disconnect before the photo becomes visible
	if err := ctx.Err(); err != nil {
		return PhotoRef{}, fmt.Errorf("%w: %v", ErrUploadAborted, err)
	}
	if err := os.Rename(tmp.Name(), finalPath); err != nil {
		return PhotoRef{}, fmt.Errorf("%w: failed to move photo into place at '%s': %v", ErrStorageUnavailable, finalPath, err)
	}
	committed = true

	info, err := os.Stat(finalPath)
	if err != nil {
		return PhotoRef{}, fmt.Errorf("%w: failed to stat saved photo '%s': %v", ErrStorageUnavailable, finalPath, err)
	}

	ls.log.Infof("media.store: Saved photo %s/%s (%d bytes)", themeID, name, n)
	return PhotoRef{
		Theme:       themeID,
		Name:        name,
		Size:        n,
		ContentType: contentType,
		ModTime:     info.ModTime(),
		Digest:      hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// reserveName picks a fresh name that is not taken yet.
func (ls *LocalStorage) reserveName(themeID, contentType string) (string, string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		name, err := newPhotoName(contentType)
		if err != nil {
			return "", "", err
		}
		full, err := ls.photoPath(themeID, name)
		if err != nil {
			return "", "", err
		}
		if _, err := os.Lstat(full); errors.Is(err, fs.ErrNotExist) {
			return name, full, nil
		} else if err != nil {
			return "", "", fmt.Errorf("%w: failed to check '%s': %v", ErrStorageUnavailable, full, err)
		}
		ls.log.Warnf("media.store: Generated name %s already exists in theme %s, retrying", name, themeID)
	}
	return "", "", fmt.Errorf("%w: could not generate a unique photo name", ErrStorageUnavailable)
}

func (ls *LocalStorage) readError(ctx context.Context, err error) error {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return fmt.Errorf("%w: limit is %d bytes", ErrPayloadTooLarge, ls.maxBytes)
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %v", ErrUploadAborted, ctx.Err())
	case errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: upload timed out", ErrUploadAborted)
	default:
		return fmt.Errorf("%w: failed to read upload: %v", ErrUploadAborted, err)
	}
}

// List enumerates a theme directory at iteration time, in batches. Each call
// to the returned sequence starts a fresh enumeration.
func (ls *LocalStorage) List(themeID string) iter.Seq2[PhotoRef, error] {
	return func(yield func(PhotoRef, error) bool) {
		dir, err := ls.themeDir(themeID)
		if err != nil {
			yield(PhotoRef{}, err)
			return
		}

		f, err := os.Open(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				yield(PhotoRef{}, fmt.Errorf("%w: theme '%s'", ErrNotFound, themeID))
			} else {
				yield(PhotoRef{}, fmt.Errorf("%w: failed to open theme '%s': %v", ErrStorageUnavailable, themeID, err))
			}
			return
		}
		defer f.Close()

		for {
			entries, readErr := f.ReadDir(listBatchSize)
			for _, entry := range entries {
				if entry.IsDir() || validateName(entry.Name()) != nil {
					continue
				}
				info, err := entry.Info()
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				if err != nil {
					if !yield(PhotoRef{}, fmt.Errorf("%w: failed to stat '%s': %v", ErrStorageUnavailable, entry.Name(), err)) {
						return
					}
					continue
				}
				if !info.Mode().IsRegular() {
					continue
				}
				if !yield(refFromInfo(themeID, info), nil) {
					return
				}
			}
			if errors.Is(readErr, io.EOF) {
				return
			}
			if readErr != nil {
				yield(PhotoRef{}, fmt.Errorf("%w: failed to read theme '%s': %v", ErrStorageUnavailable, themeID, readErr))
				return
			}
		}
	}
}

// Open returns the stored photo. Symlinks and directories are treated as absent.
func (ls *LocalStorage) Open(themeID, name string) (io.ReadSeekCloser, PhotoRef, error) {
	fullPath, err := ls.photoPath(themeID, name)
	if err != nil {
		return nil, PhotoRef{}, err
	}

	info, err := os.Lstat(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, PhotoRef{}, fmt.Errorf("%w: photo '%s/%s'", ErrNotFound, themeID, name)
		}
		return nil, PhotoRef{}, fmt.Errorf("%w: failed to stat photo '%s/%s': %v", ErrStorageUnavailable, themeID, name, err)
	}
	if !info.Mode().IsRegular() {
		return nil, PhotoRef{}, fmt.Errorf("%w: photo '%s/%s'", ErrNotFound, themeID, name)
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, PhotoRef{}, fmt.Errorf("%w: photo '%s/%s'", ErrNotFound, themeID, name)
		}
		return nil, PhotoRef{}, fmt.Errorf("%w: failed to open photo '%s/%s': %v", ErrStorageUnavailable, themeID, name, err)
	}
	return file, refFromInfo(themeID, info), nil
}

// FullPath returns the absolute path of a photo after the usual safety checks.
func (ls *LocalStorage) FullPath(themeID, name string) (string, error) {
	return ls.photoPath(themeID, name)
}

func (ls *LocalStorage) Themes() ([]string, error) {
	entries, err := os.ReadDir(ls.basePath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read storage root: %v", ErrStorageUnavailable, err)
	}
	themes := []string{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := theme.ParseID(entry.Name()); err != nil {
			continue
		}
		themes = append(themes, entry.Name())
	}
	// ids are zero padded, so lexical order is chronological
	sort.Sort(sort.Reverse(sort.StringSlice(themes)))
	return themes, nil
}

func refFromInfo(themeID string, info fs.FileInfo) PhotoRef {
	return PhotoRef{
		Theme:       themeID,
		Name:        info.Name(),
		Size:        info.Size(),
		ContentType: ContentTypeForName(info.Name()),
		ModTime:     info.ModTime(),
	}
}

// contextReader stops reading as soon as ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// trackingWriter remembers write failures so they can be told apart from
// failures reading the upload.
type trackingWriter struct {
	w   io.Writer
	err error
}

func (tw *trackingWriter) Write(p []byte) (int, error) {
	n, err := tw.w.Write(p)
	if err != nil {
		tw.err = err
	}
	return n, err
}
