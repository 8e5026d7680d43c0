package handlers

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/facette/natsort"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/danphoto/danphoto-api/database"
	"github.com/danphoto/danphoto-api/media"
	"github.com/danphoto/danphoto-api/models"
	"github.com/danphoto/danphoto-api/repository"
	"github.com/danphoto/danphoto-api/theme"
)

const photoCacheMaxAge = 365 * 24 * time.Hour

// ThumbnailLocator resolves where a photo's thumbnail lives.
type ThumbnailLocator interface {
	ThumbnailPath(themeID, name string) (string, error)
}

// ThemeHandler serves theme listings and stored photos. Past themes stay
// browsable; only uploads are tied to the current theme.
type ThemeHandler struct {
	Store      media.Store
	Resolver   *theme.Resolver
	DB         *sql.DB                                  // optional asset index
	Thumbnails ThumbnailLocator                         // optional
	Topics     repository.ThemeTopicRepositoryInterface // optional
	Log        *zap.SugaredLogger
}

type PhotoResponse struct {
	Name            string    `json:"name"`
	Size            int64     `json:"size"`
	ContentType     string    `json:"content_type"`
	ModTime         time.Time `json:"mod_time"`
	URL             string    `json:"url"`
	ThumbnailURL    *string   `json:"thumbnail_url,omitempty"`
	ThumbnailStatus string    `json:"thumbnail_status,omitempty"`
	MetadataStatus  string    `json:"metadata_status,omitempty"`
}

type ThemePhotosResponse struct {
	Theme  string             `json:"theme"`
	Topic  *models.ThemeTopic `json:"topic,omitempty"`
	Sort   string             `json:"sort"`
	Photos []PhotoResponse    `json:"photos"`
}

type CurrentThemeResponse struct {
	ID       string             `json:"id"`
	Start    time.Time          `json:"start"`
	End      time.Time          `json:"end"`
	Fallback bool               `json:"fallback"`
	Topic    *models.ThemeTopic `json:"topic,omitempty"`
}

type AssetResponse struct {
	Theme           string         `json:"theme"`
	Name            string         `json:"name"`
	Size            int64          `json:"size"`
	ContentType     string         `json:"content_type"`
	Digest          *string        `json:"digest,omitempty"`
	ThumbnailURL    *string        `json:"thumbnail_url,omitempty"`
	ThumbnailStatus string         `json:"thumbnail_status"`
	MetadataStatus  string         `json:"metadata_status"`
	Metadata        media.Metadata `json:"metadata"`
}

// topic looks up the optional label of a theme; lookup failures are logged
// and treated as "no topic".
func (h *ThemeHandler) topic(themeID string) *models.ThemeTopic {
	if h.Topics == nil {
		return nil
	}
	t, err := h.Topics.Get(themeID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			h.Log.Warnf("themes: topic lookup for %s failed: %v", themeID, err)
		}
		return nil
	}
	return t
}

// ListThemes returns every theme directory, newest first.
func (h *ThemeHandler) ListThemes(w http.ResponseWriter, r *http.Request) {
	themes, err := h.Store.Themes()
	if err != nil {
		writeMediaError(w, h.Log, err)
		return
	}
	writeJSON(w, h.Log, http.StatusOK, map[string][]string{"themes": themes})
}

func (h *ThemeHandler) CurrentTheme(w http.ResponseWriter, r *http.Request) {
	current := h.Resolver.Current()
	writeJSON(w, h.Log, http.StatusOK, CurrentThemeResponse{
		ID:       current.ID,
		Start:    current.Start,
		End:      current.End,
		Fallback: current.Fallback,
		Topic:    h.topic(current.ID),
	})
}

// GetTheme lists the photos of one theme. The listing streams the directory
// and only materializes it for sorting.
func (h *ThemeHandler) GetTheme(w http.ResponseWriter, r *http.Request) {
	themeID, ok := h.themeParam(w, r)
	if !ok {
		return
	}

	sortOrder := r.URL.Query().Get("sort")
	if sortOrder == "" {
		sortOrder = database.DefaultSortOrder
	}
	if !database.IsValidSortOrder(sortOrder) {
		WriteAPIError(w, http.StatusBadRequest, "invalid_sort", fmt.Sprintf("Unknown sort order '%s'.", sortOrder))
		return
	}

	var refs []media.PhotoRef
	for ref, err := range h.Store.List(themeID) {
		if err != nil {
			writeMediaError(w, h.Log, err)
			return
		}
		refs = append(refs, ref)
	}
	sortPhotos(refs, sortOrder)
	assets := h.assetsByName(themeID)

	photos := make([]PhotoResponse, 0, len(refs))
	for _, ref := range refs {
		p := PhotoResponse{
			Name:        ref.Name,
			Size:        ref.Size,
			ContentType: ref.ContentType,
			ModTime:     ref.ModTime,
			URL:         photoURL(ref.Theme, ref.Name),
		}
		if assets != nil {
			p.ThumbnailStatus, p.MetadataStatus = database.StatusPending, database.StatusPending
			if a, ok := assets[ref.Name]; ok {
				p.ThumbnailStatus, p.MetadataStatus = a.ThumbnailStatus, a.MetadataStatus
				if a.ThumbnailPath != nil {
					u := photoURL(ref.Theme, ref.Name) + "/thumbnail"
					p.ThumbnailURL = &u
				}
			}
		}
		photos = append(photos, p)
	}
	writeJSON(w, h.Log, http.StatusOK, ThemePhotosResponse{
		Theme:  themeID,
		Topic:  h.topic(themeID),
		Sort:   sortOrder,
		Photos: photos,
	})
}

// assetsByName loads the index records of a theme. The directory listing stays
// authoritative, so an index failure only drops the derived fields.
func (h *ThemeHandler) assetsByName(themeID string) map[string]database.Asset {
	if h.DB == nil {
		return nil
	}
	assets, err := database.ListAssets(h.DB, themeID)
	if err != nil {
		h.Log.Warnf("themes: asset index lookup for %s failed: %v", themeID, err)
		return nil
	}
	byName := make(map[string]database.Asset, len(assets))
	for _, a := range assets {
		byName[a.Name] = a
	}
	return byName
}

func sortPhotos(refs []media.PhotoRef, order string) {
	switch order {
	case database.SortNameAsc:
		sort.SliceStable(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	case database.SortNameNat:
		sort.SliceStable(refs, func(i, j int) bool { return natsort.Compare(refs[i].Name, refs[j].Name) })
	case database.SortDateDesc:
		sort.SliceStable(refs, func(i, j int) bool {
			if refs[i].ModTime.Equal(refs[j].ModTime) {
				return refs[i].Name > refs[j].Name
			}
			return refs[i].ModTime.After(refs[j].ModTime)
		})
	default:
		sort.SliceStable(refs, func(i, j int) bool {
			if refs[i].ModTime.Equal(refs[j].ModTime) {
				return refs[i].Name < refs[j].Name
			}
			return refs[i].ModTime.Before(refs[j].ModTime)
		})
	}
}

// GetPhoto streams a stored photo. Photos never change once stored, so they
// are served with a long-lived cache policy.
func (h *ThemeHandler) GetPhoto(w http.ResponseWriter, r *http.Request) {
	themeID, ok := h.themeParam(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	file, ref, err := h.Store.Open(themeID, name)
	if err != nil {
		writeMediaError(w, h.Log, err)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", ref.ContentType)
	w.Header().Set("ETag", fmt.Sprintf(`"%x-%x"`, ref.ModTime.UnixNano(), ref.Size))
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d, immutable", int(photoCacheMaxAge.Seconds())))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, ref.Name, ref.ModTime, file)
}

func (h *ThemeHandler) GetThumbnail(w http.ResponseWriter, r *http.Request) {
	themeID, ok := h.themeParam(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	if h.Thumbnails == nil {
		writeMediaError(w, h.Log, media.ErrNotFound)
		return
	}
	thumbPath, err := h.Thumbnails.ThumbnailPath(themeID, name)
	if err != nil {
		writeMediaError(w, h.Log, err)
		return
	}
	if _, err := os.Stat(thumbPath); errors.Is(err, fs.ErrNotExist) {
		WriteAPIError(w, http.StatusNotFound, "not_found", "Thumbnail has not been generated.")
		return
	} else if err != nil {
		writeMediaError(w, h.Log, fmt.Errorf("%w: failed to stat thumbnail: %v", media.ErrStorageUnavailable, err))
		return
	}

	cacheDuration := 24 * time.Hour
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(cacheDuration.Seconds())))
	w.Header().Set("Expires", time.Now().Add(cacheDuration).Format(http.TimeFormat))
	http.ServeFile(w, r, thumbPath)
}

// GetMetadata returns the asset record of a photo. A photo the index has not
// seen yet is reported with pending tasks.
func (h *ThemeHandler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	themeID, ok := h.themeParam(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	file, ref, err := h.Store.Open(themeID, name)
	if err != nil {
		writeMediaError(w, h.Log, err)
		return
	}
	file.Close()

	resp := AssetResponse{
		Theme:           ref.Theme,
		Name:            ref.Name,
		Size:            ref.Size,
		ContentType:     ref.ContentType,
		ThumbnailStatus: database.StatusPending,
		MetadataStatus:  database.StatusPending,
	}
	if h.DB != nil {
		asset, err := database.GetAsset(h.DB, themeID, name)
		switch {
		case err == nil:
			resp.Digest = asset.Digest
			resp.ThumbnailStatus = asset.ThumbnailStatus
			resp.MetadataStatus = asset.MetadataStatus
			resp.Metadata = asset.Metadata()
			if asset.ThumbnailPath != nil {
				u := photoURL(themeID, name) + "/thumbnail"
				resp.ThumbnailURL = &u
			}
		case errors.Is(err, sql.ErrNoRows):
		default:
			h.Log.Errorf("themes: asset lookup for %s/%s failed: %v", themeID, name, err)
			WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to load photo metadata.")
			return
		}
	}
	writeJSON(w, h.Log, http.StatusOK, resp)
}

// themeParam validates the {theme} URL parameter, answering 404 for anything
// that is not a well-formed theme id.
func (h *ThemeHandler) themeParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	themeID, err := theme.ParseID(chi.URLParam(r, "theme"))
	if err != nil {
		writeMediaError(w, h.Log, fmt.Errorf("%w: %v", media.ErrNotFound, err))
		return "", false
	}
	return themeID, true
}
