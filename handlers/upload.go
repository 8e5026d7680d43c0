package handlers

import (
	"bufio"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/danphoto/danphoto-api/database"
	"github.com/danphoto/danphoto-api/media"
	"github.com/danphoto/danphoto-api/metrics"
	"github.com/danphoto/danphoto-api/realtime"
	"github.com/danphoto/danphoto-api/theme"
)

// multipartSlack is the room left for boundaries and part headers when a
// multipart request is checked against the photo size limit.
const multipartSlack = 64 << 10

// JobQueuer accepts derived-asset work for a stored photo.
type JobQueuer interface {
	QueuePhoto(themeID, name string)
}

// EventBroadcaster publishes realtime events.
type EventBroadcaster interface {
	Broadcast(event realtime.Event)
}

type UploadHandler struct {
	Store    media.Store
	Resolver *theme.Resolver
	DB       *sql.DB          // optional asset index
	Jobs     JobQueuer        // optional
	Events   EventBroadcaster // optional
	Metrics  *metrics.Metrics // optional
	Log      *zap.SugaredLogger
}

type UploadResponse struct {
	Theme       string `json:"theme"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	Digest      string `json:"digest"`
	URL         string `json:"url"`
}

func photoURL(themeID, name string) string {
	return "/themes/" + url.PathEscape(themeID) + "/" + url.PathEscape(name)
}

func (h *UploadHandler) observe(result string, size int64) {
	if h.Metrics != nil {
		h.Metrics.ObserveUpload(result, size)
	}
}

func (h *UploadHandler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, media.ErrStorageUnavailable):
		h.observe(metrics.ResultFailed, 0)
	default:
		h.observe(metrics.ResultRejected, 0)
	}
	writeMediaError(w, h.Log, err)
}

// Upload stores the request payload as a new photo of the current theme. The
// body is the raw image, a multipart form with a "file" or "photo" part, or a
// JSON Base64UploadRequest.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	maxBytes := h.Store.MaxBytes()
	mediaType, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	isMultipart := mediaType == "multipart/form-data"
	isJSON := mediaType == "application/json"

	limit := maxBytes
	switch {
	case isMultipart:
		limit += multipartSlack
	case isJSON:
		limit = int64(base64.StdEncoding.EncodedLen(int(maxBytes))) + multipartSlack
	}
	if r.ContentLength > limit {
		h.fail(w, fmt.Errorf("%w: request of %d bytes exceeds limit of %d bytes", media.ErrPayloadTooLarge, r.ContentLength, maxBytes))
		return
	}
	// one spare byte lets the store tell "exactly at the limit" from "over it"
	r.Body = http.MaxBytesReader(w, r.Body, limit+1)

	var (
		body     io.Reader = r.Body
		declared           = mediaType
	)
	switch {
	case isJSON:
		var err error
		body, declared, err = base64Photo(r.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				h.fail(w, fmt.Errorf("%w: limit is %d bytes", media.ErrPayloadTooLarge, maxBytes))
				return
			}
			h.observe(metrics.ResultRejected, 0)
			WriteAPIError(w, http.StatusBadRequest, "invalid_body", err.Error())
			return
		}
	case isMultipart:
		part, err := photoPart(multipart.NewReader(r.Body, params["boundary"]))
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				h.fail(w, fmt.Errorf("%w: limit is %d bytes", media.ErrPayloadTooLarge, maxBytes))
				return
			}
			h.observe(metrics.ResultRejected, 0)
			WriteAPIError(w, http.StatusBadRequest, "invalid_form", err.Error())
			return
		}
		defer part.Close()
		body = part
		declared = ""
		if ct, _, err := mime.ParseMediaType(part.Header.Get("Content-Type")); err == nil && ct != "application/octet-stream" {
			declared = ct
		} else {
			declared = media.ContentTypeForName(part.FileName())
		}
	}

	if _, err := h.Store.CheckContentType(declared); err != nil {
		h.fail(w, err)
		return
	}

	current := h.Resolver.Current()
	if current.Fallback {
		h.Log.Warnf("upload: clock unavailable, storing under fallback theme %s", current.ID)
	}

	ref, err := h.Store.Save(r.Context(), current.ID, body, declared)
	if err != nil {
		h.Log.Infof("upload: rejected upload for theme %s: %v", current.ID, err)
		h.fail(w, err)
		return
	}
	if !current.Fallback {
		if now := h.Resolver.Now(); !now.IsZero() && !current.Contains(now) {
			h.Log.Infof("upload: theme %s ended while %s was uploading, photo kept under %s", current.ID, ref.Name, current.ID)
		}
	}
	h.observe(metrics.ResultStored, ref.Size)
	h.afterSave(ref)

	w.Header().Set("Location", photoURL(ref.Theme, ref.Name))
	writeJSON(w, h.Log, http.StatusCreated, UploadResponse{
		Theme:       ref.Theme,
		Name:        ref.Name,
		Size:        ref.Size,
		ContentType: ref.ContentType,
		Digest:      ref.Digest,
		URL:         photoURL(ref.Theme, ref.Name),
	})
}

// afterSave indexes the photo and kicks off derived-asset work. Failures here
// are logged only; the photo is already stored.
func (h *UploadHandler) afterSave(ref media.PhotoRef) {
	if h.DB != nil {
		if _, err := database.EnsureAsset(h.DB, ref); err != nil {
			h.Log.Errorf("upload: failed to index %s/%s: %v", ref.Theme, ref.Name, err)
		} else if h.Jobs != nil {
			h.Jobs.QueuePhoto(ref.Theme, ref.Name)
		}
	}
	if h.Events != nil {
		h.Events.Broadcast(realtime.Event{
			Type:  realtime.EventPhotoUploaded,
			Theme: ref.Theme,
			Name:  ref.Name,
			Extra: map[string]any{"size": ref.Size, "content_type": ref.ContentType, "url": photoURL(ref.Theme, ref.Name)},
		})
	}
}

// photoPart skips form fields until it finds the photo part.
func photoPart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errors.New("multipart form has no 'file' or 'photo' part")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read multipart form: %w", err)
		}
		switch strings.ToLower(part.FormName()) {
		case "file", "photo":
			return part, nil
		}
		part.Close()
	}
}

// Base64UploadRequest is the JSON upload form. The image may carry a
// "data:image/png;base64," prefix naming its type; without one the type is
// taken from the decoded content.
type Base64UploadRequest struct {
	ImageBase64 string `json:"image_base64"`
}

func base64Photo(r io.Reader) (io.Reader, string, error) {
	var req Base64UploadRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, "", err
		}
		return nil, "", errors.New("request body must be a JSON object with 'image_base64'")
	}

	payload := strings.TrimSpace(req.ImageBase64)
	declared := ""
	if rest, ok := strings.CutPrefix(payload, "data:"); ok {
		meta, data, found := strings.Cut(rest, ";base64,")
		if !found {
			return nil, "", errors.New("invalid data URL: expected data:image/...;base64,...")
		}
		declared, payload = strings.TrimSpace(meta), data
	}
	if payload == "" {
		return nil, "", errors.New("'image_base64' is empty")
	}

	decoded := bufio.NewReader(base64.NewDecoder(base64.StdEncoding, strings.NewReader(payload)))
	if declared == "" {
		head, err := decoded.Peek(512)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, "", fmt.Errorf("invalid base64: %w", err)
		}
		declared = mimetype.Detect(head).String()
		if ct, _, err := mime.ParseMediaType(declared); err == nil {
			declared = ct
		}
	}
	return decoded, declared, nil
}
