package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/danphoto/danphoto-api/media"
)

// APIErrorDetail represents a single error in the standardized error response.
type APIErrorDetail struct {
	Code   string `json:"code"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// APIErrorResponse represents the standardized error response body.
type APIErrorResponse struct {
	Errors []APIErrorDetail `json:"errors"`
}

// WriteAPIError writes a standardized error response with the given HTTP status, code, and detail.
func WriteAPIError(w http.ResponseWriter, httpStatus int, code string, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)

	resp := APIErrorResponse{
		Errors: []APIErrorDetail{
			{
				Code:   code,
				Status: strconv.Itoa(httpStatus),
				Detail: detail,
			},
		},
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// writeMediaError maps a storage error to its HTTP response. Server faults are
// logged with the underlying cause; clients only see a generic detail.
func writeMediaError(w http.ResponseWriter, log *zap.SugaredLogger, err error) {
	switch {
	case errors.Is(err, media.ErrNotFound):
		WriteAPIError(w, http.StatusNotFound, "not_found", "The requested photo or theme does not exist.")
	case errors.Is(err, media.ErrPayloadTooLarge):
		WriteAPIError(w, http.StatusRequestEntityTooLarge, "payload_too_large", err.Error())
	case errors.Is(err, media.ErrUnsupportedMediaType):
		WriteAPIError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", err.Error())
	case errors.Is(err, media.ErrInvalidContent):
		WriteAPIError(w, http.StatusUnprocessableEntity, "invalid_content", err.Error())
	case errors.Is(err, media.ErrUploadAborted):
		WriteAPIError(w, http.StatusBadRequest, "upload_aborted", "The upload body could not be read completely.")
	case errors.Is(err, media.ErrStorageUnavailable):
		log.Errorf("storage unavailable: %v", err)
		WriteAPIError(w, http.StatusServiceUnavailable, "storage_unavailable", "Photo storage is currently unavailable.")
	default:
		log.Errorf("unexpected error: %v", err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred.")
	}
}

func writeJSON(w http.ResponseWriter, log *zap.SugaredLogger, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Warnf("error encoding JSON response: %v", err)
		}
	}
}
