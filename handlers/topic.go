package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/danphoto/danphoto-api/models"
	"github.com/danphoto/danphoto-api/realtime"
	"github.com/danphoto/danphoto-api/repository"
	"github.com/danphoto/danphoto-api/theme"
)

// TopicHandler manages the optional human-readable topic of a theme day.
type TopicHandler struct {
	Repo     repository.ThemeTopicRepositoryInterface
	Events   EventBroadcaster // optional
	Validate *validator.Validate
	Log      *zap.SugaredLogger
}

type TopicRequest struct {
	Name        string  `json:"name" validate:"required,max=120"`
	Description *string `json:"description" validate:"omitempty,max=1000"`
}

func NewTopicHandler(repo repository.ThemeTopicRepositoryInterface, events EventBroadcaster, log *zap.SugaredLogger) *TopicHandler {
	return &TopicHandler{Repo: repo, Events: events, Validate: validator.New(), Log: log}
}

func (h *TopicHandler) themeID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := theme.ParseID(chi.URLParam(r, "theme"))
	if err != nil {
		WriteAPIError(w, http.StatusNotFound, "not_found", err.Error())
		return "", false
	}
	return id, true
}

// ListTopics returns every labelled theme, newest first.
func (h *TopicHandler) ListTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := h.Repo.List()
	if err != nil {
		h.Log.Errorf("topics: list: %v", err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to list topics.")
		return
	}
	if topics == nil {
		topics = []models.ThemeTopic{}
	}
	writeJSON(w, h.Log, http.StatusOK, map[string][]models.ThemeTopic{"topics": topics})
}

func (h *TopicHandler) GetTopic(w http.ResponseWriter, r *http.Request) {
	id, ok := h.themeID(w, r)
	if !ok {
		return
	}
	topic, err := h.Repo.Get(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			WriteAPIError(w, http.StatusNotFound, "topic_not_found", fmt.Sprintf("Theme %s has no topic.", id))
			return
		}
		h.Log.Errorf("topics: get %s: %v", id, err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to load topic.")
		return
	}
	writeJSON(w, h.Log, http.StatusOK, topic)
}

func (h *TopicHandler) PutTopic(w http.ResponseWriter, r *http.Request) {
	id, ok := h.themeID(w, r)
	if !ok {
		return
	}

	var req TopicRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_body", "Request body must be a JSON object with 'name' and optional 'description'.")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := h.Validate.Struct(req); err != nil {
		WriteAPIError(w, http.StatusUnprocessableEntity, "validation_failed", validationDetail(err))
		return
	}

	if err := h.Repo.Upsert(&models.ThemeTopic{ThemeID: id, Name: req.Name, Description: req.Description}); err != nil {
		h.Log.Errorf("topics: upsert %s: %v", id, err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to save topic.")
		return
	}
	topic, err := h.Repo.Get(id)
	if err != nil {
		h.Log.Errorf("topics: reload %s: %v", id, err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to load topic.")
		return
	}
	h.broadcast(id, "updated")
	writeJSON(w, h.Log, http.StatusOK, topic)
}

func (h *TopicHandler) DeleteTopic(w http.ResponseWriter, r *http.Request) {
	id, ok := h.themeID(w, r)
	if !ok {
		return
	}
	if err := h.Repo.Delete(id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			WriteAPIError(w, http.StatusNotFound, "topic_not_found", fmt.Sprintf("Theme %s has no topic.", id))
			return
		}
		h.Log.Errorf("topics: delete %s: %v", id, err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to delete topic.")
		return
	}
	h.broadcast(id, "deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (h *TopicHandler) broadcast(themeID, status string) {
	if h.Events != nil {
		h.Events.Broadcast(realtime.Event{Type: realtime.EventTopicChanged, Theme: themeID, Status: status})
	}
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("field '%s' failed '%s'", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
