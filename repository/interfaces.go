package repository

import "github.com/danphoto/danphoto-api/models"

// ThemeTopicRepositoryInterface defines the methods for theme topic operations
type ThemeTopicRepositoryInterface interface {
	Get(themeID string) (*models.ThemeTopic, error)
	Upsert(topic *models.ThemeTopic) error
	Delete(themeID string) error
	List() ([]models.ThemeTopic, error)
}
