package repository

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/danphoto/danphoto-api/models"
)

// ThemeTopicRepository handles database operations for ThemeTopic entities
type ThemeTopicRepository struct {
	DB *gorm.DB
}

func NewThemeTopicRepository(db *gorm.DB) *ThemeTopicRepository {
	return &ThemeTopicRepository{DB: db}
}

// Get returns gorm.ErrRecordNotFound when the theme has no topic.
func (r *ThemeTopicRepository) Get(themeID string) (*models.ThemeTopic, error) {
	var topic models.ThemeTopic
	err := r.DB.Where("theme_id = ?", themeID).First(&topic).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get topic for theme %s: %w", themeID, err)
	}
	return &topic, nil
}

// Upsert creates the topic or replaces its name and description.
func (r *ThemeTopicRepository) Upsert(topic *models.ThemeTopic) error {
	now := time.Now().Unix()
	if topic.CreatedAt == 0 {
		topic.CreatedAt = now
	}
	topic.UpdatedAt = now

	err := r.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "theme_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "description", "updated_at"}),
	}).Create(topic).Error
	if err != nil {
		return fmt.Errorf("failed to upsert topic for theme %s: %w", topic.ThemeID, err)
	}
	return nil
}

// Delete returns gorm.ErrRecordNotFound when nothing was removed.
func (r *ThemeTopicRepository) Delete(themeID string) error {
	result := r.DB.Where("theme_id = ?", themeID).Delete(&models.ThemeTopic{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete topic for theme %s: %w", themeID, result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// List returns all topics, newest theme first.
func (r *ThemeTopicRepository) List() ([]models.ThemeTopic, error) {
	var topics []models.ThemeTopic
	if err := r.DB.Order("theme_id DESC").Find(&topics).Error; err != nil {
		return nil, fmt.Errorf("failed to list theme topics: %w", err)
	}
	return topics, nil
}
