package models

// ThemeTopic gives a theme day a human-readable label. It is informational
// only; uploads and listings never depend on a topic existing.
type ThemeTopic struct {
	ThemeID     string  `gorm:"primaryKey;size:10" json:"theme"`
	Name        string  `gorm:"not null" json:"name"`
	Description *string `gorm:"" json:"description,omitempty"` // Nullable
	CreatedAt   int64   `gorm:"not null" json:"created_at"`    // Unix timestamp
	UpdatedAt   int64   `gorm:"not null" json:"updated_at"`    // Unix timestamp
}

// TableName explicitly sets the table name for GORM.
func (ThemeTopic) TableName() string {
	return "theme_topics"
}
