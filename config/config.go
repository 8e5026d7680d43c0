package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultPort             = 3000
	DefaultStorageRoot      = "./uploads/theme-of-the-day"
	DefaultThumbnailsSubDir = "thumbnails"
	DefaultThemeFallbackID  = "1970-01-01"
)

const (
	defaultMaxUploadBytes      = 10 << 20
	defaultThumbnailQueueSize  = 200
	defaultNumThumbnailWorkers = 4
	defaultThumbnailMaxSize    = 300
	defaultShutdownTimeout     = 15 * time.Second
	defaultRequestTimeout      = 60 * time.Second
	defaultUploadTimeout       = 5 * time.Minute
)

var defaultAllowedContentTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

type Config struct {
	// HTTP port, bound on all interfaces
	Port int

	// writable directory owning every theme directory
	StorageRoot string

	// sqlite file holding the asset index and the topic catalog
	DatabasePath string

	// generated assets (thumbnails) live outside the storage root
	ThumbnailsPath string

	// upload limits
	MaxUploadBytes      int64
	AllowedContentTypes []string
	UploadRatePerMinute int

	// theme rotation
	ThemeLocation   *time.Location
	ThemeFallbackID string

	CORSAllowedOrigins []string

	ThumbnailMaxSize    int
	ThumbnailQueueSize  int
	NumThumbnailWorkers int

	// RequestTimeout bounds read handlers; UploadTimeout bounds how long a
	// client may take to send an upload body.
	RequestTimeout time.Duration
	UploadTimeout  time.Duration

	ShutdownTimeout time.Duration
	LogDevelopment  bool
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", DefaultPort)
	v.SetDefault("STORAGE_ROOT", "")
	v.SetDefault("THEME_OF_THE_DAY_IMAGES_DIR", DefaultStorageRoot)
	v.SetDefault("DATABASE_PATH", filepath.Join(".", "data", "danphoto.db"))
	v.SetDefault("MEDIA_STORAGE_PATH", filepath.Join(".", "media_storage"))
	v.SetDefault("THUMBNAILS_SUBDIR", DefaultThumbnailsSubDir)
	v.SetDefault("MAX_UPLOAD_BYTES", defaultMaxUploadBytes)
	v.SetDefault("ALLOWED_CONTENT_TYPES", strings.Join(defaultAllowedContentTypes, ","))
	v.SetDefault("UPLOAD_RATE_PER_MINUTE", 0)
	v.SetDefault("THEME_TIMEZONE", "UTC")
	v.SetDefault("THEME_FALLBACK_ID", DefaultThemeFallbackID)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
	v.SetDefault("THUMBNAIL_MAX_SIZE", defaultThumbnailMaxSize)
	v.SetDefault("THUMBNAIL_QUEUE_SIZE", defaultThumbnailQueueSize)
	v.SetDefault("NUM_THUMBNAIL_WORKERS", defaultNumThumbnailWorkers)
	v.SetDefault("SHUTDOWN_TIMEOUT", defaultShutdownTimeout)
	v.SetDefault("REQUEST_TIMEOUT", defaultRequestTimeout)
	v.SetDefault("UPLOAD_TIMEOUT", defaultUploadTimeout)
	v.SetDefault("LOG_DEVELOPMENT", false)
	return v
}

// splitList parses a comma separated env value, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// LoadConfig reads the process environment (after godotenv has run) into a Config.
func LoadConfig() (Config, error) {
	v := newViper()

	port := v.GetInt("PORT")
	if port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("invalid PORT '%s'", v.GetString("PORT"))
	}

	root := v.GetString("STORAGE_ROOT")
	if root == "" {
		root = v.GetString("THEME_OF_THE_DAY_IMAGES_DIR")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return Config{}, fmt.Errorf("failed to get absolute path for storage root '%s': %w", root, err)
	}

	mediaStorage := v.GetString("MEDIA_STORAGE_PATH")
	absMediaStorage, err := filepath.Abs(mediaStorage)
	if err != nil {
		return Config{}, fmt.Errorf("failed to get absolute path for media storage '%s': %w", mediaStorage, err)
	}
	absThumbnailsPath := filepath.Join(absMediaStorage, v.GetString("THUMBNAILS_SUBDIR"))

	maxUpload := v.GetInt64("MAX_UPLOAD_BYTES")
	if maxUpload <= 0 {
		return Config{}, fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", maxUpload)
	}

	allowed := splitList(v.GetString("ALLOWED_CONTENT_TYPES"))
	if len(allowed) == 0 {
		return Config{}, fmt.Errorf("ALLOWED_CONTENT_TYPES cannot be empty")
	}

	tzName := v.GetString("THEME_TIMEZONE")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return Config{}, fmt.Errorf("invalid THEME_TIMEZONE '%s': %w", tzName, err)
	}

	fallbackID := v.GetString("THEME_FALLBACK_ID")
	if _, err := time.Parse("2006-01-02", fallbackID); err != nil {
		return Config{}, fmt.Errorf("invalid THEME_FALLBACK_ID '%s': %w", fallbackID, err)
	}

	cfg := Config{
		Port:                port,
		StorageRoot:         absRoot,
		DatabasePath:        v.GetString("DATABASE_PATH"),
		ThumbnailsPath:      absThumbnailsPath,
		MaxUploadBytes:      maxUpload,
		AllowedContentTypes: allowed,
		UploadRatePerMinute: positiveOr(v.GetInt("UPLOAD_RATE_PER_MINUTE"), 0),
		ThemeLocation:       loc,
		ThemeFallbackID:     fallbackID,
		CORSAllowedOrigins:  splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		ThumbnailMaxSize:    positiveOr(v.GetInt("THUMBNAIL_MAX_SIZE"), defaultThumbnailMaxSize),
		ThumbnailQueueSize:  positiveOr(v.GetInt("THUMBNAIL_QUEUE_SIZE"), defaultThumbnailQueueSize),
		NumThumbnailWorkers: positiveOr(v.GetInt("NUM_THUMBNAIL_WORKERS"), defaultNumThumbnailWorkers),
		RequestTimeout:      v.GetDuration("REQUEST_TIMEOUT"),
		UploadTimeout:       v.GetDuration("UPLOAD_TIMEOUT"),
		ShutdownTimeout:     v.GetDuration("SHUTDOWN_TIMEOUT"),
		LogDevelopment:      v.GetBool("LOG_DEVELOPMENT"),
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = defaultUploadTimeout
	}

	return cfg, nil
}

func positiveOr(val, def int) int {
	if val <= 0 {
		return def
	}
	return val
}
