package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/danphoto/danphoto-api/media"
)

// Asset is the derived-asset record for one stored photo.
type Asset struct {
	Theme         string
	Name          string
	Size          int64
	ContentType   string
	Digest        *string
	CreatedAt     int64
	ThumbnailPath *string
	Width         *int
	Height        *int
	Aperture      *float64
	ShutterSpeed  *string
	ISO           *int
	FocalLength   *float64
	LensMake      *string
	LensModel     *string
	CameraMake    *string
	CameraModel   *string
	TakenAt       *int64

	ThumbnailStatus string
	MetadataStatus  string

	ThumbnailProcessedAt *int64
	MetadataProcessedAt  *int64

	ThumbnailError *string
	MetadataError  *string
}

// Metadata returns the EXIF subset of the record.
func (a Asset) Metadata() media.Metadata {
	return media.Metadata{
		Width:        a.Width,
		Height:       a.Height,
		Aperture:     a.Aperture,
		ShutterSpeed: a.ShutterSpeed,
		ISO:          a.ISO,
		FocalLength:  a.FocalLength,
		LensMake:     a.LensMake,
		LensModel:    a.LensModel,
		CameraMake:   a.CameraMake,
		CameraModel:  a.CameraModel,
		TakenAt:      a.TakenAt,
	}
}

const (
	TaskThumbnailColumn = "thumbnail_status"
	TaskMetadataColumn  = "metadata_status"
)

var assetColumns = []string{
	"theme", "name", "size", "content_type", "digest", "created_at",
	"thumbnail_path", "width", "height",
	"aperture", "shutter_speed", "iso", "focal_length",
	"lens_make", "lens_model", "camera_make", "camera_model", "taken_at",
	"thumbnail_status", "metadata_status", // statuses
	"thumbnail_processed_at", "metadata_processed_at", // timestamps
	"thumbnail_error", "metadata_error", // errors
}

func scanAsset(row interface{ Scan(...any) error }) (Asset, error) {
	var a Asset
	err := row.Scan(
		&a.Theme, &a.Name, &a.Size, &a.ContentType, &a.Digest, &a.CreatedAt,
		&a.ThumbnailPath, &a.Width, &a.Height,
		&a.Aperture, &a.ShutterSpeed, &a.ISO, &a.FocalLength,
		&a.LensMake, &a.LensModel, &a.CameraMake, &a.CameraModel, &a.TakenAt,
		&a.ThumbnailStatus, &a.MetadataStatus,
		&a.ThumbnailProcessedAt, &a.MetadataProcessedAt,
		&a.ThumbnailError, &a.MetadataError,
	)
	return a, err
}

// GetAsset retrieves the record for theme/name. Returns sql.ErrNoRows when absent.
func GetAsset(db Querier, themeID, name string) (Asset, error) {
	sqlStr, args, err := psql.Select(assetColumns...).From("assets").
		Where(sq.Eq{"theme": themeID, "name": name}).
		Limit(1).
		ToSql()
	if err != nil {
		return Asset{}, fmt.Errorf("failed to build SQL query for GetAsset: %w", err)
	}

	a, err := scanAsset(db.QueryRow(sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Asset{}, sql.ErrNoRows
		}
		return Asset{}, fmt.Errorf("failed to query or scan asset %s/%s: %w", themeID, name, err)
	}
	return a, nil
}

// ListAssets returns every record for a theme, ordered by name.
func ListAssets(db Querier, themeID string) ([]Asset, error) {
	sqlStr, args, err := psql.Select(assetColumns...).From("assets").
		Where(sq.Eq{"theme": themeID}).
		OrderBy("name ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL query for ListAssets: %w", err)
	}

	rows, err := db.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets for theme %s: %w", themeID, err)
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset row: %w", err)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// EnsureAsset creates a record for a freshly stored photo with every task
// pending. Returns true if a new record was created.
func EnsureAsset(db Querier, ref media.PhotoRef) (bool, error) {
	var digest *string
	if ref.Digest != "" {
		digest = &ref.Digest
	}
	sqlStr, args, err := psql.Insert("assets").
		Columns("theme", "name", "size", "content_type", "digest", "created_at", "thumbnail_status", "metadata_status").
		Values(ref.Theme, ref.Name, ref.Size, ref.ContentType, digest, ref.ModTime.Unix(), StatusPending, StatusPending).
		Suffix("ON CONFLICT(theme, name) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build SQL query for EnsureAsset: %w", err)
	}

	result, err := db.Exec(sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("failed to ensure asset record for %s/%s: %w", ref.Theme, ref.Name, err)
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected > 0, nil
}

// MarkAssetTaskProcessing updates a task's status to processing.
func MarkAssetTaskProcessing(db Querier, themeID, name, taskStatusColumn string) error {
	if taskStatusColumn != TaskThumbnailColumn && taskStatusColumn != TaskMetadataColumn {
		return fmt.Errorf("invalid task status column name: %s", taskStatusColumn)
	}

	sqlStr, args, err := psql.Update("assets").
		Set(taskStatusColumn, StatusProcessing).
		// also clear any previous error for this task
		Set(strings.Replace(taskStatusColumn, "_status", "_error", 1), nil).
		Where(sq.Eq{"theme": themeID, "name": name}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build SQL query for MarkAssetTaskProcessing (%s): %w", taskStatusColumn, err)
	}

	if _, err = db.Exec(sqlStr, args...); err != nil {
		return fmt.Errorf("failed to mark task %s processing for %s/%s: %w", taskStatusColumn, themeID, name, err)
	}
	return nil
}

func taskOutcome(taskErr error) (string, *string) {
	if taskErr == nil {
		return StatusDone, nil
	}
	s := taskErr.Error()
	return StatusFailed, &s
}

// UpdateAssetThumbnailResult records the thumbnail task outcome.
func UpdateAssetThumbnailResult(db Querier, themeID, name string, thumbPath *string, width, height *int, taskErr error) error {
	status, errStr := taskOutcome(taskErr)

	qb := psql.Update("assets").
		Set("thumbnail_path", thumbPath).
		Set("thumbnail_status", status).
		Set("thumbnail_processed_at", time.Now().Unix()).
		Set("thumbnail_error", errStr).
		Where(sq.Eq{"theme": themeID, "name": name})
	if width != nil && height != nil {
		qb = qb.Set("width", *width).Set("height", *height)
	}

	sqlStr, args, err := qb.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build SQL query for UpdateAssetThumbnailResult: %w", err)
	}
	if _, err = db.Exec(sqlStr, args...); err != nil {
		return fmt.Errorf("failed to update thumbnail result for %s/%s: %w", themeID, name, err)
	}
	return nil
}

// UpdateAssetMetadataResult records the metadata task outcome. On failure the
// existing metadata columns are left untouched.
func UpdateAssetMetadataResult(db Querier, themeID, name string, meta *media.Metadata, taskErr error) error {
	status, errStr := taskOutcome(taskErr)

	qb := psql.Update("assets").
		Set("metadata_status", status).
		Set("metadata_processed_at", time.Now().Unix()).
		Set("metadata_error", errStr).
		Where(sq.Eq{"theme": themeID, "name": name})

	if taskErr == nil && meta != nil {
		qb = qb.SetMap(map[string]any{
			"width":         meta.Width,
			"height":        meta.Height,
			"aperture":      meta.Aperture,
			"shutter_speed": meta.ShutterSpeed,
			"iso":           meta.ISO,
			"focal_length":  meta.FocalLength,
			"lens_make":     meta.LensMake,
			"lens_model":    meta.LensModel,
			"camera_make":   meta.CameraMake,
			"camera_model":  meta.CameraModel,
			"taken_at":      meta.TakenAt,
		})
	}

	sqlStr, args, err := qb.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build SQL query for UpdateAssetMetadataResult: %w", err)
	}
	if _, err = db.Exec(sqlStr, args...); err != nil {
		return fmt.Errorf("failed to update metadata result for %s/%s: %w", themeID, name, err)
	}
	return nil
}

// DeleteAsset removes the record, used when the photo file has vanished.
func DeleteAsset(db Querier, themeID, name string) error {
	sqlStr, args, err := psql.Delete("assets").Where(sq.Eq{"theme": themeID, "name": name}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build SQL query for DeleteAsset: %w", err)
	}
	if _, err = db.Exec(sqlStr, args...); err != nil {
		return fmt.Errorf("failed to delete asset %s/%s: %w", themeID, name, err)
	}
	return nil
}

// ListAssetsRequiringProcessing returns records with a task that never
// finished, typically left behind by a shutdown.
func ListAssetsRequiringProcessing(db Querier) ([]Asset, error) {
	sqlStr, args, err := psql.Select(assetColumns...).From("assets").
		Where(sq.Or{
			sq.Eq{"thumbnail_status": []string{StatusPending, StatusProcessing}},
			sq.Eq{"metadata_status": []string{StatusPending, StatusProcessing}},
		}).
		OrderBy("theme ASC", "name ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL query for ListAssetsRequiringProcessing: %w", err)
	}

	rows, err := db.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets requiring processing: %w", err)
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset row: %w", err)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}
