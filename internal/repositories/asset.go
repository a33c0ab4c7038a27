package repositories

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sergiusz-x/automi/internal/db"
)

// gormAssetRepository is the GORM implementation of AssetRepository.
type gormAssetRepository struct {
	db *gorm.DB
}

// NewAssetRepository returns an AssetRepository backed by the provided *gorm.DB.
func NewAssetRepository(gdb *gorm.DB) AssetRepository {
	return &gormAssetRepository{db: gdb}
}

// Upsert inserts the asset or overwrites the value of an existing key.
// The stored key length is bounded because it becomes part of an ASSET_<KEY>
// environment variable name in every script.
func (r *gormAssetRepository) Upsert(ctx context.Context, asset *db.Asset) error {
	if err := validateAsset(asset); err != nil {
		return err
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(asset).Error
	if err != nil {
		return translateError("assets: upsert", err)
	}
	return nil
}

// Get retrieves an asset by key.
func (r *gormAssetRepository) Get(ctx context.Context, key string) (*db.Asset, error) {
	var asset db.Asset
	if err := r.db.WithContext(ctx).First(&asset, "key = ?", key).Error; err != nil {
		return nil, translateError("assets: get", err)
	}
	return &asset, nil
}

// Delete removes an asset by key.
func (r *gormAssetRepository) Delete(ctx context.Context, key string) error {
	result := r.db.WithContext(ctx).Delete(&db.Asset{}, "key = ?", key)
	if result.Error != nil {
		return translateError("assets: delete", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Snapshot returns every asset as a key → value map.
func (r *gormAssetRepository) Snapshot(ctx context.Context) (map[string]string, error) {
	var assets []db.Asset
	if err := r.db.WithContext(ctx).Find(&assets).Error; err != nil {
		return nil, translateError("assets: snapshot", err)
	}
	snapshot := make(map[string]string, len(assets))
	for _, a := range assets {
		snapshot[a.Key] = a.Value
	}
	return snapshot, nil
}
