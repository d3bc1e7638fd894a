// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"keynet-service/internal/domain"
)

// MasterKeyModel はgorm用のマスター鍵モデル定義。
type MasterKeyModel struct {
	ID                  string    `gorm:"type:char(36);primaryKey"`
	Fingerprint         string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_master_fingerprint"`
	Algorithm           string    `gorm:"type:varchar(32);not null"`
	EncryptedPrivateKey []byte    `gorm:"type:blob;not null"`
	Status              string    `gorm:"type:enum('active','revoked');not null;default:'active'"`
	CreatedAt           time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt           time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (MasterKeyModel) TableName() string {
	return "master_keys"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *MasterKeyModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *MasterKeyModel) toDomain() *domain.MasterKey {
	return &domain.MasterKey{
		ID:                  m.ID,
		Fingerprint:         m.Fingerprint,
		Algorithm:           m.Algorithm,
		EncryptedPrivateKey: m.EncryptedPrivateKey,
		Status:              domain.KeyStatus(m.Status),
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

// SubKeyModel はgorm用のサブ鍵モデル定義。
type SubKeyModel struct {
	ID                  string    `gorm:"type:char(36);primaryKey"`
	MasterKeyID         string    `gorm:"type:char(36);not null;index:idx_master_key_id"`
	EntityClass         string    `gorm:"type:varchar(16);not null;index:idx_entity;index:idx_entity_status"`
	EntityID            string    `gorm:"type:varchar(64);not null;index:idx_entity;index:idx_entity_status"`
	Fingerprint         string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_subkey_fingerprint"`
	Algorithm           string    `gorm:"type:varchar(32);not null"`
	Usages              string    `gorm:"type:varchar(64);not null"`
	EncryptedPrivateKey []byte    `gorm:"type:blob;not null"`
	Status              string    `gorm:"type:enum('active','revoked');not null;default:'active';index:idx_entity_status"`
	CreatedAt           time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
	ExpiresAt           time.Time `gorm:"type:datetime(6);not null"`
	UpdatedAt           time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (SubKeyModel) TableName() string {
	return "subkeys"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (s *SubKeyModel) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

func (s *SubKeyModel) toDomain() *domain.SubKey {
	var usages []domain.KeyUsage
	for _, u := range strings.Split(s.Usages, ",") {
		if u != "" {
			usages = append(usages, domain.KeyUsage(u))
		}
	}
	return &domain.SubKey{
		ID:                  s.ID,
		MasterKeyID:         s.MasterKeyID,
		EntityClass:         domain.EntityClass(s.EntityClass),
		EntityID:            s.EntityID,
		Fingerprint:         s.Fingerprint,
		Algorithm:           s.Algorithm,
		Usages:              usages,
		EncryptedPrivateKey: s.EncryptedPrivateKey,
		Status:              domain.KeyStatus(s.Status),
		CreatedAt:           s.CreatedAt,
		ExpiresAt:           s.ExpiresAt,
		UpdatedAt:           s.UpdatedAt,
	}
}

func joinUsages(usages []domain.KeyUsage) string {
	parts := make([]string, len(usages))
	for i, u := range usages {
		parts[i] = string(u)
	}
	return strings.Join(parts, ",")
}

// KeyRepository はマスター鍵・サブ鍵のデータアクセスを提供する。
type KeyRepository struct {
	db *gorm.DB
}

// NewKeyRepository は新しいKeyRepositoryを生成する。
func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// CountMasterKeys は有効なマスター鍵の件数を返す。
func (r *KeyRepository) CountMasterKeys(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&MasterKeyModel{}).
		Where("status = ?", string(domain.KeyStatusActive)).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count master keys",
			"operation", "count_master_keys",
			"error", err,
		)
		return 0, err
	}
	return count, nil
}

// CreateMasterKey は新しいマスター鍵を保存する。
func (r *KeyRepository) CreateMasterKey(ctx context.Context, key *domain.MasterKey) error {
	model := &MasterKeyModel{
		ID:                  key.ID,
		Fingerprint:         key.Fingerprint,
		Algorithm:           key.Algorithm,
		EncryptedPrivateKey: key.EncryptedPrivateKey,
		Status:              string(key.Status),
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create master key",
			"operation", "create_master_key",
			"fingerprint", key.Fingerprint,
			"error", err,
		)
		return err
	}
	// gormで設定された値をドメインエンティティに反映
	key.ID = model.ID
	key.CreatedAt = model.CreatedAt
	key.UpdatedAt = model.UpdatedAt
	return nil
}

// FindMasterKeyByID は指定されたIDのマスター鍵を取得する。
func (r *KeyRepository) FindMasterKeyByID(ctx context.Context, id string) (*domain.MasterKey, error) {
	var model MasterKeyModel
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find master key",
			"operation", "find_master_key_by_id",
			"id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// CreateSubKey は新しいサブ鍵を保存する。
func (r *KeyRepository) CreateSubKey(ctx context.Context, key *domain.SubKey) error {
	model := &SubKeyModel{
		ID:                  key.ID,
		MasterKeyID:         key.MasterKeyID,
		EntityClass:         string(key.EntityClass),
		EntityID:            key.EntityID,
		Fingerprint:         key.Fingerprint,
		Algorithm:           key.Algorithm,
		Usages:              joinUsages(key.Usages),
		EncryptedPrivateKey: key.EncryptedPrivateKey,
		Status:              string(key.Status),
		ExpiresAt:           key.ExpiresAt,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create subkey",
			"operation", "create_subkey",
			"entity_class", key.EntityClass,
			"entity_id", key.EntityID,
			"error", err,
		)
		return err
	}
	key.ID = model.ID
	key.CreatedAt = model.CreatedAt
	key.UpdatedAt = model.UpdatedAt
	return nil
}

// FindSubKeyByID は指定されたIDのサブ鍵を取得する。
func (r *KeyRepository) FindSubKeyByID(ctx context.Context, id string) (*domain.SubKey, error) {
	var model SubKeyModel
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find subkey",
			"operation", "find_subkey_by_id",
			"id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindActiveByEntity は指定されたエンティティの有効なサブ鍵を取得する。
// 複数存在する場合（ローテーション過渡状態）は最新のものを返す。
func (r *KeyRepository) FindActiveByEntity(ctx context.Context, class domain.EntityClass, entityID string) (*domain.SubKey, error) {
	var model SubKeyModel
	err := r.db.WithContext(ctx).
		Where("entity_class = ? AND entity_id = ? AND status = ?",
			string(class), entityID, string(domain.KeyStatusActive)).
		Order("created_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find active subkey",
			"operation", "find_active_by_entity",
			"entity_class", class,
			"entity_id", entityID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// ExistsActiveByEntity は指定されたエンティティに有効なサブ鍵が存在するか確認する。
func (r *KeyRepository) ExistsActiveByEntity(ctx context.Context, class domain.EntityClass, entityID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&SubKeyModel{}).
		Where("entity_class = ? AND entity_id = ? AND status = ?",
			string(class), entityID, string(domain.KeyStatusActive)).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count active subkeys",
			"operation", "exists_active_by_entity",
			"entity_class", class,
			"entity_id", entityID,
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}

// FindAllByEntity は指定されたエンティティの全サブ鍵を取得する。
func (r *KeyRepository) FindAllByEntity(ctx context.Context, class domain.EntityClass, entityID string) ([]*domain.SubKey, error) {
	var models []SubKeyModel
	err := r.db.WithContext(ctx).
		Where("entity_class = ? AND entity_id = ?", string(class), entityID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find all subkeys by entity",
			"operation", "find_all_by_entity",
			"entity_class", class,
			"entity_id", entityID,
			"error", err,
		)
		return nil, err
	}

	keys := make([]*domain.SubKey, len(models))
	for i, m := range models {
		keys[i] = m.toDomain()
	}
	return keys, nil
}

// UpdateSubKeyStatus は指定されたIDのサブ鍵のステータスを更新する。
func (r *KeyRepository) UpdateSubKeyStatus(ctx context.Context, id string, status domain.KeyStatus) error {
	err := r.db.WithContext(ctx).
		Model(&SubKeyModel{}).
		Where("id = ?", id).
		Update("status", string(status)).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to update subkey status",
			"operation", "update_subkey_status",
			"id", id,
			"status", status,
			"error", err,
		)
		return err
	}
	return nil
}
