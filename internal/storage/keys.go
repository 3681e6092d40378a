package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/ngome/internal/identity"
)

// KeyRepository implements identity.KeyAdmin using GORM.
type KeyRepository struct {
	db *gorm.DB
}

// NewKeyRepository creates a key repository.
func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

var _ identity.KeyAdmin = (*KeyRepository)(nil)

// Create stores key. A fingerprint or ID collision returns ErrDuplicate.
func (r *KeyRepository) Create(ctx context.Context, key *identity.Key) error {
	m := keyToModel(key)
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: key %s", ErrDuplicate, key.ID)
		}
		return fmt.Errorf("creating key: %w", err)
	}
	return nil
}

// FindByFingerprint returns identity.ErrKeyNotFound for unknown fingerprints.
func (r *KeyRepository) FindByFingerprint(ctx context.Context, fingerprint string) (*identity.Key, error) {
	var m KeyModel
	err := r.db.WithContext(ctx).Where("fingerprint = ?", fingerprint).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, identity.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding key: %w", err)
	}
	return modelToKey(&m), nil
}

// List returns all keys, oldest first.
func (r *KeyRepository) List(ctx context.Context) ([]identity.Key, error) {
	var models []KeyModel
	if err := r.db.WithContext(ctx).Order("created_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	keys := make([]identity.Key, len(models))
	for i := range models {
		keys[i] = *modelToKey(&models[i])
	}
	return keys, nil
}

// Revoke marks a key revoked. Revoking a revoked key keeps the original
// revocation time.
func (r *KeyRepository) Revoke(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m KeyModel
		err := tx.Where("id = ?", id).First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return identity.ErrKeyNotFound
		}
		if err != nil {
			return fmt.Errorf("finding key: %w", err)
		}
		if m.Revoked {
			return nil
		}
		at = at.UTC()
		return tx.Model(&KeyModel{}).Where("id = ?", id).Updates(map[string]any{
			"revoked":    true,
			"revoked_at": at,
		}).Error
	})
}

func keyToModel(k *identity.Key) KeyModel {
	m := KeyModel{
		ID:          k.ID,
		Name:        k.Name,
		Fingerprint: k.Fingerprint,
		Subject:     k.Subject,
		Tenant:      k.Tenant,
		Roles:       stringList(k.Roles),
		ExpiresAt:   k.ExpiresAt.UTC(),
		Revoked:     k.Revoked,
		CreatedAt:   k.CreatedAt.UTC(),
	}
	if k.RevokedAt != nil {
		t := k.RevokedAt.UTC()
		m.RevokedAt = &t
	}
	return m
}

func modelToKey(m *KeyModel) *identity.Key {
	return &identity.Key{
		ID:          m.ID,
		Name:        m.Name,
		Fingerprint: m.Fingerprint,
		Subject:     m.Subject,
		Tenant:      m.Tenant,
		Roles:       []string(m.Roles),
		ExpiresAt:   m.ExpiresAt.UTC(),
		Revoked:     m.Revoked,
		CreatedAt:   m.CreatedAt.UTC(),
		RevokedAt:   m.RevokedAt,
	}
}
