package keys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wirebus/wirebus/internal/v1/logging"
	"github.com/wirebus/wirebus/internal/v1/metrics"
)

// prefixLen is how many leading characters of the raw key are stored for
// display ("sa_live_" plus the first four hex chars).
const prefixLen = 12

// keyShape gates validation before any database work. Keys that do not even
// look like ours never reach the table.
var keyShape = regexp.MustCompile(`^sa_(live|test)_`)

var (
	// ErrActiveKeyExists is returned when a project already holds an
	// active credential.
	ErrActiveKeyExists = errors.New("keys: project already has an active key")
	// ErrNotFound is returned when no row exists for the project.
	ErrNotFound = errors.New("keys: no key for project")
)

// Service manages credential rows and answers validation queries from the
// upgrade path.
type Service struct {
	db *gorm.DB
}

// NewService wraps an open credential database.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// GenerateKey mints a new raw API key: "sa_live_" followed by 32 lowercase
// hex characters derived from 16 cryptographically random bytes.
func GenerateKey() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("keys: failed to read random bytes: %w", err)
	}
	return "sa_live_" + hex.EncodeToString(buf[:]), nil
}

// HashKey returns the SHA-256 hex digest of a raw key. Only this digest is
// ever persisted.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// Created is the one-time creation response carrying the plaintext key.
type Created struct {
	ProjectID string `json:"projectId"`
	APIKey    string `json:"apiKey"`
	KeyPrefix string `json:"keyPrefix"`
}

// Create mints and persists a credential for the project. If the project
// already holds an active key the call fails with ErrActiveKeyExists; a
// revoked row is reused with fresh key material.
func (s *Service) Create(ctx context.Context, projectID, description, createdBy string) (*Created, error) {
	rawKey, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	hash := HashKey(rawKey)
	prefix := rawKey[:prefixLen]

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ApiKey
		switch findErr := tx.Where("project_id = ?", projectID).First(&existing).Error; {
		case findErr == nil:
			if existing.IsActive {
				return ErrActiveKeyExists
			}
			// Revoked row: rotate in new material.
			return tx.Model(&existing).Updates(map[string]any{
				"key_hash":     hash,
				"key_prefix":   prefix,
				"is_active":    true,
				"created_at":   time.Now().UTC(),
				"last_used_at": nil,
				"created_by":   createdBy,
				"description":  description,
			}).Error
		case errors.Is(findErr, gorm.ErrRecordNotFound):
			return tx.Create(&ApiKey{
				ProjectID:   projectID,
				KeyHash:     hash,
				KeyPrefix:   prefix,
				IsActive:    true,
				CreatedBy:   createdBy,
				Description: description,
			}).Error
		default:
			return findErr
		}
	})
	if err != nil {
		return nil, err
	}

	return &Created{ProjectID: projectID, APIKey: rawKey, KeyPrefix: prefix}, nil
}

// List returns all active credential rows.
func (s *Service) List(ctx context.Context) ([]ApiKey, error) {
	var rows []ApiKey
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("keys: list failed: %w", err)
	}
	return rows, nil
}

// Describe returns the credential row for one project.
func (s *Service) Describe(ctx context.Context, projectID string) (*ApiKey, error) {
	var row ApiKey
	err := s.db.WithContext(ctx).Where("project_id = ?", projectID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keys: describe failed: %w", err)
	}
	return &row, nil
}

// Revoke deactivates the project's credential. Revoking an already-revoked
// or unknown project returns ErrNotFound.
func (s *Service) Revoke(ctx context.Context, projectID string) error {
	res := s.db.WithContext(ctx).
		Model(&ApiKey{}).
		Where("project_id = ? AND is_active = ?", projectID, true).
		Update("is_active", false)
	if res.Error != nil {
		return fmt.Errorf("keys: revoke failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Validate answers whether rawKey is the active credential of projectID.
// On a match it schedules a best-effort lastUsedAt update and returns true;
// every other outcome is false with no detail leaked to the caller.
func (s *Service) Validate(ctx context.Context, projectID, rawKey string) bool {
	if !keyShape.MatchString(rawKey) {
		metrics.KeyValidations.WithLabelValues("invalid").Inc()
		return false
	}

	hash := HashKey(rawKey)

	var row ApiKey
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND key_hash = ? AND is_active = ?", projectID, hash, true).
		First(&row).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logging.Error(ctx, "api key lookup failed", zap.String("projectId", projectID), zap.Error(err))
			metrics.KeyValidations.WithLabelValues("error").Inc()
			return false
		}
		metrics.KeyValidations.WithLabelValues("invalid").Inc()
		return false
	}

	metrics.KeyValidations.WithLabelValues("valid").Inc()

	// Best effort, never on the upgrade path's critical section.
	go func(id string) {
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		now := time.Now().UTC()
		if err := s.db.WithContext(bg).
			Model(&ApiKey{}).
			Where("id = ?", id).
			Update("last_used_at", now).Error; err != nil {
			logging.Warn(bg, "failed to update key lastUsedAt", zap.String("keyId", id), zap.Error(err))
		}
	}(row.ID.String())

	return true
}
