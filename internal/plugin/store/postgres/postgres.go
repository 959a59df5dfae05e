// Package postgres implements the sync server's ServerStore on top of GORM
// and a Postgres database: per-user record push/pull, checksum computation,
// sync settings, and vault envelope storage.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/bookmarksync/internal/checksum"
	"github.com/chirino/bookmarksync/internal/config"
	"github.com/chirino/bookmarksync/internal/model"
	registrymigrate "github.com/chirino/bookmarksync/internal/registry/migrate"
	registrystore "github.com/chirino/bookmarksync/internal/registry/store"
	"github.com/chirino/bookmarksync/internal/security"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.ServerStore, error) {
			cfg := config.FromContext(ctx)
			db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get underlying db: %w", err)
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
			if security.DBPoolMaxConnections != nil {
				security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
			}

			go func() {
				ticker := time.NewTicker(15 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if security.DBPoolOpenConnections != nil {
							security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
						}
					}
				}
			}()

			return &PostgresStore{db: db}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &postgresMigrator{}})
}

type postgresMigrator struct{}

func (m *postgresMigrator) Name() string { return "postgres-schema" }

func (m *postgresMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "" && cfg.DatastoreType != "postgres" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := db.Exec(schemaSQL).Error; err != nil {
		return fmt.Errorf("migration: failed to apply schema: %w", err)
	}
	return nil
}

// PostgresStore is the GORM-backed ServerStore implementation.
type PostgresStore struct {
	db *gorm.DB
}

// push applies a batch last-write-wins: the server never gates on
// op.BaseVersion (see dataset-level conflict resolution in the design notes);
// divergence is instead surfaced at the dataset-checksum level on the next
// pull. The Conflicts field stays empty but is kept on the result to match
// the documented response shape.
func (s *PostgresStore) push(ctx context.Context, userID string, ops []registrystore.PushOperation, encrypted bool) (*registrystore.PushResult, error) {
	for _, op := range ops {
		if op.RecordType == model.RecordTypeSpace && op.RecordID == model.PersonalSpaceID && op.Deleted {
			return nil, &registrystore.ForbiddenError{Message: "the personal space cannot be deleted"}
		}
	}

	result := &registrystore.PushResult{Success: true}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, op := range ops {
			var existing model.Record
			err := tx.Where("user_id = ? AND record_id = ? AND encrypted = ?", userID, op.RecordID, encrypted).
				First(&existing).Error

			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				row := model.Record{
					UserID:     userID,
					RecordID:   op.RecordID,
					RecordType: op.RecordType,
					Data:       op.Data,
					Ciphertext: op.Ciphertext,
					Encrypted:  encrypted,
					Version:    1,
					Deleted:    op.Deleted,
					UpdatedAt:  time.Now().UTC(),
				}
				if err := tx.Create(&row).Error; err != nil {
					return fmt.Errorf("create record %s: %w", op.RecordID, err)
				}
				result.Results = append(result.Results, registrystore.PushResultItem{RecordID: op.RecordID, Version: row.Version, UpdatedAt: row.UpdatedAt})
				result.Synced++

			case err != nil:
				return fmt.Errorf("lookup record %s: %w", op.RecordID, err)

			default:
				existing.RecordType = op.RecordType
				existing.Data = op.Data
				existing.Ciphertext = op.Ciphertext
				existing.Version++
				existing.Deleted = op.Deleted
				existing.UpdatedAt = time.Now().UTC()
				if err := tx.Save(&existing).Error; err != nil {
					return fmt.Errorf("update record %s: %w", op.RecordID, err)
				}
				result.Results = append(result.Results, registrystore.PushResultItem{RecordID: op.RecordID, Version: existing.Version, UpdatedAt: existing.UpdatedAt})
				result.Synced++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !encrypted {
		meta, err := s.checksumLocked(ctx, userID)
		if err != nil {
			return nil, err
		}
		result.Checksum = meta.Checksum
		result.ChecksumMeta = meta
	}

	return result, nil
}

func (s *PostgresStore) PushPlaintext(ctx context.Context, userID string, ops []registrystore.PushOperation) (*registrystore.PushResult, error) {
	return s.push(ctx, userID, ops, false)
}

func (s *PostgresStore) PushEncrypted(ctx context.Context, userID string, ops []registrystore.PushOperation) (*registrystore.PushResult, error) {
	return s.push(ctx, userID, ops, true)
}

func (s *PostgresStore) pull(ctx context.Context, userID string, cursor *time.Time, recordType *model.RecordType, limit int, encrypted bool) (*registrystore.PullPage, error) {
	q := s.db.WithContext(ctx).
		Where("user_id = ? AND encrypted = ?", userID, encrypted)
	if cursor != nil {
		q = q.Where("updated_at > ?", *cursor)
	}
	if recordType != nil {
		q = q.Where("record_type = ?", *recordType)
	}

	var rows []model.Record
	if err := q.Order("updated_at ASC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("pull records: %w", err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	page := &registrystore.PullPage{HasMore: hasMore}
	for _, r := range rows {
		page.Records = append(page.Records, registrystore.PulledRecord{
			RecordID:   r.RecordID,
			RecordType: r.RecordType,
			Data:       r.Data,
			Ciphertext: r.Ciphertext,
			Version:    r.Version,
			Deleted:    r.Deleted,
			UpdatedAt:  r.UpdatedAt,
		})
	}
	if hasMore && len(rows) > 0 {
		next := rows[len(rows)-1].UpdatedAt
		page.NextCursor = &next
	}
	return page, nil
}

func (s *PostgresStore) PullPlaintext(ctx context.Context, userID string, cursor *time.Time, recordType *model.RecordType, limit int) (*registrystore.PullPage, error) {
	return s.pull(ctx, userID, cursor, recordType, limit, false)
}

func (s *PostgresStore) PullEncrypted(ctx context.Context, userID string, cursor *time.Time, limit int) (*registrystore.PullPage, error) {
	return s.pull(ctx, userID, cursor, nil, limit, true)
}

func (s *PostgresStore) checksumLocked(ctx context.Context, userID string) (*checksum.Meta, error) {
	var rows []model.Record
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND encrypted = ? AND deleted = ?", userID, false, false).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load records for checksum: %w", err)
	}

	items := make([]checksum.Item, 0, len(rows))
	for _, r := range rows {
		items = append(items, checksum.Item{
			RecordID:   r.RecordID,
			RecordType: r.RecordType,
			Data:       r.Data,
			Version:    r.Version,
			UpdatedAt:  r.UpdatedAt,
		})
	}

	meta, err := checksum.Compute(items, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *PostgresStore) Checksum(ctx context.Context, userID string) (*checksum.Meta, error) {
	return s.checksumLocked(ctx, userID)
}

// EnsurePersonalSpace creates the reserved "personal" space record for
// userID the first time it is called for that user; subsequent calls are
// no-ops. Called from the auth middleware on every request so the space
// exists before the client ever pushes or pulls.
func (s *PostgresStore) EnsurePersonalSpace(ctx context.Context, userID string) error {
	var existing model.Record
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND record_id = ? AND encrypted = ?", userID, model.PersonalSpaceID, false).
		First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("lookup personal space: %w", err)
	}

	data, err := json.Marshal(model.Space{ID: model.PersonalSpaceID, Name: "Personal"})
	if err != nil {
		return fmt.Errorf("marshal personal space: %w", err)
	}
	row := model.Record{
		UserID:     userID,
		RecordID:   model.PersonalSpaceID,
		RecordType: model.RecordTypeSpace,
		Data:       data,
		Encrypted:  false,
		Version:    1,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("create personal space: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSettings(ctx context.Context, userID string) (*model.SyncSettings, error) {
	var settings model.SyncSettings
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		settings = model.SyncSettings{UserID: userID, SyncEnabled: false, SyncMode: model.SyncModeOff}
		if err := s.db.WithContext(ctx).Create(&settings).Error; err != nil {
			return nil, fmt.Errorf("create default sync settings: %w", err)
		}
		return &settings, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sync settings: %w", err)
	}
	return &settings, nil
}

func (s *PostgresStore) PutSettings(ctx context.Context, userID string, enabled bool, mode model.SyncMode) (*model.SyncSettings, error) {
	now := time.Now().UTC()
	settings := model.SyncSettings{UserID: userID, SyncEnabled: enabled, SyncMode: mode, LastSyncAt: &now}
	err := s.db.WithContext(ctx).Save(&settings).Error
	if err != nil {
		return nil, fmt.Errorf("save sync settings: %w", err)
	}
	return &settings, nil
}

func (s *PostgresStore) GetVault(ctx context.Context, userID string) (*model.VaultEnvelope, error) {
	var envelope model.VaultEnvelope
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&envelope).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load vault: %w", err)
	}
	return &envelope, nil
}

func (s *PostgresStore) EnableVault(ctx context.Context, userID string, envelope model.VaultEnvelope, overwrite bool) error {
	envelope.UserID = userID
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.VaultEnvelope
		err := tx.Where("user_id = ?", userID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(&envelope).Error; err != nil {
				return fmt.Errorf("create vault: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("lookup vault: %w", err)
		case !overwrite:
			return &registrystore.ConflictError{Message: "vault already enabled"}
		default:
			if err := tx.Save(&envelope).Error; err != nil {
				return fmt.Errorf("overwrite vault: %w", err)
			}
			return nil
		}
	})
}

func (s *PostgresStore) PutVaultEnvelope(ctx context.Context, userID string, envelope model.VaultEnvelope) error {
	envelope.UserID = userID
	if err := s.db.WithContext(ctx).Save(&envelope).Error; err != nil {
		return fmt.Errorf("save vault envelope: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteVault(ctx context.Context, userID string) error {
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&model.VaultEnvelope{}).Error; err != nil {
		return fmt.Errorf("delete vault: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteEncryptedRecords(ctx context.Context, userID string) error {
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND encrypted = ?", userID, true).
		Delete(&model.Record{}).Error
	if err != nil {
		return fmt.Errorf("delete encrypted records: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeletePlaintextRecords(ctx context.Context, userID string, recordIDs []string, recordTypes []model.RecordType) error {
	if len(recordIDs) == 0 {
		return nil
	}
	q := s.db.WithContext(ctx).
		Where("user_id = ? AND encrypted = ? AND record_id IN ?", userID, false, recordIDs)
	if len(recordTypes) > 0 {
		q = q.Where("record_type IN ?", recordTypes)
	}
	if err := q.Delete(&model.Record{}).Error; err != nil {
		return fmt.Errorf("delete plaintext records: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyPlaintextCount(ctx context.Context, userID string, expectedCount int) (bool, int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.Record{}).
		Where("user_id = ? AND encrypted = ? AND deleted = ?", userID, false, false).
		Count(&count).Error
	if err != nil {
		return false, 0, fmt.Errorf("count plaintext records: %w", err)
	}
	return int(count) == expectedCount, int(count), nil
}
