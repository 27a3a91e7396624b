// Package configstore persists backend configurations and the active
// backend pointer.
package configstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/objectfs/storagehub/internal/logging"
	"github.com/objectfs/storagehub/pkg/errors"
	"github.com/objectfs/storagehub/pkg/types"
)

// Pointer persists which backend is active.
type Pointer interface {
	GetActive(ctx context.Context) (*types.ActivePointer, error)
	SetActive(ctx context.Context, ptr types.ActivePointer) error
	ClearActive(ctx context.Context) error
}

// GormStore keeps configurations, and by default the active pointer, in a
// relational database.
type GormStore struct {
	db      *gorm.DB
	pointer Pointer
	logger  *zap.Logger
}

var _ Pointer = (*GormStore)(nil)

// Open connects to a sqlite or mysql database and migrates the schema.
func Open(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", driver, err)
	}
	return New(db)
}

// New wraps an open database and migrates the schema.
func New(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&configRecord{}, &activeRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate store schema: %w", err)
	}
	s := &GormStore{db: db, logger: logging.Named("configstore")}
	s.pointer = s
	return s, nil
}

// UsePointer moves the active pointer to p, for example a RedisPointer.
// Delete consults p to refuse removing the active configuration.
func (s *GormStore) UsePointer(p Pointer) {
	s.pointer = p
}

// ActivePointer returns the pointer store in use.
func (s *GormStore) ActivePointer() Pointer {
	return s.pointer
}

// Create stores a new configuration. An empty ID is filled with a UUID.
func (s *GormStore) Create(ctx context.Context, cfg types.BackendConfig) (types.BackendConfig, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	rec := recordFrom(cfg)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if stderrors.Is(err, gorm.ErrDuplicatedKey) {
			return types.BackendConfig{}, errors.Newf(errors.ErrCodeInvalidInput, "configuration %s already exists", cfg.ID)
		}
		return types.BackendConfig{}, errors.Wrap(errors.ErrCodeInternal, err, "failed to store configuration")
	}
	s.logger.Info("configuration stored", logging.ConfigID(cfg.ID), logging.Backend(string(cfg.Kind)))
	return rec.config(), nil
}

// Get loads one configuration.
func (s *GormStore) Get(ctx context.Context, id string) (types.BackendConfig, error) {
	var rec configRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return types.BackendConfig{}, errors.Newf(errors.ErrCodeConfigNotFound, "configuration %s does not exist", id)
		}
		return types.BackendConfig{}, errors.Wrap(errors.ErrCodeInternal, err, "failed to load configuration")
	}
	return rec.config(), nil
}

// List returns the stored configurations, oldest first. An empty kind
// lists every kind.
func (s *GormStore) List(ctx context.Context, kind types.BackendKind) ([]types.BackendConfig, error) {
	q := s.db.WithContext(ctx).Order("created_at, id")
	if kind != "" {
		q = q.Where("kind = ?", string(kind))
	}
	var recs []configRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "failed to list configurations")
	}
	out := make([]types.BackendConfig, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.config())
	}
	return out, nil
}

// Delete removes a configuration unless it is the active one.
func (s *GormStore) Delete(ctx context.Context, id string) error {
	ptr, err := s.pointer.GetActive(ctx)
	if err != nil {
		return err
	}
	if ptr != nil && ptr.ConfigID == id {
		return errors.Newf(errors.ErrCodeConfigInUse, "configuration %s is the active backend", id)
	}

	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&configRecord{})
	if res.Error != nil {
		return errors.Wrap(errors.ErrCodeInternal, res.Error, "failed to delete configuration")
	}
	if res.RowsAffected == 0 {
		return errors.Newf(errors.ErrCodeConfigNotFound, "configuration %s does not exist", id)
	}
	s.logger.Info("configuration deleted", logging.ConfigID(id))
	return nil
}

// GetActive returns the persisted pointer, or nil when none is set.
func (s *GormStore) GetActive(ctx context.Context) (*types.ActivePointer, error) {
	var rec activeRecord
	if err := s.db.WithContext(ctx).Where("slot = ?", activeSlot).First(&rec).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "failed to read active backend")
	}
	return &types.ActivePointer{Kind: types.BackendKind(rec.Kind), ConfigID: rec.ConfigID}, nil
}

func (s *GormStore) SetActive(ctx context.Context, ptr types.ActivePointer) error {
	rec := activeRecord{Slot: activeSlot, Kind: string(ptr.Kind), ConfigID: ptr.ConfigID, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "failed to persist active backend")
	}
	return nil
}

func (s *GormStore) ClearActive(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("slot = ?", activeSlot).Delete(&activeRecord{}).Error; err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "failed to clear active backend")
	}
	return nil
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
