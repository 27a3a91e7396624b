package configstore

import (
	"time"

	"github.com/objectfs/storagehub/pkg/types"
)

// configRecord is one stored backend configuration. Rows are inserted and
// deleted, never updated.
type configRecord struct {
	ID              string `gorm:"primaryKey;size:64"`
	Kind            string `gorm:"size:16;index"`
	Name            string `gorm:"size:128"`
	Endpoint        string `gorm:"size:255"`
	Region          string `gorm:"size:64"`
	AccessKeyID     string `gorm:"size:255"`
	SecretAccessKey string `gorm:"size:255"`
	PublicBucket    string `gorm:"size:255"`
	PrivateBucket   string `gorm:"size:255"`
	UserInfoBucket  string `gorm:"size:255"`
	UploadThreshold int64
	ForcePathStyle  bool
	CreatedAt       time.Time
}

func (configRecord) TableName() string {
	return "backend_configs"
}

func recordFrom(cfg types.BackendConfig) configRecord {
	return configRecord{
		ID:              cfg.ID,
		Kind:            string(cfg.Kind),
		Name:            cfg.Name,
		Endpoint:        cfg.Endpoint,
		Region:          cfg.Region,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		PublicBucket:    cfg.PublicBucket,
		PrivateBucket:   cfg.PrivateBucket,
		UserInfoBucket:  cfg.UserInfoBucket,
		UploadThreshold: cfg.UploadThreshold,
		ForcePathStyle:  cfg.ForcePathStyle,
		CreatedAt:       cfg.CreatedAt,
	}
}

func (r configRecord) config() types.BackendConfig {
	return types.BackendConfig{
		ID:              r.ID,
		Kind:            types.BackendKind(r.Kind),
		Name:            r.Name,
		Endpoint:        r.Endpoint,
		Region:          r.Region,
		AccessKeyID:     r.AccessKeyID,
		SecretAccessKey: r.SecretAccessKey,
		PublicBucket:    r.PublicBucket,
		PrivateBucket:   r.PrivateBucket,
		UserInfoBucket:  r.UserInfoBucket,
		UploadThreshold: r.UploadThreshold,
		ForcePathStyle:  r.ForcePathStyle,
		CreatedAt:       r.CreatedAt,
	}
}

// activeRecord is the single-row active backend pointer.
type activeRecord struct {
	Slot      int    `gorm:"primaryKey;autoIncrement:false"`
	Kind      string `gorm:"size:16"`
	ConfigID  string `gorm:"size:64"`
	UpdatedAt time.Time
}

func (activeRecord) TableName() string {
	return "active_backend"
}

const activeSlot = 1
