// Package storage persists plugin config, data and state records.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	plugins "github.com/mantonx/plughost/sdk"
)

// ErrInvalidKind is returned for a kind other than config, data or state.
var ErrInvalidKind = errors.New("invalid storage kind")

// Record is one stored value.
type Record struct {
	ID        uint      `gorm:"primaryKey"`
	Kind      string    `gorm:"size:16;not null;uniqueIndex:idx_plugin_records_kind_key"`
	Key       string    `gorm:"size:255;not null;uniqueIndex:idx_plugin_records_kind_key"`
	Value     string    `gorm:"type:text;not null"`
	Version   string    `gorm:"size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Record) TableName() string {
	return "plugin_records"
}

// Options selects and configures the backend.
type Options struct {
	// Type is "sqlite" or "postgres".
	Type string
	// Path is the SQLite database file.
	Path string
	// URL is the PostgreSQL DSN.
	URL    string
	Logger hclog.Logger
}

// Store implements plugins.Storage on top of gorm.
type Store struct {
	db     *gorm.DB
	logger hclog.Logger
}

var _ plugins.Storage = (*Store)(nil)

// Open connects to the configured backend and migrates the schema.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}

	var dialector gorm.Dialector
	switch opts.Type {
	case "", "sqlite":
		if dir := filepath.Dir(opts.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create storage directory: %w", err)
			}
		}
		dialector = sqlite.Open(opts.Path)
	case "postgres":
		dialector = postgres.Open(opts.URL)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", opts.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: newGormLogger(opts.Logger)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to storage: %w", err)
	}
	return New(db, opts.Logger)
}

// New wraps an open gorm connection and migrates the schema.
func New(db *gorm.DB, logger hclog.Logger) (*Store, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate storage: %w", err)
	}
	return Wrap(db, logger), nil
}

// Wrap uses db as is, without migrating.
func Wrap(db *gorm.DB, logger hclog.Logger) *Store {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store{db: db, logger: logger.Named("storage")}
}

func newGormLogger(logger hclog.Logger) gormlogger.Interface {
	return gormlogger.New(
		logger.Named("gorm").StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}),
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// Put stores value as JSON under (kind, key), replacing any previous value.
func (s *Store) Put(ctx context.Context, kind plugins.StorageKind, key string, value interface{}, version string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if key == "" {
		return errors.New("storage key is required")
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", kind, key, err)
	}

	record := Record{Kind: string(kind), Key: key, Value: string(encoded), Version: version}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "version", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("failed to store %s/%s: %w", kind, key, err)
	}

	s.logger.Debug("stored item", "kind", kind, "key", key, "bytes", len(encoded))
	return nil
}

// Get returns the item stored under (kind, key) or plugins.ErrNotFound.
func (s *Store) Get(ctx context.Context, kind plugins.StorageKind, key string) (*plugins.StoredItem, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	var record Record
	err := s.db.WithContext(ctx).Where("kind = ? AND key = ?", string(kind), key).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, plugins.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s/%s: %w", kind, key, err)
	}

	return &plugins.StoredItem{
		Kind:      plugins.StorageKind(record.Kind),
		Key:       record.Key,
		Value:     json.RawMessage(record.Value),
		Version:   record.Version,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}, nil
}

// Delete removes (kind, key). Deleting a missing key returns
// plugins.ErrNotFound.
func (s *Store) Delete(ctx context.Context, kind plugins.StorageKind, key string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	result := s.db.WithContext(ctx).Where("kind = ? AND key = ?", string(kind), key).Delete(&Record{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", kind, key, result.Error)
	}
	if result.RowsAffected == 0 {
		return plugins.ErrNotFound
	}
	return nil
}

// List returns the keys stored under kind, sorted.
func (s *Store) List(ctx context.Context, kind plugins.StorageKind) ([]string, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	var keys []string
	err := s.db.WithContext(ctx).Model(&Record{}).
		Where("kind = ?", string(kind)).
		Order("key").
		Pluck("key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	return keys, nil
}

// Stats counts stored items per kind. Kinds with no items report zero.
func (s *Store) Stats(ctx context.Context) (map[plugins.StorageKind]int64, error) {
	var rows []struct {
		Kind  string
		Count int64
	}
	err := s.db.WithContext(ctx).Model(&Record{}).
		Select("kind, count(*) as count").
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}

	stats := map[plugins.StorageKind]int64{
		plugins.StorageConfig: 0,
		plugins.StorageData:   0,
		plugins.StorageState:  0,
	}
	for _, row := range rows {
		stats[plugins.StorageKind(row.Kind)] = row.Count
	}
	return stats, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
