// Package catalog persists a record of every finalized chunk through GORM.
// It supports SQLite, PostgreSQL, and MySQL.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jmylchreest/chunkrec/internal/chunk"
	"github.com/jmylchreest/chunkrec/internal/config"
)

// ErrNotFound is returned when no record matches an ID.
var ErrNotFound = errors.New("chunk record not found")

// Catalog wraps a GORM connection holding chunk records.
type Catalog struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// Open connects to the configured database and migrates the schema.
func Open(cfg config.CatalogConfig, log *slog.Logger) (*Catalog, error) {
	if log == nil {
		log = slog.Default()
	}

	dialector, err := dialector(cfg)
	if err != nil {
		return nil, fmt.Errorf("getting dialector: %w", err)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 newQueryLogger(log, cfg.LogLevel),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
		}
		// One writer at a time; the recorder only ever appends.
		sqlDB.SetMaxOpenConns(1)
	}

	c := &Catalog{db: db, driver: cfg.Driver, logger: log}
	if err := c.AutoMigrate(); err != nil {
		_ = c.Close()
		return nil, err
	}

	log.Debug("catalog opened", slog.String("driver", cfg.Driver))
	return c, nil
}

func dialector(cfg config.CatalogConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "sqlite":
		dsn := cfg.DSN
		if !strings.Contains(dsn, "?") {
			dsn += "?"
		} else {
			dsn += "&"
		}
		dsn += "_pragma=busy_timeout(30000)" +
			"&_pragma=journal_mode(WAL)" +
			"&_pragma=synchronous(NORMAL)" +
			"&_pragma=foreign_keys(ON)"
		return sqlite.Open(dsn), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// AutoMigrate creates or updates the chunk_records table.
func (c *Catalog) AutoMigrate() error {
	if err := c.db.AutoMigrate(&ChunkRecord{}); err != nil {
		return fmt.Errorf("migrating chunk records: %w", err)
	}
	return nil
}

// Driver returns the database driver name.
func (c *Catalog) Driver() string {
	return c.driver
}

// Close closes the database connection.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (c *Catalog) Ping(ctx context.Context) error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Record stores a finalized chunk. Recording the same chunk twice updates
// the existing row.
func (c *Catalog) Record(ctx context.Context, recordingID string, ch chunk.Chunk) (*ChunkRecord, error) {
	rec := newChunkRecord(recordingID, ch)
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "recording_id"}, {Name: "chunk_index"}, {Name: "kind"}},
		DoUpdates: clause.AssignmentColumns([]string{"path", "start_us", "duration_ms", "bytes"}),
	}).Create(rec).Error
	if err != nil {
		return nil, fmt.Errorf("recording chunk %d: %w", ch.Index, err)
	}

	// On conflict the generated ID was not stored; read back the row.
	var stored ChunkRecord
	err = c.db.WithContext(ctx).
		Where("recording_id = ? AND chunk_index = ? AND kind = ?", recordingID, ch.Index, string(ch.Kind)).
		First(&stored).Error
	if err != nil {
		return nil, fmt.Errorf("reading chunk %d: %w", ch.Index, err)
	}
	return &stored, nil
}

// MarkUploaded records the object key a chunk was uploaded under.
func (c *Catalog) MarkUploaded(ctx context.Context, id, key string) error {
	now := time.Now().UTC()
	res := c.db.WithContext(ctx).Model(&ChunkRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{"uploaded_at": now, "object_key": key})
	if res.Error != nil {
		return fmt.Errorf("marking %s uploaded: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("marking %s uploaded: %w", id, ErrNotFound)
	}
	return nil
}

// Get returns a record by ID.
func (c *Catalog) Get(ctx context.Context, id string) (*ChunkRecord, error) {
	var rec ChunkRecord
	err := c.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", id, err)
	}
	return &rec, nil
}

// List returns the chunks of a recording, init segment first, then by index.
func (c *Catalog) List(ctx context.Context, recordingID string) ([]ChunkRecord, error) {
	var recs []ChunkRecord
	err := c.db.WithContext(ctx).
		Where("recording_id = ?", recordingID).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "kind"}, Desc: true}).
		Order("chunk_index").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", recordingID, err)
	}
	return recs, nil
}

// Pending returns every chunk that has not been uploaded yet, oldest first.
func (c *Catalog) Pending(ctx context.Context) ([]ChunkRecord, error) {
	var recs []ChunkRecord
	err := c.db.WithContext(ctx).
		Where("uploaded_at IS NULL").
		Order("created_at").
		Order("chunk_index").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing pending uploads: %w", err)
	}
	return recs, nil
}
