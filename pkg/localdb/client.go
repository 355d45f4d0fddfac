package localdb

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync/atomic"

	"github.com/tabletap/tabletap-client/pkg/config"
	"github.com/tabletap/tabletap-client/pkg/localdb/models"
	"github.com/tabletap/tabletap-client/pkg/logger"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Client wraps the embedded sqlite connection that backs every piece of
// durable client state: the session row, per-table cart caches, and
// checkout attempt records.
type Client struct {
	conn *gorm.DB
}

// New opens (or creates) the sqlite database at the configured path and
// migrates the client schema.
func New(ctx context.Context, cfg config.StorageConfig, logg *logger.Logger) (*Client, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	gormLogger := gormlogger.New(
		log.New(io.Discard, "", log.LstdFlags),
		gormlogger.Config{LogLevel: gormlogger.Silent},
	)

	conn, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening local db: %w", err)
	}

	if err := conn.AutoMigrate(
		&models.SessionRecord{},
		&models.CartCacheRecord{},
		&models.CheckoutAttemptRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrating local schema: %w", err)
	}

	if logg != nil {
		logg.Info(ctx, "local storage opened")
	}

	return &Client{conn: conn}, nil
}

var memSeq atomic.Int64

// NewInMemory opens a throwaway in-memory database, used by tests. Each call
// gets its own database so parallel tests stay isolated.
func NewInMemory() (*Client, error) {
	dsn := fmt.Sprintf("file:mem%d?mode=memory&cache=shared", memSeq.Add(1))
	return New(context.Background(), config.StorageConfig{Path: dsn}, nil)
}

// DB returns the underlying GORM connection.
func (c *Client) DB() *gorm.DB {
	return c.conn
}

// Ping verifies the datasource is reachable.
func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close shuts down the pooled connections.
func (c *Client) Close() error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx executes fn inside a transaction, rolling back on error/panic.
func (c *Client) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	tx := c.conn.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}
