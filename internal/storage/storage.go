// Package storage keeps the trade journal in a SQL database through gorm:
// sqlite for a local file, postgres when the path is a DSN.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"deriv-digit-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// memoryDSN is a sqlite database shared by every pooled connection.
const memoryDSN = "file::memory:?cache=shared"

// Trade is one journalled contract.
type Trade struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	ContractID int64  `gorm:"uniqueIndex"`
	PhaseID    string `gorm:"index"`
	Symbol     string `gorm:"index"`
	Barrier    uint8
	Stake      decimal.Decimal `gorm:"type:decimal(20,6)"`
	Profit     decimal.Decimal `gorm:"type:decimal(20,6)"`
	Outcome    string
	Recovery   bool
	OpenedAt   time.Time
	SettledAt  time.Time
	CreatedAt  time.Time
}

func fromRecord(rec models.TradeRecord) Trade {
	return Trade{
		ContractID: rec.ContractID,
		PhaseID:    rec.PhaseID,
		Symbol:     rec.Symbol,
		Barrier:    uint8(rec.Barrier),
		Stake:      rec.Stake,
		Profit:     rec.Profit,
		Outcome:    string(rec.Outcome),
		Recovery:   rec.Recovery,
		OpenedAt:   rec.OpenedAt,
		SettledAt:  rec.SettledAt,
	}
}

func (t Trade) record() models.TradeRecord {
	return models.TradeRecord{
		ContractID: t.ContractID,
		PhaseID:    t.PhaseID,
		Symbol:     t.Symbol,
		Barrier:    models.Digit(t.Barrier),
		Stake:      t.Stake,
		Profit:     t.Profit,
		Outcome:    models.Outcome(t.Outcome),
		Recovery:   t.Recovery,
		OpenedAt:   t.OpenedAt,
		SettledAt:  t.SettledAt,
	}
}

// SQLRepository journals trades in the trades table.
type SQLRepository struct {
	db *gorm.DB
}

// NewSQLRepository opens the database at dsn and migrates the schema. A
// postgres:// or postgresql:// DSN uses postgres, anything else is a sqlite
// file. An empty dsn keeps the journal in memory.
func NewSQLRepository(dsn string, logger *zap.Logger) (*SQLRepository, error) {
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	case dsn == "":
		dialector = sqlite.Open(memoryDSN)
	default:
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create journal directory: %w", err)
			}
		}
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s journal: %w", dialector.Name(), err)
	}
	if err := db.AutoMigrate(&Trade{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	if logger != nil {
		logger.Info("trade journal opened", zap.String("driver", dialector.Name()))
	}
	return &SQLRepository{db: db}, nil
}

// SaveTrade inserts one row. A contract can be journalled only once.
func (r *SQLRepository) SaveTrade(rec models.TradeRecord) error {
	row := fromRecord(rec)
	if err := r.db.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert trade %d: %w", rec.ContractID, err)
	}
	return nil
}

// ListTrades returns every journalled trade in insertion order.
func (r *SQLRepository) ListTrades() ([]models.TradeRecord, error) {
	var rows []Trade
	if err := r.db.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	out := make([]models.TradeRecord, len(rows))
	for i, t := range rows {
		out[i] = t.record()
	}
	return out, nil
}

// Close releases the connection pool.
func (r *SQLRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
