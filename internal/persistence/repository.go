package persistence

import (
	"fmt"

	"deriv-digit-bot-go/internal/models"
	"deriv-digit-bot-go/internal/storage"

	"go.uber.org/zap"
)

// JournalRepository records every settled contract of the session.
// It abstracts the underlying storage mechanism (BadgerDB, or a SQL
// database through the storage package) from the rest of the application. The journal is write-only at
// runtime and is never read back to restore a previous session.
type JournalRepository interface {
	// SaveTrade appends one settled (or unknown) contract to the journal.
	SaveTrade(rec models.TradeRecord) error

	// ListTrades returns the journalled contracts in insertion order.
	ListTrades() ([]models.TradeRecord, error)

	// Close gracefully closes the connection to the database.
	Close() error
}

// Open creates the journal for driver: "badger" or "sql". path is the
// badger directory, the sqlite file or a postgres DSN; empty keeps the
// journal in memory.
func Open(driver, path string, logger *zap.Logger) (JournalRepository, error) {
	switch driver {
	case "", "badger":
		return NewBadgerRepository(path, logger)
	case "sql":
		return storage.NewSQLRepository(path, logger)
	}
	return nil, fmt.Errorf("unknown journal driver %q", driver)
}
