package persistence

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"deriv-digit-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

var (
	tradePrefix = []byte("trade/")
	seqKey      = []byte("seq/trade")
)

// badgerRepository is the BadgerDB implementation of the JournalRepository.
type badgerRepository struct {
	db  *badger.DB
	seq *badger.Sequence
}

// NewBadgerRepository opens a journal at dbPath. An empty path keeps the
// journal in memory for the lifetime of the process.
func NewBadgerRepository(dbPath string, logger *zap.Logger) (JournalRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	if logger != nil {
		opts = opts.WithLogger(badgerLogger{logger.Sugar()})
	} else {
		opts.Logger = nil
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	seq, err := db.GetSequence(seqKey, 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal sequence: %w", err)
	}
	return &badgerRepository{db: db, seq: seq}, nil
}

// tradeKey orders records by a monotonically increasing sequence number, so
// a prefix scan returns them in insertion order.
func tradeKey(n uint64) []byte {
	key := make([]byte, len(tradePrefix)+8)
	copy(key, tradePrefix)
	binary.BigEndian.PutUint64(key[len(tradePrefix):], n)
	return key
}

// SaveTrade marshals the record into JSON and stores it under the next key.
func (r *badgerRepository) SaveTrade(rec models.TradeRecord) error {
	n, err := r.seq.Next()
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(tradeKey(n), data)
	})
}

// ListTrades scans the trade prefix.
func (r *badgerRepository) ListTrades() ([]models.TradeRecord, error) {
	var out []models.TradeRecord
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(tradePrefix); it.ValidForPrefix(tradePrefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if len(val) == 0 {
				return errors.New("trade value is empty in database")
			}
			var rec models.TradeRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the sequence lease and closes the database.
func (r *badgerRepository) Close() error {
	err := r.seq.Release()
	return errors.Join(err, r.db.Close())
}

// badgerLogger routes badger's own logging into zap. Badger is chatty at
// info level, so that is demoted to debug.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, args ...interface{})   { l.s.Errorf("badger: "+f, args...) }
func (l badgerLogger) Warningf(f string, args ...interface{}) { l.s.Warnf("badger: "+f, args...) }
func (l badgerLogger) Infof(f string, args ...interface{})    { l.s.Debugf("badger: "+f, args...) }
func (l badgerLogger) Debugf(f string, args ...interface{})   { l.s.Debugf("badger: "+f, args...) }
