package dispatch

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/medalert/medalert/internal/store"
)

// Ledger records which reminders have already been sent. Claim is the
// at-most-once gate: exactly one caller wins for a given (dose, channel,
// kind), and a failed delivery releases the claim so a later tick can retry.
type Ledger interface {
	Claim(doseID, channel, kind string, at time.Time) (bool, error)
	Release(doseID, channel, kind string) error
	Seen(doseID, channel, kind string) (bool, error)
}

// GormLedger persists claims as DispatchRecord rows. The unique index on
// (dose_id, channel, kind) makes the insert race-safe across processes.
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger creates a SQLite-backed ledger.
func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

func (l *GormLedger) Claim(doseID, channel, kind string, at time.Time) (bool, error) {
	rec := &store.DispatchRecord{
		DoseID:  doseID,
		Channel: channel,
		Kind:    kind,
		SentAt:  at,
	}

	result := l.db.Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (l *GormLedger) Release(doseID, channel, kind string) error {
	return l.db.Where("dose_id = ? AND channel = ? AND kind = ?", doseID, channel, kind).
		Delete(&store.DispatchRecord{}).Error
}

func (l *GormLedger) Seen(doseID, channel, kind string) (bool, error) {
	var count int64
	err := l.db.Model(&store.DispatchRecord{}).
		Where("dose_id = ? AND channel = ? AND kind = ?", doseID, channel, kind).
		Count(&count).Error
	return count > 0, err
}

// BadgerLedger keeps claims in BadgerDB. Used for the device-local channel
// where reminders must dedupe even while SQLite is unavailable.
type BadgerLedger struct {
	db *badger.DB
}

// NewBadgerLedger creates a BadgerDB-backed ledger.
func NewBadgerLedger(db *badger.DB) *BadgerLedger {
	return &BadgerLedger{db: db}
}

func ledgerKey(doseID, channel, kind string) []byte {
	return []byte(fmt.Sprintf("dispatch:%s:%s:%s", doseID, channel, kind))
}

func (l *BadgerLedger) Claim(doseID, channel, kind string, at time.Time) (bool, error) {
	won := false
	err := l.db.Update(func(txn *badger.Txn) error {
		key := ledgerKey(doseID, channel, kind)
		_, err := txn.Get(key)
		if err == nil {
			return nil // already claimed
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		won = true
		return txn.Set(key, []byte(at.UTC().Format(time.RFC3339)))
	})
	return won, err
}

func (l *BadgerLedger) Release(doseID, channel, kind string) error {
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(ledgerKey(doseID, channel, kind))
	})
}

func (l *BadgerLedger) Seen(doseID, channel, kind string) (bool, error) {
	seen := false
	err := l.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(ledgerKey(doseID, channel, kind))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		seen = true
		return nil
	})
	return seen, err
}
