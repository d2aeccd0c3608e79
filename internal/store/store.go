package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	_ "github.com/glebarez/go-sqlite" // Pure Go SQLite driver
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/medalert/medalert/internal/config"
	"github.com/medalert/medalert/internal/schedule"
)

// Store provides unified access to SQLite and BadgerDB
type Store struct {
	db     *gorm.DB
	badger *badger.DB
	config *config.StorageConfig
}

// New creates a new Store instance
func New(cfg *config.Config) (*Store, error) {
	// Initialize SQLite
	sqlitePath := cfg.Storage.SQLitePath
	if sqlitePath == "" {
		sqlitePath = filepath.Join(cfg.Storage.DataDir, "medalert.db")
	}

	// Open SQLite with optimizations
	sqliteDB, err := sql.Open("sqlite", sqlitePath+"?_journal=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-64000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Configure connection pool
	sqliteDB.SetMaxOpenConns(10)
	sqliteDB.SetMaxIdleConns(5)
	sqliteDB.SetConnMaxLifetime(time.Hour)

	db, err := gorm.Open(sqlite.Dialector{Conn: sqliteDB}, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Auto-migrate schemas
	if err := db.AutoMigrate(
		&User{},
		&Patient{},
		&Caretaker{},
		&Medication{},
		&AdherenceEvent{},
		&DispatchRecord{},
		&EscalationRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	// Initialize BadgerDB
	badgerPath := cfg.Storage.BadgerPath
	if badgerPath == "" {
		badgerPath = filepath.Join(cfg.Storage.DataDir, "badger")
	}

	// Open BadgerDB with optimizations
	badgerOpts := badger.DefaultOptions(badgerPath).
		WithLogger(nil). // Disable verbose logging
		WithNumVersionsToKeep(1).
		WithCompactL0OnClose(true).
		WithValueLogFileSize(16 << 20). // 16MB value log files
		WithMemTableSize(16 << 20)      // 16MB memtable

	badgerDB, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	store := &Store{
		db:     db,
		badger: badgerDB,
		config: &cfg.Storage,
	}

	// Create default user if none exists
	if err := store.createDefaultUser(); err != nil {
		return nil, fmt.Errorf("failed to create default user: %w", err)
	}

	return store, nil
}

// Close closes all database connections
func (s *Store) Close() error {
	return s.badger.Close()
}

// DB returns the GORM database instance
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Badger returns the BadgerDB instance
func (s *Store) Badger() *badger.DB {
	return s.badger
}

// createDefaultUser creates a default user if the database is empty
func (s *Store) createDefaultUser() error {
	var count int64
	if err := s.db.Model(&User{}).Count(&count).Error; err != nil {
		return err
	}

	if count == 0 {
		user := &User{
			ID:          "default",
			DisplayName: "Operator",
		}
		return s.db.Create(user).Error
	}

	return nil
}

// ==================== Patient Methods ====================

// CreatePatient creates a new patient
func (s *Store) CreatePatient(p *Patient) error {
	return s.db.Create(p).Error
}

// GetPatient retrieves a patient by ID
func (s *Store) GetPatient(id string) (*Patient, error) {
	var p Patient
	if err := s.db.Preload("Caretakers").First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPatients lists all patients
func (s *Store) ListPatients() ([]Patient, error) {
	var patients []Patient
	err := s.db.Order("created_at ASC").Find(&patients).Error
	return patients, err
}

// UpdatePatient updates a patient
func (s *Store) UpdatePatient(p *Patient) error {
	return s.db.Save(p).Error
}

// GetPatientByTelegram finds the patient linked to a Telegram chat
func (s *Store) GetPatientByTelegram(chatID int64) (*Patient, error) {
	var p Patient
	if err := s.db.First(&p, "telegram_chat_id = ?", chatID).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPatientByDiscord finds the patient linked to a Discord user
func (s *Store) GetPatientByDiscord(userID string) (*Patient, error) {
	var p Patient
	if err := s.db.First(&p, "discord_user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// ==================== Caretaker Methods ====================

// CreateCaretaker creates a new caretaker
func (s *Store) CreateCaretaker(c *Caretaker) error {
	return s.db.Create(c).Error
}

// ListCaretakers lists caretakers for a patient, primary first
func (s *Store) ListCaretakers(patientID string) ([]Caretaker, error) {
	var caretakers []Caretaker
	err := s.db.Where("patient_id = ?", patientID).
		Order("is_primary DESC, created_at ASC").
		Find(&caretakers).Error
	return caretakers, err
}

// PrimaryCaretaker returns the escalation contact for a patient. Falls back
// to the oldest caretaker when none is marked primary.
func (s *Store) PrimaryCaretaker(patientID string) (*Caretaker, error) {
	var c Caretaker
	err := s.db.Where("patient_id = ?", patientID).
		Order("is_primary DESC, created_at ASC").
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ==================== Medication Methods ====================

// UpsertMedication inserts or replaces the local snapshot of a medication
func (s *Store) UpsertMedication(m *Medication) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(m).Error
}

// GetMedication retrieves a medication by ID
func (s *Store) GetMedication(id string) (*Medication, error) {
	var m Medication
	if err := s.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListActiveMedications lists all active medication snapshots
func (s *Store) ListActiveMedications() ([]Medication, error) {
	var meds []Medication
	err := s.db.Where("is_active = ?", true).Order("id ASC").Find(&meds).Error
	return meds, err
}

// ListMedicationsForPatient lists a patient's medications, active first
func (s *Store) ListMedicationsForPatient(patientID string) ([]Medication, error) {
	var meds []Medication
	err := s.db.Where("patient_id = ?", patientID).
		Order("is_active DESC, created_at ASC").
		Find(&meds).Error
	return meds, err
}

// AllSpecs returns every medication, active or not. Inactive specs still flow
// through sync so a deactivation is detected as a schedule change.
func (s *Store) AllSpecs() ([]schedule.MedicationSpec, error) {
	var meds []Medication
	if err := s.db.Order("id ASC").Find(&meds).Error; err != nil {
		return nil, err
	}

	specs := make([]schedule.MedicationSpec, 0, len(meds))
	for _, m := range meds {
		specs = append(specs, m.Spec())
	}
	return specs, nil
}

// DeactivateMedication marks a medication inactive
func (s *Store) DeactivateMedication(id string) error {
	return s.db.Model(&Medication{}).Where("id = ?", id).Update("is_active", false).Error
}

// ==================== Adherence Event Methods ====================

// CreateAdherenceEvent appends an adherence event
func (s *Store) CreateAdherenceEvent(e *AdherenceEvent) error {
	return s.db.Create(e).Error
}

// ListEventsForMedication retrieves events for one medication in a time range
func (s *Store) ListEventsForMedication(medicationID string, from, to time.Time) ([]AdherenceEvent, error) {
	var events []AdherenceEvent
	err := s.db.Where("medication_id = ? AND taken_at >= ? AND taken_at < ?", medicationID, from, to).
		Order("taken_at ASC").
		Find(&events).Error
	return events, err
}

// ListEventsForPatient retrieves a patient's events in a time range
func (s *Store) ListEventsForPatient(patientID string, from, to time.Time) ([]AdherenceEvent, error) {
	var events []AdherenceEvent
	err := s.db.Where("patient_id = ? AND taken_at >= ? AND taken_at < ?", patientID, from, to).
		Order("taken_at ASC").
		Find(&events).Error
	return events, err
}

// MarkEventOrphaned flags an event that matched no scheduled dose
func (s *Store) MarkEventOrphaned(id string) error {
	return s.db.Model(&AdherenceEvent{}).Where("id = ?", id).Update("orphaned", true).Error
}

// ==================== Escalation Methods ====================

// ClaimEscalation records that a dose has been escalated. Returns false when
// another pass already escalated it.
func (s *Store) ClaimEscalation(rec *EscalationRecord) (bool, error) {
	result := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ReleaseEscalation removes an escalation claim after a failed alert so a
// later pass can retry
func (s *Store) ReleaseEscalation(doseID string) error {
	return s.db.Where("dose_id = ?", doseID).Delete(&EscalationRecord{}).Error
}

// ==================== Sync Hash Methods (BadgerDB) ====================

// SetSyncHash stores the content hash last synced for a medication
func (s *Store) SetSyncHash(medicationID, hash string) error {
	return s.badger.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("synchash:"+medicationID), []byte(hash))
	})
}

// GetSyncHash retrieves the last synced content hash, empty when unseen
func (s *Store) GetSyncHash(medicationID string) (string, error) {
	var hash string
	err := s.badger.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("synchash:" + medicationID))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			hash = string(v)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return "", nil
	}
	return hash, err
}

// DeleteSyncHash removes the stored hash for a medication
func (s *Store) DeleteSyncHash(medicationID string) error {
	return s.badger.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte("synchash:" + medicationID))
	})
}

// ListSyncHashes returns every stored content hash keyed by medication ID
func (s *Store) ListSyncHashes() (map[string]string, error) {
	prefix := []byte("synchash:")
	hashes := make(map[string]string)

	err := s.badger.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			medID := string(item.Key()[len(prefix):])
			if err := item.Value(func(v []byte) error {
				hashes[medID] = string(v)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return hashes, err
}

// ==================== KV Methods (BadgerDB) ====================

// SetKV stores a key-value pair
func (s *Store) SetKV(key string, value []byte) error {
	return s.badger.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("kv:"+key), value)
	})
}

// GetKV retrieves a value by key
func (s *Store) GetKV(key string) ([]byte, error) {
	var val []byte
	err := s.badger.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("kv:" + key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			val = append([]byte{}, v...)
			return nil
		})
	})
	return val, err
}
