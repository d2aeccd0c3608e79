package store

import (
	"crypto/rand"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/google/uuid"

	"github.com/medalert/medalert/internal/schedule"
)

// User represents an operator account (single user in self-hosted mode)
type User struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Patient represents a person taking medications
type Patient struct {
	ID             string    `gorm:"primaryKey" json:"id"`
	Name           string    `json:"name"`
	Timezone       string    `json:"timezone"`
	TelegramChatID int64     `json:"telegram_chat_id,omitempty"`
	DiscordUserID  string    `json:"discord_user_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Relationships
	Caretakers []Caretaker `json:"caretakers,omitempty" gorm:"foreignKey:PatientID"`
}

// Caretaker represents a contact escalated to when doses are missed
type Caretaker struct {
	ID             string    `gorm:"primaryKey" json:"id"`
	PatientID      string    `gorm:"index" json:"patient_id"`
	Name           string    `json:"name"`
	Relationship   string    `json:"relationship,omitempty"` // spouse, child, nurse
	TelegramChatID int64     `json:"telegram_chat_id,omitempty"`
	DiscordUserID  string    `json:"discord_user_id,omitempty"`
	IsPrimary      bool      `json:"is_primary"`
	CreatedAt      time.Time `json:"created_at"`
}

// Medication is the locally persisted snapshot of a prescription. The profile
// service owns the data; sync keeps this copy current and ContentHash detects
// changes to the scheduling-relevant fields.
type Medication struct {
	ID               string          `gorm:"primaryKey" json:"id"`
	PatientID        string          `gorm:"index" json:"patient_id"`
	PrescriptionID   string          `json:"prescription_id,omitempty"`
	Name             string          `json:"name"`
	Dosage           string          `json:"dosage"`
	Frequency        string          `json:"frequency"`
	Duration         string          `json:"duration"`
	Timing           json.RawMessage `json:"timing,omitempty" gorm:"type:text"`
	FoodTiming       string          `json:"food_timing,omitempty"`
	Instructions     string          `json:"instructions,omitempty" gorm:"type:text"`
	PrescribedDate   string          `json:"prescribed_date,omitempty"`
	StartDate        string          `json:"start_date,omitempty"`
	EndDate          string          `json:"end_date,omitempty"`
	TotalTablets     int             `json:"total_tablets,omitempty"`
	RemainingTablets int             `json:"remaining_tablets,omitempty"`
	IsActive         bool            `json:"is_active"`
	ContentHash      string          `gorm:"index" json:"content_hash"`
	SyncedAt         *time.Time      `json:"synced_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Spec converts the persisted row into the calculator's input form.
func (m *Medication) Spec() schedule.MedicationSpec {
	var timing []string
	if len(m.Timing) > 0 {
		_ = json.Unmarshal(m.Timing, &timing)
	}

	return schedule.MedicationSpec{
		ID:               m.ID,
		PatientID:        m.PatientID,
		PrescriptionID:   m.PrescriptionID,
		Name:             m.Name,
		Dosage:           m.Dosage,
		Frequency:        m.Frequency,
		Duration:         m.Duration,
		Timing:           timing,
		FoodTiming:       m.FoodTiming,
		Instructions:     m.Instructions,
		PrescribedDate:   m.PrescribedDate,
		StartDate:        m.StartDate,
		EndDate:          m.EndDate,
		TotalTablets:     m.TotalTablets,
		RemainingTablets: m.RemainingTablets,
		IsActive:         m.IsActive,
	}
}

// FromSpec fills the persisted row from a profile-service spec.
func FromSpec(spec schedule.MedicationSpec) *Medication {
	timing, _ := json.Marshal(spec.Timing)
	return &Medication{
		ID:               spec.ID,
		PatientID:        spec.PatientID,
		PrescriptionID:   spec.PrescriptionID,
		Name:             spec.Name,
		Dosage:           spec.Dosage,
		Frequency:        spec.Frequency,
		Duration:         spec.Duration,
		Timing:           timing,
		FoodTiming:       spec.FoodTiming,
		Instructions:     spec.Instructions,
		PrescribedDate:   spec.PrescribedDate,
		StartDate:        spec.StartDate,
		EndDate:          spec.EndDate,
		TotalTablets:     spec.TotalTablets,
		RemainingTablets: spec.RemainingTablets,
		IsActive:         spec.IsActive,
	}
}

// AdherenceEvent records a patient action against a dose. Events are
// append-only; reconciliation derives dose status from them.
type AdherenceEvent struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	PatientID    string    `gorm:"index" json:"patient_id"`
	MedicationID string    `gorm:"index:idx_med_taken" json:"medication_id"`
	DoseID       string    `gorm:"index" json:"dose_id,omitempty"`
	Action       string    `json:"action"` // taken, skipped
	TakenAt      time.Time `gorm:"index:idx_med_taken" json:"taken_at"`
	Source       string    `json:"source"` // telegram, discord, api, local
	Orphaned     bool      `json:"orphaned"`
	CreatedAt    time.Time `json:"created_at"`
}

// DispatchRecord marks one reminder as sent. The unique index on
// (dose_id, channel, kind) is the at-most-once guarantee: the first insert
// wins and duplicates conflict.
type DispatchRecord struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	DoseID    string    `gorm:"uniqueIndex:idx_dose_channel_kind" json:"dose_id"`
	Channel   string    `gorm:"uniqueIndex:idx_dose_channel_kind" json:"channel"`
	Kind      string    `gorm:"uniqueIndex:idx_dose_channel_kind" json:"kind"` // advance, exact
	SentAt    time.Time `json:"sent_at"`
	CreatedAt time.Time `json:"created_at"`
}

// EscalationRecord marks one missed dose as escalated to a caretaker. The
// dose ID is the primary key so each dose escalates at most once.
type EscalationRecord struct {
	DoseID       string    `gorm:"primaryKey" json:"dose_id"`
	MedicationID string    `gorm:"index" json:"medication_id"`
	PatientID    string    `json:"patient_id"`
	CaretakerID  string    `json:"caretaker_id"`
	SentAt       time.Time `json:"sent_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// BeforeCreate hook for User
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = generateID("user")
	}
	return nil
}

// BeforeCreate hook for Patient
func (p *Patient) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = generateID("pat")
	}
	if p.Timezone == "" {
		p.Timezone = "Local"
	}
	return nil
}

// BeforeCreate hook for Caretaker
func (c *Caretaker) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = generateID("care")
	}
	return nil
}

// BeforeCreate hook for Medication
func (m *Medication) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = generateID("med")
	}
	return nil
}

// BeforeCreate hook for AdherenceEvent. Event IDs are UUIDs because clients
// may generate them offline and replay them on reconnect.
func (e *AdherenceEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TakenAt.IsZero() {
		e.TakenAt = time.Now()
	}
	return nil
}

// BeforeCreate hook for DispatchRecord
func (d *DispatchRecord) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = generateID("disp")
	}
	if d.SentAt.IsZero() {
		d.SentAt = time.Now()
	}
	return nil
}

// generateID creates a unique ID with nanosecond precision
func generateID(prefix string) string {
	return prefix + "_" + time.Now().Format("20060102150405") + "_" + randomString(8)
}

// randomString generates a cryptographically secure random string
func randomString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	rand.Read(b)
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return string(b)
}
