package api

import "github.com/medalert/medalert/internal/schedule"

// LoginRequest is the auth payload. Role defaults to caretaker.
type LoginRequest struct {
	Password string `json:"password"`
	Subject  string `json:"subject"`
	Role     string `json:"role"`
}

// CreatePatientRequest creates a patient record.
type CreatePatientRequest struct {
	Name           string `json:"name"`
	Timezone       string `json:"timezone"`
	TelegramChatID int64  `json:"telegram_chat_id"`
	DiscordUserID  string `json:"discord_user_id"`
}

// AddCaretakerRequest links a caretaker to a patient.
type AddCaretakerRequest struct {
	Name           string `json:"name"`
	Relationship   string `json:"relationship"`
	TelegramChatID int64  `json:"telegram_chat_id"`
	DiscordUserID  string `json:"discord_user_id"`
	IsPrimary      bool   `json:"is_primary"`
}

// CreateMedicationRequest upserts a prescription. The free-text fields take
// exactly what the prescriber wrote; parsing happens at calendar build.
type CreateMedicationRequest struct {
	ID             string   `json:"id"`
	PatientID      string   `json:"patient_id"`
	PrescriptionID string   `json:"prescription_id"`
	Name           string   `json:"name"`
	Dosage         string   `json:"dosage"`
	Frequency      string   `json:"frequency"`
	Duration       string   `json:"duration"`
	Timing         []string `json:"timing"`
	FoodTiming     string   `json:"food_timing"`
	Instructions   string   `json:"instructions"`
	PrescribedDate string   `json:"prescribed_date"`
	StartDate      string   `json:"start_date"`
	EndDate        string   `json:"end_date"`
	TotalTablets   int      `json:"total_tablets"`
}

// RecordAdherenceRequest records a patient action.
type RecordAdherenceRequest struct {
	PatientID    string `json:"patient_id"`
	MedicationID string `json:"medication_id"`
	DoseID       string `json:"dose_id"`
	Action       string `json:"action"` // taken, skipped
	At           string `json:"at"`     // RFC3339, defaults to now
	Source       string `json:"source"`
}

// ScheduleResponse is a medication's dose calendar plus how it was derived.
type ScheduleResponse struct {
	MedicationID string                  `json:"medication_id"`
	Doses        []schedule.DoseInstance `json:"doses"`
	Derivation   schedule.Derivation     `json:"derivation"`
}
