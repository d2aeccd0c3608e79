package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/medalert/medalert/internal/adherence"
	"github.com/medalert/medalert/internal/metrics"
	"github.com/medalert/medalert/internal/schedule"
	"github.com/medalert/medalert/internal/store"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":           "healthy",
		"version":          "0.1.0",
		"calendar_version": s.calendar.Current().Version(),
		"timestamp":        time.Now().Unix(),
	})
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/plain; charset=utf-8")
	return c.SendString(metrics.Prometheus())
}

func (s *Server) handleMetricsJSON(c *fiber.Ctx) error {
	return c.JSON(metrics.Snap())
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
	}

	role := req.Role
	if role == "" {
		role = RoleCaretaker
	}
	if !validRole(role) {
		return c.Status(400).JSON(fiber.Map{"error": "role must be patient or caretaker"})
	}

	subject := req.Subject
	if subject == "" {
		subject = "default"
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(7 * 24 * time.Hour).Unix(),
	})

	tokenString, err := token.SignedString([]byte(s.config.Security.JWTSecret))
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to generate token"})
	}

	return c.JSON(fiber.Map{"token": tokenString})
}

// ==================== Patients ====================

func (s *Server) handleListPatients(c *fiber.Ctx) error {
	patients, err := s.store.ListPatients()
	if err != nil {
		s.logger.Error("Failed to list patients", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "failed to list patients"})
	}
	return c.JSON(patients)
}

func (s *Server) handleCreatePatient(c *fiber.Ctx) error {
	var req CreatePatientRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
	}
	if req.Name == "" {
		return c.Status(400).JSON(fiber.Map{"error": "name is required"})
	}

	patient := &store.Patient{
		Name:           req.Name,
		Timezone:       req.Timezone,
		TelegramChatID: req.TelegramChatID,
		DiscordUserID:  req.DiscordUserID,
	}

	if err := s.store.CreatePatient(patient); err != nil {
		s.logger.Error("Failed to create patient", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "failed to create patient"})
	}

	return c.Status(201).JSON(patient)
}

func (s *Server) handleGetPatient(c *fiber.Ctx) error {
	patient, err := s.store.GetPatient(c.Params("id"))
	if err != nil {
		return c.Status(404).JSON(fiber.Map{"error": "patient not found"})
	}
	return c.JSON(patient)
}

func (s *Server) handleAddCaretaker(c *fiber.Ctx) error {
	patientID := c.Params("id")
	if _, err := s.store.GetPatient(patientID); err != nil {
		return c.Status(404).JSON(fiber.Map{"error": "patient not found"})
	}

	var req AddCaretakerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
	}
	if req.Name == "" {
		return c.Status(400).JSON(fiber.Map{"error": "name is required"})
	}

	caretaker := &store.Caretaker{
		PatientID:      patientID,
		Name:           req.Name,
		Relationship:   req.Relationship,
		TelegramChatID: req.TelegramChatID,
		DiscordUserID:  req.DiscordUserID,
		IsPrimary:      req.IsPrimary,
	}

	if err := s.store.CreateCaretaker(caretaker); err != nil {
		s.logger.Error("Failed to create caretaker", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "failed to create caretaker"})
	}

	return c.Status(201).JSON(caretaker)
}

func (s *Server) handleUpcomingDoses(c *fiber.Ctx) error {
	patientID := c.Params("id")
	hours := c.QueryInt("hours", 24)
	if hours <= 0 || hours > 24*7 {
		hours = 24
	}

	doses := s.calendar.Current().UpcomingForPatient(patientID, time.Now(), time.Duration(hours)*time.Hour)
	return c.JSON(fiber.Map{
		"patient_id": patientID,
		"hours":      hours,
		"doses":      doses,
	})
}

func (s *Server) handleDaySchedule(c *fiber.Ctx) error {
	patientID := c.Params("id")

	day := time.Now()
	if q := c.Query("date"); q != "" {
		parsed, err := time.ParseInLocation("2006-01-02", q, time.Local)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "date must be YYYY-MM-DD"})
		}
		day = parsed
	}

	doses := s.calendar.Current().DayView(patientID, day)
	return c.JSON(fiber.Map{
		"patient_id": patientID,
		"date":       day.Format("2006-01-02"),
		"doses":      doses,
	})
}

func (s *Server) handlePatientOutcomes(c *fiber.Ctx) error {
	patientID := c.Params("id")
	from, to, err := timeRange(c, 7)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}

	outcomes, err := s.adherence.OutcomesForPatient(patientID, from, to, time.Now())
	if err != nil {
		s.logger.Error("Failed to reconcile patient", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "failed to reconcile"})
	}

	return c.JSON(fiber.Map{
		"patient_id": patientID,
		"from":       from,
		"to":         to,
		"outcomes":   outcomes,
		"stats":      adherence.Summarize(outcomes),
	})
}

// ==================== Medications ====================

func (s *Server) handleListMedications(c *fiber.Ctx) error {
	if patientID := c.Query("patient_id"); patientID != "" {
		meds, err := s.store.ListMedicationsForPatient(patientID)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": "failed to list medications"})
		}
		return c.JSON(meds)
	}

	meds, err := s.store.ListActiveMedications()
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to list medications"})
	}
	return c.JSON(meds)
}

func (s *Server) handleCreateMedication(c *fiber.Ctx) error {
	var req CreateMedicationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
	}
	if req.PatientID == "" || req.Name == "" {
		return c.Status(400).JSON(fiber.Map{"error": "patient_id and name are required"})
	}

	med := store.FromSpec(schedule.MedicationSpec{
		ID:             req.ID,
		PatientID:      req.PatientID,
		PrescriptionID: req.PrescriptionID,
		Name:           req.Name,
		Dosage:         req.Dosage,
		Frequency:      req.Frequency,
		Duration:       req.Duration,
		Timing:         req.Timing,
		FoodTiming:     req.FoodTiming,
		Instructions:   req.Instructions,
		PrescribedDate: req.PrescribedDate,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		TotalTablets:   req.TotalTablets,
		IsActive:       true,
	})
	med.RemainingTablets = req.TotalTablets

	if err := s.store.UpsertMedication(med); err != nil {
		s.logger.Error("Failed to create medication", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "failed to create medication"})
	}

	// Fold the new prescription into the calendar right away
	s.sync.SyncNow(c.Context())

	return c.Status(201).JSON(med)
}

func (s *Server) handleGetMedication(c *fiber.Ctx) error {
	med, err := s.store.GetMedication(c.Params("id"))
	if err != nil {
		return c.Status(404).JSON(fiber.Map{"error": "medication not found"})
	}
	return c.JSON(med)
}

func (s *Server) handleDeactivateMedication(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := s.store.GetMedication(id); err != nil {
		return c.Status(404).JSON(fiber.Map{"error": "medication not found"})
	}

	if err := s.store.DeactivateMedication(id); err != nil {
		s.logger.Error("Failed to deactivate medication", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "failed to deactivate medication"})
	}

	s.sync.SyncNow(c.Context())

	return c.SendStatus(204)
}

func (s *Server) handleMedicationSchedule(c *fiber.Ctx) error {
	med, err := s.store.GetMedication(c.Params("id"))
	if err != nil {
		return c.Status(404).JSON(fiber.Map{"error": "medication not found"})
	}

	doses, derivation := s.calc.CalculateWithDerivation(med.Spec(), time.Now())
	return c.JSON(ScheduleResponse{
		MedicationID: med.ID,
		Doses:        doses,
		Derivation:   derivation,
	})
}

func (s *Server) handleAdherenceStats(c *fiber.Ctx) error {
	medID := c.Params("id")
	if _, err := s.store.GetMedication(medID); err != nil {
		return c.Status(404).JSON(fiber.Map{"error": "medication not found"})
	}

	from, to, err := timeRange(c, 7)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}

	stats, err := s.adherence.StatsForMedication(medID, from, to, time.Now())
	if err != nil {
		s.logger.Error("Failed to compute stats", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "failed to compute stats"})
	}

	return c.JSON(fiber.Map{
		"medication_id": medID,
		"from":          from,
		"to":            to,
		"stats":         stats,
	})
}

func (s *Server) handleAdherenceOutcomes(c *fiber.Ctx) error {
	medID := c.Params("id")
	if _, err := s.store.GetMedication(medID); err != nil {
		return c.Status(404).JSON(fiber.Map{"error": "medication not found"})
	}

	from, to, err := timeRange(c, 7)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}

	outcomes, err := s.adherence.OutcomesForMedication(medID, from, to, time.Now())
	if err != nil {
		s.logger.Error("Failed to reconcile medication", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "failed to reconcile"})
	}

	return c.JSON(fiber.Map{
		"medication_id": medID,
		"from":          from,
		"to":            to,
		"outcomes":      outcomes,
	})
}

// ==================== Adherence ====================

func (s *Server) handleRecordAdherence(c *fiber.Ctx) error {
	var req RecordAdherenceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
	}
	if req.PatientID == "" || req.MedicationID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "patient_id and medication_id are required"})
	}

	at := time.Now()
	if req.At != "" {
		parsed, err := time.Parse(time.RFC3339, req.At)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "at must be RFC3339"})
		}
		at = parsed
	}

	source := req.Source
	if source == "" {
		source = "api"
	}

	event, err := s.adherence.RecordAction(req.PatientID, req.MedicationID, req.DoseID, req.Action, source, at)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}

	return c.Status(201).JSON(event)
}

// ==================== Sync ====================

func (s *Server) handleSyncNow(c *fiber.Ctx) error {
	s.sync.SyncNow(context.Background())
	cal := s.calendar.Current()
	return c.JSON(fiber.Map{
		"calendar_version": cal.Version(),
		"doses":            cal.Len(),
	})
}

// timeRange reads from/to query params, defaulting to the past defaultDays.
func timeRange(c *fiber.Ctx, defaultDays int) (time.Time, time.Time, error) {
	now := time.Now()
	from := now.AddDate(0, 0, -defaultDays)
	to := now

	if q := c.Query("from"); q != "" {
		parsed, err := time.Parse(time.RFC3339, q)
		if err != nil {
			return time.Time{}, time.Time{}, fiber.NewError(400, "from must be RFC3339")
		}
		from = parsed
	}
	if q := c.Query("to"); q != "" {
		parsed, err := time.Parse(time.RFC3339, q)
		if err != nil {
			return time.Time{}, time.Time{}, fiber.NewError(400, "to must be RFC3339")
		}
		to = parsed
	}

	return from, to, nil
}
