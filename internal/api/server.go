package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/medalert/medalert/internal/adherence"
	"github.com/medalert/medalert/internal/config"
	"github.com/medalert/medalert/internal/schedule"
	"github.com/medalert/medalert/internal/store"
	"github.com/medalert/medalert/internal/syncer"
)

// Server handles the HTTP API
type Server struct {
	app       *fiber.App
	config    *config.Config
	store     *store.Store
	adherence *adherence.Service
	calendar  adherence.CalendarSource
	calc      *schedule.Calculator
	sync      *syncer.Syncer
	logger    *zap.Logger
}

// New creates a new API server
func New(cfg *config.Config, st *store.Store, svc *adherence.Service, calendar adherence.CalendarSource, calc *schedule.Calculator, sync *syncer.Syncer, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	})

	s := &Server{
		app:       app,
		config:    cfg,
		store:     st,
		adherence: svc,
		calendar:  calendar,
		calc:      calc,
		sync:      sync,
		logger:    logger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Middleware
	s.app.Use(recover.New())
	s.app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(s.config.Security.AllowOrigins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	// Health and metrics
	s.app.Get("/api/health", s.handleHealth)
	s.app.Get("/metrics", s.handleMetrics)
	s.app.Get("/api/metrics", s.handleMetricsJSON)

	api := s.app.Group("/api")

	// Public routes
	api.Post("/auth/login", s.handleLogin)

	// Protected routes
	protected := api.Use(s.authMiddleware())

	// Patients
	protected.Get("/patients", s.handleListPatients)
	protected.Post("/patients", s.handleCreatePatient)
	protected.Get("/patients/:id", s.handleGetPatient)
	protected.Post("/patients/:id/caretakers", s.handleAddCaretaker)
	protected.Get("/patients/:id/doses/upcoming", s.handleUpcomingDoses)
	protected.Get("/patients/:id/schedule", s.handleDaySchedule)
	protected.Get("/patients/:id/outcomes", s.handlePatientOutcomes)

	// Medications
	protected.Get("/medications", s.handleListMedications)
	protected.Post("/medications", s.handleCreateMedication)
	protected.Get("/medications/:id", s.handleGetMedication)
	protected.Delete("/medications/:id", s.handleDeactivateMedication)
	protected.Get("/medications/:id/schedule", s.handleMedicationSchedule)
	protected.Get("/medications/:id/adherence/stats", s.handleAdherenceStats)
	protected.Get("/medications/:id/adherence/outcomes", s.handleAdherenceOutcomes)

	// Adherence
	protected.Post("/adherence", s.handleRecordAdherence)

	// Sync
	protected.Post("/sync", s.handleSyncNow)
}

// Start starts the server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Address, s.config.Server.Port)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}
