package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medalert/medalert/internal/adherence"
	"github.com/medalert/medalert/internal/config"
	"github.com/medalert/medalert/internal/schedule"
	"github.com/medalert/medalert/internal/store"
	"github.com/medalert/medalert/internal/syncer"
)

func testServer(t *testing.T) *Server {
	t.Helper()

	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Storage.DataDir = dir
	cfg.Storage.SQLitePath = filepath.Join(dir, "medalert.db")
	cfg.Storage.BadgerPath = filepath.Join(dir, "badger")
	cfg.Security.JWTSecret = "test-secret"
	cfg.Security.AllowOrigins = []string{"*"}
	cfg.Server.ReadTimeout = 5
	cfg.Server.WriteTimeout = 5

	st, err := store.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	calc := schedule.NewCalculator(0, "")
	holder := schedule.NewHolder()
	svc := adherence.NewService(st, holder, adherence.NewReconciler(0), zap.NewNop())
	sync := syncer.New(syncer.NewStoreSource(st), st, calc, holder, nil, syncer.Options{}, zap.NewNop())

	return New(cfg, st, svc, holder, calc, sync, zap.NewNop())
}

func doJSON(t *testing.T, s *Server, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)

	var decoded map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func login(t *testing.T, s *Server) string {
	t.Helper()
	resp, body := doJSON(t, s, "POST", "/api/auth/login", "", LoginRequest{})
	require.Equal(t, 200, resp.StatusCode)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestHealthEndpoint(t *testing.T) {
	s := testServer(t)

	resp, body := doJSON(t, s, "GET", "/api/health", "", nil)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}

func TestAuthRequired(t *testing.T) {
	s := testServer(t)

	resp, _ := doJSON(t, s, "GET", "/api/patients", "", nil)
	assert.Equal(t, 401, resp.StatusCode)

	resp, _ = doJSON(t, s, "GET", "/api/patients", "not-a-token", nil)
	assert.Equal(t, 401, resp.StatusCode)

	token := login(t, s)
	resp, _ = doJSON(t, s, "GET", "/api/patients", token, nil)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestAuthRejectsTokenWithoutRole(t *testing.T) {
	s := testServer(t)

	// Well-signed token without a role claim is still not ours
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "default",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	resp, _ := doJSON(t, s, "GET", "/api/patients", signed, nil)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestLoginRoles(t *testing.T) {
	s := testServer(t)

	resp, _ := doJSON(t, s, "POST", "/api/auth/login", "", LoginRequest{Role: "admin"})
	assert.Equal(t, 400, resp.StatusCode)

	resp, body := doJSON(t, s, "POST", "/api/auth/login", "", LoginRequest{Role: RolePatient, Subject: "pat_1"})
	require.Equal(t, 200, resp.StatusCode)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)

	resp, _ = doJSON(t, s, "GET", "/api/patients", token, nil)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestCreatePatientAndCaretaker(t *testing.T) {
	s := testServer(t)
	token := login(t, s)

	resp, body := doJSON(t, s, "POST", "/api/patients", token, CreatePatientRequest{
		Name:           "Rosa",
		TelegramChatID: 42,
	})
	require.Equal(t, 201, resp.StatusCode)
	patientID, _ := body["id"].(string)
	require.NotEmpty(t, patientID)

	resp, _ = doJSON(t, s, "POST", "/api/patients", token, CreatePatientRequest{})
	assert.Equal(t, 400, resp.StatusCode)

	resp, body = doJSON(t, s, "POST", "/api/patients/"+patientID+"/caretakers", token, AddCaretakerRequest{
		Name:      "Miguel",
		IsPrimary: true,
	})
	require.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, patientID, body["patient_id"])

	resp, body = doJSON(t, s, "GET", "/api/patients/"+patientID, token, nil)
	require.Equal(t, 200, resp.StatusCode)
	caretakers, _ := body["caretakers"].([]any)
	assert.Len(t, caretakers, 1)
}

func TestMedicationLifecycle(t *testing.T) {
	s := testServer(t)
	token := login(t, s)

	start := time.Now().Format("2006-01-02")
	resp, body := doJSON(t, s, "POST", "/api/medications", token, CreateMedicationRequest{
		ID:        "med_1",
		PatientID: "pat_1",
		Name:      "Amoxicillin",
		Dosage:    "2",
		Frequency: "twice daily",
		Duration:  "3 days",
		StartDate: start,
	})
	require.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, "med_1", body["id"])

	// Creation triggers a sync pass, so the calendar already holds the doses
	assert.Equal(t, int64(1), s.calendar.Current().Version())
	assert.Equal(t, 6, s.calendar.Current().Len())

	resp, body = doJSON(t, s, "GET", "/api/medications/med_1/schedule", token, nil)
	require.Equal(t, 200, resp.StatusCode)
	doses, _ := body["doses"].([]any)
	assert.Len(t, doses, 6)

	resp, _ = doJSON(t, s, "DELETE", "/api/medications/med_1", token, nil)
	require.Equal(t, 204, resp.StatusCode)
	assert.Equal(t, 0, s.calendar.Current().Len())

	resp, _ = doJSON(t, s, "DELETE", "/api/medications/med_missing", token, nil)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestRecordAdherenceAndStats(t *testing.T) {
	s := testServer(t)
	token := login(t, s)

	start := time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	resp, _ := doJSON(t, s, "POST", "/api/medications", token, CreateMedicationRequest{
		ID:        "med_1",
		PatientID: "pat_1",
		Name:      "Amoxicillin",
		Frequency: "once daily",
		Duration:  "2 days",
		StartDate: start,
	})
	require.Equal(t, 201, resp.StatusCode)

	doses := s.calendar.Current().ForMedication("med_1")
	require.NotEmpty(t, doses)

	resp, body := doJSON(t, s, "POST", "/api/adherence", token, RecordAdherenceRequest{
		PatientID:    "pat_1",
		MedicationID: "med_1",
		DoseID:       doses[0].ID,
		Action:       "taken",
		At:           doses[0].ScheduledAt.Add(10 * time.Minute).Format(time.RFC3339),
	})
	require.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, "api", body["source"])

	resp, _ = doJSON(t, s, "POST", "/api/adherence", token, RecordAdherenceRequest{
		PatientID:    "pat_1",
		MedicationID: "med_1",
		Action:       "snoozed",
	})
	assert.Equal(t, 400, resp.StatusCode)

	from := doses[0].ScheduledAt.Add(-time.Hour).Format(time.RFC3339)
	to := doses[0].ScheduledAt.Add(time.Hour).Format(time.RFC3339)
	path := fmt.Sprintf("/api/medications/med_1/adherence/stats?from=%s&to=%s", from, to)

	resp, body = doJSON(t, s, "GET", path, token, nil)
	require.Equal(t, 200, resp.StatusCode)
	stats, _ := body["stats"].(map[string]any)
	require.NotNil(t, stats)
	assert.Equal(t, float64(1), stats["taken"])
	assert.Equal(t, float64(100), stats["rate"])
}
