package telegram

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medalert/medalert/internal/adherence"
	"github.com/medalert/medalert/internal/config"
	"github.com/medalert/medalert/internal/schedule"
	"github.com/medalert/medalert/internal/store"
)

// testBot wires a bot against a stub API endpoint that answers every request
// with a generic ok response.
func testBot(t *testing.T) (*Bot, *store.Store) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"MedAlert","username":"medalert_bot"}}`)
	}))
	t.Cleanup(srv.Close)

	api, err := tgbotapi.NewBotAPIWithAPIEndpoint("test-token", srv.URL+"/bot%s/%s")
	require.NoError(t, err)

	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Storage.DataDir = dir
	cfg.Storage.SQLitePath = filepath.Join(dir, "test.db")
	cfg.Storage.BadgerPath = filepath.Join(dir, "badger")

	st, err := store.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	holder := schedule.NewHolder()
	svc := adherence.NewService(st, holder, adherence.NewReconciler(0), zap.NewNop())

	b := &Bot{
		api:       api,
		store:     st,
		adherence: svc,
		calendar:  holder,
		logger:    zap.NewNop(),
		enabled:   true,
	}
	return b, st
}

func TestCallbackRecordsAdherence(t *testing.T) {
	b, st := testBot(t)

	patient := &store.Patient{Name: "Rosa", TelegramChatID: 42}
	require.NoError(t, st.CreatePatient(patient))

	doseID := "med_1@2026-03-02T08:00"
	update := tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:   "cb_1",
			Data: "ack|taken|" + doseID,
			Message: &tgbotapi.Message{
				MessageID: 7,
				Chat:      &tgbotapi.Chat{ID: 42},
				Text:      "Time for Amoxicillin",
			},
		},
	}

	require.NoError(t, b.handleUpdate(update))

	events, err := st.ListEventsForMedication("med_1", time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, doseID, events[0].DoseID)
	assert.Equal(t, adherence.ActionTaken, events[0].Action)
	assert.Equal(t, "telegram", events[0].Source)
}

func TestCallbackWithoutMessageIsIgnored(t *testing.T) {
	b, st := testBot(t)

	// Buttons older than 48 hours arrive without their source message
	update := tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:   "cb_1",
			Data: "ack|taken|med_1@2026-03-02T08:00",
		},
	}

	assert.NotPanics(t, func() {
		require.NoError(t, b.handleUpdate(update))
	})

	events, err := st.ListEventsForMedication("med_1", time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSafeHandleRecoversPanic(t *testing.T) {
	b, _ := testBot(t)
	b.adherence = nil // forces a nil dereference inside the handler

	patient := &store.Patient{Name: "Rosa", TelegramChatID: 42}
	require.NoError(t, b.store.CreatePatient(patient))

	update := tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:   "cb_1",
			Data: "ack|taken|med_1@2026-03-02T08:00",
			Message: &tgbotapi.Message{
				MessageID: 7,
				Chat:      &tgbotapi.Chat{ID: 42},
			},
		},
	}

	assert.NotPanics(t, func() { b.safeHandle(update) })
}

func TestUnknownCallbackDataIsIgnored(t *testing.T) {
	b, st := testBot(t)

	update := tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:   "cb_1",
			Data: "something-else",
			Message: &tgbotapi.Message{
				MessageID: 7,
				Chat:      &tgbotapi.Chat{ID: 42},
			},
		},
	}

	require.NoError(t, b.handleUpdate(update))

	events, err := st.ListEventsForMedication("med_1", time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, events)
}
