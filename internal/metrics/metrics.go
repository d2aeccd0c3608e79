package metrics

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Metrics struct {
	startTime time.Time

	ticksTotal        atomic.Int64
	calendarBuilds    atomic.Int64
	dosesMaterialized atomic.Int64

	remindersSent   atomic.Int64
	remindersFailed atomic.Int64
	claimsWon       atomic.Int64
	claimsLost      atomic.Int64
	claimsReleased  atomic.Int64

	eventsRecorded  atomic.Int64
	eventsOrphaned  atomic.Int64
	dosesMissed     atomic.Int64
	escalationsSent atomic.Int64

	syncRuns     atomic.Int64
	syncFailures atomic.Int64
	syncChanges  atomic.Int64

	channelSends map[string]*atomic.Int64
	channelLock  sync.Mutex
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = New()
	})
	return defaultMetrics
}

func New() *Metrics {
	return &Metrics{
		startTime:    time.Now(),
		channelSends: make(map[string]*atomic.Int64),
	}
}

func (m *Metrics) RecordTick() {
	m.ticksTotal.Add(1)
}

func (m *Metrics) RecordCalendarBuild(doses int) {
	m.calendarBuilds.Add(1)
	m.dosesMaterialized.Add(int64(doses))
}

func (m *Metrics) RecordReminder(success bool) {
	if success {
		m.remindersSent.Add(1)
	} else {
		m.remindersFailed.Add(1)
	}
}

func (m *Metrics) RecordClaim(won bool) {
	if won {
		m.claimsWon.Add(1)
	} else {
		m.claimsLost.Add(1)
	}
}

func (m *Metrics) RecordClaimReleased() {
	m.claimsReleased.Add(1)
}

func (m *Metrics) RecordAdherenceEvent(orphaned bool) {
	m.eventsRecorded.Add(1)
	if orphaned {
		m.eventsOrphaned.Add(1)
	}
}

func (m *Metrics) RecordMissedDose() {
	m.dosesMissed.Add(1)
}

func (m *Metrics) RecordEscalation() {
	m.escalationsSent.Add(1)
}

func (m *Metrics) RecordSyncRun(changed int, err bool) {
	m.syncRuns.Add(1)
	m.syncChanges.Add(int64(changed))
	if err {
		m.syncFailures.Add(1)
	}
}

func (m *Metrics) RecordChannelSend(channel string) {
	m.channelLock.Lock()
	defer m.channelLock.Unlock()

	if m.channelSends[channel] == nil {
		m.channelSends[channel] = &atomic.Int64{}
	}
	m.channelSends[channel].Add(1)
}

type Snapshot struct {
	Uptime            time.Duration    `json:"uptime"`
	TicksTotal        int64            `json:"ticks_total"`
	CalendarBuilds    int64            `json:"calendar_builds"`
	DosesMaterialized int64            `json:"doses_materialized"`
	RemindersSent     int64            `json:"reminders_sent"`
	RemindersFailed   int64            `json:"reminders_failed"`
	ClaimsWon         int64            `json:"claims_won"`
	ClaimsLost        int64            `json:"claims_lost"`
	ClaimsReleased    int64            `json:"claims_released"`
	EventsRecorded    int64            `json:"events_recorded"`
	EventsOrphaned    int64            `json:"events_orphaned"`
	DosesMissed       int64            `json:"doses_missed"`
	EscalationsSent   int64            `json:"escalations_sent"`
	SyncRuns          int64            `json:"sync_runs"`
	SyncFailures      int64            `json:"sync_failures"`
	SyncChanges       int64            `json:"sync_changes"`
	ChannelSends      map[string]int64 `json:"channel_sends"`
}

func (m *Metrics) Snapshot() *Snapshot {
	s := &Snapshot{
		Uptime:            time.Since(m.startTime),
		TicksTotal:        m.ticksTotal.Load(),
		CalendarBuilds:    m.calendarBuilds.Load(),
		DosesMaterialized: m.dosesMaterialized.Load(),
		RemindersSent:     m.remindersSent.Load(),
		RemindersFailed:   m.remindersFailed.Load(),
		ClaimsWon:         m.claimsWon.Load(),
		ClaimsLost:        m.claimsLost.Load(),
		ClaimsReleased:    m.claimsReleased.Load(),
		EventsRecorded:    m.eventsRecorded.Load(),
		EventsOrphaned:    m.eventsOrphaned.Load(),
		DosesMissed:       m.dosesMissed.Load(),
		EscalationsSent:   m.escalationsSent.Load(),
		SyncRuns:          m.syncRuns.Load(),
		SyncFailures:      m.syncFailures.Load(),
		SyncChanges:       m.syncChanges.Load(),
		ChannelSends:      make(map[string]int64),
	}

	m.channelLock.Lock()
	for k, v := range m.channelSends {
		s.ChannelSends[k] = v.Load()
	}
	m.channelLock.Unlock()

	return s
}

func (m *Metrics) Prometheus() string {
	var sb strings.Builder

	counter := func(name, help string, value int64) {
		sb.WriteString("# HELP medalert_" + name + " " + help + "\n")
		sb.WriteString("# TYPE medalert_" + name + " counter\n")
		sb.WriteString("medalert_" + name + " " + strconv.FormatInt(value, 10) + "\n\n")
	}

	sb.WriteString("# HELP medalert_uptime_seconds Time since server start\n")
	sb.WriteString("# TYPE medalert_uptime_seconds gauge\n")
	sb.WriteString("medalert_uptime_seconds " + strconv.FormatInt(int64(time.Since(m.startTime).Seconds()), 10) + "\n\n")

	counter("ticks_total", "Dispatcher ticks executed", m.ticksTotal.Load())
	counter("calendar_builds_total", "Dose calendar rebuilds", m.calendarBuilds.Load())
	counter("doses_materialized_total", "Dose instances materialized", m.dosesMaterialized.Load())
	counter("reminders_sent_total", "Reminders delivered", m.remindersSent.Load())
	counter("reminders_failed_total", "Reminder deliveries failed", m.remindersFailed.Load())
	counter("claims_won_total", "Dispatch claims won", m.claimsWon.Load())
	counter("claims_lost_total", "Dispatch claims lost to an earlier tick", m.claimsLost.Load())
	counter("claims_released_total", "Dispatch claims rolled back after delivery failure", m.claimsReleased.Load())
	counter("adherence_events_total", "Adherence events recorded", m.eventsRecorded.Load())
	counter("adherence_orphans_total", "Adherence events matching no dose", m.eventsOrphaned.Load())
	counter("doses_missed_total", "Doses classified as missed", m.dosesMissed.Load())
	counter("escalations_sent_total", "Caretaker escalations sent", m.escalationsSent.Load())
	counter("sync_runs_total", "Medication sync passes", m.syncRuns.Load())
	counter("sync_failures_total", "Medication sync failures", m.syncFailures.Load())
	counter("sync_changes_total", "Medications resynced after a change", m.syncChanges.Load())

	m.channelLock.Lock()
	for channel, count := range m.channelSends {
		sb.WriteString("# HELP medalert_channel_sends_total Sends per channel\n")
		sb.WriteString("# TYPE medalert_channel_sends_total counter\n")
		sb.WriteString("medalert_channel_sends_total{channel=\"" + channel + "\"} " + strconv.FormatInt(count.Load(), 10) + "\n\n")
	}
	m.channelLock.Unlock()

	return sb.String()
}

func RecordTick()                        { Default().RecordTick() }
func RecordCalendarBuild(doses int)      { Default().RecordCalendarBuild(doses) }
func RecordReminder(success bool)        { Default().RecordReminder(success) }
func RecordClaim(won bool)               { Default().RecordClaim(won) }
func RecordClaimReleased()               { Default().RecordClaimReleased() }
func RecordAdherenceEvent(orphaned bool) { Default().RecordAdherenceEvent(orphaned) }
func RecordMissedDose()                  { Default().RecordMissedDose() }
func RecordEscalation()                  { Default().RecordEscalation() }
func RecordSyncRun(changed int, err bool) {
	Default().RecordSyncRun(changed, err)
}
func RecordChannelSend(channel string) { Default().RecordChannelSend(channel) }

func Snap() *Snapshot { return Default().Snapshot() }

func Prometheus() string { return Default().Prometheus() }
