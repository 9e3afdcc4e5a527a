package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phonginreallife/opsbridge/db"
)

const (
	kpiDateLayout    = "2006-01-02"
	maxRootCauses    = 3
	unknownRootCause = "unknown"
)

// KPIRequest selects the tenant and week to aggregate. Both are optional.
type KPIRequest struct {
	HotelID   string `json:"hotel_id" binding:"omitempty,uuid"`
	WeekStart string `json:"week_start" binding:"omitempty"`
}

// KPIResult lists the snapshots upserted by one Generate call
type KPIResult struct {
	WeekStart string              `json:"week_start"`
	WeekEnd   string              `json:"week_end"`
	Generated []db.WeeklySnapshot `json:"generated"`
}

// KPIIncident is the slice of an incident the aggregator looks at
type KPIIncident struct {
	ID                   string
	Status               db.IncidentStatus
	AutoRemediationState db.AutoRemediationState
	RootCause            string
	RunbookSlug          string
	Source               string
	OpenedAt             time.Time
	AcknowledgedAt       *time.Time
	ResolvedAt           *time.Time
	HasAutoResolvedEvent bool
}

// AutoResolved reports whether automation closed the incident
func (i KPIIncident) AutoResolved() bool {
	if i.HasAutoResolvedEvent {
		return true
	}
	return i.AutoRemediationState == db.AutoRemediationSuccess && i.Status == db.IncidentStatusResolved
}

func (i KPIIncident) rootCause() string {
	for _, c := range []string{i.RootCause, i.RunbookSlug, i.Source} {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return unknownRootCause
}

// StartOfISOWeek returns Monday 00:00 UTC of the week containing t
func StartOfISOWeek(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	return time.Date(t.Year(), t.Month(), t.Day()-offset, 0, 0, 0, 0, time.UTC)
}

// DefaultWeekStart is the Monday of the ISO week before the one containing now
func DefaultWeekStart(now time.Time) time.Time {
	return StartOfISOWeek(now).AddDate(0, 0, -7)
}

// ParseWeekStart accepts YYYY-MM-DD and snaps it to the Monday of its week
func ParseWeekStart(raw string) (time.Time, error) {
	t, err := time.Parse(kpiDateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, validationError("week_start must be YYYY-MM-DD")
	}
	return StartOfISOWeek(t), nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func meanMinutes(total time.Duration, n int) *float64 {
	if n == 0 {
		return nil
	}
	v := round2(total.Minutes() / float64(n))
	return &v
}

// ComputeWeeklySnapshot aggregates the incidents opened in one week
func ComputeWeeklySnapshot(hotelID string, weekStart time.Time, incidents []KPIIncident, generatedAt time.Time) db.WeeklySnapshot {
	snap := db.WeeklySnapshot{
		HotelID:     hotelID,
		WeekStart:   weekStart,
		WeekEnd:     weekStart.AddDate(0, 0, 6),
		RootCauses:  []db.RootCauseCount{},
		GeneratedAt: generatedAt,
	}
	snap.TotalIncidents = len(incidents)
	if len(incidents) == 0 {
		return snap
	}

	var (
		autoResolved       int
		ackTotal, resTotal time.Duration
		ackCount, resCount int
		causes             = map[string]int{}
	)
	for _, inc := range incidents {
		if inc.AutoResolved() {
			autoResolved++
		}
		if inc.AcknowledgedAt != nil && !inc.AcknowledgedAt.Before(inc.OpenedAt) {
			ackTotal += inc.AcknowledgedAt.Sub(inc.OpenedAt)
			ackCount++
		}
		if inc.ResolvedAt != nil && !inc.ResolvedAt.Before(inc.OpenedAt) {
			resTotal += inc.ResolvedAt.Sub(inc.OpenedAt)
			resCount++
		}
		causes[inc.rootCause()]++
	}

	snap.AutoResolvedPct = round2(float64(autoResolved) * 100 / float64(len(incidents)))
	snap.MTTAMinutes = meanMinutes(ackTotal, ackCount)
	snap.MTTRMinutes = meanMinutes(resTotal, resCount)

	for cause, count := range causes {
		snap.RootCauses = append(snap.RootCauses, db.RootCauseCount{Cause: cause, Count: count})
	}
	// ties break alphabetically so reruns produce the same ranking
	sort.Slice(snap.RootCauses, func(a, b int) bool {
		if snap.RootCauses[a].Count != snap.RootCauses[b].Count {
			return snap.RootCauses[a].Count > snap.RootCauses[b].Count
		}
		return snap.RootCauses[a].Cause < snap.RootCauses[b].Cause
	})
	if len(snap.RootCauses) > maxRootCauses {
		snap.RootCauses = snap.RootCauses[:maxRootCauses]
	}
	return snap
}

// KPIService builds and stores weekly incident snapshots
type KPIService struct {
	PG  *sql.DB
	now func() time.Time
}

func NewKPIService(pg *sql.DB) *KPIService {
	return &KPIService{PG: pg, now: time.Now}
}

// Generate upserts one snapshot per tenant for the requested week
func (s *KPIService) Generate(ctx context.Context, req KPIRequest) (*KPIResult, error) {
	if req.HotelID != "" {
		if _, err := uuid.Parse(req.HotelID); err != nil {
			return nil, validationError("hotel_id must be a UUID")
		}
	}

	weekStart := DefaultWeekStart(s.now())
	if req.WeekStart != "" {
		parsed, err := ParseWeekStart(req.WeekStart)
		if err != nil {
			return nil, err
		}
		weekStart = parsed
	}
	weekEnd := weekStart.AddDate(0, 0, 7)

	hotels := []string{req.HotelID}
	if req.HotelID == "" {
		var err error
		hotels, err = s.tenantsWithIncidents(ctx, weekStart, weekEnd)
		if err != nil {
			return nil, err
		}
	}

	result := &KPIResult{
		WeekStart: weekStart.Format(kpiDateLayout),
		WeekEnd:   weekStart.AddDate(0, 0, 6).Format(kpiDateLayout),
		Generated: []db.WeeklySnapshot{},
	}

	for _, hotelID := range hotels {
		incidents, err := s.weekIncidents(ctx, hotelID, weekStart, weekEnd)
		if err != nil {
			return nil, err
		}
		snap := ComputeWeeklySnapshot(hotelID, weekStart, incidents, s.now().UTC())
		if err := s.upsertSnapshot(ctx, snap); err != nil {
			return nil, err
		}
		kpiSnapshots.Inc()
		result.Generated = append(result.Generated, snap)
	}

	log.Printf("📊 KPI: generated %d snapshot(s) for week %s", len(result.Generated), result.WeekStart)
	return result, nil
}

func (s *KPIService) tenantsWithIncidents(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := s.PG.QueryContext(ctx, `
		SELECT DISTINCT hotel_id FROM incidents
		WHERE opened_at >= $1 AND opened_at < $2
		ORDER BY hotel_id
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var hotels []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		hotels = append(hotels, id)
	}
	return hotels, rows.Err()
}

func (s *KPIService) weekIncidents(ctx context.Context, hotelID string, from, to time.Time) ([]KPIIncident, error) {
	rows, err := s.PG.QueryContext(ctx, `
		SELECT i.id, i.status, i.auto_remediation_state,
		       COALESCE(i.root_cause, ''), COALESCE(i.runbook_slug, ''), i.source,
		       i.opened_at, i.acknowledged_at, i.resolved_at,
		       EXISTS (
		           SELECT 1 FROM incident_events e
		           WHERE e.hotel_id = i.hotel_id AND e.incident_id = i.id AND e.event_type = 'auto_resolved'
		       ) AS auto_resolved
		FROM incidents i
		WHERE i.hotel_id = $1 AND i.opened_at >= $2 AND i.opened_at < $3
		ORDER BY i.opened_at ASC
	`, hotelID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query week incidents: %w", err)
	}
	defer rows.Close()

	var incidents []KPIIncident
	for rows.Next() {
		var inc KPIIncident
		var ackAt, resolvedAt sql.NullTime
		if err := rows.Scan(&inc.ID, &inc.Status, &inc.AutoRemediationState, &inc.RootCause, &inc.RunbookSlug, &inc.Source,
			&inc.OpenedAt, &ackAt, &resolvedAt, &inc.HasAutoResolvedEvent); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		if ackAt.Valid {
			inc.AcknowledgedAt = &ackAt.Time
		}
		if resolvedAt.Valid {
			inc.ResolvedAt = &resolvedAt.Time
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// upsertSnapshot is a single statement keyed on (hotel_id, week_start) so reruns overwrite
func (s *KPIService) upsertSnapshot(ctx context.Context, snap db.WeeklySnapshot) error {
	causes, err := json.Marshal(snap.RootCauses)
	if err != nil {
		return fmt.Errorf("failed to marshal root causes: %w", err)
	}

	_, err = s.PG.ExecContext(ctx, `
		INSERT INTO incident_kpi_weekly (
			hotel_id, week_start, week_end, total_incidents, auto_resolved_pct,
			mtta_minutes, mttr_minutes, root_causes, generated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (hotel_id, week_start)
		DO UPDATE SET week_end = EXCLUDED.week_end,
		              total_incidents = EXCLUDED.total_incidents,
		              auto_resolved_pct = EXCLUDED.auto_resolved_pct,
		              mtta_minutes = EXCLUDED.mtta_minutes,
		              mttr_minutes = EXCLUDED.mttr_minutes,
		              root_causes = EXCLUDED.root_causes,
		              generated_at = EXCLUDED.generated_at
	`, snap.HotelID, snap.WeekStart.Format(kpiDateLayout), snap.WeekEnd.Format(kpiDateLayout), snap.TotalIncidents,
		snap.AutoResolvedPct, snap.MTTAMinutes, snap.MTTRMinutes, string(causes), snap.GeneratedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert weekly snapshot: %w", err)
	}
	return nil
}
