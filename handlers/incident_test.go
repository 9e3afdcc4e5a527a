package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/phonginreallife/opsbridge/db"
	"github.com/phonginreallife/opsbridge/internal/config"
	"github.com/phonginreallife/opsbridge/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockAutopilot struct {
	mock.Mock
}

func (m *MockAutopilot) Run(ctx context.Context, req services.AutopilotRequest) (*services.AutopilotResult, error) {
	args := m.Called(ctx, req)
	if r, ok := args.Get(0).(*services.AutopilotResult); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockKPI struct {
	mock.Mock
}

func (m *MockKPI) Generate(ctx context.Context, req services.KPIRequest) (*services.KPIResult, error) {
	args := m.Called(ctx, req)
	if r, ok := args.Get(0).(*services.KPIResult); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockTickets struct {
	mock.Mock
}

func (m *MockTickets) EnqueueOutbox(ctx context.Context, req services.EnqueueRequest) (*db.OutboxEntry, error) {
	args := m.Called(ctx, req)
	if r, ok := args.Get(0).(*db.OutboxEntry); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func newIncidentRouter(auth *OperatorAuth, incidents *IncidentHandler, tickets *TicketHandler) *gin.Engine {
	r := gin.New()
	r.Use(RequestID())
	protected := r.Group("/", auth.Middleware())
	protected.POST("/autopilot", incidents.RunAutopilot)
	protected.POST("/weekly-kpi", incidents.GenerateWeeklyKPI)
	protected.POST("/tickets/:id/notify", tickets.Notify)
	return r
}

func cronAuth() *OperatorAuth {
	return NewOperatorAuth(config.AutopilotConfig{CronSecret: testCronSecret},
		services.NewIdentityService(config.AuthConfig{JWTSecret: testJWTSecret}))
}

func TestRunAutopilot_Handler(t *testing.T) {
	autopilot := new(MockAutopilot)
	autopilot.On("Run", mock.Anything, services.AutopilotRequest{HotelID: testHotelID, MaxIncidents: 10}).
		Return(&services.AutopilotResult{
			ProcessedIncidents: 2,
			AutoRemediation:    services.RemediationSummary{Attempted: 1, Success: 1, Skipped: 1},
			Escalations:        services.EscalationSummary{Opened: 1},
		}, nil)

	r := newIncidentRouter(cronAuth(), NewIncidentHandler(autopilot, nil), NewTicketHandler(nil))

	req := httptest.NewRequest(http.MethodPost, "/autopilot", strings.NewReader(`{"hotel_id":"`+testHotelID+`","max_incidents":10}`))
	req.Header.Set(CronSecretHeader, testCronSecret)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeEnvelope(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(2), body["processed_incidents"])
	assert.Equal(t, map[string]interface{}{"attempted": float64(1), "success": float64(1), "failed": float64(0), "skipped": float64(1)}, body["auto_remediation"])
	assert.Equal(t, map[string]interface{}{"opened": float64(1), "reminders": float64(0), "resolved": float64(0)}, body["escalations"])
	autopilot.AssertExpectations(t)
}

func TestRunAutopilot_RequiresAuth(t *testing.T) {
	autopilot := new(MockAutopilot)
	r := newIncidentRouter(cronAuth(), NewIncidentHandler(autopilot, nil), NewTicketHandler(nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/autopilot", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	autopilot.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestRunAutopilot_TokenScopesTenant(t *testing.T) {
	autopilot := new(MockAutopilot)
	autopilot.On("Run", mock.Anything, services.AutopilotRequest{HotelID: testHotelID}).
		Return(&services.AutopilotResult{}, nil)

	r := newIncidentRouter(cronAuth(), NewIncidentHandler(autopilot, nil), NewTicketHandler(nil))

	req := httptest.NewRequest(http.MethodPost, "/autopilot", nil)
	req.Header.Set("Authorization", bearerToken(t, testJWTSecret, testHotelID, time.Now().Add(time.Hour)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	autopilot.AssertExpectations(t)
}

func TestGenerateWeeklyKPI_Handler(t *testing.T) {
	weekStart := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	kpi := new(MockKPI)
	kpi.On("Generate", mock.Anything, services.KPIRequest{WeekStart: "2026-03-02"}).
		Return(&services.KPIResult{
			WeekStart: "2026-03-02",
			WeekEnd:   "2026-03-08",
			Generated: []db.WeeklySnapshot{{
				HotelID:         testHotelID,
				WeekStart:       weekStart,
				WeekEnd:         weekStart.AddDate(0, 0, 6),
				TotalIncidents:  4,
				AutoResolvedPct: 50,
				RootCauses:      []db.RootCauseCount{{Cause: "sync-delayed", Count: 2}},
			}},
		}, nil)

	r := newIncidentRouter(cronAuth(), NewIncidentHandler(nil, kpi), NewTicketHandler(nil))

	req := httptest.NewRequest(http.MethodPost, "/weekly-kpi", strings.NewReader(`{"week_start":"2026-03-02"}`))
	req.Header.Set(CronSecretHeader, testCronSecret)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeEnvelope(t, w)
	assert.Equal(t, "2026-03-02", body["week_start"])
	assert.Equal(t, "2026-03-08", body["week_end"])
	assert.Equal(t, float64(1), body["generated_count"])
	kpi.AssertExpectations(t)
}

func TestGenerateWeeklyKPI_ValidationError(t *testing.T) {
	kpi := new(MockKPI)
	kpi.On("Generate", mock.Anything, mock.Anything).
		Return(nil, &services.BridgeError{Kind: services.ErrValidation, Message: "week_start must be YYYY-MM-DD"})

	r := newIncidentRouter(cronAuth(), NewIncidentHandler(nil, kpi), NewTicketHandler(nil))

	req := httptest.NewRequest(http.MethodPost, "/weekly-kpi", strings.NewReader(`{"week_start":"soon"}`))
	req.Header.Set(CronSecretHeader, testCronSecret)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "YYYY-MM-DD")
}

func TestTicketNotify_Handler(t *testing.T) {
	ticketID := "33333333-3333-3333-3333-333333333333"
	tickets := new(MockTickets)
	tickets.On("EnqueueOutbox", mock.Anything, services.EnqueueRequest{
		HotelID:   testHotelID,
		TicketID:  ticketID,
		EventType: db.OutboxEventTicketEscalated,
	}).Return(&db.OutboxEntry{
		ID:        "44444444-4444-4444-4444-444444444444",
		EventID:   "55555555-5555-5555-5555-555555555555",
		EventType: db.OutboxEventTicketEscalated,
		Status:    db.OutboxStatusPending,
	}, nil)

	r := newIncidentRouter(cronAuth(), NewIncidentHandler(nil, nil), NewTicketHandler(tickets))

	req := httptest.NewRequest(http.MethodPost, "/tickets/"+ticketID+"/notify",
		strings.NewReader(`{"hotel_id":"`+testHotelID+`","event_type":"ticket.escalated"}`))
	req.Header.Set(CronSecretHeader, testCronSecret)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeEnvelope(t, w)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "ticket.escalated", body["event_type"])

	// unsupported event type never reaches the service
	req = httptest.NewRequest(http.MethodPost, "/tickets/"+ticketID+"/notify",
		strings.NewReader(`{"hotel_id":"`+testHotelID+`","event_type":"ticket.deleted"}`))
	req.Header.Set(CronSecretHeader, testCronSecret)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	tickets.AssertExpectations(t)
}
