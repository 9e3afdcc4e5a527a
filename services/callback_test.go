package services

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/phonginreallife/opsbridge/db"
	"github.com/phonginreallife/opsbridge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCallbackService(t *testing.T, secret string) (*CallbackService, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)

	s := NewCallbackService(pg, config.BridgeConfig{SigningSecret: secret, HeaderPrefix: "x-opsbridge"})
	s.now = func() time.Time { return testNow }
	return s, mock, pg
}

func signedCallback(body string, ts int64, secret string) CallbackRequest {
	h := http.Header{}
	h.Set("x-opsbridge-ts", strconv.FormatInt(ts, 10))
	h.Set("x-opsbridge-signature", Sign(secret, ts, []byte(body)))
	return CallbackRequest{Headers: h, Body: []byte(body), RequestID: "req-1"}
}

func expectTicketLock(mock sqlmock.Sqlmock, status string) {
	mock.ExpectQuery("FROM tickets WHERE ticket_id = \\$1 AND hotel_id = \\$2 LIMIT 2 FOR UPDATE").
		WithArgs("OPS-1042", testHotelID).
		WillReturnRows(ticketRows(status))
}

const analysisReadyBody = `{
	"event_id": "evt-100",
	"event_type": "analysis_ready",
	"ticket_id": "OPS-1042",
	"hotel_id": "` + testHotelID + `",
	"note": "<b>Root cause</b> identified",
	"metadata": {"owner": "night-shift", "nested": {"x": 1}}
}`

func TestCallbackService_Authenticate(t *testing.T) {
	s, _, pg := newTestCallbackService(t, testSecret)
	defer pg.Close()

	body := `{"event_id":"evt-1"}`
	valid := signedCallback(body, testNow.Unix(), testSecret)

	tests := []struct {
		name    string
		headers func() http.Header
		wantErr error
	}{
		{
			name:    "valid",
			headers: func() http.Header { return valid.Headers },
		},
		{
			name: "missing signature",
			headers: func() http.Header {
				h := valid.Headers.Clone()
				h.Del("x-opsbridge-signature")
				return h
			},
			wantErr: ErrAuth,
		},
		{
			name: "missing timestamp",
			headers: func() http.Header {
				h := valid.Headers.Clone()
				h.Del("x-opsbridge-ts")
				return h
			},
			wantErr: ErrAuth,
		},
		{
			name:    "wrong secret",
			headers: func() http.Header { return signedCallback(body, testNow.Unix(), "other").Headers },
			wantErr: ErrAuth,
		},
		{
			name: "garbage timestamp",
			headers: func() http.Header {
				h := valid.Headers.Clone()
				h.Set("x-opsbridge-ts", "yesterday")
				return h
			},
			wantErr: ErrAuth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Authenticate(tt.headers(), []byte(body))
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

// A request captured and replayed 301 seconds later is refused even though the
// identical bytes were accepted when fresh.
func TestCallbackService_ReplayRejectedAfter301Seconds(t *testing.T) {
	s, mock, pg := newTestCallbackService(t, testSecret)
	defer pg.Close()

	captured := signedCallback(analysisReadyBody, testNow.Unix(), testSecret)
	assert.NoError(t, s.Authenticate(captured.Headers, captured.Body))

	s.now = func() time.Time { return testNow.Add(301 * time.Second) }
	_, err := s.Receive(context.Background(), captured)
	assert.True(t, errors.Is(err, ErrAuth))
	assert.Equal(t, http.StatusUnauthorized, StatusForError(err))

	// no side effects on rejected requests
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCallbackService_RequiresSecret(t *testing.T) {
	s, mock, pg := newTestCallbackService(t, "")
	defer pg.Close()

	_, err := s.Receive(context.Background(), signedCallback(analysisReadyBody, testNow.Unix(), testSecret))
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.Equal(t, http.StatusInternalServerError, StatusForError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestParseCallback(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid readable id", `{"event_id":"e1","event_type":"triaged","ticket_id":"OPS-1"}`, false},
		{"valid uuid", `{"event_id":"e1","event_type":"resolved","ticket_uuid":"` + testTicketID + `"}`, false},
		{"malformed json", `{"event_id":`, true},
		{"unsupported event type", `{"event_id":"e1","event_type":"deleted","ticket_id":"OPS-1"}`, true},
		{"missing event id", `{"event_type":"triaged","ticket_id":"OPS-1"}`, true},
		{"missing ticket", `{"event_id":"e1","event_type":"triaged"}`, true},
		{"bad ticket uuid", `{"event_id":"e1","event_type":"triaged","ticket_uuid":"nope"}`, true},
		{"bad hotel id", `{"event_id":"e1","event_type":"triaged","ticket_id":"OPS-1","hotel_id":"h1"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseCallback([]byte(tt.body))
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrValidation), "got %v", err)
				assert.Nil(t, p)
				return
			}
			assert.NoError(t, err)
			assert.NotNil(t, p)
		})
	}
}

func TestTicketStatusForCallback(t *testing.T) {
	tests := map[string]db.TicketStatus{
		"triaged":           db.TicketStatusTriaged,
		"analysis_ready":    db.TicketStatusInProgress,
		"solution_proposed": db.TicketStatusFixed,
		"resolved":          db.TicketStatusClosed,
		"needs_human":       db.TicketStatusNeedsHuman,
		"something_new":     db.TicketStatusNeedsHuman,
	}
	for eventType, want := range tests {
		assert.Equal(t, want, TicketStatusForCallback(eventType), eventType)
	}
}

// The same signed body delivered twice moves the ticket once; the second
// delivery stops at the inbox unique constraint.
func TestCallbackService_IdempotentDelivery(t *testing.T) {
	s, mock, pg := newTestCallbackService(t, testSecret)
	defer pg.Close()

	req := signedCallback(analysisReadyBody, testNow.Unix(), testSecret)

	// first delivery
	mock.ExpectBegin()
	expectTicketLock(mock, "triaged")
	mock.ExpectQuery("INSERT INTO bridge_inbox").
		WithArgs(testHotelID, "evt-100", "analysis_ready", "OPS-1042", sqlmock.AnyArg(), testNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("inbox-1"))
	mock.ExpectExec("INSERT INTO ticket_events").
		WithArgs(testHotelID, testTicketID, "callback_received", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE tickets SET status = \\$1, metadata = \\$2").
		WithArgs("in_progress", `{"owner":"night-shift","room":"204"}`, testNow, testTicketID, testHotelID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ticket_events").
		WithArgs(testHotelID, testTicketID, "callback_processed",
			`{"event_id":"evt-100","event_type":"analysis_ready","from":"triaged","note":"Root cause identified","to":"in_progress"}`,
			db.SystemActorBridge).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE bridge_inbox SET status = 'processed'").
		WithArgs(testNow, "inbox-1", testHotelID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("INSERT INTO bridge_logs").
		WithArgs(testHotelID, "inbound", "evt-100", "analysis_ready", testTicketID, "req-1",
			"success", 200, sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	first, err := s.Receive(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, db.TicketStatusInProgress, first.Status)

	// second delivery of the same bytes
	mock.ExpectBegin()
	expectTicketLock(mock, "in_progress")
	mock.ExpectQuery("INSERT INTO bridge_inbox").
		WithArgs(testHotelID, "evt-100", "analysis_ready", "OPS-1042", sqlmock.AnyArg(), testNow).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()
	mock.ExpectExec("INSERT INTO bridge_logs").
		WithArgs(testHotelID, "inbound", "evt-100", "analysis_ready", nil, "req-1",
			"ignored", 200, sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	second, err := s.Receive(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCallbackService_UnknownTicket(t *testing.T) {
	s, mock, pg := newTestCallbackService(t, testSecret)
	defer pg.Close()

	body := `{"event_id":"evt-200","event_type":"triaged","ticket_id":"OPS-404","hotel_id":"` + testHotelID + `"}`

	mock.ExpectBegin()
	mock.ExpectQuery("FROM tickets WHERE ticket_id = \\$1 AND hotel_id = \\$2").
		WithArgs("OPS-404", testHotelID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("INSERT INTO bridge_inbox").
		WithArgs(testHotelID, "evt-200", "triaged", "OPS-404", sqlmock.AnyArg(), testNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("inbox-2"))
	mock.ExpectExec("UPDATE bridge_inbox SET status = 'failed'").
		WithArgs("ticket not found", testNow, "inbox-2", testHotelID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("INSERT INTO bridge_logs").
		WithArgs(testHotelID, "inbound", "evt-200", "triaged", nil, "req-1",
			"error", 404, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := s.Receive(context.Background(), signedCallback(body, testNow.Unix(), testSecret))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, http.StatusNotFound, StatusForError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCallbackService_RedeliveryWithoutTenant(t *testing.T) {
	s, mock, pg := newTestCallbackService(t, testSecret)
	defer pg.Close()

	body := `{"event_id":"evt-300","event_type":"resolved","ticket_id":"OPS-77"}`

	// ticket deleted since the first delivery, event already in the inbox
	mock.ExpectBegin()
	mock.ExpectQuery("FROM tickets WHERE ticket_id = \\$1 LIMIT 2 FOR UPDATE").
		WithArgs("OPS-77").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT hotel_id FROM bridge_inbox WHERE event_id = \\$1").
		WithArgs("evt-300").
		WillReturnRows(sqlmock.NewRows([]string{"hotel_id"}).AddRow(testHotelID))
	mock.ExpectRollback()
	mock.ExpectExec("INSERT INTO bridge_logs").
		WithArgs(testHotelID, "inbound", "evt-300", "resolved", nil, "req-1",
			"ignored", 200, sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	result, err := s.Receive(context.Background(), signedCallback(body, testNow.Unix(), testSecret))
	require.NoError(t, err)
	assert.True(t, result.Duplicate)

	// never seen before: not found, nothing recorded in the inbox
	body = `{"event_id":"evt-301","event_type":"resolved","ticket_id":"OPS-77"}`
	mock.ExpectBegin()
	mock.ExpectQuery("FROM tickets WHERE ticket_id = \\$1 LIMIT 2 FOR UPDATE").
		WithArgs("OPS-77").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT hotel_id FROM bridge_inbox WHERE event_id = \\$1").
		WithArgs("evt-301").
		WillReturnRows(sqlmock.NewRows([]string{"hotel_id"}))
	mock.ExpectRollback()
	mock.ExpectExec("INSERT INTO bridge_logs").
		WithArgs(nil, "inbound", "evt-301", "resolved", nil, "req-1",
			"error", 404, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err = s.Receive(context.Background(), signedCallback(body, testNow.Unix(), testSecret))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCallbackService_RejectedTransitionIsIgnored(t *testing.T) {
	s, mock, pg := newTestCallbackService(t, testSecret)
	defer pg.Close()

	body := `{"event_id":"evt-300","event_type":"triaged","ticket_id":"OPS-1042","hotel_id":"` + testHotelID + `"}`

	mock.ExpectBegin()
	expectTicketLock(mock, "closed")
	mock.ExpectQuery("INSERT INTO bridge_inbox").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("inbox-3"))
	mock.ExpectExec("INSERT INTO ticket_events").
		WithArgs(testHotelID, testTicketID, "callback_received", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ticket_events").
		WithArgs(testHotelID, testTicketID, "callback_ignored", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE bridge_inbox SET status = 'processed'").
		WithArgs(testNow, "inbox-3", testHotelID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("INSERT INTO bridge_logs").
		WithArgs(testHotelID, "inbound", "evt-300", "triaged", testTicketID, "req-1",
			"ignored", 200, sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	result, err := s.Receive(context.Background(), signedCallback(body, testNow.Unix(), testSecret))
	require.NoError(t, err)
	assert.True(t, result.Ignored)
	assert.Equal(t, db.TicketStatusClosed, result.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCallbackService_ValidationFailureIsLogged(t *testing.T) {
	s, mock, pg := newTestCallbackService(t, testSecret)
	defer pg.Close()

	body := `{"event_id":"evt-400","event_type":"escalated","ticket_id":"OPS-1042"}`

	mock.ExpectExec("INSERT INTO bridge_logs").
		WithArgs(nil, "inbound", nil, nil, nil, "req-1", "error", 400, sqlmock.AnyArg(), sqlmock.AnyArg(), "{}").
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := s.Receive(context.Background(), signedCallback(body, testNow.Unix(), testSecret))
	assert.True(t, errors.Is(err, ErrValidation))
	assert.NoError(t, mock.ExpectationsWereMet())
}
