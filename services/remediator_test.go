package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redis/v8"
	"github.com/phonginreallife/opsbridge/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	pushed     map[string][]interface{}
	published  map[string]interface{}
	pushErr    error
	publishErr error
}

func (f *fakeRedis) RPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	if f.pushErr != nil {
		return redis.NewIntResult(0, f.pushErr)
	}
	if f.pushed == nil {
		f.pushed = map[string][]interface{}{}
	}
	f.pushed[key] = append(f.pushed[key], values...)
	return redis.NewIntResult(int64(len(f.pushed[key])), nil)
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	if f.publishErr != nil {
		return redis.NewIntResult(0, f.publishErr)
	}
	if f.published == nil {
		f.published = map[string]interface{}{}
	}
	f.published[channel] = message
	return redis.NewIntResult(1, nil)
}

type fakeNATS struct {
	subject string
	data    []byte
	err     error
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.subject = subject
	f.data = data
	return f.err
}

var syncAction = RemediationAction{ActionKey: ActionRetrySyncJob, ServiceKey: ServiceSyncPipeline, Cooldown: 10 * time.Minute}

func TestRedisSignalRemediator(t *testing.T) {
	rdb := &fakeRedis{}
	r := &RedisSignalRemediator{Redis: rdb, now: func() time.Time { return testNow }}

	err := r.Execute(context.Background(), testIncident(db.IncidentSourceSync, db.SeverityMedium), syncAction)
	require.NoError(t, err)

	queued := rdb.pushed["remediation:queue:sync_pipeline"]
	require.Len(t, queued, 1)

	var signal RemediationSignal
	require.NoError(t, json.Unmarshal(queued[0].([]byte), &signal))
	assert.Equal(t, testHotelID, signal.HotelID)
	assert.Equal(t, testIncidentID, signal.IncidentID)
	assert.Equal(t, ActionRetrySyncJob, signal.ActionKey)
	assert.Equal(t, "medium", signal.Severity)
	assert.True(t, signal.IssuedAt.Equal(testNow))
	assert.Contains(t, rdb.published, "remediation.sync_pipeline")
}

func TestRedisSignalRemediator_Errors(t *testing.T) {
	incident := testIncident(db.IncidentSourceSync, db.SeverityMedium)

	r := &RedisSignalRemediator{Redis: &fakeRedis{pushErr: errors.New("connection refused")}, now: time.Now}
	err := r.Execute(context.Background(), incident, syncAction)
	assert.ErrorContains(t, err, "failed to queue signal")

	// a queued signal is enough even when the wake-up publish fails
	r = &RedisSignalRemediator{Redis: &fakeRedis{publishErr: errors.New("readonly")}, now: time.Now}
	assert.NoError(t, r.Execute(context.Background(), incident, syncAction))
}

func TestNATSSignalRemediator(t *testing.T) {
	conn := &fakeNATS{}
	r := NewNATSSignalRemediator(conn)

	require.NoError(t, r.Execute(context.Background(), testIncident(db.IncidentSourceSync, db.SeverityMedium), syncAction))
	assert.Equal(t, "remediation.sync_pipeline", conn.subject)
	assert.Contains(t, string(conn.data), `"action_key":"retry_sync_job"`)

	conn.err = errors.New("nats: connection closed")
	err := r.Execute(context.Background(), testIncident(db.IncidentSourceSync, db.SeverityMedium), syncAction)
	assert.ErrorContains(t, err, "failed to publish signal")
}

func TestSQLSignalRemediator(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	r := NewSQLSignalRemediator(pg)
	r.now = func() time.Time { return testNow }

	mock.ExpectExec("INSERT INTO service_signals").
		WithArgs(sqlmock.AnyArg(), testHotelID, testIncidentID, ServiceSyncPipeline, ActionRetrySyncJob, sqlmock.AnyArg(), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, r.Execute(context.Background(), testIncident(db.IncidentSourceSync, db.SeverityMedium), syncAction))
	assert.NoError(t, mock.ExpectationsWereMet())
}
