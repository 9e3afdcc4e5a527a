package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phonginreallife/opsbridge/services"
	"github.com/stretchr/testify/assert"
)

type countingDispatcher struct {
	calls  int32
	cancel context.CancelFunc
	stopAt int32
}

func (d *countingDispatcher) Dispatch(ctx context.Context, req services.DispatchRequest) (services.DispatchResult, error) {
	if atomic.AddInt32(&d.calls, 1) >= d.stopAt {
		d.cancel()
	}
	return services.DispatchResult{}, errors.New("partner unavailable")
}

type countingAutopilot struct {
	calls int32
	req   services.AutopilotRequest
}

func (a *countingAutopilot) Run(ctx context.Context, req services.AutopilotRequest) (*services.AutopilotResult, error) {
	atomic.AddInt32(&a.calls, 1)
	a.req = req
	return &services.AutopilotResult{}, nil
}

func TestNotificationWorker_KeepsRunningAfterErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &countingDispatcher{cancel: cancel, stopAt: 3}

	done := make(chan struct{})
	go func() {
		NewNotificationWorker(d, time.Millisecond).StartNotificationWorker(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&d.calls), int32(3))
}

func TestIncidentWorker_RunsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &countingAutopilot{}

	done := make(chan struct{})
	go func() {
		NewIncidentWorker(a, nil, time.Hour, time.Hour).StartAutopilotWorker(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&a.calls) == 1 }, 5*time.Second, time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, services.AutopilotRequest{}, a.req)
}
