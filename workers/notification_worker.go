package workers

import (
	"context"
	"time"

	"github.com/phonginreallife/opsbridge/services"
)

type outboxDispatcher interface {
	Dispatch(ctx context.Context, req services.DispatchRequest) (services.DispatchResult, error)
}

// NotificationWorker delivers queued partner notifications from the outbox
type NotificationWorker struct {
	Dispatcher outboxDispatcher
	Interval   time.Duration
}

func NewNotificationWorker(dispatcher outboxDispatcher, interval time.Duration) *NotificationWorker {
	return &NotificationWorker{
		Dispatcher: dispatcher,
		Interval:   interval,
	}
}

// StartNotificationWorker runs dispatcher passes until ctx is cancelled
func (w *NotificationWorker) StartNotificationWorker(ctx context.Context) {
	runEvery(ctx, "Notification", w.Interval, func(ctx context.Context) error {
		_, err := w.Dispatcher.Dispatch(ctx, services.DispatchRequest{})
		return err
	})
}
