package pushnotification

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kazz187/bugyo/internal/eventbus"
	"github.com/kazz187/bugyo/internal/worker"
)

// Dispatcher watches the worker event stream and sends a push notification
// whenever a worker needs a human decision or fails.
type Dispatcher struct {
	bus    *eventbus.Bus[worker.Event]
	sender *Sender
}

func NewDispatcher(bus *eventbus.Bus[worker.Event], sender *Sender) *Dispatcher {
	return &Dispatcher{
		bus:    bus,
		sender: sender,
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	subID, ch := d.bus.Subscribe(256)
	defer d.bus.Unsubscribe(subID)

	slog.Info("push notification dispatcher started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("push notification dispatcher stopped")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			switch event.Type {
			case worker.EventPermissionRequested:
				d.handlePermissionRequested(ctx, event)
			case worker.EventError:
				d.handleError(ctx, event)
			}
		}
	}
}

func (d *Dispatcher) handlePermissionRequested(ctx context.Context, event worker.Event) {
	if event.Request == nil {
		return
	}
	d.sender.SendToAll(ctx, &NotificationPayload{
		Title: "Permission Request",
		Body:  fmt.Sprintf("Worker %d is waiting for approval on step %q", event.WorkerID, event.Request.StepName),
		URL:   fmt.Sprintf("/workers/%d", event.WorkerID),
		Tag:   fmt.Sprintf("permission-%d", event.Request.ID),
	})
}

func (d *Dispatcher) handleError(ctx context.Context, event worker.Event) {
	if event.WorkerID == 0 {
		return
	}
	d.sender.SendToAll(ctx, &NotificationPayload{
		Title: "Worker Failed",
		Body:  event.Message,
		URL:   fmt.Sprintf("/workers/%d", event.WorkerID),
		Tag:   fmt.Sprintf("error-%d", event.WorkerID),
	})
}
