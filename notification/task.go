package notification

import (
	"context"
	"fmt"

	"github.com/menulab/billing/broker"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const eventQueue = "billing_notifications"

// TaskOptions contains the configuration for a notification Task
type TaskOptions struct {
	Consumer broker.Consumer
	Notifier Notifier
	Logger   *zap.Logger
}

// Task consumes subscription lifecycle events and relays them to the
// sales team
type Task struct {
	TaskOptions
}

// NewTask returns a notification dispatch worker
func NewTask(option TaskOptions) (*Task, error) {
	if option.Consumer == nil {
		return nil, fmt.Errorf("nil Consumer is invalid")
	}
	if option.Notifier == nil {
		return nil, fmt.Errorf("nil Notifier is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Task{
		TaskOptions: option,
	}, nil
}

// HandleEvents subscribes to lifecycle events and dispatches
// notifications until the context is canceled
func (t *Task) HandleEvents(ctx context.Context) error {
	eChan, err := t.Consumer.ReceiveEvents(ctx, eventQueue)
	if err != nil {
		return extErrors.Wrap(err, "Cannot get lifecycle event channel")
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-eChan:
				if !ok {
					return
				}
				t.dispatch(ctx, event)
			}
		}
	}()
	return nil
}

func (t *Task) dispatch(ctx context.Context, event *broker.Event) {
	message := formatMessage(event)
	if len(message) == 0 {
		return
	}
	if err := t.Notifier.Notify(ctx, event.SalesRepSlackID, message); err != nil {
		t.Logger.Error("Unable to dispatch notification",
			zap.String("EventType", string(event.Type)),
			zap.String("RestaurantID", event.RestaurantID),
			zap.Error(err),
		)
	}
}

func formatMessage(event *broker.Event) string {
	name := event.RestaurantName
	if len(name) == 0 {
		name = event.RestaurantID
	}
	switch event.Type {
	case broker.EventCheckoutLinkIssued:
		return fmt.Sprintf("Checkout link issued for %s", name)
	case broker.EventSubscriptionActivated:
		return fmt.Sprintf("Subscription activated for %s", name)
	case broker.EventSubscriptionCanceled:
		return fmt.Sprintf("Subscription canceled for %s", name)
	case broker.EventTrialExtended:
		return fmt.Sprintf("Trial extended for subscription %s", event.StripeSubscriptionID)
	case broker.EventPlanChanged:
		return fmt.Sprintf("Plan changed for subscription %s", event.StripeSubscriptionID)
	}
	return ""
}
