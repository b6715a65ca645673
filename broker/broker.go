package broker

import (
	"context"
	"time"
)

// EventType labels subscription lifecycle transitions published for
// downstream consumers
type EventType string

// Defining lifecycle event types
const (
	EventSubscriptionActivated EventType = "SubscriptionActivated"
	EventSubscriptionCanceled  EventType = "SubscriptionCanceled"
	EventTrialExtended         EventType = "TrialExtended"
	EventPlanChanged           EventType = "PlanChanged"
	EventCheckoutLinkIssued    EventType = "CheckoutLinkIssued"
)

// Event is the message published on subscription lifecycle transitions
type Event struct {
	Type                 EventType `json:"type"`
	StripeSubscriptionID string    `json:"stripeSubscriptionId,omitempty"`
	RestaurantID         string    `json:"restaurantId,omitempty"`
	RestaurantName       string    `json:"restaurantName,omitempty"`
	ProfileID            string    `json:"profileId,omitempty"`
	PlanID               string    `json:"planId,omitempty"`
	SalesRepSlackID      string    `json:"salesRepSlackId,omitempty"`
	OccurredAt           time.Time `json:"occurredAt"`
}

// Producer defines the interface for publishing lifecycle events
type Producer interface {
	Close()
	PublishEvent(e *Event) error
}

// Consumer defines the interface for receiving lifecycle events
type Consumer interface {
	Close()
	ReceiveEvents(ctx context.Context, queue string) (<-chan *Event, error)
}
