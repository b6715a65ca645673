package subscription

import (
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
	"go.uber.org/zap"
)

const dedupeTTL = time.Hour * 24

// Deduper suppresses duplicate provider webhook deliveries by event id.
// It is best-effort: when Redis is unreachable the event is processed
// anyway, since the upserts downstream are idempotent.
type Deduper struct {
	redis  redis.UniversalClient
	logger *zap.Logger
}

// NewDeduper returns a webhook event deduplication guard
func NewDeduper(logger *zap.Logger, rdb redis.UniversalClient) (*Deduper, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if rdb == nil {
		return nil, fmt.Errorf("nil Redis is invalid")
	}
	return &Deduper{
		redis:  rdb,
		logger: logger,
	}, nil
}

// FirstDelivery reports whether this event id has not been processed yet
func (d *Deduper) FirstDelivery(eventID string) bool {
	ok, err := d.redis.SetNX("stripe_event:"+eventID, 1, dedupeTTL).Result()
	if err != nil {
		d.logger.Warn("Event dedupe unavailable, processing anyway",
			zap.String("EventID", eventID),
			zap.Error(err),
		)
		return true
	}
	return ok
}
