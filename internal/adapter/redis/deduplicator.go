package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Deduplicator remembers EventSub message ids for ttl so that redeliveries
// are acknowledged without being processed twice.
type Deduplicator struct {
	rdb *goredis.Client
	ttl time.Duration
}

func NewDeduplicator(rdb *goredis.Client, ttl time.Duration) *Deduplicator {
	return &Deduplicator{rdb: rdb, ttl: ttl}
}

// FirstDelivery records messageID and reports whether it was new.
func (d *Deduplicator) FirstDelivery(ctx context.Context, messageID string) (bool, error) {
	args := goredis.SetArgs{TTL: d.ttl, Mode: "NX"}
	_, err := d.rdb.SetArgs(ctx, dedupeKey(messageID), "1", args).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record message id: %w", err)
	}
	return true, nil
}

func dedupeKey(messageID string) string {
	return "eventsub:message:" + messageID
}
