package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/echelon-core/echelon/internal/domain"
	"github.com/redis/go-redis/v9"
)

// recencyMaxLen bounds how many signals are retained per topic, independent
// of the lookback window, so a bursty feed cannot grow a sorted set forever.
const recencyMaxLen = 5000

// RecencyIndex implements domain.RecencyIndex using a Redis sorted set per
// topic, scored by signal timestamp. Window aggregates directly off the
// members in range rather than maintaining a separate rollup, since the
// per-topic sets are kept small by recencyMaxLen.
type RecencyIndex struct {
	rdb *redis.Client
}

// NewRecencyIndex creates a RecencyIndex backed by the given Client.
func NewRecencyIndex(c *Client) *RecencyIndex {
	return &RecencyIndex{rdb: c.Underlying()}
}

func recencyKey(topic string) string {
	return "recency:" + topic
}

// Record adds a signal to its topic's sorted set, scored by its timestamp,
// and trims the set to recencyMaxLen members.
func (ri *RecencyIndex) Record(ctx context.Context, sig domain.Signal) error {
	key := recencyKey(sig.Topic)
	member := fmt.Sprintf("%d|%s|%s", sig.Timestamp.UnixNano(), sig.ID, strconv.FormatFloat(sig.Confidence, 'f', -1, 64))

	pipe := ri.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(sig.Timestamp.UnixNano()), Member: member})
	pipe.ZRemRangeByRank(ctx, key, 0, -recencyMaxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: record signal %s/%s: %w", sig.Topic, sig.ID, err)
	}
	return nil
}

// Window aggregates the signals recorded for topic within the last lookback
// duration into a RecencyWindow. It returns a zero-count window (not an
// error) when nothing has been recorded for the topic in range.
func (ri *RecencyIndex) Window(ctx context.Context, topic string, lookback time.Duration) (domain.RecencyWindow, error) {
	key := recencyKey(topic)
	now := time.Now()
	minScore := strconv.FormatInt(now.Add(-lookback).UnixNano(), 10)

	members, err := ri.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: minScore,
		Max: "+inf",
	}).Result()
	if err != nil {
		return domain.RecencyWindow{}, fmt.Errorf("redis: window %s: %w", topic, err)
	}

	win := domain.RecencyWindow{Topic: topic}
	if len(members) == 0 {
		return win, nil
	}

	var confidenceSum float64
	for i, m := range members {
		parts := strings.SplitN(m, "|", 3)
		if len(parts) != 3 {
			continue
		}
		tsNano, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			continue
		}
		confidence, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			continue
		}
		ts := time.Unix(0, tsNano)
		if i == 0 {
			win.OldestTS = ts
		}
		win.NewestTS = ts
		confidenceSum += confidence
		win.Count++
	}
	if win.Count > 0 {
		win.MeanConfidence = confidenceSum / float64(win.Count)
	}

	return win, nil
}

// Compile-time interface check.
var _ domain.RecencyIndex = (*RecencyIndex)(nil)
