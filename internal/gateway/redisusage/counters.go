// Package redisusage tracks the contended per-tenant daily call/spend
// counters in Redis. Updates are plain INCR / INCRBYFLOAT so many concurrent
// pipeline executions never lose an update; no locking happens on this side.
package redisusage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"callcast/internal/gateway"
	"callcast/internal/joberr"
)

// Counter keys live for two days so yesterday's numbers survive a midnight
// rollover read but stale tenants don't accumulate keys.
const keyTTL = 48 * time.Hour

type Counters struct {
	RDB *redis.Client
}

func New(rdb *redis.Client) *Counters { return &Counters{RDB: rdb} }

func callsKey(tenantID string, day time.Time) string {
	return fmt.Sprintf("usage:%s:%s:calls", tenantID, day.UTC().Format("2006-01-02"))
}

func spendKey(tenantID string, day time.Time) string {
	return fmt.Sprintf("usage:%s:%s:spend", tenantID, day.UTC().Format("2006-01-02"))
}

// DailyUsage reads the tenant's counters for the given day. Absent keys read
// as zero.
func (c *Counters) DailyUsage(ctx context.Context, tenantID string, day time.Time) (gateway.DailyUsage, error) {
	vals, err := c.RDB.MGet(ctx, callsKey(tenantID, day), spendKey(tenantID, day)).Result()
	if err != nil {
		return gateway.DailyUsage{}, joberr.Wrap(err, joberr.ServiceUnavailable, "read daily usage")
	}

	var out gateway.DailyUsage
	if s, ok := vals[0].(string); ok {
		out.Calls, _ = strconv.Atoi(s)
	}
	if s, ok := vals[1].(string); ok {
		out.Spend, _ = strconv.ParseFloat(s, 64)
	}
	return out, nil
}

// RecordCall atomically adds one placed call and its cost to the tenant's
// counters for the day.
func (c *Counters) RecordCall(ctx context.Context, tenantID string, cost float64, day time.Time) error {
	ck, sk := callsKey(tenantID, day), spendKey(tenantID, day)
	pipe := c.RDB.TxPipeline()
	pipe.Incr(ctx, ck)
	pipe.IncrByFloat(ctx, sk, cost)
	pipe.Expire(ctx, ck, keyTTL)
	pipe.Expire(ctx, sk, keyTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Open initializes a Redis client and verifies connectivity.
func Open(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}
