package counter

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rentalyze/rentalyze/internal/pkg/cache"
	"github.com/rentalyze/rentalyze/internal/pkg/database"
)

const (
	purchasesCompletedKey = "stats:counters:purchases_completed"
	creditsGrantedKey     = "stats:counters:credits_granted"
	jobsCompletedKey      = "stats:counters:jobs_completed"
	jobsFailedKey         = "stats:counters:jobs_failed"
)

// day returns the UTC day bucket used as the hash field.
func day() string {
	return time.Now().UTC().Format("2006-01-02")
}

// pair is one drained day bucket.
type pair struct {
	day string
	inc int64
}

// AddPurchaseCompleted increments the pending purchase counter in Redis
func AddPurchaseCompleted() error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, purchasesCompletedKey, day(), 1).Err()
}

// AddCreditsGranted increments the pending granted-credits counter in Redis
func AddCreditsGranted(credits int64) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, creditsGrantedKey, day(), credits).Err()
}

// AddJobCompleted increments the pending completed-jobs counter in Redis
func AddJobCompleted() error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, jobsCompletedKey, day(), 1).Err()
}

// AddJobFailed increments the pending failed-jobs counter in Redis
func AddJobFailed() error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, jobsFailedKey, day(), 1).Err()
}

// FlushAll flushes all pending counters to the daily_stats table
func FlushAll() error {
	if err := flushHashToColumn(purchasesCompletedKey, "purchases_completed"); err != nil {
		return err
	}
	if err := flushHashToColumn(creditsGrantedKey, "credits_granted"); err != nil {
		return err
	}
	if err := flushHashToColumn(jobsCompletedKey, "jobs_completed"); err != nil {
		return err
	}
	if err := flushHashToColumn(jobsFailedKey, "jobs_failed"); err != nil {
		return err
	}
	return nil
}

// flushHashToColumn drains a Redis hash atomically and applies batched increments
// to the daily_stats table. Uses RENAME to a temporary key for atomic drain
// without losing in-flight increments.
func flushHashToColumn(redisKey, column string) error {
	ctx := context.Background()
	rdb := cache.GetClient()

	// Atomically move the hash to a temp key for draining
	tmpKey := fmt.Sprintf("%s:tmp:%d", redisKey, time.Now().UnixNano())
	if err := rdb.Do(ctx, "RENAME", redisKey, tmpKey).Err(); err != nil {
		// If key does not exist, nothing to flush
		if strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return nil
		}
		if err.Error() == "redis: nil" {
			return nil
		}
		return err
	}

	data, err := rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		// Keep the temp key; the drained counters are still recoverable.
		return err
	}
	if len(data) == 0 {
		rdb.Del(ctx, tmpKey)
		return nil
	}

	pairs := make([]pair, 0, len(data))
	for k, v := range data {
		inc, ierr := strconv.ParseInt(v, 10, 64)
		if ierr != nil || inc == 0 {
			continue
		}
		pairs = append(pairs, pair{day: k, inc: inc})
	}
	if len(pairs) == 0 {
		rdb.Del(ctx, tmpKey)
		return nil
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].day < pairs[j].day })

	// One upsert per day bucket; in practice this is a single row per flush
	db := database.GetDB()
	sql := fmt.Sprintf(
		"INSERT INTO daily_stats (day, %s, created_at, updated_at) VALUES (?, ?, NOW(), NOW()) "+
			"ON DUPLICATE KEY UPDATE %s = %s + VALUES(%s), updated_at = NOW()",
		column, column, column, column)
	for i, p := range pairs {
		if err := db.Exec(sql, p.day, p.inc).Error; err != nil {
			// Merge the unapplied buckets back into the live hash so the
			// next flush retries them; drop the temp key only when the
			// merge fully lands.
			if requeuePairs(ctx, rdb, redisKey, pairs[i:]) {
				rdb.Del(ctx, tmpKey)
			}
			return err
		}
	}
	rdb.Del(ctx, tmpKey)
	return nil
}

func requeuePairs(ctx context.Context, rdb *redis.Client, redisKey string, pairs []pair) bool {
	for _, p := range pairs {
		if err := rdb.HIncrBy(ctx, redisKey, p.day, p.inc).Err(); err != nil {
			return false
		}
	}
	return true
}
