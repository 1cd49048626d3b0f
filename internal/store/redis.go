package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/p2pool-tools/p2pool-exporter/internal/util"
)

const (
	keyPrefix = "p2pe:"

	// Key patterns
	keyMiner = keyPrefix + "miner:%s"
	keyPool  = keyPrefix + "pool"
	keyRates = keyPrefix + "rates"
)

// Miner hash fields
const (
	fieldLastShareHeight = "lastShareHeight"
	fieldLastShareTS     = "lastShareTimestamp"
	fieldHashrate        = "hashrate"
	fieldSideblocks      = "sideblocksInWindow"
	fieldTotalBlocks     = "totalBlocks"
	fieldPayouts         = "payouts"
	fieldLastPayoutID    = "lastPayoutID"
	fieldRaffleHour      = "raffleHour"
	fieldRaffleDay       = "raffleDay"
)

// Pool hash fields
const (
	fieldDiffMain       = "difficultyMain"
	fieldDiffSide       = "difficultySide"
	fieldSideblockCount = "sideblockCount"
	fieldFoundCount     = "foundCount"
	fieldOrphanedCount  = "orphanedCount"
)

// RedisStore wraps Redis operations for the exporter. Miner keys carry a TTL
// refreshed on every successful write; pool and rate keys do not expire.
type RedisStore struct {
	client   *redis.Client
	minerTTL time.Duration
}

// NewRedisStore connects to Redis and verifies the connection. An unreachable
// store at startup is fatal to the process, so the constructor pings.
func NewRedisStore(url, password string, db int, minerTTL time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Info("Connected to Redis at ", url)
	return &RedisStore{client: client, minerTTL: minerTTL}, nil
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Ping checks store availability
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// WriteMinerPerformance stores the last share height and timestamp for a
// wallet. A zero or regressing timestamp never overwrites the stored one:
// transient upstream omissions must not reset the visible metric.
func (r *RedisStore) WriteMinerPerformance(ctx context.Context, address string, lastShareHeight uint64, lastShareTimestamp int64) error {
	key := fmt.Sprintf(keyMiner, address)

	stored, err := r.client.HGet(ctx, key, fieldLastShareTS).Int64()
	if err != nil && err != redis.Nil {
		return err
	}
	if lastShareTimestamp < stored {
		lastShareTimestamp = stored
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, fieldLastShareHeight, lastShareHeight)
	pipe.HSet(ctx, key, fieldLastShareTS, lastShareTimestamp)
	pipe.Expire(ctx, key, r.minerTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// WriteMinerHashrate stores the estimated hashrate and the sideblock count
// for the current window. Both are gauges, last write wins.
func (r *RedisStore) WriteMinerHashrate(ctx context.Context, address string, hashrate float64, sideblocks int) error {
	key := fmt.Sprintf(keyMiner, address)

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, fieldHashrate, hashrate)
	pipe.HSet(ctx, key, fieldSideblocks, sideblocks)
	pipe.Expire(ctx, key, r.minerTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// WriteMinerRaffle stores the bonus hashrate rates for a wallet
func (r *RedisStore) WriteMinerRaffle(ctx context.Context, address string, hour, day float64) error {
	key := fmt.Sprintf(keyMiner, address)

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, fieldRaffleHour, hour)
	pipe.HSet(ctx, key, fieldRaffleDay, day)
	pipe.Expire(ctx, key, r.minerTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// WriteMinerTotalBlocks stores the monotonic block accumulator. A fetched
// value lower than the stored one is rejected rather than written; rejection
// is reported so the caller can log the anomaly.
func (r *RedisStore) WriteMinerTotalBlocks(ctx context.Context, address string, totalBlocks uint64) (bool, error) {
	key := fmt.Sprintf(keyMiner, address)

	stored, err := r.client.HGet(ctx, key, fieldTotalBlocks).Uint64()
	if err != nil && err != redis.Nil {
		return false, err
	}

	pipe := r.client.Pipeline()
	rejected := totalBlocks < stored
	if !rejected {
		pipe.HSet(ctx, key, fieldTotalBlocks, totalBlocks)
	}
	pipe.Expire(ctx, key, r.minerTTL)
	_, err = pipe.Exec(ctx)
	return rejected, err
}

// WriteMinerPayouts stores the monotonic accumulated payout total together
// with the dedup marker of the newest ingested record. A total lower than the
// stored one is rejected; the marker still advances so the same records are
// not folded in twice.
func (r *RedisStore) WriteMinerPayouts(ctx context.Context, address string, payouts uint64, lastPayoutID string) (bool, error) {
	key := fmt.Sprintf(keyMiner, address)

	stored, err := r.client.HGet(ctx, key, fieldPayouts).Uint64()
	if err != nil && err != redis.Nil {
		return false, err
	}

	pipe := r.client.Pipeline()
	rejected := payouts < stored
	if !rejected {
		pipe.HSet(ctx, key, fieldPayouts, payouts)
	}
	if lastPayoutID != "" {
		pipe.HSet(ctx, key, fieldLastPayoutID, lastPayoutID)
	}
	pipe.Expire(ctx, key, r.minerTTL)
	_, err = pipe.Exec(ctx)
	return rejected, err
}

// GetMiner returns the stored state for a wallet, or nil if the key expired
// or was never written.
func (r *RedisStore) GetMiner(ctx context.Context, address string) (*MinerState, error) {
	key := fmt.Sprintf(keyMiner, address)
	data, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	miner := &MinerState{Address: address}
	if v, ok := data[fieldLastShareHeight]; ok {
		miner.LastShareHeight, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := data[fieldLastShareTS]; ok {
		miner.LastShareTimestamp, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := data[fieldHashrate]; ok {
		miner.Hashrate, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := data[fieldSideblocks]; ok {
		miner.SideblocksInWindow, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := data[fieldTotalBlocks]; ok {
		miner.TotalBlocks, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := data[fieldPayouts]; ok {
		miner.Payouts, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := data[fieldLastPayoutID]; ok {
		miner.LastPayoutID = v
	}
	if v, ok := data[fieldRaffleHour]; ok {
		miner.RaffleHour, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := data[fieldRaffleDay]; ok {
		miner.RaffleDay, _ = strconv.ParseFloat(v, 64)
	}

	return miner, nil
}

// RecordSideblock increments the sideblock counter and updates the current
// difficulties. A zero main difficulty leaves the stored gauge untouched.
func (r *RedisStore) RecordSideblock(ctx context.Context, mainDifficulty, sideDifficulty float64) error {
	pipe := r.client.Pipeline()
	pipe.HIncrBy(ctx, keyPool, fieldSideblockCount, 1)
	pipe.HSet(ctx, keyPool, fieldDiffSide, sideDifficulty)
	if mainDifficulty > 0 {
		pipe.HSet(ctx, keyPool, fieldDiffMain, mainDifficulty)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// RecordFoundBlock increments the found-block counter and updates both
// difficulty gauges.
func (r *RedisStore) RecordFoundBlock(ctx context.Context, mainDifficulty, sideDifficulty float64) error {
	pipe := r.client.Pipeline()
	pipe.HIncrBy(ctx, keyPool, fieldFoundCount, 1)
	if mainDifficulty > 0 {
		pipe.HSet(ctx, keyPool, fieldDiffMain, mainDifficulty)
	}
	if sideDifficulty > 0 {
		pipe.HSet(ctx, keyPool, fieldDiffSide, sideDifficulty)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// RecordOrphanedBlock increments the orphaned-block counter
func (r *RedisStore) RecordOrphanedBlock(ctx context.Context) error {
	return r.client.HIncrBy(ctx, keyPool, fieldOrphanedCount, 1).Err()
}

// GetPool returns the pool-wide state. A never-written pool reads as zeros.
func (r *RedisStore) GetPool(ctx context.Context) (*PoolState, error) {
	data, err := r.client.HGetAll(ctx, keyPool).Result()
	if err != nil {
		return nil, err
	}

	pool := &PoolState{}
	if v, ok := data[fieldDiffMain]; ok {
		pool.DifficultyMain, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := data[fieldDiffSide]; ok {
		pool.DifficultySide, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := data[fieldSideblockCount]; ok {
		pool.SideblockCount, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := data[fieldFoundCount]; ok {
		pool.FoundCount, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := data[fieldOrphanedCount]; ok {
		pool.OrphanedCount, _ = strconv.ParseUint(v, 10, 64)
	}

	return pool, nil
}

// SetExchangeRate stores the rate for a currency. Callers skip this entirely
// under a rate-limit condition, preserving the previous value.
func (r *RedisStore) SetExchangeRate(ctx context.Context, currency string, rate float64) error {
	return r.client.HSet(ctx, keyRates, currency, rate).Err()
}

// GetExchangeRates returns all stored exchange rates keyed by currency code
func (r *RedisStore) GetExchangeRates(ctx context.Context) (map[string]float64, error) {
	data, err := r.client.HGetAll(ctx, keyRates).Result()
	if err != nil {
		return nil, err
	}

	rates := make(map[string]float64, len(data))
	for currency, v := range data {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		rates[currency] = rate
	}
	return rates, nil
}
