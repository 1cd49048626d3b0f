// Package store provides the shared Redis-backed state store.
package store

// MinerState holds the observed state for one tracked wallet. Entries expire
// after the miner TTL unless refreshed by a collector pass.
type MinerState struct {
	Address            string  `json:"address"`
	LastShareHeight    uint64  `json:"last_share_height"`
	LastShareTimestamp int64   `json:"last_share_timestamp"`
	Hashrate           float64 `json:"hashrate"`
	SideblocksInWindow uint64  `json:"sideblocks_in_window"`
	TotalBlocks        uint64  `json:"total_blocks"`
	Payouts            uint64  `json:"payouts"`
	LastPayoutID       string  `json:"last_payout_id"`
	RaffleHour         float64 `json:"raffle_rates_hour"`
	RaffleDay          float64 `json:"raffle_rates_day"`
}

// PoolState holds pool-wide state written by the stream listener. Never
// expires; counters only move forward.
type PoolState struct {
	DifficultyMain float64 `json:"difficulty_main"`
	DifficultySide float64 `json:"difficulty_side"`
	SideblockCount uint64  `json:"sideblock_count"`
	FoundCount     uint64  `json:"found_count"`
	OrphanedCount  uint64  `json:"orphaned_count"`
}
