package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	s, err := NewRedisStore(mr.Addr(), "", 0, time.Hour)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestGetMinerAbsent(t *testing.T) {
	s, _ := newTestStore(t)

	miner, err := s.GetMiner(context.Background(), "wallet1")
	if err != nil {
		t.Fatalf("GetMiner: %v", err)
	}
	if miner != nil {
		t.Errorf("GetMiner = %+v, want nil for unwritten key", miner)
	}
}

func TestLastShareTimestampGuard(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.WriteMinerPerformance(ctx, "wallet1", 1000, 1700000000); err != nil {
		t.Fatalf("WriteMinerPerformance: %v", err)
	}

	// Zero timestamp must not reset the stored value
	if err := s.WriteMinerPerformance(ctx, "wallet1", 1001, 0); err != nil {
		t.Fatalf("WriteMinerPerformance: %v", err)
	}

	miner, err := s.GetMiner(ctx, "wallet1")
	if err != nil {
		t.Fatalf("GetMiner: %v", err)
	}
	if miner.LastShareTimestamp != 1700000000 {
		t.Errorf("LastShareTimestamp = %d, want 1700000000", miner.LastShareTimestamp)
	}
	if miner.LastShareHeight != 1001 {
		t.Errorf("LastShareHeight = %d, want 1001", miner.LastShareHeight)
	}

	// Earlier timestamp must not regress
	if err := s.WriteMinerPerformance(ctx, "wallet1", 1002, 1600000000); err != nil {
		t.Fatalf("WriteMinerPerformance: %v", err)
	}
	miner, _ = s.GetMiner(ctx, "wallet1")
	if miner.LastShareTimestamp != 1700000000 {
		t.Errorf("LastShareTimestamp = %d, want 1700000000 after stale write", miner.LastShareTimestamp)
	}

	// Later timestamp overwrites
	if err := s.WriteMinerPerformance(ctx, "wallet1", 1003, 1700000100); err != nil {
		t.Fatalf("WriteMinerPerformance: %v", err)
	}
	miner, _ = s.GetMiner(ctx, "wallet1")
	if miner.LastShareTimestamp != 1700000100 {
		t.Errorf("LastShareTimestamp = %d, want 1700000100", miner.LastShareTimestamp)
	}
}

func TestRewardMonotonicity(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rejected, err := s.WriteMinerPayouts(ctx, "wallet1", 50, "payout-a")
	if err != nil {
		t.Fatalf("WriteMinerPayouts: %v", err)
	}
	if rejected {
		t.Error("first payout write should not be rejected")
	}

	// A lower total is rejected, not written; the marker still advances
	rejected, err = s.WriteMinerPayouts(ctx, "wallet1", 40, "payout-b")
	if err != nil {
		t.Fatalf("WriteMinerPayouts: %v", err)
	}
	if !rejected {
		t.Error("regressing payout total should be rejected")
	}

	miner, err := s.GetMiner(ctx, "wallet1")
	if err != nil {
		t.Fatalf("GetMiner: %v", err)
	}
	if miner.Payouts != 50 {
		t.Errorf("Payouts = %d, want 50", miner.Payouts)
	}
	if miner.LastPayoutID != "payout-b" {
		t.Errorf("LastPayoutID = %s, want payout-b", miner.LastPayoutID)
	}

	// Equal values overwrite without rejection
	rejected, err = s.WriteMinerPayouts(ctx, "wallet1", 50, "")
	if err != nil {
		t.Fatalf("WriteMinerPayouts: %v", err)
	}
	if rejected {
		t.Error("equal payout total should not be rejected")
	}

	// Same contract for the block accumulator
	if _, err := s.WriteMinerTotalBlocks(ctx, "wallet1", 5); err != nil {
		t.Fatalf("WriteMinerTotalBlocks: %v", err)
	}
	rejected, err = s.WriteMinerTotalBlocks(ctx, "wallet1", 4)
	if err != nil {
		t.Fatalf("WriteMinerTotalBlocks: %v", err)
	}
	if !rejected {
		t.Error("regressing block total should be rejected")
	}
	miner, _ = s.GetMiner(ctx, "wallet1")
	if miner.TotalBlocks != 5 {
		t.Errorf("TotalBlocks = %d, want 5", miner.TotalBlocks)
	}
}

func TestMinerTTLExpiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.WriteMinerHashrate(ctx, "wallet1", 1234.5, 3); err != nil {
		t.Fatalf("WriteMinerHashrate: %v", err)
	}

	mr.FastForward(time.Hour + time.Second)

	miner, err := s.GetMiner(ctx, "wallet1")
	if err != nil {
		t.Fatalf("GetMiner: %v", err)
	}
	if miner != nil {
		t.Errorf("GetMiner = %+v, want nil after TTL expiry", miner)
	}
}

func TestMinerTTLRefreshedOnWrite(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.WriteMinerHashrate(ctx, "wallet1", 1234.5, 3); err != nil {
		t.Fatalf("WriteMinerHashrate: %v", err)
	}

	mr.FastForward(30 * time.Minute)
	if err := s.WriteMinerRaffle(ctx, "wallet1", 1.5, 0.5); err != nil {
		t.Fatalf("WriteMinerRaffle: %v", err)
	}

	// 40 more minutes is past the original deadline but inside the refreshed one
	mr.FastForward(40 * time.Minute)

	miner, err := s.GetMiner(ctx, "wallet1")
	if err != nil {
		t.Fatalf("GetMiner: %v", err)
	}
	if miner == nil {
		t.Fatal("GetMiner = nil, want refreshed entry to survive")
	}
	if miner.RaffleHour != 1.5 {
		t.Errorf("RaffleHour = %f, want 1.5", miner.RaffleHour)
	}
}

func TestPoolCounters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordSideblock(ctx, 300000000000, 12000000); err != nil {
		t.Fatalf("RecordSideblock: %v", err)
	}
	if err := s.RecordSideblock(ctx, 0, 12500000); err != nil {
		t.Fatalf("RecordSideblock: %v", err)
	}
	if err := s.RecordFoundBlock(ctx, 310000000000, 12600000); err != nil {
		t.Fatalf("RecordFoundBlock: %v", err)
	}
	if err := s.RecordOrphanedBlock(ctx); err != nil {
		t.Fatalf("RecordOrphanedBlock: %v", err)
	}

	pool, err := s.GetPool(ctx)
	if err != nil {
		t.Fatalf("GetPool: %v", err)
	}
	if pool.SideblockCount != 2 {
		t.Errorf("SideblockCount = %d, want 2", pool.SideblockCount)
	}
	if pool.FoundCount != 1 {
		t.Errorf("FoundCount = %d, want 1", pool.FoundCount)
	}
	if pool.OrphanedCount != 1 {
		t.Errorf("OrphanedCount = %d, want 1", pool.OrphanedCount)
	}
	if pool.DifficultySide != 12600000 {
		t.Errorf("DifficultySide = %f, want 12600000", pool.DifficultySide)
	}
	// Zero main difficulty on the second sideblock must not clear the gauge
	if pool.DifficultyMain != 310000000000 {
		t.Errorf("DifficultyMain = %f, want 310000000000", pool.DifficultyMain)
	}
}

func TestExchangeRates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.SetExchangeRate(ctx, "USD", 150.2); err != nil {
		t.Fatalf("SetExchangeRate: %v", err)
	}
	if err := s.SetExchangeRate(ctx, "EUR", 139.9); err != nil {
		t.Fatalf("SetExchangeRate: %v", err)
	}

	rates, err := s.GetExchangeRates(ctx)
	if err != nil {
		t.Fatalf("GetExchangeRates: %v", err)
	}
	if rates["USD"] != 150.2 {
		t.Errorf("USD rate = %f, want 150.2", rates["USD"])
	}
	if rates["EUR"] != 139.9 {
		t.Errorf("EUR rate = %f, want 139.9", rates["EUR"])
	}
}
