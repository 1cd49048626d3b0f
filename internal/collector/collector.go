// Package collector implements the periodic API collection pass and its
// scheduler.
package collector

import (
	"context"
	"sort"
	"sync"

	"github.com/p2pool-tools/p2pool-exporter/internal/api"
	"github.com/p2pool-tools/p2pool-exporter/internal/apm"
	"github.com/p2pool-tools/p2pool-exporter/internal/config"
	"github.com/p2pool-tools/p2pool-exporter/internal/hashrate"
	"github.com/p2pool-tools/p2pool-exporter/internal/notify"
	"github.com/p2pool-tools/p2pool-exporter/internal/store"
	"github.com/p2pool-tools/p2pool-exporter/internal/util"
)

// Store is the slice of the state store the collector writes to
type Store interface {
	GetMiner(ctx context.Context, address string) (*store.MinerState, error)
	WriteMinerPerformance(ctx context.Context, address string, lastShareHeight uint64, lastShareTimestamp int64) error
	WriteMinerHashrate(ctx context.Context, address string, hashrate float64, sideblocks int) error
	WriteMinerRaffle(ctx context.Context, address string, hour, day float64) error
	WriteMinerTotalBlocks(ctx context.Context, address string, totalBlocks uint64) (bool, error)
	WriteMinerPayouts(ctx context.Context, address string, payouts uint64, lastPayoutID string) (bool, error)
	SetExchangeRate(ctx context.Context, currency string, rate float64) error
}

// Collector fetches miner, raffle and exchange-rate data on each scheduled
// pass and writes the results to the state store. Every category fetch is
// isolated: its failure is logged and the remaining categories still run.
type Collector struct {
	cfg      *config.Config
	store    Store
	observer *api.Client
	rates    *api.RatesClient
	notifier *notify.Notifier
	agent    *apm.Agent
}

// NewCollector creates a collector. notifier and agent may be nil.
func NewCollector(cfg *config.Config, st Store, observer *api.Client, rates *api.RatesClient, notifier *notify.Notifier, agent *apm.Agent) *Collector {
	return &Collector{
		cfg:      cfg,
		store:    st,
		observer: observer,
		rates:    rates,
		notifier: notifier,
		agent:    agent,
	}
}

// Collect runs one collection pass. Category fetches run concurrently; the
// pass returns when all of them have finished or given up.
func (c *Collector) Collect(ctx context.Context) {
	var wg sync.WaitGroup

	for _, wallet := range c.cfg.Wallets {
		wallet := wallet
		wg.Add(4)
		go func() {
			defer wg.Done()
			c.collectMinerInfo(ctx, wallet)
		}()
		go func() {
			defer wg.Done()
			c.collectSideblocks(ctx, wallet)
		}()
		go func() {
			defer wg.Done()
			c.collectPayouts(ctx, wallet)
		}()
		go func() {
			defer wg.Done()
			c.collectRaffle(ctx, wallet)
		}()
	}

	if c.rates != nil {
		for _, currency := range c.cfg.Rates.Currencies {
			currency := currency
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.collectRate(ctx, currency)
			}()
		}
	}

	wg.Wait()
	util.Debugf("Collection pass finished for %d wallets", len(c.cfg.Wallets))
}

// collectMinerInfo writes last-share data and the block accumulator
func (c *Collector) collectMinerInfo(ctx context.Context, wallet string) {
	info, err := c.observer.MinerInfo(ctx, wallet)
	if err != nil {
		util.Warnf("Miner info fetch failed for %s: %v", wallet, err)
		return
	}

	if err := c.store.WriteMinerPerformance(ctx, wallet, info.LastShareHeight, info.LastShareTimestamp); err != nil {
		util.Warnf("Miner performance write failed for %s: %v", wallet, err)
	}

	rejected, err := c.store.WriteMinerTotalBlocks(ctx, wallet, info.TotalBlocks())
	if err != nil {
		util.Warnf("Total blocks write failed for %s: %v", wallet, err)
		return
	}
	if rejected {
		util.Warnf("Anomaly: total blocks regressed for %s, keeping stored value", wallet)
	}
}

// collectSideblocks estimates the hashrate from the sideblocks the wallet
// contributed inside the window
func (c *Collector) collectSideblocks(ctx context.Context, wallet string) {
	blocks, err := c.observer.SideBlocksInWindow(ctx, wallet, c.cfg.Collector.Window)
	if err != nil {
		util.Warnf("Sideblock fetch failed for %s: %v", wallet, err)
		return
	}

	rate := hashrate.Estimate(windowSamples(blocks))
	if err := c.store.WriteMinerHashrate(ctx, wallet, rate, len(blocks)); err != nil {
		util.Warnf("Hashrate write failed for %s: %v", wallet, err)
	}
}

// windowSamples turns the observer's sideblock list into the cumulative
// difficulty curve the estimator expects, ordered oldest first.
func windowSamples(blocks []api.SideBlock) []hashrate.Sample {
	sorted := make([]api.SideBlock, len(blocks))
	copy(sorted, blocks)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	samples := make([]hashrate.Sample, 0, len(sorted))
	var cumulative float64
	for _, b := range sorted {
		cumulative += b.Difficulty
		samples = append(samples, hashrate.Sample{
			Timestamp:            b.Timestamp,
			CumulativeDifficulty: cumulative,
		})
	}
	return samples
}

// collectPayouts folds payout records newer than the stored dedup marker
// into the accumulated total
func (c *Collector) collectPayouts(ctx context.Context, wallet string) {
	payouts, err := c.observer.Payouts(ctx, wallet, c.cfg.Collector.PayoutHistory)
	if err != nil {
		util.Warnf("Payout fetch failed for %s: %v", wallet, err)
		return
	}
	if len(payouts) == 0 {
		return
	}

	miner, err := c.store.GetMiner(ctx, wallet)
	if err != nil {
		util.Warnf("Miner read failed for %s: %v", wallet, err)
		return
	}

	var storedTotal uint64
	var marker string
	if miner != nil {
		storedTotal = miner.Payouts
		marker = miner.LastPayoutID
	}

	// Records arrive newest first; everything above the marker is new. With
	// no marker (fresh key or TTL expiry) the whole window is historical:
	// fold it into the total but do not announce each record.
	bootstrap := marker == ""
	var delta uint64
	var folded int
	for _, p := range payouts {
		if p.MainID == marker {
			break
		}
		delta += p.CoinbaseReward
		folded++
		if bootstrap {
			continue
		}
		util.Infof("Payout detected for %s: id=%s amount=%d", wallet, p.MainID, p.CoinbaseReward)
		if c.notifier != nil {
			c.notifier.NotifyPayout(wallet, p.CoinbaseReward)
		}
		if c.agent != nil {
			c.agent.RecordPayoutDetected(wallet, p.CoinbaseReward)
		}
	}
	if bootstrap && folded > 0 {
		util.Infof("Bootstrapped payout history for %s: %d records", wallet, folded)
	}

	rejected, err := c.store.WriteMinerPayouts(ctx, wallet, storedTotal+delta, payouts[0].MainID)
	if err != nil {
		util.Warnf("Payout write failed for %s: %v", wallet, err)
		return
	}
	if rejected {
		util.Warnf("Anomaly: payout total regressed for %s, keeping stored value", wallet)
	}
}

// collectRaffle writes the bonus-hashrate rates
func (c *Collector) collectRaffle(ctx context.Context, wallet string) {
	rates, err := c.observer.Raffle(ctx, wallet)
	if err != nil {
		util.Warnf("Raffle fetch failed for %s: %v", wallet, err)
		return
	}

	if err := c.store.WriteMinerRaffle(ctx, wallet, rates.Hour, rates.Day); err != nil {
		util.Warnf("Raffle write failed for %s: %v", wallet, err)
	}
}

// collectRate writes the fiat rate for one currency. Under a rate-limit
// condition the write is skipped and the previous value stays in place.
func (c *Collector) collectRate(ctx context.Context, currency string) {
	rate, err := c.rates.FetchRate(ctx, currency)
	if err == api.ErrRateLimited {
		util.Infof("Exchange rate for %s rate limited, keeping previous value", currency)
		return
	}
	if err != nil {
		util.Warnf("Exchange rate fetch failed for %s: %v", currency, err)
		return
	}

	if err := c.store.SetExchangeRate(ctx, currency, rate); err != nil {
		util.Warnf("Exchange rate write failed for %s: %v", currency, err)
	}
}
