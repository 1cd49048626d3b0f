package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/p2pool-tools/p2pool-exporter/internal/store"
	"github.com/p2pool-tools/p2pool-exporter/internal/util"
)

// Metrics holds the synchronous instruments recorded by the collector, the
// API clients and the stream listener.
type Metrics struct {
	queryCounter metric.Int64Counter
	wsEvents     metric.Int64Counter
	latency      metric.Float64Histogram
	skippedTicks metric.Int64Counter
}

// NewMetrics creates the synchronous instruments
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	queryCounter, err := meter.Int64Counter("query_counter",
		metric.WithDescription("Outbound API queries by endpoint and outcome"))
	if err != nil {
		return nil, err
	}

	wsEvents, err := meter.Int64Counter("ws_event_counter",
		metric.WithDescription("Stream events received by type"))
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram("latency",
		metric.WithDescription("Outbound API query latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	skippedTicks, err := meter.Int64Counter("scheduler_skipped_ticks",
		metric.WithDescription("Collector ticks skipped because a pass was still running"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		queryCounter: queryCounter,
		wsEvents:     wsEvents,
		latency:      latency,
		skippedTicks: skippedTicks,
	}, nil
}

// RecordQuery counts an outbound API call and records its latency
func (m *Metrics) RecordQuery(ctx context.Context, endpoint, status string, elapsed time.Duration) {
	m.queryCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("status", status),
	))
	m.latency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordEvent counts one received stream event
func (m *Metrics) RecordEvent(ctx context.Context, eventType string) {
	m.wsEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordSkippedTick counts one skipped scheduler tick
func (m *Metrics) RecordSkippedTick(ctx context.Context) {
	m.skippedTicks.Add(ctx, 1)
}

// StateReader is the read-only slice of the state store the snapshot
// callbacks need. Reads never mutate the store.
type StateReader interface {
	GetMiner(ctx context.Context, address string) (*store.MinerState, error)
	GetPool(ctx context.Context) (*store.PoolState, error)
	GetExchangeRates(ctx context.Context) (map[string]float64, error)
}

// RegisterSnapshots registers the observable instruments whose values are
// produced on demand from a store snapshot whenever the metrics backend
// collects, independent of collector and listener timing. Safe under
// concurrent collection; wallets whose entries expired are simply absent.
func RegisterSnapshots(meter metric.Meter, reader StateReader, wallets []string) (metric.Registration, error) {
	lastShareHeight, err := meter.Float64ObservableGauge("miner_performance_last_share_height")
	if err != nil {
		return nil, err
	}
	lastShareTS, err := meter.Float64ObservableGauge("miner_performance_last_share_timestamp")
	if err != nil {
		return nil, err
	}
	minerHashrate, err := meter.Float64ObservableGauge("miner_performance_hashrate",
		metric.WithUnit("H/s"))
	if err != nil {
		return nil, err
	}
	sideblocksInWindow, err := meter.Float64ObservableGauge("miner_performance_sideblocks_in_window")
	if err != nil {
		return nil, err
	}
	raffleHour, err := meter.Float64ObservableGauge("miner_performance_raffle_rates_hour")
	if err != nil {
		return nil, err
	}
	raffleDay, err := meter.Float64ObservableGauge("miner_performance_raffle_rates_day")
	if err != nil {
		return nil, err
	}
	totalBlocks, err := meter.Float64ObservableUpDownCounter("miner_rewards_total_blocks")
	if err != nil {
		return nil, err
	}
	payouts, err := meter.Float64ObservableUpDownCounter("miner_rewards_payouts")
	if err != nil {
		return nil, err
	}
	exchangeRate, err := meter.Float64ObservableGauge("exchange_rate")
	if err != nil {
		return nil, err
	}
	difficulty, err := meter.Float64ObservableGauge("difficulty")
	if err != nil {
		return nil, err
	}
	blocks, err := meter.Int64ObservableCounter("blocks")
	if err != nil {
		return nil, err
	}

	callback := func(ctx context.Context, o metric.Observer) error {
		for _, wallet := range wallets {
			miner, err := reader.GetMiner(ctx, wallet)
			if err != nil {
				util.Warnf("Snapshot read failed for miner %s: %v", wallet, err)
				continue
			}
			if miner == nil {
				// Expired or never collected
				continue
			}

			attrs := metric.WithAttributes(attribute.String("wallet", wallet))
			o.ObserveFloat64(lastShareHeight, float64(miner.LastShareHeight), attrs)
			o.ObserveFloat64(lastShareTS, float64(miner.LastShareTimestamp), attrs)
			o.ObserveFloat64(minerHashrate, miner.Hashrate, attrs)
			o.ObserveFloat64(sideblocksInWindow, float64(miner.SideblocksInWindow), attrs)
			o.ObserveFloat64(raffleHour, miner.RaffleHour, attrs)
			o.ObserveFloat64(raffleDay, miner.RaffleDay, attrs)
			o.ObserveFloat64(totalBlocks, float64(miner.TotalBlocks), attrs)
			o.ObserveFloat64(payouts, float64(miner.Payouts), attrs)
		}

		pool, err := reader.GetPool(ctx)
		if err != nil {
			util.Warnf("Snapshot read failed for pool state: %v", err)
		} else {
			o.ObserveFloat64(difficulty, pool.DifficultyMain,
				metric.WithAttributes(attribute.String("side", "main")))
			o.ObserveFloat64(difficulty, pool.DifficultySide,
				metric.WithAttributes(attribute.String("side", "side")))
			o.ObserveInt64(blocks, int64(pool.SideblockCount),
				metric.WithAttributes(attribute.String("kind", "side")))
			o.ObserveInt64(blocks, int64(pool.FoundCount),
				metric.WithAttributes(attribute.String("kind", "found")))
			o.ObserveInt64(blocks, int64(pool.OrphanedCount),
				metric.WithAttributes(attribute.String("kind", "orphaned")))
		}

		rates, err := reader.GetExchangeRates(ctx)
		if err != nil {
			util.Warnf("Snapshot read failed for exchange rates: %v", err)
		} else {
			for currency, rate := range rates {
				o.ObserveFloat64(exchangeRate, rate,
					metric.WithAttributes(attribute.String("currency", currency)))
			}
		}

		return nil
	}

	return meter.RegisterCallback(callback,
		lastShareHeight, lastShareTS, minerHashrate, sideblocksInWindow,
		raffleHour, raffleDay, totalBlocks, payouts,
		exchangeRate, difficulty, blocks,
	)
}
