// Package apm provides optional New Relic event reporting.
package apm

import (
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/p2pool-tools/p2pool-exporter/internal/config"
	"github.com/p2pool-tools/p2pool-exporter/internal/util"
)

// Agent wraps the New Relic application. All record methods are safe to call
// when the agent is disabled or not yet connected.
type Agent struct {
	cfg *config.NewRelicConfig
	mu  sync.RWMutex
	app *newrelic.Application
}

// NewAgent creates a new agent
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{cfg: cfg}
}

// Start initializes the New Relic connection
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic reporting disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic reporting enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the agent
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.Shutdown(10 * time.Second)
	}
}

func (a *Agent) recordEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordBlockFound records a pool block-found event
func (a *Agent) RecordBlockFound(mainDifficulty, sideDifficulty float64) {
	a.recordEvent("BlockFound", map[string]interface{}{
		"mainDifficulty": mainDifficulty,
		"sideDifficulty": sideDifficulty,
	})
}

// RecordPayoutDetected records a payout observed for a tracked wallet
func (a *Agent) RecordPayoutDetected(wallet string, amount uint64) {
	a.recordEvent("PayoutDetected", map[string]interface{}{
		"wallet": wallet,
		"amount": amount,
	})
}

// RecordStreamReconnect records a stream listener reconnection
func (a *Agent) RecordStreamReconnect() {
	a.recordEvent("StreamReconnect", map[string]interface{}{})
}
