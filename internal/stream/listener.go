// Package stream maintains the persistent event-feed connection.
//
// Delivery is at least once: the observer resends recent events after a
// reconnect and exposes no stable event id, so block and sideblock counters
// may overcount across reconnects. Known limitation.
package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/p2pool-tools/p2pool-exporter/internal/apm"
	"github.com/p2pool-tools/p2pool-exporter/internal/notify"
	"github.com/p2pool-tools/p2pool-exporter/internal/util"
)

// DefaultBackoff is the fixed delay between reconnect attempts. No growth,
// no circuit breaker; the listener retries until shutdown.
const DefaultBackoff = 5 * time.Second

// Event types delivered by the feed
const (
	EventSideblockAdded = "sideblock_added"
	EventBlockFound     = "block_found"
	EventBlockOrphaned  = "block_orphaned"
)

// Store is the slice of the state store the listener writes to
type Store interface {
	RecordSideblock(ctx context.Context, mainDifficulty, sideDifficulty float64) error
	RecordFoundBlock(ctx context.Context, mainDifficulty, sideDifficulty float64) error
	RecordOrphanedBlock(ctx context.Context) error
}

// EventRecorder counts received events; may be nil
type EventRecorder interface {
	RecordEvent(ctx context.Context, eventType string)
}

// event is one message of the feed
type event struct {
	Type       string      `json:"type"`
	SideBlock  *sideBlock  `json:"side_block,omitempty"`
	FoundBlock *foundBlock `json:"found_block,omitempty"`
}

type sideBlock struct {
	Difficulty     float64 `json:"difficulty"`
	MainDifficulty float64 `json:"main_difficulty"`
	Miner          string  `json:"miner_address"`
	Timestamp      int64   `json:"timestamp"`
}

type foundBlock struct {
	Difficulty float64 `json:"difficulty"`
	MainBlock  struct {
		Difficulty float64 `json:"difficulty"`
	} `json:"main_block"`
}

// Listener holds the long-lived websocket connection and updates pool state
// on each event, independently of the collector.
type Listener struct {
	url      string
	store    Store
	recorder EventRecorder
	notifier *notify.Notifier
	agent    *apm.Agent

	// Backoff overrides the reconnect delay, for tests
	Backoff time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewListener creates a listener for the observer's event feed. notifier and
// agent may be nil.
func NewListener(observerURL string, st Store, recorder EventRecorder, notifier *notify.Notifier, agent *apm.Agent) *Listener {
	return &Listener{
		url:      eventsURL(observerURL),
		store:    st,
		recorder: recorder,
		notifier: notifier,
		agent:    agent,
		Backoff:  DefaultBackoff,
	}
}

// eventsURL derives the websocket endpoint from the observer base URL
func eventsURL(observerURL string) string {
	u := observerURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/api/events"
}

// Start begins the connection loop
func (l *Listener) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	l.wg.Add(1)
	go l.run(ctx)
}

// Stop closes the connection and waits for the loop to exit
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.closeConn()
	l.wg.Wait()
	util.Info("Stream listener stopped")
}

func (l *Listener) run(ctx context.Context) {
	defer l.wg.Done()

	first := true
	for {
		if ctx.Err() != nil {
			return
		}

		if err := l.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			util.Warnf("Stream connection failed: %v", err)
		} else {
			if !first && l.agent != nil {
				l.agent.RecordStreamReconnect()
			}
			first = false
			l.readLoop(ctx)
		}

		// Disconnected: fixed delay before the next attempt
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.Backoff):
		}
	}
}

func (l *Listener) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if ctx.Err() != nil {
		// Stop ran while the dial was in flight; the conn must not outlive it
		l.mu.Unlock()
		conn.Close()
		return ctx.Err()
	}
	l.conn = conn
	l.mu.Unlock()

	util.Infof("Stream connected to %s", l.url)
	return nil
}

func (l *Listener) readLoop(ctx context.Context) {
	for {
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				util.Warnf("Stream read error: %v", err)
			}
			l.closeConn()
			return
		}

		l.handleMessage(ctx, msg)
	}
}

// handleMessage dispatches one event. Malformed or unrecognized events are
// logged and dropped; they never terminate the connection.
func (l *Listener) handleMessage(ctx context.Context, msg []byte) {
	var ev event
	if err := json.Unmarshal(msg, &ev); err != nil {
		util.Warnf("Dropping malformed stream event: %v", err)
		l.recordEvent(ctx, "unknown")
		return
	}

	switch ev.Type {
	case EventSideblockAdded:
		l.recordEvent(ctx, ev.Type)
		if ev.SideBlock == nil {
			util.Warn("Dropping sideblock event without payload")
			return
		}
		if err := l.store.RecordSideblock(ctx, ev.SideBlock.MainDifficulty, ev.SideBlock.Difficulty); err != nil {
			util.Warnf("Sideblock write failed: %v", err)
		}

	case EventBlockFound:
		l.recordEvent(ctx, ev.Type)
		var mainDiff, sideDiff float64
		if ev.FoundBlock != nil {
			mainDiff = ev.FoundBlock.MainBlock.Difficulty
			sideDiff = ev.FoundBlock.Difficulty
		}
		if err := l.store.RecordFoundBlock(ctx, mainDiff, sideDiff); err != nil {
			util.Warnf("Found-block write failed: %v", err)
		}
		if l.notifier != nil {
			l.notifier.NotifyBlockFound(mainDiff, sideDiff)
		}
		if l.agent != nil {
			l.agent.RecordBlockFound(mainDiff, sideDiff)
		}

	case EventBlockOrphaned:
		l.recordEvent(ctx, ev.Type)
		if err := l.store.RecordOrphanedBlock(ctx); err != nil {
			util.Warnf("Orphaned-block write failed: %v", err)
		}
		if l.notifier != nil {
			l.notifier.NotifyBlockOrphaned()
		}

	default:
		util.Warnf("Dropping stream event with unrecognized type %q", ev.Type)
		l.recordEvent(ctx, "unknown")
	}
}

func (l *Listener) recordEvent(ctx context.Context, eventType string) {
	if l.recorder != nil {
		l.recorder.RecordEvent(ctx, eventType)
	}
}

func (l *Listener) closeConn() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
}
