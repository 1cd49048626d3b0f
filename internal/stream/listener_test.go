package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeStore struct {
	mu         sync.Mutex
	sideblocks int
	found      int
	orphaned   int
	lastMain   float64
	lastSide   float64
}

func (f *fakeStore) RecordSideblock(ctx context.Context, mainDifficulty, sideDifficulty float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sideblocks++
	f.lastMain = mainDifficulty
	f.lastSide = sideDifficulty
	return nil
}

func (f *fakeStore) RecordFoundBlock(ctx context.Context, mainDifficulty, sideDifficulty float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.found++
	return nil
}

func (f *fakeStore) RecordOrphanedBlock(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orphaned++
	return nil
}

func (f *fakeStore) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sideblocks, f.found, f.orphaned
}

type fakeRecorder struct {
	mu     sync.Mutex
	events map[string]int
}

func (f *fakeRecorder) RecordEvent(ctx context.Context, eventType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events == nil {
		f.events = make(map[string]int)
	}
	f.events[eventType]++
}

func (f *fakeRecorder) count(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[eventType]
}

var upgrader = websocket.Upgrader{}

// eventServer upgrades /api/events connections and sends the given messages,
// then holds the connection open.
func eventServer(t *testing.T, messages []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/events" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for _, msg := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		// Hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestListenerProcessesEvents(t *testing.T) {
	server := eventServer(t, []string{
		`{"type":"sideblock_added","side_block":{"difficulty":1000,"main_difficulty":250000,"miner_address":"48xx","timestamp":1700000000}}`,
		`{"type":"block_found","found_block":{"difficulty":1200,"main_block":{"difficulty":260000}}}`,
		`{"type":"block_orphaned"}`,
	})
	defer server.Close()

	st := &fakeStore{}
	rec := &fakeRecorder{}
	l := NewListener(server.URL, st, rec, nil, nil)
	l.Start()
	defer l.Stop()

	waitFor(t, func() bool {
		s, f, o := st.counts()
		return s == 1 && f == 1 && o == 1
	}, "events did not reach the store")

	st.mu.Lock()
	main, side := st.lastMain, st.lastSide
	st.mu.Unlock()
	if main != 250000 || side != 1000 {
		t.Errorf("sideblock difficulties = (%v, %v), want (250000, 1000)", main, side)
	}

	if rec.count(EventBlockFound) != 1 {
		t.Errorf("block_found events recorded = %d, want 1", rec.count(EventBlockFound))
	}
}

func TestListenerToleratesBadEvents(t *testing.T) {
	server := eventServer(t, []string{
		`{not json`,
		`{"type":"something_else"}`,
		`{"type":"block_orphaned"}`,
	})
	defer server.Close()

	st := &fakeStore{}
	rec := &fakeRecorder{}
	l := NewListener(server.URL, st, rec, nil, nil)
	l.Start()
	defer l.Stop()

	// The orphan event arrives after the bad ones, so the connection survived
	waitFor(t, func() bool {
		_, _, o := st.counts()
		return o == 1
	}, "listener did not survive malformed events")

	if rec.count("unknown") != 2 {
		t.Errorf("unknown events recorded = %d, want 2", rec.count("unknown"))
	}
}

func TestListenerReconnects(t *testing.T) {
	var mu sync.Mutex
	var attempts []time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer server.Close()

	backoff := 50 * time.Millisecond
	l := NewListener(server.URL, &fakeStore{}, nil, nil, nil)
	l.Backoff = backoff
	l.Start()
	defer l.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) >= 3
	}, "listener did not reconnect after disconnects")

	// Consecutive attempts must be spaced by at least the configured delay
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(attempts); i++ {
		if gap := attempts[i].Sub(attempts[i-1]); gap < backoff {
			t.Errorf("attempts %d and %d only %v apart, want at least %v", i-1, i, gap, backoff)
		}
	}
}

func TestListenerStopDuringConnect(t *testing.T) {
	// Stop racing a dial in flight: the connection established mid-shutdown
	// must be closed, not left blocking the read loop.
	server := eventServer(t, nil)
	defer server.Close()

	for i := 0; i < 50; i++ {
		l := NewListener(server.URL, &fakeStore{}, nil, nil, nil)
		l.Start()
		time.Sleep(time.Duration(i%5) * time.Millisecond)

		done := make(chan struct{})
		go func() {
			l.Stop()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatalf("iteration %d: Stop hung on a connection established during shutdown", i)
		}
	}
}

func TestEventsURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://mini.p2pool.observer", "wss://mini.p2pool.observer/api/events"},
		{"http://127.0.0.1:8080", "ws://127.0.0.1:8080/api/events"},
	}
	for _, tt := range tests {
		if got := eventsURL(tt.in); got != tt.want {
			t.Errorf("eventsURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
