// Package history keeps a summary of recent sessions in a TTL cache and
// serves them as JSON.
package history

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/philsphicas/turnrelay/internal/relay"
)

// Session states.
const (
	StateHandshake = "handshake"
	StatePlaying   = "playing"
	StateEnded     = "ended"
	StateAborted   = "aborted"
)

// Summary describes one session.
type Summary struct {
	ID         string     `json:"id"`
	State      string     `json:"state"`
	Remote     [2]string  `json:"remote"`
	Started    time.Time  `json:"started"`
	Ended      *time.Time `json:"ended,omitempty"`
	Cycles     int        `json:"cycles"`
	ActiveSeat int        `json:"active_seat"`
	Outcome    string     `json:"outcome,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Store is a relay.Reporter that remembers sessions for a while after
// their last event.
type Store struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

// New creates a Store. Entries expire ttl after their last event; a
// non-positive ttl keeps them forever.
func New(ttl time.Duration) *Store {
	cleanup := time.Minute
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	} else if ttl < cleanup {
		cleanup = ttl
	}
	return &Store{cache: gocache.New(ttl, cleanup)}
}

// Report folds ev into the session's summary.
func (s *Store) Report(_ context.Context, ev relay.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum Summary
	if v, ok := s.cache.Get(ev.Session); ok {
		sum = v.(Summary)
	} else {
		sum = Summary{ID: ev.Session, State: StateHandshake, Started: ev.Time}
	}

	switch ev.Kind {
	case relay.EventStarted:
		sum.Remote = ev.Remote
		sum.Started = ev.Time
	case relay.EventInitial:
		sum.State = StatePlaying
	case relay.EventCycle:
		sum.Cycles = ev.Cycle
		// The turn stays with the seat that ended the game.
		sum.ActiveSeat = ev.Seat
		if !ev.Terminal {
			sum.ActiveSeat = 1 - ev.Seat
		}
	case relay.EventEnded:
		ended := ev.Time
		sum.Ended = &ended
		sum.Cycles = ev.Cycles
		sum.Outcome = ev.Outcome
		sum.State = StateEnded
		if ev.Err != nil {
			sum.State = StateAborted
			sum.Error = ev.Err.Error()
		}
	}
	s.cache.SetDefault(ev.Session, sum)
}

// Get returns the summary of one session.
func (s *Store) Get(id string) (Summary, bool) {
	v, ok := s.cache.Get(id)
	if !ok {
		return Summary{}, false
	}
	return v.(Summary), true
}

// List returns every remembered session, newest first.
func (s *Store) List() []Summary {
	items := s.cache.Items()
	list := make([]Summary, 0, len(items))
	for _, it := range items {
		list = append(list, it.Object.(Summary))
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Started.After(list[j].Started)
	})
	return list
}

// ServeHTTP writes the session list, or one session with ?id=.
func (s *Store) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body any
	if id := r.URL.Query().Get("id"); id != "" {
		sum, ok := s.Get(id)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		body = sum
	} else {
		body = s.List()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
