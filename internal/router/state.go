package router

import (
	"sync"
	"time"

	"sanad/internal/flags"
)

// State is the router's cross-cycle memory: processed signal hashes, the
// daily pipeline-run counter, per-token rejection cooldowns, and the
// rugpull blacklist. Persisted atomically before every router exit so a
// crash mid-cycle never replays a consumed signal.
type State struct {
	mu   sync.Mutex
	path string
	st   routerState
}

type routerState struct {
	DailyResetDate  string            `json:"daily_reset_date"`
	DailyRuns       int               `json:"daily_pipeline_runs"`
	ProcessedHashes []string          `json:"processed_hashes"`
	RejectedAt      map[string]string `json:"rejected_at"`
	Blacklist       []string          `json:"blacklist"`
	LastRun         string            `json:"last_run"`
}

func NewState(path string) *State {
	return &State{path: path, st: routerState{RejectedAt: map[string]string{}}}
}

// Load reads the persisted state; a missing file starts fresh.
func (s *State) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var onDisk routerState
	if err := flags.ReadJSON(s.path, &onDisk); err == nil {
		s.st = onDisk
		if s.st.RejectedAt == nil {
			s.st.RejectedAt = map[string]string{}
		}
	}
}

// Save persists the state atomically.
func (s *State) Save(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.LastRun = now.UTC().Format(time.RFC3339)
	return flags.WriteJSONAtomic(s.path, s.st)
}

// RollDay resets the daily counters (and the processed set) at midnight UTC.
func (s *State) RollDay(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	today := now.UTC().Format("2006-01-02")
	if s.st.DailyResetDate != today {
		s.st.DailyResetDate = today
		s.st.DailyRuns = 0
		s.st.ProcessedHashes = nil
	}
}

func (s *State) DailyRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.DailyRuns
}

func (s *State) CountRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.DailyRuns++
}

func (s *State) Processed(signalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.st.ProcessedHashes {
		if h == signalID {
			return true
		}
	}
	return false
}

func (s *State) MarkProcessed(signalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.ProcessedHashes = append(s.st.ProcessedHashes, signalID)
}

// RecentlyRejected reports whether token hit a non-EXECUTE outcome within
// the rejection cooldown window.
func (s *State) RecentlyRejected(token string, now time.Time, cooldown time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.st.RejectedAt[token]
	if !ok {
		return false
	}
	at, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return false
	}
	return now.Sub(at) < cooldown
}

func (s *State) MarkRejected(token string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.RejectedAt[token] = now.UTC().Format(time.RFC3339)
}

// Blacklisted reports whether token is on the rugpull registry blacklist.
func (s *State) Blacklisted(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.st.Blacklist {
		if t == token {
			return true
		}
	}
	return false
}

// AddToBlacklist records a confirmed-rug token permanently.
func (s *State) AddToBlacklist(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.st.Blacklist {
		if t == token {
			return
		}
	}
	s.st.Blacklist = append(s.st.Blacklist, token)
}
