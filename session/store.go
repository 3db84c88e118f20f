// Package session implements the SessionStore: the current-chat-session
// tracker and a paginated, groupable cache of the user's session index.
//
// The tombstone-then-rollback shape of OptimisticDelete follows the same
// replace-the-one-active-record discipline used by the teacher's
// p2p.SignalingHandler for its current session — here applied to an index
// of many sessions instead of one active one.
package session

import (
	"sort"
	"sync"
	"time"
)

// Entry is one row of the session index, as received from the server.
type Entry struct {
	SessionID   string
	SessionName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	UserID      string
	AgentKey    string
	AgentName   string
}

// Group names the three buckets sessions are presented under.
type Group string

const (
	GroupToday Group = "today"
	GroupRecent Group = "recent" // past 14 days (and any date more than a year in the future)
	GroupPast  Group = "past"
)

// Emitter mirrors the subset of *eventbus.Bus the store reports through.
type Emitter interface {
	Emit(name string, payload any)
}

// Resetter is implemented by the StreamProcessor; SetCurrentSession delegates
// accumulator resets to it so the two components stay in lockstep.
type Resetter interface {
	Reset()
}

// DefaultMaxCachedSessions bounds the index cache; oldest entries are
// trimmed first once the limit is exceeded.
const DefaultMaxCachedSessions = 500

// Store tracks the current chat session and a cached, paginated index of
// past sessions.
type Store struct {
	emitter  Emitter
	resetter Resetter
	maxCache int

	mu              sync.Mutex
	currentID       string
	currentName     string
	index           map[string]*Entry
	order           []string // SessionID, most-recently-updated first
	tombstones      map[string]*Entry
}

// New returns an empty Store reporting through emitter and resetting the
// given accumulator on session changes.
func New(emitter Emitter, resetter Resetter) *Store {
	return &Store{
		emitter:    emitter,
		resetter:   resetter,
		maxCache:   DefaultMaxCachedSessions,
		index:      make(map[string]*Entry),
		tombstones: make(map[string]*Entry),
	}
}

// CurrentSessionID returns the active chat session id, or "" if none.
func (s *Store) CurrentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// SetCurrentSession records a new authoritative current session (as pushed
// by chat_session_changed) and resets the streaming accumulator.
func (s *Store) SetCurrentSession(id, name string) {
	s.mu.Lock()
	s.currentID = id
	s.currentName = name
	s.mu.Unlock()

	if s.resetter != nil {
		s.resetter.Reset()
	}
	s.emitter.Emit("chat-session-changed", id)
}

// ClearCurrentSession is used when the app explicitly starts a new chat
// session before the server has assigned one.
func (s *Store) ClearCurrentSession() {
	s.mu.Lock()
	s.currentID = ""
	s.currentName = ""
	s.mu.Unlock()
	if s.resetter != nil {
		s.resetter.Reset()
	}
}

// SetSessionIndex merges a page of entries into the cache, deduplicating by
// id. When appendPage is false the existing cache is replaced first (a fresh
// first page); when true the entries are merged into what is already cached.
func (s *Store) SetSessionIndex(entries []Entry, appendPage bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !appendPage {
		s.index = make(map[string]*Entry)
		s.order = nil
	}

	for i := range entries {
		e := entries[i]
		if _, tombstoned := s.tombstones[e.SessionID]; tombstoned {
			continue
		}
		if _, exists := s.index[e.SessionID]; !exists {
			s.order = append(s.order, e.SessionID)
		}
		cp := e
		s.index[e.SessionID] = &cp
	}

	s.resort()
	s.trim()
	s.emitter.Emit("session-messages-loaded", len(s.index))
}

// UpdateSessionName renames a cached entry and bumps its UpdatedAt so it
// resorts to the front of its group.
func (s *Store) UpdateSessionName(id, name string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[id]
	if !ok {
		return
	}
	e.SessionName = name
	e.UpdatedAt = now
	s.resort()
	s.emitter.Emit("chat_session_name_changed", id)
}

// OptimisticDelete removes id from the cache immediately, returning the
// removed entry (or nil if it was not cached) so the caller can roll it back
// with Restore if the server-side delete fails.
func (s *Store) OptimisticDelete(id string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[id]
	if !ok {
		return nil
	}
	delete(s.index, id)
	s.removeFromOrder(id)
	s.tombstones[id] = e
	s.emitter.Emit("chat_session_deleted", id)
	return e
}

// Restore reinserts a previously optimistically-deleted entry, clearing its
// tombstone, and re-sorts the cache. Called when the server-side delete that
// motivated OptimisticDelete turned out to have failed.
func (s *Store) Restore(e *Entry) {
	if e == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tombstones, e.SessionID)
	if _, exists := s.index[e.SessionID]; !exists {
		s.order = append(s.order, e.SessionID)
	}
	s.index[e.SessionID] = e
	s.resort()
	s.emitter.Emit("chat_session_added", e.SessionID)
}

func (s *Store) removeFromOrder(id string) {
	for i, sid := range s.order {
		if sid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *Store) resort() {
	sort.SliceStable(s.order, func(i, j int) bool {
		a, b := s.index[s.order[i]], s.index[s.order[j]]
		if a == nil || b == nil {
			return false
		}
		return entryTimestamp(a).After(entryTimestamp(b))
	})
}

func (s *Store) trim() {
	if s.maxCache <= 0 || len(s.order) <= s.maxCache {
		return
	}
	// order is sorted most-recent-first; drop the oldest tail.
	overflow := s.order[s.maxCache:]
	s.order = s.order[:s.maxCache]
	for _, id := range overflow {
		delete(s.index, id)
	}
}

func entryTimestamp(e *Entry) time.Time {
	if !e.UpdatedAt.IsZero() {
		return e.UpdatedAt
	}
	return e.CreatedAt
}

// Entries returns a snapshot of the cached index, most-recently-updated
// first.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		if e, ok := s.index[id]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// GroupedEntries buckets the cached index into today / recent / past relative
// to now. A timestamp more than a year in the future is treated defensively
// as "recent" rather than trusted as a valid future date.
func GroupedEntries(entries []Entry, now time.Time) map[Group][]Entry {
	startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	fourteenDaysAgo := startOfToday.AddDate(0, 0, -14)
	oneYearFromNow := now.AddDate(1, 0, 0)

	groups := map[Group][]Entry{GroupToday: {}, GroupRecent: {}, GroupPast: {}}
	for _, e := range entries {
		ts := entryTimestamp(&e)
		switch {
		case ts.After(oneYearFromNow):
			groups[GroupRecent] = append(groups[GroupRecent], e)
		case !ts.Before(startOfToday):
			groups[GroupToday] = append(groups[GroupToday], e)
		case ts.After(fourteenDaysAgo):
			groups[GroupRecent] = append(groups[GroupRecent], e)
		default:
			groups[GroupPast] = append(groups[GroupPast], e)
		}
	}
	return groups
}

// ParseTimestamp parses an RFC3339 server timestamp, tolerating microsecond
// precision by truncating to millisecond. An unparseable or empty input
// yields the zero time rather than an error, matching the defensive parsing
// the grouping algorithm expects from upstream.
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.Truncate(time.Millisecond)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}
