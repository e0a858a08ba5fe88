// Package confirm holds broadcast proposals until the admin answers
// "yes" or "no" or the confirmation window passes.
package confirm

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTTL = 5 * time.Minute
	defaultMax = 1000
)

type Outcome int

const (
	// OutcomeNone means the reply was not consumed: it is not yes/no, or
	// the requester has no live proposal.
	OutcomeNone Outcome = iota
	OutcomeConfirmed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

type entry struct {
	requester string
	message   string
	createdAt time.Time
}

// Store is an in-memory TTL map of pending proposals keyed by
// "<requester>_<created unix ms>". Expired entries are swept on every call;
// there are no timers.
type Store struct {
	mu  sync.Mutex
	ttl time.Duration
	max int
	now func() time.Time
	m   map[string]entry
}

func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{ttl: ttl, max: defaultMax, now: time.Now, m: map[string]entry{}}
}

// WithClock replaces the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

// SetTTL changes the window for new and existing entries.
func (s *Store) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	s.ttl = ttl
	s.mu.Unlock()
}

// Propose records message for requester and returns its key.
func (s *Store) Propose(requester, message string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)

	key := requester + "_" + strconv.FormatInt(now.UnixMilli(), 10)
	s.m[key] = entry{requester: requester, message: message, createdAt: now}
	s.enforceMaxLocked()
	return key
}

// Resolve consumes the requester's oldest live proposal if reply is
// "yes" or "no" (trimmed, any case).
func (s *Store) Resolve(requester, reply string) (Outcome, string) {
	var want Outcome
	switch strings.ToLower(strings.TrimSpace(reply)) {
	case "yes":
		want = OutcomeConfirmed
	case "no":
		want = OutcomeCancelled
	default:
		return OutcomeNone, ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.now())

	prefix := requester + "_"
	var (
		key   string
		found entry
	)
	for k, e := range s.m {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if key == "" || e.createdAt.Before(found.createdAt) || (e.createdAt.Equal(found.createdAt) && k < key) {
			key, found = k, e
		}
	}
	if key == "" {
		return OutcomeNone, ""
	}
	delete(s.m, key)
	if want == OutcomeCancelled {
		return OutcomeCancelled, ""
	}
	return OutcomeConfirmed, found.message
}

// Pending reports whether requester has a live proposal.
func (s *Store) Pending(requester string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.now())
	prefix := requester + "_"
	for k := range s.m {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.now())
	return len(s.m)
}

// sweepLocked drops entries with now-createdAt >= ttl.
func (s *Store) sweepLocked(now time.Time) {
	for k, e := range s.m {
		if now.Sub(e.createdAt) >= s.ttl {
			delete(s.m, k)
		}
	}
}

func (s *Store) enforceMaxLocked() {
	for len(s.m) > s.max {
		var oldestKey string
		var oldest time.Time
		for k, e := range s.m {
			if oldestKey == "" || e.createdAt.Before(oldest) {
				oldestKey, oldest = k, e.createdAt
			}
		}
		delete(s.m, oldestKey)
	}
}
