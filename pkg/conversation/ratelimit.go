package conversation

import (
	"sync"
	"sync/atomic"
	"time"
)

// RateLimitState is one user's counter within the current window.
type RateLimitState struct {
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
}

// Limiter enforces a per-user message quota over a sliding fixed window:
// the counter resets entirely once the period has elapsed since the window
// started. A quota of 0 means unlimited; it never rejects.
type Limiter struct {
	mu     sync.Mutex
	quota  int
	period time.Duration
	users  map[string]*RateLimitState
	dirty  atomic.Bool
}

func NewLimiter(quota int, period time.Duration) *Limiter {
	if quota < 0 {
		quota = 0
	}
	return &Limiter{
		quota:  quota,
		period: period,
		users:  make(map[string]*RateLimitState),
	}
}

// TryConsume counts one message for the user and reports whether it is
// allowed. A rejected message does not advance the counter.
func (l *Limiter) TryConsume(userID string, now time.Time) bool {
	if l.quota == 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.users[userID]
	if st == nil {
		st = &RateLimitState{WindowStart: now}
		l.users[userID] = st
	} else if now.Sub(st.WindowStart) >= l.period {
		st.WindowStart = now
		st.Count = 0
	}

	if st.Count >= l.quota {
		return false
	}
	st.Count++
	l.dirty.Store(true)
	return true
}

// RetryAfter returns how long the user has to wait before the next message
// would be accepted. Zero means the next message is accepted immediately.
func (l *Limiter) RetryAfter(userID string, now time.Time) time.Duration {
	if l.quota == 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.users[userID]
	if st == nil {
		return 0
	}
	if now.Sub(st.WindowStart) >= l.period || st.Count < l.quota {
		return 0
	}
	return st.WindowStart.Add(l.period).Sub(now)
}

// Quota returns the configured per-window quota (0 = unlimited).
func (l *Limiter) Quota() int {
	return l.quota
}

// Dirty reports whether state changed since the last ClearDirty.
func (l *Limiter) Dirty() bool {
	return l.dirty.Load()
}

// ClearDirty is called by the snapshotter after a successful write.
func (l *Limiter) ClearDirty() {
	l.dirty.Store(false)
}

func (l *Limiter) export() map[string]RateLimitState {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]RateLimitState, len(l.users))
	for userID, st := range l.users {
		out[userID] = *st
	}
	return out
}

func (l *Limiter) replace(states map[string]RateLimitState) {
	users := make(map[string]*RateLimitState, len(states))
	for userID, st := range states {
		copied := st
		users[userID] = &copied
	}

	l.mu.Lock()
	l.users = users
	l.mu.Unlock()
	l.dirty.Store(false)
}
