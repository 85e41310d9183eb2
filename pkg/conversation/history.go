// Package conversation owns the durable per-chat state of the relay: the
// bounded conversation windows, the per-user rate-limit accounting, and the
// snapshot persistence that carries both across restarts.
package conversation

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/chatrelay/pkg/bus"
)

// Turn is one accepted exchange: the batched user input and the backend
// answer it produced.
type Turn struct {
	Question []bus.ContentBlock `json:"question"`
	Answer   string             `json:"answer"`
	At       time.Time          `json:"at"`
}

// window is the per-chat history. Each window has its own lock so chats
// never contend with each other.
type window struct {
	mu    sync.Mutex
	turns []Turn
}

// Store keeps up to depth turns per chat, evicting oldest first. The outer
// lock guards only the chat map; per-chat mutation takes the window lock.
type Store struct {
	mu      sync.RWMutex
	depth   int
	windows map[string]*window
	dirty   atomic.Bool
}

func NewStore(depth int) *Store {
	if depth < 0 {
		depth = 0
	}
	return &Store{
		depth:   depth,
		windows: make(map[string]*window),
	}
}

func (s *Store) get(chatID string) *window {
	s.mu.RLock()
	w := s.windows[chatID]
	s.mu.RUnlock()
	if w != nil {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w = s.windows[chatID]; w == nil {
		w = &window{}
		s.windows[chatID] = w
	}
	return w
}

// Append adds a turn to the chat's window, trimming from the front once the
// window exceeds depth. A depth of 0 keeps no history at all.
func (s *Store) Append(chatID string, turn Turn) {
	if s.depth == 0 {
		return
	}

	w := s.get(chatID)
	w.mu.Lock()
	w.turns = append(w.turns, turn)
	if len(w.turns) > s.depth {
		w.turns = w.turns[len(w.turns)-s.depth:]
	}
	w.mu.Unlock()

	s.dirty.Store(true)
}

// Read returns a copy of the chat's window in order, oldest first. An
// unknown chat reads as an empty window.
func (s *Store) Read(chatID string) []Turn {
	s.mu.RLock()
	w := s.windows[chatID]
	s.mu.RUnlock()
	if w == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.turns) == 0 {
		return nil
	}
	out := make([]Turn, len(w.turns))
	copy(out, w.turns)
	return out
}

// Clear resets the chat's history.
func (s *Store) Clear(chatID string) {
	s.mu.Lock()
	_, existed := s.windows[chatID]
	delete(s.windows, chatID)
	s.mu.Unlock()

	if existed {
		s.dirty.Store(true)
	}
}

// DropLast removes and returns the most recent turn, if any. Used by the
// retry command to re-ask the last question without doubling it in history.
func (s *Store) DropLast(chatID string) (Turn, bool) {
	s.mu.RLock()
	w := s.windows[chatID]
	s.mu.RUnlock()
	if w == nil {
		return Turn{}, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.turns) == 0 {
		return Turn{}, false
	}
	last := w.turns[len(w.turns)-1]
	w.turns = w.turns[:len(w.turns)-1]
	s.dirty.Store(true)
	return last, true
}

// Depth returns the configured window capacity.
func (s *Store) Depth() int {
	return s.depth
}

// Dirty reports whether state changed since the last ClearDirty.
func (s *Store) Dirty() bool {
	return s.dirty.Load()
}

// ClearDirty is called by the snapshotter after a successful write.
func (s *Store) ClearDirty() {
	s.dirty.Store(false)
}

// export copies all windows for snapshotting. Each window is locked only
// for the duration of its own copy.
func (s *Store) export() map[string][]Turn {
	s.mu.RLock()
	windows := make(map[string]*window, len(s.windows))
	for chatID, w := range s.windows {
		windows[chatID] = w
	}
	s.mu.RUnlock()

	out := make(map[string][]Turn, len(windows))
	for chatID, w := range windows {
		w.mu.Lock()
		if len(w.turns) > 0 {
			turns := make([]Turn, len(w.turns))
			copy(turns, w.turns)
			out[chatID] = turns
		}
		w.mu.Unlock()
	}
	return out
}

// replace swaps in restored state wholesale. Windows longer than the
// configured depth are trimmed to the most recent turns.
func (s *Store) replace(conversations map[string][]Turn) {
	windows := make(map[string]*window, len(conversations))
	for chatID, turns := range conversations {
		if s.depth > 0 && len(turns) > s.depth {
			turns = turns[len(turns)-s.depth:]
		}
		if s.depth == 0 || len(turns) == 0 {
			continue
		}
		copied := make([]Turn, len(turns))
		copy(copied, turns)
		windows[chatID] = &window{turns: copied}
	}

	s.mu.Lock()
	s.windows = windows
	s.mu.Unlock()
	s.dirty.Store(false)
}
