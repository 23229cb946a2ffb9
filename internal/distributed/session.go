package distributed

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Session is one connected remote worker node's persistent framed
// control channel, together with everything the node owns: the
// correlation ids of its in-flight calls and the placeholder keys it
// has pushed.
type Session struct {
	ServerID string
	Conn     *websocket.Conn

	Send chan []byte

	mu           sync.Mutex
	lastPing     time.Time
	pending      map[string]bool // outstanding correlation ids owned by this session
	placeholders map[string]bool // placeholder keys this session has pushed
}

func newSession(serverID string, conn *websocket.Conn) *Session {
	return &Session{
		ServerID:     serverID,
		Conn:         conn,
		Send:         make(chan []byte, 64),
		lastPing:     time.Now(),
		pending:      make(map[string]bool),
		placeholders: make(map[string]bool),
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastPing = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPing
}

func (s *Session) addPending(id string) {
	s.mu.Lock()
	s.pending[id] = true
	s.mu.Unlock()
}

func (s *Session) removePending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) addPlaceholders(keys map[string]string) {
	s.mu.Lock()
	for k := range keys {
		s.placeholders[k] = true
	}
	s.mu.Unlock()
}

// placeholderKeys returns every placeholder key this session has pushed,
// used at eviction time to remove them from the refresher's table.
func (s *Session) placeholderKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.placeholders))
	for k := range s.placeholders {
		keys = append(keys, k)
	}
	return keys
}

// pendingIDs returns (and clears) every outstanding correlation id, used
// at eviction time to wake their waiters with a disconnect error.
func (s *Session) pendingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.pending = make(map[string]bool)
	return ids
}
