// Package session holds the process-wide "current graph" and a bounded
// set of recent graphs addressable by id.
//
// Builds race: a user may classify a second image before the first one
// finishes. Every build therefore takes a Ticket before it starts, and
// only the newest ticket may replace the current graph.
package session

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	sync "github.com/sasha-s/go-deadlock"

	"github.com/born-ml/explainer/internal/cnn"
)

// Store errors.
var (
	ErrNotFound      = errors.New("graph not found")
	ErrNoCurrent     = errors.New("no graph has been built yet")
	ErrCommitted     = errors.New("ticket already committed")
	ErrUnknownTicket = errors.New("ticket was not issued by this store")
)

// DefaultCapacity is the number of graphs kept when none is configured.
const DefaultCapacity = 16

// Ticket reserves a generation for one build.
type Ticket struct {
	ID         uuid.UUID
	Generation uint64
	Issued     time.Time
}

// Entry is a committed graph.
type Entry struct {
	ID         string
	Generation uint64
	Graph      *cnn.Graph
	Source     string // image path, URL or upload name
	Warnings   []string
	Committed  time.Time
}

// Store is safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	issued    uint64
	committed map[uint64]bool // generations of held graphs
	current   *Entry
	entries   map[string]*Entry
	order     []string // ids, oldest first
	capacity  int
	logger    *log.Logger
}

// NewStore returns a store keeping at most capacity graphs; capacity < 1
// selects DefaultCapacity. logger may be nil.
func NewStore(capacity int, logger *log.Logger) *Store {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Store{
		committed: make(map[uint64]bool),
		entries:   make(map[string]*Entry),
		capacity:  capacity,
		logger:    logger,
	}
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Begin issues the ticket for a new build.
func (s *Store) Begin() Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issued++
	return Ticket{ID: uuid.New(), Generation: s.issued, Issued: time.Now()}
}

// Commit stores the graph built under t. The graph is always kept by id;
// it becomes current only if no newer ticket has committed before it. The
// returned bool reports whether it did.
func (s *Store) Commit(t Ticket, g *cnn.Graph, source string, warnings []string) (*Entry, bool, error) {
	if g == nil {
		return nil, false, fmt.Errorf("commit %s: nil graph", t.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Generation == 0 || t.Generation > s.issued {
		return nil, false, fmt.Errorf("commit %s: %w", t.ID, ErrUnknownTicket)
	}
	if _, ok := s.entries[t.ID.String()]; ok || s.committed[t.Generation] {
		return nil, false, fmt.Errorf("commit %s: %w", t.ID, ErrCommitted)
	}
	s.committed[t.Generation] = true

	e := &Entry{
		ID:         t.ID.String(),
		Generation: t.Generation,
		Graph:      g,
		Source:     source,
		Warnings:   warnings,
		Committed:  time.Now(),
	}
	s.entries[e.ID] = e
	s.order = append(s.order, e.ID)
	s.evict()

	if s.current != nil && s.current.Generation > t.Generation {
		s.logf("[session] discarding stale build %s (generation %d < %d)", e.ID, t.Generation, s.current.Generation)
		return e, false, nil
	}
	s.current = e
	return e, true, nil
}

// evict drops the oldest graphs above capacity, never the current one.
// The ticket of an evicted graph is forgotten.
func (s *Store) evict() {
	for len(s.order) > s.capacity {
		victim := 0
		if s.current != nil && s.order[0] == s.current.ID {
			victim = 1
		}
		id := s.order[victim]
		s.order = append(s.order[:victim], s.order[victim+1:]...)
		delete(s.committed, s.entries[id].Generation)
		delete(s.entries, id)
	}
}

// Current returns the newest committed graph.
func (s *Store) Current() (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, ErrNoCurrent
	}
	return s.current, nil
}

// Get returns the graph with the given id, or "current".
func (s *Store) Get(id string) (*Entry, error) {
	if id == "current" {
		return s.Current()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("graph %s: %w", id, ErrNotFound)
	}
	return e, nil
}

// Len returns the number of graphs held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
