package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/explainer/internal/cnn"
)

func TestStore_CommitBecomesCurrent(t *testing.T) {
	s := NewStore(4, nil)
	_, err := s.Current()
	assert.ErrorIs(t, err, ErrNoCurrent)

	tk := s.Begin()
	g := cnn.NewGraph()
	e, current, err := s.Commit(tk, g, "cat.png", []string{"w"})
	require.NoError(t, err)
	assert.True(t, current)
	assert.Equal(t, tk.ID.String(), e.ID)
	assert.Same(t, g, e.Graph)

	cur, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, e, cur)

	got, err := s.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, "cat.png", got.Source)

	got, err = s.Get("current")
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
}

func TestStore_StaleCommitDoesNotReplaceCurrent(t *testing.T) {
	s := NewStore(4, nil)
	older := s.Begin()
	newer := s.Begin()

	newG := cnn.NewGraph()
	_, current, err := s.Commit(newer, newG, "new", nil)
	require.NoError(t, err)
	assert.True(t, current)

	oldE, current, err := s.Commit(older, cnn.NewGraph(), "old", nil)
	require.NoError(t, err)
	assert.False(t, current)

	cur, err := s.Current()
	require.NoError(t, err)
	assert.Same(t, newG, cur.Graph)

	// The stale graph is still addressable by id.
	got, err := s.Get(oldE.ID)
	require.NoError(t, err)
	assert.Equal(t, "old", got.Source)
}

func TestStore_CommitErrors(t *testing.T) {
	s := NewStore(4, nil)
	tk := s.Begin()
	_, _, err := s.Commit(tk, cnn.NewGraph(), "", nil)
	require.NoError(t, err)

	_, _, err = s.Commit(tk, cnn.NewGraph(), "", nil)
	assert.ErrorIs(t, err, ErrCommitted)

	_, _, err = s.Commit(Ticket{Generation: 99}, cnn.NewGraph(), "", nil)
	assert.ErrorIs(t, err, ErrUnknownTicket)

	_, _, err = s.Commit(s.Begin(), nil, "", nil)
	assert.Error(t, err)

	_, err = s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_EvictsOldestButKeepsCurrent(t *testing.T) {
	s := NewStore(2, nil)

	// Ticket 1 is issued first but commits last.
	t1, t2, t3 := s.Begin(), s.Begin(), s.Begin()
	e2, _, err := s.Commit(t2, cnn.NewGraph(), "2", nil)
	require.NoError(t, err)
	e3, _, err := s.Commit(t3, cnn.NewGraph(), "3", nil)
	require.NoError(t, err)
	e1, current, err := s.Commit(t1, cnn.NewGraph(), "1", nil)
	require.NoError(t, err)
	assert.False(t, current)

	assert.Equal(t, 2, s.Len())
	_, err = s.Get(e2.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(e3.ID)
	assert.NoError(t, err)
	_, err = s.Get(e1.ID)
	assert.NoError(t, err)

	cur, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, e3.ID, cur.ID)

	// The current graph is now the oldest entry and must survive eviction.
	_, _, err = s.Commit(s.Begin(), cnn.NewGraph(), "4", nil)
	require.NoError(t, err)
	_, err = s.Get(e1.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_TicketsForgottenOnEviction(t *testing.T) {
	s := NewStore(3, nil)
	for i := 0; i < 50; i++ {
		_, _, err := s.Commit(s.Begin(), cnn.NewGraph(), "", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, s.Len())
	assert.Len(t, s.committed, 3)
	for _, id := range s.order {
		assert.True(t, s.committed[s.entries[id].Generation])
	}
}

func TestStore_ConcurrentBuildsKeepNewest(t *testing.T) {
	s := NewStore(64, nil)
	tickets := make([]Ticket, 32)
	for i := range tickets {
		tickets[i] = s.Begin()
	}

	var wg sync.WaitGroup
	for i := range tickets {
		wg.Add(1)
		go func(tk Ticket) {
			defer wg.Done()
			_, _, err := s.Commit(tk, cnn.NewGraph(), "", nil)
			assert.NoError(t, err)
		}(tickets[i])
	}
	wg.Wait()

	cur, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, tickets[len(tickets)-1].Generation, cur.Generation)
	assert.Equal(t, 32, s.Len())
}
