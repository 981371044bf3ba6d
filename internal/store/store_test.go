package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/explainer/internal/cnn"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "history.sqlite3"), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func TestRecordAndGet(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()

	r, err := db.Record(ctx, Run{
		Source:   "cat.png",
		Model:    "tiny-vgg",
		Strategy: "tensor",
		Elapsed:  1500 * time.Microsecond,
		Warnings: 1,
		Predictions: []cnn.Prediction{
			{Class: "koala", Index: 5, Probability: 0.7, Logit: 2},
			{Class: "pizza", Index: 2, Probability: 0.3, Logit: 1},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.False(t, r.Created.IsZero())

	got, err := db.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, "cat.png", got.Source)
	assert.Equal(t, 1500*time.Microsecond, got.Elapsed)
	assert.Equal(t, r.Predictions, got.Predictions)
	assert.True(t, r.Created.Equal(got.Created))

	top, ok := got.Top()
	require.True(t, ok)
	assert.Equal(t, "koala", top.Class)
}

func TestGet_NotFound(t *testing.T) {
	db := openTemp(t)
	_, err := db.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecent_NewestFirst(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, class := range []string{"pizza", "koala", "pizza"} {
		_, err := db.Record(ctx, Run{
			Created:     base.Add(time.Duration(i) * time.Minute),
			Source:      class,
			Predictions: []cnn.Prediction{{Class: class, Probability: 1}},
		})
		require.NoError(t, err)
	}

	runs, err := db.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].Created.After(runs[1].Created))
	assert.Equal(t, "pizza", runs[0].Source)
	assert.Equal(t, "koala", runs[1].Source)

	counts, err := db.ClassCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"pizza": 2, "koala": 1}, counts)
}

func TestRecord_DuplicateID(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	_, err := db.Record(ctx, Run{ID: "x"})
	require.NoError(t, err)
	_, err = db.Record(ctx, Run{ID: "x"})
	assert.Error(t, err)
}

func TestOpen_PersistsAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h.sqlite3")
	db, err := Open(path, nil)
	require.NoError(t, err)
	r, err := db.Record(context.Background(), Run{Source: "a"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path, nil)
	require.NoError(t, err)
	defer func() {
		_ = db.Close()
	}()
	got, err := db.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Source)
}
