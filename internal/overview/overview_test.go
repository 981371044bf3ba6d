package overview

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/explainer/internal/builder"
	"github.com/born-ml/explainer/internal/cnn"
	"github.com/born-ml/explainer/internal/matrix"
	"github.com/born-ml/explainer/internal/model"
)

// smallGraph builds 4×4×1 → conv 3×3 (2) → relu → pool → flatten(2) → output(2).
func smallGraph(t *testing.T) *cnn.Graph {
	t.Helper()
	k := matrix.FromRows([][]float64{{1, 0, -1}, {1, 0, -1}, {1, 0, -1}})
	m := &model.Model{
		InputShape: []int{4, 4, 1},
		Layers: []model.Layer{
			{Name: "conv_1_1", Neurons: []model.Neuron{{Kernels: []matrix.Matrix{k}}, {Bias: -0.3, Kernels: []matrix.Matrix{matrix.Map(k, func(v float64) float64 { return -v })}}}},
			{Name: "relu_1_1"},
			{Name: "max_pool_1"},
			{Name: "flatten"},
			{Name: "output", Neurons: []model.Neuron{{Weights: []float64{1, -1}}, {Weights: []float64{-1, 1}, Bias: 0.5}}},
		},
	}
	plane := matrix.FromRows([][]float64{
		{0, 0.2, 0.4, 0.6},
		{0, 0.2, 0.4, 0.6},
		{1, 0.8, 0.6, 0.4},
		{1, 0.8, 0.6, 0.4},
	})
	res, err := builder.Build(context.Background(), m, []matrix.Matrix{plane}, builder.DefaultOptions())
	require.NoError(t, err)
	return res.Graph
}

func TestRender(t *testing.T) {
	g := smallGraph(t)
	opts := DefaultOptions()
	opts.Classes = []string{"koala", "pizza & co"}
	opts.Title = "overview"

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, g, opts))
	out := buf.String()

	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "<?xml"))
	assert.Contains(t, out, "<svg")
	assert.Contains(t, out, "</svg>")
	assert.Contains(t, out, "<title>overview</title>")
	for l := 0; l < g.NumLayers(); l++ {
		assert.Contains(t, out, `id="layer-`+string(rune('0'+l))+`"`)
		assert.Contains(t, out, g.LayerName(l))
	}
	assert.Contains(t, out, "koala")
	assert.Contains(t, out, "pizza &amp; co")
	assert.Contains(t, out, "<line")
}

func TestRender_LevelsChangeColours(t *testing.T) {
	g := smallGraph(t)
	var local, global bytes.Buffer
	require.NoError(t, Render(&local, g, Options{Level: cnn.LocalScale, Tile: 16}))
	require.NoError(t, Render(&global, g, Options{Level: cnn.GlobalScale, Tile: 16}))
	assert.NotEqual(t, local.String(), global.String())
}

func TestRender_Errors(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, Render(&buf, cnn.NewGraph(), DefaultOptions()), ErrEmptyGraph)
	assert.ErrorIs(t, Render(&buf, nil, DefaultOptions()), ErrEmptyGraph)

	werr := errors.New("disk full")
	err := Render(failingWriter{werr}, smallGraph(t), DefaultOptions())
	assert.ErrorIs(t, err, werr)
}

type failingWriter struct{ err error }

func (f failingWriter) Write([]byte) (int, error) { return 0, f.err }

func TestColourSchemes(t *testing.T) {
	assert.Equal(t, "#67001f", RdBu(0))
	assert.Equal(t, "#f7f7f7", RdBu(0.5))
	assert.Equal(t, "#053061", RdBu(1))
	assert.Equal(t, "#053061", RdBu(7))
	assert.Equal(t, "#67001f", RdBu(-1))

	assert.Equal(t, "#ffffff", Greys(0))
	assert.Equal(t, "#000000", Greys(1))
}
