package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/explainer/internal/builder"
	"github.com/born-ml/explainer/internal/model"
	"github.com/born-ml/explainer/internal/model/modeltest"
	"github.com/born-ml/explainer/internal/tensor"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 64, cfg.Image.Size)
	assert.True(t, cfg.Image.TransposeNonSquare)
	assert.Equal(t, "tensor", cfg.Build.Strategy)
	assert.True(t, cfg.Build.Softmax)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.False(t, cfg.Server.AllowURLFetch)
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
model:
  path: weights.safetensors
  classes: [cat, dog]
build:
  strategy: reference
  dtype: float32
  scale: global
  parallel:
    enabled: true
    num_workers: 3
image:
  size: 32
  transpose_non_square: false
server:
  addr: 127.0.0.1:9000
  allow_url_fetch: true
`))
	require.NoError(t, err)

	assert.Equal(t, "weights.safetensors", cfg.Model.Path)
	assert.Equal(t, []string{"cat", "dog"}, cfg.Model.Classes)
	assert.Equal(t, "reference", cfg.Build.Strategy)
	assert.Equal(t, 3, cfg.Build.Parallel.NumWorkers)
	assert.Equal(t, 32, cfg.Image.Size)
	assert.False(t, cfg.Image.TransposeNonSquare)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.True(t, cfg.Server.AllowURLFetch)

	// Untouched keys keep their defaults.
	assert.True(t, cfg.Build.Softmax)
	assert.Equal(t, Default().Image.MaxPixels, cfg.Image.MaxPixels)
	assert.Equal(t, Default().Server.HistoryPath, cfg.Server.HistoryPath)

	opts, err := cfg.BuildOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, builder.StrategyReference, opts.Strategy)
	assert.Equal(t, tensor.Float32, opts.DType)
	assert.True(t, opts.Parallel.Enabled)
	assert.Equal(t, "global", string(cfg.ScaleLevel()))
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().Server, cfg.Server)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		invalid bool
	}{
		{"unknown key", "build:\n  colour: red\n", false},
		{"bad yaml", "build: [\n", false},
		{"strategy", "build:\n  strategy: magic\n", true},
		{"dtype", "build:\n  dtype: int8\n", true},
		{"scale", "build:\n  scale: huge\n", true},
		{"format", "model:\n  format: pickle\n", true},
		{"image size", "image:\n  size: 0\n", true},
		{"workers", "build:\n  parallel:\n    num_workers: -1\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			if tt.invalid {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "explainer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  max_graphs: 3\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Server.MaxGraphs)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadModel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiny.json")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, model.WriteJSON(f, modeltest.Tiny()))
	require.NoError(t, f.Close())

	cfg := Default()
	cfg.Model.Path = path
	m, err := cfg.LoadModel(nil)
	require.NoError(t, err)
	assert.Len(t, m.Layers, 5)

	cfg.Model.Classes = []string{"a", "b", "c"}
	m, err = cfg.LoadModel(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, m.ClassNames())

	st := filepath.Join(dir, "tiny.safetensors")
	require.NoError(t, model.SaveSafeTensors(st, modeltest.Tiny(), tensor.Float32))
	cfg.Model.Path = st
	m, err = cfg.LoadModel(nil)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4, 3}, m.InputShape)

	cfg.Model.Path = filepath.Join(dir, "weights.bin")
	_, err = cfg.LoadModel(nil)
	assert.Error(t, err)
}
