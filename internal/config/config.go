// Package config loads the explainer's YAML configuration.
//
// A missing key keeps its Default value; command-line flags override the
// loaded values afterwards.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/explainer/internal/builder"
	"github.com/born-ml/explainer/internal/cnn"
	"github.com/born-ml/explainer/internal/imageprep"
	"github.com/born-ml/explainer/internal/model"
	"github.com/born-ml/explainer/internal/parallel"
	"github.com/born-ml/explainer/internal/tensor"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete configuration.
type Config struct {
	Model  ModelConfig       `yaml:"model"`
	Build  BuildConfig       `yaml:"build"`
	Image  imageprep.Options `yaml:"image"`
	Server ServerConfig      `yaml:"server"`
}

// ModelConfig locates the weights.
type ModelConfig struct {
	Path    string   `yaml:"path"`
	Format  string   `yaml:"format"`  // json, safetensors or onnx; empty detects from the extension
	Classes []string `yaml:"classes"` // overrides the model's own class names
}

// BuildConfig selects how graphs are computed.
type BuildConfig struct {
	Strategy string          `yaml:"strategy"`
	Softmax  bool            `yaml:"softmax"`
	DType    string          `yaml:"dtype"`
	Scale    string          `yaml:"scale"` // colour scale level of rendered overviews
	Parallel parallel.Config `yaml:"parallel"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	HistoryPath    string `yaml:"history_path"` // empty disables run history
	MaxGraphs      int    `yaml:"max_graphs"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	AllowURLFetch  bool   `yaml:"allow_url_fetch"` // classify ?url= fetches public addresses only
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Model: ModelConfig{Path: "model.json"},
		Build: BuildConfig{
			Strategy: string(builder.StrategyTensor),
			Softmax:  true,
			DType:    tensor.Float64.String(),
			Scale:    string(cnn.ModuleScale),
			Parallel: parallel.DefaultConfig(),
		},
		Image: imageprep.DefaultOptions(),
		Server: ServerConfig{
			Addr:           ":8080",
			HistoryPath:    "explainer.sqlite3",
			MaxGraphs:      16,
			MaxUploadBytes: 32 << 20,
		},
	}
}

// Load reads the YAML file at path over Default.
func Load(path string) (Config, error) {
	//nolint:gosec // G304: config path is user supplied.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that YAML typing cannot.
func (c Config) Validate() error {
	if _, err := builder.ParseStrategy(c.Build.Strategy); err != nil {
		return fmt.Errorf("%w: build.strategy: %w", ErrInvalid, err)
	}
	if _, err := tensor.ParseDataType(c.Build.DType); err != nil {
		return fmt.Errorf("%w: build.dtype: %w", ErrInvalid, err)
	}
	if _, err := cnn.ParseScaleLevel(c.Build.Scale); err != nil {
		return fmt.Errorf("%w: build.scale: %w", ErrInvalid, err)
	}
	if c.Model.Format != "" {
		switch model.Format(c.Model.Format) {
		case model.FormatJSON, model.FormatSafeTensors, model.FormatONNX:
		default:
			return fmt.Errorf("%w: model.format %q", ErrInvalid, c.Model.Format)
		}
	}
	if c.Image.Size <= 0 {
		return fmt.Errorf("%w: image.size must be positive, got %d", ErrInvalid, c.Image.Size)
	}
	if c.Build.Parallel.NumWorkers < 0 {
		return fmt.Errorf("%w: build.parallel.num_workers must not be negative", ErrInvalid)
	}
	return nil
}

// BuildOptions converts the build section into builder options.
func (c Config) BuildOptions(logger *log.Logger) (builder.Options, error) {
	strategy, err := builder.ParseStrategy(c.Build.Strategy)
	if err != nil {
		return builder.Options{}, err
	}
	dtype, err := tensor.ParseDataType(c.Build.DType)
	if err != nil {
		return builder.Options{}, err
	}
	opts := builder.DefaultOptions()
	opts.Strategy = strategy
	opts.Softmax = c.Build.Softmax
	opts.DType = dtype
	opts.Parallel = c.Build.Parallel
	opts.Logger = logger
	return opts, nil
}

// ScaleLevel returns the configured overview scale level.
func (c Config) ScaleLevel() cnn.ScaleLevel {
	l, err := cnn.ParseScaleLevel(c.Build.Scale)
	if err != nil {
		return cnn.ModuleScale
	}
	return l
}

// LoadModel loads the configured model and applies the class override.
func (c Config) LoadModel(logger *log.Logger) (*model.Model, error) {
	var (
		m   *model.Model
		err error
	)
	format := model.Format(c.Model.Format)
	if format == "" {
		if format, err = model.DetectFormat(c.Model.Path); err != nil {
			return nil, err
		}
	}
	if format == model.FormatONNX {
		opts := model.DefaultONNXOptions()
		opts.Logger = logger
		m, err = model.LoadONNX(c.Model.Path, opts)
		if err == nil {
			err = m.Validate()
		}
	} else {
		m, err = model.Load(c.Model.Path, format)
	}
	if err != nil {
		return nil, err
	}
	if len(c.Model.Classes) > 0 {
		m.Classes = c.Model.Classes
	}
	return m, nil
}
