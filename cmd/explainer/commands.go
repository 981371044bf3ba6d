package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"

	"github.com/born-ml/explainer/internal/builder"
	"github.com/born-ml/explainer/internal/cnn"
	"github.com/born-ml/explainer/internal/config"
	"github.com/born-ml/explainer/internal/imageprep"
	"github.com/born-ml/explainer/internal/model"
	"github.com/born-ml/explainer/internal/overview"
	"github.com/born-ml/explainer/internal/server"
	"github.com/born-ml/explainer/internal/session"
	"github.com/born-ml/explainer/internal/store"
	"github.com/born-ml/explainer/internal/tensor"
)

// common holds the flags shared by every command that loads a model.
type common struct {
	configPath string
	modelPath  string
	format     string
	strategy   string
	verbose    bool
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&c.modelPath, "model", "", "weight file (json, safetensors or onnx)")
	fs.StringVar(&c.format, "format", "", "weight format; detected from the extension when empty")
	fs.StringVar(&c.strategy, "strategy", "", "tensor or reference")
	fs.BoolVar(&c.verbose, "v", false, "log build progress")
}

// load reads the configuration and applies flag overrides.
func (c *common) load(stderr io.Writer) (config.Config, *log.Logger, error) {
	cfg := config.Default()
	if c.configPath != "" {
		var err error
		if cfg, err = config.Load(c.configPath); err != nil {
			return config.Config{}, nil, err
		}
	}
	if c.modelPath != "" {
		cfg.Model.Path = c.modelPath
	}
	if c.format != "" {
		cfg.Model.Format = c.format
	}
	if c.strategy != "" {
		cfg.Build.Strategy = c.strategy
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}

	var logger *log.Logger
	if c.verbose {
		logger = log.New(stderr, "", log.LstdFlags)
	}
	return cfg, logger, nil
}

// buildImage loads the model and the image and builds the graph.
func buildImage(ctx context.Context, c *common, src string, stderr io.Writer) (*builder.Result, *model.Model, config.Config, error) {
	if src == "" {
		return nil, nil, config.Config{}, errors.New("no image given (-image)")
	}
	cfg, logger, err := c.load(stderr)
	if err != nil {
		return nil, nil, cfg, err
	}
	m, err := cfg.LoadModel(logger)
	if err != nil {
		return nil, nil, cfg, err
	}
	if cfg.Image.Size != m.InputSide() {
		if logger != nil {
			logger.Printf("[explainer] image size %d does not match model input %d, using the model's", cfg.Image.Size, m.InputSide())
		}
		cfg.Image.Size = m.InputSide()
	}
	img, err := imageprep.Load(ctx, src, cfg.Image)
	if err != nil {
		return nil, nil, cfg, err
	}
	opts, err := cfg.BuildOptions(logger)
	if err != nil {
		return nil, nil, cfg, err
	}
	res, err := builder.Build(ctx, m, img.Planes, opts)
	if err != nil {
		return nil, nil, cfg, err
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(stderr, "warning: %v\n", w)
	}
	return res, m, cfg, nil
}

// output opens path for writing, or returns stdout for "" and "-".
func output(path string, stdout io.Writer) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return f, f.Close, nil
}

func runClassify(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("classify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	src := fs.String("image", "", "image path or http(s) URL")
	top := fs.Int("top", 0, "print only the k most probable classes")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	res, m, _, err := buildImage(ctx, &c, *src, stderr)
	if err != nil {
		return err
	}
	preds := cnn.Predictions(res.Graph, m.ClassNames())
	if *top > 0 && *top < len(preds) {
		preds = preds[:*top]
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLASS\tPROBABILITY\tLOGIT")
	for _, p := range preds {
		fmt.Fprintf(tw, "%s\t%.4f\t%.4f\n", p.Class, p.Probability, p.Logit)
	}
	return tw.Flush()
}

func runGraph(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("graph", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	src := fs.String("image", "", "image path or http(s) URL")
	out := fs.String("o", "-", "output file")
	layer := fs.String("layer", "", "write only this layer")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	res, _, _, err := buildImage(ctx, &c, *src, stderr)
	if err != nil {
		return err
	}
	var data []byte
	if *layer != "" {
		l, ok := res.Graph.LayerIndex(*layer)
		if !ok {
			return fmt.Errorf("no layer %q", *layer)
		}
		data, err = res.Graph.MarshalLayer(l)
	} else {
		data, err = res.Graph.MarshalJSON()
	}
	if err != nil {
		return err
	}

	w, closeFn, err := output(*out, stdout)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		_ = closeFn()
		return err
	}
	return closeFn()
}

func runRender(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("render", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	src := fs.String("image", "", "image path or http(s) URL")
	out := fs.String("o", "-", "output SVG file")
	scale := fs.String("scale", "", "colour scale level: local, module or global")
	tile := fs.Int("tile", overview.DefaultOptions().Tile, "tile side in pixels")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	res, m, cfg, err := buildImage(ctx, &c, *src, stderr)
	if err != nil {
		return err
	}
	opts := overview.DefaultOptions()
	opts.Level = cfg.ScaleLevel()
	opts.Classes = m.ClassNames()
	opts.Tile = *tile
	opts.Title = *src
	if *scale != "" {
		if opts.Level, err = cnn.ParseScaleLevel(*scale); err != nil {
			return err
		}
	}

	w, closeFn, err := output(*out, stdout)
	if err != nil {
		return err
	}
	if err := overview.Render(w, res.Graph, opts); err != nil {
		_ = closeFn()
		return err
	}
	return closeFn()
}

func runConvert(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("convert", flag.ContinueOnError)
	fs.SetOutput(stderr)
	in := fs.String("model", "", "input weight file")
	format := fs.String("format", "", "input format; detected from the extension when empty")
	out := fs.String("o", "", "output .safetensors file")
	dtypeName := fs.String("dtype", "float32", "stored precision: float32 or float64")
	name := fs.String("name", "", "model name stored in the metadata")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *in == "" || *out == "" {
		fs.Usage()
		return errUsage
	}

	dtype, err := tensor.ParseDataType(*dtypeName)
	if err != nil {
		return err
	}
	m, err := model.Load(*in, model.Format(*format))
	if err != nil {
		return err
	}
	if *name != "" {
		m.Name = *name
	}
	if err := model.SaveSafeTensors(*out, m, dtype); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %d layers to %s (%s)\n", len(m.Layers), *out, dtype)
	return nil
}

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	addr := fs.String("addr", "", "listen address")
	history := fs.String("history", "", "run history database; 'none' disables it")
	allowURL := fs.Bool("allow-url-fetch", false, "let /api/classify fetch ?url= images from public addresses")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	cfg, _, err := c.load(stderr)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *history != "" {
		cfg.Server.HistoryPath = *history
	}
	if *allowURL {
		cfg.Server.AllowURLFetch = true
	}

	// The server always logs requests.
	logger := log.New(stderr, "", log.LstdFlags)
	m, err := cfg.LoadModel(logger)
	if err != nil {
		return err
	}
	cfg.Image.Size = m.InputSide()
	opts, err := cfg.BuildOptions(nil)
	if err != nil {
		return err
	}
	if c.verbose {
		opts.Logger = logger
	}

	var db *store.DB
	if cfg.Server.HistoryPath != "" && cfg.Server.HistoryPath != "none" {
		if db, err = store.Open(cfg.Server.HistoryPath, logger); err != nil {
			return err
		}
		defer func() {
			_ = db.Close()
		}()
	}

	srv, err := server.New(server.Options{
		Model:          m,
		Build:          opts,
		Image:          cfg.Image,
		Scale:          cfg.ScaleLevel(),
		Sessions:       session.NewStore(cfg.Server.MaxGraphs, logger),
		History:        db,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Logger:         logger,
		AllowURLFetch:  cfg.Server.AllowURLFetch,
	})
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx, cfg.Server.Addr)
}
