// Package imageprep turns an image file, upload or URL into the channel
// planes the network consumes: upright, resized, centre-cropped to a
// square and scaled to [0, 1].
package imageprep

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"  // register GIF
	_ "image/jpeg" // register JPEG
	_ "image/png"  // register PNG
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/rubenfonseca/fastimage"
	xdraw "golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"  // register BMP
	_ "golang.org/x/image/webp" // register WebP

	"github.com/born-ml/explainer/internal/matrix"
)

// Preprocessing errors.
var (
	ErrTooLarge = errors.New("image too large")
	ErrFormat   = errors.New("unsupported image format")
)

// Options configures preprocessing.
type Options struct {
	Size      int   `yaml:"size"`       // side of the square output
	MaxPixels int   `yaml:"max_pixels"` // reject sources with more pixels
	MaxBytes  int64 `yaml:"max_bytes"`  // reject encoded sources larger than this

	// TransposeNonSquare swaps the axes of non-square sources, which are
	// stored sideways by the sample image set.
	TransposeNonSquare bool `yaml:"transpose_non_square"`

	Client *http.Client `yaml:"-"` // nil uses http.DefaultClient
}

// DefaultOptions returns the 64×64 Tiny-VGG preprocessing.
func DefaultOptions() Options {
	return Options{
		Size:               64,
		MaxPixels:          50_000_000,
		MaxBytes:           32 << 20,
		TransposeNonSquare: true,
	}
}

// Image is a preprocessed input.
type Image struct {
	Planes []matrix.Matrix // R, G, B; Size×Size, values in [0, 1]
	Format string          // decoder name, e.g. "jpeg"
	Width  int             // source width before preprocessing
	Height int
}

// Load reads src, a file path or an http(s) URL, and preprocesses it.
func Load(ctx context.Context, src string, opts Options) (*Image, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return fetch(ctx, src, opts)
	}

	//nolint:gosec // G304: image path is user supplied.
	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return Decode(f, opts)
}

func fetch(ctx context.Context, url string, opts Options) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch image: %s", resp.Status)
	}
	return Decode(resp.Body, opts)
}

// Decode reads an encoded image and preprocesses it. The header is probed
// before decoding so oversized images are rejected cheaply.
func Decode(r io.Reader, opts Options) (*Image, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("invalid output size %d", opts.Size)
	}
	if opts.MaxBytes > 0 {
		r = io.LimitReader(r, opts.MaxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if opts.MaxBytes > 0 && int64(len(data)) > opts.MaxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, opts.MaxBytes)
	}

	w, h, err := probe(data)
	if err != nil {
		return nil, err
	}
	if opts.MaxPixels > 0 && w*h > opts.MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, w, h, opts.MaxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	b := img.Bounds()
	return &Image{
		Planes: Prepare(img, opts),
		Format: format,
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}

// probe reads the image dimensions from the header. fastimage knows the
// common formats; anything else falls back to the registered decoders.
func probe(data []byte) (width, height int, err error) {
	_, size, err := fastimage.DetectImageTypeFromReader(bytes.NewReader(data))
	if err == nil && size != nil && size.Width > 0 && size.Height > 0 {
		return int(size.Width), int(size.Height), nil
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	return cfg.Width, cfg.Height, nil
}

// Prepare orients, resizes and crops img and returns its RGB planes.
func Prepare(img image.Image, opts Options) []matrix.Matrix {
	src := toRGBA(img)
	if opts.TransposeNonSquare && src.Rect.Dx() != src.Rect.Dy() {
		src = transpose(src)
	}
	src = resize(src, opts.Size)
	return planes(src, opts.Size)
}

func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// transpose swaps the x and y axes.
func transpose(src *image.RGBA) *image.RGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.SetRGBA(y, x, src.RGBAAt(x, y))
		}
	}
	return dst
}

// resize scales src so its smaller side equals size.
func resize(src *image.RGBA, size int) *image.RGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	if min(w, h) == size {
		return src
	}
	nw, nh := size, size
	if w > h {
		nw = (w*size + h/2) / h
	} else {
		nh = (h*size + w/2) / w
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// planes crops the central size×size square and splits it into R, G and
// B planes scaled to [0, 1].
func planes(src *image.RGBA, size int) []matrix.Matrix {
	x0 := (src.Rect.Dx() - size) / 2
	y0 := (src.Rect.Dy() - size) / 2
	out := []matrix.Matrix{
		matrix.Alloc2D(size, size, 0),
		matrix.Alloc2D(size, size, 0),
		matrix.Alloc2D(size, size, 0),
	}
	for r := 0; r < size; r++ {
		for c := 0; c < size; c++ {
			px := src.RGBAAt(x0+c, y0+r)
			out[0][r][c] = float64(px.R) / 255
			out[1][r][c] = float64(px.G) / 255
			out[2][r][c] = float64(px.B) / 255
		}
	}
	return out
}

// ToImage converts RGB planes back to an image, for previews.
func ToImage(planes []matrix.Matrix) *image.RGBA {
	if len(planes) == 0 {
		return image.NewRGBA(image.Rect(0, 0, 0, 0))
	}
	h, w := planes[0].Rows(), planes[0].Cols()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			var px [3]uint8
			for ch := 0; ch < 3 && ch < len(planes); ch++ {
				px[ch] = clampByte(planes[ch][r][c])
			}
			if len(planes) == 1 {
				px[1], px[2] = px[0], px[0]
			}
			i := dst.PixOffset(c, r)
			dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2], dst.Pix[i+3] = px[0], px[1], px[2], 255
		}
	}
	return dst
}

func clampByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}
