package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/explainer/internal/builder"
	"github.com/born-ml/explainer/internal/cnn"
	"github.com/born-ml/explainer/internal/imageprep"
	"github.com/born-ml/explainer/internal/model/modeltest"
	"github.com/born-ml/explainer/internal/store"
)

func pngBytes(t *testing.T, side int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, side, side))
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(40 * x), G: uint8(60 * y), B: uint8(20 * (x + y)), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fixture struct {
	srv     *Server
	history *store.DB
}

func newFixture(t *testing.T, withHistory bool) *fixture {
	t.Helper()
	img := imageprep.DefaultOptions()
	img.Size = 4

	f := &fixture{}
	if withHistory {
		db, err := store.Open(filepath.Join(t.TempDir(), "runs.sqlite3"), nil)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = db.Close()
		})
		f.history = db
	}
	srv, err := New(Options{
		Model:   modeltest.Tiny(),
		Build:   builder.DefaultOptions(),
		Image:   img,
		History: f.history,
	})
	require.NoError(t, err)
	f.srv = srv
	return f
}

func (f *fixture) do(t *testing.T, method, target string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) classify(t *testing.T) classifyResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/classify", pngBytes(t, 4), "image/png")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp classifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestNew_RequiresValidModel(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	m := modeltest.Tiny()
	m.InputShape = []int{4, 3, 3}
	_, err = New(Options{Model: m})
	assert.Error(t, err)
}

func TestModelEndpoint(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodGet, "/api/model", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp modelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, modeltest.Classes, resp.Classes)
	assert.Equal(t, []int{4, 4, 3}, resp.InputShape)
	require.Len(t, resp.Layers, 5)
	assert.Equal(t, "conv", resp.Layers[0].Type)
	assert.Equal(t, "fc", resp.Layers[4].Type)
}

func TestClassify_RawBody(t *testing.T) {
	f := newFixture(t, false)
	resp := f.classify(t)

	assert.NotEmpty(t, resp.ID)
	assert.True(t, resp.Current)
	assert.Equal(t, "tensor", resp.Strategy)
	require.Len(t, resp.Predictions, 3)
	sum := 0.0
	for i, p := range resp.Predictions {
		sum += p.Probability
		if i > 0 {
			assert.GreaterOrEqual(t, resp.Predictions[i-1].Probability, p.Probability)
		}
	}
	assert.InDelta(t, 1, sum, 1e-9)
	assert.Empty(t, resp.Warnings)
}

func TestClassify_Multipart(t *testing.T) {
	f := newFixture(t, false)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "koala.png")
	require.NoError(t, err)
	_, err = part.Write(pngBytes(t, 4))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := f.do(t, http.MethodPost, "/api/classify", body.Bytes(), mw.FormDataContentType())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp classifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "koala.png", resp.Source)
}

func TestClassify_URL(t *testing.T) {
	data := pngBytes(t, 4)
	images := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(data)
	}))
	defer images.Close()
	target := "/api/classify?url=" + images.URL + "/x.png"

	t.Run("disabled by default", func(t *testing.T) {
		f := newFixture(t, false)
		rec := f.do(t, http.MethodPost, target, nil, "")
		assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	})

	t.Run("loopback refused", func(t *testing.T) {
		f := newFixture(t, false)
		f.srv.opts.AllowURLFetch = true
		f.srv.opts.Image.Client = imageprep.PublicClient(5 * time.Second)
		rec := f.do(t, http.MethodPost, target, nil, "")
		assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	})

	t.Run("allowed client", func(t *testing.T) {
		f := newFixture(t, false)
		f.srv.opts.AllowURLFetch = true
		f.srv.opts.Image.Client = images.Client()
		rec := f.do(t, http.MethodPost, target, nil, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec = f.do(t, http.MethodPost, "/api/classify?url=file:///etc/passwd", nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestNew_URLFetchUsesPublicClient(t *testing.T) {
	srv, err := New(Options{Model: modeltest.Tiny(), Build: builder.DefaultOptions(), AllowURLFetch: true})
	require.NoError(t, err)
	assert.NotNil(t, srv.opts.Image.Client)
	assert.NotSame(t, http.DefaultClient, srv.opts.Image.Client)
}

func TestClassify_Errors(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/classify", []byte("not an image"), "image/png")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)

	f.srv.opts.MaxUploadBytes = 10
	rec = f.do(t, http.MethodPost, "/api/classify", pngBytes(t, 4), "image/png")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/classify", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestGraphEndpoints(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodGet, "/api/graphs/current", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	id := f.classify(t).ID

	for _, target := range []string{"/api/graphs/current", "/api/graphs/" + id} {
		rec = f.do(t, http.MethodGet, target, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var g struct {
			Layers    []json.RawMessage `json:"layers"`
			Flattened []int             `json:"flattened"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &g))
		assert.Len(t, g.Layers, 6)
		assert.Len(t, g.Flattened, 2)
	}

	rec = f.do(t, http.MethodGet, "/api/graphs/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/graphs/"+id+"/layers/conv_1_1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var layer struct {
		Name  string            `json:"name"`
		Nodes []json.RawMessage `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &layer))
	assert.Equal(t, "conv_1_1", layer.Name)
	assert.Len(t, layer.Nodes, 2)

	rec = f.do(t, http.MethodGet, "/api/graphs/"+id+"/layers/0", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/graphs/"+id+"/layers/99", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/graphs/"+id+"/ranges", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ranges cnn.Ranges
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ranges))
	assert.Len(t, ranges.Extents, 6)
	assert.Len(t, ranges.Levels[cnn.ModuleScale], 6)

	rec = f.do(t, http.MethodGet, "/api/graphs/"+id+"/flatten", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var groups []flattenGroup
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &groups))
	require.Len(t, groups, 2)
	assert.Len(t, groups[0].Nodes, 1)

	rec = f.do(t, http.MethodGet, "/api/graphs/"+id+"/predictions", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConvEndpoint(t *testing.T) {
	f := newFixture(t, false)
	id := f.classify(t).ID
	base := "/api/graphs/" + id + "/conv/"

	rec := f.do(t, http.MethodGet, base+"conv_1_1/1/1/0", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var d cnn.ConvDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, 1, d.Row)
	assert.Equal(t, 0, d.Col)
	require.Len(t, d.Terms, 3)
	total := d.Bias
	for _, term := range d.Terms {
		assert.Equal(t, 3, term.Window.Rows())
		total += term.Product
	}
	assert.InDelta(t, d.Total, total, 1e-12)

	tests := []struct {
		path string
		want int
	}{
		{"relu_1_1/0/0/0", http.StatusBadRequest},
		{"conv_1_1/7/0/0", http.StatusBadRequest},
		{"conv_1_1/0/2/0", http.StatusBadRequest},
		{"missing/0/0/0", http.StatusNotFound},
		{"conv_1_1/x/0/0", http.StatusNotFound},
		{"conv_1_1/99999999999999999999/0/0", http.StatusBadRequest},
		{"conv_1_1/0/99999999999999999999/0", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := f.do(t, http.MethodGet, base+tt.path, nil, "")
		assert.Equal(t, tt.want, rec.Code, tt.path)
	}
}

func TestOverviewEndpoint(t *testing.T) {
	f := newFixture(t, false)
	id := f.classify(t).ID

	rec := f.do(t, http.MethodGet, "/api/graphs/"+id+"/overview.svg?scale=local", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))
	assert.True(t, strings.Contains(rec.Body.String(), "koala"))

	rec = f.do(t, http.MethodGet, "/api/graphs/"+id+"/overview.svg?scale=huge", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInputEndpoint(t *testing.T) {
	f := newFixture(t, false)
	id := f.classify(t).ID

	rec := f.do(t, http.MethodGet, "/api/graphs/"+id+"/input.png", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 4), img.Bounds())

	// The uploaded image is 4x4 already, so the preview reproduces it.
	src, err := png.Decode(bytes.NewReader(pngBytes(t, 4)))
	require.NoError(t, err)
	assert.Equal(t, src.At(3, 2), img.At(3, 2))

	rec = f.do(t, http.MethodGet, "/api/graphs/nope/input.png", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunsEndpoint(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodGet, "/api/runs", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	f = newFixture(t, true)
	first := f.classify(t)
	second := f.classify(t)

	rec = f.do(t, http.MethodGet, "/api/runs?limit=10", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []store.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	ids := []string{runs[0].ID, runs[1].ID}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)
	assert.Equal(t, "tensor", runs[0].Strategy)
	assert.Len(t, runs[0].Predictions, 3)

	rec = f.do(t, http.MethodGet, "/api/runs?limit=zero", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
