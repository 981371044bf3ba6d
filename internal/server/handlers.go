package server

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/born-ml/explainer/internal/builder"
	"github.com/born-ml/explainer/internal/cnn"
	"github.com/born-ml/explainer/internal/imageprep"
	"github.com/born-ml/explainer/internal/matrix"
	"github.com/born-ml/explainer/internal/overview"
	"github.com/born-ml/explainer/internal/session"
	"github.com/born-ml/explainer/internal/store"
)

type layerSummary struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	OutputShape []int  `json:"output_shape"`
	NumNeurons  int    `json:"num_neurons"`
}

type modelResponse struct {
	Name       string         `json:"name"`
	InputShape []int          `json:"input_shape"`
	Classes    []string       `json:"classes"`
	Layers     []layerSummary `json:"layers"`
}

func (s *Server) handleModel(w http.ResponseWriter, _ *http.Request) {
	m := s.opts.Model
	resp := modelResponse{Name: m.Name, InputShape: m.InputShape, Classes: m.ClassNames()}
	for _, l := range m.Layers {
		typ := "unknown"
		if t, ok := l.Type(); ok {
			typ = t.String()
		}
		resp.Layers = append(resp.Layers, layerSummary{Name: l.Name, Type: typ, OutputShape: l.OutputShape, NumNeurons: l.NumNeurons})
	}
	jsonResponse(w, http.StatusOK, resp)
}

type classifyResponse struct {
	ID          string           `json:"id"`
	Current     bool             `json:"current"`
	Source      string           `json:"source"`
	Strategy    string           `json:"strategy"`
	ElapsedMS   float64          `json:"elapsed_ms"`
	Predictions []cnn.Prediction `json:"predictions"`
	Warnings    []string         `json:"warnings"`
}

// readImage decodes the request image: a multipart "image" file, a "url"
// query parameter, or the raw body.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) (*imageprep.Image, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)

	if u := r.URL.Query().Get("url"); u != "" {
		if !s.opts.AllowURLFetch {
			return nil, "", errURLDisabled
		}
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return nil, "", fmt.Errorf("%w: url must be http or https", errBadRequest)
		}
		img, err := imageprep.Load(r.Context(), u, s.opts.Image)
		return img, u, err
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
			return nil, "", fmt.Errorf("%w: %w", errBadRequest, err)
		}
		f, hdr, err := r.FormFile("image")
		if err != nil {
			return nil, "", fmt.Errorf("%w: image field: %w", errBadRequest, err)
		}
		defer func() {
			_ = f.Close()
		}()
		img, err := imageprep.Decode(f, s.opts.Image)
		return img, hdr.Filename, err
	}

	img, err := imageprep.Decode(r.Body, s.opts.Image)
	return img, "upload", err
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	img, source, err := s.readImage(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	ticket := s.opts.Sessions.Begin()
	res, err := builder.Build(r.Context(), s.opts.Model, img.Planes, s.opts.Build)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	warnings := make([]string, len(res.Warnings))
	for i, wn := range res.Warnings {
		warnings[i] = wn.Error()
	}
	entry, current, err := s.opts.Sessions.Commit(ticket, res.Graph, source, warnings)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp := classifyResponse{
		ID:          entry.ID,
		Current:     current,
		Source:      source,
		Strategy:    string(res.Strategy),
		ElapsedMS:   float64(res.Elapsed) / float64(time.Millisecond),
		Predictions: cnn.Predictions(res.Graph, s.opts.Model.ClassNames()),
		Warnings:    warnings,
	}
	if s.opts.History != nil {
		// The run is recorded even if the client has gone away.
		_, err := s.opts.History.Record(context.WithoutCancel(r.Context()), store.Run{
			ID:          entry.ID,
			Source:      source,
			Model:       s.opts.Model.Name,
			Strategy:    resp.Strategy,
			Elapsed:     res.Elapsed,
			Warnings:    len(warnings),
			Predictions: resp.Predictions,
		})
		if err != nil {
			s.logf("[server] %v", err)
		}
	}
	jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		jsonResponse(w, http.StatusOK, []store.Run{})
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, r, fmt.Errorf("%w: limit %q", errBadRequest, v))
			return
		}
		limit = n
	}
	runs, err := s.opts.History.Recent(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	jsonResponse(w, http.StatusOK, runs)
}

func (s *Server) entry(r *http.Request) (*session.Entry, error) {
	return s.opts.Sessions.Get(mux.Vars(r)["id"])
}

// layerIndex resolves a layer given by name or position.
func layerIndex(g *cnn.Graph, v string) (int, error) {
	if l, ok := g.LayerIndex(v); ok {
		return l, nil
	}
	l, err := strconv.Atoi(v)
	if err != nil || l < 0 || l >= g.NumLayers() {
		return 0, fmt.Errorf("layer %q: %w", v, cnn.ErrLayerIndex)
	}
	return l, nil
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	e, err := s.entry(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	data, err := e.Graph.MarshalJSON()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rawJSON(w, http.StatusOK, data)
}

func (s *Server) handleLayer(w http.ResponseWriter, r *http.Request) {
	e, err := s.entry(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	l, err := layerIndex(e.Graph, mux.Vars(r)["layer"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	data, err := e.Graph.MarshalLayer(l)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rawJSON(w, http.StatusOK, data)
}

func (s *Server) handleRanges(w http.ResponseWriter, r *http.Request) {
	e, err := s.entry(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, cnn.ComputeRanges(e.Graph))
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	e, err := s.entry(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, cnn.Predictions(e.Graph, s.opts.Model.ClassNames()))
}

type flattenGroup struct {
	Source cnn.NodeID   `json:"source"`
	Nodes  []cnn.NodeID `json:"nodes"`
}

func (s *Server) handleFlatten(w http.ResponseWriter, r *http.Request) {
	e, err := s.entry(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	g := e.Graph
	for l := 0; l < g.NumLayers(); l++ {
		if g.LayerType(l) != cnn.FlattenLayer {
			continue
		}
		var groups []flattenGroup
		for _, fg := range cnn.FlattenGroups(g, l) {
			groups = append(groups, flattenGroup{Source: fg.Source, Nodes: fg.Nodes})
		}
		jsonResponse(w, http.StatusOK, groups)
		return
	}
	s.fail(w, r, fmt.Errorf("no flatten layer: %w", cnn.ErrLayerIndex))
}

func (s *Server) handleConv(w http.ResponseWriter, r *http.Request) {
	e, err := s.entry(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	vars := mux.Vars(r)
	l, err := layerIndex(e.Graph, vars["layer"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var pos [3]int
	for i, key := range []string{"node", "row", "col"} {
		if pos[i], err = strconv.Atoi(vars[key]); err != nil {
			s.fail(w, r, fmt.Errorf("%w: %s: %w", errBadRequest, key, err))
			return
		}
	}
	node, row, col := pos[0], pos[1], pos[2]

	nodes := e.Graph.Layer(l)
	if node >= len(nodes) {
		s.fail(w, r, fmt.Errorf("node %d of %d: %w", node, len(nodes), cnn.ErrUnknownNode))
		return
	}
	d, err := cnn.ExplainConv(e.Graph, nodes[node], row, col)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, d)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	e, err := s.entry(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	opts := overview.DefaultOptions()
	opts.Level = s.opts.Scale
	opts.Classes = s.opts.Model.ClassNames()
	opts.Title = e.Source
	if v := r.URL.Query().Get("scale"); v != "" {
		level, err := cnn.ParseScaleLevel(v)
		if err != nil {
			s.fail(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
			return
		}
		opts.Level = level
	}

	var buf bytes.Buffer
	if err := overview.Render(&buf, e.Graph, opts); err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	_, _ = w.Write(buf.Bytes())
}

// handleInput renders the preprocessed planes the network saw.
func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	e, err := s.entry(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	nodes := e.Graph.LayerNodes(0)
	planes := make([]matrix.Matrix, len(nodes))
	for i, n := range nodes {
		planes[i] = n.Output.Map
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, imageprep.ToImage(planes)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
