package cnn

import (
	"encoding/json"
	"sort"
)

// Prediction is one class of the output layer.
type Prediction struct {
	Class       string  `json:"class"`
	Index       int     `json:"index"`
	Probability float64 `json:"probability"`
	Logit       float64 `json:"logit"`
}

// Predictions returns the output layer's classes sorted by descending
// probability. Missing class names are left empty.
func Predictions(g *Graph, classes []string) []Prediction {
	out := make([]Prediction, 0, len(g.OutputLayer()))
	for _, id := range g.OutputLayer() {
		n := &g.nodes[id]
		p := Prediction{Index: n.Index, Probability: n.Output.Scalar, Logit: n.Logit}
		if n.Index < len(classes) {
			p.Class = classes[n.Index]
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Probability > out[j].Probability })
	return out
}

type linkJSON struct {
	Source NodeID `json:"source"`
	Dest   NodeID `json:"dest"`
	Weight any    `json:"weight"`
}

type nodeJSON struct {
	ID          NodeID     `json:"id"`
	LayerName   string     `json:"layerName"`
	Index       int        `json:"index"`
	Type        LayerType  `json:"type"`
	Bias        float64    `json:"bias"`
	Output      any        `json:"output"`
	Logit       *float64   `json:"logit,omitempty"`
	RealIndex   *int       `json:"realIndex,omitempty"`
	InputLinks  []linkJSON `json:"inputLinks"`
	OutputLinks []linkJSON `json:"outputLinks"`
}

type layerJSON struct {
	Name  string     `json:"name"`
	Type  LayerType  `json:"type"`
	Nodes []nodeJSON `json:"nodes"`
}

type graphJSON struct {
	Layers    []layerJSON `json:"layers"`
	Flattened []NodeID    `json:"flattened,omitempty"`
}

func (w Weight) value() any {
	switch w.Kind {
	case WeightKernel:
		return w.Kernel
	case WeightScalar:
		return w.Scalar
	case WeightCoord:
		return w.Coord
	default:
		return nil
	}
}

func (o Output) value() any {
	if o.IsScalar() {
		return o.Scalar
	}
	return o.Map
}

func (g *Graph) encodeLinks(ids []LinkID) []linkJSON {
	out := make([]linkJSON, len(ids))
	for i, id := range ids {
		l := g.links[id]
		out[i] = linkJSON{Source: l.Source, Dest: l.Dest, Weight: l.Weight.value()}
	}
	return out
}

func (g *Graph) encodeLayer(l int) layerJSON {
	lj := layerJSON{Name: g.LayerName(l), Type: g.LayerType(l)}
	for _, id := range g.layers[l] {
		n := &g.nodes[id]
		nj := nodeJSON{
			ID:          id,
			LayerName:   n.LayerName,
			Index:       n.Index,
			Type:        n.Type,
			Bias:        n.Bias,
			Output:      n.Output.value(),
			InputLinks:  g.encodeLinks(n.InputLinks),
			OutputLinks: g.encodeLinks(n.OutputLinks),
		}
		switch n.Type {
		case FCLayer:
			logit := n.Logit
			nj.Logit = &logit
		case FlattenLayer:
			ri := n.RealIndex
			nj.RealIndex = &ri
		}
		lj.Nodes = append(lj.Nodes, nj)
	}
	return lj
}

// MarshalJSON encodes the graph as an array of layers in display order.
// Link endpoints are node IDs, matching each node's "id".
func (g *Graph) MarshalJSON() ([]byte, error) {
	gj := graphJSON{Layers: make([]layerJSON, len(g.layers)), Flattened: g.Flattened()}
	for l := range g.layers {
		gj.Layers[l] = g.encodeLayer(l)
	}
	return json.Marshal(gj)
}

// MarshalLayer encodes a single layer the same way MarshalJSON does.
func (g *Graph) MarshalLayer(l int) ([]byte, error) {
	if l < 0 || l >= len(g.layers) {
		return nil, ErrLayerIndex
	}
	return json.Marshal(g.encodeLayer(l))
}
