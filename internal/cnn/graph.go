package cnn

import (
	"fmt"
)

// Graph is the layered node/link structure of one forward pass.
//
// Nodes and links live in arenas; layers hold node IDs in display order.
// Re-sorting a layer only permutes that order, so IDs and link endpoints
// stay valid.
type Graph struct {
	nodes  []Node
	links  []Link
	layers [][]NodeID
	frozen bool
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{}
}

// AppendLayer pushes nodes as a new layer and returns its position. The
// nodes are copied into the arena and assigned IDs in order.
func (g *Graph) AppendLayer(nodes []Node) (int, error) {
	if g.frozen {
		return 0, ErrFrozen
	}
	if len(nodes) == 0 {
		return 0, ErrEmptyLayer
	}

	layer := len(g.layers)
	ids := make([]NodeID, len(nodes))
	for i, n := range nodes {
		n.id = NodeID(len(g.nodes))
		n.layer = layer
		n.InputLinks = nil
		n.OutputLinks = nil
		g.nodes = append(g.nodes, n)
		ids[i] = n.id
	}
	g.layers = append(g.layers, ids)
	return layer, nil
}

// NewLink connects src to dst and records the link on both endpoints.
// dst must sit in the layer right after src.
func (g *Graph) NewLink(src, dst NodeID, w Weight) (LinkID, error) {
	if g.frozen {
		return 0, ErrFrozen
	}
	if !g.valid(src) || !g.valid(dst) {
		return 0, fmt.Errorf("link %d -> %d: %w", src, dst, ErrUnknownNode)
	}
	if sl, dl := g.nodes[src].layer, g.nodes[dst].layer; dl != sl+1 {
		return 0, fmt.Errorf("link %d -> %d spans layers %d -> %d: %w", src, dst, sl, dl, ErrMalformed)
	}

	id := LinkID(len(g.links))
	g.links = append(g.links, Link{Source: src, Dest: dst, Weight: w})
	g.nodes[src].OutputLinks = append(g.nodes[src].OutputLinks, id)
	g.nodes[dst].InputLinks = append(g.nodes[dst].InputLinks, id)
	return id, nil
}

func (g *Graph) valid(id NodeID) bool {
	return id >= 0 && int(id) < len(g.nodes)
}

// NumLayers returns the number of layers.
func (g *Graph) NumLayers() int {
	return len(g.layers)
}

// NumNodes returns the number of nodes across all layers.
func (g *Graph) NumNodes() int {
	return len(g.nodes)
}

// NumLinks returns the number of links.
func (g *Graph) NumLinks() int {
	return len(g.links)
}

// Layer returns the node IDs of layer l in display order. The slice must
// not be modified.
func (g *Graph) Layer(l int) []NodeID {
	if l < 0 || l >= len(g.layers) {
		return nil
	}
	return g.layers[l]
}

// LayerNodes returns the nodes of layer l in display order.
func (g *Graph) LayerNodes(l int) []*Node {
	ids := g.Layer(l)
	out := make([]*Node, len(ids))
	for i, id := range ids {
		out[i] = &g.nodes[id]
	}
	return out
}

// LayerName returns the name shared by the nodes of layer l.
func (g *Graph) LayerName(l int) string {
	ids := g.Layer(l)
	if len(ids) == 0 {
		return ""
	}
	return g.nodes[ids[0]].LayerName
}

// LayerType returns the type shared by the nodes of layer l.
func (g *Graph) LayerType(l int) LayerType {
	ids := g.Layer(l)
	if len(ids) == 0 {
		return InputLayer
	}
	return g.nodes[ids[0]].Type
}

// LayerIndex returns the position of the first layer called name.
func (g *Graph) LayerIndex(name string) (int, bool) {
	for l := range g.layers {
		if g.LayerName(l) == name {
			return l, true
		}
	}
	return -1, false
}

// Node returns the node with the given ID. The node and its output belong
// to the graph: callers must treat them as read-only.
func (g *Graph) Node(id NodeID) *Node {
	if !g.valid(id) {
		return nil
	}
	return &g.nodes[id]
}

// Link returns the link with the given ID.
func (g *Graph) Link(id LinkID) Link {
	return g.links[id]
}

// InputLinks returns the incoming links of a node.
func (g *Graph) InputLinks(id NodeID) []Link {
	return g.resolve(g.nodes[id].InputLinks)
}

// OutputLinks returns the outgoing links of a node.
func (g *Graph) OutputLinks(id NodeID) []Link {
	return g.resolve(g.nodes[id].OutputLinks)
}

func (g *Graph) resolve(ids []LinkID) []Link {
	out := make([]Link, len(ids))
	for i, id := range ids {
		out[i] = g.links[id]
	}
	return out
}

// Flattened returns the flatten layer's node IDs in display order, or nil
// when the graph has no flatten layer.
func (g *Graph) Flattened() []NodeID {
	for l := range g.layers {
		if g.LayerType(l) == FlattenLayer {
			return g.layers[l]
		}
	}
	return nil
}

// OutputLayer returns the last layer's node IDs.
func (g *Graph) OutputLayer() []NodeID {
	if len(g.layers) == 0 {
		return nil
	}
	return g.layers[len(g.layers)-1]
}

// SetOutput stores a node's output. Each node accepts exactly one output.
func (g *Graph) SetOutput(id NodeID, out Output) error {
	if g.frozen {
		return ErrFrozen
	}
	if !g.valid(id) {
		return fmt.Errorf("node %d: %w", id, ErrUnknownNode)
	}
	n := &g.nodes[id]
	if n.computed {
		return fmt.Errorf("%s[%d]: %w", n.LayerName, n.Index, ErrAlreadyComputed)
	}
	n.Output = out
	n.computed = true
	return nil
}

// SetLogit stores the pre-softmax value of an fc node.
func (g *Graph) SetLogit(id NodeID, logit float64) error {
	if g.frozen {
		return ErrFrozen
	}
	if !g.valid(id) {
		return fmt.Errorf("node %d: %w", id, ErrUnknownNode)
	}
	g.nodes[id].Logit = logit
	return nil
}

// Reorder replaces the display order of layer l. order must be a
// permutation of the layer's current IDs.
func (g *Graph) Reorder(l int, order []NodeID) error {
	if g.frozen {
		return ErrFrozen
	}
	if l < 0 || l >= len(g.layers) {
		return fmt.Errorf("reorder layer %d: %w", l, ErrLayerIndex)
	}
	cur := g.layers[l]
	if len(order) != len(cur) {
		return fmt.Errorf("reorder layer %d: got %d ids, want %d: %w", l, len(order), len(cur), ErrMalformed)
	}
	seen := make(map[NodeID]bool, len(order))
	for _, id := range order {
		if !g.valid(id) || g.nodes[id].layer != l || seen[id] {
			return fmt.Errorf("reorder layer %d: id %d is not a member or repeats: %w", l, id, ErrMalformed)
		}
		seen[id] = true
	}
	g.layers[l] = append([]NodeID(nil), order...)
	return nil
}

// Freeze makes the graph read-only.
func (g *Graph) Freeze() {
	g.frozen = true
}

// Frozen reports whether Freeze has been called.
func (g *Graph) Frozen() bool {
	return g.frozen
}

// Validate checks the layered structure: the first layer is input, every
// link runs between adjacent layers, fan-in matches each layer's type,
// and 2D outputs are square with a common side per layer.
func (g *Graph) Validate() error {
	if len(g.layers) == 0 {
		return &WiringError{Layer: 0, Node: -1, Details: "graph has no layers"}
	}
	if g.LayerType(0) != InputLayer {
		return &WiringError{Layer: 0, Node: -1, Details: "first layer is not input"}
	}

	for l := range g.layers {
		if err := g.validateLayer(l); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) validateLayer(l int) error {
	typ := g.LayerType(l)
	name := g.LayerName(l)
	side := -1
	var prevLen int
	if l > 0 {
		prevLen = len(g.layers[l-1])
	}

	for i, id := range g.layers[l] {
		n := &g.nodes[id]
		if n.Type != typ || n.LayerName != name {
			return &WiringError{Layer: l, Node: i, Details: fmt.Sprintf("node is %s %q in %s layer %q", n.Type, n.LayerName, typ, name)}
		}

		for _, lid := range n.InputLinks {
			src := g.links[lid].Source
			if g.nodes[src].layer != l-1 {
				return &WiringError{Layer: l, Node: i, Details: fmt.Sprintf("input link from layer %d", g.nodes[src].layer)}
			}
		}

		want := -1
		switch typ {
		case InputLayer:
			want = 0
		case ConvLayer, FCLayer:
			want = prevLen
		case ReLULayer, PoolLayer, FlattenLayer:
			want = 1
		}
		if len(n.InputLinks) != want {
			return &WiringError{Layer: l, Node: i, Details: fmt.Sprintf("%s node has %d input links, want %d", typ, len(n.InputLinks), want)}
		}

		if !n.computed {
			continue
		}
		if typ.HasMap() {
			if n.Output.IsScalar() || !n.Output.Map.IsSquare() {
				return &WiringError{Layer: l, Node: i, Details: "output is not a square map"}
			}
			if side >= 0 && n.Output.Map.Rows() != side {
				return &WiringError{Layer: l, Node: i, Details: fmt.Sprintf("output side %d, layer side %d", n.Output.Map.Rows(), side)}
			}
			side = n.Output.Map.Rows()
		} else if !n.Output.IsScalar() {
			return &WiringError{Layer: l, Node: i, Details: "output is not a scalar"}
		}
	}

	if typ == FlattenLayer {
		return g.validateFlattenFanOut(l)
	}
	return nil
}

// validateFlattenFanOut checks that each source map feeds exactly side²
// flatten nodes.
func (g *Graph) validateFlattenFanOut(l int) error {
	counts := make(map[NodeID]int, len(g.layers[l-1]))
	for _, id := range g.layers[l] {
		for _, lid := range g.nodes[id].InputLinks {
			counts[g.links[lid].Source]++
		}
	}
	for i, src := range g.layers[l-1] {
		if !g.nodes[src].computed {
			continue
		}
		side := g.nodes[src].Output.Map.Rows()
		if counts[src] != side*side {
			return &WiringError{Layer: l - 1, Node: i, Details: fmt.Sprintf("feeds %d flatten nodes, want %d", counts[src], side*side)}
		}
	}
	return nil
}
