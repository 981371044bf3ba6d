package cnn

import (
	"github.com/born-ml/explainer/internal/matrix"
)

// NodeID addresses a node in a Graph's arena.
type NodeID int

// LinkID addresses a link in a Graph's arena.
type LinkID int

// Output is a node's activation: a 2D map for input, conv, relu and pool
// nodes, a scalar for flatten and fc nodes.
type Output struct {
	Map    matrix.Matrix
	Scalar float64
}

// MapOutput wraps a 2D activation.
func MapOutput(m matrix.Matrix) Output {
	return Output{Map: m}
}

// ScalarOutput wraps a scalar activation.
func ScalarOutput(v float64) Output {
	return Output{Scalar: v}
}

// IsScalar reports whether the output has no 2D map.
func (o Output) IsScalar() bool {
	return o.Map == nil
}

// Extent returns the minimum and maximum value of the output.
func (o Output) Extent() (lo, hi float64) {
	if o.IsScalar() {
		return o.Scalar, o.Scalar
	}
	return matrix.Extent(o.Map)
}

// Node is one channel or unit of one layer.
type Node struct {
	LayerName string
	Index     int // position assigned at creation, never changed by re-sorting
	Type      LayerType
	Bias      float64
	Output    Output
	Logit     float64 // fc only, before softmax
	RealIndex int     // flatten only, channel-slowest position

	InputLinks  []LinkID
	OutputLinks []LinkID

	id       NodeID
	layer    int
	computed bool
}

// NewNode returns an unattached node. Input nodes are created with their
// channel plane and count as computed; every other node starts empty and
// receives its output from an operator or SetOutput.
func NewNode(layerName string, index int, typ LayerType, bias float64, out Output) Node {
	return Node{
		LayerName: layerName,
		Index:     index,
		Type:      typ,
		Bias:      bias,
		Output:    out,
		layer:     -1,
		id:        -1,
		computed:  typ == InputLayer && out.Map != nil,
	}
}

// ID returns the node's arena ID, or -1 before it is appended to a graph.
func (n *Node) ID() NodeID {
	return n.id
}

// Layer returns the position of the node's layer, or -1 before it is
// appended to a graph.
func (n *Node) Layer() int {
	return n.layer
}

// Computed reports whether the node's output has been set.
func (n *Node) Computed() bool {
	return n.computed
}

// WeightKind tells which field of a Weight is meaningful.
type WeightKind int

// Weight kinds per destination layer type.
const (
	WeightNone   WeightKind = iota // relu, pool
	WeightKernel                   // conv
	WeightScalar                   // fc
	WeightCoord                    // flatten: [row, col] of the source pixel
)

// Weight is the value carried by a link.
type Weight struct {
	Kind   WeightKind
	Kernel matrix.Matrix
	Scalar float64
	Coord  [2]int
}

// NoWeight is the weight of relu and pool links.
func NoWeight() Weight {
	return Weight{Kind: WeightNone}
}

// KernelWeight is the weight of a conv link.
func KernelWeight(k matrix.Matrix) Weight {
	return Weight{Kind: WeightKernel, Kernel: k}
}

// ScalarWeight is the weight of an fc link.
func ScalarWeight(w float64) Weight {
	return Weight{Kind: WeightScalar, Scalar: w}
}

// CoordWeight is the weight of a flatten link.
func CoordWeight(row, col int) Weight {
	return Weight{Kind: WeightCoord, Coord: [2]int{row, col}}
}

// Link is a directed edge between nodes of adjacent layers.
type Link struct {
	Source NodeID
	Dest   NodeID
	Weight Weight
}
