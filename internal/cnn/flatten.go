package cnn

import (
	"fmt"
	"sort"
)

// FlattenCoord decomposes flatten index i over maps of the given channel
// count and side. The channel varies fastest:
//
//	channel = i % channels
//	row     = (i / channels) / width
//	col     = (i / channels) % width
func FlattenCoord(i, channels, width int) (channel, row, col int) {
	pixel := i / channels
	return i % channels, pixel / width, pixel % width
}

// FlattenIndex is the inverse of FlattenCoord.
func FlattenIndex(channel, row, col, channels, width int) int {
	return (row*width+col)*channels + channel
}

// RealIndex is the channel-slowest position of a pixel, the order in which
// an NCHW tensor lays it out and the order the flatten column is drawn in.
func RealIndex(channel, row, col, width int) int {
	return channel*width*width + row*width + col
}

// SortByRealIndex re-sorts the display order of a flatten layer by each
// node's RealIndex. The real indices must form a permutation of
// [0, len(layer)), otherwise ErrFlattenPermutation is returned and the
// layer keeps its order.
func SortByRealIndex(g *Graph, layer int) error {
	if g.LayerType(layer) != FlattenLayer {
		return fmt.Errorf("sort layer %d %q: %w", layer, g.LayerName(layer), ErrLayerTypeMismatch)
	}

	ids := g.Layer(layer)
	seen := make([]bool, len(ids))
	for _, id := range ids {
		ri := g.nodes[id].RealIndex
		if ri < 0 || ri >= len(ids) || seen[ri] {
			return fmt.Errorf("%s[%d] real index %d over %d nodes: %w",
				g.nodes[id].LayerName, g.nodes[id].Index, ri, len(ids), ErrFlattenPermutation)
		}
		seen[ri] = true
	}

	order := append([]NodeID(nil), ids...)
	sort.Slice(order, func(a, b int) bool {
		return g.nodes[order[a]].RealIndex < g.nodes[order[b]].RealIndex
	})
	return g.Reorder(layer, order)
}

// FlattenGroup is the run of flatten nodes fed by one source map, in
// display order.
type FlattenGroup struct {
	Source NodeID
	Nodes  []NodeID
}

// FlattenGroups splits a flatten layer by source channel, following the
// order of the previous layer.
func FlattenGroups(g *Graph, layer int) []FlattenGroup {
	if layer <= 0 || g.LayerType(layer) != FlattenLayer {
		return nil
	}

	bySource := make(map[NodeID][]NodeID)
	for _, id := range g.Layer(layer) {
		n := &g.nodes[id]
		if len(n.InputLinks) == 0 {
			continue
		}
		src := g.links[n.InputLinks[0]].Source
		bySource[src] = append(bySource[src], id)
	}

	prev := g.Layer(layer - 1)
	groups := make([]FlattenGroup, 0, len(prev))
	for _, src := range prev {
		groups = append(groups, FlattenGroup{Source: src, Nodes: bySource[src]})
	}
	return groups
}
