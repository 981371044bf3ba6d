// Package modeltest provides small valid models for tests of packages that
// consume a model.
package modeltest

import (
	"github.com/born-ml/explainer/internal/matrix"
	"github.com/born-ml/explainer/internal/model"
)

// Classes are the labels of Tiny.
var Classes = []string{"koala", "pizza", "orange"}

// Tiny returns a 4×4×3 → conv(2, 3×3) → relu → pool → flatten(2) →
// output(3) model.
func Tiny() *model.Model {
	conv := make([]model.Neuron, 2)
	for o := range conv {
		conv[o].Bias = 0.25 * float64(o)
		for c := 0; c < 3; c++ {
			k := matrix.Alloc2D(3, 3, 0)
			for r := range k {
				for col := range k[r] {
					k[r][col] = float64((o+1)*(c*9+r*3+col)%7-3) / 8
				}
			}
			conv[o].Kernels = append(conv[o].Kernels, k)
		}
	}
	return &model.Model{
		Name:       "tiny",
		InputShape: []int{4, 4, 3},
		Classes:    append([]string(nil), Classes...),
		Layers: []model.Layer{
			{Name: "conv_1_1", InputShape: []int{4, 4, 3}, OutputShape: []int{2, 2, 2}, NumNeurons: 2, Neurons: conv},
			{Name: "relu_1_1", InputShape: []int{2, 2, 2}, OutputShape: []int{2, 2, 2}, NumNeurons: 2},
			{Name: "max_pool_1", InputShape: []int{2, 2, 2}, OutputShape: []int{1, 1, 2}, NumNeurons: 2},
			{Name: "flatten", InputShape: []int{1, 1, 2}, OutputShape: []int{2}, NumNeurons: 2},
			{Name: "output", InputShape: []int{2}, OutputShape: []int{3}, NumNeurons: 3, Neurons: []model.Neuron{
				{Bias: 0.1, Weights: []float64{1, -1}},
				{Bias: 0, Weights: []float64{0.5, 0.5}},
				{Bias: -0.1, Weights: []float64{-1, 2}},
			}},
		},
	}
}

// Planes returns 3 side×side input planes with values in [0, 1].
func Planes(side int) []matrix.Matrix {
	planes := make([]matrix.Matrix, 3)
	for c := range planes {
		planes[c] = matrix.Alloc2D(side, side, 0)
		for r := range planes[c] {
			for col := range planes[c][r] {
				planes[c][r][col] = float64((c+1)*(r*side+col)%11) / 10
			}
		}
	}
	return planes
}
