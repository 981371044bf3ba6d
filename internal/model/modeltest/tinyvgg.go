package modeltest

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/born-ml/explainer/internal/matrix"
	"github.com/born-ml/explainer/internal/model"
)

// Tiny-VGG dimensions.
const (
	TinyVGGSide     = 64
	TinyVGGChannels = 10
	TinyVGGUnits    = 13 * 13 * TinyVGGChannels
)

// TinyVGG returns the Tiny-VGG architecture with He-initialised random
// weights drawn from seed:
//
//	64×64×3 → [conv 3×3 (10) → relu]×2 → pool → [conv 3×3 (10) → relu]×2 → pool → flatten(1690) → fc(10)
func TinyVGG(seed int64) *model.Model {
	rng := rand.New(rand.NewSource(seed))
	const kernel = 3

	m := &model.Model{
		Name:       "tiny-vgg-synthetic",
		InputShape: []int{TinyVGGSide, TinyVGGSide, 3},
		Classes:    append([]string(nil), model.DefaultClasses...),
	}

	s, in := TinyVGGSide, 3
	for block := 1; block <= 2; block++ {
		for i := 1; i <= 2; i++ {
			out := s - kernel + 1
			m.Layers = append(m.Layers,
				model.Layer{
					Name:        fmt.Sprintf("conv_%d_%d", block, i),
					InputShape:  []int{s, s, in},
					OutputShape: []int{out, out, TinyVGGChannels},
					NumNeurons:  TinyVGGChannels,
					Neurons:     heConv(rng, TinyVGGChannels, in, kernel),
				},
				model.Layer{
					Name:        fmt.Sprintf("relu_%d_%d", block, i),
					InputShape:  []int{out, out, TinyVGGChannels},
					OutputShape: []int{out, out, TinyVGGChannels},
					NumNeurons:  TinyVGGChannels,
				})
			s, in = out, TinyVGGChannels
		}
		m.Layers = append(m.Layers, model.Layer{
			Name:        fmt.Sprintf("max_pool_%d", block),
			InputShape:  []int{s, s, TinyVGGChannels},
			OutputShape: []int{s / 2, s / 2, TinyVGGChannels},
			NumNeurons:  TinyVGGChannels,
		})
		s /= 2
	}

	units := s * s * TinyVGGChannels
	classes := len(m.Classes)
	m.Layers = append(m.Layers,
		model.Layer{Name: "flatten", InputShape: []int{s, s, TinyVGGChannels}, OutputShape: []int{units}, NumNeurons: units},
		model.Layer{Name: "output", InputShape: []int{units}, OutputShape: []int{classes}, NumNeurons: classes, Neurons: heFC(rng, classes, units)},
	)
	return m
}

func heConv(rng *rand.Rand, out, in, k int) []model.Neuron {
	std := math.Sqrt(2 / float64(in*k*k))
	ns := make([]model.Neuron, out)
	for o := range ns {
		ns[o].Bias = 0.01 * rng.NormFloat64()
		for c := 0; c < in; c++ {
			kern := matrix.Alloc2D(k, k, 0)
			for r := range kern {
				for col := range kern[r] {
					kern[r][col] = std * rng.NormFloat64()
				}
			}
			ns[o].Kernels = append(ns[o].Kernels, kern)
		}
	}
	return ns
}

func heFC(rng *rand.Rand, out, in int) []model.Neuron {
	std := math.Sqrt(1 / float64(in))
	ns := make([]model.Neuron, out)
	for o := range ns {
		ns[o].Weights = make([]float64, in)
		for i := range ns[o].Weights {
			ns[o].Weights[i] = std * rng.NormFloat64()
		}
	}
	return ns
}

// Gradient returns three side×side planes holding smooth colour gradients.
func Gradient(side int) []matrix.Matrix {
	planes := make([]matrix.Matrix, 3)
	for c := range planes {
		planes[c] = matrix.Alloc2D(side, side, 0)
		for r := range planes[c] {
			for col := range planes[c][r] {
				x, y := float64(col)/float64(side), float64(r)/float64(side)
				planes[c][r][col] = 0.5 + 0.5*math.Sin(float64(c+1)*math.Pi*(x+y))
			}
		}
	}
	return planes
}
