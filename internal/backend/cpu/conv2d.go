package cpu

import (
	"fmt"

	"github.com/born-ml/explainer/internal/tensor"
)

// Conv2D performs 2D convolution using im2col algorithm.
//
// Input shape: [batch, in_channels, height, width]
// Kernel shape: [out_channels, in_channels, kernel_h, kernel_w]
// Output shape: [batch, out_channels, out_h, out_w]
//
// Algorithm: Im2col
//  1. Transform input patches into columns (im2col)
//  2. Kernel is already [C_out, C_in*K_h*K_w] in row-major order
//  3. Multiply each kernel row with each column
//  4. Write the result in [N, C_out, H_out, W_out] order
//
// The explainer always calls it with stride 1 and padding 0, which gives
// the "valid" output side n-k+1.
func (cpu *CPUBackend) Conv2D(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	sameDType("conv2d", input, kernel)
	inputShape := input.Shape()
	kernelShape := kernel.Shape()

	if len(inputShape) != 4 {
		panic(fmt.Sprintf("conv2d: input must be 4D [N,C,H,W], got %dD", len(inputShape)))
	}
	if len(kernelShape) != 4 {
		panic(fmt.Sprintf("conv2d: kernel must be 4D [C_out,C_in,K_h,K_w], got %dD", len(kernelShape)))
	}
	if stride <= 0 {
		panic(fmt.Sprintf("conv2d: invalid stride %d", stride))
	}

	g := convGeometry{
		N:    inputShape[0],
		CIn:  inputShape[1],
		H:    inputShape[2],
		W:    inputShape[3],
		COut: kernelShape[0],
		KH:   kernelShape[2],
		KW:   kernelShape[3],

		stride:  stride,
		padding: padding,
	}
	if g.CIn != kernelShape[1] {
		panic(fmt.Sprintf("conv2d: input channels %d != kernel channels %d", g.CIn, kernelShape[1]))
	}

	g.HOut = (g.H+2*padding-g.KH)/stride + 1
	g.WOut = (g.W+2*padding-g.KW)/stride + 1
	if g.HOut <= 0 || g.WOut <= 0 {
		panic(fmt.Sprintf("conv2d: invalid output dimensions: out_h=%d, out_w=%d (check stride/padding)", g.HOut, g.WOut))
	}

	output := cpu.alloc("conv2d", tensor.Shape{g.N, g.COut, g.HOut, g.WOut}, input.DType())
	dispatch("conv2d", input.DType(),
		func() { conv2d(output.AsFloat32(), input.AsFloat32(), kernel.AsFloat32(), g) },
		func() { conv2d(output.AsFloat64(), input.AsFloat64(), kernel.AsFloat64(), g) },
	)
	return output
}

type convGeometry struct {
	N, CIn, H, W    int
	COut, KH, KW    int
	HOut, WOut      int
	stride, padding int
}

func conv2d[T tensor.Float](out, in, kernel []T, g convGeometry) {
	colWidth := g.CIn * g.KH * g.KW
	plane := g.HOut * g.WOut
	col := make([]T, g.N*plane*colWidth)
	im2col(col, in, g)

	for n := 0; n < g.N; n++ {
		for c := 0; c < g.COut; c++ {
			k := kernel[c*colWidth : (c+1)*colWidth]
			dst := out[(n*g.COut+c)*plane : (n*g.COut+c+1)*plane]
			for p := range dst {
				row := col[(n*plane+p)*colWidth : (n*plane+p+1)*colWidth]
				var sum T
				for i, w := range k {
					sum += w * row[i]
				}
				dst[p] = sum
			}
		}
	}
}

// im2col transforms [N, C, H, W] into [N*H_out*W_out, C*K_h*K_w].
// Each row is one output position; positions outside the input read zero.
func im2col[T tensor.Float](col, in []T, g convGeometry) {
	idx := 0
	for n := 0; n < g.N; n++ {
		for outH := 0; outH < g.HOut; outH++ {
			for outW := 0; outW < g.WOut; outW++ {
				hStart := outH*g.stride - g.padding
				wStart := outW*g.stride - g.padding
				for c := 0; c < g.CIn; c++ {
					base := (n*g.CIn + c) * g.H * g.W
					for kh := 0; kh < g.KH; kh++ {
						h := hStart + kh
						for kw := 0; kw < g.KW; kw++ {
							w := wStart + kw
							if h >= 0 && h < g.H && w >= 0 && w < g.W {
								col[idx] = in[base+h*g.W+w]
							} else {
								col[idx] = 0
							}
							idx++
						}
					}
				}
			}
		}
	}
}
