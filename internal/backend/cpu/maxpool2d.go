package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/explainer/internal/tensor"
)

// MaxPool2D performs 2D max pooling.
//
// Input shape:  [batch, channels, height, width]
// Output shape: [batch, channels, out_height, out_width]
//
// Where:
//
//	out_height = (height - kernelSize) / stride + 1
//	out_width = (width - kernelSize) / stride + 1
//
// An odd trailing row or column that does not fill a window is dropped.
//
// Example (2x2 pool, stride=2):
//
//	Input: [[1,2,3,4],    Output: [[6,8],
//	        [5,6,7,8],             [14,16]]
//	        [9,10,11,12],
//	        [13,14,15,16]]
func (cpu *CPUBackend) MaxPool2D(input *tensor.RawTensor, kernelSize, stride int) *tensor.RawTensor {
	inputShape := input.Shape()
	if len(inputShape) != 4 {
		panic(fmt.Sprintf("maxpool2d: expected 4D input [N,C,H,W], got %dD", len(inputShape)))
	}

	N, C, H, W := inputShape[0], inputShape[1], inputShape[2], inputShape[3]

	if kernelSize <= 0 {
		panic(fmt.Sprintf("maxpool2d: invalid kernel size %d", kernelSize))
	}
	if stride <= 0 {
		panic(fmt.Sprintf("maxpool2d: invalid stride %d", stride))
	}
	if kernelSize > H || kernelSize > W {
		panic(fmt.Sprintf("maxpool2d: kernel size %d too large for input %dx%d", kernelSize, H, W))
	}

	HOut := (H-kernelSize)/stride + 1
	WOut := (W-kernelSize)/stride + 1

	output := cpu.alloc("maxpool2d", tensor.Shape{N, C, HOut, WOut}, input.DType())
	dispatch("maxpool2d", input.DType(),
		func() { maxpool2d(output.AsFloat32(), input.AsFloat32(), N*C, H, W, HOut, WOut, kernelSize, stride) },
		func() { maxpool2d(output.AsFloat64(), input.AsFloat64(), N*C, H, W, HOut, WOut, kernelSize, stride) },
	)
	return output
}

func maxpool2d[T tensor.Float](out, in []T, planes, H, W, HOut, WOut, kernelSize, stride int) {
	for p := 0; p < planes; p++ {
		// Pre-slice channel plane
		channel := in[p*H*W : (p+1)*H*W]
		dst := out[p*HOut*WOut : (p+1)*HOut*WOut]

		for outH := 0; outH < HOut; outH++ {
			hStart := outH * stride
			for outW := 0; outW < WOut; outW++ {
				wStart := outW * stride

				maxVal := T(math.Inf(-1))
				for kh := 0; kh < kernelSize; kh++ {
					row := channel[(hStart+kh)*W : (hStart+kh+1)*W]
					for kw := 0; kw < kernelSize; kw++ {
						if v := row[wStart+kw]; v > maxVal {
							maxVal = v
						}
					}
				}
				dst[outH*WOut+outW] = maxVal
			}
		}
	}
}
