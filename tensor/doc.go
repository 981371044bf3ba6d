// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor exposes the dense tensors and the Backend interface that
// the explainer's forward pass runs on.
//
// # Overview
//
// A RawTensor is a contiguous row-major buffer of float32 or float64
// values. Activations use the NCHW layout with a batch of one:
//
//	[1, channels, height, width]
//
// so flattening an activation lists channel 0 first, then channel 1, and
// so on.
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/explainer/backend/cpu"
//	    "github.com/born-ml/explainer/tensor"
//	)
//
//	func main() {
//	    backend := cpu.New()
//	    x, _ := tensor.FromSlice([]float64{1, -2, 3, -4}, tensor.Shape{1, 1, 2, 2}, tensor.Float64)
//	    y := backend.ReLU(x)
//	    fmt.Println(y.Float64s()) // [1 0 3 0]
//	}
//
// # Custom Backends
//
// Any type implementing Backend can replace the CPU backend in a build,
// for example to trace or verify kernels. Kernels panic on shape misuse;
// the graph builder recovers those panics and reports them as errors.
package tensor
