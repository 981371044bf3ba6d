// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cnn builds an explorable activation graph of a small
// convolutional image classifier.
//
// # Overview
//
// Given pretrained weights and one image, the package runs the forward pass
// and records every intermediate result as a layered graph:
//
//   - one node per channel (input, conv, relu, pool) or unit (flatten, fc)
//   - one link per connection, carrying its kernel or weight
//   - every node annotated with its activation map or scalar output
//
// Supported networks follow the Tiny-VGG family:
//
//	input → (conv → relu)+ → pool → … → flatten → fc
//
// # Example Usage
//
//	import "github.com/born-ml/explainer/cnn"
//
//	m, err := cnn.LoadModel("tiny-vgg.safetensors")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := cnn.Classify(ctx, m, "espresso.jpg", cnn.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, p := range cnn.Predictions(res.Graph, m.ClassNames()) {
//	    fmt.Printf("%-12s %.3f\n", p.Class, p.Probability)
//	}
//
// # Weight Formats
//
//   - JSON layer descriptors (array or Keras-converter object form)
//   - SafeTensors with layer metadata
//   - ONNX graphs of Conv, Relu, MaxPool, Flatten and Gemm operators
package cnn
