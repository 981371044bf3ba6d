// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the pure Go CPU backend the explainer's forward pass
// runs on by default.
//
// # Overview
//
//   - Pure Go implementation (no CGO)
//   - Im2col convolutions, MatMul through gonum
//   - Float32 and Float64 support
//   - NumPy-compatible broadcasting for Add
//
// # Thread Safety
//
// The CPU backend is safe for concurrent use. Each tensor operation
// is isolated and does not share mutable state.
package cpu
