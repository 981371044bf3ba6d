package tensor

// Backend is the set of kernels the delegated forward pass needs.
//
// Every method returns a fresh tensor and leaves its inputs untouched.
// Shape misuse panics with an "op: message" string; callers that want an
// error recover at their own boundary.
type Backend interface {
	// Conv2D convolves input [N,C_in,H,W] with kernel [C_out,C_in,K_h,K_w].
	Conv2D(input, kernel *RawTensor, stride, padding int) *RawTensor

	// MaxPool2D takes the maximum over kernelSize windows of input [N,C,H,W].
	MaxPool2D(input *RawTensor, kernelSize, stride int) *RawTensor

	// ReLU computes max(0, x) elementwise.
	ReLU(x *RawTensor) *RawTensor

	// Add performs element-wise addition with NumPy-style broadcasting.
	Add(a, b *RawTensor) *RawTensor

	// MatMul multiplies 2D matrices a [M,K] and b [K,N].
	MatMul(a, b *RawTensor) *RawTensor

	// Transpose permutes dimensions; no axes reverses them.
	Transpose(t *RawTensor, axes ...int) *RawTensor

	// Reshape returns the same elements under a new shape.
	Reshape(t *RawTensor, newShape Shape) *RawTensor

	// Softmax normalises along dim.
	Softmax(x *RawTensor, dim int) *RawTensor

	Name() string
	Device() Device
}
