package model

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX tensor element types used by the decoder.
const (
	onnxFloat  = 1
	onnxDouble = 11
)

// onnxModel is the subset of ModelProto the converter reads.
type onnxModel struct {
	producer string
	graph    onnxGraph
	metadata map[string]string
}

type onnxGraph struct {
	name         string
	nodes        []onnxNode
	initializers map[string]onnxTensor
	inputs       []onnxValueInfo
	outputs      []onnxValueInfo
}

type onnxNode struct {
	name    string
	opType  string
	inputs  []string
	outputs []string
	attrs   map[string]onnxAttr
}

type onnxAttr struct {
	f      float32
	i      int64
	s      []byte
	floats []float32
	ints   []int64
}

type onnxTensor struct {
	name     string
	dims     []int64
	dataType int64
	values   []float64
}

type onnxValueInfo struct {
	name  string
	shape []int64 // unknown dims are -1
}

// protoField is one decoded wire field. Varint and fixed values land in u,
// length-delimited payloads in b.
type protoField struct {
	num protowire.Number
	typ protowire.Type
	u   uint64
	b   []byte
}

// eachField walks the fields of one message.
func eachField(b []byte, fn func(f protoField) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		f := protoField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u = uint64(v)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// appendInts reads a repeated int64 field in packed or unpacked form.
func appendInts(dst []int64, f protoField) ([]int64, error) {
	if f.typ == protowire.VarintType {
		return append(dst, int64(f.u)), nil //nolint:gosec // G115: two's complement round trip.
	}
	b := f.b
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		dst = append(dst, int64(v)) //nolint:gosec // G115: two's complement round trip.
		b = b[n:]
	}
	return dst, nil
}

// appendFloats reads a repeated float field in packed or unpacked form.
func appendFloats(dst []float32, f protoField) ([]float32, error) {
	if f.typ == protowire.Fixed32Type {
		return append(dst, math.Float32frombits(uint32(f.u))), nil //nolint:gosec // G115: fixed32 payload.
	}
	if len(f.b)%4 != 0 {
		return nil, fmt.Errorf("packed floats: %d bytes", len(f.b))
	}
	for i := 0; i < len(f.b); i += 4 {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(f.b[i:])))
	}
	return dst, nil
}

func appendDoubles(dst []float64, f protoField) ([]float64, error) {
	if f.typ == protowire.Fixed64Type {
		return append(dst, math.Float64frombits(f.u)), nil
	}
	if len(f.b)%8 != 0 {
		return nil, fmt.Errorf("packed doubles: %d bytes", len(f.b))
	}
	for i := 0; i < len(f.b); i += 8 {
		dst = append(dst, math.Float64frombits(binary.LittleEndian.Uint64(f.b[i:])))
	}
	return dst, nil
}

func parseONNX(data []byte) (*onnxModel, error) {
	m := &onnxModel{metadata: map[string]string{}}
	err := eachField(data, func(f protoField) error {
		switch f.num {
		case 2: // producer_name
			m.producer = string(f.b)
		case 7: // graph
			return parseGraph(f.b, &m.graph)
		case 14: // metadata_props
			var key, value string
			if err := eachField(f.b, func(e protoField) error {
				switch e.num {
				case 1:
					key = string(e.b)
				case 2:
					value = string(e.b)
				}
				return nil
			}); err != nil {
				return err
			}
			m.metadata[key] = value
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	return m, nil
}

func parseGraph(b []byte, g *onnxGraph) error {
	g.initializers = map[string]onnxTensor{}
	return eachField(b, func(f protoField) error {
		switch f.num {
		case 1: // node
			n, err := parseNode(f.b)
			if err != nil {
				return fmt.Errorf("node %d: %w", len(g.nodes), err)
			}
			g.nodes = append(g.nodes, n)
		case 2: // name
			g.name = string(f.b)
		case 5: // initializer
			t, err := parseTensor(f.b)
			if err != nil {
				return fmt.Errorf("initializer: %w", err)
			}
			g.initializers[t.name] = t
		case 11, 12: // input, output
			vi, err := parseValueInfo(f.b)
			if err != nil {
				return err
			}
			if f.num == 11 {
				g.inputs = append(g.inputs, vi)
			} else {
				g.outputs = append(g.outputs, vi)
			}
		}
		return nil
	})
}

func parseNode(b []byte) (onnxNode, error) {
	n := onnxNode{attrs: map[string]onnxAttr{}}
	err := eachField(b, func(f protoField) error {
		switch f.num {
		case 1:
			n.inputs = append(n.inputs, string(f.b))
		case 2:
			n.outputs = append(n.outputs, string(f.b))
		case 3:
			n.name = string(f.b)
		case 4:
			n.opType = string(f.b)
		case 5:
			name, a, err := parseAttr(f.b)
			if err != nil {
				return fmt.Errorf("attribute: %w", err)
			}
			n.attrs[name] = a
		}
		return nil
	})
	return n, err
}

func parseAttr(b []byte) (string, onnxAttr, error) {
	var (
		name string
		a    onnxAttr
	)
	err := eachField(b, func(f protoField) error {
		var err error
		switch f.num {
		case 1:
			name = string(f.b)
		case 2: // f
			a.f = math.Float32frombits(uint32(f.u)) //nolint:gosec // G115: fixed32 payload.
		case 3: // i
			a.i = int64(f.u) //nolint:gosec // G115: two's complement round trip.
		case 4: // s
			a.s = f.b
		case 7: // floats
			a.floats, err = appendFloats(a.floats, f)
		case 8: // ints
			a.ints, err = appendInts(a.ints, f)
		}
		return err
	})
	return name, a, err
}

func parseTensor(b []byte) (onnxTensor, error) {
	var (
		t      onnxTensor
		raw    []byte
		floats []float32
	)
	err := eachField(b, func(f protoField) error {
		var err error
		switch f.num {
		case 1: // dims
			t.dims, err = appendInts(t.dims, f)
		case 2: // data_type
			t.dataType = int64(f.u) //nolint:gosec // G115: enum value.
		case 4: // float_data
			floats, err = appendFloats(floats, f)
		case 8: // name
			t.name = string(f.b)
		case 9: // raw_data
			raw = f.b
		case 10: // double_data
			t.values, err = appendDoubles(t.values, f)
		}
		return err
	})
	if err != nil {
		return t, err
	}

	for _, d := range t.dims {
		if d < 0 {
			return t, fmt.Errorf("tensor %s: negative dimension in %v", t.name, t.dims)
		}
	}

	switch t.dataType {
	case onnxFloat:
		if raw != nil {
			if len(raw)%4 != 0 {
				return t, fmt.Errorf("tensor %s: raw data of %d bytes", t.name, len(raw))
			}
			for i := 0; i < len(raw); i += 4 {
				floats = append(floats, math.Float32frombits(binary.LittleEndian.Uint32(raw[i:])))
			}
		}
		t.values = make([]float64, len(floats))
		for i, v := range floats {
			t.values[i] = float64(v)
		}
	case onnxDouble:
		if raw != nil {
			if t.values, err = appendDoubles(t.values, protoField{typ: protowire.BytesType, b: raw}); err != nil {
				return t, fmt.Errorf("tensor %s: %w", t.name, err)
			}
		}
	default:
		// Non-float initializers (shape constants) keep no values.
		return t, nil
	}

	want := int64(1)
	for _, d := range t.dims {
		want *= d
	}
	if int64(len(t.values)) != want {
		return t, fmt.Errorf("tensor %s: %d values for dims %v", t.name, len(t.values), t.dims)
	}
	return t, nil
}

// parseValueInfo reads ValueInfoProto{name, type.tensor_type.shape}.
func parseValueInfo(b []byte) (onnxValueInfo, error) {
	var vi onnxValueInfo
	err := eachField(b, func(f protoField) error {
		switch f.num {
		case 1:
			vi.name = string(f.b)
		case 2: // TypeProto
			return eachField(f.b, func(tf protoField) error {
				if tf.num != 1 { // tensor_type
					return nil
				}
				return eachField(tf.b, func(tt protoField) error {
					if tt.num != 2 { // shape
						return nil
					}
					return eachField(tt.b, func(sf protoField) error {
						if sf.num != 1 { // dim
							return nil
						}
						dim := int64(-1)
						err := eachField(sf.b, func(df protoField) error {
							if df.num == 1 { // dim_value
								dim = int64(df.u) //nolint:gosec // G115: dimension value.
							}
							return nil
						})
						vi.shape = append(vi.shape, dim)
						return err
					})
				})
			})
		}
		return nil
	})
	return vi, err
}
