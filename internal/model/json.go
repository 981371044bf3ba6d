package model

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/born-ml/explainer/internal/cnn"
	"github.com/born-ml/explainer/internal/matrix"
)

// layerRecord is one entry of the JSON weight descriptor.
type layerRecord struct {
	Name        string         `json:"name,omitempty"`
	InputShape  []int          `json:"input_shape"`
	OutputShape []int          `json:"output_shape"`
	NumNeurons  int            `json:"num_neurons"`
	Weights     []neuronRecord `json:"weights,omitempty"`
}

// neuronRecord holds conv weights as [in_c][h][w] or fc weights as [in].
type neuronRecord struct {
	Bias    float64         `json:"bias"`
	Weights json.RawMessage `json:"weights"`
}

// LoadJSON reads a JSON weight descriptor from disk.
func LoadJSON(path string) (*Model, error) {
	//nolint:gosec // G304: model path comes from the caller.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open model: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	m, err := ReadJSON(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return m, nil
}

// ReadJSON decodes a weight descriptor. Both the array form
// ([{"name": ..., ...}, ...]) and the object form keyed by layer name are
// accepted; the object form keeps the key order of the document.
func ReadJSON(r io.Reader) (*Model, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}

	var records []layerRecord
	switch tok {
	case json.Delim('['):
		for dec.More() {
			var rec layerRecord
			if err := dec.Decode(&rec); err != nil {
				return nil, fmt.Errorf("failed to decode layer %d: %w", len(records), err)
			}
			if rec.Name == "" {
				return nil, fmt.Errorf("layer %d has no name", len(records))
			}
			records = append(records, rec)
		}
	case json.Delim('{'):
		for dec.More() {
			key, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("failed to read layer name: %w", err)
			}
			name, ok := key.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected token %v", key)
			}
			var rec layerRecord
			if err := dec.Decode(&rec); err != nil {
				return nil, fmt.Errorf("failed to decode layer %q: %w", name, err)
			}
			rec.Name = name
			records = append(records, rec)
		}
	default:
		return nil, fmt.Errorf("descriptor must be a JSON array or object, got %v", tok)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("failed to read descriptor end: %w", err)
	}

	return fromRecords(records)
}

func fromRecords(records []layerRecord) (*Model, error) {
	if len(records) == 0 {
		return nil, errors.New("descriptor has no layers")
	}

	m := &Model{
		InputShape: append([]int(nil), records[0].InputShape...),
		Layers:     make([]Layer, 0, len(records)),
	}
	for _, rec := range records {
		l := Layer{
			Name:        rec.Name,
			InputShape:  rec.InputShape,
			OutputShape: rec.OutputShape,
			NumNeurons:  rec.NumNeurons,
		}
		typ, _ := cnn.TypeFromName(rec.Name)
		for i, nr := range rec.Weights {
			n := Neuron{Bias: nr.Bias}
			switch typ {
			case cnn.ConvLayer:
				var kernels [][][]float64
				if err := json.Unmarshal(nr.Weights, &kernels); err != nil {
					return nil, fmt.Errorf("layer %q neuron %d: %w", rec.Name, i, err)
				}
				n.Kernels = make([]matrix.Matrix, len(kernels))
				for c, k := range kernels {
					n.Kernels[c] = matrix.FromRows(k)
				}
			case cnn.FCLayer:
				if err := json.Unmarshal(nr.Weights, &n.Weights); err != nil {
					return nil, fmt.Errorf("layer %q neuron %d: %w", rec.Name, i, err)
				}
			}
			l.Neurons = append(l.Neurons, n)
		}
		m.Layers = append(m.Layers, l)
	}
	return m, nil
}

// WriteJSON encodes the model in the array form of the descriptor.
func WriteJSON(w io.Writer, m *Model) error {
	records := make([]layerRecord, len(m.Layers))
	for i, l := range m.Layers {
		rec := layerRecord{
			Name:        l.Name,
			InputShape:  l.InputShape,
			OutputShape: l.OutputShape,
			NumNeurons:  l.NumNeurons,
		}
		for _, n := range l.Neurons {
			var payload any = n.Weights
			if n.Kernels != nil {
				payload = n.Kernels
			}
			raw, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("layer %q: %w", l.Name, err)
			}
			rec.Weights = append(rec.Weights, neuronRecord{Bias: n.Bias, Weights: raw})
		}
		records[i] = rec
	}
	enc := json.NewEncoder(w)
	return enc.Encode(records)
}
