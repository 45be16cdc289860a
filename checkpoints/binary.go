package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ecgvision/ecgvision/layers"
)

// binaryMagic prefixes every binary checkpoint, followed by the layout
// revision byte and a protobuf-wire encoded Checkpoint message.
var binaryMagic = []byte("ECGW")

const binaryRevision = 1

// Field numbers of the wire messages.
const (
	fieldModelSpec      protowire.Number = 1
	fieldWeights        protowire.Number = 2
	fieldTrainingState  protowire.Number = 3
	fieldOptimizerState protowire.Number = 4
	fieldMetadata       protowire.Number = 5
)

// MarshalBinary encodes a checkpoint in the compact binary layout.
func MarshalBinary(c *Checkpoint) ([]byte, error) {
	out := append([]byte(nil), binaryMagic...)
	out = append(out, binaryRevision)

	if c.ModelSpec != nil {
		spec, err := json.Marshal(c.ModelSpec)
		if err != nil {
			return nil, fmt.Errorf("encode model spec: %w", err)
		}
		out = protowire.AppendTag(out, fieldModelSpec, protowire.BytesType)
		out = protowire.AppendBytes(out, spec)
	}

	for _, w := range c.Weights {
		out = protowire.AppendTag(out, fieldWeights, protowire.BytesType)
		out = protowire.AppendBytes(out, appendWeight(nil, w))
	}

	out = protowire.AppendTag(out, fieldTrainingState, protowire.BytesType)
	out = protowire.AppendBytes(out, appendTrainingState(nil, c.TrainingState))

	if c.OptimizerState != nil {
		state, err := appendOptimizerState(nil, c.OptimizerState)
		if err != nil {
			return nil, err
		}
		out = protowire.AppendTag(out, fieldOptimizerState, protowire.BytesType)
		out = protowire.AppendBytes(out, state)
	}

	out = protowire.AppendTag(out, fieldMetadata, protowire.BytesType)
	out = protowire.AppendBytes(out, appendMetadata(nil, c.Metadata))

	return out, nil
}

// UnmarshalBinary decodes a checkpoint produced by MarshalBinary.
func UnmarshalBinary(data []byte) (*Checkpoint, error) {
	header := len(binaryMagic) + 1
	if len(data) < header || string(data[:len(binaryMagic)]) != string(binaryMagic) {
		return nil, fmt.Errorf("not a binary checkpoint")
	}
	if rev := data[len(binaryMagic)]; rev != binaryRevision {
		return nil, fmt.Errorf("unsupported binary checkpoint revision %d", rev)
	}

	c := &Checkpoint{}
	err := walkFields(data[header:], func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		switch num {
		case fieldModelSpec:
			var spec layers.ModelSpec
			if err := json.Unmarshal(v, &spec); err != nil {
				return 0, fmt.Errorf("decode model spec: %w", err)
			}
			c.ModelSpec = &spec
		case fieldWeights:
			w, err := consumeWeight(v)
			if err != nil {
				return 0, err
			}
			c.Weights = append(c.Weights, w)
		case fieldTrainingState:
			s, err := consumeTrainingState(v)
			if err != nil {
				return 0, err
			}
			c.TrainingState = s
		case fieldOptimizerState:
			s, err := consumeOptimizerState(v)
			if err != nil {
				return 0, err
			}
			c.OptimizerState = s
		case fieldMetadata:
			m, err := consumeMetadata(v)
			if err != nil {
				return 0, err
			}
			c.Metadata = m
		}
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return c, nil
}

// walkFields iterates the fields of one message. fn returns the number of
// bytes consumed after the tag (negative for a wire error).
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func appendInts(b []byte, num protowire.Number, values []int) []byte {
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendFloats(b []byte, num protowire.Number, values []float32) []byte {
	packed := make([]byte, 0, len(values)*4)
	for _, v := range values {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func consumeInts(b []byte) ([]int, int) {
	packed, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, n
	}
	values := []int{}
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return nil, m
		}
		values = append(values, int(v))
		packed = packed[m:]
	}
	return values, n
}

func consumeFloats(b []byte) ([]float32, int) {
	packed, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, n
	}
	if len(packed)%4 != 0 {
		return nil, -1
	}
	values := make([]float32, 0, len(packed)/4)
	for len(packed) > 0 {
		v, m := protowire.ConsumeFixed32(packed)
		if m < 0 {
			return nil, m
		}
		values = append(values, math.Float32frombits(v))
		packed = packed[m:]
	}
	return values, n
}

func consumeFloat(typ protowire.Type, b []byte) (float32, int) {
	if typ != protowire.Fixed32Type {
		return 0, -1
	}
	v, n := protowire.ConsumeFixed32(b)
	return math.Float32frombits(v), n
}

func appendWeight(b []byte, w WeightTensor) []byte {
	b = appendString(b, 1, w.Name)
	b = appendInts(b, 2, w.Shape)
	b = appendFloats(b, 3, w.Data)
	b = appendString(b, 4, w.Layer)
	return appendString(b, 5, w.Type)
}

func consumeWeight(data []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var n int
		switch num {
		case 1:
			w.Name, n = protowire.ConsumeString(b)
		case 2:
			w.Shape, n = consumeInts(b)
		case 3:
			w.Data, n = consumeFloats(b)
		case 4:
			w.Layer, n = protowire.ConsumeString(b)
		case 5:
			w.Type, n = protowire.ConsumeString(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		return n, nil
	})
	if err != nil {
		return w, fmt.Errorf("weight %q: %w", w.Name, err)
	}
	return w, nil
}

func appendTrainingState(b []byte, s TrainingState) []byte {
	b = appendVarint(b, 1, uint64(s.Epoch))
	b = appendVarint(b, 2, uint64(s.Step))
	b = appendFloat(b, 3, s.LearningRate)
	b = appendFloat(b, 4, s.TrainLoss)
	b = appendFloat(b, 5, s.ValidLoss)
	b = appendFloat(b, 6, s.BestLoss)
	return appendVarint(b, 7, uint64(s.TotalSteps))
}

func consumeTrainingState(data []byte) (TrainingState, error) {
	var s TrainingState
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var n int
		var v uint64
		switch num {
		case 1:
			v, n = protowire.ConsumeVarint(b)
			s.Epoch = int(v)
		case 2:
			v, n = protowire.ConsumeVarint(b)
			s.Step = int(v)
		case 3:
			s.LearningRate, n = consumeFloat(typ, b)
		case 4:
			s.TrainLoss, n = consumeFloat(typ, b)
		case 5:
			s.ValidLoss, n = consumeFloat(typ, b)
		case 6:
			s.BestLoss, n = consumeFloat(typ, b)
		case 7:
			v, n = protowire.ConsumeVarint(b)
			s.TotalSteps = int(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		return n, nil
	})
	return s, err
}

func appendOptimizerState(b []byte, s *OptimizerState) ([]byte, error) {
	b = appendString(b, 1, s.Type)
	if len(s.Parameters) > 0 {
		params, err := json.Marshal(s.Parameters)
		if err != nil {
			return nil, fmt.Errorf("encode optimizer parameters: %w", err)
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, params)
	}
	for _, t := range s.StateData {
		var msg []byte
		msg = appendString(msg, 1, t.Name)
		msg = appendInts(msg, 2, t.Shape)
		msg = appendFloats(msg, 3, t.Data)
		msg = appendString(msg, 4, t.StateType)
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	return b, nil
}

func consumeOptimizerState(data []byte) (*OptimizerState, error) {
	s := &OptimizerState{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var n int
			s.Type, n = protowire.ConsumeString(b)
			return n, nil
		case 2:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			if err := json.Unmarshal(raw, &s.Parameters); err != nil {
				return 0, fmt.Errorf("decode optimizer parameters: %w", err)
			}
			return n, nil
		case 3:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var t OptimizerTensor
			err := walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				var m int
				switch num {
				case 1:
					t.Name, m = protowire.ConsumeString(b)
				case 2:
					t.Shape, m = consumeInts(b)
				case 3:
					t.Data, m = consumeFloats(b)
				case 4:
					t.StateType, m = protowire.ConsumeString(b)
				default:
					m = protowire.ConsumeFieldValue(num, typ, b)
				}
				return m, nil
			})
			if err != nil {
				return 0, fmt.Errorf("optimizer tensor: %w", err)
			}
			s.StateData = append(s.StateData, t)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return s, err
}

func appendMetadata(b []byte, m CheckpointMetadata) []byte {
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = appendVarint(b, 3, uint64(m.CreatedAt.UnixNano()))
	}
	b = appendString(b, 4, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func consumeMetadata(data []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var n int
		switch num {
		case 1:
			m.Version, n = protowire.ConsumeString(b)
		case 2:
			m.Framework, n = protowire.ConsumeString(b)
		case 3:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.CreatedAt = time.Unix(0, int64(v)).UTC()
		case 4:
			m.Description, n = protowire.ConsumeString(b)
		case 5:
			var tag string
			tag, n = protowire.ConsumeString(b)
			m.Tags = append(m.Tags, tag)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		return n, nil
	})
	return m, err
}
