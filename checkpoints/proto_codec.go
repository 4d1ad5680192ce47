package checkpoints

import (
	"encoding/json"
	"math"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Binary checkpoint layout, protobuf wire format:
//
//	message Checkpoint {
//	  int64 iter = 1; string arch = 2; repeated Tensor state_dict = 3;
//	  double prec1 = 4; double best_prec1 = 5; int64 best_iter = 6;
//	  repeated Tensor swa_state_dict = 7; int64 swa_n = 8; double best_swa_prec = 9;
//	  Controller controller = 10; Optimizer optimizer = 11; Metadata metadata = 12;
//	}
//	message Tensor { string name = 1; repeated int64 shape = 2; repeated float data = 3;
//	                 string group = 4; bool buffer = 5; }
//	message Controller { double lr = 1; int64 cursor = 2; int64 turning_points = 3;
//	                     double threshold = 4; repeated double loss_history = 5;
//	                     double scale_loss = 6; double scale_loss_sum = 7; int64 scale_loss_count = 8;
//	                     double target_ratio = 9; sint64 num_bits = 10; sint64 num_grad_bits = 11; }
//	message Optimizer { string type = 1; bytes parameters_json = 2; repeated OptTensor state = 3; }
//	message OptTensor { string name = 1; repeated int64 shape = 2; repeated float data = 3;
//	                    string state_type = 4; }
//	message Metadata { string id = 1; string run_id = 2; string version = 3; string framework = 4;
//	                   int64 created_unix_nano = 5; string description = 6; repeated string tags = 7; }
//
// Repeated scalars are always packed. Unknown fields are skipped on decode.

// MarshalProto encodes a checkpoint in the binary format
func MarshalProto(c *Checkpoint) ([]byte, error) {
	if c == nil {
		return nil, errors.New("checkpoint cannot be nil")
	}
	var b []byte
	b = appendVarintField(b, 1, uint64(c.Iteration))
	b = appendStringField(b, 2, c.Arch)
	for _, w := range c.Weights {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(w))
	}
	b = appendDoubleField(b, 4, c.Accuracy)
	b = appendDoubleField(b, 5, c.BestAccuracy)
	b = appendVarintField(b, 6, uint64(c.BestIteration))
	for _, w := range c.SWAWeights {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(w))
	}
	b = appendVarintField(b, 8, uint64(c.SWACount))
	b = appendDoubleField(b, 9, c.BestSWAAccuracy)

	b = protowire.AppendTag(b, 10, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalController(c.Controller))

	if c.OptimizerState != nil {
		opt, err := marshalOptimizer(c.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 11, protowire.BytesType)
		b = protowire.AppendBytes(b, opt)
	}

	b = protowire.AppendTag(b, 12, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalMetadata(c.Metadata))
	return b, nil
}

// UnmarshalProto decodes a checkpoint from the binary format
func UnmarshalProto(data []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	r := fieldReader{b: data}
	for r.next() {
		switch r.num {
		case 1:
			c.Iteration = int(r.varint())
		case 2:
			c.Arch = r.str()
		case 3:
			w, err := unmarshalTensor(r.bytes())
			if err != nil {
				return nil, errors.Wrap(err, "state_dict")
			}
			c.Weights = append(c.Weights, w)
		case 4:
			c.Accuracy = r.double()
		case 5:
			c.BestAccuracy = r.double()
		case 6:
			c.BestIteration = int(r.varint())
		case 7:
			w, err := unmarshalTensor(r.bytes())
			if err != nil {
				return nil, errors.Wrap(err, "swa_state_dict")
			}
			c.SWAWeights = append(c.SWAWeights, w)
		case 8:
			c.SWACount = int(r.varint())
		case 9:
			c.BestSWAAccuracy = r.double()
		case 10:
			ctrl, err := unmarshalController(r.bytes())
			if err != nil {
				return nil, errors.Wrap(err, "controller")
			}
			c.Controller = ctrl
		case 11:
			opt, err := unmarshalOptimizer(r.bytes())
			if err != nil {
				return nil, errors.Wrap(err, "optimizer")
			}
			c.OptimizerState = opt
		case 12:
			meta, err := unmarshalMetadata(r.bytes())
			if err != nil {
				return nil, errors.Wrap(err, "metadata")
			}
			c.Metadata = meta
		default:
			r.skip()
		}
	}
	if r.err != nil {
		return nil, errors.Wrap(r.err, "failed to decode checkpoint")
	}
	return c, nil
}

func marshalTensor(w WeightTensor) []byte {
	var b []byte
	b = appendStringField(b, 1, w.Name)
	b = appendPackedInts(b, 2, w.Shape)
	b = appendPackedFloats(b, 3, w.Data)
	b = appendStringField(b, 4, w.Group)
	if w.Buffer {
		b = appendVarintField(b, 5, 1)
	}
	return b
}

func unmarshalTensor(data []byte) (WeightTensor, error) {
	var w WeightTensor
	r := fieldReader{b: data}
	for r.next() {
		switch r.num {
		case 1:
			w.Name = r.str()
		case 2:
			w.Shape = r.packedInts()
		case 3:
			w.Data = r.packedFloats()
		case 4:
			w.Group = r.str()
		case 5:
			w.Buffer = r.varint() != 0
		default:
			r.skip()
		}
	}
	return w, r.err
}

func marshalController(s ControllerState) []byte {
	var b []byte
	b = appendDoubleField(b, 1, s.LearningRate)
	b = appendVarintField(b, 2, uint64(s.ScheduleCursor))
	b = appendVarintField(b, 3, uint64(s.TurningPoints))
	b = appendDoubleField(b, 4, s.Threshold)
	if len(s.LossHistory) > 0 {
		var packed []byte
		for _, v := range s.LossHistory {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = appendDoubleField(b, 6, s.ScaleLoss)
	b = appendDoubleField(b, 7, s.ScaleLossSum)
	b = appendVarintField(b, 8, uint64(s.ScaleLossCount))
	b = appendDoubleField(b, 9, s.TargetRatio)
	b = appendVarintField(b, 10, protowire.EncodeZigZag(int64(s.NumBits)))
	b = appendVarintField(b, 11, protowire.EncodeZigZag(int64(s.NumGradBits)))
	return b
}

func unmarshalController(data []byte) (ControllerState, error) {
	var s ControllerState
	r := fieldReader{b: data}
	for r.next() {
		switch r.num {
		case 1:
			s.LearningRate = r.double()
		case 2:
			s.ScheduleCursor = int(r.varint())
		case 3:
			s.TurningPoints = int(r.varint())
		case 4:
			s.Threshold = r.double()
		case 5:
			s.LossHistory = r.packedDoubles()
		case 6:
			s.ScaleLoss = r.double()
		case 7:
			s.ScaleLossSum = r.double()
		case 8:
			s.ScaleLossCount = int(r.varint())
		case 9:
			s.TargetRatio = r.double()
		case 10:
			s.NumBits = int(protowire.DecodeZigZag(r.varint()))
		case 11:
			s.NumGradBits = int(protowire.DecodeZigZag(r.varint()))
		default:
			r.skip()
		}
	}
	return s, r.err
}

// Hyperparameters are a free-form map, carried as embedded JSON
func marshalOptimizer(s *OptimizerState) ([]byte, error) {
	var b []byte
	b = appendStringField(b, 1, s.Type)
	if len(s.Parameters) > 0 {
		params, err := json.Marshal(s.Parameters)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode optimizer parameters")
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, params)
	}
	for _, t := range s.StateData {
		var tb []byte
		tb = appendStringField(tb, 1, t.Name)
		tb = appendPackedInts(tb, 2, t.Shape)
		tb = appendPackedFloats(tb, 3, t.Data)
		tb = appendStringField(tb, 4, t.StateType)
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, tb)
	}
	return b, nil
}

func unmarshalOptimizer(data []byte) (*OptimizerState, error) {
	s := &OptimizerState{}
	r := fieldReader{b: data}
	for r.next() {
		switch r.num {
		case 1:
			s.Type = r.str()
		case 2:
			if raw := r.bytes(); r.err == nil {
				if err := json.Unmarshal(raw, &s.Parameters); err != nil {
					return nil, errors.Wrap(err, "optimizer parameters")
				}
			}
		case 3:
			var t OptimizerTensor
			tr := fieldReader{b: r.bytes()}
			for tr.next() {
				switch tr.num {
				case 1:
					t.Name = tr.str()
				case 2:
					t.Shape = tr.packedInts()
				case 3:
					t.Data = tr.packedFloats()
				case 4:
					t.StateType = tr.str()
				default:
					tr.skip()
				}
			}
			if tr.err != nil {
				return nil, tr.err
			}
			s.StateData = append(s.StateData, t)
		default:
			r.skip()
		}
	}
	return s, r.err
}

func marshalMetadata(m CheckpointMetadata) []byte {
	var b []byte
	b = appendStringField(b, 1, m.ID)
	b = appendStringField(b, 2, m.RunID)
	b = appendStringField(b, 3, m.Version)
	b = appendStringField(b, 4, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = appendVarintField(b, 5, uint64(m.CreatedAt.UnixNano()))
	}
	b = appendStringField(b, 6, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func unmarshalMetadata(data []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	r := fieldReader{b: data}
	for r.next() {
		switch r.num {
		case 1:
			m.ID = r.str()
		case 2:
			m.RunID = r.str()
		case 3:
			m.Version = r.str()
		case 4:
			m.Framework = r.str()
		case 5:
			m.CreatedAt = time.Unix(0, int64(r.varint())).UTC()
		case 6:
			m.Description = r.str()
		case 7:
			m.Tags = append(m.Tags, r.str())
		default:
			r.skip()
		}
	}
	return m, r.err
}

// Encoding helpers. Zero scalars are omitted like proto3 does.

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDoubleField(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendPackedInts(b []byte, num protowire.Number, vals []int) []byte {
	if len(vals) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vals {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendPackedFloats(b []byte, num protowire.Number, vals []float32) []byte {
	if len(vals) == 0 {
		return b
	}
	packed := make([]byte, 0, 4*len(vals))
	for _, v := range vals {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// fieldReader walks the fields of one message. The first error sticks and
// ends iteration.
type fieldReader struct {
	b   []byte
	num protowire.Number
	typ protowire.Type
	err error
}

func (r *fieldReader) next() bool {
	if r.err != nil || len(r.b) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return false
	}
	r.num, r.typ = num, typ
	r.b = r.b[n:]
	return true
}

func (r *fieldReader) advance(n int) bool {
	if n < 0 {
		r.err = protowire.ParseError(n)
		r.b = nil
		return false
	}
	r.b = r.b[n:]
	return true
}

func (r *fieldReader) expect(typ protowire.Type) bool {
	if r.err != nil {
		return false
	}
	if r.typ != typ {
		r.err = errors.Errorf("field %d: unexpected wire type %d", r.num, r.typ)
		r.b = nil
		return false
	}
	return true
}

func (r *fieldReader) varint() uint64 {
	if !r.expect(protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	if !r.advance(n) {
		return 0
	}
	return v
}

func (r *fieldReader) double() float64 {
	if !r.expect(protowire.Fixed64Type) {
		return 0
	}
	v, n := protowire.ConsumeFixed64(r.b)
	if !r.advance(n) {
		return 0
	}
	return math.Float64frombits(v)
}

func (r *fieldReader) bytes() []byte {
	if !r.expect(protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	if !r.advance(n) {
		return nil
	}
	return v
}

func (r *fieldReader) str() string {
	return string(r.bytes())
}

func (r *fieldReader) skip() {
	n := protowire.ConsumeFieldValue(r.num, r.typ, r.b)
	r.advance(n)
}

func (r *fieldReader) packedInts() []int {
	packed := r.bytes()
	var out []int
	for len(packed) > 0 && r.err == nil {
		v, n := protowire.ConsumeVarint(packed)
		if n < 0 {
			r.err = protowire.ParseError(n)
			return nil
		}
		out = append(out, int(v))
		packed = packed[n:]
	}
	return out
}

func (r *fieldReader) packedFloats() []float32 {
	packed := r.bytes()
	if len(packed)%4 != 0 {
		r.err = errors.Errorf("field %d: packed float length %d", r.num, len(packed))
		return nil
	}
	out := make([]float32, 0, len(packed)/4)
	for len(packed) > 0 {
		v, n := protowire.ConsumeFixed32(packed)
		out = append(out, math.Float32frombits(v))
		packed = packed[n:]
	}
	return out
}

func (r *fieldReader) packedDoubles() []float64 {
	packed := r.bytes()
	if len(packed)%8 != 0 {
		r.err = errors.Errorf("field %d: packed double length %d", r.num, len(packed))
		return nil
	}
	out := make([]float64, 0, len(packed)/8)
	for len(packed) > 0 {
		v, n := protowire.ConsumeFixed64(packed)
		out = append(out, math.Float64frombits(v))
		packed = packed[n:]
	}
	return out
}
