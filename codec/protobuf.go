package codec

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Protobuf encodes concrete proto messages.
type Protobuf[T proto.Message] struct {
	new func() T // e.g. func() *mypb.User { return &mypb.User{} }
}

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.new()
	err := proto.Unmarshal(b, m)
	return m, err
}

// ProtoValue carries untyped data trees as google.protobuf.Value. Numbers
// come back as float64; integral ones fold back to ints when canonicalized.
type ProtoValue struct {
	inner Protobuf[*structpb.Value]
}

var _ Codec[any] = ProtoValue{}

func NewProtoValue() ProtoValue {
	return ProtoValue{inner: NewProtobuf(func() *structpb.Value { return &structpb.Value{} })}
}

func (c ProtoValue) Encode(v any) ([]byte, error) {
	pv, err := structpb.NewValue(plain(v))
	if err != nil {
		return nil, err
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(pv)
}

func (c ProtoValue) Decode(b []byte) (any, error) {
	pv, err := c.inner.Decode(b)
	if err != nil {
		return nil, err
	}
	return pv.AsInterface(), nil
}

// plain widens typed slices and maps that structpb.NewValue rejects.
func plain(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = plain(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plain(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	default:
		return v
	}
}
