package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers. Stable across versions; never reuse a retired number.
const (
	fOpenDevice      protowire.Number = 1
	fOpenAccelerator protowire.Number = 2

	fOpenRespSession protowire.Number = 1
	fOpenRespWorker  protowire.Number = 2

	fExecSession protowire.Number = 1
	fExecOp      protowire.Number = 2
	fExecArgs    protowire.Number = 3
	fExecKwargs  protowire.Number = 4
	fExecTensors protowire.Number = 5

	fRespStatus  protowire.Number = 1
	fRespError   protowire.Number = 2
	fRespOutputs protowire.Number = 3

	fCloseSession protowire.Number = 1

	fArgName   protowire.Number = 1
	fArgKind   protowire.Number = 2
	fArgTensor protowire.Number = 3
	fArgInt    protowire.Number = 4
	fArgFloat  protowire.Number = 5
	fArgBool   protowire.Number = 6
	fArgStr    protowire.Number = 7
	fArgInts   protowire.Number = 8

	fPayloadMeta protowire.Number = 1
	fPayloadData protowire.Number = 2

	fMetaShape  protowire.Number = 1
	fMetaStride protowire.Number = 2
	fMetaOffset protowire.Number = 3
	fMetaDType  protowire.Number = 4
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendMessage always emits the field so empty repeated elements survive.
func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

// appendPacked writes a packed zigzag-varint list.
func appendPacked(b []byte, num protowire.Number, vs []int64) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// fieldFunc consumes the value of one field from b and returns the bytes
// used. Returning 0 skips the field as unknown.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func decodeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func expect(typ, want protowire.Type) error {
	if typ != want {
		return fmt.Errorf("wire type %d, want %d", typ, want)
	}
	return nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if err := expect(typ, protowire.BytesType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeString(b)
	*dst = v
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if err := expect(typ, protowire.BytesType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*dst = append([]byte(nil), v...)
	}
	return n, nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if err := expect(typ, protowire.VarintType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeVarint(b)
	*dst = v
	return n, nil
}

func consumeInt(typ protowire.Type, b []byte, dst *int64) (int, error) {
	var u uint64
	n, err := consumeVarint(typ, b, &u)
	*dst = protowire.DecodeZigZag(u)
	return n, err
}

func consumeDouble(typ protowire.Type, b []byte, dst *float64) (int, error) {
	if err := expect(typ, protowire.Fixed64Type); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeFixed64(b)
	*dst = math.Float64frombits(v)
	return n, nil
}

// consumeInts accepts packed and unpacked encodings.
func consumeInts(typ protowire.Type, b []byte, dst *[]int64) (int, error) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n >= 0 {
			*dst = append(*dst, protowire.DecodeZigZag(v))
		}
		return n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return m, nil
			}
			*dst = append(*dst, protowire.DecodeZigZag(v))
			packed = packed[m:]
		}
		return n, nil
	}
	return 0, fmt.Errorf("wire type %d for repeated int", typ)
}

// consumeMessage hands the embedded message bytes to fn.
func consumeMessage(typ protowire.Type, b []byte, fn func([]byte) error) (int, error) {
	if err := expect(typ, protowire.BytesType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	return n, fn(v)
}
