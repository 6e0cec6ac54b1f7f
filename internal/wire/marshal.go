package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every request and response type.
type Message interface {
	Marshal() []byte
	Unmarshal(b []byte) error
}

var (
	_ Message = (*OpenRequest)(nil)
	_ Message = (*OpenResponse)(nil)
	_ Message = (*ExecuteRequest)(nil)
	_ Message = (*ExecuteResponse)(nil)
	_ Message = (*CloseRequest)(nil)
	_ Message = (*CloseResponse)(nil)
)

func (m *OpenRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, fOpenDevice, m.Device)
	return appendString(b, fOpenAccelerator, m.Accelerator)
}

func (m *OpenRequest) Unmarshal(b []byte) error {
	*m = OpenRequest{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fOpenDevice:
			return consumeString(typ, b, &m.Device)
		case fOpenAccelerator:
			return consumeString(typ, b, &m.Accelerator)
		}
		return 0, nil
	})
}

func (m *OpenResponse) Marshal() []byte {
	var b []byte
	b = appendString(b, fOpenRespSession, m.Session)
	return appendString(b, fOpenRespWorker, m.Worker)
}

func (m *OpenResponse) Unmarshal(b []byte) error {
	*m = OpenResponse{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fOpenRespSession:
			return consumeString(typ, b, &m.Session)
		case fOpenRespWorker:
			return consumeString(typ, b, &m.Worker)
		}
		return 0, nil
	})
}

func (m *ExecuteRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, fExecSession, m.Session)
	b = appendString(b, fExecOp, m.Op)
	for i := range m.Args {
		b = appendMessage(b, fExecArgs, m.Args[i].marshal())
	}
	for i := range m.Kwargs {
		b = appendMessage(b, fExecKwargs, m.Kwargs[i].marshal())
	}
	for i := range m.Tensors {
		b = appendMessage(b, fExecTensors, m.Tensors[i].marshal())
	}
	return b
}

func (m *ExecuteRequest) Unmarshal(b []byte) error {
	*m = ExecuteRequest{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fExecSession:
			return consumeString(typ, b, &m.Session)
		case fExecOp:
			return consumeString(typ, b, &m.Op)
		case fExecArgs:
			return consumeMessage(typ, b, func(v []byte) error {
				m.Args = append(m.Args, Arg{})
				return m.Args[len(m.Args)-1].unmarshal(v)
			})
		case fExecKwargs:
			return consumeMessage(typ, b, func(v []byte) error {
				m.Kwargs = append(m.Kwargs, Arg{})
				return m.Kwargs[len(m.Kwargs)-1].unmarshal(v)
			})
		case fExecTensors:
			return consumeMessage(typ, b, func(v []byte) error {
				m.Tensors = append(m.Tensors, Payload{})
				return m.Tensors[len(m.Tensors)-1].unmarshal(v)
			})
		}
		return 0, nil
	})
}

func (m *ExecuteResponse) Marshal() []byte {
	var b []byte
	b = appendVarint(b, fRespStatus, uint64(m.Status))
	b = appendString(b, fRespError, m.Error)
	for i := range m.Outputs {
		b = appendMessage(b, fRespOutputs, m.Outputs[i].marshal())
	}
	return b
}

func (m *ExecuteResponse) Unmarshal(b []byte) error {
	*m = ExecuteResponse{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fRespStatus:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			m.Status = Status(v)
			return n, err
		case fRespError:
			return consumeString(typ, b, &m.Error)
		case fRespOutputs:
			return consumeMessage(typ, b, func(v []byte) error {
				m.Outputs = append(m.Outputs, Payload{})
				return m.Outputs[len(m.Outputs)-1].unmarshal(v)
			})
		}
		return 0, nil
	})
}

func (m *CloseRequest) Marshal() []byte {
	return appendString(nil, fCloseSession, m.Session)
}

func (m *CloseRequest) Unmarshal(b []byte) error {
	*m = CloseRequest{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == fCloseSession {
			return consumeString(typ, b, &m.Session)
		}
		return 0, nil
	})
}

func (m *CloseResponse) Marshal() []byte { return nil }

func (m *CloseResponse) Unmarshal(b []byte) error {
	return decodeFields(b, func(protowire.Number, protowire.Type, []byte) (int, error) { return 0, nil })
}

func (a *Arg) marshal() []byte {
	var b []byte
	b = appendString(b, fArgName, a.Name)
	b = appendVarint(b, fArgKind, uint64(a.Kind))
	switch a.Kind {
	case ArgTensor:
		// Index 0 is meaningful, so always emit it.
		b = protowire.AppendTag(b, fArgTensor, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.Tensor))
	case ArgInt:
		b = appendInt(b, fArgInt, a.Int)
	case ArgFloat:
		b = appendDouble(b, fArgFloat, a.Float)
	case ArgBool:
		b = appendVarint(b, fArgBool, protowire.EncodeBool(a.Bool))
	case ArgString:
		b = appendString(b, fArgStr, a.Str)
	case ArgInts:
		b = appendPacked(b, fArgInts, a.Ints)
	}
	return b
}

func (a *Arg) unmarshal(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var v uint64
		switch num {
		case fArgName:
			return consumeString(typ, b, &a.Name)
		case fArgKind:
			n, err := consumeVarint(typ, b, &v)
			a.Kind = ArgKind(v)
			return n, err
		case fArgTensor:
			n, err := consumeVarint(typ, b, &v)
			if v > uint64(^uint32(0)) {
				return n, fmt.Errorf("tensor index %d out of range", v)
			}
			a.Tensor = uint32(v)
			return n, err
		case fArgInt:
			return consumeInt(typ, b, &a.Int)
		case fArgFloat:
			return consumeDouble(typ, b, &a.Float)
		case fArgBool:
			n, err := consumeVarint(typ, b, &v)
			a.Bool = protowire.DecodeBool(v)
			return n, err
		case fArgStr:
			return consumeString(typ, b, &a.Str)
		case fArgInts:
			return consumeInts(typ, b, &a.Ints)
		}
		return 0, nil
	})
}

func (p *Payload) marshal() []byte {
	var b []byte
	b = appendMessage(b, fPayloadMeta, p.Meta.marshal())
	return appendBytes(b, fPayloadData, p.Data)
}

func (p *Payload) unmarshal(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fPayloadMeta:
			return consumeMessage(typ, b, p.Meta.unmarshal)
		case fPayloadData:
			return consumeBytes(typ, b, &p.Data)
		}
		return 0, nil
	})
}

func (tm *TensorMeta) marshal() []byte {
	var b []byte
	b = appendPacked(b, fMetaShape, tm.Shape)
	b = appendPacked(b, fMetaStride, tm.Stride)
	b = appendInt(b, fMetaOffset, tm.Offset)
	return appendString(b, fMetaDType, tm.DType)
}

func (tm *TensorMeta) unmarshal(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fMetaShape:
			return consumeInts(typ, b, &tm.Shape)
		case fMetaStride:
			return consumeInts(typ, b, &tm.Stride)
		case fMetaOffset:
			return consumeInt(typ, b, &tm.Offset)
		case fMetaDType:
			return consumeString(typ, b, &tm.DType)
		}
		return 0, nil
	})
}
