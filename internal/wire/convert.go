package wire

import (
	"fmt"

	"remoted/internal/tensor"
)

// Reader returns the contiguous bytes of a tensor view.
type Reader func(t *tensor.Tensor) ([]byte, error)

// Binder turns a received payload into a tensor usable by the receiver.
type Binder func(index int, meta tensor.Metadata, data []byte) (*tensor.Tensor, error)

// NewExecuteRequest serializes call. Each distinct tensor is read once and
// referenced from the argument lists by index.
func NewExecuteRequest(session string, call *tensor.Call, read Reader) (*ExecuteRequest, error) {
	req := &ExecuteRequest{Session: session, Op: call.Op}
	seen := make(map[*tensor.Tensor]uint32)

	encode := func(name string, v tensor.Value) (Arg, error) {
		a := Arg{Name: name}
		switch v.Kind {
		case tensor.KindNone:
		case tensor.KindTensor:
			if v.Tensor == nil {
				return a, fmt.Errorf("argument %q: nil tensor", name)
			}
			idx, ok := seen[v.Tensor]
			if !ok {
				data, err := read(v.Tensor)
				if err != nil {
					return a, err
				}
				m := tensor.Contiguous(v.Tensor.Shape, v.Tensor.DType, 0, 0)
				idx = uint32(len(req.Tensors))
				req.Tensors = append(req.Tensors, Payload{Meta: MetaOf(m), Data: data})
				seen[v.Tensor] = idx
			}
			a.Kind, a.Tensor = ArgTensor, idx
		case tensor.KindInt:
			a.Kind, a.Int = ArgInt, v.Int
		case tensor.KindFloat:
			a.Kind, a.Float = ArgFloat, v.Float
		case tensor.KindBool:
			a.Kind, a.Bool = ArgBool, v.Bool
		case tensor.KindString:
			a.Kind, a.Str = ArgString, v.Str
		case tensor.KindInts:
			a.Kind, a.Ints = ArgInts, append([]int64(nil), v.Ints...)
		default:
			return a, fmt.Errorf("argument %q: unsupported kind %s", name, v.Kind)
		}
		return a, nil
	}

	for i, v := range call.Args {
		a, err := encode("", v)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		req.Args = append(req.Args, a)
	}
	for _, kw := range call.Kwargs {
		a, err := encode(kw.Name, kw.Value)
		if err != nil {
			return nil, err
		}
		req.Kwargs = append(req.Kwargs, a)
	}
	return req, nil
}

// Call rebuilds the operation, binding each payload exactly once.
func (m *ExecuteRequest) Call(bind Binder) (*tensor.Call, error) {
	bound := make([]*tensor.Tensor, len(m.Tensors))
	for i, p := range m.Tensors {
		meta, err := p.Meta.Metadata()
		if err != nil {
			return nil, fmt.Errorf("tensor %d: %w", i, err)
		}
		if int64(len(p.Data)) != meta.Nbytes() {
			return nil, fmt.Errorf("tensor %d: %d bytes for %s", i, len(p.Data), meta)
		}
		t, err := bind(i, meta, p.Data)
		if err != nil {
			return nil, fmt.Errorf("tensor %d: %w", i, err)
		}
		bound[i] = t
	}
	decode := func(a Arg) (tensor.Value, error) {
		switch a.Kind {
		case ArgNone:
			return tensor.NoneArg(), nil
		case ArgTensor:
			if int(a.Tensor) >= len(bound) {
				return tensor.Value{}, fmt.Errorf("tensor index %d out of range (%d payloads)", a.Tensor, len(bound))
			}
			return tensor.TensorArg(bound[a.Tensor]), nil
		case ArgInt:
			return tensor.IntArg(a.Int), nil
		case ArgFloat:
			return tensor.FloatArg(a.Float), nil
		case ArgBool:
			return tensor.BoolArg(a.Bool), nil
		case ArgString:
			return tensor.StringArg(a.Str), nil
		case ArgInts:
			return tensor.IntsArg(a.Ints...), nil
		}
		return tensor.Value{}, fmt.Errorf("unknown argument kind %d", a.Kind)
	}

	call := &tensor.Call{Op: m.Op}
	for i, a := range m.Args {
		v, err := decode(a)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		call.Args = append(call.Args, v)
	}
	for _, a := range m.Kwargs {
		v, err := decode(a)
		if err != nil {
			return nil, fmt.Errorf("kwarg %q: %w", a.Name, err)
		}
		call.Kwargs = append(call.Kwargs, tensor.Kwarg{Name: a.Name, Value: v})
	}
	return call, nil
}
