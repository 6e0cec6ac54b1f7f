package dispatch

import (
	"fmt"

	"remoted/internal/tensor"
)

var viewOps = map[string]bool{
	"view":         true,
	"_unsafe_view": true,
	"as_strided":   true,
	"alias":        true,
	"detach":       true,
}

func isView(op string) bool { return viewOps[tensor.BaseName(op)] }

// view builds a new tensor over the same storage. No data moves.
func (d *Dispatcher) view(call *tensor.Call) ([]*tensor.Tensor, error) {
	op := tensor.BaseName(call.Op)
	if len(call.Args) == 0 || call.Args[0].Kind != tensor.KindTensor || call.Args[0].Tensor == nil {
		return nil, fmt.Errorf("%s: first argument must be a tensor", op)
	}
	self := call.Args[0].Tensor
	m := self.Metadata
	m.Shape = append([]int64{}, self.Shape...)
	m.Stride = append([]int64{}, self.Stride...)

	switch op {
	case "view", "_unsafe_view":
		size, err := intsArg(call, 1, "size")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if !self.IsContiguous() {
			return nil, fmt.Errorf("%s: input is not contiguous", op)
		}
		shape, err := inferShape(size, self.Numel())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		m.Shape, m.Stride = shape, tensor.ContiguousStride(shape)
	case "as_strided":
		size, err := intsArg(call, 1, "size")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		stride, err := intsArg(call, 2, "stride")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if len(size) != len(stride) {
			return nil, fmt.Errorf("%s: size %v and stride %v differ in rank", op, size, stride)
		}
		m.Shape, m.Stride = size, stride
		if v, ok := argAt(call, 3, "storage_offset"); ok && v.Kind == tensor.KindInt {
			m.Offset = v.Int
		}
	}

	nbytes, err := d.daemon.Registry().Size(m.Handle)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(nbytes); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return []*tensor.Tensor{tensor.New(m)}, nil
}

func argAt(call *tensor.Call, i int, name string) (tensor.Value, bool) {
	if i < len(call.Args) {
		return call.Args[i], true
	}
	return call.Kwarg(name)
}

func intsArg(call *tensor.Call, i int, name string) ([]int64, error) {
	v, ok := argAt(call, i, name)
	if !ok {
		return nil, fmt.Errorf("missing %s", name)
	}
	switch v.Kind {
	case tensor.KindInts:
		return append([]int64{}, v.Ints...), nil
	case tensor.KindInt:
		return []int64{v.Int}, nil
	}
	return nil, fmt.Errorf("%s must be a list of ints, got %s", name, v.Kind)
}

// inferShape resolves a single -1 entry against numel.
func inferShape(size []int64, numel int64) ([]int64, error) {
	out := append([]int64{}, size...)
	known, infer := int64(1), -1
	for i, d := range out {
		switch {
		case d == -1 && infer < 0:
			infer = i
		case d < 0:
			return nil, fmt.Errorf("invalid size %v", size)
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if known == 0 || numel%known != 0 {
			return nil, fmt.Errorf("shape %v is invalid for %d elements", size, numel)
		}
		out[infer] = numel / known
		known *= out[infer]
	}
	if known != numel {
		return nil, fmt.Errorf("shape %v is invalid for %d elements", size, numel)
	}
	return out, nil
}
