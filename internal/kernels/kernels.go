// Package kernels executes operations against host-memory tensors. It backs
// both the local execution daemon and the reference worker.
package kernels

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"remoted/internal/storage"
	"remoted/internal/tensor"
)

// Memory is the storage surface kernels read from and allocate into.
// *storage.Registry satisfies it.
type Memory interface {
	Resolve(h storage.Handle) ([]byte, error)
	Allocate(nbytes int64, device int) (storage.Handle, error)
}

// Kernel runs one operation. In-place kernels return their mutated input.
type Kernel func(mem Memory, call *tensor.Call) ([]*tensor.Tensor, error)

var table = map[string]Kernel{}

func register(k Kernel, names ...string) {
	for _, n := range names {
		table[n] = k
	}
}

// Lookup finds the kernel for op, accepting qualified names such as "aten.add.Tensor".
func Lookup(op string) (Kernel, bool) {
	k, ok := table[tensor.BaseName(op)]
	return k, ok
}

// Has reports whether op can execute locally.
func Has(op string) bool {
	_, ok := Lookup(op)
	return ok
}

// Names lists registered kernels in sorted order.
func Names() []string {
	out := make([]string, 0, len(table))
	for n := range table {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Run looks up and executes call.
func Run(mem Memory, call *tensor.Call) ([]*tensor.Tensor, error) {
	k, ok := Lookup(call.Op)
	if !ok {
		return nil, unsupportedOpError{op: call.Op}
	}
	out, err := k(mem, call)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tensor.BaseName(call.Op), err)
	}
	return out, nil
}

type unsupportedOpError struct{ op string }

func (e unsupportedOpError) Error() string { return "no local kernel for operation " + e.op }

// IsUnsupportedOp reports whether err came from an unknown operation.
func IsUnsupportedOp(err error) bool {
	var target unsupportedOpError
	return errors.As(err, &target)
}

// shapeError is a kernel failure caused by incompatible operand shapes.
type shapeError struct{ msg string }

func (e shapeError) Error() string { return "shape error: " + e.msg }

// IsShapeError reports whether err is a shape incompatibility.
func IsShapeError(err error) bool {
	var target shapeError
	return errors.As(err, &target)
}

func shapeErrorf(format string, args ...any) error {
	return shapeError{msg: fmt.Sprintf(format, args...)}
}

// tensorArg returns positional i, or keyword name, as a tensor.
func tensorArg(c *tensor.Call, i int, name string) (*tensor.Tensor, error) {
	v, ok := arg(c, i, name)
	if !ok || v.Kind != tensor.KindTensor || v.Tensor == nil {
		return nil, fmt.Errorf("argument %d (%s) must be a tensor", i, name)
	}
	return v.Tensor, nil
}

// numberArg returns positional i, or keyword name, as a number, else def.
func numberArg(c *tensor.Call, i int, name string, def float64) (float64, error) {
	v, ok := arg(c, i, name)
	if !ok || v.Kind == tensor.KindNone {
		return def, nil
	}
	n, ok := v.Number()
	if !ok {
		return 0, fmt.Errorf("argument %d (%s) must be a number, got %s", i, name, v.Kind)
	}
	return n, nil
}

func arg(c *tensor.Call, i int, name string) (tensor.Value, bool) {
	if i >= 0 && i < len(c.Args) {
		return c.Args[i], true
	}
	if name != "" {
		return c.Kwarg(name)
	}
	return tensor.Value{}, false
}

// load gathers the view t as row-major float64 values.
func load(mem Memory, t *tensor.Tensor) ([]float64, error) {
	block, err := mem.Resolve(t.Handle)
	if err != nil {
		return nil, err
	}
	if err := t.Validate(int64(len(block))); err != nil {
		return nil, err
	}
	return t.Gather(block), nil
}

// store allocates a contiguous tensor on device and fills it with values.
func store(mem Memory, shape []int64, dt tensor.DType, device int, values []float64) (*tensor.Tensor, error) {
	m := tensor.Contiguous(shape, dt, 0, device)
	h, err := mem.Allocate(m.Nbytes(), device)
	if err != nil {
		return nil, err
	}
	m.Handle = h
	block, err := mem.Resolve(h)
	if err != nil {
		return nil, err
	}
	m.Scatter(block, values)
	return tensor.New(m), nil
}

// writeBack scatters values into the view t.
func writeBack(mem Memory, t *tensor.Tensor, values []float64) error {
	block, err := mem.Resolve(t.Handle)
	if err != nil {
		return err
	}
	if err := t.Validate(int64(len(block))); err != nil {
		return err
	}
	t.Scatter(block, values)
	return nil
}

func sameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func shapeString(s []int64) string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
