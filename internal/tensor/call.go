package tensor

import (
	"fmt"
	"strings"
)

// Tensor is a handle-backed tensor bound to a device index.
type Tensor struct {
	Metadata
}

// DeviceIndex implements registry.DeviceRef.
func (t *Tensor) DeviceIndex() int { return t.Device }

// New wraps metadata as a tensor.
func New(m Metadata) *Tensor { return &Tensor{Metadata: m} }

// Kind discriminates Value.
type Kind uint8

const (
	KindNone Kind = iota
	KindTensor
	KindInt
	KindFloat
	KindBool
	KindString
	KindInts
)

func (k Kind) String() string {
	return [...]string{"none", "tensor", "int", "float", "bool", "string", "ints"}[k]
}

// Value is one positional or keyword argument: a tensor or a plain value.
type Value struct {
	Kind   Kind
	Tensor *Tensor
	Int    int64
	Float  float64
	Bool   bool
	Str    string
	Ints   []int64
}

func TensorArg(t *Tensor) Value { return Value{Kind: KindTensor, Tensor: t} }
func IntArg(v int64) Value      { return Value{Kind: KindInt, Int: v} }
func FloatArg(v float64) Value  { return Value{Kind: KindFloat, Float: v} }
func BoolArg(v bool) Value      { return Value{Kind: KindBool, Bool: v} }
func StringArg(v string) Value  { return Value{Kind: KindString, Str: v} }
func IntsArg(v ...int64) Value  { return Value{Kind: KindInts, Ints: append([]int64(nil), v...)} }
func NoneArg() Value            { return Value{} }

// Number returns the value as float64 for int, float and bool kinds.
func (v Value) Number() (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.Int), true
	case KindFloat:
		return v.Float, true
	case KindBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func (v Value) String() string {
	switch v.Kind {
	case KindTensor:
		return v.Tensor.Metadata.String()
	case KindInt:
		return fmt.Sprint(v.Int)
	case KindFloat:
		return fmt.Sprint(v.Float)
	case KindBool:
		return fmt.Sprint(v.Bool)
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	case KindInts:
		return fmt.Sprint(v.Ints)
	}
	return "None"
}

// Kwarg is a named argument. Keyword order is preserved.
type Kwarg struct {
	Name  string
	Value Value
}

// Call is one pending operation request.
type Call struct {
	Op     string
	Args   []Value
	Kwargs []Kwarg
}

// Kwarg returns the named argument, if present.
func (c *Call) Kwarg(name string) (Value, bool) {
	for _, kw := range c.Kwargs {
		if kw.Name == name {
			return kw.Value, true
		}
	}
	return Value{}, false
}

// Tensors lists every tensor argument, positional first, in order.
func (c *Call) Tensors() []*Tensor {
	var out []*Tensor
	for _, a := range c.Args {
		if a.Kind == KindTensor && a.Tensor != nil {
			out = append(out, a.Tensor)
		}
	}
	for _, kw := range c.Kwargs {
		if kw.Value.Kind == KindTensor && kw.Value.Tensor != nil {
			out = append(out, kw.Value.Tensor)
		}
	}
	return out
}

// Self returns the first argument as a tensor, falling back to a "self" keyword.
func (c *Call) Self() *Tensor {
	if len(c.Args) > 0 {
		if c.Args[0].Kind == KindTensor {
			return c.Args[0].Tensor
		}
		return nil
	}
	if v, ok := c.Kwarg("self"); ok && v.Kind == KindTensor {
		return v.Tensor
	}
	return nil
}

// TotalElements sums the element counts of every tensor argument.
func (c *Call) TotalElements() int64 {
	var n int64
	for _, t := range c.Tensors() {
		n += t.Numel()
	}
	return n
}

// BaseName strips namespace and overload from an op name:
// "aten.add.Tensor", "aten::add" and "add" all yield "add".
func BaseName(op string) string {
	op = strings.TrimSpace(op)
	if i := strings.LastIndex(op, "::"); i >= 0 {
		op = op[i+2:]
	}
	op = strings.TrimPrefix(op, "aten.")
	if i := strings.Index(op, "."); i >= 0 {
		op = op[:i]
	}
	return op
}

// Mutates reports whether op writes its result into its first argument and
// returns it, as add_ and copy_ do.
func Mutates(op string) bool {
	base := BaseName(op)
	return len(base) > 1 && strings.HasSuffix(base, "_") && !strings.HasPrefix(base, "_")
}

func (c *Call) String() string {
	parts := make([]string, 0, len(c.Args)+len(c.Kwargs))
	for _, a := range c.Args {
		parts = append(parts, a.String())
	}
	for _, kw := range c.Kwargs {
		parts = append(parts, kw.Name+"="+kw.Value.String())
	}
	return c.Op + "(" + strings.Join(parts, ", ") + ")"
}
