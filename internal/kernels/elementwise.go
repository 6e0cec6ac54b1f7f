package kernels

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"remoted/internal/tensor"
)

func init() {
	register(binary(func(dst, s []float64, alpha float64) { floats.AddScaled(dst, alpha, s) }, false), "add")
	register(binary(func(dst, s []float64, alpha float64) { floats.AddScaled(dst, -alpha, s) }, false), "sub")
	register(binary(func(dst, s []float64, _ float64) { floats.Mul(dst, s) }, false), "mul")
	register(binary(func(dst, s []float64, _ float64) { floats.Div(dst, s) }, false), "div")
	register(binary(func(dst, s []float64, alpha float64) { floats.AddScaled(dst, alpha, s) }, true), "add_")
	register(binary(func(dst, s []float64, alpha float64) { floats.AddScaled(dst, -alpha, s) }, true), "sub_")
	register(binary(func(dst, s []float64, _ float64) { floats.Mul(dst, s) }, true), "mul_")
	register(binary(func(dst, s []float64, _ float64) { floats.Div(dst, s) }, true), "div_")

	register(unary(func(x []float64) { floats.Scale(-1, x) }), "neg")
	register(unary(apply(math.Abs)), "abs")
	register(unary(apply(math.Exp)), "exp")
	register(unary(apply(math.Sqrt)), "sqrt")
	register(unary(apply(func(v float64) float64 { return math.Max(v, 0) })), "relu")

	register(clone, "clone", "contiguous")
	register(copyInto, "copy_")
	register(fill, "fill_")
}

func apply(fn func(float64) float64) func([]float64) {
	return func(x []float64) {
		for i, v := range x {
			x[i] = fn(v)
		}
	}
}

// binary builds self (op) other kernels. other may be a tensor of the same
// shape, a one-element tensor, or a number.
func binary(op func(dst, s []float64, alpha float64), inplace bool) Kernel {
	return func(mem Memory, c *tensor.Call) ([]*tensor.Tensor, error) {
		self, err := tensorArg(c, 0, "self")
		if err != nil {
			return nil, err
		}
		x, err := load(mem, self)
		if err != nil {
			return nil, err
		}
		y, err := otherOperand(mem, c, self)
		if err != nil {
			return nil, err
		}
		alpha, err := numberArg(c, 2, "alpha", 1)
		if err != nil {
			return nil, err
		}
		op(x, y, alpha)
		if inplace {
			if err := writeBack(mem, self, x); err != nil {
				return nil, err
			}
			return []*tensor.Tensor{self}, nil
		}
		out, err := store(mem, self.Shape, self.DType, self.Device, x)
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{out}, nil
	}
}

func otherOperand(mem Memory, c *tensor.Call, self *tensor.Tensor) ([]float64, error) {
	v, ok := arg(c, 1, "other")
	if !ok {
		return nil, shapeErrorf("missing second operand")
	}
	n := self.Numel()
	if v.Kind == tensor.KindTensor && v.Tensor != nil {
		other := v.Tensor
		y, err := load(mem, other)
		if err != nil {
			return nil, err
		}
		switch {
		case sameShape(self.Shape, other.Shape):
			return y, nil
		case other.Numel() == 1:
			return broadcast(y[0], n), nil
		default:
			return nil, shapeErrorf("operands %s and %s are not compatible", shapeString(self.Shape), shapeString(other.Shape))
		}
	}
	s, ok := v.Number()
	if !ok {
		return nil, shapeErrorf("second operand must be a tensor or number, got %s", v.Kind)
	}
	return broadcast(s, n), nil
}

func broadcast(v float64, n int64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func unary(op func([]float64)) Kernel {
	return func(mem Memory, c *tensor.Call) ([]*tensor.Tensor, error) {
		self, err := tensorArg(c, 0, "self")
		if err != nil {
			return nil, err
		}
		x, err := load(mem, self)
		if err != nil {
			return nil, err
		}
		op(x)
		out, err := store(mem, self.Shape, self.DType, self.Device, x)
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{out}, nil
	}
}

func clone(mem Memory, c *tensor.Call) ([]*tensor.Tensor, error) {
	return unary(func([]float64) {})(mem, c)
}

// copyInto implements copy_(self, src): src is read through its view and
// written through self's view. Element counts must match unless src is a scalar.
func copyInto(mem Memory, c *tensor.Call) ([]*tensor.Tensor, error) {
	self, err := tensorArg(c, 0, "self")
	if err != nil {
		return nil, err
	}
	src, err := tensorArg(c, 1, "src")
	if err != nil {
		return nil, err
	}
	y, err := load(mem, src)
	if err != nil {
		return nil, err
	}
	switch {
	case src.Numel() == self.Numel():
	case src.Numel() == 1:
		y = broadcast(y[0], self.Numel())
	default:
		return nil, shapeErrorf("cannot copy %s into %s", shapeString(src.Shape), shapeString(self.Shape))
	}
	if err := writeBack(mem, self, y); err != nil {
		return nil, err
	}
	return []*tensor.Tensor{self}, nil
}

func fill(mem Memory, c *tensor.Call) ([]*tensor.Tensor, error) {
	self, err := tensorArg(c, 0, "self")
	if err != nil {
		return nil, err
	}
	v, err := numberArg(c, 1, "value", 0)
	if err != nil {
		return nil, err
	}
	if err := writeBack(mem, self, broadcast(v, self.Numel())); err != nil {
		return nil, err
	}
	return []*tensor.Tensor{self}, nil
}
