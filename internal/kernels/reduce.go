package kernels

import (
	"gonum.org/v1/gonum/floats"

	"remoted/internal/tensor"
)

func init() {
	register(reduction(floats.Sum, false), "sum")
	register(reduction(func(x []float64) float64 { return floats.Sum(x) / float64(len(x)) }, true), "mean")
	register(reduction(floats.Max, true), "amax", "max")
	register(reduction(floats.Min, true), "amin", "min")
}

// reduction reduces over all elements, or over dim when given, honouring keepdim.
func reduction(fn func([]float64) float64, needsElements bool) Kernel {
	return func(mem Memory, c *tensor.Call) ([]*tensor.Tensor, error) {
		self, err := tensorArg(c, 0, "self")
		if err != nil {
			return nil, err
		}
		x, err := load(mem, self)
		if err != nil {
			return nil, err
		}
		keep := false
		if v, ok := arg(c, 2, "keepdim"); ok && v.Kind == tensor.KindBool {
			keep = v.Bool
		}

		dimVal, hasDim := arg(c, 1, "dim")
		if !hasDim || dimVal.Kind == tensor.KindNone {
			if needsElements && len(x) == 0 {
				return nil, shapeErrorf("reduction of an empty tensor")
			}
			shape := []int64{}
			if keep {
				shape = make([]int64, len(self.Shape))
				for i := range shape {
					shape[i] = 1
				}
			}
			out, err := store(mem, shape, self.DType, self.Device, []float64{fn(x)})
			return wrap(out, err)
		}

		dim, err := axis(dimVal, len(self.Shape))
		if err != nil {
			return nil, err
		}
		outer, n, inner := int64(1), self.Shape[dim], int64(1)
		for _, d := range self.Shape[:dim] {
			outer *= d
		}
		for _, d := range self.Shape[dim+1:] {
			inner *= d
		}
		if needsElements && n == 0 {
			return nil, shapeErrorf("reduction over empty dimension %d", dim)
		}
		res := make([]float64, 0, outer*inner)
		buf := make([]float64, n)
		for o := int64(0); o < outer; o++ {
			for i := int64(0); i < inner; i++ {
				for j := int64(0); j < n; j++ {
					buf[j] = x[(o*n+j)*inner+i]
				}
				res = append(res, fn(buf))
			}
		}
		shape := make([]int64, 0, len(self.Shape))
		for i, d := range self.Shape {
			switch {
			case i != dim:
				shape = append(shape, d)
			case keep:
				shape = append(shape, 1)
			}
		}
		out, err := store(mem, shape, self.DType, self.Device, res)
		return wrap(out, err)
	}
}

func axis(v tensor.Value, rank int) (int, error) {
	var d int64
	switch v.Kind {
	case tensor.KindInt:
		d = v.Int
	case tensor.KindInts:
		if len(v.Ints) != 1 {
			return 0, shapeErrorf("only single-dimension reductions are supported")
		}
		d = v.Ints[0]
	default:
		return 0, shapeErrorf("dim must be an integer, got %s", v.Kind)
	}
	if d < 0 {
		d += int64(rank)
	}
	if d < 0 || d >= int64(rank) {
		return 0, shapeErrorf("dim %d out of range for rank %d", d, rank)
	}
	return int(d), nil
}
