package kernels

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"remoted/internal/tensor"
)

func init() {
	register(matmul, "mm", "matmul", "dot")
	register(transpose2D, "t")
}

// matmul supports 2-D x 2-D, 2-D x 1-D and 1-D x 1-D operands.
func matmul(mem Memory, c *tensor.Call) ([]*tensor.Tensor, error) {
	a, err := tensorArg(c, 0, "self")
	if err != nil {
		return nil, err
	}
	b, err := tensorArg(c, 1, "other")
	if err != nil {
		return nil, err
	}
	x, err := load(mem, a)
	if err != nil {
		return nil, err
	}
	y, err := load(mem, b)
	if err != nil {
		return nil, err
	}

	switch {
	case len(a.Shape) == 1 && len(b.Shape) == 1:
		if a.Shape[0] != b.Shape[0] {
			return nil, shapeErrorf("dot of %s and %s", shapeString(a.Shape), shapeString(b.Shape))
		}
		out, err := store(mem, []int64{}, a.DType, a.Device, []float64{floats.Dot(x, y)})
		return wrap(out, err)

	case len(a.Shape) == 2 && len(b.Shape) == 1:
		r, k := a.Shape[0], a.Shape[1]
		if k != b.Shape[0] {
			return nil, shapeErrorf("mv of %s and %s", shapeString(a.Shape), shapeString(b.Shape))
		}
		res := make([]float64, r)
		if r > 0 && k > 0 {
			var v mat.VecDense
			v.MulVec(mat.NewDense(int(r), int(k), x), mat.NewVecDense(int(k), y))
			for i := range res {
				res[i] = v.AtVec(i)
			}
		}
		out, err := store(mem, []int64{r}, a.DType, a.Device, res)
		return wrap(out, err)

	case len(a.Shape) == 2 && len(b.Shape) == 2:
		r, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
		if k != b.Shape[0] {
			return nil, shapeErrorf("mm of %s and %s", shapeString(a.Shape), shapeString(b.Shape))
		}
		res := make([]float64, r*n)
		if r > 0 && k > 0 && n > 0 {
			var m mat.Dense
			m.Mul(mat.NewDense(int(r), int(k), x), mat.NewDense(int(k), int(n), y))
			for i := 0; i < int(r); i++ {
				for j := 0; j < int(n); j++ {
					res[i*int(n)+j] = m.At(i, j)
				}
			}
		}
		out, err := store(mem, []int64{r, n}, a.DType, a.Device, res)
		return wrap(out, err)
	}
	return nil, shapeErrorf("matmul of rank %d and %d is not supported", len(a.Shape), len(b.Shape))
}

// transpose2D returns a view sharing self's storage with swapped strides.
func transpose2D(_ Memory, c *tensor.Call) ([]*tensor.Tensor, error) {
	self, err := tensorArg(c, 0, "self")
	if err != nil {
		return nil, err
	}
	if len(self.Shape) > 2 {
		return nil, shapeErrorf("t expects at most 2 dimensions, got %d", len(self.Shape))
	}
	m := self.Metadata
	m.Shape = append([]int64(nil), self.Shape...)
	m.Stride = append([]int64(nil), self.Stride...)
	if len(m.Shape) == 2 {
		m.Shape[0], m.Shape[1] = m.Shape[1], m.Shape[0]
		m.Stride[0], m.Stride[1] = m.Stride[1], m.Stride[0]
	}
	return []*tensor.Tensor{tensor.New(m)}, nil
}

func wrap(t *tensor.Tensor, err error) ([]*tensor.Tensor, error) {
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{t}, nil
}
