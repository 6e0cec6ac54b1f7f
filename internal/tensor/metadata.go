package tensor

import (
	"fmt"

	"remoted/internal/storage"
)

// Metadata describes a strided view over one storage block. It carries no
// ownership of the bytes.
type Metadata struct {
	Shape  []int64
	Stride []int64
	DType  DType
	Handle storage.Handle
	Offset int64
	Device int
}

// ContiguousStride returns row-major strides for shape.
func ContiguousStride(shape []int64) []int64 {
	stride := make([]int64, len(shape))
	acc := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = acc
		acc *= shape[i]
	}
	return stride
}

// Contiguous builds metadata for a packed row-major tensor at offset 0.
func Contiguous(shape []int64, dt DType, h storage.Handle, device int) Metadata {
	s := append(make([]int64, 0, len(shape)), shape...)
	return Metadata{Shape: s, Stride: ContiguousStride(s), DType: dt, Handle: h, Device: device}
}

// Numel is the number of elements in the view.
func (m Metadata) Numel() int64 {
	n := int64(1)
	for _, d := range m.Shape {
		n *= d
	}
	return n
}

// Nbytes is the size of the view when packed contiguously.
func (m Metadata) Nbytes() int64 { return m.Numel() * int64(m.DType.Size()) }

// StorageSpan is the number of elements of the backing block the view reaches,
// counted from element zero of the block.
func (m Metadata) StorageSpan() int64 {
	if m.Numel() == 0 {
		return m.Offset
	}
	last := m.Offset
	for i, d := range m.Shape {
		last += (d - 1) * m.Stride[i]
	}
	return last + 1
}

// IsContiguous reports whether the view is packed row-major.
func (m Metadata) IsContiguous() bool {
	want := ContiguousStride(m.Shape)
	for i := range want {
		if m.Shape[i] != 1 && m.Stride[i] != want[i] {
			return false
		}
	}
	return true
}

// Validate checks shape/stride consistency and that the view fits a block of blockBytes.
func (m Metadata) Validate(blockBytes int64) error {
	if m.DType.Size() == 0 {
		return fmt.Errorf("invalid dtype %v", m.DType)
	}
	if len(m.Shape) != len(m.Stride) {
		return fmt.Errorf("shape rank %d does not match stride rank %d", len(m.Shape), len(m.Stride))
	}
	for i, d := range m.Shape {
		if d < 0 {
			return fmt.Errorf("negative dimension %d at axis %d", d, i)
		}
		if m.Stride[i] < 0 {
			return fmt.Errorf("negative stride %d at axis %d", m.Stride[i], i)
		}
	}
	if m.Offset < 0 {
		return fmt.Errorf("negative storage offset %d", m.Offset)
	}
	if blockBytes >= 0 && m.StorageSpan()*int64(m.DType.Size()) > blockBytes {
		return fmt.Errorf("view spans %d elements, block holds %d bytes", m.StorageSpan(), blockBytes)
	}
	return nil
}

// Gather reads the view out of block as float64 values in row-major order.
func (m Metadata) Gather(block []byte) []float64 {
	out := make([]float64, m.Numel())
	m.walk(func(i, off int64) { out[i] = m.DType.Element(block, off) })
	return out
}

// Pack copies the view out of block into contiguous bytes.
func (m Metadata) Pack(block []byte) []byte {
	size := int64(m.DType.Size())
	out := make([]byte, m.Numel()*size)
	m.walk(func(i, off int64) { copy(out[i*size:(i+1)*size], block[off*size:(off+1)*size]) })
	return out
}

// Unpack copies contiguous bytes into the view over block. It is the inverse of Pack.
func (m Metadata) Unpack(block, data []byte) {
	size := int64(m.DType.Size())
	m.walk(func(i, off int64) { copy(block[off*size:(off+1)*size], data[i*size:(i+1)*size]) })
}

// Scatter writes values (row-major) into the view over block.
func (m Metadata) Scatter(block []byte, values []float64) {
	m.walk(func(i, off int64) { m.DType.SetElement(block, off, values[i]) })
}

// walk visits every element with its row-major index and storage element offset.
func (m Metadata) walk(fn func(i, off int64)) {
	n := m.Numel()
	if n == 0 {
		return
	}
	idx := make([]int64, len(m.Shape))
	for i := int64(0); i < n; i++ {
		off := m.Offset
		for d := range idx {
			off += idx[d] * m.Stride[d]
		}
		fn(i, off)
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < m.Shape[d] {
				break
			}
			idx[d] = 0
		}
	}
}

func (m Metadata) String() string {
	return fmt.Sprintf("tensor(shape=%v stride=%v dtype=%s handle=%d offset=%d device=%d)",
		m.Shape, m.Stride, m.DType, m.Handle, m.Offset, m.Device)
}
