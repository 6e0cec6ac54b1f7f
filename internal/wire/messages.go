// Package wire defines the messages exchanged with a remote worker and their
// protobuf wire encoding.
//
// Tensors never travel inline in the argument list. Each tensor argument is
// an index into the request's Tensors, so a tensor passed twice is sent once.
package wire

import "remoted/internal/tensor"

// Status is the outcome of an Execute call.
type Status uint32

const (
	StatusOK    Status = 0
	StatusError Status = 1
)

func (s Status) String() string {
	if s == StatusOK {
		return "ok"
	}
	return "error"
}

// ArgKind tags an Arg.
type ArgKind uint32

const (
	ArgNone ArgKind = iota
	ArgTensor
	ArgInt
	ArgFloat
	ArgBool
	ArgString
	ArgInts
)

// Arg is one positional or keyword argument.
type Arg struct {
	Name   string // keyword arguments only
	Kind   ArgKind
	Tensor uint32 // index into ExecuteRequest.Tensors
	Int    int64
	Float  float64
	Bool   bool
	Str    string
	Ints   []int64
}

// TensorMeta describes a tensor view. DType is its canonical name.
type TensorMeta struct {
	Shape  []int64
	Stride []int64
	Offset int64
	DType  string
}

// Payload is a tensor's metadata plus its contiguous bytes.
// Senders always pack views, so Stride is contiguous and Offset zero.
type Payload struct {
	Meta TensorMeta
	Data []byte
}

// OpenRequest asks a worker to start a session for a device.
type OpenRequest struct {
	Device      string // identity string
	Accelerator string
}

// OpenResponse acknowledges a session.
type OpenResponse struct {
	Session string
	Worker  string
}

// ExecuteRequest runs one operation.
type ExecuteRequest struct {
	Session string
	Op      string
	Args    []Arg
	Kwargs  []Arg
	Tensors []Payload
}

// ExecuteResponse carries outputs or an error detail.
type ExecuteResponse struct {
	Status  Status
	Error   string
	Outputs []Payload
}

// CloseRequest ends a session.
type CloseRequest struct {
	Session string
}

// CloseResponse acknowledges CloseRequest.
type CloseResponse struct{}

// MetaOf converts tensor metadata for the wire, dropping storage identity.
func MetaOf(m tensor.Metadata) TensorMeta {
	return TensorMeta{
		Shape:  append([]int64(nil), m.Shape...),
		Stride: append([]int64(nil), m.Stride...),
		Offset: m.Offset,
		DType:  m.DType.String(),
	}
}

// Metadata converts back, leaving handle and device for the receiver to bind.
func (tm TensorMeta) Metadata() (tensor.Metadata, error) {
	dt, err := tensor.ParseDType(tm.DType)
	if err != nil {
		return tensor.Metadata{}, err
	}
	stride := tm.Stride
	if len(stride) != len(tm.Shape) {
		stride = tensor.ContiguousStride(tm.Shape)
	}
	return tensor.Metadata{
		Shape:  append([]int64{}, tm.Shape...),
		Stride: append([]int64{}, stride...),
		Offset: tm.Offset,
		DType:  dt,
	}, nil
}
