package internal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/x448/float16"
)

type DType string

const (
	DTypeFloat32 DType = "float32"
	DTypeFloat16 DType = "float16"
	DTypeInt64   DType = "int64"
)

func (d DType) Valid() bool {
	switch d {
	case DTypeFloat32, DTypeFloat16, DTypeInt64:
		return true
	}
	return false
}

// Well-known datastore fields.
const (
	FieldKeys       = "keys"
	FieldVals       = "vals"
	FieldHiddens    = "hiddens"
	FieldHiddensIdx = "hiddens_idx"
)

// Field is one column of the datastore. Vector fields keep their values
// as float32 in memory regardless of the on-disk dtype; float16 fields are
// rounded on append so that memory and disk always agree.
type Field struct {
	Name  string `json:"name"`
	DType DType  `json:"dtype"`
	Dim   int    `json:"dim"`
	Count int    `json:"count"`

	floats []float32
	ints   []int64
}

func newVectorField(name string, dtype DType) *Field {
	return &Field{Name: name, DType: dtype}
}

func newScalarField(name string) *Field {
	return &Field{Name: name, DType: DTypeInt64, Dim: 1}
}

func (f *Field) IsVector() bool {
	return f.DType != DTypeInt64
}

func (f *Field) appendVector(vec []float32) error {
	if !f.IsVector() {
		return fmt.Errorf("field %s holds scalars", f.Name)
	}
	if f.Dim == 0 {
		f.Dim = len(vec)
	}
	if len(vec) != f.Dim || f.Dim == 0 {
		return fmt.Errorf("field %s: %w: expected %d, got %d", f.Name, ErrDimensionMismatch, f.Dim, len(vec))
	}

	if f.DType == DTypeFloat16 {
		for _, v := range vec {
			f.floats = append(f.floats, float16.Fromfloat32(v).Float32())
		}
	} else {
		f.floats = append(f.floats, vec...)
	}
	f.Count++
	return nil
}

func (f *Field) appendScalar(v int64) error {
	if f.IsVector() {
		return fmt.Errorf("field %s holds vectors", f.Name)
	}
	f.ints = append(f.ints, v)
	f.Count++
	return nil
}

// Vector returns entry i of a vector field. The slice aliases the field's
// storage and must not be modified.
func (f *Field) Vector(i int) []float32 {
	return f.floats[i*f.Dim : (i+1)*f.Dim]
}

func (f *Field) Scalar(i int) int64 {
	return f.ints[i]
}

func (f *Field) writeTo(w io.Writer) error {
	bw := bufio.NewWriter(w)

	var err error
	switch f.DType {
	case DTypeFloat32:
		err = binary.Write(bw, binary.LittleEndian, f.floats)
	case DTypeFloat16:
		bits := make([]uint16, len(f.floats))
		for i, v := range f.floats {
			bits[i] = float16.Fromfloat32(v).Bits()
		}
		err = binary.Write(bw, binary.LittleEndian, bits)
	case DTypeInt64:
		err = binary.Write(bw, binary.LittleEndian, f.ints)
	default:
		return fmt.Errorf("field %s: unsupported dtype %q", f.Name, f.DType)
	}
	if err != nil {
		return fmt.Errorf("encode field %s: %w", f.Name, err)
	}

	return bw.Flush()
}

func (f *Field) readFrom(r io.Reader) error {
	br := bufio.NewReader(r)
	n := f.Count * f.Dim

	switch f.DType {
	case DTypeFloat32:
		f.floats = make([]float32, n)
		if err := binary.Read(br, binary.LittleEndian, f.floats); err != nil {
			return fmt.Errorf("decode field %s: %w", f.Name, err)
		}
	case DTypeFloat16:
		bits := make([]uint16, n)
		if err := binary.Read(br, binary.LittleEndian, bits); err != nil {
			return fmt.Errorf("decode field %s: %w", f.Name, err)
		}
		f.floats = make([]float32, n)
		for i, b := range bits {
			f.floats[i] = float16.Frombits(b).Float32()
		}
	case DTypeInt64:
		f.ints = make([]int64, f.Count)
		if err := binary.Read(br, binary.LittleEndian, f.ints); err != nil {
			return fmt.Errorf("decode field %s: %w", f.Name, err)
		}
	default:
		return fmt.Errorf("field %s: unsupported dtype %q", f.Name, f.DType)
	}

	return nil
}
