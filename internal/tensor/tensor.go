// Package tensor builds and executes forward-pass computation graphs over 2-D
// row-major float32 tensors.
//
// A Graph is append-only: every op takes tensors already in the graph, so
// insertion order is a topological order. Shapes are checked as ops are
// added; the first mismatch is kept as a sticky *ShapeError and returned by
// Execute. Weights enter the graph as leaves backed by a Weight, which decodes
// rows on demand and is never materialized unless an elementwise op consumes it.
package tensor

import (
	"errors"
	"fmt"
)

// Weight is a read-only 2-D tensor whose rows are decoded on demand.
type Weight interface {
	Name() string
	Shape() (rows, cols int)
	DecodeRow(i int, dst []float32) error
	DotRow(i int, x []float32) (float32, error)
}

var ErrShape = errors.New("tensor: shape mismatch")

// ShapeError reports the first op whose inputs did not fit.
type ShapeError struct {
	Op   string
	Want string
	Got  string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("tensor: %s: want %s, got %s", e.Op, e.Want, e.Got)
}

func (e *ShapeError) Is(target error) bool { return target == ErrShape }

type Op uint8

const (
	OpNone Op = iota
	OpWeight
	OpExternal
	OpConstant
	OpGetRows
	OpMulMat
	OpAdd
	OpMul
	OpScale
	OpClamp
	OpLayerNorm
	OpRMSNorm
	OpGELU
	OpSiLU
	OpSoftmax
	OpRope
	OpAlibi
	OpDiagMaskInf
	OpSliceCols
	OpSliceRows
	OpConcatCols
	OpTranspose
	OpCacheAppend
)

var opNames = [...]string{
	OpNone:        "none",
	OpWeight:      "weight",
	OpExternal:    "external",
	OpConstant:    "constant",
	OpGetRows:     "get_rows",
	OpMulMat:      "mul_mat",
	OpAdd:         "add",
	OpMul:         "mul",
	OpScale:       "scale",
	OpClamp:       "clamp",
	OpLayerNorm:   "layer_norm",
	OpRMSNorm:     "rms_norm",
	OpGELU:        "gelu",
	OpSiLU:        "silu",
	OpSoftmax:     "softmax",
	OpRope:        "rope",
	OpAlibi:       "alibi",
	OpDiagMaskInf: "diag_mask_inf",
	OpSliceCols:   "slice_cols",
	OpSliceRows:   "slice_rows",
	OpConcatCols:  "concat_cols",
	OpTranspose:   "transpose",
	OpCacheAppend: "cache_append",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// RopeMode selects how rotary embedding pairs dimensions.
type RopeMode uint8

const (
	// RopeNormal rotates adjacent pairs (2i, 2i+1).
	RopeNormal RopeMode = iota
	// RopeNeoX rotates (i, i+nRot/2).
	RopeNeoX
)

// Tensor is a node in a Graph: a [rows, cols] row-major array produced by op.
type Tensor struct {
	g    *Graph
	id   int
	op   Op
	name string

	rows, cols int
	src        []*Tensor

	weight Weight
	data   []float32
	ids    []int
	ip     [3]int
	fp     [3]float32
	mode   RopeMode

	// dense marks weight leaves that an elementwise op reads as data.
	dense bool
	level int
}

func (t *Tensor) Op() Op { return t.op }

func (t *Tensor) Name() string { return t.name }

// SetName labels the tensor for debugging and returns it.
func (t *Tensor) SetName(name string) *Tensor {
	t.name = name
	return t
}

func (t *Tensor) Shape() (rows, cols int) { return t.rows, t.cols }

func (t *Tensor) Rows() int { return t.rows }

func (t *Tensor) Cols() int { return t.cols }

// Data returns the row-major values of t. It is only meaningful after the
// graph executed.
func (t *Tensor) Data() []float32 { return t.data }

// Row returns row i of the executed tensor.
func (t *Tensor) Row(i int) []float32 {
	return t.data[i*t.cols : (i+1)*t.cols]
}

func (t *Tensor) leaf() bool {
	switch t.op {
	case OpWeight, OpExternal, OpConstant:
		return true
	}
	return false
}

func shapeString(rows, cols int) string {
	return fmt.Sprintf("[%d,%d]", rows, cols)
}

func (t *Tensor) shapeString() string { return shapeString(t.rows, t.cols) }
