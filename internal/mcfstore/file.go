package mcfstore

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/strata/pkg/mcf"
	"github.com/samcharles93/strata/pkg/quant"
)

var (
	ErrMissingTensor = errors.New("mcfstore: missing tensor")
	ErrClosed        = errors.New("mcfstore: file is closed")
)

// MissingTensorError names a tensor an adapter asked for that the file does
// not contain.
type MissingTensorError struct {
	Name string
}

func (e *MissingTensorError) Error() string {
	return fmt.Sprintf("mcfstore: missing tensor %q", e.Name)
}

func (e *MissingTensorError) Is(target error) bool {
	return target == ErrMissingTensor
}

// File is an opened model container. Hyperparameters, vocabulary and tensor
// index are parsed once at Open; tensor payloads stay in the mapping and are
// only reached through View.
//
// Forward passes hold a lease from Acquire. Close marks the file closed, waits
// for outstanding leases, and then unmaps it.
type File struct {
	path  string
	file  *mcf.File
	hp    *mcf.Hyperparams
	vocab *mcf.Vocabulary
	index *mcf.TensorIndex

	mu     sync.RWMutex
	closed atomic.Bool
}

type TensorInfo struct {
	Name     string
	DType    mcf.TensorDType
	Shape    []int
	DataOff  uint64
	DataSize uint64
}

// Open maps the container at path and validates it. No tensor payload is
// touched until a View row is read.
func Open(path string) (*File, error) {
	mf, err := mcf.Open(path)
	if err != nil {
		return nil, err
	}
	f, err := fromMCF(mf)
	if err != nil {
		_ = mf.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.path = path
	return f, nil
}

func fromMCF(mf *mcf.File) (*File, error) {
	hp, err := mf.Hyperparams()
	if err != nil {
		return nil, err
	}
	vocab, err := mf.Vocabulary()
	if err != nil {
		return nil, err
	}
	index, err := mf.TensorIndex()
	if err != nil {
		return nil, err
	}
	return &File{file: mf, hp: hp, vocab: vocab, index: index}, nil
}

func (f *File) Path() string { return f.path }

func (f *File) Arch() string { return f.hp.Arch }

func (f *File) Hyperparams() *mcf.Hyperparams { return f.hp }

func (f *File) Vocabulary() *mcf.Vocabulary { return f.vocab }

// Mapped reports whether tensor data is served from an mmap.
func (f *File) Mapped() bool { return f.file.Mapped() }

// Header returns the container header.
func (f *File) Header() mcf.MCFHeader { return *f.file.Header }

// Tensors lists the tensor directory in index order.
func (f *File) Tensors() []TensorInfo {
	out := make([]TensorInfo, 0, f.index.Count())
	for i := range f.index.Count() {
		info, err := f.info(i)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out
}

func (f *File) info(i int) (TensorInfo, error) {
	e, err := f.index.Entry(i)
	if err != nil {
		return TensorInfo{}, err
	}
	name, err := f.index.Name(i)
	if err != nil {
		return TensorInfo{}, err
	}
	dims, err := f.index.Shape(i)
	if err != nil {
		return TensorInfo{}, err
	}
	shape, err := shapeToInt(dims)
	if err != nil {
		return TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return TensorInfo{
		Name:     name,
		DType:    e.DType,
		Shape:    shape,
		DataOff:  e.DataOff,
		DataSize: e.DataSize,
	}, nil
}

// Has reports whether the file contains a tensor called name.
func (f *File) Has(name string) bool {
	_, ok := f.index.Find(name)
	return ok
}

// Tensor returns a borrowed view of the named tensor. The view is valid until
// Close.
func (f *File) Tensor(name string) (*View, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}
	i, ok := f.index.Find(name)
	if !ok {
		return nil, &MissingTensorError{Name: name}
	}
	info, err := f.info(i)
	if err != nil {
		return nil, err
	}
	raw, err := f.file.TensorData(f.index, i)
	if err != nil {
		return nil, err
	}
	rows, cols := 1, info.Shape[len(info.Shape)-1]
	for _, d := range info.Shape[:len(info.Shape)-1] {
		rows *= d
	}
	rowBytes, err := quant.RowBytes(info.DType, cols)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return &View{
		f:        f,
		name:     name,
		dtype:    info.DType,
		rows:     rows,
		cols:     cols,
		rowBytes: rowBytes,
		raw:      raw,
	}, nil
}

// Acquire takes a read lease on the mapping. Close blocks until every lease
// is released. The returned release func is safe to call more than once.
func (f *File) Acquire() (func(), error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}
	f.mu.RLock()
	if f.closed.Load() {
		f.mu.RUnlock()
		return nil, ErrClosed
	}
	var once sync.Once
	return func() { once.Do(f.mu.RUnlock) }, nil
}

// Close marks the file closed, waits for in-flight leases and unmaps it.
func (f *File) Close() error {
	if f == nil || !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}

func shapeToInt(shape []uint64) ([]int, error) {
	if len(shape) == 0 {
		return nil, errors.New("empty shape")
	}
	out := make([]int, len(shape))
	for i, v := range shape {
		if v == 0 {
			return nil, errors.New("invalid dim 0")
		}
		if v > uint64(int(^uint(0)>>1)) {
			return nil, errors.New("dimension too large")
		}
		out[i] = int(v)
	}
	return out, nil
}
