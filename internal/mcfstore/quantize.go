package mcfstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/strata/pkg/mcf"
	"github.com/samcharles93/strata/pkg/quant"
)

type QuantizeOptions struct {
	// Keep reports tensors that must be copied unchanged.
	Keep func(name string) bool
}

type QuantizeStats struct {
	Quantized int
	Copied    int
	InBytes   uint64
	OutBytes  uint64
}

// Quantize writes a copy of f to out with every eligible weight matrix
// re-encoded as dt. A matrix is eligible when it has more than one row and
// its row length is a multiple of the block size; gains, biases and kept
// tensors are copied as they are. out is written through a temp file and
// renamed into place.
func Quantize(f *File, out string, dt mcf.TensorDType, opts QuantizeOptions) (QuantizeStats, error) {
	var st QuantizeStats
	if !dt.Known() {
		return st, fmt.Errorf("quantize: unsupported dtype %s", dt)
	}
	release, err := f.Acquire()
	if err != nil {
		return st, err
	}
	defer release()

	infos := f.Tensors()
	sources := make([]mcf.TensorSource, 0, len(infos))
	for _, info := range infos {
		v, err := f.Tensor(info.Name)
		if err != nil {
			return st, err
		}
		target := info.DType
		if eligible(info, dt) && (opts.Keep == nil || !opts.Keep(info.Name)) {
			target = dt
		}
		size, err := target.DataSize(shapeToU64(info.Shape))
		if err != nil {
			return st, fmt.Errorf("tensor %s: %w", info.Name, err)
		}
		st.InBytes += info.DataSize
		st.OutBytes += size
		if target == info.DType {
			st.Copied++
			sources = append(sources, mcf.BytesSource(info.Name, info.DType, shapeToU64(info.Shape), v.raw))
			continue
		}
		st.Quantized++
		sources = append(sources, mcf.TensorSource{
			Name:  info.Name,
			DType: target,
			Shape: shapeToU64(info.Shape),
			Write: func(w io.Writer) error { return requantizeRows(w, v, target) },
		})
	}

	hp := *f.Hyperparams()
	hp.FileType = dt

	tmp, err := os.CreateTemp(filepath.Dir(out), "."+filepath.Base(out)+".*")
	if err != nil {
		return st, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if err := mcf.WriteModel(tmp, &hp, f.Vocabulary(), sources); err != nil {
		_ = tmp.Close()
		return st, fmt.Errorf("quantize: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return st, err
	}
	return st, os.Rename(tmp.Name(), out)
}

func eligible(info TensorInfo, dt mcf.TensorDType) bool {
	if len(info.Shape) < 2 || info.DType == dt {
		return false
	}
	rows := 1
	for _, d := range info.Shape[:len(info.Shape)-1] {
		rows *= d
	}
	if rows < 2 || strings.HasSuffix(info.Name, ".bias") {
		return false
	}
	cols := info.Shape[len(info.Shape)-1]
	return !dt.Quantized() || cols%mcf.BlockSize == 0
}

func requantizeRows(w io.Writer, v *View, dt mcf.TensorDType) error {
	row := make([]float32, v.cols)
	for i := range v.rows {
		if err := v.DecodeRow(i, row); err != nil {
			return err
		}
		raw, err := quant.Quantize(dt, row)
		if err != nil {
			return fmt.Errorf("tensor %s row %d: %w", v.name, i, err)
		}
		if _, err := w.Write(raw); err != nil {
			return err
		}
	}
	return nil
}

func shapeToU64(shape []int) []uint64 {
	out := make([]uint64, len(shape))
	for i, d := range shape {
		out[i] = uint64(d)
	}
	return out
}
