package mcf

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// TensorSource describes one tensor to be written by WriteModel. Write must
// emit exactly the payload size implied by DType and Shape.
type TensorSource struct {
	Name  string
	DType TensorDType
	Shape []uint64
	Write func(w io.Writer) error
}

// BytesSource returns a TensorSource over an in-memory payload.
func BytesSource(name string, dt TensorDType, shape []uint64, payload []byte) TensorSource {
	return TensorSource{
		Name:  name,
		DType: dt,
		Shape: shape,
		Write: func(w io.Writer) error {
			_, err := w.Write(payload)
			return err
		},
	}
}

// WriteModel writes a complete container to f: hyperparameters, vocabulary,
// tensor index and tensor data, in that order. Tensor offsets are laid out
// before any payload is written so the index can precede the data it describes.
func WriteModel(f *os.File, hp *Hyperparams, vocab *Vocabulary, tensors []TensorSource) error {
	if len(tensors) == 0 {
		return errors.New("mcf: model has no tensors")
	}
	hpRaw, err := EncodeHyperparams(hp)
	if err != nil {
		return err
	}
	vocabRaw, err := EncodeVocab(vocab)
	if err != nil {
		return err
	}

	w, err := NewWriter(f)
	if err != nil {
		return err
	}
	if err := w.WriteSection(SectionHyperparams, HyperparamsVersion, hpRaw); err != nil {
		return err
	}
	if err := w.WriteSection(SectionVocab, VocabVersion, vocabRaw); err != nil {
		return err
	}

	// The index size does not depend on the offsets it holds, so encode once
	// with zero offsets to size it.
	recs := make([]TensorIndexRecord, len(tensors))
	for i, t := range tensors {
		size, err := t.DType.DataSize(t.Shape)
		if err != nil {
			return fmt.Errorf("mcf: tensor %q: %w", t.Name, err)
		}
		recs[i] = TensorIndexRecord{Name: t.Name, DType: t.DType, Shape: t.Shape, DataSize: size}
	}
	sizing, err := EncodeTensorIndexSection(recs)
	if err != nil {
		return err
	}

	pos, err := w.Offset()
	if err != nil {
		return err
	}
	indexOff := alignUp(pos, mcfAlign)
	off := alignUp(indexOff+uint64(len(sizing)), mcfAlign)
	for i := range recs {
		off = alignUp(off, TensorAlign)
		recs[i].DataOff = off
		off += recs[i].DataSize
	}
	index, err := EncodeTensorIndexSection(recs)
	if err != nil {
		return err
	}
	if err := w.WriteSection(SectionTensorIndex, TensorIndexVersion, index); err != nil {
		return err
	}

	td, err := w.BeginSection(SectionTensorData, 1)
	if err != nil {
		return err
	}
	for i, t := range tensors {
		if err := td.Align(TensorAlign); err != nil {
			return err
		}
		at, err := w.Offset()
		if err != nil {
			return err
		}
		if at != recs[i].DataOff {
			return fmt.Errorf("mcf: tensor %q landed at %d, index says %d", t.Name, at, recs[i].DataOff)
		}
		if err := t.Write(td); err != nil {
			return fmt.Errorf("mcf: write tensor %q: %w", t.Name, err)
		}
		end, err := w.Offset()
		if err != nil {
			return err
		}
		if end-at != recs[i].DataSize {
			return fmt.Errorf("mcf: tensor %q wrote %d bytes, want %d", t.Name, end-at, recs[i].DataSize)
		}
	}
	if err := td.End(); err != nil {
		return err
	}
	return w.Finalise()
}
