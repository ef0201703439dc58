package mcf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
)

// TensorIndexVersion is the on-disk version of the tensor index section payload.
const TensorIndexVersion uint32 = 1

const (
	tensorIndexHeaderSize = 48
	tensorIndexEntrySize  = 40
	maxTensorRank         = 4
)

// TensorIndexHeader describes the on-disk layout of the tensor index section.
// Offsets are relative to the start of the section payload.
type TensorIndexHeader struct {
	Version     uint32 // = 1
	Flags       uint32 // TensorIndexFlag*
	TensorCount uint32
	DimsCount   uint32 // total number of uint64 dims in the dims table

	EntriesOff  uint64 // []TensorIndexEntry (TensorCount)
	DimsOff     uint64 // []uint64 (DimsCount)
	StringsOff  uint64 // []byte (StringsSize)
	StringsSize uint64
}

const (
	// TensorIndexFlagSortedByName means entries are sorted by raw name bytes ascending.
	// This allows binary-search lookup without building a map.
	TensorIndexFlagSortedByName uint32 = 1 << 0
)

// TensorIndexEntry is the on-disk fixed-size record for a tensor.
// Name bytes live in the strings table and shape dims in the dims table.
// Dims are outermost first; the last dim is the row length.
type TensorIndexEntry struct {
	NameOff uint32
	NameLen uint32

	DType TensorDType
	Rank  uint32

	DimOff uint32 // index into dims table (uint64 elements)
	_      uint32

	// DataOff is an absolute file offset, not section-relative.
	DataOff  uint64
	DataSize uint64
}

// TensorIndex is a parsed view over a tensor index section payload.
// It keeps a reference to the raw section bytes (which usually reference the mmap).
type TensorIndex struct {
	raw []byte
	hdr TensorIndexHeader
}

// TensorIndexRecord is the input to EncodeTensorIndexSection.
type TensorIndexRecord struct {
	Name  string
	DType TensorDType
	Shape []uint64

	DataOff  uint64
	DataSize uint64
}

// ParseTensorIndexSection validates the tables of a tensor index section payload.
// Payload ranges are checked separately by CheckPayloads once the data section is known.
func ParseTensorIndexSection(sec []byte) (*TensorIndex, error) {
	if len(sec) < tensorIndexHeaderSize {
		return nil, truncated("tensor index header: have %d bytes", len(sec))
	}

	h := TensorIndexHeader{
		Version:     binary.LittleEndian.Uint32(sec[0:4]),
		Flags:       binary.LittleEndian.Uint32(sec[4:8]),
		TensorCount: binary.LittleEndian.Uint32(sec[8:12]),
		DimsCount:   binary.LittleEndian.Uint32(sec[12:16]),
		EntriesOff:  binary.LittleEndian.Uint64(sec[16:24]),
		DimsOff:     binary.LittleEndian.Uint64(sec[24:32]),
		StringsOff:  binary.LittleEndian.Uint64(sec[32:40]),
		StringsSize: binary.LittleEndian.Uint64(sec[40:48]),
	}

	if h.Version != TensorIndexVersion {
		return nil, formatErr(ErrUnsupportedVersion, "tensor index version %d", h.Version)
	}
	if h.TensorCount == 0 {
		return nil, inconsistent("tensor index is empty")
	}

	secLen := uint64(len(sec))
	entriesBytes := uint64(h.TensorCount) * tensorIndexEntrySize
	dimsBytes := uint64(h.DimsCount) * 8

	if h.EntriesOff > secLen || h.EntriesOff+entriesBytes > secLen {
		return nil, truncated("tensor index entries table")
	}
	if h.DimsOff > secLen || h.DimsOff+dimsBytes > secLen {
		return nil, truncated("tensor index dims table")
	}
	if h.StringsOff > secLen || h.StringsOff+h.StringsSize > secLen {
		return nil, truncated("tensor index strings table")
	}

	ti := &TensorIndex{raw: sec, hdr: h}
	for i := 0; i < int(h.TensorCount); i++ {
		e := ti.entry(i)
		if uint64(e.NameOff)+uint64(e.NameLen) > h.StringsSize {
			return nil, inconsistent("tensor %d name outside strings table", i)
		}
		if e.Rank == 0 || e.Rank > maxTensorRank {
			return nil, inconsistent("tensor %d has rank %d", i, e.Rank)
		}
		if uint64(e.DimOff)+uint64(e.Rank) > uint64(h.DimsCount) {
			return nil, inconsistent("tensor %d shape outside dims table", i)
		}
	}
	return ti, nil
}

// CheckPayloads verifies every entry against the tensor data section
// [dataStart, dataEnd): known dtype, payload inside the section, and
// DataSize matching shape × dtype.
func (ti *TensorIndex) CheckPayloads(dataStart, dataEnd uint64) error {
	for i := 0; i < ti.Count(); i++ {
		e := ti.entry(i)
		name, _ := ti.Name(i)
		if !e.DType.Known() {
			return formatErr(ErrUnsupportedVersion, "tensor %q has unknown dtype %d", name, uint32(e.DType))
		}
		shape, _ := ti.Shape(i)
		want, err := e.DType.DataSize(shape)
		if err != nil {
			return inconsistent("tensor %q: %v", name, err)
		}
		if want != e.DataSize {
			return inconsistent("tensor %q: data size %d, shape %v needs %d", name, e.DataSize, shape, want)
		}
		end := e.DataOff + e.DataSize
		if end < e.DataOff || e.DataOff < dataStart || end > dataEnd {
			return inconsistent("tensor %q payload [%d,%d) outside data section [%d,%d)", name, e.DataOff, end, dataStart, dataEnd)
		}
	}
	return nil
}

func (ti *TensorIndex) entry(i int) TensorIndexEntry {
	base := ti.hdr.EntriesOff + uint64(i)*tensorIndexEntrySize
	b := ti.raw[base : base+tensorIndexEntrySize]

	// Layout matches TensorIndexEntry fields in order (little-endian).
	return TensorIndexEntry{
		NameOff:  binary.LittleEndian.Uint32(b[0:4]),
		NameLen:  binary.LittleEndian.Uint32(b[4:8]),
		DType:    TensorDType(binary.LittleEndian.Uint32(b[8:12])),
		Rank:     binary.LittleEndian.Uint32(b[12:16]),
		DimOff:   binary.LittleEndian.Uint32(b[16:20]),
		DataOff:  binary.LittleEndian.Uint64(b[24:32]),
		DataSize: binary.LittleEndian.Uint64(b[32:40]),
	}
}

func (ti *TensorIndex) Count() int {
	return int(ti.hdr.TensorCount)
}

func (ti *TensorIndex) Entry(i int) (TensorIndexEntry, error) {
	if i < 0 || i >= ti.Count() {
		return TensorIndexEntry{}, errors.New("mcf: tensor index out of range")
	}
	return ti.entry(i), nil
}

func (ti *TensorIndex) NameBytes(i int) ([]byte, error) {
	e, err := ti.Entry(i)
	if err != nil {
		return nil, err
	}
	off := ti.hdr.StringsOff + uint64(e.NameOff)
	return ti.raw[off : off+uint64(e.NameLen)], nil
}

// Name returns a copy of the tensor name, safe to keep after the file is closed.
func (ti *TensorIndex) Name(i int) (string, error) {
	b, err := ti.NameBytes(i)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (ti *TensorIndex) Shape(i int) ([]uint64, error) {
	e, err := ti.Entry(i)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, e.Rank)
	for d := range out {
		base := ti.hdr.DimsOff + uint64(e.DimOff+uint32(d))*8
		out[d] = binary.LittleEndian.Uint64(ti.raw[base : base+8])
	}
	return out, nil
}

// Find returns the entry index for the given tensor name.
// If the index is sorted (TensorIndexFlagSortedByName), this is O(log n).
// Otherwise it's a linear scan.
func (ti *TensorIndex) Find(name string) (int, bool) {
	if ti == nil {
		return -1, false
	}
	key := []byte(name)
	n := ti.Count()

	if (ti.hdr.Flags & TensorIndexFlagSortedByName) != 0 {
		i := sort.Search(n, func(i int) bool {
			nb, _ := ti.NameBytes(i)
			return bytes.Compare(nb, key) >= 0
		})
		if i < n {
			if nb, _ := ti.NameBytes(i); bytes.Equal(nb, key) {
				return i, true
			}
		}
		return -1, false
	}

	for i := 0; i < n; i++ {
		if nb, _ := ti.NameBytes(i); bytes.Equal(nb, key) {
			return i, true
		}
	}
	return -1, false
}

// EncodeTensorIndexSection builds a tensor index section payload (v1).
// Records are sorted by name, and the sorted flag is set.
func EncodeTensorIndexSection(records []TensorIndexRecord) ([]byte, error) {
	if len(records) == 0 {
		return nil, errors.New("mcf: tensor index requires at least one record")
	}

	recs := make([]TensorIndexRecord, len(records))
	copy(recs, records)
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })

	var (
		dims       []uint64
		stringBlob []byte
		entries    = make([]TensorIndexEntry, 0, len(recs))
	)

	for i, r := range recs {
		if r.Name == "" {
			return nil, errors.New("mcf: tensor name must be non-empty")
		}
		if i > 0 && recs[i-1].Name == r.Name {
			return nil, errors.New("mcf: duplicate tensor name " + r.Name)
		}
		if len(r.Shape) == 0 || len(r.Shape) > maxTensorRank {
			return nil, errors.New("mcf: tensor " + r.Name + " has unsupported rank")
		}

		entries = append(entries, TensorIndexEntry{
			NameOff:  uint32(len(stringBlob)),
			NameLen:  uint32(len(r.Name)),
			DType:    r.DType,
			Rank:     uint32(len(r.Shape)),
			DimOff:   uint32(len(dims)),
			DataOff:  r.DataOff,
			DataSize: r.DataSize,
		})
		stringBlob = append(stringBlob, r.Name...)
		dims = append(dims, r.Shape...)
	}

	// Layout: header | entries | dims | strings
	hdr := TensorIndexHeader{
		Version:     TensorIndexVersion,
		Flags:       TensorIndexFlagSortedByName,
		TensorCount: uint32(len(entries)),
		DimsCount:   uint32(len(dims)),
		EntriesOff:  tensorIndexHeaderSize,
	}
	hdr.DimsOff = hdr.EntriesOff + tensorIndexEntrySize*uint64(len(entries))
	hdr.StringsOff = hdr.DimsOff + uint64(len(dims))*8
	hdr.StringsSize = uint64(len(stringBlob))

	out := make([]byte, int(hdr.StringsOff+hdr.StringsSize))

	binary.LittleEndian.PutUint32(out[0:4], hdr.Version)
	binary.LittleEndian.PutUint32(out[4:8], hdr.Flags)
	binary.LittleEndian.PutUint32(out[8:12], hdr.TensorCount)
	binary.LittleEndian.PutUint32(out[12:16], hdr.DimsCount)
	binary.LittleEndian.PutUint64(out[16:24], hdr.EntriesOff)
	binary.LittleEndian.PutUint64(out[24:32], hdr.DimsOff)
	binary.LittleEndian.PutUint64(out[32:40], hdr.StringsOff)
	binary.LittleEndian.PutUint64(out[40:48], hdr.StringsSize)

	ep := int(hdr.EntriesOff)
	for _, e := range entries {
		binary.LittleEndian.PutUint32(out[ep+0:ep+4], e.NameOff)
		binary.LittleEndian.PutUint32(out[ep+4:ep+8], e.NameLen)
		binary.LittleEndian.PutUint32(out[ep+8:ep+12], uint32(e.DType))
		binary.LittleEndian.PutUint32(out[ep+12:ep+16], e.Rank)
		binary.LittleEndian.PutUint32(out[ep+16:ep+20], e.DimOff)
		binary.LittleEndian.PutUint64(out[ep+24:ep+32], e.DataOff)
		binary.LittleEndian.PutUint64(out[ep+32:ep+40], e.DataSize)
		ep += tensorIndexEntrySize
	}

	dp := int(hdr.DimsOff)
	for _, d := range dims {
		binary.LittleEndian.PutUint64(out[dp:dp+8], d)
		dp += 8
	}

	copy(out[int(hdr.StringsOff):], stringBlob)
	return out, nil
}
