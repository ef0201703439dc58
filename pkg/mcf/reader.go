package mcf

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

type File struct {
	Data     []byte
	Header   *MCFHeader
	Sections []MCFSection
	mmapped  bool
}

// Open maps an MCF file read-only and validates its structure.
// If mmap is unavailable, it falls back to ReadAt-based loading.
// The returned file must be closed to release any mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size64 := stat.Size()
	if size64 > int64(int(^uint(0)>>1)) {
		// cannot index this file safely as []byte on this architecture.
		return nil, truncated("file of %d bytes cannot be addressed", size64)
	}
	size := int(size64)
	if size < mcfHeaderSize {
		return nil, truncated("file is %d bytes, header needs %d", size, mcfHeaderSize)
	}

	// Prefer mmap where available for zero-copy section slices.
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		mf, parseErr := parseFileData(data, true)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		return mf, nil
	}

	data, err = readAllAt(f, size)
	if err != nil {
		return nil, err
	}
	return parseFileData(data, false)
}

// OpenReaderAt loads and validates an MCF from a random-access reader without mmap.
func OpenReaderAt(r io.ReaderAt, size int64) (*File, error) {
	if size < 0 || size > int64(int(^uint(0)>>1)) {
		return nil, truncated("invalid size %d", size)
	}
	data, err := readAllAt(r, int(size))
	if err != nil {
		return nil, err
	}
	return parseFileData(data, false)
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		if err == io.EOF {
			return nil, truncated("read %d of %d bytes", off, size)
		}
		return nil, err
	}
	return out, nil
}

func parseFileData(data []byte, mmapped bool) (*File, error) {
	if len(data) < mcfHeaderSize {
		return nil, truncated("file is %d bytes, header needs %d", len(data), mcfHeaderSize)
	}
	hdr, _ := decodeHeader(data[:mcfHeaderSize])
	if !hdr.Valid() {
		return nil, formatErr(ErrBadMagic, "got %q", hdr.Magic[:])
	}
	if !hdr.Compatible() {
		return nil, formatErr(ErrUnsupportedVersion, "major version %d, reader supports %d", hdr.Major, CurrentMajor)
	}
	switch {
	case hdr.FileSize > uint64(len(data)):
		return nil, truncated("header records %d bytes, file has %d", hdr.FileSize, len(data))
	case hdr.FileSize < uint64(len(data)):
		return nil, inconsistent("header records %d bytes, file has %d", hdr.FileSize, len(data))
	}
	if hdr.HeaderSize < mcfHeaderSize || uint64(hdr.HeaderSize) > uint64(len(data)) {
		return nil, inconsistent("header size %d", hdr.HeaderSize)
	}

	dirStart := hdr.SectionDirOffset
	dirEnd := dirStart + uint64(hdr.SectionCount)*mcfSectionSize
	if dirStart < uint64(hdr.HeaderSize) {
		return nil, inconsistent("section directory at %d overlaps header", dirStart)
	}
	if dirEnd < dirStart || dirEnd > uint64(len(data)) {
		return nil, truncated("section directory [%d,%d) past end of file", dirStart, dirEnd)
	}

	sections := make([]MCFSection, hdr.SectionCount)
	for i := range sections {
		start := int(dirStart) + i*mcfSectionSize
		sections[i], _ = decodeSection(data[start : start+mcfSectionSize])
	}

	for i := range sections {
		s := &sections[i]
		end := s.Offset + s.Size
		if end < s.Offset || end > uint64(len(data)) {
			return nil, truncated("section %s [%d,%d) past end of file", SectionType(s.Type), s.Offset, end)
		}
		if s.Offset < uint64(hdr.HeaderSize) {
			return nil, inconsistent("section %d overlaps header", i)
		}
		if rangesOverlap(s.Offset, end, dirStart, dirEnd) {
			return nil, inconsistent("section %d overlaps section directory", i)
		}
		if s.Offset%mcfAlign != 0 {
			return nil, inconsistent("section %d offset not %d-byte aligned", i, mcfAlign)
		}
		for j := range i {
			o := &sections[j]
			if o.Type == s.Type {
				return nil, inconsistent("duplicate section %s", SectionType(s.Type))
			}
			if rangesOverlap(s.Offset, end, o.Offset, o.End()) {
				return nil, inconsistent("sections %d and %d overlap", j, i)
			}
		}
	}

	mf := &File{
		Data:     data,
		Header:   &hdr,
		Sections: sections,
		mmapped:  mmapped,
	}

	// Required sections must exist and sit in file order.
	var prevEnd uint64
	for _, typ := range requiredSections {
		s := mf.Section(typ)
		if s == nil {
			return nil, inconsistent("missing %s section", typ)
		}
		if s.Offset < prevEnd {
			return nil, inconsistent("%s section precedes an earlier section", typ)
		}
		prevEnd = s.End()
	}
	if v := mf.Section(SectionTensorData).Version; v != 1 {
		return nil, formatErr(ErrUnsupportedVersion, "tensor data version %d", v)
	}
	return mf, nil
}

// Close releases file resources and any mmap backing.
func (f *File) Close() error {
	if f == nil {
		return nil
	}
	var err error
	if f.Data != nil && f.mmapped {
		err = unix.Munmap(f.Data)
	}
	f.Data = nil
	f.Header = nil
	f.Sections = nil
	f.mmapped = false
	return err
}

// Mapped reports whether the file data is an mmap.
func (f *File) Mapped() bool {
	return f.mmapped
}

// Section returns the section matching the given type, or nil if it does not exist.
func (f *File) Section(t SectionType) *MCFSection {
	for i := range f.Sections {
		if SectionType(f.Sections[i].Type) == t {
			return &f.Sections[i]
		}
	}
	return nil
}

// SectionData returns a zero-copy slice covering the section payload.
// The caller must not retain this slice after File.Close().
func (f *File) SectionData(s *MCFSection) []byte {
	if f == nil || s == nil || f.Data == nil {
		return nil
	}
	end := s.Offset + s.Size
	if end < s.Offset || end > uint64(len(f.Data)) {
		return nil
	}
	return f.Data[int(s.Offset):int(end)]
}

// Hyperparams parses the hyperparameter section.
func (f *File) Hyperparams() (*Hyperparams, error) {
	return ParseHyperparams(f.SectionData(f.Section(SectionHyperparams)))
}

// Vocabulary parses the vocabulary section.
func (f *File) Vocabulary() (*Vocabulary, error) {
	return ParseVocab(f.SectionData(f.Section(SectionVocab)))
}

// TensorIndex parses the tensor index and checks every payload against the
// tensor data section.
func (f *File) TensorIndex() (*TensorIndex, error) {
	ti, err := ParseTensorIndexSection(f.SectionData(f.Section(SectionTensorIndex)))
	if err != nil {
		return nil, err
	}
	data := f.Section(SectionTensorData)
	if err := ti.CheckPayloads(data.Offset, data.End()); err != nil {
		return nil, err
	}
	return ti, nil
}

// TensorData returns a zero-copy view of the payload of entry i.
// The caller must not retain this slice after File.Close().
func (f *File) TensorData(ti *TensorIndex, i int) ([]byte, error) {
	if f == nil || f.Data == nil {
		return nil, fmt.Errorf("mcf: file is closed")
	}
	e, err := ti.Entry(i)
	if err != nil {
		return nil, err
	}
	end := e.DataOff + e.DataSize
	if end < e.DataOff || end > uint64(len(f.Data)) {
		return nil, inconsistent("tensor %d payload past end of file", i)
	}
	return f.Data[e.DataOff:end], nil
}
