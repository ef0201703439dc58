package mcf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func sampleModel(t *testing.T) (*Hyperparams, *Vocabulary, []TensorSource) {
	t.Helper()
	hp := &Hyperparams{
		Arch:            "llama",
		LayerCount:      2,
		EmbeddingLength: 8,
		HeadCount:       2,
		ContextLength:   16,
		FileType:        DTypeF32,
	}
	hp.Set(KeyNormEps, float32(1e-5))
	hp.Set(KeyRotaryDims, uint32(4))
	hp.Set(KeyUseParallelResidual, true)
	hp.Set(KeyModelName, "tiny")

	vocab, err := NewVocabulary(
		[][]byte{[]byte("<unk>"), []byte("a"), []byte("b"), []byte("ab")},
		[]float32{0, -1, -2, -3},
	)
	if err != nil {
		t.Fatalf("new vocabulary: %v", err)
	}

	f32 := make([]byte, 4*8)
	for i := range 8 {
		binary.LittleEndian.PutUint32(f32[i*4:], math.Float32bits(float32(i)+0.5))
	}
	tensors := []TensorSource{
		BytesSource("z.weight", DTypeF32, []uint64{2, 4}, f32),
		BytesSource("a.weight", DTypeF16, []uint64{1, 3}, []byte{0, 0x3c, 0, 0x40, 0, 0x42}),
	}
	return hp, vocab, tensors
}

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.mcf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	hp, vocab, tensors := sampleModel(t)
	if err := WriteModel(f, hp, vocab, tensors); err != nil {
		t.Fatalf("write model: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path
}

func TestWriteModelRoundTrip(t *testing.T) {
	t.Parallel()

	mf, err := Open(writeSample(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() {
		if cerr := mf.Close(); cerr != nil {
			t.Fatalf("close mcf file: %v", cerr)
		}
	}()

	hp, err := mf.Hyperparams()
	if err != nil {
		t.Fatalf("hyperparams: %v", err)
	}
	if hp.Arch != "llama" || hp.LayerCount != 2 || hp.EmbeddingLength != 8 || hp.HeadCount != 2 || hp.ContextLength != 16 {
		t.Fatalf("unexpected hyperparams: %+v", hp)
	}
	if v, ok := hp.Float32(KeyNormEps); !ok || v != float32(1e-5) {
		t.Fatalf("norm_eps: got %v %v", v, ok)
	}
	if v, ok := hp.Uint32(KeyRotaryDims); !ok || v != 4 {
		t.Fatalf("rotary_dims: got %v %v", v, ok)
	}
	if v, ok := hp.Bool(KeyUseParallelResidual); !ok || !v {
		t.Fatalf("use_parallel_residual: got %v %v", v, ok)
	}
	if v, ok := hp.Text(KeyModelName); !ok || v != "tiny" {
		t.Fatalf("general.name: got %q %v", v, ok)
	}

	vocab, err := mf.Vocabulary()
	if err != nil {
		t.Fatalf("vocabulary: %v", err)
	}
	if vocab.Len() != 4 || vocab.MaxTokenLen() != 5 {
		t.Fatalf("unexpected vocabulary: len=%d max=%d", vocab.Len(), vocab.MaxTokenLen())
	}
	if id, ok := vocab.ID("ab"); !ok || id != 3 {
		t.Fatalf("vocab id for ab: got %d %v", id, ok)
	}

	ti, err := mf.TensorIndex()
	if err != nil {
		t.Fatalf("tensor index: %v", err)
	}
	if ti.Count() != 2 {
		t.Fatalf("tensor count: got %d", ti.Count())
	}
	i, ok := ti.Find("z.weight")
	if !ok {
		t.Fatalf("z.weight not found")
	}
	e, _ := ti.Entry(i)
	if e.DataOff%TensorAlign != 0 {
		t.Fatalf("payload offset %d not aligned", e.DataOff)
	}
	data, err := mf.TensorData(ti, i)
	if err != nil {
		t.Fatalf("tensor data: %v", err)
	}
	if got := math.Float32frombits(binary.LittleEndian.Uint32(data[4*5:])); got != 5.5 {
		t.Fatalf("element 5: got %v", got)
	}
	shape, _ := ti.Shape(i)
	if len(shape) != 2 || shape[0] != 2 || shape[1] != 4 {
		t.Fatalf("shape: got %v", shape)
	}
	if _, ok := ti.Find("missing"); ok {
		t.Fatalf("unexpected hit for missing tensor")
	}
}

func TestOpenReaderAtRoundTrip(t *testing.T) {
	t.Parallel()

	rf, err := os.Open(writeSample(t))
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer func() { _ = rf.Close() }()

	st, err := rf.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	mf, err := OpenReaderAt(rf, st.Size())
	if err != nil {
		t.Fatalf("open readerat: %v", err)
	}
	defer func() { _ = mf.Close() }()

	if mf.Mapped() {
		t.Fatalf("OpenReaderAt should not mmap")
	}
	if mf.Header.HeaderSize != mcfHeaderSize {
		t.Fatalf("header size mismatch: got %d want %d", mf.Header.HeaderSize, mcfHeaderSize)
	}
	var prev uint64
	for _, typ := range requiredSections {
		s := mf.Section(typ)
		if s == nil {
			t.Fatalf("missing %s section", typ)
		}
		if s.Offset < prev {
			t.Fatalf("%s section out of order", typ)
		}
		prev = s.End()
	}
}

func TestOpenRejectsMalformedFiles(t *testing.T) {
	t.Parallel()

	raw, err := os.ReadFile(writeSample(t))
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		kind   error
	}{
		{
			name:   "bad magic",
			mutate: func(b []byte) []byte { b[0] = 'X'; return b },
			kind:   ErrBadMagic,
		},
		{
			name: "unsupported major",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint16(b[4:6], CurrentMajor+1)
				return b
			},
			kind: ErrUnsupportedVersion,
		},
		{
			name:   "truncated tail",
			mutate: func(b []byte) []byte { return b[:len(b)-10] },
			kind:   ErrTruncated,
		},
		{
			name:   "shorter than header",
			mutate: func(b []byte) []byte { return b[:12] },
			kind:   ErrTruncated,
		},
		{
			name:   "trailing garbage",
			mutate: func(b []byte) []byte { return append(b, 0, 0, 0, 0) },
			kind:   ErrInconsistentDirectory,
		},
		{
			name: "section past end",
			mutate: func(b []byte) []byte {
				dir := binary.LittleEndian.Uint64(b[16:24])
				// First entry is the hyperparams section; inflate its size.
				binary.LittleEndian.PutUint64(b[dir+16:dir+24], uint64(len(b)))
				return b
			},
			kind: ErrTruncated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := tt.mutate(bytes.Clone(raw))
			_, err := OpenReaderAt(bytes.NewReader(b), int64(len(b)))
			if err == nil {
				t.Fatalf("expected error")
			}
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("expected *FormatError, got %T: %v", err, err)
			}
			if !errors.Is(err, tt.kind) || !errors.Is(err, ErrFormat) {
				t.Fatalf("expected kind %v, got %v", tt.kind, err)
			}
		})
	}
}

func TestTensorIndexPayloadOutsideDataSection(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.mcf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	hp, vocab, _ := sampleModel(t)
	hpRaw, _ := EncodeHyperparams(hp)
	vocabRaw, _ := EncodeVocab(vocab)
	index, err := EncodeTensorIndexSection([]TensorIndexRecord{{
		Name: "w", DType: DTypeF32, Shape: []uint64{4}, DataOff: 1 << 20, DataSize: 16,
	}})
	if err != nil {
		t.Fatalf("encode index: %v", err)
	}

	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	for _, s := range []struct {
		typ  SectionType
		data []byte
	}{
		{SectionHyperparams, hpRaw},
		{SectionVocab, vocabRaw},
		{SectionTensorIndex, index},
		{SectionTensorData, make([]byte, 16)},
	} {
		if err := w.WriteSection(s.typ, 1, s.data); err != nil {
			t.Fatalf("write %s: %v", s.typ, err)
		}
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	_ = f.Close()

	mf, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = mf.Close() }()

	_, err = mf.TensorIndex()
	if !errors.Is(err, ErrInconsistentDirectory) {
		t.Fatalf("expected inconsistent directory, got %v", err)
	}
}

func TestWriterEnforcesSectionOrder(t *testing.T) {
	t.Parallel()

	f, err := os.Create(filepath.Join(t.TempDir(), "order.mcf"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer func() { _ = f.Close() }()

	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.WriteSection(SectionVocab, 1, []byte{0}); err != nil {
		t.Fatalf("write vocab: %v", err)
	}
	if err := w.WriteSection(SectionHyperparams, 1, []byte{0}); err == nil {
		t.Fatalf("expected out-of-order error")
	}
	if err := w.WriteSection(SectionVocab, 1, []byte{0}); err == nil {
		t.Fatalf("expected duplicate section error")
	}
	if err := w.Finalise(); err == nil {
		t.Fatalf("expected missing section error")
	}
}

func TestHeaderAndSectionEncodingLittleEndian(t *testing.T) {
	t.Parallel()

	h := MCFHeader{
		Magic:            [4]byte{'M', 'C', 'F', 0},
		Major:            0x1122,
		Minor:            0x3344,
		HeaderSize:       mcfHeaderSize,
		SectionCount:     7,
		SectionDirOffset: 0x0102030405060708,
		FileSize:         0x1112131415161718,
		Flags:            0x2122232425262728,
	}
	var hdrRaw [mcfHeaderSize]byte
	if !encodeHeader(hdrRaw[:], h) {
		t.Fatalf("encode header failed")
	}
	if hdrRaw[4] != 0x22 || hdrRaw[5] != 0x11 {
		t.Fatalf("major is not little-endian: %x", hdrRaw[4:6])
	}
	if hdrRaw[16] != 0x08 || hdrRaw[23] != 0x01 {
		t.Fatalf("section dir offset is not little-endian: %x", hdrRaw[16:24])
	}
	decodedH, ok := decodeHeader(hdrRaw[:])
	if !ok {
		t.Fatalf("decode header failed")
	}
	if decodedH != h {
		t.Fatalf("header round-trip mismatch: got %+v want %+v", decodedH, h)
	}

	s := MCFSection{
		Type:    0x11223344,
		Version: 0x55667788,
		Offset:  0x0102030405060708,
		Size:    0x1112131415161718,
	}
	var secRaw [mcfSectionSize]byte
	if !encodeSection(secRaw[:], s) {
		t.Fatalf("encode section failed")
	}
	if secRaw[0] != 0x44 || secRaw[3] != 0x11 {
		t.Fatalf("section type is not little-endian: %x", secRaw[0:4])
	}
	decodedS, ok := decodeSection(secRaw[:])
	if !ok {
		t.Fatalf("decode section failed")
	}
	if decodedS != s {
		t.Fatalf("section round-trip mismatch: got %+v want %+v", decodedS, s)
	}
}

func TestDTypeDataSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dt    TensorDType
		shape []uint64
		want  uint64
		err   bool
	}{
		{DTypeF32, []uint64{3, 5}, 60, false},
		{DTypeF16, []uint64{7}, 14, false},
		{DTypeQ4_0, []uint64{2, 64}, 2 * 2 * 18, false},
		{DTypeQ4_1, []uint64{1, 32}, 20, false},
		{DTypeQ5_0, []uint64{1, 32}, 22, false},
		{DTypeQ5_1, []uint64{1, 32}, 24, false},
		{DTypeQ8_0, []uint64{4, 32}, 4 * 34, false},
		{DTypeQ8_0, []uint64{1, 33}, 0, true},
		{DTypeUnknown, []uint64{1}, 0, true},
	}
	for _, tt := range tests {
		got, err := tt.dt.DataSize(tt.shape)
		if (err != nil) != tt.err {
			t.Fatalf("%s %v: err=%v, want error=%v", tt.dt, tt.shape, err, tt.err)
		}
		if got != tt.want {
			t.Fatalf("%s %v: got %d want %d", tt.dt, tt.shape, got, tt.want)
		}
	}
}
