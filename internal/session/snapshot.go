package session

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

var snapshotMagic = [4]byte{'S', 'T', 'S', 'N'}

const snapshotVersion uint32 = 1

var ErrSnapshot = errors.New("session: invalid snapshot")

type snapshotHeader struct {
	Magic      [4]byte
	Version    uint32
	Context    uint32
	Layers     uint32
	Heads      uint32
	HeadDim    uint32
	Pos        uint32
	HistoryLen uint32
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// WriteTo writes Pos, the token history and the used cache rows of every
// layer. All values are little-endian.
func (s *Session) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	bw := bufio.NewWriter(cw)
	hdr := snapshotHeader{
		Magic:      snapshotMagic,
		Version:    snapshotVersion,
		Context:    uint32(s.ctx),
		Layers:     uint32(s.layers),
		Heads:      uint32(s.heads),
		HeadDim:    uint32(s.headDim),
		Pos:        uint32(s.pos),
		HistoryLen: uint32(len(s.history)),
	}
	if err := binary.Write(bw, binary.LittleEndian, &hdr); err != nil {
		return cw.n, err
	}
	var b [4]byte
	for _, id := range s.history {
		binary.LittleEndian.PutUint32(b[:], uint32(id))
		if _, err := bw.Write(b[:]); err != nil {
			return cw.n, err
		}
	}
	used := s.pos * s.Width()
	for l := range s.layers {
		for _, buf := range [][]float32{s.keys[l][:used], s.values[l][:used]} {
			for _, v := range buf {
				binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
				if _, err := bw.Write(b[:]); err != nil {
					return cw.n, err
				}
			}
		}
	}
	err := bw.Flush()
	return cw.n, err
}

// ReadFrom restores a snapshot written by WriteTo. The snapshot must match
// the session's dimensions; on any error the session is left unchanged.
func (s *Session) ReadFrom(r io.Reader) (int64, error) {
	cr := &countingReader{r: r}
	br := bufio.NewReader(cr)
	var hdr snapshotHeader
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return cr.n, fmt.Errorf("%w: header: %w", ErrSnapshot, err)
	}
	switch {
	case hdr.Magic != snapshotMagic:
		return cr.n, fmt.Errorf("%w: bad magic %q", ErrSnapshot, hdr.Magic[:])
	case hdr.Version != snapshotVersion:
		return cr.n, fmt.Errorf("%w: unsupported version %d", ErrSnapshot, hdr.Version)
	case int(hdr.Context) != s.ctx || int(hdr.Layers) != s.layers || int(hdr.Heads) != s.heads || int(hdr.HeadDim) != s.headDim:
		return cr.n, fmt.Errorf("%w: layout ctx=%d layers=%d heads=%d head_dim=%d does not match session",
			ErrSnapshot, hdr.Context, hdr.Layers, hdr.Heads, hdr.HeadDim)
	case int(hdr.Pos) > s.ctx:
		return cr.n, fmt.Errorf("%w: position %d past context %d", ErrSnapshot, hdr.Pos, s.ctx)
	case hdr.HistoryLen > hdr.Pos:
		return cr.n, fmt.Errorf("%w: %d history tokens for %d positions", ErrSnapshot, hdr.HistoryLen, hdr.Pos)
	}

	history := make([]int, hdr.HistoryLen)
	var b [4]byte
	for i := range history {
		if _, err := io.ReadFull(br, b[:]); err != nil {
			return cr.n, fmt.Errorf("%w: history: %w", ErrSnapshot, err)
		}
		history[i] = int(binary.LittleEndian.Uint32(b[:]))
	}

	used := int(hdr.Pos) * s.Width()
	keys := make([][]float32, s.layers)
	values := make([][]float32, s.layers)
	for l := range s.layers {
		keys[l] = make([]float32, used)
		values[l] = make([]float32, used)
		for _, buf := range [][]float32{keys[l], values[l]} {
			for i := range buf {
				if _, err := io.ReadFull(br, b[:]); err != nil {
					return cr.n, fmt.Errorf("%w: layer %d cache: %w", ErrSnapshot, l, err)
				}
				buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[:]))
			}
		}
	}

	for l := range s.layers {
		copy(s.keys[l], keys[l])
		copy(s.values[l], values[l])
	}
	s.pos = int(hdr.Pos)
	s.history = history
	s.reserved = 0
	return cr.n, nil
}
