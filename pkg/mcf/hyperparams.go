package mcf

import (
	"errors"
	"fmt"
	"sort"
)

// Hyperparams payload format (v1), little-endian.
//
// Layout:
//   u32 version
//   str architecture tag
//   u32 layer_count, embedding_length, head_count, context_length
//   u32 file_type
//   u32 kv_count
//   kv_count × { str key, u32 kind, value }
//
// str is u32 byte_len followed by the bytes, no NUL terminator.
// Values are u32 for KVUint32 and KVBool, f32 for KVFloat32 and str for KVString.

const HyperparamsVersion uint32 = 1

const (
	KVUint32  uint32 = 1
	KVFloat32 uint32 = 2
	KVBool    uint32 = 3
	KVString  uint32 = 4
)

// Well-known optional keys.
const (
	KeyNormEps             = "norm_eps"
	KeyRotaryDims          = "rotary_dims"
	KeyRopeFreqBase        = "rope_freq_base"
	KeyUseParallelResidual = "use_parallel_residual"
	KeyAlibiBiasMax        = "alibi_bias_max"
	KeyClipQKV             = "clip_qkv"
	KeyBOSID               = "tokenizer.bos_id"
	KeyEOSID               = "tokenizer.eos_id"
	KeyUnkID               = "tokenizer.unk_id"
	KeyAddBOS              = "tokenizer.add_bos"
	KeyModelName           = "general.name"
)

type Hyperparams struct {
	Arch            string
	LayerCount      uint32
	EmbeddingLength uint32
	HeadCount       uint32
	ContextLength   uint32
	FileType        TensorDType

	// Extras holds family-specific fields. Values are uint32, float32, bool or string.
	Extras map[string]any
}

// Has reports whether key is present in the fixed block or the extras table.
func (h *Hyperparams) Has(key string) bool {
	switch key {
	case "arch", "layer_count", "embedding_length", "head_count", "context_length":
		return true
	}
	_, ok := h.Extras[key]
	return ok
}

func (h *Hyperparams) Uint32(key string) (uint32, bool) {
	v, ok := h.Extras[key].(uint32)
	return v, ok
}

func (h *Hyperparams) Float32(key string) (float32, bool) {
	switch v := h.Extras[key].(type) {
	case float32:
		return v, true
	case uint32:
		return float32(v), true
	}
	return 0, false
}

func (h *Hyperparams) Bool(key string) (bool, bool) {
	v, ok := h.Extras[key].(bool)
	return v, ok
}

func (h *Hyperparams) Text(key string) (string, bool) {
	v, ok := h.Extras[key].(string)
	return v, ok
}

// Set stores an extra value. It panics on unsupported value types.
func (h *Hyperparams) Set(key string, v any) {
	switch v.(type) {
	case uint32, float32, bool, string:
	default:
		panic(fmt.Sprintf("mcf: unsupported hyperparameter type %T for %q", v, key))
	}
	if h.Extras == nil {
		h.Extras = make(map[string]any)
	}
	h.Extras[key] = v
}

func EncodeHyperparams(h *Hyperparams) ([]byte, error) {
	if h == nil {
		return nil, errors.New("mcf: nil hyperparams")
	}
	if h.Arch == "" {
		return nil, errors.New("mcf: hyperparams missing architecture tag")
	}

	var a appender
	a.u32(HyperparamsVersion)
	a.str(h.Arch)
	a.u32(h.LayerCount)
	a.u32(h.EmbeddingLength)
	a.u32(h.HeadCount)
	a.u32(h.ContextLength)
	a.u32(uint32(h.FileType))

	keys := make([]string, 0, len(h.Extras))
	for k := range h.Extras {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	a.u32(uint32(len(keys)))
	for _, k := range keys {
		a.str(k)
		switch v := h.Extras[k].(type) {
		case uint32:
			a.u32(KVUint32)
			a.u32(v)
		case float32:
			a.u32(KVFloat32)
			a.f32(v)
		case bool:
			a.u32(KVBool)
			if v {
				a.u32(1)
			} else {
				a.u32(0)
			}
		case string:
			a.u32(KVString)
			a.str(v)
		default:
			return nil, fmt.Errorf("mcf: unsupported hyperparameter type %T for %q", v, k)
		}
	}
	return a.b, nil
}

// ParseHyperparams decodes a hyperparameter section payload.
func ParseHyperparams(sec []byte) (*Hyperparams, error) {
	c := newCursor(sec, "hyperparams")
	version := c.u32()
	if c.err != nil {
		return nil, c.err
	}
	if version != HyperparamsVersion {
		return nil, formatErr(ErrUnsupportedVersion, "hyperparams version %d", version)
	}

	h := &Hyperparams{
		Arch:            c.str(),
		LayerCount:      c.u32(),
		EmbeddingLength: c.u32(),
		HeadCount:       c.u32(),
		ContextLength:   c.u32(),
		FileType:        TensorDType(c.u32()),
	}
	n := c.u32()
	if c.err != nil {
		return nil, c.err
	}
	if n > 0 {
		h.Extras = make(map[string]any, min(int(n), len(sec)/12))
	}
	for i := uint32(0); i < n; i++ {
		key := c.str()
		kind := c.u32()
		switch kind {
		case KVUint32:
			h.Extras[key] = c.u32()
		case KVFloat32:
			h.Extras[key] = c.f32()
		case KVBool:
			h.Extras[key] = c.u32() != 0
		case KVString:
			h.Extras[key] = c.str()
		default:
			if c.err == nil {
				return nil, inconsistent("hyperparams: key %q has unknown kind %d", key, kind)
			}
		}
		if c.err != nil {
			return nil, c.err
		}
	}
	if h.Arch == "" {
		return nil, inconsistent("hyperparams: empty architecture tag")
	}
	return h, nil
}
