package nn

import (
	"fmt"

	"github.com/djeday123/transblock/tensor"
)

// Variant names the forward algorithm a TransformerBlock runs for a call.
type Variant uint8

const (
	PreNormSelf Variant = iota
	PostNormSelf
	CrossAttnSeparateKV
	CrossAttnCombinedKV
	// CrossAttnSelfDegenerate is a cross-attention block called without
	// keys or values; it attends the normalized query to itself.
	CrossAttnSelfDegenerate
)

func (v Variant) String() string {
	switch v {
	case PreNormSelf:
		return "pre_norm_self"
	case PostNormSelf:
		return "post_norm_self"
	case CrossAttnSeparateKV:
		return "cross_attn_separate_kv"
	case CrossAttnCombinedKV:
		return "cross_attn_combined_kv"
	case CrossAttnSelfDegenerate:
		return "cross_attn_self"
	default:
		return fmt.Sprintf("variant(%d)", uint8(v))
	}
}

// KeyValue is the key/value stream passed to a cross-attention block:
// nil, SeparateKV or CombinedKV.
type KeyValue interface {
	keyValue()
}

// SeparateKV supplies keys [B, S, KDim] and values [B, S, VDim]. Both or
// neither must be set.
type SeparateKV struct {
	Key, Value *tensor.Tensor
}

// CombinedKV supplies one tensor used, after normalization, as both keys and values.
type CombinedKV struct {
	KV *tensor.Tensor
}

func (SeparateKV) keyValue() {}
func (CombinedKV) keyValue() {}

// ForwardOptions carries the optional per-call inputs of a block.
type ForwardOptions struct {
	Mask           Mask
	KeyPaddingMask Mask
	// KV is only read by cross-attention blocks.
	KV KeyValue
}

// unpackKV flattens kv. It fails with ErrKeyValuePair when exactly one of
// key and value is set.
func unpackKV(kv KeyValue) (key, value, combined *tensor.Tensor, err error) {
	switch kv := kv.(type) {
	case nil:
	case SeparateKV:
		key, value = kv.Key, kv.Value
	case *SeparateKV:
		if kv != nil {
			key, value = kv.Key, kv.Value
		}
	case CombinedKV:
		combined = kv.KV
	case *CombinedKV:
		if kv != nil {
			combined = kv.KV
		}
	}
	if (key == nil) != (value == nil) {
		return nil, nil, nil, ErrKeyValuePair
	}
	return key, value, combined, nil
}

func crossVariant(kv KeyValue) (Variant, error) {
	key, _, combined, err := unpackKV(kv)
	switch {
	case err != nil:
		return 0, err
	case key != nil:
		return CrossAttnSeparateKV, nil
	case combined != nil:
		return CrossAttnCombinedKV, nil
	}
	return CrossAttnSelfDegenerate, nil
}
