// Package checkpoint reads PyTorch state dicts into nn state dicts.
package checkpoint

import (
	"fmt"
	"log/slog"

	"github.com/nlpodyssey/gopickle/pytorch"

	"github.com/djeday123/transblock/logutil"
	"github.com/djeday123/transblock/nn"
	"github.com/djeday123/transblock/tensor"
)

// dict is satisfied by the gopickle dict types.
type dict interface {
	Keys() []interface{}
	MustGet(key interface{}) interface{}
}

// ReadTorch loads a file written by torch.save(model.state_dict()).
// Float, half, bfloat16 and double tensors are widened to float32; other
// entries are skipped.
func ReadTorch(path string) (*nn.StateDict, error) {
	v, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return stateDict(v)
}

func stateDict(v interface{}) (*nn.StateDict, error) {
	d, ok := v.(dict)
	if !ok {
		return nil, fmt.Errorf("checkpoint holds %T, not a state dict", v)
	}
	sd := nn.NewStateDict()
	for _, k := range d.Keys() {
		name, ok := k.(string)
		if !ok {
			slog.Warn("skipping non-string key", "key", k)
			continue
		}
		pt, ok := d.MustGet(k).(*pytorch.Tensor)
		if !ok {
			slog.Warn("skipping non-tensor entry", "name", name)
			continue
		}
		t, err := convert(pt)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if t == nil {
			slog.Warn("skipping tensor with unsupported storage", "name", name, "storage", fmt.Sprintf("%T", pt.Source))
			continue
		}
		logutil.Trace("loaded tensor", "name", name, "shape", t.Shape)
		sd.Set(name, t)
	}
	return sd, nil
}

// convert copies pt into a contiguous float32 tensor. It returns nil for
// storages that are not floating point.
func convert(pt *pytorch.Tensor) (*tensor.Tensor, error) {
	var (
		data []float32
		err  error
	)
	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		data, err = gather(s.Data, pt.StorageOffset, pt.Size, pt.Stride)
	case *pytorch.HalfStorage:
		data, err = gather(s.Data, pt.StorageOffset, pt.Size, pt.Stride)
	case *pytorch.BFloat16Storage:
		data, err = gather(s.Data, pt.StorageOffset, pt.Size, pt.Stride)
	case *pytorch.DoubleStorage:
		data, err = gather(s.Data, pt.StorageOffset, pt.Size, pt.Stride)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tensor.FromFloat32(data, pt.Size...)
}

// gather reads a strided view out of data in row-major order.
func gather[T float32 | float64](data []T, offset int, size, stride []int) ([]float32, error) {
	if len(size) != len(stride) {
		return nil, fmt.Errorf("size %v and stride %v differ in rank", size, stride)
	}
	n := 1
	for _, d := range size {
		n *= d
	}
	out := make([]float32, n)
	idx := make([]int, len(size))
	for i := range out {
		pos := offset
		for d, j := range idx {
			pos += j * stride[d]
		}
		if pos < 0 || pos >= len(data) {
			return nil, fmt.Errorf("element %d at storage index %d outside %d", i, pos, len(data))
		}
		out[i] = float32(data[pos])
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < size[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}
