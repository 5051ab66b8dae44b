package cpu

import (
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/djeday123/transblock/backend"
	"github.com/djeday123/transblock/envconfig"
)

// ScaledDotProductAttention computes softmax(Q K^T / sqrt(d) + bias) * keep @ V.
// Each (batch, head) pair is independent and runs on its own goroutine.
func (c *cpuBackend) ScaledDotProductAttention(dst, weights, q, k, v, bias, keep backend.Storage, batch, heads, qLen, kvLen, headDim int) error {
	qF := floatSlice(q, batch*heads*qLen*headDim)
	kF := floatSlice(k, batch*heads*kvLen*headDim)
	vF := floatSlice(v, batch*heads*kvLen*headDim)
	dstF := floatSlice(dst, batch*heads*qLen*headDim)
	wF := floatSlice(weights, batch*heads*qLen*kvLen)
	biasF := floatSlice(bias, batch*heads*qLen*kvLen)
	keepF := floatSlice(keep, batch*heads*qLen*kvLen)
	scale := float32(1 / math.Sqrt(float64(headDim)))

	var g errgroup.Group
	g.SetLimit(envconfig.NumThreads())
	for bh := 0; bh < batch*heads; bh++ {
		g.Go(func() error {
			qh := qF[bh*qLen*headDim : (bh+1)*qLen*headDim]
			kh := kF[bh*kvLen*headDim : (bh+1)*kvLen*headDim]
			vh := vF[bh*kvLen*headDim : (bh+1)*kvLen*headDim]
			out := dstF[bh*qLen*headDim : (bh+1)*qLen*headDim]
			w := wF[bh*qLen*kvLen : (bh+1)*qLen*kvLen]
			var hb, hk []float32
			if biasF != nil {
				hb = biasF[bh*qLen*kvLen : (bh+1)*qLen*kvLen]
			}
			if keepF != nil {
				hk = keepF[bh*qLen*kvLen : (bh+1)*qLen*kvLen]
			}
			attendHead(out, w, qh, kh, vh, hb, hk, qLen, kvLen, headDim, scale)
			return nil
		})
	}
	return g.Wait()
}

// attendHead runs attention for one head. A query row whose scores are all -inf
// (every key blocked) gets zero weights and a zero output row.
func attendHead(out, w, q, k, v, bias, keep []float32, qLen, kvLen, headDim int, scale float32) {
	negInf := float32(math.Inf(-1))
	for i := 0; i < qLen; i++ {
		row := w[i*kvLen : (i+1)*kvLen]
		qi := q[i*headDim : (i+1)*headDim]
		maxV := negInf
		for j := 0; j < kvLen; j++ {
			kj := k[j*headDim : (j+1)*headDim]
			var dot float32
			for d, qv := range qi {
				dot += qv * kj[d]
			}
			s := dot * scale
			if bias != nil {
				s += bias[i*kvLen+j]
			}
			row[j] = s
			if s > maxV {
				maxV = s
			}
		}
		oi := out[i*headDim : (i+1)*headDim]
		clear(oi)
		if maxV == negInf {
			clear(row)
			continue
		}
		var sum float32
		for j := range row {
			row[j] = float32(math.Exp(float64(row[j] - maxV)))
			sum += row[j]
		}
		for j := range row {
			row[j] /= sum
			if keep != nil {
				row[j] *= keep[i*kvLen+j]
			}
			if row[j] == 0 {
				continue
			}
			vj := v[j*headDim : (j+1)*headDim]
			for d := range oi {
				oi[d] += row[j] * vj[d]
			}
		}
	}
}
