package nn

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/djeday123/transblock/tensor"
)

// Encoder is TransformerBlock × N -> optional final norm.
type Encoder struct {
	Blocks    []*TransformerBlock
	FinalNorm Norm // nil when not requested
}

// NewEncoder stacks depth blocks built from cfg. All blocks draw from the
// same random source, so they are initialized differently.
func NewEncoder(cfg BlockConfig, depth int, finalNorm bool) (*Encoder, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("encoder: depth %d: %w", depth, ErrInvalidConfig)
	}
	if cfg.Source == nil {
		cfg.Source = defaultSource()
	}
	e := &Encoder{Blocks: make([]*TransformerBlock, depth)}
	for i := range e.Blocks {
		blk, err := NewTransformerBlock(cfg)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		e.Blocks[i] = blk
	}
	if finalNorm {
		norm := cfg.Norm
		if norm == nil {
			norm = LayerNormFactory(1e-5)
		}
		var err error
		if e.FinalNorm, err = norm(cfg.Dim); err != nil {
			return nil, err
		}
	}
	slog.Debug("encoder", "depth", depth, "final_norm", finalNorm, "params", NumParameters(e))
	return e, nil
}

// Forward runs every block with the same options. src [batch, seq, dim].
func (e *Encoder) Forward(src *tensor.Tensor, opts ForwardOptions) (*tensor.Tensor, error) {
	x := src
	for i, blk := range e.Blocks {
		var err error
		if x, err = blk.Forward(x, opts); err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
	}
	if e.FinalNorm == nil {
		return x, nil
	}
	return e.FinalNorm.Forward(x)
}

func (e *Encoder) Train() { e.setTraining(true) }
func (e *Encoder) Eval()  { e.setTraining(false) }

func (e *Encoder) setTraining(on bool) {
	for _, blk := range e.Blocks {
		blk.setTraining(on)
	}
}

func (e *Encoder) namedParameters(prefix string, params *StateDict) {
	for i, blk := range e.Blocks {
		blk.namedParameters(prefix+"blocks."+strconv.Itoa(i)+".", params)
	}
	if e.FinalNorm != nil {
		e.FinalNorm.namedParameters(prefix+"norm.", params)
	}
}
