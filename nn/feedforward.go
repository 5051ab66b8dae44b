package nn

import (
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/djeday123/transblock/tensor"
)

// FeedForwardConfig configures a FeedForward. HiddenFeatures and
// OutFeatures default to InFeatures when zero.
type FeedForwardConfig struct {
	InFeatures     int
	HiddenFeatures int
	OutFeatures    int
	Act            Activation
	Drop1, Drop2   float64

	// Source seeds initialization and dropout. Nil uses TBLOCK_SEED.
	Source rand.Source
}

// FeedForward is a two-layer MLP: x -> fc1 -> act -> drop1 -> fc2 -> drop2.
type FeedForward struct {
	FC1   *Linear // in -> hidden
	FC2   *Linear // hidden -> out
	Act   Activation
	Drop1 *Dropout
	Drop2 *Dropout
}

// NewFeedForward builds and initializes a FeedForward.
func NewFeedForward(cfg FeedForwardConfig) (*FeedForward, error) {
	if cfg.InFeatures <= 0 || cfg.HiddenFeatures < 0 || cfg.OutFeatures < 0 {
		return nil, fmt.Errorf("feedforward: features %d/%d/%d: %w", cfg.InFeatures, cfg.HiddenFeatures, cfg.OutFeatures, ErrInvalidConfig)
	}
	if err := checkProb("drop1", cfg.Drop1); err != nil {
		return nil, err
	}
	if err := checkProb("drop2", cfg.Drop2); err != nil {
		return nil, err
	}
	hidden, out := cfg.HiddenFeatures, cfg.OutFeatures
	if hidden == 0 {
		hidden = cfg.InFeatures
	}
	if out == 0 {
		out = cfg.InFeatures
	}
	src := cfg.Source
	if src == nil {
		src = defaultSource()
	}
	fc1, err := newLinearInit(src, cfg.InFeatures, hidden)
	if err != nil {
		return nil, err
	}
	fc2, err := newLinearInit(src, hidden, out)
	if err != nil {
		return nil, err
	}
	return &FeedForward{
		FC1:   fc1,
		FC2:   fc2,
		Act:   cfg.Act,
		Drop1: newDropout(cfg.Drop1, src),
		Drop2: newDropout(cfg.Drop2, src),
	}, nil
}

// Forward runs the MLP. x shape [..., in], result [..., out].
func (ff *FeedForward) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := ff.FC1.Forward(x)
	if err != nil {
		return nil, err
	}
	if h, err = ff.Act.Forward(h); err != nil {
		return nil, err
	}
	if h, err = ff.Drop1.Forward(h); err != nil {
		return nil, err
	}
	if h, err = ff.FC2.Forward(h); err != nil {
		return nil, err
	}
	return ff.Drop2.Forward(h)
}

// Train enables dropout.
func (ff *FeedForward) Train() { ff.setTraining(true) }

// Eval disables dropout.
func (ff *FeedForward) Eval() { ff.setTraining(false) }

// Training reports whether dropout is active.
func (ff *FeedForward) Training() bool { return ff.Drop1.training }

func (ff *FeedForward) namedParameters(prefix string, params *StateDict) {
	ff.FC1.namedParameters(prefix+"fc1.", params)
	ff.FC2.namedParameters(prefix+"fc2.", params)
}

func (ff *FeedForward) setTraining(on bool) {
	ff.Drop1.setTraining(on)
	ff.Drop2.setTraining(on)
}
