// Command blockdemo builds one transformer block, runs it on random input
// and reports the variant, output shape and whether the output is finite.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"

	"github.com/djeday123/transblock/checkpoint"
	"github.com/djeday123/transblock/core"
	"github.com/djeday123/transblock/envconfig"
	"github.com/djeday123/transblock/logutil"
	"github.com/djeday123/transblock/nn"
	"github.com/djeday123/transblock/tensor"
)

type options struct {
	dim, heads        int
	mlpRatio          float64
	batch, seq, kvSeq int
	kdim, vdim        int
	postNorm          bool
	crossAttn         bool
	act               string
	seed              uint64
	checkpoint        string
	dtype             string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "blockdemo",
		Short:         "Run a transformer block on random input",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), envconfig.LogLevel()))
			return run(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.dim, "dim", 8, "Model width")
	f.IntVar(&opts.heads, "heads", 2, "Number of attention heads")
	f.Float64Var(&opts.mlpRatio, "mlp-ratio", 4, "MLP hidden width as a multiple of dim")
	f.IntVar(&opts.batch, "batch", 2, "Batch size")
	f.IntVar(&opts.seq, "seq", 5, "Query sequence length")
	f.BoolVar(&opts.postNorm, "post-norm", false, "Use the post-norm variant")
	f.BoolVar(&opts.crossAttn, "cross-attn", false, "Use the cross-attention variant")
	f.IntVar(&opts.kdim, "kdim", 0, "Key width (default dim)")
	f.IntVar(&opts.vdim, "vdim", 0, "Value width (default dim)")
	f.IntVar(&opts.kvSeq, "kv-seq", 0, "Key/value sequence length; 0 attends the query to itself")
	f.StringVar(&opts.act, "act", "gelu", "MLP activation")
	f.Uint64Var(&opts.seed, "seed", 0, "Random seed (default TBLOCK_SEED, then the clock)")
	f.StringVar(&opts.checkpoint, "checkpoint", "", "PyTorch state dict to load")
	f.StringVar(&opts.dtype, "dtype", "f32", "Parameter storage type: f32, f16 or bf16")
	return cmd
}

func run(cmd *cobra.Command, opts options) error {
	act, err := nn.ActivationByName(opts.act)
	if err != nil {
		return err
	}
	dtype, err := core.ParseDType(opts.dtype)
	if err != nil {
		return err
	}
	seed := opts.seed
	if seed == 0 {
		seed = envconfig.Seed()
	}
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	src := rand.NewSource(seed)

	block, err := nn.NewTransformerBlock(nn.BlockConfig{
		Dim:       opts.dim,
		NumHeads:  opts.heads,
		MLPRatio:  opts.mlpRatio,
		Act:       act,
		PostNorm:  opts.postNorm,
		CrossAttn: opts.crossAttn,
		KDim:      opts.kdim,
		VDim:      opts.vdim,
		Source:    src,
	})
	if err != nil {
		return err
	}
	block.Eval()

	if opts.checkpoint != "" {
		sd, err := checkpoint.ReadTorch(opts.checkpoint)
		if err != nil {
			return err
		}
		if err := nn.LoadStateDict(block, sd, false); err != nil {
			return err
		}
		slog.Info("loaded checkpoint", "path", opts.checkpoint, "tensors", sd.Len())
	}
	if dtype != core.Float32 {
		if err := nn.Cast(block, dtype); err != nil {
			return err
		}
	}

	x, err := tensor.Normal(src, 0, 1, opts.batch, opts.seq, opts.dim)
	if err != nil {
		return err
	}
	var fo nn.ForwardOptions
	if opts.crossAttn && opts.kvSeq > 0 {
		if fo.KV, err = keyValue(src, block.Config(), opts); err != nil {
			return err
		}
	}
	variant, err := block.Variant(fo.KV)
	if err != nil {
		return err
	}

	start := time.Now()
	out, err := block.Forward(x, fo)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	finite, err := out.AllFinite()
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "variant:   ", variant)
	fmt.Fprintln(w, "parameters:", nn.NumParameters(block), dtype)
	fmt.Fprintln(w, "input:     ", []int(x.Shape))
	fmt.Fprintln(w, "output:    ", []int(out.Shape))
	fmt.Fprintln(w, "finite:    ", finite)
	fmt.Fprintln(w, "elapsed:   ", elapsed.Round(time.Microsecond))
	return nil
}

// keyValue draws a random key/value stream. Equal key and value widths
// share one combined tensor.
func keyValue(src rand.Source, cfg nn.BlockConfig, opts options) (nn.KeyValue, error) {
	if cfg.KDim == cfg.VDim {
		kv, err := tensor.Normal(src, 0, 1, opts.batch, opts.kvSeq, cfg.VDim)
		if err != nil {
			return nil, err
		}
		return nn.CombinedKV{KV: kv}, nil
	}
	k, err := tensor.Normal(src, 0, 1, opts.batch, opts.kvSeq, cfg.KDim)
	if err != nil {
		return nil, err
	}
	v, err := tensor.Normal(src, 0, 1, opts.batch, opts.kvSeq, cfg.VDim)
	if err != nil {
		return nil, err
	}
	return nn.SeparateKV{Key: k, Value: v}, nil
}
