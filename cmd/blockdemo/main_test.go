package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func runDemo(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDemoVariants(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"pre", nil, "pre_norm_self"},
		{"post", []string{"--post-norm"}, "post_norm_self"},
		{"cross self", []string{"--cross-attn"}, "cross_attn_self"},
		{"cross combined", []string{"--cross-attn", "--kv-seq", "3"}, "cross_attn_combined_kv"},
		{"cross separate", []string{"--cross-attn", "--kv-seq", "3", "--kdim", "6", "--vdim", "4"}, "cross_attn_separate_kv"},
		{"half", []string{"--dtype", "f16", "--act", "silu"}, "pre_norm_self"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runDemo(t, append([]string{"--seed", "1"}, tt.args...)...)
			require.NoError(t, err)
			require.Contains(t, out, tt.want)
			require.Contains(t, out, "[2 5 8]")
			require.Contains(t, out, "finite:     true")
		})
	}
}

func TestDemoErrors(t *testing.T) {
	for _, args := range [][]string{
		{"--heads", "3"},
		{"--act", "swish"},
		{"--dtype", "int8"},
		{"--checkpoint", "/nonexistent/model.pt"},
		{"extra"},
	} {
		_, err := runDemo(t, args...)
		require.Error(t, err, "%v", args)
	}
}
