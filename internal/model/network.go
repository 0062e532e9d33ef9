// Package model holds the autoencoder that maps an expression profile to a
// latent vector, its training loop, batched inference, the binary weights
// codec and the blob-backed registry of published versions.
package model

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"

	"rnastate/pkg/domain"
)

// Architecture defaults.
const (
	DefaultLatentDimension = 128
)

// DefaultHiddenDims are the encoder widths between input and latent layers.
var DefaultHiddenDims = []int{512, 256}

// dense is a fully connected layer. w is stored out-major: w[o*in+i].
type dense struct {
	in, out int
	w, b    []float64
}

func newDense(in, out int, rng *rand.Rand) *dense {
	l := &dense{in: in, out: out, w: make([]float64, in*out), b: make([]float64, out)}
	bound := 1 / math.Sqrt(float64(in))
	for i := range l.w {
		l.w[i] = (rng.Float64()*2 - 1) * bound
	}
	for i := range l.b {
		l.b[i] = (rng.Float64()*2 - 1) * bound
	}
	return l
}

// forward writes W·x + b into y.
func (l *dense) forward(x, y []float64) {
	for o := 0; o < l.out; o++ {
		y[o] = floats.Dot(l.w[o*l.in:(o+1)*l.in], x) + l.b[o]
	}
}

func (l *dense) clone() *dense {
	return &dense{in: l.in, out: l.out, w: slices.Clone(l.w), b: slices.Clone(l.b)}
}

// Autoencoder is a symmetric stack of dense layers. The encoder maps G inputs
// through the hidden widths to the latent dimension; the decoder mirrors it.
// ReLU follows every layer except the latent and reconstruction outputs.
// A trained Autoencoder is read-only and safe for concurrent inference.
type Autoencoder struct {
	cfg    domain.ModelConfig
	layers []*dense
	// encoderDepth is the number of layers up to and including the latent one.
	encoderDepth int
}

// NormalizeConfig fills architecture defaults and validates dimensions.
func NormalizeConfig(cfg domain.ModelConfig) (domain.ModelConfig, error) {
	if cfg.LatentDimension == 0 {
		cfg.LatentDimension = DefaultLatentDimension
	}
	if cfg.HiddenDims == nil {
		cfg.HiddenDims = slices.Clone(DefaultHiddenDims)
	}
	if cfg.InputDimension <= 0 {
		return cfg, &domain.InvalidArgumentError{Field: "model.input_dim", Reason: "must be positive"}
	}
	if cfg.LatentDimension < 0 {
		return cfg, &domain.InvalidArgumentError{Field: "model.latent_dim", Reason: "must be positive"}
	}
	for _, h := range cfg.HiddenDims {
		if h <= 0 {
			return cfg, &domain.InvalidArgumentError{Field: "model.hidden_dims", Reason: fmt.Sprintf("invalid width %d", h)}
		}
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return cfg, &domain.InvalidArgumentError{Field: "model.dropout", Reason: "must be in [0, 1)"}
	}
	return cfg, nil
}

func widths(cfg domain.ModelConfig) []int {
	ws := make([]int, 0, 2*len(cfg.HiddenDims)+3)
	ws = append(ws, cfg.InputDimension)
	ws = append(ws, cfg.HiddenDims...)
	ws = append(ws, cfg.LatentDimension)
	for i := len(cfg.HiddenDims) - 1; i >= 0; i-- {
		ws = append(ws, cfg.HiddenDims[i])
	}
	return append(ws, cfg.InputDimension)
}

// NewAutoencoder builds an untrained network with weights drawn uniformly
// from ±1/sqrt(fan_in) using a PCG generator seeded with seed.
func NewAutoencoder(cfg domain.ModelConfig, seed uint64) (*Autoencoder, error) {
	cfg, err := NormalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x2545f4914f6cdd1d))
	ws := widths(cfg)
	net := &Autoencoder{cfg: cfg, encoderDepth: len(cfg.HiddenDims) + 1}
	for i := 0; i+1 < len(ws); i++ {
		net.layers = append(net.layers, newDense(ws[i], ws[i+1], rng))
	}
	return net, nil
}

// Config returns the model configuration.
func (a *Autoencoder) Config() domain.ModelConfig {
	cfg := a.cfg
	cfg.HiddenDims = slices.Clone(cfg.HiddenDims)
	return cfg
}

// Version returns the published version token (empty before training).
func (a *Autoencoder) Version() string { return a.cfg.Version }

// InputDimension returns the expected gene count.
func (a *Autoencoder) InputDimension() int { return a.cfg.InputDimension }

// LatentDimension returns the embedding length.
func (a *Autoencoder) LatentDimension() int { return a.cfg.LatentDimension }

// activated reports whether layer i is followed by ReLU.
func (a *Autoencoder) activated(i int) bool {
	return i != a.encoderDepth-1 && i != len(a.layers)-1
}

// Encode maps one expression vector to its latent representation.
func (a *Autoencoder) Encode(x []float64) ([]float64, error) {
	if len(x) != a.cfg.InputDimension {
		return nil, &domain.DimensionMismatchError{Expected: a.cfg.InputDimension, Actual: len(x), ModelVersion: a.cfg.Version}
	}
	return a.run(x, a.encoderDepth), nil
}

// Reconstruct runs the full encoder and decoder.
func (a *Autoencoder) Reconstruct(x []float64) ([]float64, error) {
	if len(x) != a.cfg.InputDimension {
		return nil, &domain.DimensionMismatchError{Expected: a.cfg.InputDimension, Actual: len(x), ModelVersion: a.cfg.Version}
	}
	return a.run(x, len(a.layers)), nil
}

func (a *Autoencoder) run(x []float64, depth int) []float64 {
	cur := x
	for i := 0; i < depth; i++ {
		l := a.layers[i]
		next := make([]float64, l.out)
		l.forward(cur, next)
		if a.activated(i) {
			relu(next)
		}
		cur = next
	}
	return cur
}

func relu(v []float64) {
	for i, x := range v {
		if x < 0 {
			v[i] = 0
		}
	}
}

func (a *Autoencoder) snapshot() []*dense {
	out := make([]*dense, len(a.layers))
	for i, l := range a.layers {
		out[i] = l.clone()
	}
	return out
}
