package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"rnastate/internal/observability"
	"rnastate/pkg/domain"
)

// EpochLoss is one entry of the training history.
type EpochLoss struct {
	Epoch     int     `json:"epoch"`
	TrainLoss float64 `json:"train_loss"`
	ValLoss   float64 `json:"val_loss"`
}

// History is the per-epoch loss record of a training run.
type History struct {
	Epochs    []EpochLoss `json:"epochs"`
	BestEpoch int         `json:"best_epoch"`
	BestLoss  float64     `json:"best_loss"`
}

type trainOptions struct {
	logger observability.Logger
	now    func() time.Time
}

// TrainOption configures Train.
type TrainOption func(*trainOptions)

// WithTrainLogger receives per-epoch progress.
func WithTrainLogger(l observability.Logger) TrainOption {
	return func(o *trainOptions) { o.logger = observability.OrNop(l) }
}

// WithTrainClock sets the TrainedAt timestamp source.
func WithTrainClock(now func() time.Time) TrainOption {
	return func(o *trainOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// Train fits an autoencoder to data (one row per sample, each of length
// mc.InputDimension) by minimising the mean squared reconstruction error with
// Adam. The last ValidationSplit fraction of rows is held out; the weights of
// the epoch with the lowest validation loss (training loss when nothing is
// held out) are kept. The returned model carries its version token.
func Train(ctx context.Context, data [][]float64, mc domain.ModelConfig, tc domain.TrainingConfig, opts ...TrainOption) (*Autoencoder, History, error) {
	o := trainOptions{logger: observability.NopLogger(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if err := validateTraining(tc); err != nil {
		return nil, History{}, err
	}
	if len(data) == 0 {
		return nil, History{}, &domain.InvalidArgumentError{Field: "data", Reason: "no training samples"}
	}
	if mc.InputDimension == 0 {
		mc.InputDimension = len(data[0])
	}
	for i, row := range data {
		if len(row) != mc.InputDimension {
			return nil, History{}, &domain.DimensionMismatchError{Expected: mc.InputDimension, Actual: len(row), GeneSample: []string{fmt.Sprintf("row %d", i)}}
		}
	}
	seed := tc.Seed
	if seed == 0 {
		seed = domain.DefaultSeed
	}
	net, err := NewAutoencoder(mc, seed)
	if err != nil {
		return nil, History{}, err
	}

	nVal := int(float64(len(data)) * tc.ValidationSplit)
	if nVal >= len(data) {
		nVal = len(data) - 1
	}
	train, val := data[:len(data)-nVal], data[len(data)-nVal:]

	rng := rand.New(rand.NewPCG(seed, seed+1))
	t := newTrainer(net, tc.LearningRate, mc.Dropout, rand.New(rand.NewPCG(seed, seed+2)))
	order := make([]int, len(train))
	for i := range order {
		order[i] = i
	}

	hist := History{BestLoss: math.Inf(1), BestEpoch: -1}
	var best []*dense
	for epoch := 0; epoch < tc.Epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		var sum float64
		for start := 0; start < len(order); start += tc.BatchSize {
			if err := ctx.Err(); err != nil {
				return nil, History{}, err
			}
			end := min(start+tc.BatchSize, len(order))
			batch := make([][]float64, 0, end-start)
			for _, idx := range order[start:end] {
				batch = append(batch, train[idx])
			}
			sum += t.step(batch) * float64(len(batch))
		}
		entry := EpochLoss{Epoch: epoch + 1, TrainLoss: sum / float64(len(train))}
		monitored := entry.TrainLoss
		if len(val) > 0 {
			entry.ValLoss = meanLoss(net, val)
			monitored = entry.ValLoss
		}
		hist.Epochs = append(hist.Epochs, entry)
		if monitored < hist.BestLoss {
			hist.BestLoss = monitored
			hist.BestEpoch = entry.Epoch
			best = net.snapshot()
		}
		o.logger.Debug("training epoch", "epoch", entry.Epoch, "train_loss", entry.TrainLoss, "val_loss", entry.ValLoss)
	}
	if best != nil {
		net.layers = best
	}
	net.cfg.TrainedAt = o.now().UTC()
	version, err := versionToken(tc.Label, net)
	if err != nil {
		return nil, History{}, err
	}
	net.cfg.Version = version
	o.logger.Info("training finished", "model_version", version, "epochs", tc.Epochs, "best_epoch", hist.BestEpoch, "best_loss", hist.BestLoss)
	return net, hist, nil
}

func validateTraining(tc domain.TrainingConfig) error {
	switch {
	case tc.LearningRate <= 0:
		return &domain.InvalidArgumentError{Field: "training.learning_rate", Reason: "must be positive"}
	case tc.BatchSize <= 0:
		return &domain.InvalidArgumentError{Field: "training.batch_size", Reason: "must be positive"}
	case tc.Epochs <= 0:
		return &domain.InvalidArgumentError{Field: "training.epochs", Reason: "must be positive"}
	case tc.ValidationSplit < 0 || tc.ValidationSplit >= 1:
		return &domain.InvalidArgumentError{Field: "training.validation_split", Reason: "must be in [0, 1)"}
	case tc.Label == "":
		return &domain.InvalidArgumentError{Field: "training.label", Reason: "must not be empty"}
	}
	return nil
}

// versionToken derives "<label>-<12 hex>" from the architecture and weights so
// that identical trained content always yields the same version.
func versionToken(label string, net *Autoencoder) (string, error) {
	arch := net.cfg
	arch.Version = ""
	arch.TrainedAt = time.Time{}
	cfgJSON, err := json.Marshal(arch)
	if err != nil {
		return "", err
	}
	weights, err := net.MarshalBinary()
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(cfgJSON)
	h.Write(weights)
	return label + "-" + hex.EncodeToString(h.Sum(nil))[:12], nil
}

func meanLoss(net *Autoencoder, rows [][]float64) float64 {
	var sum float64
	for _, x := range rows {
		y := net.run(x, len(net.layers))
		for i := range y {
			d := y[i] - x[i]
			sum += d * d
		}
	}
	return sum / float64(len(rows)*net.cfg.InputDimension)
}

// trainer holds gradient buffers and Adam moments for one network.
type trainer struct {
	net     *Autoencoder
	lr      float64
	dropout float64
	rng     *rand.Rand
	updates int
	gw, gb  [][]float64
	mw, vw  [][]float64
	mb, vb  [][]float64
}

const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-8
)

func newTrainer(net *Autoencoder, lr, dropout float64, rng *rand.Rand) *trainer {
	t := &trainer{net: net, lr: lr, dropout: dropout, rng: rng}
	for _, l := range net.layers {
		t.gw = append(t.gw, make([]float64, len(l.w)))
		t.gb = append(t.gb, make([]float64, len(l.b)))
		t.mw = append(t.mw, make([]float64, len(l.w)))
		t.vw = append(t.vw, make([]float64, len(l.w)))
		t.mb = append(t.mb, make([]float64, len(l.b)))
		t.vb = append(t.vb, make([]float64, len(l.b)))
	}
	return t
}

// step runs forward and backward passes over batch, applies one Adam update
// and returns the batch loss.
func (t *trainer) step(batch [][]float64) float64 {
	net := t.net
	for i := range t.gw {
		clear(t.gw[i])
		clear(t.gb[i])
	}
	n := len(net.layers)
	scale := 2 / float64(len(batch)*net.cfg.InputDimension)
	acts := make([][]float64, n+1)
	pre := make([][]float64, n)
	masks := make([][]float64, n)
	var loss float64
	for _, x := range batch {
		acts[0] = x
		for i, l := range net.layers {
			z := make([]float64, l.out)
			l.forward(acts[i], z)
			pre[i] = z
			a := z
			masks[i] = nil
			if net.activated(i) {
				a = make([]float64, l.out)
				copy(a, z)
				relu(a)
				if t.dropout > 0 {
					masks[i] = t.dropMask(l.out)
					for k := range a {
						a[k] *= masks[i][k]
					}
				}
			}
			acts[i+1] = a
		}
		out := acts[n]
		delta := make([]float64, len(out))
		for k := range out {
			d := out[k] - x[k]
			loss += d * d
			delta[k] = scale * d
		}
		for i := n - 1; i >= 0; i-- {
			l := net.layers[i]
			if net.activated(i) {
				for k := range delta {
					if pre[i][k] <= 0 {
						delta[k] = 0
					} else if masks[i] != nil {
						delta[k] *= masks[i][k]
					}
				}
			}
			in := acts[i]
			gw, gb := t.gw[i], t.gb[i]
			for o, d := range delta {
				if d == 0 {
					continue
				}
				gb[o] += d
				row := gw[o*l.in : (o+1)*l.in]
				for k, v := range in {
					row[k] += d * v
				}
			}
			if i == 0 {
				break
			}
			prev := make([]float64, l.in)
			for o, d := range delta {
				if d == 0 {
					continue
				}
				w := l.w[o*l.in : (o+1)*l.in]
				for k := range prev {
					prev[k] += w[k] * d
				}
			}
			delta = prev
		}
	}
	t.apply()
	return loss / float64(len(batch)*net.cfg.InputDimension)
}

func (t *trainer) dropMask(n int) []float64 {
	keep := 1 - t.dropout
	mask := make([]float64, n)
	for i := range mask {
		if t.rng.Float64() < keep {
			mask[i] = 1 / keep
		}
	}
	return mask
}

func (t *trainer) apply() {
	t.updates++
	c1 := 1 - math.Pow(adamBeta1, float64(t.updates))
	c2 := 1 - math.Pow(adamBeta2, float64(t.updates))
	for i, l := range t.net.layers {
		adam(l.w, t.gw[i], t.mw[i], t.vw[i], t.lr, c1, c2)
		adam(l.b, t.gb[i], t.mb[i], t.vb[i], t.lr, c1, c2)
	}
}

func adam(param, grad, m, v []float64, lr, c1, c2 float64) {
	for k, g := range grad {
		m[k] = adamBeta1*m[k] + (1-adamBeta1)*g
		v[k] = adamBeta2*v[k] + (1-adamBeta2)*g*g
		param[k] -= lr * (m[k] / c1) / (math.Sqrt(v[k]/c2) + adamEps)
	}
}
