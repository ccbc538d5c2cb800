// Package predictor implements the conditional noise predictor used by the
// diffusion policy.
package predictor

import (
	"math/rand"

	"diffusionpolicy/internal/config"
	"diffusionpolicy/internal/errs"
	"diffusionpolicy/internal/nn"

	"gonum.org/v1/gonum/mat"
)

// ConditionalMLP predicts a residual for a flattened noisy trajectory from
// [noisy ‖ sinusoidal(step) ‖ cond].
type ConditionalMLP struct {
	Net nn.Module

	trajDim  int
	embedDim int
	condDim  int
}

// New builds an MLP for trajectories of trajDim values conditioned on condDim
// features.
func New(cfg config.PredictorConfig, trajDim, condDim int, rng *rand.Rand) (*ConditionalMLP, error) {
	const op = "predictor.new"
	if trajDim < 1 || condDim < 1 {
		return nil, errs.Configuration(op, "trajectory and conditioning dims must be >= 1").
			With("traj", trajDim).With("cond", condDim)
	}
	if cfg.TimestepEmbedDim < 2 {
		return nil, errs.Configuration(op, "timestep embedding needs >= 2 dims")
	}
	activation := cfg.Activation
	if activation == "" {
		activation = "mish"
	}
	p := &ConditionalMLP{trajDim: trajDim, embedDim: cfg.TimestepEmbedDim, condDim: condDim}
	var layers []nn.Module
	in := p.InputDim()
	for _, hidden := range cfg.HiddenDims {
		act, err := nn.NewActivation(activation)
		if err != nil {
			return nil, errs.Configuration(op, "activation").Wrap(err)
		}
		layers = append(layers, nn.NewLinear(in, hidden, rng), act)
		in = hidden
	}
	layers = append(layers, nn.NewLinear(in, trajDim, rng))
	p.Net = nn.NewSequential(layers...)
	return p, nil
}

func (p *ConditionalMLP) InputDim() int { return p.trajDim + p.embedDim + p.condDim }

func (p *ConditionalMLP) TrajectoryDim() int { return p.trajDim }

func (p *ConditionalMLP) CondDim() int { return p.condDim }

// Predict returns one residual row per noisy row. steps holds the diffusion
// step of each row.
func (p *ConditionalMLP) Predict(noisy *mat.Dense, steps []int, cond *mat.Dense) (*mat.Dense, error) {
	const op = "predictor.predict"
	rows, cols := noisy.Dims()
	cr, cc := cond.Dims()
	if cols != p.trajDim {
		return nil, errs.Precondition(op, "trajectory width %d, want %d", cols, p.trajDim)
	}
	if cr != rows || cc != p.condDim {
		return nil, errs.Precondition(op, "conditioning %dx%d, want %dx%d", cr, cc, rows, p.condDim)
	}
	if len(steps) != rows {
		return nil, errs.Precondition(op, "got %d steps for %d rows", len(steps), rows)
	}
	emb := nn.SinusoidalEmbedding(steps, p.embedDim)
	in := mat.NewDense(rows, p.InputDim(), nil)
	for i := 0; i < rows; i++ {
		row := in.RawRowView(i)
		copy(row, noisy.RawRowView(i))
		copy(row[p.trajDim:], emb.RawRowView(i))
		copy(row[p.trajDim+p.embedDim:], cond.RawRowView(i))
	}
	return p.Net.Forward(in), nil
}

// Backward accumulates parameter gradients for the last Predict call and
// returns the gradient with respect to its conditioning input.
func (p *ConditionalMLP) Backward(dOut *mat.Dense) *mat.Dense {
	dIn := p.Net.Backward(dOut)
	rows, _ := dIn.Dims()
	dCond := mat.NewDense(rows, p.condDim, nil)
	offset := p.trajDim + p.embedDim
	for i := 0; i < rows; i++ {
		copy(dCond.RawRowView(i), dIn.RawRowView(i)[offset:])
	}
	return dCond
}

func (p *ConditionalMLP) SetTraining(training bool) { p.Net.SetTraining(training) }

func (p *ConditionalMLP) Training() bool { return p.Net.Training() }

// Clone deep-copies the network.
func (p *ConditionalMLP) Clone() *ConditionalMLP {
	out := *p
	out.Net = p.Net.Clone()
	return &out
}
