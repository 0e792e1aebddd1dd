package distill

import (
	"math/rand"
	"time"

	"featkd/tensor"
	"featkd/utils"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Engine owns the per-stage connectors and frozen margins that distill a
// teacher's pre-activation features into a student.
//
// Margins are computed once in NewEngine and never change afterwards.
// Connector parameters change only through Update. An Engine is not safe for
// concurrent training steps.
type Engine struct {
	teacher Network
	student Network

	pairs      []StagePair
	connectors []*Connector
	margins    []*tensor.Tensor // [1, C, 1, 1] per stage

	rng   *rand.Rand
	stats *utils.TimingStats

	// cached by the last forward pass for Backward
	lastConnected []*tensor.Tensor
	lastTeacher   []*tensor.Tensor
	lastLosses    []float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithRand sets the random source used to initialize connector weights.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = rng }
}

// WithTiming records forward/backward timings into stats.
func WithTiming(stats *utils.TimingStats) Option {
	return func(e *Engine) { e.stats = stats }
}

// NewEngine pairs the teacher and student stages, builds one connector per
// stage and derives the frozen margins from the teacher's normalization
// statistics.
func NewEngine(teacher, student Network, cfg ConnectorConfig, opts ...Option) (*Engine, error) {
	if teacher == nil || student == nil {
		return nil, errors.New("teacher and student networks are required")
	}
	e := &Engine{teacher: teacher, student: student}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tChannels := teacher.ChannelCounts()
	sChannels := student.ChannelCounts()
	if len(tChannels) != len(sChannels) {
		return nil, mismatchf("teacher reports %d stages, student reports %d", len(tChannels), len(sChannels))
	}
	if len(tChannels) == 0 {
		return nil, mismatchf("networks report no supervised stages")
	}

	e.pairs = make([]StagePair, len(tChannels))
	for i := range tChannels {
		e.pairs[i] = StagePair{Student: sChannels[i], Teacher: tChannels[i]}
		if err := e.pairs[i].validate(); err != nil {
			return nil, errors.Wrapf(err, "stage %d", i)
		}
	}

	e.connectors = make([]*Connector, len(e.pairs))
	for i, pair := range e.pairs {
		c, err := BuildConnector(pair, cfg, e.rng)
		if err != nil {
			return nil, errors.Wrapf(err, "stage %d connector", i)
		}
		e.connectors[i] = c
	}

	norms := teacher.PreActivationNorms()
	if len(norms) != len(e.pairs) {
		return nil, mismatchf("teacher reports %d normalization layers for %d stages", len(norms), len(e.pairs))
	}
	e.margins = make([]*tensor.Tensor, len(norms))
	for i, stats := range norms {
		if stats.Channels() != e.pairs[i].Teacher {
			return nil, mismatchf("stage %d: normalization has %d channels, teacher stage has %d", i, stats.Channels(), e.pairs[i].Teacher)
		}
		m, err := Margins(stats)
		if err != nil {
			return nil, errors.Wrapf(err, "stage %d margins", i)
		}
		e.margins[i] = MarginTensor(m)
	}

	utils.Logf("distill: %d stages, connector depth=%d bn=%v bias=%v kernel=%d\n",
		len(e.pairs), cfg.Depth, cfg.UseNormalization, cfg.UseBias, cfg.KernelSize)
	for i, pair := range e.pairs {
		lo, hi := floats.Min(e.margins[i].Data), floats.Max(e.margins[i].Data)
		utils.Logf("  stage %d: student %d -> teacher %d channels, margin [%.4f, %.4f]\n", i, pair.Student, pair.Teacher, lo, hi)
	}
	return e, nil
}

// Forward runs teacher and student on x, connects the student features and
// returns the student output with the aggregated distillation loss. The loss
// is summed over the batch; divide by the batch size before mixing it with a
// task loss.
func (e *Engine) Forward(x *tensor.Tensor) (*tensor.Tensor, float64, error) {
	start := time.Now()
	tFeats, _, err := e.teacher.ExtractFeatures(x, true)
	if err != nil {
		return nil, 0, errors.Wrap(err, "teacher features")
	}
	e.record(func(s *utils.TimingStats) { s.TeacherForwardTime += time.Since(start) })

	start = time.Now()
	sFeats, sOut, err := e.student.ExtractFeatures(x, true)
	if err != nil {
		return nil, 0, errors.Wrap(err, "student features")
	}
	e.record(func(s *utils.TimingStats) { s.StudentForwardTime += time.Since(start) })

	loss, err := e.ForwardFeatures(sFeats, tFeats)
	if err != nil {
		return nil, 0, err
	}
	return sOut, loss, nil
}

// ForwardFeatures computes the aggregated distillation loss for already
// extracted pre-activation features, stage by stage shallow to deep.
func (e *Engine) ForwardFeatures(studentFeats, teacherFeats []*tensor.Tensor) (float64, error) {
	e.lastConnected, e.lastTeacher, e.lastLosses = nil, nil, nil

	n := len(e.pairs)
	if len(teacherFeats) != n || len(studentFeats) != n {
		return 0, mismatchf("engine has %d stages, teacher returned %d feature maps, student %d", n, len(teacherFeats), len(studentFeats))
	}
	for i := 0; i < n; i++ {
		if studentFeats[i] == nil || teacherFeats[i] == nil {
			return 0, mismatchf("stage %d: nil feature map", i)
		}
	}

	connected := make([]*tensor.Tensor, n)
	losses := make([]float64, n)
	for i := 0; i < n; i++ {
		start := time.Now()
		out, err := e.connectors[i].Forward(studentFeats[i])
		if err != nil {
			return 0, errors.Wrapf(err, "stage %d connector", i)
		}
		connected[i] = out
		e.record(func(s *utils.TimingStats) { s.ConnectorTime += time.Since(start) })

		start = time.Now()
		l, err := MarginReLULoss(out, teacherFeats[i], e.margins[i])
		if err != nil {
			return 0, errors.Wrapf(err, "stage %d loss", i)
		}
		losses[i] = l
		e.record(func(s *utils.TimingStats) { s.LossComputationTime += time.Since(start) })
	}

	e.lastConnected = connected
	e.lastTeacher = teacherFeats
	e.lastLosses = losses
	return AggregateStageLosses(losses), nil
}

// StageLosses returns the unweighted per-stage losses of the last forward pass.
func (e *Engine) StageLosses() []float64 {
	return append([]float64(nil), e.lastLosses...)
}

// Backward propagates scale·d(loss)/d(connected) through every connector,
// accumulating connector gradients, and returns the gradient with respect to
// each student feature map. The teacher receives no gradient.
func (e *Engine) Backward(scale float64) ([]*tensor.Tensor, error) {
	if e.lastConnected == nil {
		return nil, errors.New("Backward called before Forward")
	}
	start := time.Now()
	n := len(e.pairs)
	grads := make([]*tensor.Tensor, n)
	for i := 0; i < n; i++ {
		g, err := MarginReLUGrad(e.lastConnected[i], e.lastTeacher[i], e.margins[i])
		if err != nil {
			return nil, errors.Wrapf(err, "stage %d loss gradient", i)
		}
		g.Scale(scale * StageWeight(i, n))
		grads[i], err = e.connectors[i].Backward(g)
		if err != nil {
			return nil, errors.Wrapf(err, "stage %d connector backward", i)
		}
	}
	e.lastConnected, e.lastTeacher = nil, nil
	e.record(func(s *utils.TimingStats) { s.BackwardPassTime += time.Since(start) })
	return grads, nil
}

// Update applies one SGD step to every connector.
func (e *Engine) Update(learningRate float64) error {
	start := time.Now()
	for i, c := range e.connectors {
		if err := c.Update(learningRate); err != nil {
			return errors.Wrapf(err, "stage %d connector update", i)
		}
	}
	e.record(func(s *utils.TimingStats) { s.UpdateTime += time.Since(start) })
	return nil
}

// SetTraining switches connector normalization between batch and running statistics.
func (e *Engine) SetTraining(training bool) {
	for _, c := range e.connectors {
		c.SetTraining(training)
	}
}

// NumStages returns the number of supervised stages.
func (e *Engine) NumStages() int { return len(e.pairs) }

// Pairs returns the channel pairing of every stage.
func (e *Engine) Pairs() []StagePair {
	return append([]StagePair(nil), e.pairs...)
}

// Connectors returns the per-stage connectors, indexed by stage.
func (e *Engine) Connectors() []*Connector {
	return append([]*Connector(nil), e.connectors...)
}

// Margins returns a copy of every stage's margin vector.
func (e *Engine) Margins() [][]float64 {
	out := make([][]float64, len(e.margins))
	for i, m := range e.margins {
		out[i] = append([]float64(nil), m.Data...)
	}
	return out
}

func (e *Engine) record(f func(*utils.TimingStats)) {
	if e.stats != nil {
		f(e.stats)
	}
}
