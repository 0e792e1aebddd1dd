package models

import (
	"math"
	"math/rand"
	"testing"

	"featkd/distill"
	"featkd/nn"
	"featkd/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomInput(rng *rand.Rand, shape ...int) *tensor.Tensor {
	x := tensor.New(shape...)
	for i := range x.Data {
		x.Data[i] = rng.NormFloat64()
	}
	return x
}

func TestCNNShapes(t *testing.T) {
	teacher, err := NewTeacher([]int{16, 32}, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{16, 32}, teacher.ChannelCounts())

	x := randomInput(rand.New(rand.NewSource(1)), 2, 3, 8, 8)
	feats, logits, err := teacher.ExtractFeatures(x, true)
	require.NoError(t, err)
	require.Len(t, feats, 2)
	assert.Equal(t, []int{2, 16, 8, 8}, feats[0].Shape)
	assert.Equal(t, []int{2, 32, 4, 4}, feats[1].Shape)
	assert.Equal(t, []int{2, 10}, logits.Shape)

	_, _, err = teacher.ExtractFeatures(tensor.New(2, 1, 8, 8), true)
	assert.Error(t, err)
	_, _, err = teacher.ExtractFeatures(tensor.New(2, 3, 5, 5), true)
	assert.Error(t, err)
}

func TestCNNPreAndPostActivation(t *testing.T) {
	net, err := NewStudent([]int{4, 6}, 3, 2)
	require.NoError(t, err)
	net.SetTraining(false)
	x := randomInput(rand.New(rand.NewSource(2)), 2, 3, 4, 4)

	pre, _, err := net.ExtractFeatures(x, true)
	require.NoError(t, err)
	post, _, err := net.ExtractFeatures(x, false)
	require.NoError(t, err)

	hasNegative := false
	for s := range pre {
		require.Equal(t, pre[s].Shape, post[s].Shape)
		for i, v := range pre[s].Data {
			if v < 0 {
				hasNegative = true
			}
			assert.Equal(t, math.Max(v, 0), post[s].Data[i])
		}
	}
	assert.True(t, hasNegative, "pre-activation maps should keep negative responses")
}

func TestCNNPreActivationNorms(t *testing.T) {
	net, err := NewTeacher([]int{4, 6}, 3, 3)
	require.NoError(t, err)

	norms := net.PreActivationNorms()
	require.Len(t, norms, 2)
	assert.Equal(t, 6, norms[1].Channels())
	for _, v := range norms[0].Scale {
		assert.Equal(t, 1.0, v)
	}

	norms[0].Scale[0] = 7
	assert.Equal(t, 1.0, net.PreActivationNorms()[0].Scale[0])
}

func TestParamCount(t *testing.T) {
	teacher, err := NewTeacher([]int{16, 32}, 10, 1)
	require.NoError(t, err)
	// conv 3·16·9 + bn 2·16 + conv 16·32·9 + bn 2·32 + linear 32·10 + 10
	assert.Equal(t, 432+32+4608+64+330, ParamCount(teacher))

	student, err := NewStudent([]int{8, 16}, 10, 1)
	require.NoError(t, err)
	assert.Less(t, ParamCount(student), ParamCount(teacher))
}

// objective is Σ logits·r + Σ_i Σ feat_i·q_i.
func objective(t *testing.T, net *CNN, x *tensor.Tensor, pre bool, r *tensor.Tensor, q []*tensor.Tensor) float64 {
	t.Helper()
	feats, logits, err := net.ExtractFeatures(x, pre)
	require.NoError(t, err)
	total := 0.0
	for i, v := range logits.Data {
		total += v * r.Data[i]
	}
	for s, f := range feats {
		for i, v := range f.Data {
			total += v * q[s].Data[i]
		}
	}
	return total
}

func TestCNNBackwardMatchesFiniteDifference(t *testing.T) {
	for _, pre := range []bool{true, false} {
		rng := rand.New(rand.NewSource(4))
		net, err := NewCNN("gradcheck", 2, []int{3, 2}, 3, rng)
		require.NoError(t, err)
		x := randomInput(rng, 2, 2, 4, 4)
		r := randomInput(rng, 2, 3)
		q := []*tensor.Tensor{randomInput(rng, 2, 3, 4, 4), randomInput(rng, 2, 2, 2, 2)}

		objective(t, net, x, pre, r, q)
		grad, err := net.Backward(r, q)
		require.NoError(t, err)
		require.Equal(t, x.Shape, grad.Shape)

		const h = 1e-6
		for i := range x.Data {
			orig := x.Data[i]
			x.Data[i] = orig + h
			up := objective(t, net, x, pre, r, q)
			x.Data[i] = orig - h
			down := objective(t, net, x, pre, r, q)
			x.Data[i] = orig
			assert.InDelta(t, (up-down)/(2*h), grad.Data[i], 1e-5, "pre=%v element %d", pre, i)
		}
	}
}

func TestCNNBackwardErrors(t *testing.T) {
	net, err := NewStudent([]int{4}, 2, 5)
	require.NoError(t, err)
	_, err = net.Backward(tensor.New(1, 2), nil)
	assert.Error(t, err)

	_, err = net.Forward(tensor.New(1, 3, 2, 2))
	require.NoError(t, err)
	_, err = net.Backward(tensor.New(1, 2), []*tensor.Tensor{nil, nil})
	assert.Error(t, err)
	_, err = net.Backward(tensor.New(1, 2), []*tensor.Tensor{nil})
	assert.NoError(t, err)
}

func TestNewCNNInvalid(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	_, err := NewCNN("x", 3, nil, 10, rng)
	assert.Error(t, err)
	_, err = NewCNN("x", 3, []int{4, 0}, 10, rng)
	assert.Error(t, err)
	_, err = NewCNN("x", 0, []int{4}, 10, rng)
	assert.Error(t, err)
}

func TestDistillationStepWithReferenceNetworks(t *testing.T) {
	teacher, err := NewTeacher([]int{16, 32}, 10, 7)
	require.NoError(t, err)
	teacher.SetTraining(false)
	student, err := NewStudent([]int{8, 16}, 10, 8)
	require.NoError(t, err)

	engine, err := distill.NewEngine(teacher, student, distill.DefaultConnectorConfig(), distill.WithRand(rand.New(rand.NewSource(9))))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(10))
	x := randomInput(rng, 2, 3, 8, 8)
	labels := []int{3, 7}

	logits, kd, err := engine.Forward(x)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, kd, 0.0)

	ce := &nn.CrossEntropyLoss{}
	_, probs, err := ce.Forward(logits, labels)
	require.NoError(t, err)

	featGrads, err := engine.Backward(0.001 / 2)
	require.NoError(t, err)
	_, err = student.Backward(ce.Backward(probs, labels), featGrads)
	require.NoError(t, err)

	before := teacher.PreActivationNorms()
	require.NoError(t, student.Update(0.1))
	require.NoError(t, engine.Update(0.1))
	assert.Equal(t, before, teacher.PreActivationNorms())
}

func TestEngineWithTeacherInEitherNormMode(t *testing.T) {
	x := randomInput(rand.New(rand.NewSource(11)), 2, 3, 4, 4)
	var margins [][][]float64
	for _, trainBN := range []bool{false, true} {
		teacher, err := NewTeacher([]int{6, 8}, 3, 12)
		require.NoError(t, err)
		teacher.SetTraining(trainBN)
		student, err := NewStudent([]int{4, 4}, 3, 13)
		require.NoError(t, err)

		engine, err := distill.NewEngine(teacher, student, distill.DefaultConnectorConfig(), distill.WithRand(rand.New(rand.NewSource(14))))
		require.NoError(t, err)
		_, kd, err := engine.Forward(x)
		require.NoError(t, err, "trainBN=%v", trainBN)
		assert.GreaterOrEqual(t, kd, 0.0)
		_, err = engine.Backward(1)
		require.NoError(t, err)
		margins = append(margins, engine.Margins())
	}
	assert.Equal(t, margins[0], margins[1])
}
