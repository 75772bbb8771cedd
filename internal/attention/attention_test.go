package attention

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-aura/internal/tensor"
)

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"":        ModeReal,
		"real":    ModeReal,
		"FP64":    ModeDouble,
		"integer": ModeInteger,
		"hw":      ModeInteger,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("bf16")
	assert.Error(t, err)
	assert.Equal(t, "double", ModeDouble.String())
}

func TestSoftmaxRealSumsToOne(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	scores := make([]float32, 512)
	for i := range scores {
		scores[i] = float32(rng.NormFloat64() * 4)
	}
	weights := make([]float32, len(scores))
	assert.False(t, SoftmaxReal(scores, weights))

	var sum float64
	for _, w := range weights {
		assert.GreaterOrEqual(t, w, float32(0))
		sum += float64(w)
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestSoftmaxRealEqualScores(t *testing.T) {
	const rows = 512
	scores := make([]float32, rows)
	for i := range scores {
		scores[i] = 0.75
	}
	weights := make([]float32, rows)
	SoftmaxReal(scores, weights)
	for _, w := range weights {
		assert.InDelta(t, 1.0/rows, w, 1e-9)
	}
}

func TestSoftmaxDoubleMatchesReal(t *testing.T) {
	scores := []float64{0.1, -3, 2.5, 2.5, 0}
	weights := make([]float64, len(scores))
	assert.False(t, SoftmaxDouble(scores, weights))

	s32 := make([]float32, len(scores))
	for i, s := range scores {
		s32[i] = float32(s)
	}
	w32 := make([]float32, len(scores))
	SoftmaxReal(s32, w32)
	for i := range weights {
		assert.InDelta(t, weights[i], w32[i], 1e-6)
	}
	assert.Equal(t, weights[2], weights[3])
}

func TestSoftmaxEmpty(t *testing.T) {
	assert.False(t, SoftmaxReal(nil, nil))
	assert.False(t, SoftmaxDouble(nil, nil))
	assert.False(t, SoftmaxInteger(nil, nil, DefaultIntegerParams()))
}

func TestSoftmaxIntegerStepFunction(t *testing.T) {
	// diff/1024 selects the shift; anything below -8192 is dropped.
	scores := []int64{0, -1023, -1024, -2048, -8192, -8193}
	weights := make([]int64, len(scores))
	assert.False(t, SoftmaxInteger(scores, weights, DefaultIntegerParams()))
	// exps 65536, 65536, 32768, 16384, 256, 0 over a sum of 180480
	assert.Equal(t, []int64{92, 92, 46, 23, 0, 0}, weights)
}

func TestSoftmaxIntegerShiftedScores(t *testing.T) {
	// Only differences from the maximum matter.
	base := []int64{0, -1023, -1024, -2048, -8192, -8193}
	shifted := make([]int64, len(base))
	for i, s := range base {
		shifted[i] = s + 1_000_000
	}
	a := make([]int64, len(base))
	b := make([]int64, len(base))
	SoftmaxInteger(base, a, DefaultIntegerParams())
	SoftmaxInteger(shifted, b, DefaultIntegerParams())
	assert.Equal(t, a, b)
}

func TestSoftmaxIntegerEqualAndSingle(t *testing.T) {
	weights := make([]int64, 4)
	SoftmaxInteger([]int64{5, 5, 5, 5}, weights, DefaultIntegerParams())
	assert.Equal(t, []int64{63, 63, 63, 63}, weights)

	one := make([]int64, 1)
	SoftmaxInteger([]int64{-42}, one, DefaultIntegerParams())
	assert.Equal(t, []int64{255}, one)
}

func TestScoresInteger(t *testing.T) {
	q := []int32{1, 2}
	k := []int32{3, 4, -1, 0}
	dst := make([]int64, 2)
	ScoresInteger(q, k, 2, 1<<14, dst)
	assert.Equal(t, []int64{11 * 16384 / 2, -16384 / 2}, dst)
}

func TestWeightedSumInteger(t *testing.T) {
	v := []int32{100, -100, 50, 50}
	dst := make([]int64, 2)
	WeightedSumInteger([]int64{255, 0}, v, 2, 8, dst)
	// 25500>>8 = 99, -25500>>8 = -100
	assert.Equal(t, []int64{99, -100}, dst)

	WeightedSumInteger([]int64{128, 128}, v, 2, 8, dst)
	assert.Equal(t, []int64{50 + 25, -50 + 25}, dst)
}

func TestScoresAndWeightedSumReal(t *testing.T) {
	q := []float32{1, 2}
	k := []float32{3, 4, -1, 0}
	scores := make([]float32, 2)
	ScoresReal(q, k, 2, 0.5, scores)
	assert.Equal(t, []float32{5.5, -0.5}, scores)

	out := []float32{9, 9}
	WeightedSumReal([]float32{0.25, 0.75}, k, 2, out)
	assert.Equal(t, []float32{0, 1}, out)
}

// toyInputs builds the two-row case where Q[i] = K[i] and Q[i].K[j] = 0 for
// i != j.
func toyInputs(t *testing.T, repr tensor.Representation) (q, k, v *tensor.Matrix) {
	t.Helper()
	shape := tensor.Shape{Rows: 2, Cols: 8}
	if !repr.IsFixed() {
		basis := []float32{1, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0}
		vals := []float32{0.75, 0.5, 0.25, 0.75, 0.5, 0.25, 0.75, 0.5, -0.75, -0.5, -0.25, -0.75, -0.5, -0.25, -0.75, -0.5}
		var err error
		q, err = tensor.FromFloat32(shape, append([]float32(nil), basis...))
		require.NoError(t, err)
		k, err = tensor.FromFloat32(shape, append([]float32(nil), basis...))
		require.NoError(t, err)
		v, err = tensor.FromFloat32(shape, vals)
		require.NoError(t, err)
		return q, k, v
	}
	one := repr.Max
	basis := []int32{one, 0, 0, 0, 0, 0, 0, 0, 0, one, 0, 0, 0, 0, 0, 0}
	vals := make([]int32, 16)
	for i := 0; i < 8; i++ {
		vals[i] = repr.Max / 4 * 3
		vals[8+i] = -(repr.Max / 4 * 3)
	}
	var err error
	q, err = tensor.FromRaw(shape, repr, append([]int32(nil), basis...))
	require.NoError(t, err)
	k, err = tensor.FromRaw(shape, repr, append([]int32(nil), basis...))
	require.NoError(t, err)
	v, err = tensor.FromRaw(shape, repr, vals)
	require.NoError(t, err)
	return q, k, v
}

func rowDistance(a *tensor.Matrix, ar int, b *tensor.Matrix, br int) float64 {
	var d float64
	for c := 0; c < a.Cols; c++ {
		d += math.Abs(a.Real(ar, c) - b.Real(br, c))
	}
	return d
}

func TestToyAttentionFavoursMatchingKey(t *testing.T) {
	tests := []struct {
		name string
		repr tensor.Representation
		mode Mode
	}{
		{"fp32 real", tensor.Float32, ModeReal},
		{"fp32 double", tensor.Float32, ModeDouble},
		{"q0.7 real", tensor.Q0_7, ModeReal},
		{"q0.7 double", tensor.Q0_7, ModeDouble},
		{"q0.7 integer", tensor.Q0_7, ModeInteger},
		{"q0.15 real", tensor.Q0_15, ModeReal},
		{"q0.15 integer", tensor.Q0_15, ModeInteger},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, k, v := toyInputs(t, tt.repr)
			opts := DefaultOptions()
			opts.Mode = tt.mode
			out, err := New(opts).Compute(context.Background(), q, k, v)
			require.NoError(t, err)
			assert.Equal(t, q.Shape, out.Shape)
			assert.Equal(t, tt.repr, out.Repr)

			assert.Less(t, rowDistance(out, 0, v, 0), rowDistance(out, 0, v, 1))
			assert.Less(t, rowDistance(out, 1, v, 1), rowDistance(out, 1, v, 0))
		})
	}
}

func TestToyAttentionWeights(t *testing.T) {
	q, k, _ := toyInputs(t, tensor.Float32)
	scores := make([]float32, 2)
	weights := make([]float32, 2)
	ScoresReal(q.F32Row(0), k.F32, 8, 1/float32(math.Sqrt(8)), scores)
	SoftmaxReal(scores, weights)
	assert.Greater(t, weights[0], weights[1])
	assert.InDelta(t, 1/(1+math.Exp(-1/math.Sqrt(8))), weights[0], 1e-6)
}

func randomFixed(rng *rand.Rand, shape tensor.Shape, repr tensor.Representation) *tensor.Matrix {
	m := tensor.NewMatrix(shape, repr)
	span := int(repr.Max) - int(repr.Min) + 1
	for i := range m.Raw {
		m.Raw[i] = int32(rng.IntN(span)) + repr.Min
	}
	return m
}

func randomFloat(rng *rand.Rand, shape tensor.Shape) *tensor.Matrix {
	m := tensor.NewMatrix(shape, tensor.Float32)
	for i := range m.F32 {
		m.F32[i] = float32(rng.Float64()*2 - 1)
	}
	return m
}

func TestDeterministicAcrossWorkers(t *testing.T) {
	shape := tensor.Shape{Rows: 67, Cols: 16}
	rng := rand.New(rand.NewPCG(1, 2))
	fixedQ := randomFixed(rng, shape, tensor.Q0_7)
	fixedK := randomFixed(rng, shape, tensor.Q0_7)
	fixedV := randomFixed(rng, shape, tensor.Q0_7)
	floatQ := randomFloat(rng, shape)
	floatK := randomFloat(rng, shape)
	floatV := randomFloat(rng, shape)

	tests := []struct {
		name    string
		mode    Mode
		q, k, v *tensor.Matrix
	}{
		{"real fixed", ModeReal, fixedQ, fixedK, fixedV},
		{"real float", ModeReal, floatQ, floatK, floatV},
		{"double float", ModeDouble, floatQ, floatK, floatV},
		{"integer fixed", ModeInteger, fixedQ, fixedK, fixedV},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var want uint64
			for i, workers := range []int{1, 3, 8, 67, 100} {
				opts := DefaultOptions()
				opts.Mode = tt.mode
				opts.Workers = workers
				out, err := New(opts).Compute(context.Background(), tt.q, tt.k, tt.v)
				require.NoError(t, err)
				if i == 0 {
					want = out.Fingerprint()
					continue
				}
				assert.Equal(t, want, out.Fingerprint(), "workers=%d", workers)
			}
		})
	}
}

func TestRealAgreesWithDouble(t *testing.T) {
	shape := tensor.Shape{Rows: 32, Cols: 64}
	rng := rand.New(rand.NewPCG(3, 4))
	q, k, v := randomFloat(rng, shape), randomFloat(rng, shape), randomFloat(rng, shape)

	single, err := New(Options{Mode: ModeReal}).Compute(context.Background(), q, k, v)
	require.NoError(t, err)
	double, err := New(Options{Mode: ModeDouble}).Compute(context.Background(), q, k, v)
	require.NoError(t, err)
	for i := range single.F32 {
		assert.InDelta(t, double.F32[i], single.F32[i], 1e-5)
	}
}

func TestComputeDimensionMismatch(t *testing.T) {
	q := tensor.NewMatrix(tensor.Shape{Rows: 4, Cols: 8}, tensor.Q0_7)
	k := tensor.NewMatrix(tensor.Shape{Rows: 4, Cols: 8}, tensor.Q0_7)
	v := tensor.NewMatrix(tensor.Shape{Rows: 3, Cols: 8}, tensor.Q0_7)

	_, err := New(DefaultOptions()).Compute(context.Background(), q, k, v)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tensor.ErrDimensionMismatch))

	var dimErr *tensor.DimensionError
	require.True(t, errors.As(err, &dimErr))
	assert.Contains(t, err.Error(), "[4,8]")
	assert.Contains(t, err.Error(), "[3,8]")
}

func TestComputeRejectsUnsupported(t *testing.T) {
	shape := tensor.Shape{Rows: 2, Cols: 8}
	f := tensor.NewMatrix(shape, tensor.Float32)

	_, err := New(Options{Mode: ModeInteger}).Compute(context.Background(), f, f, f)
	assert.ErrorIs(t, err, ErrUnsupported)

	fixed := tensor.NewMatrix(shape, tensor.Q0_7)
	_, err = New(DefaultOptions()).Compute(context.Background(), fixed, f, fixed)
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = New(DefaultOptions()).Compute(context.Background(), nil, f, f)
	assert.Error(t, err)
}

func TestComputeCanceled(t *testing.T) {
	shape := tensor.Shape{Rows: 16, Cols: 8}
	m := tensor.NewMatrix(shape, tensor.Q0_7)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(DefaultOptions()).Compute(ctx, m, m, m)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestComputeProgress(t *testing.T) {
	shape := tensor.Shape{Rows: 5, Cols: 8}
	m := tensor.NewMatrix(shape, tensor.Float32)

	var mu sync.Mutex
	var calls [][2]int
	opts := DefaultOptions()
	opts.Workers = 1
	opts.ProgressEvery = 2
	opts.Progress = func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, [2]int{done, total})
	}
	_, err := New(opts).Compute(context.Background(), m, m, m)
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{2, 5}, {4, 5}, {5, 5}}, calls)
}

func TestNewFillsDefaults(t *testing.T) {
	e := New(Options{})
	assert.Positive(t, e.Options().Workers)
	assert.Equal(t, 64, e.Options().ProgressEvery)
	assert.Equal(t, DefaultIntegerParams(), e.Options().Integer)
}
