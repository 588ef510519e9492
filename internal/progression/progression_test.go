package progression

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daryltucker/forest-sweep/internal/model"
)

func rangePtr(a, b float64) *model.ParameterRange {
	r := model.ParameterRange{Min: a, Max: b}
	return &r
}

func baseConfig() model.SamplingConfig {
	return model.DefaultSamplingConfig("m1")
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"fixed":       Fixed,
		"Incremental": Incremental,
		" random ":    Random,
		"":            Fixed,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("spiral")
	assert.Error(t, err)
}

func TestResolve_FixedIgnoresRanges(t *testing.T) {
	base := baseConfig()
	ranges := model.ParameterRanges{Temperature: rangePtr(0.1, 1.9), TopK: rangePtr(1, 100)}
	for i := 0; i < 5; i++ {
		got, err := Resolve(Fixed, base, ranges, i, 5, nil)
		require.NoError(t, err)
		assert.Equal(t, base, got)
	}
}

func TestResolve_IncrementalEndpoints(t *testing.T) {
	ranges := model.ParameterRanges{
		Temperature: rangePtr(0.123456789, 1.987654321),
		TopP:        rangePtr(0.05, 0.95),
		TopK:        rangePtr(10, 90),
	}
	for _, n := range []int{2, 3, 7, 10} {
		first, err := Resolve(Incremental, baseConfig(), ranges, 0, n, nil)
		require.NoError(t, err)
		last, err := Resolve(Incremental, baseConfig(), ranges, n-1, n, nil)
		require.NoError(t, err)

		assert.Equal(t, 0.123456789, first.Temperature)
		assert.Equal(t, 1.987654321, last.Temperature)
		assert.Equal(t, 0.05, first.TopP)
		assert.Equal(t, 0.95, last.TopP)
		assert.Equal(t, 10, first.TopK)
		assert.Equal(t, 90, last.TopK)
	}
}

func TestResolve_IncrementalSingleItemUsesMin(t *testing.T) {
	got, err := Resolve(Incremental, baseConfig(), model.ParameterRanges{Temperature: rangePtr(0.3, 0.9)}, 0, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.3, got.Temperature)
}

func TestResolve_IncrementalTopKRounds(t *testing.T) {
	// 1 -> 4 over 3 items: 1, 2.5, 4 -> 1, 3 (round half away from zero), 4
	ranges := model.ParameterRanges{TopK: rangePtr(1, 4)}
	var got []int
	for i := 0; i < 3; i++ {
		cfg, err := Resolve(Incremental, baseConfig(), ranges, i, 3, nil)
		require.NoError(t, err)
		got = append(got, cfg.TopK)
	}
	assert.Equal(t, []int{1, 3, 4}, got)
}

func TestResolve_InvertedRangeBehavesAsSwapped(t *testing.T) {
	inverted := model.ParameterRanges{Temperature: rangePtr(1.2, 0.4), TopK: rangePtr(80, 20)}
	normal := model.ParameterRanges{Temperature: rangePtr(0.4, 1.2), TopK: rangePtr(20, 80)}

	for _, mode := range []Mode{Fixed, Incremental} {
		for i := 0; i < 4; i++ {
			a, err := Resolve(mode, baseConfig(), inverted, i, 4, nil)
			require.NoError(t, err)
			b, err := Resolve(mode, baseConfig(), normal, i, 4, nil)
			require.NoError(t, err)
			assert.Equal(t, b, a, "mode=%s i=%d", mode, i)
		}
	}

	rngA := rand.New(rand.NewPCG(7, 7))
	rngB := rand.New(rand.NewPCG(7, 7))
	for i := 0; i < 4; i++ {
		a, err := Resolve(Random, baseConfig(), inverted, i, 4, rngA)
		require.NoError(t, err)
		b, err := Resolve(Random, baseConfig(), normal, i, 4, rngB)
		require.NoError(t, err)
		assert.Equal(t, b, a)
	}
}

// topSource always yields the largest possible draw.
type topSource struct{}

func (topSource) Uint64() uint64 { return math.MaxUint64 }

func TestUniform_UpperBoundIsReachable(t *testing.T) {
	rng := rand.New(topSource{})
	assert.Equal(t, 1.5, uniform(rng, model.ParameterRange{Min: 0.5, Max: 1.5}))
	assert.Equal(t, 1.0, unit(rng))
}

func TestResolve_RandomStaysInRange(t *testing.T) {
	ranges := model.ParameterRanges{
		Temperature: rangePtr(0.5, 1.5),
		TopP:        rangePtr(0.7, 0.8),
		TopK:        rangePtr(5, 8),
	}
	rng := rand.New(rand.NewPCG(1, 2))
	seenK := map[int]bool{}
	for i := 0; i < 200; i++ {
		cfg, err := Resolve(Random, baseConfig(), ranges, i%10, 10, rng)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, cfg.Temperature, 0.5)
		assert.LessOrEqual(t, cfg.Temperature, 1.5)
		assert.GreaterOrEqual(t, cfg.TopP, 0.7)
		assert.LessOrEqual(t, cfg.TopP, 0.8)
		assert.GreaterOrEqual(t, cfg.TopK, 5)
		assert.LessOrEqual(t, cfg.TopK, 8)
		seenK[cfg.TopK] = true
	}
	assert.Len(t, seenK, 4, "inclusive integer draw should hit both ends")
}

func TestResolve_DegenerateRange(t *testing.T) {
	ranges := model.ParameterRanges{Temperature: rangePtr(0.7, 0.7), TopK: rangePtr(40, 40)}
	for _, mode := range []Mode{Incremental, Random} {
		for i := 0; i < 3; i++ {
			cfg, err := Resolve(mode, baseConfig(), ranges, i, 3, nil)
			require.NoError(t, err)
			assert.Equal(t, 0.7, cfg.Temperature)
			assert.Equal(t, 40, cfg.TopK)
		}
	}
}

func TestResolve_BadIndex(t *testing.T) {
	_, err := Resolve(Incremental, baseConfig(), model.ParameterRanges{}, 3, 3, nil)
	assert.Error(t, err)
	_, err = Resolve(Incremental, baseConfig(), model.ParameterRanges{}, 0, 0, nil)
	assert.Error(t, err)
}

func TestPlan_IncrementalTemperatures(t *testing.T) {
	items, _, err := Plan(Incremental, baseConfig(), model.ParameterRanges{Temperature: rangePtr(0.2, 0.8)}, nil, 3)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, 0.2, items[0].Config.Temperature)
	assert.InDelta(t, 0.5, items[1].Config.Temperature, 1e-12)
	assert.Equal(t, 0.8, items[2].Config.Temperature)
	assert.Equal(t, "item01", items[0].Tag())
}

func TestPlan_SeededRandomIsReproducible(t *testing.T) {
	base := baseConfig().WithSeed(1234)
	ranges := model.ParameterRanges{Temperature: rangePtr(0.1, 1.9), TopK: rangePtr(1, 100)}

	preview, seedA, err := Plan(Random, base, ranges, []string{"a", "b"}, 5)
	require.NoError(t, err)
	actual, seedB, err := Plan(Random, base, ranges, []string{"a", "b"}, 5)
	require.NoError(t, err)

	assert.Equal(t, uint64(1234), seedA)
	assert.Equal(t, seedA, seedB)
	assert.Equal(t, preview, actual)
}

func TestPlan_UnseededSeedReplays(t *testing.T) {
	ranges := model.ParameterRanges{Temperature: rangePtr(0.1, 1.9)}
	first, seed, err := Plan(Random, baseConfig(), ranges, nil, 4)
	require.NoError(t, err)

	replay, _, err := Plan(Random, baseConfig().WithSeed(int64(seed)), ranges, nil, 4)
	require.NoError(t, err)
	for i := range first {
		assert.Equal(t, first[i].Config.Temperature, replay[i].Config.Temperature)
	}
}

func TestPlan_ModelsOuterIndexInner(t *testing.T) {
	items, _, err := Plan(Fixed, baseConfig(), model.ParameterRanges{}, []string{"a", "b"}, 2)
	require.NoError(t, err)
	require.Len(t, items, 4)

	var got []string
	for _, it := range items {
		got = append(got, it.Config.Model+"/"+it.Tag())
	}
	assert.Equal(t, []string{"a/item01", "a/item02", "b/item01", "b/item02"}, got)
	assert.Equal(t, 3, items[3].Seq)
}

func TestPlan_RejectsRangeOutsideBounds(t *testing.T) {
	_, _, err := Plan(Incremental, baseConfig(), model.ParameterRanges{Temperature: rangePtr(0.5, 3)}, nil, 2)
	assert.ErrorIs(t, err, model.ErrInvalidConfig)
}
