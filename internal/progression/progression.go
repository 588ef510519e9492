/*
PURPOSE:
  Computes the sampling parameters for every item of a multi-item batch.
  Supports fixed, incremental (linear sweep) and random progressions.

REQUIREMENTS:
  User-specified:
  - Fixed reuses one config for every item.
  - Incremental sweeps min -> max across the batch.
  - Random draws per item, reproducible when a seed is given.

  Implementation-discovered:
  - Preview (dry run) must list exactly what a real run will use with the
    same seed, so the whole batch is planned up front from one RNG.

ARCHITECTURE INTEGRATION:
  - Called by: internal/engine (Runner), internal/cli (preview)
  - Depends on: internal/model only.

ERROR HANDLING:
  - Invalid modes, counts and indexes return errors; ranges never do
    (inverted ranges are swapped).

IMPLEMENTATION RULES:
  - Pure functions apart from the RNG owned by a Progression.
  - Interpolate as min*(1-p) + max*p so both endpoints are exact.

USAGE:
  items, seed, err := progression.Plan(mode, base, ranges, models, count)

RELATED FILES:
  - internal/model/sampling.go
  - internal/engine/runner.go
*/

package progression

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/daryltucker/forest-sweep/internal/model"
)

// Mode is the policy for varying sampling parameters across a batch.
type Mode string

const (
	Fixed       Mode = "fixed"
	Incremental Mode = "incremental"
	Random      Mode = "random"
)

// ParseMode accepts the mode names case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case Fixed, Incremental, Random:
		return m, nil
	case "":
		return Fixed, nil
	default:
		return "", fmt.Errorf("unknown progression mode %q (want fixed, incremental or random)", s)
	}
}

// Resolve computes the config for item index of count. rng is only consulted
// in Random mode; pass nil for an unseeded draw.
func Resolve(mode Mode, base model.SamplingConfig, ranges model.ParameterRanges, index, count int, rng *rand.Rand) (model.SamplingConfig, error) {
	if count < 1 {
		return model.SamplingConfig{}, fmt.Errorf("item count must be at least 1, got %d", count)
	}
	if index < 0 || index >= count {
		return model.SamplingConfig{}, fmt.Errorf("item index %d out of range [0,%d)", index, count)
	}

	cfg := base
	switch mode {
	case Fixed:
		return base, nil

	case Incremental:
		p := 0.0
		if count > 1 {
			p = float64(index) / float64(count-1)
		}
		if r := ranges.Temperature; r != nil {
			cfg.Temperature = lerp(r.Normalized(), p)
		}
		if r := ranges.TopP; r != nil {
			cfg.TopP = lerp(r.Normalized(), p)
		}
		if r := ranges.TopK; r != nil {
			cfg.TopK = int(math.Round(lerp(r.Normalized(), p)))
		}
		return cfg, nil

	case Random:
		if rng == nil {
			rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
		if r := ranges.Temperature; r != nil {
			cfg.Temperature = uniform(rng, r.Normalized())
		}
		if r := ranges.TopP; r != nil {
			cfg.TopP = uniform(rng, r.Normalized())
		}
		if r := ranges.TopK; r != nil {
			cfg.TopK = uniformInt(rng, r.Normalized())
		}
		return cfg, nil

	default:
		return model.SamplingConfig{}, fmt.Errorf("unknown progression mode %q", mode)
	}
}

func lerp(r model.ParameterRange, p float64) float64 {
	return r.Min*(1-p) + r.Max*p
}

// unitSteps is the resolution of closed-interval float draws (53 bits, the
// float64 mantissa).
const unitSteps = 1 << 53

// uniform draws from the closed interval [min, max]; both bounds are reachable.
func uniform(rng *rand.Rand, r model.ParameterRange) float64 {
	if r.Min == r.Max {
		return r.Min
	}
	return lerp(r, unit(rng))
}

// unit returns a float in [0, 1] inclusive.
func unit(rng *rand.Rand) float64 {
	return float64(rng.Uint64N(unitSteps+1)) / unitSteps
}

// uniformInt draws an integer from [ceil(min), floor(max)] inclusive.
func uniformInt(rng *rand.Rand, r model.ParameterRange) int {
	lo := int(math.Ceil(r.Min))
	hi := int(math.Floor(r.Max))
	if hi <= lo {
		return int(math.Round(r.Min))
	}
	return lo + rng.IntN(hi-lo+1)
}

// Progression resolves a batch's items in order from a single RNG seeded once.
type Progression struct {
	mode   Mode
	base   model.SamplingConfig
	ranges model.ParameterRanges
	count  int
	seed   uint64
	rng    *rand.Rand
}

// New builds a batch progression. The seed comes from base.Seed when set,
// otherwise a fresh random seed is drawn (see Seed).
func New(mode Mode, base model.SamplingConfig, ranges model.ParameterRanges, count int) (*Progression, error) {
	if count < 1 {
		return nil, fmt.Errorf("item count must be at least 1, got %d", count)
	}
	mode, err := ParseMode(string(mode))
	if err != nil {
		return nil, err
	}
	if err := ranges.Validate(); err != nil {
		return nil, err
	}

	seed := rand.Uint64()
	if base.Seed != nil {
		seed = uint64(*base.Seed)
	}
	return &Progression{
		mode:   mode,
		base:   base,
		ranges: ranges,
		count:  count,
		seed:   seed,
		rng:    rand.New(rand.NewPCG(seed, seed)),
	}, nil
}

// Seed is the seed driving random draws for this batch.
func (p *Progression) Seed() uint64 { return p.seed }

// At resolves item index for the given model. Random draws advance the
// shared RNG, so call in plan order.
func (p *Progression) At(modelName string, index int) (model.SamplingConfig, error) {
	base := p.base
	if modelName != "" {
		base = base.WithModel(modelName)
	}
	return Resolve(p.mode, base, p.ranges, index, p.count, p.rng)
}

// PlannedItem is one resolved batch item.
type PlannedItem struct {
	Seq    int                  `json:"seq"`
	Index  int                  `json:"index"`
	Config model.SamplingConfig `json:"config"`
}

// Tag names the item in filenames and reports, e.g. "item03".
func (it PlannedItem) Tag() string {
	return fmt.Sprintf("item%02d", it.Index+1)
}

// Plan resolves every item of the batch: models outer, item index inner.
// An empty models list means the base config's model. The returned seed
// reproduces the plan when fed back through base.Seed.
func Plan(mode Mode, base model.SamplingConfig, ranges model.ParameterRanges, models []string, count int) ([]PlannedItem, uint64, error) {
	p, err := New(mode, base, ranges, count)
	if err != nil {
		return nil, 0, err
	}
	if len(models) == 0 {
		models = []string{base.Model}
	}

	items := make([]PlannedItem, 0, len(models)*count)
	for _, m := range models {
		for i := 0; i < count; i++ {
			cfg, err := p.At(m, i)
			if err != nil {
				return nil, 0, err
			}
			if err := cfg.Validate(); err != nil {
				return nil, 0, fmt.Errorf("item %d for %s: %w", i, m, err)
			}
			items = append(items, PlannedItem{Seq: len(items), Index: i, Config: cfg})
		}
	}
	return items, p.seed, nil
}

// Preview lists what Run will use for the same inputs and seed. It is Plan
// under the name the CLI exposes; no request is sent.
func Preview(mode Mode, base model.SamplingConfig, ranges model.ParameterRanges, models []string, count int) ([]PlannedItem, uint64, error) {
	return Plan(mode, base, ranges, models, count)
}
