package model

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidConfig is returned when a sampling config or range is out of bounds.
var ErrInvalidConfig = errors.New("invalid sampling config")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report yaml/json field names instead of Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// SamplingConfig holds the model and sampling knobs for one generation.
// Treat it as an immutable value: use the With* helpers to derive variants.
type SamplingConfig struct {
	Model           string  `json:"model" yaml:"model" env:"MODEL" validate:"required"`
	Temperature     float64 `json:"temperature" yaml:"temperature" env:"TEMPERATURE" validate:"gte=0,lte=2"`
	TopP            float64 `json:"top_p" yaml:"top_p" env:"TOP_P" validate:"gte=0,lte=1"`
	TopK            int     `json:"top_k" yaml:"top_k" env:"TOP_K" validate:"gte=1"`
	RepeatPenalty   float64 `json:"repeat_penalty" yaml:"repeat_penalty" env:"REPEAT_PENALTY" validate:"gte=0"`
	Seed            *int64  `json:"seed,omitempty" yaml:"seed,omitempty" env:"SEED"`
	MaxTokens       int     `json:"max_tokens" yaml:"max_tokens" env:"MAX_TOKENS" validate:"gte=100"`
	ConnectTimeoutS int     `json:"connect_timeout_s" yaml:"connect_timeout_s" env:"CONNECT_TIMEOUT_S" validate:"gte=0"`
	ReadTimeoutS    int     `json:"read_timeout_s" yaml:"read_timeout_s" env:"READ_TIMEOUT_S" validate:"gte=0"`
}

// DefaultSamplingConfig returns sensible defaults for the given model.
func DefaultSamplingConfig(modelName string) SamplingConfig {
	return SamplingConfig{
		Model:           modelName,
		Temperature:     0.8,
		TopP:            0.9,
		TopK:            40,
		RepeatPenalty:   1.1,
		MaxTokens:       2048,
		ConnectTimeoutS: 10,
		ReadTimeoutS:    120,
	}
}

// NewSamplingConfig validates c and returns it. Out-of-range values are
// rejected, never clamped.
func NewSamplingConfig(c SamplingConfig) (SamplingConfig, error) {
	if err := c.Validate(); err != nil {
		return SamplingConfig{}, err
	}
	return c, nil
}

// Validate checks every bounded field.
func (c SamplingConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() == "" {
			msgs = append(msgs, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s must be %s %s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

// WithModel returns a copy using another model.
func (c SamplingConfig) WithModel(name string) SamplingConfig {
	c.Model = name
	return c
}

// WithSeed returns a copy carrying seed.
func (c SamplingConfig) WithSeed(seed int64) SamplingConfig {
	c.Seed = &seed
	return c
}

// ConnectTimeout is the dial budget; 0 means no limit.
func (c SamplingConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutS) * time.Second
}

// ReadTimeout is the per-read budget; 0 means wait indefinitely.
func (c SamplingConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutS) * time.Second
}

// TimeoutLabel renders both budgets for reports, e.g. "connect=10s read=unlimited".
func (c SamplingConfig) TimeoutLabel() string {
	return "connect=" + secondsLabel(c.ConnectTimeoutS) + " read=" + secondsLabel(c.ReadTimeoutS)
}

func secondsLabel(s int) string {
	if s == 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%ds", s)
}

// ParameterRange is an inclusive {Min, Max} span. Min <= Max always holds
// after NewParameterRange or Normalized.
type ParameterRange struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// NewParameterRange swaps the bounds when a > b instead of rejecting them.
func NewParameterRange(a, b float64) ParameterRange {
	return ParameterRange{Min: a, Max: b}.Normalized()
}

// Normalized returns r with Min <= Max.
func (r ParameterRange) Normalized() ParameterRange {
	if r.Min > r.Max {
		r.Min, r.Max = r.Max, r.Min
	}
	return r
}

func (r ParameterRange) within(lo, hi float64) bool {
	n := r.Normalized()
	return n.Min >= lo && n.Max <= hi
}

// ParameterRanges groups the tunable parameters. A nil range leaves the base
// config value untouched.
type ParameterRanges struct {
	Temperature *ParameterRange `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP        *ParameterRange `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	TopK        *ParameterRange `json:"top_k,omitempty" yaml:"top_k,omitempty"`
}

// Validate checks that every range stays inside its parameter's legal bounds.
func (r ParameterRanges) Validate() error {
	var errs []error
	if r.Temperature != nil && !r.Temperature.within(0, 2) {
		errs = append(errs, fmt.Errorf("%w: temperature range %v outside [0,2]", ErrInvalidConfig, *r.Temperature))
	}
	if r.TopP != nil && !r.TopP.within(0, 1) {
		errs = append(errs, fmt.Errorf("%w: top_p range %v outside [0,1]", ErrInvalidConfig, *r.TopP))
	}
	if r.TopK != nil && r.TopK.Normalized().Min < 1 {
		errs = append(errs, fmt.Errorf("%w: top_k range %v must start at 1 or above", ErrInvalidConfig, *r.TopK))
	}
	return errors.Join(errs...)
}
