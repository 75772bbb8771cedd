package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Thresholds struct {
	MAE            float64 `yaml:"mae"`
	RMSE           float64 `yaml:"rmse"`
	MaxAbsError    float64 `yaml:"max_abs_error"`
	MeanRelError   float64 `yaml:"mean_rel_error"`
	Top1MatchRatio float64 `yaml:"top1_match_ratio"`
}

// Integer holds the constants of the hardware softmax emulation.
type Integer struct {
	DotScale    int64 `yaml:"dot_scale"`
	ExpOne      int64 `yaml:"exp_one"`
	ExpStep     int64 `yaml:"exp_step"`
	ExpCutoff   int64 `yaml:"exp_cutoff"`
	WeightMax   int64 `yaml:"weight_max"`
	WeightShift uint  `yaml:"weight_shift"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Flight struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

type Config struct {
	Rows    int    `yaml:"rows"`
	Cols    int    `yaml:"cols"`
	Workers int    `yaml:"workers"`
	Mode    string `yaml:"mode"`

	ProgressEvery int `yaml:"progress_every"`

	Thresholds Thresholds `yaml:"thresholds"`
	Integer    Integer    `yaml:"integer"`
	Log        Log        `yaml:"log"`

	MetricsAddr string `yaml:"metrics_addr"`
	Flight      Flight `yaml:"flight"`
}

var modes = []string{"real", "double", "integer"}

func (c *Config) Validate() error {
	if c.Rows <= 0 {
		return fmt.Errorf("invalid rows: %d (must be positive)", c.Rows)
	}
	if c.Cols <= 0 {
		return fmt.Errorf("invalid cols: %d (must be positive)", c.Cols)
	}
	if c.Cols%8 != 0 {
		return fmt.Errorf("invalid cols: %d (must be a multiple of 8 for packed words)", c.Cols)
	}
	if c.Workers < 0 {
		return fmt.Errorf("invalid workers: %d (must be non-negative)", c.Workers)
	}
	if c.ProgressEvery < 0 {
		return fmt.Errorf("invalid progress_every: %d (must be non-negative)", c.ProgressEvery)
	}
	if !isMode(c.Mode) {
		return fmt.Errorf("invalid mode: %q (must be one of %s)", c.Mode, strings.Join(modes, ", "))
	}
	if err := c.Thresholds.validate(); err != nil {
		return err
	}
	return c.Integer.validate()
}

func (t *Thresholds) validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"mae", t.MAE},
		{"rmse", t.RMSE},
		{"max_abs_error", t.MaxAbsError},
		{"mean_rel_error", t.MeanRelError},
		{"top1_match_ratio", t.Top1MatchRatio},
	} {
		if f.v < 0 {
			return fmt.Errorf("invalid threshold %s: %v (must be non-negative)", f.name, f.v)
		}
	}
	if t.Top1MatchRatio > 1 {
		return fmt.Errorf("invalid threshold top1_match_ratio: %v (must be <= 1)", t.Top1MatchRatio)
	}
	return nil
}

func (i *Integer) validate() error {
	if i.DotScale <= 0 {
		return fmt.Errorf("invalid dot_scale: %d (must be positive)", i.DotScale)
	}
	if i.ExpOne <= 0 {
		return fmt.Errorf("invalid exp_one: %d (must be positive)", i.ExpOne)
	}
	if i.ExpStep <= 0 {
		return fmt.Errorf("invalid exp_step: %d (must be positive)", i.ExpStep)
	}
	if i.ExpCutoff < 0 {
		return fmt.Errorf("invalid exp_cutoff: %d (must be non-negative)", i.ExpCutoff)
	}
	if i.WeightMax <= 0 {
		return fmt.Errorf("invalid weight_max: %d (must be positive)", i.WeightMax)
	}
	if i.WeightShift > 30 {
		return fmt.Errorf("invalid weight_shift: %d (must be <= 30)", i.WeightShift)
	}
	return nil
}

func isMode(m string) bool {
	for _, v := range modes {
		if m == v {
			return true
		}
	}
	return false
}

func Default() Config {
	return Config{
		Rows:          512,
		Cols:          64,
		Mode:          "real",
		ProgressEvery: 64,
		Thresholds: Thresholds{
			MAE:            3.0,
			RMSE:           5.0,
			MaxAbsError:    15,
			MeanRelError:   0.10,
			Top1MatchRatio: 0.95,
		},
		Integer: Integer{
			DotScale:    1 << 14,
			ExpOne:      65536,
			ExpStep:     1024,
			ExpCutoff:   8192,
			WeightMax:   255,
			WeightShift: 8,
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML file over Default and validates the result. Unknown
// keys are rejected so a typo cannot silently keep a default threshold.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
