package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/adalundhe/atomgp/core/calculator"
	"github.com/adalundhe/atomgp/core/prior"
	"github.com/adalundhe/atomgp/core/trainset"
)

// Surrogate is the YAML-facing configuration of the surrogate
// calculator. Pointer booleans distinguish "absent" from "false" so
// that file values can override the enabled-by-default toggles.
type Surrogate struct {
	UpdatePriorStrategy  string  `yaml:"update_prior_strategy"`
	Weight               float64 `yaml:"weight"`
	Scale                float64 `yaml:"scale"`
	Noise                float64 `yaml:"noise"`
	UpdateHyperparams    bool    `yaml:"update_hyperparameters"`
	BatchSize            int     `yaml:"batch_size"`
	Bounds               float64 `yaml:"bounds"`
	FitWeight            string  `yaml:"fit_weight"`
	MaxTrainData         int     `yaml:"max_train_data"`
	MaxTrainDataStrategy string  `yaml:"max_train_data_strategy"`
	WrapPositions        bool    `yaml:"wrap_positions"`
	CalculateUncertainty *bool   `yaml:"calculate_uncertainty"`
	MaskConstraints      *bool   `yaml:"mask_constraints"`
}

// Default mirrors calculator.DefaultConfig.
func Default() *Surrogate {
	def := calculator.DefaultConfig()
	return &Surrogate{
		UpdatePriorStrategy:  string(def.UpdatePriorStrategy),
		Weight:               def.Weight,
		Scale:                def.Scale,
		Noise:                def.Noise,
		BatchSize:            def.BatchSize,
		MaxTrainDataStrategy: string(def.MaxTrainDataStrategy),
	}
}

// Load reads a YAML config file over the defaults and validates it.
func Load(path string) (*Surrogate, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown strategy names and invalid hyperparameters
// at load time rather than at first use.
func (c *Surrogate) Validate() error {
	_, err := c.CalculatorConfig()
	return err
}

// CalculatorConfig converts the file representation into the
// calculator's configuration.
func (c *Surrogate) CalculatorConfig() (calculator.Config, error) {
	out := calculator.DefaultConfig()
	if c.UpdatePriorStrategy != "" {
		out.UpdatePriorStrategy = prior.Strategy(c.UpdatePriorStrategy)
	}
	if c.Weight != 0 {
		out.Weight = c.Weight
	}
	if c.Scale != 0 {
		out.Scale = c.Scale
	}
	if c.Noise != 0 {
		out.Noise = c.Noise
	}
	out.UpdateHyperparams = c.UpdateHyperparams
	if c.BatchSize != 0 {
		out.BatchSize = c.BatchSize
	}
	out.Bounds = c.Bounds
	out.FitWeight = calculator.FitWeightMode(c.FitWeight)
	out.MaxTrainData = c.MaxTrainData
	if c.MaxTrainDataStrategy != "" {
		out.MaxTrainDataStrategy = trainset.Strategy(c.MaxTrainDataStrategy)
	}
	out.WrapPositions = c.WrapPositions
	if c.CalculateUncertainty != nil {
		out.CalculateUncertainty = *c.CalculateUncertainty
	}
	if c.MaskConstraints != nil {
		out.MaskConstraints = *c.MaskConstraints
	}
	if err := out.Validate(); err != nil {
		return calculator.Config{}, err
	}
	return out, nil
}
