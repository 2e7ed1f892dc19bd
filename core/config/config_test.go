package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/atomgp/core/prior"
	"github.com/adalundhe/atomgp/core/trainset"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "surrogate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestDefaultMirrorsCalculator(t *testing.T) {
	cfg := Default()
	calcCfg, err := cfg.CalculatorConfig()
	require.NoError(t, err)

	assert.Equal(t, prior.StrategyMaximum, calcCfg.UpdatePriorStrategy)
	assert.Equal(t, 1.0, calcCfg.Weight)
	assert.Equal(t, 0.4, calcCfg.Scale)
	assert.Equal(t, 0.005, calcCfg.Noise)
	assert.Equal(t, 5, calcCfg.BatchSize)
	assert.Equal(t, trainset.StrategyNearestObservations, calcCfg.MaxTrainDataStrategy)
	assert.True(t, calcCfg.CalculateUncertainty)
	assert.True(t, calcCfg.MaskConstraints)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
update_prior_strategy: average
weight: 2.0
scale: 0.8
noise: 0.01
update_hyperparameters: true
batch_size: 10
bounds: 0.25
fit_weight: update
max_train_data: 50
max_train_data_strategy: lowest_energy
calculate_uncertainty: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	calcCfg, err := cfg.CalculatorConfig()
	require.NoError(t, err)
	assert.Equal(t, prior.StrategyAverage, calcCfg.UpdatePriorStrategy)
	assert.Equal(t, 2.0, calcCfg.Weight)
	assert.Equal(t, 0.8, calcCfg.Scale)
	assert.Equal(t, 0.01, calcCfg.Noise)
	assert.True(t, calcCfg.UpdateHyperparams)
	assert.Equal(t, 10, calcCfg.BatchSize)
	assert.Equal(t, 0.25, calcCfg.Bounds)
	assert.Equal(t, 50, calcCfg.MaxTrainData)
	assert.Equal(t, trainset.StrategyLowestEnergy, calcCfg.MaxTrainDataStrategy)
	assert.False(t, calcCfg.CalculateUncertainty)
	assert.True(t, calcCfg.MaskConstraints, "absent toggle keeps its default")
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "noise: 0.02\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	calcCfg, err := cfg.CalculatorConfig()
	require.NoError(t, err)
	assert.Equal(t, 0.02, calcCfg.Noise)
	assert.Equal(t, 1.0, calcCfg.Weight)
	assert.Equal(t, prior.StrategyMaximum, calcCfg.UpdatePriorStrategy)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{"unknown prior strategy", "update_prior_strategy: median\n"},
		{"unknown pruning strategy", "max_train_data_strategy: random\n"},
		{"negative weight", "weight: -3\n"},
		{"bounds too large", "bounds: 1.0\n"},
		{"malformed yaml", "weight: [not a number\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.contents))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
