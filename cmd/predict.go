// Package cmd provides the CLI commands for atomgp.
// This file implements the predict command: train a surrogate from a
// YAML dataset of evaluated structures and predict query geometries.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/adalundhe/atomgp/core/atoms"
	"github.com/adalundhe/atomgp/core/calculator"
	"github.com/adalundhe/atomgp/core/config"
)

var (
	predictDataPath   string
	predictConfigPath string
)

// datasetFile is the YAML layout of a training/query dataset.
type datasetFile struct {
	Train []struct {
		Positions [][3]float64 `yaml:"positions"`
		Energy    float64      `yaml:"energy"`
		Forces    [][3]float64 `yaml:"forces"`
	} `yaml:"train"`
	Queries []struct {
		Positions [][3]float64 `yaml:"positions"`
	} `yaml:"queries"`
}

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Train on a dataset and predict the query geometries",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if predictConfigPath != "" {
			loaded, err := config.Load(predictConfigPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		calcCfg, err := cfg.CalculatorConfig()
		if err != nil {
			return err
		}

		data, err := os.ReadFile(predictDataPath)
		if err != nil {
			return fmt.Errorf("read dataset: %w", err)
		}
		var dataset datasetFile
		if err := yaml.Unmarshal(data, &dataset); err != nil {
			return fmt.Errorf("parse dataset: %w", err)
		}
		if len(dataset.Train) == 0 {
			return fmt.Errorf("dataset has no training structures")
		}
		if len(dataset.Queries) == 0 {
			return fmt.Errorf("dataset has no query geometries")
		}

		calc, err := calculator.New(calcCfg)
		if err != nil {
			return err
		}
		for i, entry := range dataset.Train {
			s := atoms.New(entry.Positions)
			if err := s.SetCalculated(entry.Energy, entry.Forces); err != nil {
				return fmt.Errorf("training structure %d: %w", i, err)
			}
			calc.AddTrainingData(s)
		}

		out := cmd.OutOrStdout()
		for i, entry := range dataset.Queries {
			result, err := calc.Calculate(atoms.New(entry.Positions))
			if err != nil {
				return fmt.Errorf("query %d: %w", i, err)
			}
			fmt.Fprintf(out, "query %d: energy %.8f", i, result.Energy)
			if result.HasUncertainty {
				fmt.Fprintf(out, " ± %.8f", result.Uncertainty)
			}
			fmt.Fprintln(out)
			for j, f := range result.Forces {
				fmt.Fprintf(out, "  atom %d force [%.8f %.8f %.8f]\n", j, f[0], f[1], f[2])
			}
		}
		return nil
	},
}

func init() {
	predictCmd.Flags().StringVar(&predictDataPath, "data", "", "YAML dataset of training structures and queries (required)")
	predictCmd.Flags().StringVar(&predictConfigPath, "config", "", "YAML surrogate configuration")
	predictCmd.MarkFlagRequired("data")
	rootCmd.AddCommand(predictCmd)
}
