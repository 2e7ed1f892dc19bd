package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "atomgp",
	Short: "atomgp - Gaussian-process surrogate for atomistic energies and forces",
	Long: `atomgp trains a Gaussian-process surrogate on evaluated atomic
configurations and predicts energy, forces and uncertainty for query
geometries.`,
}

func Execute() error {
	return rootCmd.Execute()
}
