package main

import (
	"os"

	"github.com/spf13/cobra"

	"numir/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "numir",
	Short: "numir numeric JIT compiler",
	Long:  "numir lowers numeric-Python function descriptions to host programs and SPIR-V kernels",
}

func main() {
	rootCmd.Version = version.Version

	rootCmd.AddCommand(compileCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().String("config", "", "session config file (TOML)")
	rootCmd.PersistentFlags().String("color", "auto", "colorize diagnostics (auto|on|off)")
	rootCmd.PersistentFlags().Bool("quiet", false, "suppress non-essential output")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
