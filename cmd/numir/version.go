package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"numir/internal/version"
)

var nameColor = color.New(color.FgCyan, color.Bold)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the numir build fingerprint",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		name := "numir"
		if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			name = nameColor.Sprint(name)
		}
		fmt.Fprintf(out, "%s %s\n", name, version.Version)
		if version.GitCommit != "" {
			fmt.Fprintf(out, "commit: %s\n", version.GitCommit)
		}
		if version.BuildDate != "" {
			fmt.Fprintf(out, "built:  %s\n", version.BuildDate)
		}
		return nil
	},
}
