package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"numir/internal/diag"
	"numir/internal/session"
)

// sessionConfig loads the config file named by --config, or the defaults.
func sessionConfig(cmd *cobra.Command) (session.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return session.DefaultConfig(), nil
	}
	return session.LoadConfig(path)
}

// colorMode maps the --color flag onto the diagnostic printer's modes.
func colorMode(cmd *cobra.Command) (diag.ColorMode, error) {
	v, _ := cmd.Flags().GetString("color")
	switch v {
	case "auto", "":
		return diag.ColorAuto, nil
	case "on", "always":
		return diag.ColorAlways, nil
	case "off", "never":
		return diag.ColorNever, nil
	default:
		return diag.ColorAuto, fmt.Errorf("unsupported --color value %q (must be auto, on or off)", v)
	}
}

// parseCallArg turns a CLI argument into a runtime value: integers first,
// floats second.
func parseCallArg(s string) (any, error) {
	if v, err := strconv.ParseInt(s, 0, 64); err == nil {
		return v, nil
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	return nil, fmt.Errorf("argument %q is neither an integer nor a float", s)
}
