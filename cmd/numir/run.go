package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"numir/internal/diag"
	"numir/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run <module.nmod> <function> [arg...]",
	Short: "Compile a module and invoke one of its functions",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runRunCmd,
}

func runRunCmd(cmd *cobra.Command, args []string) error {
	cfg, err := sessionConfig(cmd)
	if err != nil {
		return err
	}
	mode, err := colorMode(cmd)
	if err != nil {
		return err
	}

	callArgs := make([]any, len(args)-2)
	for i, s := range args[2:] {
		v, err := parseCallArg(s)
		if err != nil {
			return err
		}
		callArgs[i] = v
	}

	desc, err := session.ReadModuleFile(args[0])
	if err != nil {
		return err
	}

	ctx := session.New(cfg)
	defer ctx.Close()

	res, err := ctx.Run(desc.Name, desc.Funcs, args[1], callArgs...)
	for _, bag := range ctx.Diagnostics() {
		diag.Fprint(cmd.ErrOrStderr(), bag, mode)
	}
	if err != nil {
		return err
	}
	for _, v := range res {
		fmt.Fprintln(cmd.OutOrStdout(), v)
	}
	return nil
}
