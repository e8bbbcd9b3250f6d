package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/tuma/internal/validator"
)

var validateMaxBytes int

var validateCmd = &cobra.Command{
	Use:   "validate <script-file>",
	Short: "Statically check a script without executing it",
	Args:  cobra.ExactArgs(1),
	RunE:  validateScript,
}

func init() {
	validateCmd.Flags().IntVar(&validateMaxBytes, "max-bytes", validator.DefaultMaxScriptBytes, "script size ceiling")
}

func validateScript(_ *cobra.Command, args []string) error {
	script, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading script %s: %w", args[0], err)
	}

	verdict := validator.New(validateMaxBytes).Validate(string(script))
	if !verdict.OK {
		return fmt.Errorf("%s: rejected (%s): %s", args[0], verdict.Pattern, verdict.Reason)
	}
	fmt.Printf("%s: ok\n", args[0])
	return nil
}
