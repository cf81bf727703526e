package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "aidloop",
	Short: "Closed-loop insulin dosing daemon",
	Long: `aidloop runs the automated insulin delivery control loop: it aggregates
glucose and pump data, computes a dosing recommendation, validates it
against hard safety limits and dispatches it to the pump.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
