package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"hellopyusd/internal/minter"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current mint state",
	Long:  `Evaluate balances, allowance and simulations and print the single action available.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		v, err := a.orch.Evaluate(cmd.Context())
		if err != nil {
			return err
		}
		printView(v)
		return nil
	},
}

func printView(v minter.View) {
	marker := "○"
	if v.Enabled {
		marker = "▶"
	}
	fmt.Printf("%s %s (%s)\n", marker, v.Label, v.Kind)
	if v.Detail != "" {
		fmt.Printf("  %s\n", v.Detail)
	}
}
