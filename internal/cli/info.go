package cli

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/spf13/cobra"

	"hellopyusd/internal/minter"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show mint price and total minted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := a.orch.Info(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Price:        %s %s\n", info.Price, info.Symbol)
		fmt.Printf("Total minted: %s\n", info.TotalMinted)
		if info.Connected {
			fmt.Printf("Balance:      %s %s\n", info.Balance, info.Symbol)
			fmt.Printf("Allowance:    %s %s\n", info.Allowance, info.Symbol)
		}
		return nil
	},
}

var metadataCmd = &cobra.Command{
	Use:   "metadata <token-id>",
	Short: "Print a token's decoded metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, ok := new(big.Int).SetString(args[0], 10)
		if !ok {
			return fmt.Errorf("invalid token id %q", args[0])
		}

		a, err := newApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		meta, err := a.orch.Metadata(cmd.Context(), id)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(meta)
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Print the metadata of the next token to be minted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		preview, err := a.orch.Preview(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(preview)
	},
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw",
	Short: "Withdraw accrued PYUSD to the owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		panel, err := a.orch.Withdraw(cmd.Context())
		if err != nil {
			return err
		}
		hash, err := waitWritten(cmd.Context(), a.orch, func(t minter.Transactions) minter.TxState { return t.Withdraw })
		if err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}
		fmt.Printf("withdrawing %s %s: %s\n", panel.Available, panel.Symbol, hash)
		return nil
	},
}
