package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"hellopyusd/internal/minter"
)

var (
	mintWait    bool
	mintTimeout time.Duration
)

var mintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Run the available mint action",
	Long: `Submit the action the mint button currently offers. When an approval is
needed it is submitted first, and the mint follows once it confirms.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		v, err := a.orch.Act(ctx)
		if err != nil {
			if errors.Is(err, minter.ErrActionUnavailable) || errors.Is(err, minter.ErrNotConnected) {
				printView(v)
			}
			return err
		}

		waitCtx, cancel := context.WithTimeout(ctx, mintTimeout)
		defer cancel()

		pickFirst := func(t minter.Transactions) minter.TxState { return t.Mint }
		if v.Kind == minter.KindApprove {
			pickFirst = func(t minter.Transactions) minter.TxState { return t.Approve }
		}
		hash, err := waitWritten(waitCtx, a.orch, pickFirst)
		if err != nil {
			return fmt.Errorf("%s: %w", v.Kind, err)
		}
		fmt.Printf("submitted %s: %s\n", v.Kind, hash)
		if !mintWait {
			return nil
		}

		if v.Kind == minter.KindApprove {
			if err := waitFor(waitCtx, a.orch, func(t minter.Transactions) minter.TxState { return t.Approve }); err != nil {
				return fmt.Errorf("approval: %w", err)
			}
			fmt.Println("approval confirmed, minting")
		}
		if err := waitFor(waitCtx, a.orch, func(t minter.Transactions) minter.TxState { return t.Mint }); err != nil {
			return fmt.Errorf("mint: %w", err)
		}
		fmt.Printf("minted: %s\n", a.orch.Transactions().Mint.Hash)
		return nil
	},
}

func init() {
	mintCmd.Flags().BoolVar(&mintWait, "wait", false, "wait for the transactions to confirm")
	mintCmd.Flags().DurationVar(&mintTimeout, "timeout", 3*time.Minute, "how long --wait waits")
}

// waitWritten polls until the selected transaction has been signed and sent.
func waitWritten(ctx context.Context, orch *minter.Orchestrator, pick func(minter.Transactions) minter.TxState) (string, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		state := pick(orch.Transactions())
		switch state.Write {
		case minter.StatusError:
			return "", errors.New(state.Error)
		case minter.StatusSuccess:
			return state.Hash, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// waitFor polls until the selected transaction confirms or fails.
func waitFor(ctx context.Context, orch *minter.Orchestrator, pick func(minter.Transactions) minter.TxState) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		state := pick(orch.Transactions())
		switch {
		case state.Write == minter.StatusError, state.Receipt == minter.StatusError:
			return errors.New(state.Error)
		case state.Receipt == minter.StatusSuccess:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
