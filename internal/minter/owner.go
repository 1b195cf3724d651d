package minter

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"hellopyusd/internal/chain"
	"hellopyusd/internal/format"
	"hellopyusd/internal/query"
)

// OwnerPanel is only visible to the contract owner.
type OwnerPanel struct {
	Visible     bool   `json:"visible"`
	Symbol      string `json:"symbol,omitempty"`
	Available   string `json:"available,omitempty"`
	CanWithdraw bool   `json:"canWithdraw"`
	Detail      string `json:"detail,omitempty"`

	request *chain.Request
}

func (o *Orchestrator) OwnerPanel(ctx context.Context) (OwnerPanel, error) {
	addrs, account, connected, err := o.session()
	if err != nil {
		return OwnerPanel{}, err
	}
	if !connected {
		return OwnerPanel{}, nil
	}

	owner := o.owner(ctx, addrs)
	if owner.IsError() {
		return OwnerPanel{}, owner.Err
	}
	if !owner.IsSuccess() || owner.Data != account {
		return OwnerPanel{}, nil
	}

	panel := OwnerPanel{Visible: true, Symbol: loadingText, Available: loadingText}
	token := o.token(ctx, addrs)
	accrued := o.accrued(ctx, addrs)
	if token.IsError() || accrued.IsError() {
		panel.Detail = firstErr(token.Err, accrued.Err).Error()
		return panel, nil
	}
	if !token.IsSuccess() || !accrued.IsSuccess() {
		return panel, nil
	}
	panel.Symbol = token.Data.Symbol
	panel.Available = format.Units(accrued.Data, token.Data.Decimals)

	o.mu.Lock()
	busy := o.txs[actionWithdraw].progress().InFlight()
	o.mu.Unlock()

	sim := o.simulateWithdraw(ctx, addrs, account)
	switch {
	case sim.IsError():
		panel.Detail = sim.Err.Error()
	case sim.IsSuccess() && accrued.Data.Sign() > 0 && !busy:
		req := sim.Data
		panel.CanWithdraw = true
		panel.request = &req
	}
	return panel, nil
}

// Withdraw sends the accrued payment token to the owner.
func (o *Orchestrator) Withdraw(ctx context.Context) (OwnerPanel, error) {
	o.actMu.Lock()
	defer o.actMu.Unlock()

	if _, connected := o.chain.Account(); !connected {
		return OwnerPanel{}, ErrNotConnected
	}
	panel, err := o.OwnerPanel(ctx)
	if err != nil {
		return panel, err
	}
	if !panel.Visible {
		return panel, ErrNotOwner
	}
	if !panel.CanWithdraw {
		return panel, fmt.Errorf("withdraw: %w", ErrActionUnavailable)
	}
	o.submit(actionWithdraw, *panel.request)
	panel.CanWithdraw = false
	return panel, nil
}

// OnNewBlock marks block-sensitive reads stale.
func (o *Orchestrator) OnNewBlock(uint64) {
	addrs, err := o.book.Resolve(o.chain.ChainID())
	if err != nil {
		return
	}
	o.cache.Invalidate(query.NewKey(addrs.PaymentToken.Hex(), fnBalanceOf, addrs.HelloPyusd.Hex()))
	o.cache.Invalidate(query.NewKey(nativeScope, fnGasPrice))
}

func (o *Orchestrator) withdrawSubmitted() {
	o.refreshAccrued()
}

func (o *Orchestrator) withdrawConfirmed(hash common.Hash) {
	o.metrics.IncConfirmation(string(actionWithdraw), "success")
	o.logger.Info().Str("tx", hash.Hex()).Msg("withdraw confirmed")
	o.refreshAccrued()
}

func (o *Orchestrator) refreshAccrued() {
	addrs, err := o.book.Resolve(o.chain.ChainID())
	if err != nil {
		return
	}
	o.cache.Invalidate(query.NewKey(addrs.PaymentToken.Hex(), fnBalanceOf))
	o.cache.Invalidate(query.NewKey(addrs.HelloPyusd.Hex(), fnSimulateWithdraw))
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
